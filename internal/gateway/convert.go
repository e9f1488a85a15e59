package gateway

import (
	"github.com/duskline/relay/internal/model"
	"github.com/duskline/relay/internal/wire"
)

// keysFromPutPayload translates a FramePutKeys payload into the domain
// types internal/keys operates on. One-time pre-key ids and their public
// keys arrive as parallel slices on the wire; mismatched lengths are
// truncated to the shorter slice rather than erroring, since a malformed
// pairing here simply means fewer one-time keys get registered.
func keysFromPutPayload(userID string, p wire.PutKeysPayload) (model.SignedPreKey, []model.OneTimePreKey) {
	spk := model.SignedPreKey{
		UserID:    userID,
		KeyID:     p.SignedPreKeyID,
		PublicKey: p.SignedPreKey,
		Signature: p.Signature,
	}

	n := len(p.OneTimeKeyIDs)
	if len(p.OneTimePreKeys) < n {
		n = len(p.OneTimePreKeys)
	}
	otps := make([]model.OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		otps = append(otps, model.OneTimePreKey{
			UserID:    userID,
			KeyID:     p.OneTimeKeyIDs[i],
			PublicKey: p.OneTimePreKeys[i],
		})
	}
	return spk, otps
}
