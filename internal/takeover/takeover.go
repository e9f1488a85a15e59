// Package takeover implements the Takeover Coordinator: the one logical
// transaction that runs when a user resubmits an identity key that differs
// from the one on file. It deletes the stale pre-key and envelope state,
// replaces the identity key, and forces any live session to disconnect --
// a new device means old sessions could no longer decrypt anything sent
// going forward, so they must restart key agreement from scratch.
package takeover

import (
	"bytes"
	"context"

	"github.com/duskline/relay/internal/envelope"
	"github.com/duskline/relay/internal/keys"
	"github.com/duskline/relay/internal/notify"
	"github.com/duskline/relay/internal/relayerr"
	"github.com/duskline/relay/internal/telemetry"
)

// Coordinator drives the takeover cascade.
type Coordinator struct {
	Keys      *keys.Directory
	Envelopes *envelope.Store
	Notifier  *notify.Notifier
	Log       *telemetry.Logger
}

// New constructs a Coordinator.
func New(keyDir *keys.Directory, envStore *envelope.Store, notifier *notify.Notifier, log *telemetry.Logger) *Coordinator {
	if log == nil {
		log = telemetry.Nop
	}
	return &Coordinator{Keys: keyDir, Envelopes: envStore, Notifier: notifier, Log: log}
}

// Result reports what Submit actually did.
type Result struct {
	// Took is true if a takeover cascade ran. False means either the key
	// was accepted as a first-time registration, or it matched the key
	// already on file (idempotent no-op).
	Took      bool
	Unchanged bool
}

// Submit registers publicKey as userID's identity key, running the full
// takeover cascade if a different key was already on file. Resubmitting the
// same key that is already current is a no-op (Unchanged=true), so retried
// registration requests are safe to repeat.
func (c *Coordinator) Submit(ctx context.Context, userID string, publicKey []byte) (Result, error) {
	existing, err := c.Keys.GetIdentityKey(ctx, userID)
	if err != nil {
		if code, ok := relayerr.CodeOf(err); ok && code == relayerr.CodeNotFound {
			if _, err := c.Keys.PutIdentityKeyIfAbsent(ctx, userID, publicKey); err != nil {
				return Result{}, err
			}
			return Result{}, nil
		}
		return Result{}, err
	}

	if bytes.Equal(existing.PublicKey, publicKey) {
		return Result{Unchanged: true}, nil
	}

	if err := c.runCascade(ctx, userID, publicKey); err != nil {
		return Result{}, err
	}
	return Result{Took: true}, nil
}

// runCascade runs the four cascade steps -- delete pre-keys, replace the
// identity key, delete pending envelopes -- as one transaction against the
// shared *sql.DB underlying both c.Keys and c.Envelopes, so a crash partway
// through never leaves a new identity key installed next to stale envelopes
// still queued under the old one. Disconnect is published only once that
// transaction has committed.
func (c *Coordinator) runCascade(ctx context.Context, userID string, newKey []byte) error {
	tx, err := c.Keys.DB().BeginTx(ctx, nil)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "begin takeover cascade tx", err)
	}
	defer tx.Rollback()

	if err := c.Keys.DeleteAllForTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := c.Keys.ReplaceIdentityKeyTx(ctx, tx, userID, newKey); err != nil {
		return err
	}
	if err := c.Envelopes.DeleteAllForTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "commit takeover cascade tx", err)
	}

	c.Notifier.Publish(notify.Event{Type: notify.Disconnect, UserID: userID, Reason: "identity_key_takeover"})

	c.Log.Info(ctx, "identity key takeover completed", map[string]any{"user_id": userID})
	return nil
}
