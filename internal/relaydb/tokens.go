package relaydb

import (
	"context"
	"time"

	"github.com/duskline/relay/internal/model"
	"github.com/duskline/relay/internal/relayerr"
)

// EnsureTokenSchema creates the device_tokens table if it does not exist.
// Kept separate from EnsureSchema so callers that only need the account
// directory (e.g. a lightweight test) are not forced to create it.
func (s *Store) EnsureTokenSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS device_tokens (
			user_id    TEXT NOT NULL,
			platform   TEXT NOT NULL,
			token      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, platform, token)
		)
	`)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "ensure device_tokens schema", err)
	}
	return nil
}

// PutToken registers an external push token for userID, replacing any
// existing token for the same platform.
func (s *Store) PutToken(ctx context.Context, userID, platform, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE user_id = $1 AND platform = $2 AND token <> $3`,
		userID, platform, token,
	); err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "replace device token", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (user_id, platform, token, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, platform, token) DO UPDATE SET created_at = EXCLUDED.created_at
	`, userID, platform, token, time.Now().UTC())
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "put device token", err)
	}
	return nil
}

// TokensFor returns every device token registered for userID.
func (s *Store) TokensFor(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, platform, token, created_at FROM device_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.CodeStorage, "query device tokens", err)
	}
	defer rows.Close()

	var out []model.DeviceToken
	for rows.Next() {
		var t model.DeviceToken
		if err := rows.Scan(&t.UserID, &t.Platform, &t.Token, &t.CreatedAt); err != nil {
			return nil, relayerr.Wrap(relayerr.CodeStorage, "scan device token", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTokensFor removes every device token for userID. Implements
// internal/push.InvalidTokenDeleter.
func (s *Store) DeleteTokensFor(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "delete device tokens", err)
	}
	return nil
}
