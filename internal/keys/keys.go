// Package keys implements the Key Directory: identity keys, signed
// pre-keys, and one-time pre-keys, plus bundle assembly for session
// establishment. SQL shape and sentinel-error style are grounded on the
// teacher's relational object store (Put/Get with ON CONFLICT upserts,
// sql.ErrNoRows mapped to a package sentinel).
package keys

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"time"

	"github.com/duskline/relay/internal/model"
	"github.com/duskline/relay/internal/notify"
	"github.com/duskline/relay/internal/relayerr"
)

// DefaultLowPreKeyThreshold is how many unconsumed one-time pre-keys may
// remain before TakeBundle warns the owning session to replenish.
const DefaultLowPreKeyThreshold = 10

// SignatureVerifier validates that a signed pre-key's signature was produced
// by the given identity key. The default implementation assumes Ed25519;
// callers may inject an alternate verifier for other curves.
type SignatureVerifier interface {
	Verify(identityPublicKey, message, signature []byte) bool
}

// Ed25519Verifier is the default SignatureVerifier.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(identityPublicKey, message, signature []byte) bool {
	if len(identityPublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(identityPublicKey, message, signature)
}

// Directory is the Key Directory, backed by database/sql.
type Directory struct {
	db       *sql.DB
	verifier SignatureVerifier

	notifier           *notify.Notifier
	lowPreKeyThreshold int
}

// Option configures a Directory.
type Option func(*Directory)

// WithVerifier overrides the default Ed25519Verifier.
func WithVerifier(v SignatureVerifier) Option {
	return func(d *Directory) { d.verifier = v }
}

// WithLowPreKeyAlerts wires a Local Notifier so TakeBundle can warn a user's
// live session when their one-time pre-key count drops below threshold
// after a consumption. Without this option no LowPreKeys event is ever
// published.
func WithLowPreKeyAlerts(n *notify.Notifier, threshold int) Option {
	if threshold <= 0 {
		threshold = DefaultLowPreKeyThreshold
	}
	return func(d *Directory) { d.notifier = n; d.lowPreKeyThreshold = threshold }
}

// New wraps an already-opened *sql.DB.
func New(db *sql.DB, opts ...Option) *Directory {
	d := &Directory{db: db, verifier: Ed25519Verifier{}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DB exposes the underlying pool so internal/takeover can run the cascade's
// key-store and envelope-store deletes inside one shared transaction.
func (d *Directory) DB() *sql.DB {
	return d.db
}

// EnsureSchema creates the key-directory tables if they do not exist.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identity_keys (
			user_id    TEXT PRIMARY KEY,
			public_key BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signed_prekeys (
			user_id    TEXT NOT NULL,
			key_id     BIGINT NOT NULL,
			public_key BYTEA NOT NULL,
			signature  BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			user_id    TEXT NOT NULL,
			key_id     BIGINT NOT NULL,
			public_key BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, key_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return relayerr.Wrap(relayerr.CodeStorage, "ensure key directory schema", err)
		}
	}
	return nil
}

// HasIdentityKey reports whether userID has registered an identity key.
func (d *Directory) HasIdentityKey(ctx context.Context, userID string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identity_keys WHERE user_id = $1`, userID,
	).Scan(&count)
	if err != nil {
		return false, relayerr.Wrap(relayerr.CodeStorage, "check identity key", err)
	}
	return count > 0, nil
}

// GetIdentityKey fetches userID's current identity key.
func (d *Directory) GetIdentityKey(ctx context.Context, userID string) (model.IdentityKey, error) {
	var ik model.IdentityKey
	ik.UserID = userID
	err := d.db.QueryRowContext(ctx,
		`SELECT public_key, created_at FROM identity_keys WHERE user_id = $1`, userID,
	).Scan(&ik.PublicKey, &ik.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IdentityKey{}, relayerr.New(relayerr.CodeNotFound, "no identity key on file")
	}
	if err != nil {
		return model.IdentityKey{}, relayerr.Wrap(relayerr.CodeStorage, "get identity key", err)
	}
	return ik, nil
}

// PutIdentityKeyResult reports whether the insert replaced an existing key,
// letting the caller (internal/takeover) decide whether to run the cascade.
type PutIdentityKeyResult struct {
	Replaced  bool
	Unchanged bool
}

// PutIdentityKeyIfAbsent inserts userID's identity key only if none exists
// yet. It is the non-takeover registration path; a pre-existing identical
// key is left untouched and reported via Unchanged=true, while a different
// pre-existing key is left untouched and CodeIdentityKeyChanged is returned.
func (d *Directory) PutIdentityKeyIfAbsent(ctx context.Context, userID string, publicKey []byte) (PutIdentityKeyResult, error) {
	existing, err := d.GetIdentityKey(ctx, userID)
	switch code, _ := relayerr.CodeOf(err); {
	case err == nil:
		if bytesEqual(existing.PublicKey, publicKey) {
			return PutIdentityKeyResult{Unchanged: true}, nil
		}
		return PutIdentityKeyResult{}, relayerr.New(relayerr.CodeIdentityKeyChanged, "identity key already registered; use takeover")
	case code != relayerr.CodeNotFound:
		return PutIdentityKeyResult{}, err
	}
	_, execErr := d.db.ExecContext(ctx,
		`INSERT INTO identity_keys (user_id, public_key, created_at) VALUES ($1, $2, $3)`,
		userID, publicKey, time.Now().UTC(),
	)
	if execErr != nil {
		return PutIdentityKeyResult{}, relayerr.Wrap(relayerr.CodeStorage, "insert identity key", execErr)
	}
	return PutIdentityKeyResult{}, nil
}

// ReplaceIdentityKey overwrites userID's identity key unconditionally. Only
// internal/takeover should call this; every other caller must go through
// PutIdentityKeyIfAbsent so a takeover is always explicit.
func (d *Directory) ReplaceIdentityKey(ctx context.Context, userID string, publicKey []byte) error {
	return replaceIdentityKey(ctx, d.db, userID, publicKey)
}

// ReplaceIdentityKeyTx is ReplaceIdentityKey run against an
// already-open transaction, so internal/takeover can fold it into the same
// transaction as the envelope-store cascade delete.
func (d *Directory) ReplaceIdentityKeyTx(ctx context.Context, tx *sql.Tx, userID string, publicKey []byte) error {
	return replaceIdentityKey(ctx, tx, userID, publicKey)
}

func replaceIdentityKey(ctx context.Context, ex execer, userID string, publicKey []byte) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO identity_keys (user_id, public_key, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET public_key = EXCLUDED.public_key, created_at = EXCLUDED.created_at
	`, userID, publicKey, time.Now().UTC())
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "replace identity key", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting the delete/
// replace helpers run standalone or inside a caller-supplied transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutSignedPreKey registers a new signed pre-key for userID after verifying
// its signature against the registered identity key. KeyID must be strictly
// greater than any previously stored KeyID for this user.
func (d *Directory) PutSignedPreKey(ctx context.Context, spk model.SignedPreKey) error {
	ik, err := d.GetIdentityKey(ctx, spk.UserID)
	if err != nil {
		return err
	}
	if !d.verifier.Verify(ik.PublicKey, spk.PublicKey, spk.Signature) {
		return relayerr.New(relayerr.CodeValidationFailed, "signed pre-key signature does not verify")
	}

	var maxKeyID sql.NullInt64
	if err := d.db.QueryRowContext(ctx,
		`SELECT MAX(key_id) FROM signed_prekeys WHERE user_id = $1`, spk.UserID,
	).Scan(&maxKeyID); err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "check signed prekey watermark", err)
	}
	if maxKeyID.Valid && uint32(maxKeyID.Int64) >= spk.KeyID {
		return relayerr.New(relayerr.CodeValidationFailed, "signed pre-key id must be monotonically increasing")
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO signed_prekeys (user_id, key_id, public_key, signature, created_at) VALUES ($1, $2, $3, $4, $5)`,
		spk.UserID, spk.KeyID, spk.PublicKey, spk.Signature, time.Now().UTC(),
	)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "insert signed prekey", err)
	}
	return nil
}

// PutOneTimePreKeys bulk-inserts one-time pre-keys for later consumption.
func (d *Directory) PutOneTimePreKeys(ctx context.Context, keys []model.OneTimePreKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "begin otp insert tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO one_time_prekeys (user_id, key_id, public_key, created_at) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "prepare otp insert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.UserID, k.KeyID, k.PublicKey, now); err != nil {
			return relayerr.Wrap(relayerr.CodeStorage, "insert one-time prekey", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "commit otp insert tx", err)
	}
	return nil
}

// CountOneTime reports how many unconsumed one-time pre-keys remain for userID.
func (d *Directory) CountOneTime(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.CodeStorage, "count one-time prekeys", err)
	}
	return n, nil
}

// TakeBundle atomically assembles a session-establishment bundle for userID:
// the identity key, current signed pre-key, and one one-time pre-key, which
// is deleted as part of the same transaction so it is never handed out
// twice. Per the strict-failure bundle policy, a missing identity key,
// signed pre-key, or one-time pre-key fails the whole bundle with
// CodeBundleIncomplete rather than returning a partial one.
func (d *Directory) TakeBundle(ctx context.Context, userID string) (model.Bundle, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Bundle{}, relayerr.Wrap(relayerr.CodeStorage, "begin bundle tx", err)
	}
	defer tx.Rollback()

	var ik model.IdentityKey
	ik.UserID = userID
	err = tx.QueryRowContext(ctx,
		`SELECT public_key, created_at FROM identity_keys WHERE user_id = $1`, userID,
	).Scan(&ik.PublicKey, &ik.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bundle{}, relayerr.New(relayerr.CodeBundleIncomplete, "no identity key on file")
	}
	if err != nil {
		return model.Bundle{}, relayerr.Wrap(relayerr.CodeStorage, "get identity key for bundle", err)
	}

	var spk model.SignedPreKey
	spk.UserID = userID
	err = tx.QueryRowContext(ctx,
		`SELECT key_id, public_key, signature, created_at FROM signed_prekeys
		 WHERE user_id = $1 ORDER BY key_id DESC LIMIT 1`, userID,
	).Scan(&spk.KeyID, &spk.PublicKey, &spk.Signature, &spk.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bundle{}, relayerr.New(relayerr.CodeBundleIncomplete, "no signed pre-key on file")
	}
	if err != nil {
		return model.Bundle{}, relayerr.Wrap(relayerr.CodeStorage, "get signed prekey for bundle", err)
	}

	var cand model.OneTimePreKey
	cand.UserID = userID
	// Relies on the surrounding transaction's isolation, rather than an
	// explicit row lock, to keep two concurrent TakeBundle calls from
	// handing out the same one-time pre-key -- SQLite has no row-level
	// locking and this keeps the query portable between it and Postgres.
	err = tx.QueryRowContext(ctx,
		`SELECT key_id, public_key, created_at FROM one_time_prekeys
		 WHERE user_id = $1 ORDER BY key_id ASC LIMIT 1`, userID,
	).Scan(&cand.KeyID, &cand.PublicKey, &cand.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Strict-failure bundle policy: a bundle without a one-time pre-key
		// weakens forward secrecy, so the caller must not be handed one.
		// No fallback to identity+signed-only; the whole bundle fails.
		return model.Bundle{}, relayerr.New(relayerr.CodeBundleIncomplete, "no one-time pre-key available")
	case err != nil:
		return model.Bundle{}, relayerr.Wrap(relayerr.CodeStorage, "get one-time prekey for bundle", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM one_time_prekeys WHERE user_id = $1 AND key_id = $2`, userID, cand.KeyID,
	); err != nil {
		return model.Bundle{}, relayerr.Wrap(relayerr.CodeStorage, "consume one-time prekey", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Bundle{}, relayerr.Wrap(relayerr.CodeStorage, "commit bundle tx", err)
	}

	if d.notifier != nil {
		if remaining, err := d.CountOneTime(ctx, userID); err == nil && remaining < d.lowPreKeyThreshold {
			d.notifier.Publish(notify.Event{Type: notify.LowPreKeys, UserID: userID, Remaining: remaining})
		}
	}

	return model.Bundle{
		UserID:        userID,
		IdentityKey:   ik.PublicKey,
		SignedPreKey:  spk,
		OneTimePreKey: &cand,
	}, nil
}

// DeleteAllFor removes every key record for userID. Used outside of a
// takeover cascade; internal/takeover itself uses DeleteAllForTx so the
// deletes land in the same transaction as the identity key replacement and
// the envelope-store cascade delete.
func (d *Directory) DeleteAllFor(ctx context.Context, userID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "begin delete-all tx", err)
	}
	defer tx.Rollback()

	if err := deleteAllKeysFor(ctx, tx, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "commit delete-all tx", err)
	}
	return nil
}

// DeleteAllForTx is DeleteAllFor run against an already-open transaction.
func (d *Directory) DeleteAllForTx(ctx context.Context, tx *sql.Tx, userID string) error {
	return deleteAllKeysFor(ctx, tx, userID)
}

func deleteAllKeysFor(ctx context.Context, ex execer, userID string) error {
	for _, table := range []string{"one_time_prekeys", "signed_prekeys", "identity_keys"} {
		if _, err := ex.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
			return relayerr.Wrap(relayerr.CodeStorage, "delete from "+table, err)
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
