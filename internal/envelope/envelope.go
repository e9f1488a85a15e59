// Package envelope implements the Envelope Store: a per-recipient FIFO
// inbox with submission-id dedup, TTL expiry, and accept-then-prune cap
// enforcement. SQL shape (ON CONFLICT upsert, sql.ErrNoRows -> sentinel,
// explicit table name) is grounded on the teacher's relational object
// store.
package envelope

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/duskline/relay/internal/ids"
	"github.com/duskline/relay/internal/model"
	"github.com/duskline/relay/internal/relayerr"
)

// Options bounds the store's behavior.
type Options struct {
	// MaxInbox is the maximum number of envelopes retained per recipient.
	// Insert always accepts the new envelope, then prunes the oldest excess
	// rows so writers never block behind a slow reader.
	MaxInbox int
	// DefaultTTL is applied to envelopes that do not specify their own
	// expiry.
	DefaultTTL time.Duration
	// Clock allows tests to control "now".
	Clock func() time.Time
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}

// Store is the Envelope Store, backed by database/sql.
type Store struct {
	db   *sql.DB
	opts Options
}

// New wraps an already-opened *sql.DB.
func New(db *sql.DB, opts Options) *Store {
	if opts.MaxInbox <= 0 {
		opts.MaxInbox = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 14 * 24 * time.Hour
	}
	return &Store{db: db, opts: opts}
}

// EnsureSchema creates the envelopes table and its dedup index if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS envelopes (
			id            TEXT PRIMARY KEY,
			recipient_id  TEXT NOT NULL,
			sender_id     TEXT NOT NULL,
			submission_id TEXT NOT NULL,
			ciphertext    BYTEA NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL,
			UNIQUE (sender_id, submission_id)
		)
	`)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "ensure envelope schema", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS envelopes_recipient_created_idx ON envelopes (recipient_id, created_at)`)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "ensure envelope index", err)
	}
	return nil
}

// InsertResult reports the outcome of Insert, letting the gateway
// distinguish a fresh accept from an idempotent replay.
type InsertResult struct {
	Envelope  model.Envelope
	Duplicate bool
}

// Insert stores a new envelope for delivery to recipientID. If an envelope
// with the same (senderID, submissionID) already exists, Insert is a no-op
// that returns the existing row with Duplicate=true -- the at-least-once
// submission contract relies on this being safe to call twice.
//
// After inserting, Insert prunes the oldest envelopes for recipientID past
// MaxInbox before returning, so the accept always succeeds and the cap holds
// once Insert completes.
func (s *Store) Insert(ctx context.Context, recipientID, senderID, submissionID string, ciphertext []byte, ttl time.Duration) (InsertResult, error) {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	now := s.opts.now()

	if existing, ok, err := s.findBySubmission(ctx, senderID, submissionID); err != nil {
		return InsertResult{}, err
	} else if ok {
		return InsertResult{Envelope: existing, Duplicate: true}, nil
	}

	env := model.Envelope{
		ID:           ids.New(),
		RecipientID:  recipientID,
		SenderID:     senderID,
		SubmissionID: submissionID,
		Ciphertext:   ciphertext,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO envelopes (id, recipient_id, sender_id, submission_id, ciphertext, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, env.ID, env.RecipientID, env.SenderID, env.SubmissionID, env.Ciphertext, env.CreatedAt, env.ExpiresAt)
	if err != nil {
		if existing, ok, ferr := s.findBySubmission(ctx, senderID, submissionID); ferr == nil && ok {
			return InsertResult{Envelope: existing, Duplicate: true}, nil
		}
		return InsertResult{}, relayerr.Wrap(relayerr.CodeStorage, "insert envelope", err)
	}

	if err := s.pruneExcess(ctx, recipientID); err != nil {
		return InsertResult{}, err
	}

	return InsertResult{Envelope: env}, nil
}

func (s *Store) findBySubmission(ctx context.Context, senderID, submissionID string) (model.Envelope, bool, error) {
	var env model.Envelope
	err := s.db.QueryRowContext(ctx, `
		SELECT id, recipient_id, sender_id, submission_id, ciphertext, created_at, expires_at
		FROM envelopes WHERE sender_id = $1 AND submission_id = $2
	`, senderID, submissionID).Scan(
		&env.ID, &env.RecipientID, &env.SenderID, &env.SubmissionID, &env.Ciphertext, &env.CreatedAt, &env.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Envelope{}, false, nil
	}
	if err != nil {
		return model.Envelope{}, false, relayerr.Wrap(relayerr.CodeStorage, "lookup envelope by submission", err)
	}
	return env, true, nil
}

// pruneExcess deletes the oldest envelopes for recipientID beyond MaxInbox.
// The NOT IN (... LIMIT $2) form is used instead of OFFSET so the query
// runs unmodified against both Postgres (production) and SQLite (tests).
func (s *Store) pruneExcess(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM envelopes WHERE recipient_id = $1 AND id NOT IN (
			SELECT id FROM envelopes WHERE recipient_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		)
	`, recipientID, s.opts.MaxInbox)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "prune excess envelopes", err)
	}
	return nil
}

// FetchBatch returns up to limit undelivered envelopes for recipientID in
// FIFO (oldest-first) order.
func (s *Store) FetchBatch(ctx context.Context, recipientID string, limit int) ([]model.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, sender_id, submission_id, ciphertext, created_at, expires_at
		FROM envelopes WHERE recipient_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.CodeStorage, "fetch envelope batch", err)
	}
	defer rows.Close()

	var out []model.Envelope
	for rows.Next() {
		var env model.Envelope
		if err := rows.Scan(&env.ID, &env.RecipientID, &env.SenderID, &env.SubmissionID, &env.Ciphertext, &env.CreatedAt, &env.ExpiresAt); err != nil {
			return nil, relayerr.Wrap(relayerr.CodeStorage, "scan envelope row", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerr.Wrap(relayerr.CodeStorage, "iterate envelope rows", err)
	}
	return out, nil
}

// AckMany deletes the given envelope ids, scoped to recipientID so a client
// cannot ack another user's mail. It returns the number of rows actually
// deleted, which may be less than len(ids) if some were already gone
// (already acked, expired, or pruned).
func (s *Store) AckMany(ctx context.Context, recipientID string, envelopeIDs []string) (int, error) {
	if len(envelopeIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.CodeStorage, "begin ack tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM envelopes WHERE id = $1 AND recipient_id = $2`)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.CodeStorage, "prepare ack delete", err)
	}
	defer stmt.Close()

	var total int
	for _, id := range envelopeIDs {
		res, err := stmt.ExecContext(ctx, id, recipientID)
		if err != nil {
			return 0, relayerr.Wrap(relayerr.CodeStorage, "ack delete", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, relayerr.Wrap(relayerr.CodeStorage, "commit ack tx", err)
	}
	return total, nil
}

// DeleteAllFor removes every envelope addressed to recipientID.
func (s *Store) DeleteAllFor(ctx context.Context, recipientID string) error {
	return deleteAllEnvelopesFor(ctx, s.db, recipientID)
}

// DeleteAllForTx is DeleteAllFor run against an already-open transaction, so
// internal/takeover can fold the envelope cascade delete into the same
// transaction as the key-store cascade and the identity key replacement.
func (s *Store) DeleteAllForTx(ctx context.Context, tx *sql.Tx, recipientID string) error {
	return deleteAllEnvelopesFor(ctx, tx, recipientID)
}

func deleteAllEnvelopesFor(ctx context.Context, ex execer, recipientID string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM envelopes WHERE recipient_id = $1`, recipientID)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "delete all envelopes for recipient", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DB exposes the underlying pool so internal/takeover can open a shared
// transaction spanning the key store and the envelope store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SweepExpired deletes envelopes whose TTL has elapsed, returning the count
// removed. Called periodically by internal/retention.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE expires_at <= $1`, s.opts.now())
	if err != nil {
		return 0, relayerr.Wrap(relayerr.CodeStorage, "sweep expired envelopes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountFor reports how many envelopes are currently queued for recipientID.
func (s *Store) CountFor(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes WHERE recipient_id = $1`, recipientID).Scan(&n)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.CodeStorage, "count envelopes", err)
	}
	return n, nil
}
