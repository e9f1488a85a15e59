// Package relaydb holds the account directory: the minimal user table whose
// ids the other storage packages (keys, envelope) store as plain user_id
// columns (no foreign-key constraints are declared), plus the handle-to-id
// lookup used by the out-of-core HTTP surface and the gateway's submit
// path. The sql driver itself is never imported here;
// cmd/relayd registers it via blank import before opening the pool.
package relaydb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/duskline/relay/internal/ids"
	"github.com/duskline/relay/internal/model"
	"github.com/duskline/relay/internal/relayerr"
)

// Store is the account directory backed by database/sql.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. Callers own the pool's lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the users table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			handle     TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return relayerr.Wrap(relayerr.CodeStorage, "ensure users schema", err)
	}
	return nil
}

// Create registers a new user with the given handle, returning the new record.
func (s *Store) Create(ctx context.Context, handle string) (model.User, error) {
	if !ids.ValidHandle(handle) {
		return model.User{}, relayerr.New(relayerr.CodeValidationFailed, "invalid handle format")
	}
	u := model.User{ID: ids.New(), Handle: handle, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, handle, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.Handle, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, relayerr.New(relayerr.CodeDuplicate, "handle already registered")
		}
		return model.User{}, relayerr.Wrap(relayerr.CodeStorage, "insert user", err)
	}
	return u, nil
}

// ResolveHandle maps a public handle to the internal user id.
func (s *Store) ResolveHandle(ctx context.Context, handle string) (model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, handle, created_at FROM users WHERE handle = $1`, handle,
	).Scan(&u.ID, &u.Handle, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, relayerr.New(relayerr.CodeNotFound, "no such user")
	}
	if err != nil {
		return model.User{}, relayerr.Wrap(relayerr.CodeStorage, "resolve handle", err)
	}
	return u, nil
}

// Get fetches a user by internal id.
func (s *Store) Get(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, handle, created_at FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Handle, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, relayerr.New(relayerr.CodeNotFound, "no such user")
	}
	if err != nil {
		return model.User{}, relayerr.Wrap(relayerr.CodeStorage, "get user", err)
	}
	return u, nil
}

// isUniqueViolation recognizes the lib/pq and sqlite3 unique-constraint
// error text, since both drivers are deliberately never imported in-package.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"duplicate key value", "UNIQUE constraint failed", "23505"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
