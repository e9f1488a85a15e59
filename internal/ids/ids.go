// Package ids provides id generation and validation shared across the
// delivery plane: UUIDv7 surrogate keys and the handle format used to
// address users independently of their internal id.
package ids

import (
	"regexp"

	"github.com/google/uuid"
)

// handleRe matches the public user handle format: lowercase alnum/underscore,
// 3-50 characters. Handles are never secret and appear in logs.
var handleRe = regexp.MustCompile(`^[a-z0-9_]{3,50}$`)

// New returns a fresh time-ordered UUIDv7 string. UUIDv7 keeps primary-key
// locality in the envelope and key-directory tables under heavy insert load,
// unlike random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the global entropy source is unusable; fall
		// back to v4 rather than panic in a hot path.
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as a well-formed UUID (any version).
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidHandle reports whether s is an acceptable public user handle.
func ValidHandle(s string) bool {
	return handleRe.MatchString(s)
}
