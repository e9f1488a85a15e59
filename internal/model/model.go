// Package model holds the shared entity types passed between the relay's
// storage, gateway, and background-worker packages. None of these types
// carry plaintext message content; the relay only ever sees ciphertext
// blobs and public key material.
package model

import "time"

// User is a registered relay account, addressed externally by Handle and
// internally by ID.
type User struct {
	ID        string
	Handle    string
	CreatedAt time.Time
}

// IdentityKey is a user's long-term public identity key. Replacing it is a
// takeover event: exactly one row per user.
type IdentityKey struct {
	UserID    string
	PublicKey []byte
	CreatedAt time.Time
}

// SignedPreKey is a medium-term pre-key signed by the identity key. KeyID is
// monotonically increasing per user; the highest KeyID is current.
type SignedPreKey struct {
	UserID    string
	KeyID     uint32
	PublicKey []byte
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKey is a single-use pre-key. It is deleted the moment it is
// handed out in a bundle.
type OneTimePreKey struct {
	UserID    string
	KeyID     uint32
	PublicKey []byte
	CreatedAt time.Time
}

// Bundle is the set of key material returned to a client that wants to
// start a session with UserID.
type Bundle struct {
	UserID        string
	IdentityKey   []byte
	SignedPreKey  SignedPreKey
	// OneTimePreKey is never nil: the strict-failure bundle policy fails the
	// whole bundle rather than return one without a one-time pre-key.
	OneTimePreKey *OneTimePreKey
}

// Envelope is one opaque, encrypted message queued for a recipient.
type Envelope struct {
	ID           string
	RecipientID  string
	SenderID     string
	SubmissionID string // client-chosen, used for dedup with SenderID
	Ciphertext   []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// DeviceToken is an external push-notification token registered for a user.
type DeviceToken struct {
	UserID    string
	Platform  string
	Token     string
	CreatedAt time.Time
}

// PushJob is a unit of work on the push fallback queue: notify UserID that
// EnvelopeID is waiting, because no live gateway session was found.
type PushJob struct {
	ID         string
	UserID     string
	EnvelopeID string
	Attempt    int
	EnqueuedAt time.Time
	NotBefore  time.Time
}
