// Package id provides the identifier types shared across the runtime:
// actor identities and channel identifiers, both built on a 128-bit random
// value per spec.md §3. Content references live in the store package.
package id

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ActorID is a 128-bit randomly generated value, serializable as a
// canonical string. Identifiers are globally unique within a running
// runtime; uniqueness across runs is not guaranteed and not required.
type ActorID struct {
	u uuid.UUID
}

// NewActorID generates a fresh, random actor identifier.
func NewActorID() ActorID {
	return ActorID{u: uuid.New()}
}

// ParseActorID parses the canonical string form produced by String.
func ParseActorID(s string) (ActorID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ActorID{}, fmt.Errorf("parse actor id %q: %w", s, err)
	}
	return ActorID{u: u}, nil
}

// String returns the canonical string form of the identifier.
func (a ActorID) String() string { return a.u.String() }

// IsZero reports whether a is the zero value (no identifier assigned).
func (a ActorID) IsZero() bool { return a.u == uuid.Nil }

// MarshalText implements encoding.TextMarshaler so ActorID round-trips
// through JSON, YAML, and TOML as a plain string.
func (a ActorID) MarshalText() ([]byte, error) { return []byte(a.u.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActorID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("unmarshal actor id: %w", err)
	}
	a.u = u
	return nil
}

// ChannelID identifies a bidirectional message-router channel (§4.I). It is
// derived from both endpoints plus a random salt so neither endpoint alone
// can predict or collide with another pair's channel id.
type ChannelID string

// NewChannelID derives a channel id from the two endpoints and a fresh
// random salt. The derivation is one-way (sha256), so the channel id does
// not leak the salt, and deterministic given the same salt — which is only
// ever used once, generated here.
func NewChannelID(initiator, target ActorID) (ChannelID, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate channel salt: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(initiator.String()))
	h.Write([]byte(target.String()))
	h.Write(salt)
	return ChannelID(hex.EncodeToString(h.Sum(nil))), nil
}
