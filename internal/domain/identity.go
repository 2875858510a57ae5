package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Identity is a 32-byte principal or account address. Participants, markets,
// custody authorities, mints and claim accounts all share this shape.
type Identity [32]byte

// ZeroIdentity is the unset identity.
var ZeroIdentity Identity

// String returns the 0x-prefixed lowercase hex encoding.
func (id Identity) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether id is unset.
func (id Identity) IsZero() bool {
	return id == ZeroIdentity
}

// Bytes returns a copy of the raw identity bytes.
func (id Identity) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIdentity decodes a 64-character hex string, with or without a 0x prefix.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != 64 {
		return id, fmt.Errorf("%w: identity must be 32 bytes of hex, got %d chars", ErrValidation, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: identity: %v", ErrValidation, err)
	}
	return id, nil
}

// IdentityFromBytes copies b into an Identity. It fails unless len(b) == 32.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != len(id) {
		return id, fmt.Errorf("%w: identity must be 32 bytes, got %d", ErrValidation, len(b))
	}
	copy(id[:], b)
	return id, nil
}
