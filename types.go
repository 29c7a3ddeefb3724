package tractor

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Address identifies a principal: either the base58 address of an external
// key holder or the identity of a programmatic signer such as another
// Controller instance.
type Address string

// Hash is a 32-byte Keccak-256 digest.
type Hash [32]byte

// String returns the 0x-prefixed hex encoding of the hash.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex hash with or without the 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash length: got %d bytes, want %d", len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}

// Blueprint describes a capability the publisher is willing to grant.
type Blueprint struct {
	Publisher  Address   `cbor:"1,keyasint"`
	Payload    []byte    `cbor:"2,keyasint"` // type tag followed by executor data
	UseCeiling uint64    `cbor:"3,keyasint"`
	ValidFrom  time.Time `cbor:"4,keyasint"`
	ValidUntil time.Time `cbor:"5,keyasint"`
}

// SignedBlueprint is a blueprint together with the hash its publisher signed
// and the signature itself.
type SignedBlueprint struct {
	Blueprint Blueprint `cbor:"1,keyasint"`
	Hash      Hash      `cbor:"2,keyasint"`
	Signature []byte    `cbor:"3,keyasint"`
}

// MagicValue is the four byte answer to a delegated verification query.
type MagicValue [4]byte

// Delegated verification answers. Anything other than MagicAccept is a
// rejection.
var (
	MagicAccept = MagicValue{0x16, 0x26, 0xba, 0x7e}
	MagicReject = MagicValue{0xff, 0xff, 0xff, 0xff}
)

// Destroyed is the use count recorded for a destroyed blueprint.
const Destroyed uint64 = math.MaxUint64

// Signature schemes for external key holders.
const (
	SchemeBRC77 = "brc77"
	SchemeBSM   = "bsm"
)
