// Package token implements the Connection Token: the compact
// binary-plus-base32 encoding of (host public key, invite nonce,
// optional relay hint), grounded exactly on
// original_source/packages/crab_city/src/transport/connection_token.rs.
package token

import (
	"fmt"

	"github.com/ehrlich-b/crabcity/internal/capability"
	"github.com/ehrlich-b/crabcity/internal/crockford"
)

const (
	version   = 1
	minLength = 1 + 32 + 16 // version + host key + nonce, relay hint may be empty
)

// Token is a Connection Token's decoded form.
type Token struct {
	HostKey   capability.PublicKey
	Nonce     [16]byte
	RelayHint string // "" means absent
}

// Encode renders t as the fixed binary layout:
// [1 byte version][32 byte host key][16 byte nonce][relay hint bytes].
func (t Token) Encode() []byte {
	buf := make([]byte, 0, minLength+len(t.RelayHint))
	buf = append(buf, version)
	buf = append(buf, t.HostKey[:]...)
	buf = append(buf, t.Nonce[:]...)
	buf = append(buf, []byte(t.RelayHint)...)
	return buf
}

// Decode parses the fixed binary layout, rejecting an unknown
// version or a length below the 49-byte minimum.
func Decode(data []byte) (Token, error) {
	if len(data) < minLength {
		return Token{}, fmt.Errorf("connection token too short: %d bytes, need at least %d", len(data), minLength)
	}
	if data[0] != version {
		return Token{}, fmt.Errorf("unsupported connection token version %d", data[0])
	}

	var t Token
	copy(t.HostKey[:], data[1:33])
	copy(t.Nonce[:], data[33:49])
	if len(data) > minLength {
		t.RelayHint = string(data[minLength:])
	}
	return t, nil
}

// ToBase32 renders the token as unpadded Crockford base32, the form
// short enough to embed in a QR code.
func (t Token) ToBase32() string {
	return crockford.Encode(t.Encode())
}

// FromBase32 decodes a Crockford base32 Connection Token,
// case-insensitively.
func FromBase32(s string) (Token, error) {
	data, err := crockford.Decode(s)
	if err != nil {
		return Token{}, fmt.Errorf("decode base32: %w", err)
	}
	return Decode(data)
}
