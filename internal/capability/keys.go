// Package capability implements C7 Identity & Capability: the
// daemon's ed25519 identity, the capability lattice and its
// AccessRights algebra, the signed invite/grant chain, and the
// membership state machine an invite redemption drives.
package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/crabcity/internal/crockford"
)

// PublicKey is a 32-byte ed25519 public key.
type PublicKey [32]byte

// Loopback is the reserved sentinel identity federation's loopback
// shortcut grants full Owner capability without a handshake.
var Loopback = PublicKey{}

func (k PublicKey) IsLoopback() bool { return k == Loopback }

// Fingerprint is "crab_" + the first eight Crockford base32 digits of
// the key, for human-readable display only — never used in
// signature verification or chain matching.
func (k PublicKey) Fingerprint() string {
	if k.IsLoopback() {
		return "crab_loopback"
	}
	enc := crockford.Encode(k[:])
	if len(enc) > 8 {
		enc = enc[:8]
	}
	return "crab_" + enc
}

func (k PublicKey) Bytes() []byte { return k[:] }

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.RawURLEncoding.EncodeToString(k[:])), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	b, err := base64.RawURLEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("public key must be 32 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// Signature is a 64-byte ed25519 signature.
type Signature [64]byte

func (s Signature) Bytes() []byte { return s[:] }

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(base64.RawURLEncoding.EncodeToString(s[:])), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	b, err := base64.RawURLEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != 64 {
		return fmt.Errorf("signature must be 64 bytes, got %d", len(b))
	}
	copy(s[:], b)
	return nil
}

// SigningKey is the daemon's private ed25519 identity.
type SigningKey struct {
	priv ed25519.PrivateKey
}

func (s *SigningKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], s.priv.Public().(ed25519.PublicKey))
	return pk
}

func (s *SigningKey) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(s.priv, msg))
	return sig
}

// VerifySignature checks msg against sig under pk.
func VerifySignature(pk PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig[:])
}

// EnsureKeyPair loads the daemon's identity key from dir/identity.key,
// generating and persisting one (mode 0600) on first start.
func EnsureKeyPair(dir string) (*SigningKey, error) {
	path := filepath.Join(dir, "identity.key")

	if data, err := os.ReadFile(path); err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity.key has unexpected size %d", len(data))
		}
		priv := ed25519.NewKeyFromSeed(data)
		return &SigningKey{priv: priv}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity.key: %w", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate identity seed: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("write identity.key: %w", err)
	}
	return &SigningKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}
