package federation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EphemeralKeyPair is generated fresh per connection to provide
// the transport's confidentiality/integrity guarantee independent of
// whatever the underlying socket does (a raw TCP connection between
// daemons has none on its own). The identity handshake (Hello/Welcome)
// authenticates the peer; this key exchange protects the bytes.
type EphemeralKeyPair struct {
	priv *ecdh.PrivateKey
}

func NewEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &EphemeralKeyPair{priv: priv}, nil
}

func (k *EphemeralKeyPair) PublicBytes() []byte { return k.priv.PublicKey().Bytes() }

// DeriveSessionAEAD runs X25519 ECDH against peerPubBytes and HKDF-SHA256
// to produce an AES-256-GCM cipher shared by both ends of the
// connection, without either side transmitting the derived key.
func (k *EphemeralKeyPair) DeriveSessionAEAD(peerPubBytes []byte) (cipher.AEAD, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer ephemeral key: %w", err)
	}
	shared, err := k.priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, salt, []byte("crabcity-federation-tunnel"))
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealEnvelope encrypts body under gcm with a fresh random nonce,
// returning nonce||ciphertext||tag.
func SealEnvelope(gcm cipher.AEAD, body []byte) []byte {
	nonce := make([]byte, gcm.NonceSize())
	_, _ = rand.Read(nonce) // crypto/rand.Read only errors when the OS entropy source is broken
	return gcm.Seal(nonce, nonce, body, nil)
}

// OpenEnvelope reverses SealEnvelope.
func OpenEnvelope(gcm cipher.AEAD, sealed []byte) ([]byte, error) {
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed envelope shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
