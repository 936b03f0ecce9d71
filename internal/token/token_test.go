package token

import (
	"strings"
	"testing"

	"github.com/ehrlich-b/crabcity/internal/capability"
)

func TestRoundTrip(t *testing.T) {
	tok := Token{
		HostKey: capability.PublicKey{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
			0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA},
		Nonce: [16]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB},
	}

	encoded := tok.ToBase32()
	if len(encoded) > 80 {
		t.Fatalf("expected <= 80 base32 chars with no relay hint, got %d", len(encoded))
	}

	decoded, err := FromBase32(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != tok {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, tok)
	}

	// Case-insensitive decode.
	if _, err := FromBase32(strings.ToLower(encoded)); err != nil {
		t.Fatalf("lowercase decode: %v", err)
	}
}

func TestRoundTripWithRelayHint(t *testing.T) {
	tok := Token{RelayHint: "relay.example.com:7781"}
	decoded, err := FromBase32(tok.ToBase32())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RelayHint != tok.RelayHint {
		t.Fatalf("relay hint mismatch: got %q, want %q", decoded.RelayHint, tok.RelayHint)
	}
}

func TestDecodeRejectsShortInput(t *testing.T) {
	if _, err := Decode(make([]byte, 48)); err == nil {
		t.Fatal("expected error for length < 49")
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	data := make([]byte, minLength)
	data[0] = 2
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestDecodeRejectsCorruptedChar(t *testing.T) {
	tok := Token{}
	encoded := tok.ToBase32()
	corrupted := []byte(encoded)
	// Replace the first character with a different character of the
	// Crockford alphabet, which changes the decoded bytes.
	if corrupted[0] == '0' {
		corrupted[0] = '1'
	} else {
		corrupted[0] = '0'
	}
	decoded, err := FromBase32(string(corrupted))
	if err == nil && decoded == tok {
		t.Fatal("expected corruption to change the decoded token or fail to decode")
	}
}
