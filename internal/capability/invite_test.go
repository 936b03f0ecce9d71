package capability

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func newSigningKey(t *testing.T) *SigningKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &SigningKey{priv: priv}
}

func TestRootInviteVerifies(t *testing.T) {
	root := newSigningKey(t)
	chain, err := NewRoot(root, Admin, 0, 2, time.Time{})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	claims, err := VerifyChain(chain, root.Public(), time.Now())
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if claims.Capability != Admin {
		t.Fatalf("capability = %s, want admin", claims.Capability)
	}
}

func TestDelegationNarrowsCapability(t *testing.T) {
	root := newSigningKey(t)
	x := newSigningKey(t)
	y := newSigningKey(t)

	chain, err := NewRoot(root, Admin, 0, 2, time.Time{})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	chain.Links[0].TargetInstance = x.Public()
	chain.Links[0].Signature = root.Sign(chain.Links[0].signedPayload())

	chain, err = Delegate(chain, x, y.Public(), Collaborate, 0, time.Time{})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	claims, err := VerifyChain(chain, root.Public(), time.Now())
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if claims.Capability != Collaborate {
		t.Fatalf("leaf capability = %s, want collaborate", claims.Capability)
	}
}

func TestDelegationCannotWiden(t *testing.T) {
	root := newSigningKey(t)
	x := newSigningKey(t)
	y := newSigningKey(t)

	chain, _ := NewRoot(root, Collaborate, 0, 3, time.Time{})
	chain.Links[0].TargetInstance = x.Public()
	chain.Links[0].Signature = root.Sign(chain.Links[0].signedPayload())

	if _, err := Delegate(chain, x, y.Public(), Admin, 0, time.Time{}); err == nil {
		t.Fatal("expected delegation of a wider capability to fail")
	}
}

func TestVerifyRejectsWrongRootIssuer(t *testing.T) {
	root := newSigningKey(t)
	other := newSigningKey(t)
	chain, _ := NewRoot(root, View, 0, 1, time.Time{})

	if _, err := VerifyChain(chain, other.Public(), time.Now()); err == nil {
		t.Fatal("expected verification to fail for mismatched root public key")
	}
}

func TestVerifyRejectsExpiredLink(t *testing.T) {
	root := newSigningKey(t)
	chain, _ := NewRoot(root, View, 0, 1, time.Now().Add(-time.Hour))

	if _, err := VerifyChain(chain, root.Public(), time.Now()); err == nil {
		t.Fatal("expected verification to fail for an expired root link")
	}
}

func TestDelegateRejectsDepthOverflow(t *testing.T) {
	root := newSigningKey(t)
	x := newSigningKey(t)
	y := newSigningKey(t)

	chain, _ := NewRoot(root, Owner, 0, 1, time.Time{})
	chain.Links[0].TargetInstance = x.Public()
	chain.Links[0].Signature = root.Sign(chain.Links[0].signedPayload())

	if _, err := Delegate(chain, x, y.Public(), Owner, 0, time.Time{}); err == nil {
		t.Fatal("expected delegation beyond max_depth=1 to fail")
	}
}
