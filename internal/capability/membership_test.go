package capability

import "testing"

func testIdentity(t *testing.T) Noun {
	n, err := NewHandle("crabby")
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	return n
}

func TestNewStateStartsInvited(t *testing.T) {
	s := NewState(PublicKey{}, testIdentity(t))
	if s.State != Invited {
		t.Fatalf("new state = %s, want invited", s.State)
	}
	if len(s.History) != 0 {
		t.Fatalf("new state should have no history, got %v", s.History)
	}
}

func TestApplyActivateThenSuspendThenReinstate(t *testing.T) {
	s := NewState(PublicKey{}, testIdentity(t))

	if err := s.Apply(Transition{Kind: Activate}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if s.State != Active {
		t.Fatalf("state after activate = %s, want active", s.State)
	}

	if err := s.Apply(Transition{Kind: Suspend, Reason: "abuse report"}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if s.State != Suspended {
		t.Fatalf("state after suspend = %s, want suspended", s.State)
	}

	if err := s.Apply(Transition{Kind: Reinstate}); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if s.State != Active {
		t.Fatalf("state after reinstate = %s, want active", s.State)
	}

	if len(s.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(s.History))
	}
}

func TestApplyReinstateRequiresSuspended(t *testing.T) {
	s := NewState(PublicKey{}, testIdentity(t))
	if err := s.Apply(Transition{Kind: Reinstate}); err == nil {
		t.Fatal("expected error reinstating a non-suspended membership")
	}
}

func TestApplyRemovedIsTerminal(t *testing.T) {
	s := NewState(PublicKey{}, testIdentity(t))
	if err := s.Apply(Transition{Kind: Remove}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Apply(Transition{Kind: Activate}); err == nil {
		t.Fatal("expected error transitioning out of removed")
	}
}

func TestNewSuspendedStateRecordsReason(t *testing.T) {
	s := NewSuspendedState(PublicKey{}, testIdentity(t), "flagged", "admin-console")
	if s.State != Suspended {
		t.Fatalf("state = %s, want suspended", s.State)
	}
	if len(s.History) != 1 || s.History[0].Reason != "flagged" || s.History[0].Source != "admin-console" {
		t.Fatalf("unexpected history: %+v", s.History)
	}
}

func TestApplyReplaceChangesPubKey(t *testing.T) {
	s := NewState(PublicKey{}, testIdentity(t))
	var newKey PublicKey
	newKey[0] = 0xFF
	if err := s.Apply(Transition{Kind: Replace, NewPubKey: newKey}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s.PubKey != newKey {
		t.Fatalf("pubkey after replace = %v, want %v", s.PubKey, newKey)
	}
}
