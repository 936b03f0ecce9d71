package store

import (
	"testing"
	"time"

	"github.com/ehrlich-b/crabcity/internal/capability"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSigningKey(t *testing.T) *capability.SigningKey {
	t.Helper()
	dir := t.TempDir()
	sk, err := capability.EnsureKeyPair(dir)
	if err != nil {
		t.Fatalf("EnsureKeyPair: %v", err)
	}
	return sk
}

func TestStoreAndGetInvite(t *testing.T) {
	s := openTestStore(t)
	daemon := testSigningKey(t)

	chain, err := capability.NewRoot(daemon, capability.Collaborate, 5, 3, time.Time{})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	inv := &Invite{
		Nonce:      "nonce-1",
		Issuer:     daemon.Public(),
		Capability: capability.Collaborate,
		MaxUses:    5,
		Chain:      chain,
	}
	if err := s.StoreInvite(inv); err != nil {
		t.Fatalf("StoreInvite: %v", err)
	}

	got, err := s.GetInvite("nonce-1")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if got.Capability != capability.Collaborate {
		t.Errorf("capability = %v, want Collaborate", got.Capability)
	}
	if got.Issuer != daemon.Public() {
		t.Errorf("issuer mismatch")
	}
	if len(got.Chain.Links) != 1 {
		t.Fatalf("chain links = %d, want 1", len(got.Chain.Links))
	}
	if !got.Valid(time.Now()) {
		t.Error("freshly stored invite should be valid")
	}
}

func TestIncrementUseCountAndExhaustion(t *testing.T) {
	s := openTestStore(t)
	daemon := testSigningKey(t)
	chain, _ := capability.NewRoot(daemon, capability.View, 1, 1, time.Time{})

	inv := &Invite{Nonce: "nonce-2", Issuer: daemon.Public(), Capability: capability.View, MaxUses: 1, Chain: chain}
	if err := s.StoreInvite(inv); err != nil {
		t.Fatalf("StoreInvite: %v", err)
	}

	if err := s.IncrementUseCount("nonce-2"); err != nil {
		t.Fatalf("IncrementUseCount: %v", err)
	}

	got, err := s.GetInvite("nonce-2")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if got.UseCount != 1 {
		t.Fatalf("use_count = %d, want 1", got.UseCount)
	}
	if got.Valid(time.Now()) {
		t.Error("invite at max_uses should no longer be valid")
	}
}

func TestRevokeInviteExcludesFromActiveList(t *testing.T) {
	s := openTestStore(t)
	daemon := testSigningKey(t)
	chain, _ := capability.NewRoot(daemon, capability.Admin, 0, 1, time.Time{})

	inv := &Invite{Nonce: "nonce-3", Issuer: daemon.Public(), Capability: capability.Admin, Chain: chain}
	if err := s.StoreInvite(inv); err != nil {
		t.Fatalf("StoreInvite: %v", err)
	}

	active, err := s.ListActiveInvites()
	if err != nil {
		t.Fatalf("ListActiveInvites: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active invites = %d, want 1", len(active))
	}

	if err := s.RevokeInvite("nonce-3"); err != nil {
		t.Fatalf("RevokeInvite: %v", err)
	}

	active, err = s.ListActiveInvites()
	if err != nil {
		t.Fatalf("ListActiveInvites after revoke: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active invites after revoke = %d, want 0", len(active))
	}

	got, err := s.GetInvite("nonce-3")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if got.RevokedAt == nil {
		t.Error("expected revoked_at to be set")
	}
	if got.Valid(time.Now()) {
		t.Error("revoked invite should not be valid")
	}
}

func TestGetInviteNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetInvite("missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSetting("federation_hint"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound for unset setting", err)
	}

	if err := s.SetSetting("federation_hint", "relay.example.com:7781"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := s.GetSetting("federation_hint")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "relay.example.com:7781" {
		t.Fatalf("value = %q, want relay.example.com:7781", v)
	}

	if err := s.SetSetting("federation_hint", "relay2.example.com:7781"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err = s.GetSetting("federation_hint")
	if err != nil {
		t.Fatalf("GetSetting after overwrite: %v", err)
	}
	if v != "relay2.example.com:7781" {
		t.Fatalf("value after overwrite = %q, want relay2.example.com:7781", v)
	}
}

func TestMembershipUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	daemon := testSigningKey(t)

	handle, err := capability.NewHandle("crabby")
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	st := capability.NewState(daemon.Public(), handle)

	if err := s.UpsertMembership(st); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}

	got, err := s.GetMembershipState(daemon.Public())
	if err != nil {
		t.Fatalf("GetMembershipState: %v", err)
	}
	if got != capability.Invited {
		t.Fatalf("state = %v, want Invited", got)
	}

	if err := st.Apply(capability.Transition{Kind: capability.Activate}); err != nil {
		t.Fatalf("Apply Activate: %v", err)
	}
	if err := s.UpsertMembership(st); err != nil {
		t.Fatalf("UpsertMembership after activate: %v", err)
	}
	got, err = s.GetMembershipState(daemon.Public())
	if err != nil {
		t.Fatalf("GetMembershipState after activate: %v", err)
	}
	if got != capability.Active {
		t.Fatalf("state = %v, want Active", got)
	}
}
