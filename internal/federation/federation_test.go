package federation

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/ehrlich-b/crabcity/internal/capability"
	"github.com/ehrlich-b/crabcity/internal/store"
)

// fakeLedger is an in-memory InviteLedger standing in for *store.Store
// so the handshake's redemption wiring can be tested without sqlite.
type fakeLedger struct {
	invites     map[string]*store.Invite
	memberships map[capability.PublicKey]capability.MembershipState
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{invites: make(map[string]*store.Invite), memberships: make(map[capability.PublicKey]capability.MembershipState)}
}

func (f *fakeLedger) GetInvite(nonce string) (*store.Invite, error) {
	inv, ok := f.invites[nonce]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inv, nil
}

func (f *fakeLedger) IncrementUseCount(nonce string) error {
	inv, ok := f.invites[nonce]
	if !ok {
		return store.ErrNotFound
	}
	inv.UseCount++
	return nil
}

func (f *fakeLedger) GetMembershipState(pk capability.PublicKey) (capability.MembershipState, error) {
	st, ok := f.memberships[pk]
	if !ok {
		return 0, store.ErrNotFound
	}
	return st, nil
}

func (f *fakeLedger) UpsertMembership(st *capability.StateWithContext) error {
	f.memberships[st.PubKey] = st.State
	return nil
}

func mustKeyPair(t *testing.T) *capability.SigningKey {
	t.Helper()
	dir, err := os.MkdirTemp("", "crabcity-fed-test")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sk, err := capability.EnsureKeyPair(dir)
	if err != nil {
		t.Fatalf("EnsureKeyPair: %v", err)
	}
	return sk
}

func TestHandshakeAndTunnelRoundTrip(t *testing.T) {
	daemonKey := mustKeyPair(t)
	chain, err := capability.NewRoot(daemonKey, capability.Collaborate, 0, 4, time.Time{})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	ledger := newFakeLedger()
	ledger.invites[chain.Links[0].NonceHex()] = &store.Invite{
		Nonce: chain.Links[0].NonceHex(), Issuer: daemonKey.Public(), Capability: capability.Collaborate, MaxUses: 0, Chain: chain,
	}

	serverConn, clientConn := net.Pipe()

	lnServer := &pipeListener{conns: make(chan net.Conn, 1)}
	lnServer.conns <- serverConn
	listener := NewListener(lnServer, "daemon-1", daemonKey, daemonKey.Public(), ledger, nil)

	serverDone := make(chan *Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		c, err := listener.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- c
	}()

	clientConnResult := make(chan *Conn, 1)
	clientErr := make(chan error, 1)
	go func() {
		c, err := Dial(clientConn, chain, daemonKey, daemonKey.Public(), nil)
		if err != nil {
			clientErr <- err
			return
		}
		clientConnResult <- c
	}()

	var serverSide, clientSide *Conn
	select {
	case serverSide = <-serverDone:
	case err := <-serverErr:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out on Accept")
	}
	select {
	case clientSide = <-clientConnResult:
	case err := <-clientErr:
		t.Fatalf("Dial: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out on Dial")
	}

	if serverSide.Capability() != capability.Collaborate {
		t.Fatalf("server-observed capability = %v, want Collaborate", serverSide.Capability())
	}
	if serverSide.PeerPublicKey() != daemonKey.Public() {
		t.Fatalf("server-observed peer key mismatch")
	}

	inv := ledger.invites[chain.Links[0].NonceHex()]
	if inv.UseCount != 1 {
		t.Fatalf("use_count = %d, want 1 after redemption", inv.UseCount)
	}
	if got := ledger.memberships[daemonKey.Public()]; got != capability.Active {
		t.Fatalf("membership state = %v, want Active", got)
	}

	done := make(chan struct{})
	go func() {
		if err := clientSide.Send([]byte(`{"type":"ping"}`)); err != nil {
			t.Errorf("client Send: %v", err)
		}
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := serverSide.Recv(ctx)
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if string(env.Payload) != `{"type":"ping"}` {
		t.Fatalf("payload = %s, want ping envelope", env.Payload)
	}
	<-done
}

// impostorKey stands in for an attacker who has a chain's public
// bytes (chains are publicly shareable) but not its leaf private key.
func TestHandshakeRejectsForgedIdentityProof(t *testing.T) {
	daemonKey := mustKeyPair(t)
	impostorKey := mustKeyPair(t)
	chain, err := capability.NewRoot(daemonKey, capability.Collaborate, 0, 4, time.Time{})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	ledger := newFakeLedger()
	ledger.invites[chain.Links[0].NonceHex()] = &store.Invite{Nonce: chain.Links[0].NonceHex(), Issuer: daemonKey.Public(), Capability: capability.Collaborate, Chain: chain}

	serverConn, clientConn := net.Pipe()
	lnServer := &pipeListener{conns: make(chan net.Conn, 1)}
	lnServer.conns <- serverConn
	listener := NewListener(lnServer, "daemon-1", daemonKey, daemonKey.Public(), ledger, nil)

	serverErr := make(chan error, 1)
	go func() {
		_, err := listener.Accept()
		serverErr <- err
	}()

	clientErr := make(chan error, 1)
	go func() {
		// Signs with a key that isn't the chain's leaf.
		_, err := Dial(clientConn, chain, impostorKey, daemonKey.Public(), nil)
		clientErr <- err
	}()

	select {
	case err := <-serverErr:
		if err == nil {
			t.Fatal("expected Accept to reject a forged identity proof")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept to reject")
	}
	<-clientErr
}

func TestHandshakeRejectsRevokedInvite(t *testing.T) {
	daemonKey := mustKeyPair(t)
	chain, err := capability.NewRoot(daemonKey, capability.Collaborate, 0, 4, time.Time{})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	revokedAt := time.Now()

	ledger := newFakeLedger()
	ledger.invites[chain.Links[0].NonceHex()] = &store.Invite{
		Nonce: chain.Links[0].NonceHex(), Issuer: daemonKey.Public(), Capability: capability.Collaborate, Chain: chain, RevokedAt: &revokedAt,
	}

	serverConn, clientConn := net.Pipe()
	lnServer := &pipeListener{conns: make(chan net.Conn, 1)}
	lnServer.conns <- serverConn
	listener := NewListener(lnServer, "daemon-1", daemonKey, daemonKey.Public(), ledger, nil)

	serverErr := make(chan error, 1)
	go func() {
		_, err := listener.Accept()
		serverErr <- err
	}()

	clientErr := make(chan error, 1)
	go func() {
		_, err := Dial(clientConn, chain, daemonKey, daemonKey.Public(), nil)
		clientErr <- err
	}()

	select {
	case err := <-serverErr:
		if err == nil {
			t.Fatal("expected Accept to reject a revoked invite")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept to reject")
	}
	if err := <-clientErr; err == nil {
		t.Fatal("expected Dial to observe the handshake rejection")
	}
	if ledger.invites[chain.Links[0].NonceHex()].UseCount != 0 {
		t.Fatal("revoked invite must not have its use_count incremented")
	}
}

func TestLoopbackConnHasOwnerCapability(t *testing.T) {
	_, clientConn := net.Pipe()
	c := LoopbackConn(clientConn)
	if c.Capability() != capability.Owner {
		t.Fatalf("loopback capability = %v, want Owner", c.Capability())
	}
	if !c.PeerPublicKey().IsLoopback() {
		t.Fatal("expected loopback sentinel identity")
	}
}

// pipeListener adapts a pre-made net.Conn into the net.Listener
// interface so the handshake can be tested over net.Pipe without a
// real socket.
type pipeListener struct {
	conns chan net.Conn
}

func (p *pipeListener) Accept() (net.Conn, error) { return <-p.conns, nil }
func (p *pipeListener) Close() error              { return nil }
func (p *pipeListener) Addr() net.Addr            { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
