// Package federation implements the Federation Transport: an accept
// loop over an authenticated point-to-point connection, a
// capability handshake (Hello/Welcome), and a length-prefixed JSON
// envelope tunnel carrying the Client Protocol with a per-connection
// replay buffer for resume. Grounded on the reconnect/backoff shape
// of internal/ws/client.go and the relay↔P2P migration shape of
// internal/webrtc/transport.go in the reference tree, generalized
// from relay-mediated wing↔browser to direct peer↔peer daemons.
package federation

import (
	"bufio"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/crabcity/internal/capability"
	"github.com/ehrlich-b/crabcity/internal/crabcityerr"
	"github.com/ehrlich-b/crabcity/internal/ringbuf"
	"github.com/ehrlich-b/crabcity/internal/store"
)

// challengeSize is the length of the random nonce a daemon issues for
// the peer to sign as proof it holds the chain leaf's private key.
const challengeSize = 32

const maxEnvelopeSize = 16 << 20 // guards against a hostile/broken peer sending an unbounded length prefix

// Envelope is the outer frame every tunnel message travels in. Seq is
// the connection's own monotonic counter, independent of any
// session's ring sequence carried inside Payload.
type Envelope struct {
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Challenge is the daemon's first frame on every non-loopback
// connection: a random nonce the peer must sign with the chain leaf's
// private key before its Hello is trusted.
type Challenge struct {
	Nonce []byte `json:"nonce"`
}

// Hello is the peer's opening message on the control stream, sent
// after receiving Challenge. ProofResponse is the chain leaf's
// signature over the challenge nonce.
type Hello struct {
	Chain         *capability.Chain    `json:"chain"`
	ProofResponse capability.Signature `json:"proof_response"`
	ResumeToken   *uint64              `json:"resume_token,omitempty"`
	EphemeralPub  []byte               `json:"ephemeral_pub"`
}

// Welcome is the daemon's successful handshake response. Signature
// covers ServerID/EffectiveCapability/ResumeCursor/EphemeralPub under
// the daemon's own identity key, letting a dialing peer confirm it
// reached the daemon it thinks it did even before any session traffic
// flows.
type Welcome struct {
	ServerID            string               `json:"server_id"`
	EffectiveCapability string               `json:"effective_capability"`
	ResumeCursor        uint64               `json:"resume_cursor"`
	EphemeralPub        []byte               `json:"ephemeral_pub"`
	Signature           capability.Signature `json:"signature"`
}

func (w Welcome) signedPayload() []byte {
	return fmt.Appendf(nil, "%s|%s|%d|%x", w.ServerID, w.EffectiveCapability, w.ResumeCursor, w.EphemeralPub)
}

// HandshakeError is sent in place of Welcome when the handshake fails.
type HandshakeError struct {
	Code     crabcityerr.Code     `json:"code"`
	Recovery crabcityerr.Recovery `json:"recovery"`
}

// Forwarder hands a verified, handshake-complete connection's inbound
// Client Protocol traffic to the rest of the daemon and receives
// outbound traffic to encode back onto the wire. The daemon does not
// implement it: internal/daemon's federation bridge dispatches over
// Conn directly and checks the connection's effective capability
// itself.
type Forwarder interface {
	HandleInbound(capLevel capability.Capability, payload []byte) error
	Outbound() <-chan []byte
}

// Conn is one accepted (or dialed) federation connection, post
// handshake.
type Conn struct {
	netConn    net.Conn
	reader     *bufio.Reader
	writeMu    sync.Mutex
	peerPubKey capability.PublicKey
	capability capability.Capability

	replay  *ringbuf.Ring
	nextSeq uint64
	seqMu   sync.Mutex

	limiter *rate.Limiter
	aead    cipher.AEAD // nil on the loopback shortcut, where there is no wire to protect
}

// ServerID identifies this daemon to peers during the handshake.
type ServerID = string

// InviteLedger is the subset of the operator repository the
// handshake needs to turn a verified chain into an accounted,
// membership-tracked redemption. *store.Store satisfies this.
type InviteLedger interface {
	GetInvite(nonce string) (*store.Invite, error)
	IncrementUseCount(nonce string) error
	GetMembershipState(pk capability.PublicKey) (capability.MembershipState, error)
	UpsertMembership(st *capability.StateWithContext) error
}

// Listener wraps a net.Listener with the handshake and per-connection
// rate limiting described for C9.
type Listener struct {
	ln         net.Listener
	serverID   ServerID
	daemonKey  *capability.SigningKey
	rootPubKey capability.PublicKey
	invites    InviteLedger
	newLimiter func() *rate.Limiter
}

// NewListener wraps ln. invites may be nil only for transports that
// never redeem a delegated (non-root) chain — passing a real ledger
// is what makes §4.7 redemption (stored-invite validity, use_count,
// membership) actually happen; without one, a verified chain is
// trusted on signatures alone. newLimiter is called once per accepted
// connection; pass nil to use a generous per-connection default (50
// envelopes/sec, burst 100).
func NewListener(ln net.Listener, serverID ServerID, daemonKey *capability.SigningKey, rootPubKey capability.PublicKey, invites InviteLedger, newLimiter func() *rate.Limiter) *Listener {
	if newLimiter == nil {
		newLimiter = func() *rate.Limiter { return rate.NewLimiter(rate.Limit(50), 100) }
	}
	return &Listener{ln: ln, serverID: serverID, daemonKey: daemonKey, rootPubKey: rootPubKey, invites: invites, newLimiter: newLimiter}
}

// Accept blocks for the next incoming connection, performs the
// capability handshake, and returns a ready-to-use Conn. The peer's
// transport identity is the chain leaf's public key, authenticated by
// requiring the peer to sign a freshly issued Challenge with the
// leaf's private key before Hello is trusted (see handshake).
func (l *Listener) Accept() (*Conn, error) {
	netConn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}

	c := &Conn{
		netConn: netConn,
		reader:  bufio.NewReader(netConn),
		replay:  ringbuf.New(ringbuf.DefaultMaxBytes, ringbuf.DefaultMaxEntries, ringbuf.DefaultMaxAge),
		limiter: l.newLimiter(),
	}

	if err := l.handshake(c); err != nil {
		netConn.Close()
		return nil, err
	}
	return c, nil
}

func (l *Listener) handshake(c *Conn) error {
	var challenge [challengeSize]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	challengeBody, err := json.Marshal(Challenge{Nonce: challenge[:]})
	if err != nil {
		return err
	}
	if err := writeFrame(c.netConn, challengeBody); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	raw, err := readFrame(c.reader)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	var hello Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		return l.sendHandshakeError(c, crabcityerr.CodeProtocolViolation, "malformed hello")
	}

	claims, err := capability.VerifyChain(hello.Chain, l.rootPubKey, time.Now())
	if err != nil {
		return l.sendHandshakeError(c, crabcityerr.CodeInvalidInvite, err.Error())
	}

	// §4.7 redemption step (e): the peer must prove it holds the
	// chain leaf's private key by signing this connection's
	// challenge, not merely present a chain (chains are publicly
	// shareable bytes).
	if !capability.VerifySignature(claims.LeafPubKey, challenge[:], hello.ProofResponse) {
		return l.sendHandshakeError(c, crabcityerr.CodeInvalidIdentityProof, "identity proof does not verify under the chain's leaf key")
	}

	if l.invites != nil {
		if err := l.redeem(c, hello.Chain, claims); err != nil {
			return err
		}
	}

	c.peerPubKey = claims.LeafPubKey
	c.capability = claims.Capability

	ephemeral, err := NewEphemeralKeyPair()
	if err != nil {
		return err
	}
	aead, err := ephemeral.DeriveSessionAEAD(hello.EphemeralPub)
	if err != nil {
		return l.sendHandshakeError(c, crabcityerr.CodeInvalidSignature, "bad ephemeral key: "+err.Error())
	}
	c.aead = aead

	resumeCursor := uint64(0)
	if hello.ResumeToken != nil {
		chunks, ok := c.replay.SnapshotSince(*hello.ResumeToken)
		if !ok {
			return c.sendResetStream()
		}
		for _, chunk := range chunks {
			if err := c.writeRaw(chunk.Bytes); err != nil {
				return err
			}
		}
		resumeCursor = c.replay.FrontSeq()
	}

	welcome := Welcome{ServerID: l.serverID, EffectiveCapability: claims.Capability.String(), ResumeCursor: resumeCursor, EphemeralPub: ephemeral.PublicBytes()}
	welcome.Signature = l.daemonKey.Sign(welcome.signedPayload())
	body, err := json.Marshal(welcome)
	if err != nil {
		return err
	}
	return writeFrame(c.netConn, body)
}

// redeem drives §4.7 redemption steps (c) and (d) plus the membership
// state machine: the stored invite behind chain's root link must
// still be valid (not revoked, exhausted, or expired), its use_count
// is incremented on success, and the leaf's membership row is created
// (or its blocking state enforced) before the connection is trusted.
func (l *Listener) redeem(c *Conn, chain *capability.Chain, claims *capability.Claims) error {
	nonce := chain.Links[0].NonceHex()
	inv, err := l.invites.GetInvite(nonce)
	if err != nil {
		return l.sendHandshakeError(c, crabcityerr.CodeInvalidInvite, "stored invite not found")
	}
	if !inv.Valid(time.Now()) {
		return l.sendHandshakeError(c, crabcityerr.CodeInvalidInvite, "invite has been revoked, exhausted, or expired")
	}
	if err := l.invites.IncrementUseCount(nonce); err != nil {
		return fmt.Errorf("increment use_count: %w", err)
	}

	state, err := l.invites.GetMembershipState(claims.LeafPubKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st := capability.NewState(claims.LeafPubKey, peerHandle(claims.LeafPubKey))
		if err := l.invites.UpsertMembership(st); err != nil {
			return fmt.Errorf("create membership: %w", err)
		}
		if err := st.Apply(capability.Transition{Kind: capability.Activate}); err != nil {
			return fmt.Errorf("activate membership: %w", err)
		}
		if err := l.invites.UpsertMembership(st); err != nil {
			return fmt.Errorf("activate membership: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load membership: %w", err)
	case state == capability.Suspended:
		return l.sendHandshakeError(c, crabcityerr.CodeGrantNotActive, "membership is suspended")
	case state == capability.Removed:
		return l.sendHandshakeError(c, crabcityerr.CodeNotAMember, "membership has been removed")
	}
	return nil
}

// peerHandle derives a display-only handle from pk's fingerprint; it
// never participates in capability checks or signature verification.
func peerHandle(pk capability.PublicKey) capability.Noun {
	fp := strings.ToLower(strings.TrimPrefix(pk.Fingerprint(), "crab_"))
	handle, err := capability.NewHandle("peer-" + fp)
	if err != nil {
		return capability.Noun{}
	}
	return handle
}

func (l *Listener) sendHandshakeError(c *Conn, code crabcityerr.Code, msg string) error {
	ce := crabcityerr.New(code, msg)
	body, err := json.Marshal(HandshakeError{Code: ce.Code, Recovery: ce.Recovery})
	if err != nil {
		return err
	}
	_ = writeFrame(c.netConn, body)
	return ce
}

// Dial is the connecting side's half of the handshake: read the
// daemon's Challenge and sign it with leafKey (the private key
// corresponding to chain's leaf, proving the dialer actually holds
// it), present chain + that proof, verify the daemon's signed Welcome
// under expectedDaemonKey, and return a ready-to-use Conn.
func Dial(netConn net.Conn, chain *capability.Chain, leafKey *capability.SigningKey, expectedDaemonKey capability.PublicKey, resumeToken *uint64) (*Conn, error) {
	reader := bufio.NewReader(netConn)
	raw, err := readFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	var challenge Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("malformed challenge: %w", err)
	}

	ephemeral, err := NewEphemeralKeyPair()
	if err != nil {
		return nil, err
	}

	hello := Hello{
		Chain:         chain,
		ProofResponse: leafKey.Sign(challenge.Nonce),
		ResumeToken:   resumeToken,
		EphemeralPub:  ephemeral.PublicBytes(),
	}
	body, err := json.Marshal(hello)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(netConn, body); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	raw, err = readFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("read welcome: %w", err)
	}

	var welcome Welcome
	if err := json.Unmarshal(raw, &welcome); err == nil && welcome.ServerID != "" {
		if !capability.VerifySignature(expectedDaemonKey, welcome.signedPayload(), welcome.Signature) {
			return nil, crabcityerr.New(crabcityerr.CodeInvalidSignature, "welcome signature does not match expected daemon key")
		}
		aead, err := ephemeral.DeriveSessionAEAD(welcome.EphemeralPub)
		if err != nil {
			return nil, fmt.Errorf("derive session key: %w", err)
		}
		return &Conn{
			netConn:    netConn,
			reader:     reader,
			peerPubKey: expectedDaemonKey,
			capability: parseCapability(welcome.EffectiveCapability),
			replay:     ringbuf.New(ringbuf.DefaultMaxBytes, ringbuf.DefaultMaxEntries, ringbuf.DefaultMaxAge),
			limiter:    rate.NewLimiter(rate.Limit(50), 100),
			aead:       aead,
		}, nil
	}

	var handshakeErr HandshakeError
	if err := json.Unmarshal(raw, &handshakeErr); err != nil {
		return nil, fmt.Errorf("unrecognized handshake response")
	}
	return nil, crabcityerr.New(handshakeErr.Code, "daemon rejected handshake", handshakeErr.Recovery)
}

func parseCapability(s string) capability.Capability {
	switch s {
	case capability.Owner.String():
		return capability.Owner
	case capability.Admin.String():
		return capability.Admin
	case capability.Collaborate.String():
		return capability.Collaborate
	default:
		return capability.View
	}
}

// LoopbackConn builds a Conn for the local-socket shortcut: no
// handshake, Owner capability, sentinel identity.
func LoopbackConn(netConn net.Conn) *Conn {
	return &Conn{
		netConn:    netConn,
		reader:     bufio.NewReader(netConn),
		peerPubKey: capability.Loopback,
		capability: capability.Owner,
		replay:     ringbuf.New(ringbuf.DefaultMaxBytes, ringbuf.DefaultMaxEntries, ringbuf.DefaultMaxAge),
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
}

func (c *Conn) PeerPublicKey() capability.PublicKey { return c.peerPubKey }
func (c *Conn) Capability() capability.Capability   { return c.capability }

// Send wraps payload in an envelope with the connection's next seq,
// records it in the replay buffer, and writes it to the wire.
func (c *Conn) Send(payload []byte) error {
	c.seqMu.Lock()
	c.nextSeq++
	seq := c.nextSeq
	c.seqMu.Unlock()

	env := Envelope{Seq: seq, Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.replay.Push(body)
	return c.writeRaw(body)
}

func (c *Conn) sendResetStream() error {
	env := Envelope{Seq: 0, Payload: json.RawMessage(`{"type":"reset_stream"}`)}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.writeRaw(body)
}

// writeRaw sends body on the wire, sealing it under the connection's
// derived AEAD key once the handshake has established one (the
// handshake frames themselves travel in the clear — there is no key
// yet to seal them with).
func (c *Conn) writeRaw(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.aead != nil {
		body = SealEnvelope(c.aead, body)
	}
	return writeFrame(c.netConn, body)
}

// Recv blocks for the next inbound envelope, respecting the
// connection's rate limiter.
func (c *Conn) Recv(ctx context.Context) (Envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Envelope{}, err
	}
	raw, err := readFrame(c.reader)
	if err != nil {
		return Envelope{}, err
	}
	if c.aead != nil {
		raw, err = OpenEnvelope(c.aead, raw)
		if err != nil {
			return Envelope{}, crabcityerr.New(crabcityerr.CodeInvalidSignature, "envelope failed to decrypt: "+err.Error())
		}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, crabcityerr.New(crabcityerr.CodeProtocolViolation, err.Error())
	}
	return env, nil
}

func (c *Conn) Close() error { return c.netConn.Close() }

// --- length-prefixed framing: [4-byte big-endian length][json body] ---

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxEnvelopeSize {
		return nil, fmt.Errorf("envelope of %d bytes exceeds max %d", n, maxEnvelopeSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
