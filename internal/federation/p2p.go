package federation

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/crabcity/internal/capability"
)

// P2PUpgrade manages the optional WebRTC DataChannel path for peers
// that can reach each other directly, falling back to the relayed
// Conn when they can't. Grounded on the PeerManager/SwappableWriter
// pair of the reference webrtc package, narrowed from one
// PeerConnection per browser sender to one per federated peer
// daemon.
type P2PUpgrade struct {
	mu         sync.Mutex
	iceServers []webrtc.ICEServer
	peers      map[capability.PublicKey]*webrtc.PeerConnection
	writers    map[capability.PublicKey]*SwappableWriter
}

func NewP2PUpgrade(iceServers []webrtc.ICEServer) *P2PUpgrade {
	return &P2PUpgrade{
		iceServers: iceServers,
		peers:      make(map[capability.PublicKey]*webrtc.PeerConnection),
		writers:    make(map[capability.PublicKey]*SwappableWriter),
	}
}

// SwappableWriter atomically switches a connection's outbound path
// between the relayed Conn and a direct DataChannel, so in-flight
// writes never race a migration.
type SwappableWriter struct {
	mu         sync.Mutex
	relayWrite func([]byte) error
	dcWrite    func([]byte) error
	onRelay    bool
}

func NewSwappableWriter(relayWrite func([]byte) error) *SwappableWriter {
	return &SwappableWriter{relayWrite: relayWrite, onRelay: true}
}

func (sw *SwappableWriter) Write(body []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.onRelay && sw.dcWrite != nil {
		return sw.dcWrite(body)
	}
	return sw.relayWrite(body)
}

// MigrateToDirect swaps the writer onto dc once ICE has connected.
func (sw *SwappableWriter) MigrateToDirect(dc *webrtc.DataChannel) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.dcWrite = func(body []byte) error { return dc.Send(body) }
	sw.onRelay = false
}

// FallbackToRelay reverts to the relayed Conn, e.g. after the
// DataChannel closes unexpectedly.
func (sw *SwappableWriter) FallbackToRelay() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.onRelay = true
}

func (sw *SwappableWriter) OnRelay() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.onRelay
}

// Offer negotiates a new PeerConnection for peerKey and returns the
// local SDP offer to send over the relayed Conn's control stream.
func (u *P2PUpgrade) Offer(peerKey capability.PublicKey, conn *Conn) (sdpOffer string, err error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: u.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(fmt.Sprintf("tunnel:%x", peerKey[:8]), nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create data channel: %w", err)
	}

	writer := NewSwappableWriter(conn.Send)
	dc.OnOpen(func() { writer.MigrateToDirect(dc) })
	dc.OnClose(func() { writer.FallbackToRelay() })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}

	u.mu.Lock()
	u.peers[peerKey] = pc
	u.writers[peerKey] = writer
	u.mu.Unlock()

	return offer.SDP, nil
}

// Answer applies a remote SDP offer received from peerKey and returns
// this side's SDP answer.
func (u *P2PUpgrade) Answer(peerKey capability.PublicKey, conn *Conn, remoteSDP string) (sdpAnswer string, err error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: u.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	writer := NewSwappableWriter(conn.Send)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() { writer.MigrateToDirect(dc) })
		dc.OnClose(func() { writer.FallbackToRelay() })
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}

	u.mu.Lock()
	u.peers[peerKey] = pc
	u.writers[peerKey] = writer
	u.mu.Unlock()

	return answer.SDP, nil
}

// Writer returns the SwappableWriter for peerKey, or nil if no
// upgrade has been negotiated.
func (u *P2PUpgrade) Writer(peerKey capability.PublicKey) *SwappableWriter {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.writers[peerKey]
}

// Close tears down peerKey's PeerConnection, reverting that peer to
// relay-only.
func (u *P2PUpgrade) Close(peerKey capability.PublicKey) error {
	u.mu.Lock()
	pc := u.peers[peerKey]
	delete(u.peers, peerKey)
	delete(u.writers, peerKey)
	u.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}
