// Package fanout implements the Focus & Fan-out Engine: per-client
// state tracking which sessions a client watches, which one it has
// focused, and a bounded pending-output queue that splits chunks on
// UTF-8 boundaries rather than mid-rune. Grounded on the per-wing
// fan-out loop of internal/egg/server.go in the reference tree,
// generalized from one browser-per-wing to many viewers per session.
package fanout

import (
	"sync"

	"github.com/ehrlich-b/crabcity/internal/broker"
	"github.com/ehrlich-b/crabcity/internal/session"
)

// DefaultPendingQueueSize bounds how many entries a client can fall
// behind by; past that, enqueue drops the oldest entry and counts it
// in Dropped. No ResetStream is sent for a drop.
const DefaultPendingQueueSize = 100

// Pending is one unit of backlog delivered to a client: either output
// bytes for the focused session, or a lifecycle/state event from the
// broker.
type Pending struct {
	Output *session.OutputChunk
	Event  *broker.Event
}

// Client tracks one connected viewer's subscriptions and focus.
type Client struct {
	mgr       *session.Manager
	b         *broker.Broker
	brokerSub *broker.Subscription

	mu          sync.Mutex
	watching    map[string]struct{}
	focused     string
	focusCancel func()

	pending chan Pending
	dropped uint64

	carry []byte // trailing incomplete UTF-8 bytes held back from the last flush
}

// NewClient subscribes the client to the broker (Close releases that
// subscription) and returns a Client ready to Watch/Focus sessions.
func NewClient(mgr *session.Manager, b *broker.Broker) *Client {
	c := &Client{
		mgr:      mgr,
		b:        b,
		watching: make(map[string]struct{}),
		pending:  make(chan Pending, DefaultPendingQueueSize),
	}
	c.brokerSub = b.Subscribe()
	go c.pumpBroker()
	return c
}

func (c *Client) pumpBroker() {
	for ev := range c.brokerSub.Events() {
		c.enqueue(Pending{Event: &ev})
	}
}

// enqueue pushes p onto the bounded queue, dropping the oldest entry
// and counting it rather than blocking the producer.
func (c *Client) enqueue(p Pending) {
	select {
	case c.pending <- p:
	default:
		select {
		case <-c.pending:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		default:
		}
		select {
		case c.pending <- p:
		default:
		}
	}
}

// Pending returns the channel a client's write loop should drain.
func (c *Client) Pending() <-chan Pending { return c.pending }

// Dropped returns how many backlog entries this client has lost to
// backpressure since connecting.
func (c *Client) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Watch adds sessionID to the set this client receives viewer-count
// credit for, without changing focus.
func (c *Client) Watch(sessionID string) {
	c.b.IncrViewer(sessionID)
	c.mu.Lock()
	c.watching[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) Unwatch(sessionID string) {
	c.mu.Lock()
	_, ok := c.watching[sessionID]
	delete(c.watching, sessionID)
	c.mu.Unlock()
	if ok {
		c.b.DecrViewer(sessionID)
	}
}

// Focus switches the client's live-output subscription to sessionID,
// canceling any previous focus's subscription first. Returns false if
// sessionID does not exist.
func (c *Client) Focus(sessionID string) bool {
	handle, ok := c.mgr.GetHandle(sessionID)
	if !ok {
		return false
	}

	c.mu.Lock()
	prevCancel := c.focusCancel
	c.focused = sessionID
	c.carry = nil
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}

	ch, cancel := handle.Subscribe()
	c.mu.Lock()
	c.focusCancel = cancel
	c.mu.Unlock()

	go func() {
		for chunk := range ch {
			c.enqueue(Pending{Output: &session.OutputChunk{Seq: chunk.Seq, Bytes: chunk.Bytes}})
		}
	}()
	return true
}

// Unfocus drops the client's live-output subscription without
// affecting its watch set.
func (c *Client) Unfocus() {
	c.mu.Lock()
	cancel := c.focusCancel
	c.focusCancel = nil
	c.focused = ""
	c.carry = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Focused reports the currently focused session id, or "" if none.
func (c *Client) Focused() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

// SplitUTF8Safe returns the prefix of data safe to flush now (ending
// on a full rune boundary) and the suffix to carry over until more
// bytes arrive. A client that always flushes only the safe prefix
// never emits a torn multi-byte rune across two protocol messages.
func SplitUTF8Safe(data []byte) (safe, carry []byte) {
	if len(data) == 0 {
		return nil, nil
	}
	// Look at up to the last 3 bytes: a UTF-8 sequence is at most 4
	// bytes, so an incomplete trailing rune is always within that
	// window.
	cut := len(data)
	for back := 1; back <= 3 && back <= len(data); back++ {
		b := data[len(data)-back]
		if b&0xC0 == 0xC0 { // lead byte of a multi-byte sequence
			want := leadByteSeqLen(b)
			if back < want {
				cut = len(data) - back
			}
			break
		}
		if b&0xC0 != 0x80 { // ASCII byte, no sequence in progress
			break
		}
	}
	return data[:cut], data[cut:]
}

// leadByteSeqLen returns the number of bytes a UTF-8 lead byte signals
// for its sequence, read directly off its high bits rather than via
// utf8.RuneLen (which decodes the byte's numeric value as if it were
// a complete rune and so misreports 3- and 4-byte leads).
func leadByteSeqLen(b byte) int {
	switch {
	case b&0xE0 == 0xC0: // 110xxxxx
		return 2
	case b&0xF0 == 0xE0: // 1110xxxx
		return 3
	case b&0xF8 == 0xF0: // 11110xxx
		return 4
	default: // invalid lead byte; treat as already complete
		return 1
	}
}

// Flush drains data through the client's UTF-8 boundary splitter,
// returning the bytes now safe to send.
func (c *Client) Flush(data []byte) []byte {
	c.mu.Lock()
	combined := append(c.carry, data...)
	safe, carry := SplitUTF8Safe(combined)
	c.carry = append([]byte(nil), carry...)
	c.mu.Unlock()
	return safe
}

// Close tears down the client's broker subscription and any active
// focus subscription.
func (c *Client) Close() {
	c.Unfocus()
	c.brokerSub.Close()

	c.mu.Lock()
	watching := make([]string, 0, len(c.watching))
	for id := range c.watching {
		watching = append(watching, id)
	}
	c.watching = nil
	c.mu.Unlock()

	for _, id := range watching {
		c.b.DecrViewer(id)
	}
}
