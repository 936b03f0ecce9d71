// Package broker implements C6 Global State Broker: a single
// process-wide publish/subscribe that delivers low-volume,
// all-clients lifecycle and state-change messages, plus presence
// counts exposed via the health/metrics surface. The broker never
// blocks on a slow subscriber — a lagging subscriber is counted, not
// waited on.
package broker

import (
	"sync"
	"sync/atomic"
)

// Kind is one of the lifecycle/state event kinds the broker
// broadcasts.
type Kind string

const (
	KindSessionCreated Kind = "session_created"
	KindSessionStopped Kind = "session_stopped"
	KindSessionRenamed Kind = "session_renamed"
	KindStateChange    Kind = "state_change"
)

// State is one of five named state codes. Callers must treat any
// other string as opaque rather than switching on an exhaustive set —
// the catalog is expected to grow.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateResponding    State = "responding"
	StateToolExecuting State = "tool-executing"
	StateWaiting       State = "waiting"
)

// Event is one broadcast message.
type Event struct {
	Kind      Kind
	SessionID string
	Name      string // SessionRenamed's new name
	State     State  // StateChange
	Stale     bool   // StateChange
	ExitCode  *int   // SessionStopped
}

const defaultChannelCapacity = 256

// Subscription is a receiver's view of the broker: an event channel
// and a lag counter the receiver polls (see Broker.Publish).
type Subscription struct {
	events chan Event
	id     uint64
	broker *Broker
	lagged atomic.Uint64
}

func (s *Subscription) Events() <-chan Event { return s.events }

// Lagged returns how many events this subscriber has missed because
// its channel was full when the broker tried to deliver.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

func (s *Subscription) Close() { s.broker.unsubscribe(s.id) }

// Broker is the process-wide broadcaster plus presence tracker.
type Broker struct {
	mu          sync.Mutex
	subs        map[uint64]*Subscription
	nextSubID   uint64
	viewerCount map[string]int

	connectedUsers atomic.Int64
}

func New() *Broker {
	return &Broker{
		subs:        make(map[uint64]*Subscription),
		viewerCount: make(map[string]int),
	}
}

// Subscribe registers a new receiver with a bounded channel.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		events: make(chan Event, defaultChannelCapacity),
		id:     b.nextSubID,
		broker: b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish fans ev out to every subscriber without blocking; a
// subscriber whose channel is full has its lag counter incremented
// instead.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- ev:
		default:
			s.lagged.Add(1)
		}
	}
}

// IncrViewer increments sessionID's connected-viewer count.
func (b *Broker) IncrViewer(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.viewerCount[sessionID]++
}

// DecrViewer decrements sessionID's connected-viewer count, floored
// at zero.
func (b *Broker) DecrViewer(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.viewerCount[sessionID] > 0 {
		b.viewerCount[sessionID]--
	}
}

func (b *Broker) ViewerCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewerCount[sessionID]
}

func (b *Broker) IncrUser() { b.connectedUsers.Add(1) }
func (b *Broker) DecrUser() { b.connectedUsers.Add(-1) }
func (b *Broker) ConnectedUsers() int64 { return b.connectedUsers.Load() }

// Snapshot is the aggregate presence data exposed via /metrics.
type Snapshot struct {
	ConnectedUsers int64
	ViewerCounts   map[string]int
}

func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int, len(b.viewerCount))
	for k, v := range b.viewerCount {
		counts[k] = v
	}
	return Snapshot{ConnectedUsers: b.connectedUsers.Load(), ViewerCounts: counts}
}

func (b *Broker) RemoveSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.viewerCount, sessionID)
}
