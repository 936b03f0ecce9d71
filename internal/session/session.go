// Package session implements C2 Session Manager: a registry of
// sessions by stable id, creating, enumerating, stopping, and
// forwarding commands to the PTY actors underneath, and broadcasting
// lifecycle events on the Global State Broker. Grounded on the
// teacher's Server/Session registry shape (internal/egg/server.go in
// the reference tree), adapted away from gRPC.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/crabcity/internal/broker"
	"github.com/ehrlich-b/crabcity/internal/crabcityerr"
	"github.com/ehrlich-b/crabcity/internal/ptyactor"
	"github.com/ehrlich-b/crabcity/internal/ringbuf"
)

// RecentQuery selects what recent_output(id, ...) returns.
type RecentQuery struct {
	All       bool
	TailBytes int
	SinceSeq  *uint64
}

// Session is one child process under a pseudo-terminal, its output
// ring, and its metadata.
type Session struct {
	ID         string
	Command    string
	Argv       []string
	WorkingDir string
	CreatedAt  time.Time

	actor *ptyactor.Actor
	ring  *ringbuf.Ring

	mu       sync.RWMutex
	name     string
	exitCode *int
	running  bool
	rows     int
	cols     int

	subsMu sync.Mutex
	subs   map[uint64]chan OutputChunk
	nextID uint64
}

// OutputChunk is one live broadcast from a session's PTY actor,
// carrying the ring-assigned seq.
type OutputChunk struct {
	Seq   uint64
	Bytes []byte
}

// Info is the read-only metadata view returned by List/Get.
type Info struct {
	ID        string
	Name      string
	Command   string
	Argv      []string
	CreatedAt time.Time
	Running   bool
	ExitCode  *int
	Rows      int
	Cols      int
}

func (s *Session) info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID: s.ID, Name: s.name, Command: s.Command, Argv: s.Argv,
		CreatedAt: s.CreatedAt, Running: s.running, ExitCode: s.exitCode,
		Rows: s.rows, Cols: s.cols,
	}
}

// Subscribe registers a live-output listener; the returned channel
// receives every OutputChunk pushed after subscription. Callers run
// their own bounded queue and drop policy (C4 Focus & Fan-out) — this
// channel itself is buffered (64 chunks) and the Session never blocks
// on it: a chunk that does not fit is dropped for that listener; it is
// the listener's job to keep up.
func (s *Session) Subscribe() (ch <-chan OutputChunk, cancel func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextID++
	id := s.nextID
	c := make(chan OutputChunk, 64)
	s.subs[id] = c
	return c, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
}

func (s *Session) broadcast(chunk OutputChunk) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, c := range s.subs {
		select {
		case c <- chunk:
		default:
			// A listener whose buffer is full is behind; drop the
			// chunk for it same as any other subscriber would under
			// backpressure.
		}
	}
}

func (s *Session) RecentOutput(q RecentQuery) (data []byte, gap bool) {
	switch {
	case q.SinceSeq != nil:
		chunks, ok := s.ring.SnapshotSince(*q.SinceSeq)
		if !ok {
			return nil, true
		}
		total := 0
		for _, c := range chunks {
			total += len(c.Bytes)
		}
		out := make([]byte, 0, total)
		for _, c := range chunks {
			out = append(out, c.Bytes...)
		}
		return out, false
	case q.TailBytes > 0:
		data, _ := s.ring.SnapshotTail(q.TailBytes)
		return data, false
	default:
		return s.ring.SnapshotAll(), false
	}
}

// Manager owns every live session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	broker     *broker.Broker
	maxBytes   int64
	maxHistory int
	maxAge     time.Duration
}

func NewManager(b *broker.Broker, maxBufferBytes int64, maxHistoryBytes int, maxAge time.Duration) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		broker:     b,
		maxBytes:   maxBufferBytes,
		maxHistory: maxHistoryBytes,
		maxAge:     maxAge,
	}
}

// Create spawns a new session and registers it.
func (m *Manager) Create(cfg ptyactor.Config, name string) (string, error) {
	actor, err := ptyactor.Spawn(cfg)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	sess := &Session{
		ID:         id,
		Command:    cfg.Command,
		Argv:       cfg.Argv,
		WorkingDir: cfg.WorkingDir,
		CreatedAt:  time.Now(),
		actor:      actor,
		ring:       ringbuf.New(m.maxBytes, 0, m.maxAge),
		name:       name,
		running:    true,
		rows:       cfg.Rows,
		cols:       cfg.Cols,
		subs:       make(map[uint64]chan OutputChunk),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.pump(sess)

	m.broker.Publish(broker.Event{Kind: broker.KindSessionCreated, SessionID: id})
	return id, nil
}

// pump drains one session's actor events into its ring and live
// subscribers, and removes the session from the registry once the
// child exits, whether from an explicit Stop or the process dying on
// its own.
func (m *Manager) pump(sess *Session) {
	for ev := range sess.actor.Events() {
		switch e := ev.(type) {
		case ptyactor.OutputEvent:
			seq := sess.ring.Push(e.Bytes)
			sess.broadcast(OutputChunk{Seq: seq, Bytes: e.Bytes})
		case ptyactor.ExitedEvent:
			sess.mu.Lock()
			sess.running = false
			sess.exitCode = e.Code
			sess.mu.Unlock()
		}
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	m.broker.RemoveSession(sess.ID)
	sess.mu.RLock()
	code := sess.exitCode
	sess.mu.RUnlock()
	m.broker.Publish(broker.Event{Kind: broker.KindSessionStopped, SessionID: sess.ID, ExitCode: code})
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

func (m *Manager) Get(id string) (Info, bool) {
	s, ok := m.getHandle(id)
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

func (m *Manager) getHandle(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetHandle exposes the live Session for callers that need to
// subscribe to output (C4) — it is not part of the registry's public
// metadata surface.
func (m *Manager) GetHandle(id string) (*Session, bool) { return m.getHandle(id) }

func (m *Manager) Write(id string, data []byte) (int, error) {
	s, ok := m.getHandle(id)
	if !ok {
		return 0, crabcityerr.New(crabcityerr.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	return s.actor.Write(data)
}

func (m *Manager) Resize(id string, rows, cols int) error {
	s, ok := m.getHandle(id)
	if !ok {
		return crabcityerr.New(crabcityerr.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	if err := s.actor.Resize(rows, cols); err != nil {
		return err
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return nil
}

func (m *Manager) Kill(id string, sig os.Signal) error {
	s, ok := m.getHandle(id)
	if !ok {
		return crabcityerr.New(crabcityerr.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	return s.actor.Kill(sig)
}

// Stop sends SIGTERM, waits a bounded grace period, escalates to
// SIGKILL, and lets the pump goroutine's natural exit handling remove
// the session and emit SessionStopped.
func (m *Manager) Stop(id string) error {
	s, ok := m.getHandle(id)
	if !ok {
		return crabcityerr.New(crabcityerr.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	if err := s.actor.Kill(nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ptyactor.KillGracePeriod())
	defer cancel()
	if err := s.actor.WaitExited(ctx); err != nil {
		_ = s.actor.Kill(syscall.SIGKILL)
	}
	return nil
}

func (m *Manager) Rename(id, newName string) error {
	s, ok := m.getHandle(id)
	if !ok {
		return crabcityerr.New(crabcityerr.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	s.mu.Lock()
	s.name = newName
	s.mu.Unlock()
	m.broker.Publish(broker.Event{Kind: broker.KindSessionRenamed, SessionID: id, Name: newName})
	return nil
}
