package session

import (
	"testing"
	"time"

	"github.com/ehrlich-b/crabcity/internal/broker"
	"github.com/ehrlich-b/crabcity/internal/ptyactor"
)

func newTestManager() *Manager {
	return NewManager(broker.New(), 0, 0, 0)
}

// TestCreateListStop exercises S1's shape at the Session Manager
// level: create, observe lifecycle, stop.
func TestCreateListStop(t *testing.T) {
	m := newTestManager()
	sub := m.broker.Subscribe()

	id, err := m.Create(ptyactor.Config{Command: "cat", Rows: 24, Cols: 80}, "test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != broker.KindSessionCreated || ev.SessionID != id {
			t.Fatalf("got event %+v, want SessionCreated for %s", ev, id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SessionCreated")
	}

	infos := m.List()
	if len(infos) != 1 || infos[0].ID != id {
		t.Fatalf("List() = %+v, want one entry for %s", infos, id)
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := m.Get(id); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session was not removed after Stop")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWriteAndReadBack(t *testing.T) {
	m := newTestManager()
	id, err := m.Create(ptyactor.Config{Command: "cat", Rows: 24, Cols: 80}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Stop(id)

	if _, err := m.Write(id, []byte("hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	handle, ok := m.GetHandle(id)
	if !ok {
		t.Fatal("expected handle to exist")
	}

	deadline := time.After(2 * time.Second)
	for {
		data, _ := handle.RecentOutput(RecentQuery{All: true})
		if len(data) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for echoed output")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWriteToUnknownSessionFails(t *testing.T) {
	m := newTestManager()
	if _, err := m.Write("does-not-exist", []byte("x")); err == nil {
		t.Fatal("expected NotFound error")
	}
}
