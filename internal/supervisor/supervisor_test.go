package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTriggerCollapsesBurstsToOneSignal(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Trigger()
	s.Trigger()
	s.Trigger()

	select {
	case <-s.Signal():
	default:
		t.Fatal("expected a pending signal after Trigger")
	}

	select {
	case <-s.Signal():
		t.Fatal("expected only one pending signal after a burst of Trigger calls")
	default:
	}
}

func TestSentinelFileTriggersRestart(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "restart")
	if err := os.WriteFile(sentinel, []byte("x"), 0644); err != nil {
		t.Fatalf("seed sentinel: %v", err)
	}

	s, err := New(sentinel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Run(ctx)

	// Give the watcher a moment to register before the write fires.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(sentinel, []byte("y"), 0644); err != nil {
		t.Fatalf("rewrite sentinel: %v", err)
	}

	select {
	case <-s.Signal():
	case <-ctx.Done():
		t.Fatal("timed out waiting for sentinel-triggered restart signal")
	}
}
