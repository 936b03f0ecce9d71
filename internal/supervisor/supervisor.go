// Package supervisor implements C10 Restart & Supervision: a
// single-consumer restart signal an admin action or a watched
// sentinel file can raise, driving the daemon's rebind-without-
// killing-sessions sequence. Grounded on the signal-handling shape of
// internal/daemon/daemon.go in the reference tree, generalized from
// "stop everything" (SIGTERM/SIGINT triggering full shutdown) to
// "pause the client listener, rebind it, keep every session alive".
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/crabcity/internal/logger"
)

// Supervisor holds the restart signal: exactly one consumer drains
// it, so a burst of triggers (an admin flip plus a sentinel-file
// write landing in the same instant) collapses to a single rebind.
type Supervisor struct {
	restart  chan struct{}
	watcher  *fsnotify.Watcher
	sentinel string
}

// New creates a Supervisor. If sentinelPath is non-empty, a restart
// is also triggered whenever that file is created or written to
// (e.g. `touch ~/.crabcity/restart` from an operator shell).
func New(sentinelPath string) (*Supervisor, error) {
	s := &Supervisor{
		restart:  make(chan struct{}, 1),
		sentinel: sentinelPath,
	}
	if sentinelPath == "" {
		return s, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := w.Add(sentinelPath); err != nil {
		// The sentinel file need not exist yet; watching its parent
		// directory still surfaces a later Create event for the name.
		if err := w.Add(filepath.Dir(sentinelPath)); err != nil {
			w.Close()
			return s, nil
		}
	}
	s.watcher = w
	return s, nil
}

// Run drains fsnotify events until ctx is canceled, triggering a
// restart on any write or create event for the sentinel path.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.watcher == nil {
		<-ctx.Done()
		return nil
	}
	defer s.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == s.sentinel && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				logger.Info("restart sentinel observed", "path", ev.Name)
				s.Trigger()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fsnotify watch error", "err", err)
		}
	}
}

// Trigger raises the restart signal without blocking; a signal
// already pending is left as-is (one rebind cycle handles both).
func (s *Supervisor) Trigger() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// Signal is the single-consumer channel the daemon's rebind loop
// selects on.
func (s *Supervisor) Signal() <-chan struct{} { return s.restart }

// ShutdownBudget is a 5-second grace period for children during a full
// daemon shutdown. Nothing in the daemon reads it: shutdown stops each
// running session through session.Manager.Stop, which waits
// ptyactor.KillGracePeriod (3 seconds) per session before SIGKILL.
const ShutdownBudget = 5 * time.Second
