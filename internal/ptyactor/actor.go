// Package ptyactor implements one child process and its
// pseudo-terminal: a dedicated reader goroutine that drains output,
// and a command mailbox that serializes writes/resizes/kills so no
// caller ever races the reader. Grounded on the RunSession/readPTY
// shape of internal/egg/server.go in the reference tree, adapted away
// from its gRPC control surface to a plain Go actor.
package ptyactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ehrlich-b/crabcity/internal/crabcityerr"
)

const (
	readBufferSize  = 64 * 1024
	maxReadRetries  = 2
	killGracePeriod = 3 * time.Second
)

// Config is a spawn request.
type Config struct {
	Command    string
	Argv       []string
	WorkingDir string
	Env        []string
	Rows       int
	Cols       int
	ShowOutput bool
}

// State is a point-in-time snapshot of the actor's runtime state.
type State struct {
	Running bool
	PID     int
	Rows    int
	Cols    int
}

// Event is emitted on Events() for the Session Manager to consume.
type Event interface{ isEvent() }

// OutputEvent carries one non-empty read from the PTY master.
type OutputEvent struct {
	Bytes []byte
	At    time.Time
}

func (OutputEvent) isEvent() {}

// ExitedEvent is emitted exactly once, after the last OutputEvent.
type ExitedEvent struct {
	Code *int
}

func (ExitedEvent) isEvent() {}

// Actor owns one child process and its pseudo-terminal for the
// lifetime of the child.
type Actor struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mailbox chan func()
	events  chan Event
	done    chan struct{}

	mu      sync.Mutex
	rows    int
	cols    int
	running bool
}

// Spawn allocates a pseudo-terminal and execs cfg.Command under it.
func Spawn(cfg Config) (*Actor, error) {
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		return nil, crabcityerr.New(crabcityerr.CodeSpawnFailed, "rows and cols must be strictly positive")
	}

	cmd := exec.Command(cfg.Command, cfg.Argv...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(cfg.Rows), Cols: uint16(cfg.Cols)})
	if err != nil {
		return nil, crabcityerr.New(crabcityerr.CodeSpawnFailed, fmt.Sprintf("start pty: %v", err))
	}

	a := &Actor{
		cmd:     cmd,
		ptmx:    ptmx,
		mailbox: make(chan func(), 16),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		rows:    cfg.Rows,
		cols:    cfg.Cols,
		running: true,
	}

	go a.runMailbox()
	go a.readLoop()

	return a, nil
}

// Events returns the channel the Session Manager polls for Output and
// Exited events. It is closed after ExitedEvent is sent.
func (a *Actor) Events() <-chan Event { return a.events }

func (a *Actor) runMailbox() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.done:
			// Drain any remaining queued commands so callers waiting
			// on a response channel don't block forever.
			for {
				select {
				case fn := <-a.mailbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (a *Actor) readLoop() {
	buf := make([]byte, readBufferSize)
	retries := 0
	for {
		n, err := a.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.events <- OutputEvent{Bytes: chunk, At: time.Now()}
			retries = 0
		}
		if err != nil {
			// EOF/EIO on the master means the child side of the pty
			// is gone for good; anything else gets a bounded retry.
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) {
				break
			}
			if retries < maxReadRetries {
				retries++
				continue
			}
			break
		}
	}

	code := a.waitExitCode()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.events <- ExitedEvent{Code: code}
	close(a.events)
	close(a.done)
}

func (a *Actor) waitExitCode() *int {
	a.cmd.Wait() //nolint:errcheck // exit status is read from ProcessState below
	if a.cmd.ProcessState == nil {
		return nil
	}
	code := a.cmd.ProcessState.ExitCode()
	if code < 0 {
		// Killed by a signal: no meaningful exit code, report none.
		return nil
	}
	return &code
}

// Write serializes a write through the command mailbox; fails with
// ProcessExited once the child is gone.
func (a *Actor) Write(data []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	resultCh := make(chan result, 1)
	select {
	case a.mailbox <- func() {
		a.mu.Lock()
		running := a.running
		a.mu.Unlock()
		if !running {
			resultCh <- result{0, crabcityerr.New(crabcityerr.CodeProcessExited, "process exited")}
			return
		}
		n, err := a.ptmx.Write(data)
		if err != nil {
			resultCh <- result{n, crabcityerr.New(crabcityerr.CodeWriteFailed, err.Error())}
			return
		}
		resultCh <- result{n, nil}
	}:
	case <-a.done:
		return 0, crabcityerr.New(crabcityerr.CodeProcessExited, "process exited")
	}

	r := <-resultCh
	return r.n, r.err
}

// Resize is idempotent: a resize to the current size is a no-op.
func (a *Actor) Resize(rows, cols int) error {
	errCh := make(chan error, 1)
	select {
	case a.mailbox <- func() {
		a.mu.Lock()
		same := a.rows == rows && a.cols == cols
		a.mu.Unlock()
		if same {
			errCh <- nil
			return
		}
		if err := pty.Setsize(a.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
			errCh <- crabcityerr.New(crabcityerr.CodeResizeFailed, err.Error())
			return
		}
		a.mu.Lock()
		a.rows, a.cols = rows, cols
		a.mu.Unlock()
		errCh <- nil
	}:
	case <-a.done:
		return crabcityerr.New(crabcityerr.CodeProcessExited, "process exited")
	}
	return <-errCh
}

// Kill sends sig (SIGTERM if nil) to the child. The Session Manager,
// not the actor, is responsible for following up with SIGKILL after a
// grace period per its own stop() policy.
func (a *Actor) Kill(sig os.Signal) error {
	if sig == nil {
		sig = syscall.SIGTERM
	}
	if a.cmd.Process == nil {
		return crabcityerr.New(crabcityerr.CodeProcessExited, "process exited")
	}
	if err := a.cmd.Process.Signal(sig); err != nil {
		return crabcityerr.New(crabcityerr.CodeKillFailed, err.Error())
	}
	return nil
}

// WaitExited blocks until the actor's process has exited or ctx is
// done, used by the Session Manager's stop() grace period.
func (a *Actor) WaitExited(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	pid := 0
	if a.cmd.Process != nil {
		pid = a.cmd.Process.Pid
	}
	return State{Running: a.running, PID: pid, Rows: a.rows, Cols: a.cols}
}

// KillGracePeriod is how long the Session Manager should wait after
// SIGTERM before escalating to SIGKILL.
func KillGracePeriod() time.Duration { return killGracePeriod }
