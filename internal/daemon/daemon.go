// Package daemon wires every component into the running crabcity
// process: the session manager, the state broker, the loopback
// client listener, the federation listener, and the restart
// supervisor, then runs them until a signal or fatal error tells it
// to stop. Grounded on the wiring/signal-handling shape of
// internal/daemon/daemon.go in the reference tree, generalized from a
// single transport+store pair to this daemon's larger component set
// via an errgroup instead of a hand-rolled errCh.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/crabcity/internal/broker"
	"github.com/ehrlich-b/crabcity/internal/capability"
	"github.com/ehrlich-b/crabcity/internal/config"
	"github.com/ehrlich-b/crabcity/internal/federation"
	"github.com/ehrlich-b/crabcity/internal/localserver"
	"github.com/ehrlich-b/crabcity/internal/logger"
	"github.com/ehrlich-b/crabcity/internal/session"
	"github.com/ehrlich-b/crabcity/internal/store"
	"github.com/ehrlich-b/crabcity/internal/supervisor"
)

// Daemon holds every long-lived component once wired, mostly for
// tests that want to reach in without going through Run's full
// lifecycle.
type Daemon struct {
	Config      *config.Config
	Store       *store.Store
	Broker      *broker.Broker
	Sessions    *session.Manager
	Identity    *capability.SigningKey
	LocalServer *localserver.Server
	Federation  *federation.Listener
	FedListener net.Listener
	Supervisor  *supervisor.Supervisor
}

// Run builds every component from cfg, starts them, and blocks until
// SIGTERM/SIGINT or a component's fatal error, then runs the
// graceful-shutdown sequence: stop accepting, let children finish,
// flush state, exit.
func Run(cfg *config.Config, dataDir string) error {
	d, err := build(cfg, dataDir)
	if err != nil {
		return err
	}
	defer d.Store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("local listener starting", "addr", d.Config.BindAddr)
		return d.LocalServer.Run(gctx, d.Supervisor.Signal(), func() string { return d.Config.BindAddr })
	})

	g.Go(func() error {
		return runFederationAcceptLoop(gctx, d.Federation, d.FedListener, d.Sessions, d.Broker)
	})

	g.Go(func() error {
		return d.Supervisor.Run(gctx)
	})

	logger.Info("crabcityd started", "bind_addr", d.Config.BindAddr, "federation_addr", d.Config.FederationAddr)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	case <-gctx.Done():
		// A component errored; errgroup already canceled gctx for the
		// rest, but the outer ctx/cancel still need to run so the
		// signal channel listener above stops blocking on read.
		cancel()
	}

	if err := g.Wait(); err != nil && gctx.Err() == context.Canceled {
		// Expected on a clean signal-driven shutdown.
	} else if err != nil {
		return fmt.Errorf("component error: %w", err)
	}

	return shutdownChildren(d)
}

func build(cfg *config.Config, dataDir string) (*Daemon, error) {
	identity, err := capability.EnsureKeyPair(dataDir)
	if err != nil {
		return nil, fmt.Errorf("ensure identity key: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crabcity.db")
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := broker.New()
	mgr := session.NewManager(b, cfg.MaxBufferBytes(), int(cfg.MaxHistoryBytes()), time.Duration(cfg.HangTimeoutSecs)*time.Second)

	ls := localserver.New(cfg.BindAddr, mgr, b)

	fln, err := net.Listen("tcp", cfg.FederationAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen federation: %w", err)
	}
	fListener := federation.NewListener(fln, federation.ServerID(identity.Public().Fingerprint()), identity, identity.Public(), s, nil)

	sup, err := supervisor.New(filepath.Join(dataDir, "restart"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("new supervisor: %w", err)
	}

	return &Daemon{
		Config: cfg, Store: s, Broker: b, Sessions: mgr,
		Identity: identity, LocalServer: ls, Federation: fListener, FedListener: fln, Supervisor: sup,
	}, nil
}

// runFederationAcceptLoop accepts peer connections until ctx is
// canceled; each accepted Conn is handed to serveFederationConn, which
// runs the same Client Protocol dispatch internal/localserver.handleInbound
// implements, adapted to the federation.Conn envelope tunnel.
func runFederationAcceptLoop(ctx context.Context, ln *federation.Listener, rawLn net.Listener, mgr *session.Manager, b *broker.Broker) error {
	go func() {
		<-ctx.Done()
		rawLn.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("federation accept error", "err", err)
			continue
		}
		go serveFederationConn(ctx, conn, mgr, b)
	}
}

// shutdownChildren runs the daemon's graceful-shutdown sweep. Sessions
// outlive the local and federation connections that view them, so
// every session still running when the process is told to exit is
// stopped here through Manager.Stop (SIGTERM, grace period, SIGKILL).
func shutdownChildren(d *Daemon) error {
	for _, info := range d.Sessions.List() {
		if !info.Running {
			continue
		}
		if err := d.Sessions.Stop(info.ID); err != nil {
			logger.Warn("error stopping session during shutdown", "session", info.ID, "err", err)
		}
	}
	return nil
}
