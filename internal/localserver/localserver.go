// Package localserver runs the loopback listener that serves the
// Client Protocol over WebSocket plus health/metrics HTTP endpoints.
// Grounded on the Listen/Serve/graceful-Shutdown shape of
// internal/transport/server.go in the reference tree, adapted from a
// Unix-socket JSON/HTTP API to a loopback TCP + WebSocket upgrade.
package localserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/crabcity/internal/broker"
	"github.com/ehrlich-b/crabcity/internal/crabcityerr"
	"github.com/ehrlich-b/crabcity/internal/fanout"
	"github.com/ehrlich-b/crabcity/internal/logger"
	"github.com/ehrlich-b/crabcity/internal/protocol"
	"github.com/ehrlich-b/crabcity/internal/ptyactor"
	"github.com/ehrlich-b/crabcity/internal/session"
)

const writeTimeout = 10 * time.Second

// Server is the loopback HTTP+WebSocket listener.
type Server struct {
	addr string
	mgr  *session.Manager
	b    *broker.Broker

	readyAt time.Time

	mu      sync.Mutex
	paused  bool
	httpSrv *http.Server
	clients map[*websocket.Conn]struct{}
}

func New(addr string, mgr *session.Manager, b *broker.Broker) *Server {
	return &Server{addr: addr, mgr: mgr, b: b, clients: make(map[*websocket.Conn]struct{})}
}

// Handler returns the mux serving health/metrics/attach routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /attach", s.handleAttach)
	return mux
}

// ListenAndServe blocks until ctx is canceled, then shuts the HTTP
// server down gracefully within the shutdown budget.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	httpSrv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.httpSrv = httpSrv
	s.mu.Unlock()
	s.readyAt = time.Now()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("localserver listening", "addr", s.addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Run serves until ctx is canceled, rebinding in place each time
// restartSignal fires. nextAddr supplies the address to rebind to
// (e.g. read from the settings store) — returning the current
// address is a no-op rebind.
func (s *Server) Run(ctx context.Context, restartSignal <-chan struct{}, nextAddr func() string) error {
	for {
		serveCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- s.ListenAndServe(serveCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-errCh
			return nil
		case <-restartSignal:
			addr := nextAddr()
			logger.Info("rebinding client listener", "new_addr", addr)
			if err := s.Rebind(ctx, addr); err != nil {
				logger.Warn("rebind failed", "err", err)
			}
			cancel()
			<-errCh
		case err := <-errCh:
			cancel()
			return err
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if time.Since(s.readyAt) < 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.b.Snapshot()
	sessions := s.mgr.List()

	fmt.Fprintf(w, "connected_users %d\n", snap.ConnectedUsers)
	fmt.Fprintf(w, "sessions_total %d\n", len(sessions))
	for id, count := range snap.ViewerCounts {
		fmt.Fprintf(w, "viewers{session=%q} %d\n", id, count)
	}
	fmt.Fprintf(w, "# uptime %s\n", humanize.Time(s.readyAt))
}

// handleAttach upgrades to WebSocket and runs one client's read/write
// loop against the fan-out engine.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		http.Error(w, "rebinding, try again shortly", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	client := fanout.NewClient(s.mgr, s.b)
	defer client.Close()

	hello, _ := protocol.Encode(protocol.TypeHello, protocol.HelloMsg{ServerID: "crabcityd", Capability: "owner"})
	_ = conn.Write(ctx, websocket.MessageText, hello)
	s.writeSessionList(ctx, conn)

	done := make(chan struct{})
	go s.writeLoop(ctx, conn, client, done)
	s.readLoop(ctx, conn, client)
	close(done)
}

// Rebind runs the pause/disconnect sequence against the
// currently-serving HTTP server: stop accepting new clients, tell
// every connected client to reconnect, and shut the server down.
// Output still queued for a client is not delivered before its
// connection is closed. newAddr takes effect the next time ListenAndServe is called —
// session state is untouched throughout, only this listener moves.
func (s *Server) Rebind(ctx context.Context, newAddr string) error {
	s.mu.Lock()
	s.paused = true
	httpSrv := s.httpSrv
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		body, err := protocol.Encode(protocol.TypeError, protocol.FromError("", crabcityerr.New(
			crabcityerr.CodeProtocolViolation, "daemon is rebinding its client listener", crabcityerr.Reconnect())))
		if err == nil {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			_ = c.Write(wctx, websocket.MessageText, body)
			cancel()
		}
		_ = c.Close(websocket.StatusGoingAway, "rebinding")
	}

	if httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("shutdown during rebind: %w", err)
		}
	}

	s.mu.Lock()
	s.addr = newAddr
	s.paused = false
	s.mu.Unlock()
	return nil
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *fanout.Client) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleInbound(ctx, conn, client, data)
	}
}

func (s *Server) handleInbound(ctx context.Context, conn *websocket.Conn, client *fanout.Client, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.writeError(ctx, conn, "", err)
		return
	}

	switch env.Type {
	case protocol.TypeAttach:
		s.writeSessionList(ctx, conn)
	case protocol.TypeCreate:
		var msg protocol.CreateMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.writeError(ctx, conn, "", err)
			return
		}
		cfg := ptyactor.Config{Command: msg.Command, WorkingDir: msg.Cwd, Rows: 24, Cols: 80}
		id, err := s.mgr.Create(cfg, msg.Name)
		if err != nil {
			s.writeError(ctx, conn, "", err)
			return
		}
		client.Watch(id)
	case protocol.TypeFocus:
		var msg protocol.FocusMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.writeError(ctx, conn, "", err)
			return
		}
		if !client.Focus(msg.SessionID) {
			s.writeError(ctx, conn, msg.SessionID, fmt.Errorf("session not found"))
		}
	case protocol.TypeUnfocus:
		client.Unfocus()
	case protocol.TypeInput:
		var msg protocol.InputMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.writeError(ctx, conn, "", err)
			return
		}
		if _, err := s.mgr.Write(msg.SessionID, []byte(msg.Data)); err != nil {
			s.writeError(ctx, conn, msg.SessionID, err)
		}
	case protocol.TypeResize:
		var msg protocol.ResizeMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.writeError(ctx, conn, "", err)
			return
		}
		if err := s.mgr.Resize(msg.SessionID, msg.Rows, msg.Cols); err != nil {
			s.writeError(ctx, conn, msg.SessionID, err)
		}
	case protocol.TypeKill:
		var msg protocol.KillMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.writeError(ctx, conn, "", err)
			return
		}
		if err := s.mgr.Stop(msg.SessionID); err != nil {
			s.writeError(ctx, conn, msg.SessionID, err)
		}
	case protocol.TypePing:
		pong, _ := protocol.Encode(protocol.TypePong, protocol.PongMsg{TS: time.Now().Unix()})
		_ = conn.Write(ctx, websocket.MessageText, pong)
	default:
		s.writeError(ctx, conn, "", fmt.Errorf("unknown message type %q", env.Type))
	}
}

func (s *Server) writeSessionList(ctx context.Context, conn *websocket.Conn) {
	infos := s.mgr.List()
	out := make([]protocol.SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, protocol.SessionInfo{
			ID:        info.ID,
			Name:      info.Name,
			Command:   info.Command,
			Running:   info.Running,
			ExitCode:  info.ExitCode,
			Rows:      info.Rows,
			Cols:      info.Cols,
			CreatedAt: info.CreatedAt.Unix(),
		})
	}
	body, err := protocol.Encode(protocol.TypeSessionList, protocol.SessionListMsg{Sessions: out})
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, body)
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, sessionID string, err error) {
	body, encErr := protocol.Encode(protocol.TypeError, protocol.FromError(sessionID, err))
	if encErr != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, body)
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, client *fanout.Client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case p := <-client.Pending():
			s.deliverPending(ctx, conn, client, p)
		}
	}
}

func (s *Server) deliverPending(ctx context.Context, conn *websocket.Conn, client *fanout.Client, p fanout.Pending) {
	switch {
	case p.Output != nil:
		safe := client.Flush(p.Output.Bytes)
		if len(safe) == 0 {
			return
		}
		body, err := protocol.Encode(protocol.TypeOutput, protocol.OutputMsg{
			SessionID: client.Focused(),
			Seq:       p.Output.Seq,
			Bytes:     base64.StdEncoding.EncodeToString(safe),
		})
		if err != nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		_ = conn.Write(wctx, websocket.MessageText, body)
	case p.Event != nil:
		s.deliverEvent(ctx, conn, *p.Event)
	}
}

func (s *Server) deliverEvent(ctx context.Context, conn *websocket.Conn, ev broker.Event) {
	var msgType string
	var payload any
	switch ev.Kind {
	case broker.KindSessionCreated:
		msgType, payload = protocol.TypeSessionCreated, protocol.SessionDeltaMsg{SessionID: ev.SessionID}
	case broker.KindSessionStopped:
		msgType, payload = protocol.TypeSessionStopped, protocol.SessionDeltaMsg{SessionID: ev.SessionID, ExitCode: ev.ExitCode}
	case broker.KindSessionRenamed:
		msgType, payload = protocol.TypeSessionRenamed, protocol.SessionDeltaMsg{SessionID: ev.SessionID, Name: ev.Name}
	case broker.KindStateChange:
		msgType, payload = protocol.TypeStateChange, protocol.StateChangeMsg{SessionID: ev.SessionID, State: string(ev.State), Stale: ev.Stale}
	default:
		return
	}
	body, err := protocol.Encode(msgType, payload)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, body)
}
