// Federation connection bridge: the same Client Protocol dispatch
// internal/localserver runs over a WebSocket, run here over a
// federation.Conn's encrypted envelope tunnel instead. Kept as a
// separate small loop rather than sharing code with localserver
// because the two transports differ in framing (WebSocket message
// vs. length-prefixed envelope) and in failure handling (a federation
// peer reconnects and resumes via replay; a local client just
// reconnects).
package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrlich-b/crabcity/internal/broker"
	"github.com/ehrlich-b/crabcity/internal/capability"
	"github.com/ehrlich-b/crabcity/internal/crabcityerr"
	"github.com/ehrlich-b/crabcity/internal/fanout"
	"github.com/ehrlich-b/crabcity/internal/federation"
	"github.com/ehrlich-b/crabcity/internal/logger"
	"github.com/ehrlich-b/crabcity/internal/protocol"
	"github.com/ehrlich-b/crabcity/internal/ptyactor"
	"github.com/ehrlich-b/crabcity/internal/session"
)

// serveFederationConn runs one accepted peer connection's Client
// Protocol bridge until ctx is canceled or the connection errors.
func serveFederationConn(ctx context.Context, conn *federation.Conn, mgr *session.Manager, b *broker.Broker) {
	defer conn.Close()

	client := fanout.NewClient(mgr, b)
	defer client.Close()

	hello, _ := protocol.Encode(protocol.TypeHello, protocol.HelloMsg{ServerID: "crabcityd", Capability: conn.Capability().String()})
	_ = conn.Send(hello)
	writeFederationSessionList(conn, mgr)

	done := make(chan struct{})
	go federationWriteLoop(ctx, conn, client, done)
	federationReadLoop(ctx, conn, client, mgr)
	close(done)
}

func federationReadLoop(ctx context.Context, conn *federation.Conn, client *fanout.Client, mgr *session.Manager) {
	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			return
		}
		handleFederationInbound(conn, client, mgr, env.Payload)
	}
}

func handleFederationInbound(conn *federation.Conn, client *fanout.Client, mgr *session.Manager, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		writeFederationError(conn, "", err)
		return
	}

	switch env.Type {
	case protocol.TypeAttach:
		writeFederationSessionList(conn, mgr)
	case protocol.TypeCreate:
		var msg protocol.CreateMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			writeFederationError(conn, "", err)
			return
		}
		if conn.Capability() < capability.Collaborate {
			writeFederationError(conn, "", crabcityerr.New(crabcityerr.CodeInsufficientAccess, "create requires collaborate capability or higher"))
			return
		}
		cfg := ptyactor.Config{Command: msg.Command, WorkingDir: msg.Cwd, Rows: 24, Cols: 80}
		id, err := mgr.Create(cfg, msg.Name)
		if err != nil {
			writeFederationError(conn, "", err)
			return
		}
		client.Watch(id)
	case protocol.TypeFocus:
		var msg protocol.FocusMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			writeFederationError(conn, "", err)
			return
		}
		if !client.Focus(msg.SessionID) {
			writeFederationError(conn, msg.SessionID, fmt.Errorf("session not found"))
		}
	case protocol.TypeUnfocus:
		client.Unfocus()
	case protocol.TypeInput:
		var msg protocol.InputMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			writeFederationError(conn, "", err)
			return
		}
		if conn.Capability() < capability.Collaborate {
			writeFederationError(conn, msg.SessionID, crabcityerr.New(crabcityerr.CodeInsufficientAccess, "input requires collaborate capability or higher"))
			return
		}
		if _, err := mgr.Write(msg.SessionID, []byte(msg.Data)); err != nil {
			writeFederationError(conn, msg.SessionID, err)
		}
	case protocol.TypeResize:
		var msg protocol.ResizeMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			writeFederationError(conn, "", err)
			return
		}
		if conn.Capability() < capability.Collaborate {
			writeFederationError(conn, msg.SessionID, crabcityerr.New(crabcityerr.CodeInsufficientAccess, "resize requires collaborate capability or higher"))
			return
		}
		if err := mgr.Resize(msg.SessionID, msg.Rows, msg.Cols); err != nil {
			writeFederationError(conn, msg.SessionID, err)
		}
	case protocol.TypeKill:
		var msg protocol.KillMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			writeFederationError(conn, "", err)
			return
		}
		if conn.Capability() < capability.Admin {
			writeFederationError(conn, msg.SessionID, crabcityerr.New(crabcityerr.CodeInsufficientAccess, "kill requires admin capability or higher"))
			return
		}
		if err := mgr.Stop(msg.SessionID); err != nil {
			writeFederationError(conn, msg.SessionID, err)
		}
	case protocol.TypePing:
		pong, _ := protocol.Encode(protocol.TypePong, protocol.PongMsg{TS: time.Now().Unix()})
		_ = conn.Send(pong)
	default:
		writeFederationError(conn, "", fmt.Errorf("unknown message type %q", env.Type))
	}
}

func writeFederationSessionList(conn *federation.Conn, mgr *session.Manager) {
	infos := mgr.List()
	out := make([]protocol.SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, protocol.SessionInfo{
			ID: info.ID, Name: info.Name, Command: info.Command, Running: info.Running,
			ExitCode: info.ExitCode, Rows: info.Rows, Cols: info.Cols, CreatedAt: info.CreatedAt.Unix(),
		})
	}
	body, err := protocol.Encode(protocol.TypeSessionList, protocol.SessionListMsg{Sessions: out})
	if err != nil {
		return
	}
	_ = conn.Send(body)
}

func writeFederationError(conn *federation.Conn, sessionID string, err error) {
	body, encErr := protocol.Encode(protocol.TypeError, protocol.FromError(sessionID, err))
	if encErr != nil {
		return
	}
	_ = conn.Send(body)
}

func federationWriteLoop(ctx context.Context, conn *federation.Conn, client *fanout.Client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case p := <-client.Pending():
			deliverFederationPending(conn, client, p)
		}
	}
}

func deliverFederationPending(conn *federation.Conn, client *fanout.Client, p fanout.Pending) {
	switch {
	case p.Output != nil:
		safe := client.Flush(p.Output.Bytes)
		if len(safe) == 0 {
			return
		}
		body, err := protocol.Encode(protocol.TypeOutput, protocol.OutputMsg{
			SessionID: client.Focused(), Seq: p.Output.Seq, Bytes: base64.StdEncoding.EncodeToString(safe),
		})
		if err != nil {
			return
		}
		if err := conn.Send(body); err != nil {
			logger.Warn("federation send failed", "err", err)
		}
	case p.Event != nil:
		deliverFederationEvent(conn, *p.Event)
	}
}

func deliverFederationEvent(conn *federation.Conn, ev broker.Event) {
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
	_ = conn.Send(body)
}
