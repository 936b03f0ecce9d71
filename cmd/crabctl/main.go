// Command crabctl is a minimal reference attach client: it dials the
// daemon's loopback /attach WebSocket, puts the local terminal in raw
// mode, and forwards stdin/stdout and window resizes. It exists to
// exercise the Client Protocol end to end, not as a full-featured CLI
// front end. Grounded on cmd/wt/egg.go's raw-mode-attach shape in the
// reference tree (term.MakeRaw/SIGWINCH/stdin-forward), adapted from
// a gRPC bidi stream to the Client Protocol's WebSocket envelopes.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/crabcity/internal/protocol"
)

// detachKey is Ctrl-] (0x1D), the conventional terminal-multiplexer
// detach sequence.
const detachKey = 0x1D

func main() {
	var addr, command, name, sessionID string

	root := &cobra.Command{
		Use:   "crabctl",
		Short: "attach to a crabcityd session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return attach(addr, command, name, sessionID)
		},
	}
	root.Flags().StringVar(&addr, "addr", "127.0.0.1:7780", "daemon loopback address")
	root.Flags().StringVar(&command, "command", "", "spawn this command as a new session instead of attaching to an existing one")
	root.Flags().StringVar(&name, "name", "", "name for a newly created session")
	root.Flags().StringVar(&sessionID, "session", "", "existing session id to focus")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func attach(addr, command, name, sessionID string) error {
	ctx := context.Background()
	url := fmt.Sprintf("ws://%s/attach", addr)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.CloseNow()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
	}

	switch {
	case command != "":
		body, _ := protocol.Encode(protocol.TypeCreate, protocol.CreateMsg{Name: name, Command: command})
		if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
			return err
		}
	case sessionID != "":
		body, _ := protocol.Encode(protocol.TypeFocus, protocol.FocusMsg{SessionID: sessionID})
		if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
			return err
		}
	}

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)

	focused := sessionID
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			switch env.Type {
			case protocol.TypeSessionCreated:
				var msg protocol.SessionDeltaMsg
				if json.Unmarshal(env.Payload, &msg) == nil {
					focused = msg.SessionID
					sendResize(ctx, conn, focused, fd)
				}
			case protocol.TypeOutput:
				var msg protocol.OutputMsg
				if json.Unmarshal(env.Payload, &msg) == nil {
					raw, err := base64.StdEncoding.DecodeString(msg.Bytes)
					if err == nil {
						os.Stdout.Write(raw)
					} else {
						os.Stdout.WriteString(msg.Bytes)
					}
				}
			case protocol.TypeSessionStopped:
				return
			case protocol.TypeError:
				var msg protocol.ErrorMsg
				if json.Unmarshal(env.Payload, &msg) == nil {
					fmt.Fprintf(os.Stderr, "\r\ncrabctl: %s (%s)\r\n", msg.Message, msg.Code)
				}
			}
		}
	}()

	go func() {
		for range winchCh {
			sendResize(ctx, conn, focused, fd)
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if n == 1 && buf[0] == detachKey {
					_ = conn.Close(websocket.StatusNormalClosure, "detach")
					return
				}
				body, _ := protocol.Encode(protocol.TypeInput, protocol.InputMsg{SessionID: focused, Data: string(buf[:n])})
				_ = conn.Write(ctx, websocket.MessageText, body)
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
	return nil
}

func sendResize(ctx context.Context, conn *websocket.Conn, sessionID string, fd int) {
	if sessionID == "" || !term.IsTerminal(fd) {
		return
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	body, _ := protocol.Encode(protocol.TypeResize, protocol.ResizeMsg{SessionID: sessionID, Rows: rows, Cols: cols})
	_ = conn.Write(ctx, websocket.MessageText, body)
}
