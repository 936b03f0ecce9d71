// Package protocol implements the Client Protocol: the tagged JSON
// message schema client↔daemon for attach/focus/input/resize/kill and
// the matching server events.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/crabcity/internal/crabcityerr"
)

// Inbound message tags.
const (
	TypeAttach  = "attach"
	TypeFocus   = "focus"
	TypeUnfocus = "unfocus"
	TypeInput   = "input"
	TypeResize  = "resize"
	TypeKill    = "kill"
	TypeCreate  = "create"
	TypePing    = "ping"
)

// Outbound message tags.
const (
	TypeHello          = "hello"
	TypeSessionList    = "session_list"
	TypeSessionCreated = "session_created"
	TypeSessionStopped = "session_stopped"
	TypeSessionRenamed = "session_renamed"
	TypeStateChange    = "state_change"
	TypeFocusAck       = "focus_ack"
	TypeOutput         = "output"
	TypeResetStream    = "reset_stream"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope is the wire shape every message is wrapped in: a tag plus
// a raw payload decoded according to the tag.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// --- Inbound payloads ---

type FocusMsg struct {
	SessionID string  `json:"session_id"`
	LastSeq   *uint64 `json:"last_seq,omitempty"`
}

type InputMsg struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type ResizeMsg struct {
	SessionID string `json:"session_id"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

type KillMsg struct {
	SessionID string  `json:"session_id"`
	Signal    *string `json:"signal,omitempty"`
}

type CreateMsg struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

type PingMsg struct {
	TS int64 `json:"ts"`
}

// --- Outbound payloads ---

type HelloMsg struct {
	ServerID    string `json:"server_id"`
	Capability  string `json:"capability"`
	ResumeToken string `json:"resume_token,omitempty"`
}

type SessionInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Command   string `json:"command"`
	Running   bool   `json:"running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
	CreatedAt int64  `json:"created_at"`
}

type SessionListMsg struct {
	Sessions []SessionInfo `json:"sessions"`
}

type SessionDeltaMsg struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

type StateChangeMsg struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Stale     bool   `json:"stale"`
}

type FocusAckMsg struct {
	SessionID string `json:"session_id"`
	Cursor    uint64 `json:"cursor"`
}

type OutputMsg struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Bytes     string `json:"bytes"` // base64, unless the transport carries binary frames
}

type ResetStreamMsg struct {
	SessionID string `json:"session_id"`
	NewCursor uint64 `json:"new_cursor"`
}

type ErrorMsg struct {
	SessionID string               `json:"session_id,omitempty"`
	Code      crabcityerr.Code     `json:"code"`
	Message   string               `json:"message"`
	Recovery  crabcityerr.Recovery `json:"recovery"`
}

type PongMsg struct {
	TS int64 `json:"ts"`
}

// FromError builds an ErrorMsg from any error, normalizing it through
// crabcityerr's taxonomy at this system boundary.
func FromError(sessionID string, err error) ErrorMsg {
	if ce, ok := err.(*crabcityerr.Error); ok {
		return ErrorMsg{SessionID: sessionID, Code: ce.Code, Message: ce.Message, Recovery: ce.Recovery}
	}
	return ErrorMsg{
		SessionID: sessionID,
		Code:      crabcityerr.CodeProtocolViolation,
		Message:   err.Error(),
		Recovery:  crabcityerr.None(),
	}
}
