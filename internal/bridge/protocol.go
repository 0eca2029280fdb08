package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asheshgoplani/agent-bridge/internal/session"
	"github.com/asheshgoplani/agent-bridge/internal/workspace"
)

// ErrUnknownMessage is returned by DecodeClientMessage for an unrecognised
// "type" discriminator.
var ErrUnknownMessage = errors.New("unknown message type")

// ClientMessage is one inbound request. The set of implementations is closed;
// HandleMessage switches over all of them.
type ClientMessage interface {
	clientMessage()
}

type ListRequest struct{}

type CreateRequest struct {
	Name            string         `json:"name,omitempty"`
	ProjectPath     string         `json:"projectPath"`
	Mode            string         `json:"mode,omitempty"`
	WorkspaceType   workspace.Type `json:"workspaceType,omitempty"`
	TmuxSession     string         `json:"tmuxSession,omitempty"`
	AutoLaunchAgent bool           `json:"autoLaunchAgent,omitempty"`
}

type ConnectRequest struct {
	SessionID string `json:"sessionId"`
	Replay    bool   `json:"replay,omitempty"`
}

type DisconnectRequest struct {
	SessionID string `json:"sessionId"`
}

type InputRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type InterruptRequest struct {
	SessionID string `json:"sessionId"`
}

type KillRequest struct {
	SessionID string `json:"sessionId"`
}

type PermissionRequest struct {
	SessionID string `json:"sessionId"`
	Approved  bool   `json:"approved"`
}

type PingRequest struct{}

func (ListRequest) clientMessage()       {}
func (CreateRequest) clientMessage()     {}
func (ConnectRequest) clientMessage()    {}
func (DisconnectRequest) clientMessage() {}
func (InputRequest) clientMessage()      {}
func (InterruptRequest) clientMessage()  {}
func (KillRequest) clientMessage()       {}
func (PermissionRequest) clientMessage() {}
func (PingRequest) clientMessage()       {}

// sessionIDOf returns the session a request targets, "" when none.
func sessionIDOf(msg ClientMessage) string {
	switch m := msg.(type) {
	case ConnectRequest:
		return m.SessionID
	case DisconnectRequest:
		return m.SessionID
	case InputRequest:
		return m.SessionID
	case InterruptRequest:
		return m.SessionID
	case KillRequest:
		return m.SessionID
	case PermissionRequest:
		return m.SessionID
	}
	return ""
}

// mutates reports requests refused in read-only mode.
func mutates(msg ClientMessage) bool {
	switch msg.(type) {
	case CreateRequest, InputRequest, InterruptRequest, KillRequest, PermissionRequest:
		return true
	}
	return false
}

type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// DecodeClientMessage parses a JSON frame of the form {"type": "...", ...}.
// On failure the returned session id is whatever the frame carried, so the
// error can still be scoped.
func DecodeClientMessage(data []byte) (ClientMessage, string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("invalid json payload: %w", err)
	}

	var (
		msg ClientMessage
		err error
	)
	switch env.Type {
	case "list":
		msg = ListRequest{}
	case "ping":
		msg = PingRequest{}
	case "create":
		msg, err = decode[CreateRequest](data)
	case "connect":
		msg, err = decode[ConnectRequest](data)
	case "disconnect":
		msg, err = decode[DisconnectRequest](data)
	case "input":
		msg, err = decode[InputRequest](data)
	case "interrupt":
		msg, err = decode[InterruptRequest](data)
	case "kill":
		msg, err = decode[KillRequest](data)
	case "permission":
		msg, err = decode[PermissionRequest](data)
	case "":
		return nil, env.SessionID, fmt.Errorf("missing message type")
	default:
		return nil, env.SessionID, fmt.Errorf("%w %q", ErrUnknownMessage, env.Type)
	}
	if err != nil {
		return nil, env.SessionID, fmt.Errorf("invalid %s message: %w", env.Type, err)
	}
	return msg, env.SessionID, nil
}

func decode[T ClientMessage](data []byte) (ClientMessage, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ServerEvent is one outbound event. Each implementation marshals itself
// with its "type" discriminator.
type ServerEvent interface {
	EventType() string
}

type ListEvent struct {
	Sessions []session.ManagedSession `json:"sessions"`
}

type CreatedEvent struct {
	Session session.ManagedSession `json:"session"`
}

type StatusEvent struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

type RawEvent struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type EndedEvent struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type ErrorEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type PongEvent struct {
	Time time.Time `json:"time"`
}

func (ListEvent) EventType() string    { return "list" }
func (CreatedEvent) EventType() string { return "created" }
func (StatusEvent) EventType() string  { return "status" }
func (RawEvent) EventType() string     { return "raw" }
func (EndedEvent) EventType() string   { return "ended" }
func (ErrorEvent) EventType() string   { return "error" }
func (PongEvent) EventType() string    { return "pong" }

func (e ListEvent) MarshalJSON() ([]byte, error) {
	type body ListEvent
	if e.Sessions == nil {
		e.Sessions = []session.ManagedSession{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.EventType(), body(e)})
}

func (e CreatedEvent) MarshalJSON() ([]byte, error) {
	type body CreatedEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.EventType(), body(e)})
}

func (e StatusEvent) MarshalJSON() ([]byte, error) {
	type body StatusEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.EventType(), body(e)})
}

func (e RawEvent) MarshalJSON() ([]byte, error) {
	type body RawEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.EventType(), body(e)})
}

func (e EndedEvent) MarshalJSON() ([]byte, error) {
	type body EndedEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.EventType(), body(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type body ErrorEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.EventType(), body(e)})
}

func (e PongEvent) MarshalJSON() ([]byte, error) {
	type body PongEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.EventType(), body(e)})
}
