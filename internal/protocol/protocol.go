// Package protocol defines the wire envelope exchanged between front-ends
// and the gateway. Frames are JSON text; the codec adds no sequence
// numbers, so streamed RESPONSE content is always the full text produced
// so far and the last chunk wins.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies the envelope payload shape.
type MessageType string

const (
	TypeStatus           MessageType = "STATUS"
	TypeChat             MessageType = "CHAT"
	TypeResponse         MessageType = "RESPONSE"
	TypeApprovalRequest  MessageType = "APPROVAL_REQUEST"
	TypeApprovalResponse MessageType = "APPROVAL_RESPONSE"
	TypeEvent            MessageType = "EVENT"
	TypeError            MessageType = "ERROR"
	TypeCommand          MessageType = "COMMAND"
)

// Close codes used during the upgrade handshake, before any envelope
// is exchanged.
const (
	CloseAuthFailure = 4401
	CloseCapacity    = 4429
)

// Wire error codes carried in ERROR.data.
const (
	CodeProtocolError    = "PROTOCOL_ERROR"
	CodeRoutingError     = "ROUTING_ERROR"
	CodeApprovalConflict = "APPROVAL_CONFLICT"
	CodeUpstreamError    = "UPSTREAM_ERROR"
)

// Event names carried in EVENT.data. The system.* family covers
// process-level notifications.
const (
	EventStepProgress   = "step_progress"
	EventTaskComplete   = "task_complete"
	EventSessionCreated = "session_created"
	EventApprovalResolved = "approval_resolved"

	EventSystemShutdown       = "system.shutdown"
	EventSystemConfigReloaded = "system.config_reloaded"
)

// ErrMalformedFrame is returned by Decode for frames that do not parse
// or carry an unknown type. The server drops such frames silently.
var ErrMalformedFrame = errors.New("malformed frame")

var validTypes = map[MessageType]struct{}{
	TypeStatus:           {},
	TypeChat:             {},
	TypeResponse:         {},
	TypeApprovalRequest:  {},
	TypeApprovalResponse: {},
	TypeEvent:            {},
	TypeError:            {},
	TypeCommand:          {},
}

// Envelope is the canonical wire message. ID is a client-generated
// correlation key, unique per logical request.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response is RESPONSE.data. Content carries the full text produced so
// far for ReplyTo; Done marks the single terminal chunk.
type Response struct {
	ReplyTo string `json:"reply_to"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Chat is CHAT.data.
type Chat struct {
	Content string `json:"content"`
}

// Command is COMMAND.data. Args are interpreted by the dispatched
// subsystem, not by the gateway.
type Command struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// ApprovalRequest is APPROVAL_REQUEST.data, pushed to clients when a
// tool call needs confirmation.
type ApprovalRequest struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

// ApprovalResponse is APPROVAL_RESPONSE.data.
type ApprovalResponse struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
	Reason    string `json:"reason,omitempty"`
}

// Status is STATUS.data. Servers treat inbound STATUS as a keepalive;
// the connection manager also synthesizes local STATUS notifications
// (state "reconnecting", "disconnected") for its handlers.
type Status struct {
	State string `json:"state,omitempty"`
}

// WireError is ERROR.data. Message has already been through redaction
// by the time it is encoded.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is EVENT.data. On the wire the payload keys are inlined next to
// "event" rather than nested.
type Event struct {
	Event   string
	Payload map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["event"] = e.Event
	return json.Marshal(flat)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	name, _ := flat["event"].(string)
	if name == "" {
		return fmt.Errorf("event payload missing event name")
	}
	delete(flat, "event")
	e.Event = name
	e.Payload = flat
	return nil
}

// NewID mints a correlation id.
func NewID() string {
	return uuid.NewString()
}

// Encode marshals an envelope to a wire frame. The type must be one of
// the recognized vocabulary.
func Encode(env Envelope) ([]byte, error) {
	if _, ok := validTypes[env.Type]; !ok {
		return nil, fmt.Errorf("encode: unknown message type %q", env.Type)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a wire frame. Any parse failure or unrecognized type
// yields ErrMalformedFrame so callers can drop the frame without
// tearing down the connection.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if _, ok := validTypes[env.Type]; !ok {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
	return env, nil
}

// DecodeData unmarshals an envelope's data into the given payload
// struct, reporting ErrMalformedFrame on failure.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: empty data for %s", ErrMalformedFrame, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedFrame, env.Type, err)
	}
	return nil
}

func mustData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; a failure here is a
		// programming error.
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return b
}

// NewChat builds a CHAT envelope, minting an id when the caller leaves
// it empty.
func NewChat(id, sessionID, channel, userID, content string) Envelope {
	if id == "" {
		id = NewID()
	}
	return Envelope{
		Type:      TypeChat,
		ID:        id,
		SessionID: sessionID,
		Channel:   channel,
		UserID:    userID,
		Data:      mustData(Chat{Content: content}),
	}
}

// NewResponse builds a RESPONSE chunk for the given request id.
func NewResponse(sessionID, replyTo, content string, done bool) Envelope {
	return Envelope{
		Type:      TypeResponse,
		ID:        NewID(),
		SessionID: sessionID,
		Data:      mustData(Response{ReplyTo: replyTo, Content: content, Done: done}),
	}
}

// NewCommand builds a COMMAND envelope.
func NewCommand(id, sessionID, command string, args map[string]any) Envelope {
	if id == "" {
		id = NewID()
	}
	return Envelope{
		Type:      TypeCommand,
		ID:        id,
		SessionID: sessionID,
		Data:      mustData(Command{Command: command, Args: args}),
	}
}

// NewEvent builds an EVENT envelope for a session.
func NewEvent(sessionID, event string, payload map[string]any) Envelope {
	return Envelope{
		Type:      TypeEvent,
		ID:        NewID(),
		SessionID: sessionID,
		Data:      mustData(Event{Event: event, Payload: payload}),
	}
}

// NewError builds an ERROR envelope answering the given request id.
func NewError(replyTo, sessionID, code, message string) Envelope {
	return Envelope{
		Type:      TypeError,
		ID:        replyTo,
		SessionID: sessionID,
		Data:      mustData(WireError{Code: code, Message: message}),
	}
}

// NewStatus builds a STATUS envelope. An empty state is a plain
// keepalive ping.
func NewStatus(state string) Envelope {
	return Envelope{
		Type: TypeStatus,
		ID:   NewID(),
		Data: mustData(Status{State: state}),
	}
}

// NewApprovalRequest builds an APPROVAL_REQUEST push for a session.
func NewApprovalRequest(sessionID, requestID, toolName, description string, params map[string]any) Envelope {
	return Envelope{
		Type:      TypeApprovalRequest,
		ID:        NewID(),
		SessionID: sessionID,
		Data: mustData(ApprovalRequest{
			RequestID:   requestID,
			ToolName:    toolName,
			Description: description,
			Params:      params,
		}),
	}
}

// NewApprovalResponse builds an APPROVAL_RESPONSE envelope.
func NewApprovalResponse(id, sessionID, requestID string, approve bool, reason string) Envelope {
	if id == "" {
		id = NewID()
	}
	return Envelope{
		Type:      TypeApprovalResponse,
		ID:        id,
		SessionID: sessionID,
		Data:      mustData(ApprovalResponse{RequestID: requestID, Approve: approve, Reason: reason}),
	}
}
