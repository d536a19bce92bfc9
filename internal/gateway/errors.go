package gateway

import (
	"errors"

	"github.com/coder/websocket"

	"github.com/hearth-agent/hearth/internal/approvals"
	"github.com/hearth-agent/hearth/internal/protocol"
)

// Error taxonomy for the gateway. Connection-level errors (auth,
// capacity) terminate only the offending connection; session- and
// approval-level errors go back to the offending sender as ERROR
// envelopes without touching other sessions.
var (
	// ErrUnauthorized means the handshake carried a missing or invalid
	// token. The connection is refused with close code 4401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCapacity means max_sessions live clients are already
	// connected. The connection is refused with close code 4429.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrProtocol marks malformed inbound frames. They are dropped
	// silently; the connection stays open.
	ErrProtocol = errors.New("protocol error")

	// ErrRouting marks an unrecognized command or message type,
	// reported to the sender only.
	ErrRouting = errors.New("routing error")

	// ErrUpstream marks a failure raised by the agent core during task
	// execution. The wire message is redacted; the cause goes to logs
	// only.
	ErrUpstream = errors.New("upstream error")
)

// closeCode maps a connection-level refusal to its websocket close
// code.
func closeCode(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return websocket.StatusCode(protocol.CloseAuthFailure)
	case errors.Is(err, ErrCapacity):
		return websocket.StatusCode(protocol.CloseCapacity)
	default:
		return websocket.StatusInternalError
	}
}

// wireCode maps a taxonomy error to the code carried in an ERROR
// envelope.
func wireCode(err error) string {
	switch {
	case errors.Is(err, ErrProtocol):
		return protocol.CodeProtocolError
	case errors.Is(err, ErrRouting):
		return protocol.CodeRoutingError
	case errors.Is(err, approvals.ErrConflict):
		return protocol.CodeApprovalConflict
	default:
		return protocol.CodeUpstreamError
	}
}
