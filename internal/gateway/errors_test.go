package gateway

import (
	"fmt"
	"testing"

	"github.com/coder/websocket"

	"github.com/hearth-agent/hearth/internal/approvals"
	"github.com/hearth-agent/hearth/internal/protocol"
)

func TestCloseCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnauthorized, protocol.CloseAuthFailure},
		{ErrCapacity, protocol.CloseCapacity},
		{fmt.Errorf("wrapped: %w", ErrUnauthorized), protocol.CloseAuthFailure},
		{fmt.Errorf("boom"), int(websocket.StatusInternalError)},
	}
	for _, tt := range tests {
		if got := closeCode(tt.err); int(got) != tt.want {
			t.Errorf("closeCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWireCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrProtocol, protocol.CodeProtocolError},
		{ErrRouting, protocol.CodeRoutingError},
		{approvals.ErrConflict, protocol.CodeApprovalConflict},
		{fmt.Errorf("%w: unroutable message type RESPONSE", ErrRouting), protocol.CodeRoutingError},
		{ErrUpstream, protocol.CodeUpstreamError},
		{fmt.Errorf("anything else"), protocol.CodeUpstreamError},
	}
	for _, tt := range tests {
		if got := wireCode(tt.err); got != tt.want {
			t.Errorf("wireCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
