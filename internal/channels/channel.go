package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform front-end.
// Implementations connect to the gateway through a client.Manager and
// translate between platform messages and wire envelopes.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
