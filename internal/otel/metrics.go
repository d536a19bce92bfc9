package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Hearth metrics instruments.
type Metrics struct {
	ConnectionsAccepted metric.Int64Counter
	ConnectionsRefused  metric.Int64Counter
	ChatDuration        metric.Float64Histogram
	ChunksFannedOut     metric.Int64Counter
	ApprovalsResolved   metric.Int64Counter
	ApprovalsTimedOut   metric.Int64Counter
	LiveClients         metric.Int64UpDownCounter
	FramesDropped       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ConnectionsAccepted, err = meter.Int64Counter("hearth.gateway.connections.accepted",
		metric.WithDescription("Connections admitted past auth and capacity checks"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionsRefused, err = meter.Int64Counter("hearth.gateway.connections.refused",
		metric.WithDescription("Connections refused at the handshake"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatDuration, err = meter.Float64Histogram("hearth.gateway.chat.duration",
		metric.WithDescription("Inbound chat handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChunksFannedOut, err = meter.Int64Counter("hearth.gateway.chunks.fanned_out",
		metric.WithDescription("Response chunks delivered to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("hearth.approvals.resolved",
		metric.WithDescription("Approval requests resolved by users"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsTimedOut, err = meter.Int64Counter("hearth.approvals.timed_out",
		metric.WithDescription("Approval requests auto-denied on timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveClients, err = meter.Int64UpDownCounter("hearth.gateway.clients.live",
		metric.WithDescription("Currently connected clients"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDropped, err = meter.Int64Counter("hearth.gateway.frames.dropped",
		metric.WithDescription("Malformed inbound frames dropped"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
