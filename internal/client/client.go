// Package client implements the front-end side of the wire. Each
// front-end process owns one Manager, which owns the websocket,
// reconnection, the heartbeat and the outbound queue.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hearth-agent/hearth/internal/protocol"
)

// State is the connection lifecycle. Transitions are explicit; there is
// no implicit recovery after StateDisconnected is reached through
// exhausted attempts.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler receives inbound envelopes of one type. Local state changes
// are also surfaced here as synthesized STATUS envelopes so front-ends
// can render "reconnecting..." without watching the Manager.
type Handler func(env protocol.Envelope)

const defaultHeartbeat = 30 * time.Second

// Backoff controls the reconnect schedule.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Config holds the Manager's identity and tunables.
type Config struct {
	ServerURL string
	Token     string
	Channel   string
	UserID    string
	Logger    *slog.Logger

	Heartbeat time.Duration
	Backoff   Backoff
}

// Manager maintains one connection to the gateway.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempt  int
	handlers map[protocol.MessageType]Handler
	// queue holds outbound envelopes while no connection is up. It is
	// unbounded; a long outage trades memory for not losing input.
	queue []protocol.Envelope

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = 10
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[protocol.MessageType]Handler),
	}
}

// Handle registers the handler for one message type. Must be called
// before Start.
func (m *Manager) Handle(t protocol.MessageType, fn Handler) {
	m.mu.Lock()
	m.handlers[t] = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts reports consecutive failed dials since the last successful
// connect. A successful connect resets it to zero, which restarts the
// backoff schedule at Initial.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) bumpAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
	return m.attempt
}

func (m *Manager) resetAttempt() {
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
}

// Start launches the connection loop. It returns immediately; the first
// dial happens in the background.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.setState(StateConnecting)
	m.wg.Add(1)
	go m.run(ctx)
}

// Close tears the connection down and stops reconnecting.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	m.wg.Wait()
	m.setState(StateDisconnected)
}

// Send delivers env to the gateway, queueing it in order when no
// connection is up. Queued envelopes flush FIFO on the next successful
// connect.
func (m *Manager) Send(env protocol.Envelope) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	if !connected || conn == nil {
		m.queue = append(m.queue, env)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.write(conn, env); err != nil {
		m.logger.Debug("client: send failed, queueing", "type", env.Type, "error", err)
		m.mu.Lock()
		m.queue = append(m.queue, env)
		m.mu.Unlock()
	}
}

// QueueLen reports the number of envelopes waiting for a connection.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) write(conn *websocket.Conn, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

// run drives the dial/read/backoff cycle until ctx is cancelled or the
// attempt budget runs out.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		// Each attempt passes through connecting, so handlers see the
		// full reconnecting -> connecting -> connected sequence.
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			attempt := m.bumpAttempt()
			if attempt >= m.cfg.Backoff.MaxAttempts {
				// Permanent. Surfaced to handlers; no silent retry.
				m.logger.Warn("client: giving up after max attempts",
					"attempts", attempt, "server", m.cfg.ServerURL)
				m.setState(StateDisconnected)
				return
			}
			delay := withJitter(baseDelay(m.cfg.Backoff, attempt))
			m.logger.Debug("client: dial failed, backing off",
				"attempt", attempt, "delay", delay, "error", err)
			m.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		// Success resets the schedule to Initial.
		m.resetAttempt()
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected)
		m.flushQueue(conn)

		hbCtx, hbCancel := context.WithCancel(ctx)
		m.wg.Add(1)
		go m.heartbeat(hbCtx, conn)

		m.readLoop(ctx, conn)
		hbCancel()

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.setState(StateReconnecting)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", m.cfg.Token)
	q.Set("channel", m.cfg.Channel)
	q.Set("user_id", m.cfg.UserID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// flushQueue drains the outbound queue FIFO. A failed write puts the
// remainder back for the next connection.
func (m *Manager) flushQueue(conn *websocket.Conn) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for i, env := range pending {
		if err := m.write(conn, env); err != nil {
			m.logger.Debug("client: flush interrupted", "sent", i, "error", err)
			m.mu.Lock()
			m.queue = append(pending[i:], m.queue...)
			m.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		m.logger.Info("client: flushed queued envelopes", "count", len(pending))
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(conn, protocol.NewStatus("alive")); err != nil {
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			m.logger.Debug("client: connection lost", "error", err)
			return
		}
		m.deliver(env)
	}
}

func (m *Manager) deliver(env protocol.Envelope) {
	m.mu.Lock()
	fn := m.handlers[env.Type]
	m.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// setState records the transition and synthesizes a local STATUS
// envelope so front-ends can render connection changes inline.
func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev == next {
		return
	}
	m.logger.Debug("client: state change", "from", prev.String(), "to", next.String())
	m.deliver(protocol.NewStatus(next.String()))
}

// baseDelay is the deterministic exponential schedule: attempt 1 waits
// Initial, doubling up to Max.
func baseDelay(b Backoff, attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// withJitter spreads reconnects by ±25% so a restarting gateway is not
// hit by every front-end at once.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := float64(d) * 0.25
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
