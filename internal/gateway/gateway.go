// Package gateway implements the multi-channel websocket server: it
// authenticates and admits clients, routes inbound envelopes, and fans
// agent output back out to every connection mapped to a session.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/hearth-agent/hearth/internal/approvals"
	"github.com/hearth-agent/hearth/internal/bus"
	"github.com/hearth-agent/hearth/internal/otel"
	"github.com/hearth-agent/hearth/internal/persistence"
	"github.com/hearth-agent/hearth/internal/protocol"
	"github.com/hearth-agent/hearth/internal/shared"
)

const writeTimeout = 5 * time.Second

// AgentCore is the collaborator that executes goals. Submit returns as
// soon as the goal is accepted; chunks and events stream back over the
// bus. Implementations must not tie the task's lifetime to ctx: a
// disconnecting client does not cancel its session's in-flight task.
type AgentCore interface {
	Submit(ctx context.Context, sessionID, requestID, goal string) error
}

// Config holds the server's dependencies and tunables.
type Config struct {
	Store     *persistence.Store
	Approvals *approvals.Queue
	Bus       *bus.Bus
	Core      AgentCore
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer

	// AuthToken guards the handshake. Empty disables the check for
	// loopback-only setups.
	AuthToken string
	// MaxSessions caps live clients; excess connections close 4429.
	MaxSessions int
	// Unified keys sessions by user alone across channels.
	Unified      bool
	HistoryLimit int
	AllowOrigins []string
	HomeDir      string

	IdleSweepInterval time.Duration
	IdleThreshold     time.Duration
}

// client is the ephemeral server-side connection record. It exists only
// while the connection is open and is never persisted.
type client struct {
	id          string
	channel     string
	userID      string
	sessionID   string
	connectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// write serializes outbound frames per client so concurrent fan-outs
// never interleave on one connection.
func (c *client) write(ctx context.Context, env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, env)
}

// Server owns the live client registry. Construction and teardown are
// tied to process lifetime; there are no package-level globals.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	mu        sync.RWMutex
	clients   map[*client]struct{}
	bySession map[string]map[*client]struct{}
	// live mirrors session activity for the idle sweep. Eviction here
	// never touches durable rows.
	live map[string]time.Time

	commands map[string]commandFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 32
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.IdleSweepInterval <= 0 {
		cfg.IdleSweepInterval = 10 * time.Minute
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = time.Hour
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		started:   time.Now(),
		clients:   make(map[*client]struct{}),
		bySession: make(map[string]map[*client]struct{}),
		live:      make(map[string]time.Time),
		commands:  builtinCommands(),
	}
}

// Start launches the bus forwarder and the idle sweep. Stop undoes both.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.forwardBusEvents(ctx)
	go s.idleSweepLoop(ctx)
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Handler returns the HTTP mux: /ws for the duplex connection, /healthz
// for liveness probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"clients":        s.ClientCount(),
	})
}

// authorized checks the handshake token: ?token= query parameter or an
// Authorization bearer header, constant-time compared.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			token = after
		}
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}

	if !s.authorized(r) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionsRefused.Add(r.Context(), 1)
		}
		s.logger.Warn("ws: refusing unauthenticated connection", "remote", r.RemoteAddr, "error", ErrUnauthorized)
		_ = conn.Close(closeCode(ErrUnauthorized), "invalid or missing token")
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "web"
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "local"
	}

	ctx := r.Context()
	cl := &client{
		id:          uuid.NewString(),
		channel:     channel,
		userID:      userID,
		connectedAt: time.Now(),
		conn:        conn,
	}
	// Admission comes before any durable work: a connection refused at
	// capacity must leave no session row behind.
	if err := s.addClient(cl); err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionsRefused.Add(ctx, 1)
		}
		s.logger.Warn("ws: refusing connection at capacity",
			"max_sessions", s.cfg.MaxSessions, "remote", r.RemoteAddr, "error", ErrCapacity)
		_ = conn.Close(closeCode(ErrCapacity), "max_sessions reached")
		return
	}
	defer s.removeClient(cl)

	sess, created, err := s.cfg.Store.ResolveSession(ctx, channel, userID, s.cfg.Unified)
	if err != nil {
		s.logger.Error("ws: session resolve failed", "channel", channel, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	s.bindSession(cl, sess.SessionID)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectionsAccepted.Add(ctx, 1)
		s.cfg.Metrics.LiveClients.Add(ctx, 1)
		defer s.cfg.Metrics.LiveClients.Add(context.Background(), -1)
	}
	s.logger.Info("ws: client connected",
		"client_id", cl.id,
		"channel", channel,
		"session_id", cl.sessionID,
		"session_created", created,
	)
	defer s.logger.Info("ws: client disconnected", "client_id", cl.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			// ProtocolError: drop the frame, keep the connection.
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.FramesDropped.Add(ctx, 1)
			}
			s.logger.Debug("ws: dropping malformed frame",
				"client_id", cl.id, "error", fmt.Errorf("%w: %v", ErrProtocol, err))
			continue
		}
		s.route(ctx, cl, env)
	}
}

// addClient claims a capacity slot. The session mapping follows in
// bindSession once the durable session is resolved.
func (s *Server) addClient(cl *client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.MaxSessions {
		return ErrCapacity
	}
	s.clients[cl] = struct{}{}
	return nil
}

// bindSession maps an admitted client to its resolved session so
// fan-out and the idle sweep can see it.
func (s *Server) bindSession(cl *client, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl.sessionID = sessionID
	set := s.bySession[sessionID]
	if set == nil {
		set = make(map[*client]struct{})
		s.bySession[sessionID] = set
	}
	set[cl] = struct{}{}
	s.live[sessionID] = time.Now()
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, cl)
	if set := s.bySession[cl.sessionID]; set != nil {
		delete(set, cl)
		if len(set) == 0 {
			delete(s.bySession, cl.sessionID)
		}
	}
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// LiveSessionCount returns the size of the live session registry.
func (s *Server) LiveSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

func (s *Server) touchLive(sessionID string) {
	s.mu.Lock()
	s.live[sessionID] = time.Now()
	s.mu.Unlock()
}

func (s *Server) route(ctx context.Context, cl *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		s.handleChat(ctx, cl, env)
	case protocol.TypeCommand:
		s.handleCommand(ctx, cl, env)
	case protocol.TypeApprovalResponse:
		s.handleApprovalResponse(ctx, cl, env)
	case protocol.TypeStatus:
		// Heartbeat. No session mutation.
	default:
		// Server-to-client types arriving inbound.
		s.sendError(ctx, cl, env.ID, wireCode(ErrRouting),
			fmt.Sprintf("unroutable message type %s", env.Type))
	}
}

// handleChat appends the user turn and hands the goal to the agent
// core. It never waits for task completion; chunks come back through
// the bus as the core produces them.
func (s *Server) handleChat(ctx context.Context, cl *client, env protocol.Envelope) {
	start := time.Now()
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = s.cfg.Tracer.Start(ctx, "gateway.chat")
		defer span.End()
	}

	var chat protocol.Chat
	if err := protocol.DecodeData(env, &chat); err != nil {
		s.logger.Debug("ws: dropping malformed CHAT data", "client_id", cl.id, "error", err)
		return
	}

	requestID := env.ID
	if requestID == "" {
		requestID = protocol.NewID()
	}
	ctx = shared.WithSessionID(shared.WithChannel(ctx, cl.channel), cl.sessionID)

	if err := s.cfg.Store.AppendTurn(ctx, cl.sessionID, "user", chat.Content); err != nil {
		s.logger.Error("ws: persist user turn failed", "session_id", cl.sessionID, "error", err)
		s.sendError(ctx, cl, requestID, wireCode(ErrUpstream), "failed to persist message")
		return
	}
	s.touchLive(cl.sessionID)

	if err := s.cfg.Core.Submit(ctx, cl.sessionID, requestID, chat.Content); err != nil {
		// Redacted on the wire, cause in logs only.
		s.logger.Error("ws: agent core rejected goal",
			"session_id", cl.sessionID, "request_id", requestID,
			"error", fmt.Errorf("%w: %v", ErrUpstream, err))
		s.sendError(ctx, cl, requestID, wireCode(ErrUpstream), "agent core unavailable")
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
	}
}

func (s *Server) handleCommand(ctx context.Context, cl *client, env protocol.Envelope) {
	var cmd protocol.Command
	if err := protocol.DecodeData(env, &cmd); err != nil {
		s.logger.Debug("ws: dropping malformed COMMAND data", "client_id", cl.id, "error", err)
		return
	}

	fn, ok := s.commands[cmd.Command]
	if !ok {
		s.sendError(ctx, cl, env.ID, wireCode(ErrRouting),
			fmt.Sprintf("unknown command %q", cmd.Command))
		return
	}

	result, err := fn(ctx, s, cl, cmd.Args)
	if err != nil {
		s.logger.Error("ws: command failed", "command", cmd.Command,
			"error", fmt.Errorf("%w: %v", ErrUpstream, err))
		s.sendError(ctx, cl, env.ID, wireCode(ErrUpstream),
			shared.Redact(fmt.Sprintf("command %s failed", cmd.Command)))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("ws: command result marshal failed", "command", cmd.Command, "error", err)
		s.sendError(ctx, cl, env.ID, wireCode(ErrUpstream), "command result unavailable")
		return
	}
	resp := protocol.NewResponse(cl.sessionID, env.ID, string(payload), true)
	if err := cl.write(ctx, resp); err != nil {
		s.logger.Debug("ws: command response write failed", "client_id", cl.id, "error", err)
	}
}

// handleApprovalResponse attempts the one-way transition. The winner's
// outcome reaches every client of the session via the bus forwarder;
// losers get ApprovalConflict and nothing changes.
func (s *Server) handleApprovalResponse(ctx context.Context, cl *client, env protocol.Envelope) {
	var ar protocol.ApprovalResponse
	if err := protocol.DecodeData(env, &ar); err != nil {
		s.logger.Debug("ws: dropping malformed APPROVAL_RESPONSE data", "client_id", cl.id, "error", err)
		return
	}

	_, err := s.cfg.Approvals.Resolve(ctx, ar.RequestID, ar.Approve, ar.Reason)
	if err != nil {
		if errors.Is(err, approvals.ErrConflict) {
			s.sendError(ctx, cl, env.ID, wireCode(err),
				fmt.Sprintf("approval %s already resolved or unknown", ar.RequestID))
			return
		}
		s.logger.Error("ws: approval resolution failed", "request_id", ar.RequestID, "error", err)
		s.sendError(ctx, cl, env.ID, wireCode(ErrUpstream), "approval resolution failed")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ApprovalsResolved.Add(ctx, 1)
	}
}

// sendError reports a failure to the offending sender only. Every
// message passes the same redaction filter as the logs.
func (s *Server) sendError(ctx context.Context, cl *client, replyTo, code, message string) {
	env := protocol.NewError(replyTo, cl.sessionID, code, shared.Redact(message))
	if err := cl.write(ctx, env); err != nil {
		s.logger.Debug("ws: error write failed", "client_id", cl.id, "error", err)
	}
}

// forwardBusEvents relays agent output to clients. Chunks and events go
// to every connection mapped to the session; if none is connected the
// chunk is dropped, not queued. Reconnecting clients recover by
// re-fetching history.
func (s *Server) forwardBusEvents(ctx context.Context) {
	defer s.wg.Done()
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.dispatchBusEvent(ctx, ev)
		}
	}
}

func (s *Server) dispatchBusEvent(ctx context.Context, ev bus.Event) {
	switch {
	case strings.HasPrefix(ev.Topic, bus.TopicSessionChunk):
		chunk, ok := ev.Payload.(bus.ChunkEvent)
		if !ok {
			return
		}
		env := protocol.NewResponse(chunk.SessionID, chunk.ReplyTo, chunk.Content, chunk.Done)
		n := s.sendToSession(ctx, chunk.SessionID, env)
		if s.cfg.Metrics != nil && n > 0 {
			s.cfg.Metrics.ChunksFannedOut.Add(ctx, int64(n))
		}
		if chunk.Done {
			// Persist the assistant turn once, at the terminal chunk.
			if err := s.cfg.Store.AppendTurn(ctx, chunk.SessionID, "assistant", chunk.Content); err != nil {
				s.logger.Error("ws: persist assistant turn failed",
					"session_id", chunk.SessionID, "error", err)
			}
			s.touchLive(chunk.SessionID)
		}

	case strings.HasPrefix(ev.Topic, bus.TopicSessionEvent):
		prog, ok := ev.Payload.(bus.ProgressEvent)
		if !ok {
			return
		}
		s.sendToSession(ctx, prog.SessionID, protocol.NewEvent(prog.SessionID, prog.Event, prog.Payload))

	case ev.Topic == bus.TopicApprovalRequested:
		appr, ok := ev.Payload.(bus.ApprovalEvent)
		if !ok {
			return
		}
		s.sendToSession(ctx, appr.SessionID,
			protocol.NewApprovalRequest(appr.SessionID, appr.RequestID, appr.ToolName, appr.Description, appr.Params))

	case ev.Topic == bus.TopicApprovalResolved:
		appr, ok := ev.Payload.(bus.ApprovalEvent)
		if !ok {
			return
		}
		if s.cfg.Metrics != nil && appr.Reason == "timeout" {
			s.cfg.Metrics.ApprovalsTimedOut.Add(ctx, 1)
		}
		s.sendToSession(ctx, appr.SessionID, protocol.NewEvent(appr.SessionID, protocol.EventApprovalResolved, map[string]any{
			"request_id": appr.RequestID,
			"tool_name":  appr.ToolName,
			"status":     appr.Status,
			"reason":     appr.Reason,
		}))

	case ev.Topic == bus.TopicSessionCreated:
		sess, ok := ev.Payload.(persistence.Session)
		if !ok {
			return
		}
		s.sendToSession(ctx, sess.SessionID, protocol.NewEvent(sess.SessionID, protocol.EventSessionCreated, map[string]any{
			"session_id": sess.SessionID,
			"channel":    sess.Channel,
			"user_id":    sess.UserID,
		}))

	case ev.Topic == bus.TopicSystemShutdown:
		s.broadcast(ctx, protocol.NewEvent("", protocol.EventSystemShutdown, nil))

	case ev.Topic == bus.TopicSystemConfigReloaded:
		s.broadcast(ctx, protocol.NewEvent("", protocol.EventSystemConfigReloaded, nil))
	}
}

// sendToSession delivers env to all clients of the session. Writes run
// concurrently so one stalled connection costs its own write timeout,
// not everyone's; a failed send is logged and skipped. Returns the
// number of successful deliveries.
func (s *Server) sendToSession(ctx context.Context, sessionID string, env protocol.Envelope) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.bySession[sessionID]))
	for cl := range s.bySession[sessionID] {
		targets = append(targets, cl)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	var delivered atomic.Int64
	for _, cl := range targets {
		wg.Add(1)
		go func(cl *client) {
			defer wg.Done()
			if err := cl.write(ctx, env); err != nil {
				s.logger.Debug("ws: session fan-out write failed",
					"client_id", cl.id, "session_id", sessionID, "error", err)
				return
			}
			delivered.Add(1)
		}(cl)
	}
	wg.Wait()
	return int(delivered.Load())
}

// broadcast delivers env to every connected client, concurrently for
// the same reason as sendToSession.
func (s *Server) broadcast(ctx context.Context, env protocol.Envelope) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		targets = append(targets, cl)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, cl := range targets {
		wg.Add(1)
		go func(cl *client) {
			defer wg.Done()
			if err := cl.write(ctx, env); err != nil {
				s.logger.Debug("ws: broadcast write failed", "client_id", cl.id, "error", err)
			}
		}(cl)
	}
	wg.Wait()
}

// idleSweepLoop periodically evicts idle sessions from the live
// registry. Sessions with a connected client are skipped; durable
// history is never touched.
func (s *Server) idleSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweepIdle(time.Now()); n > 0 {
				s.logger.Info("ws: idle sweep evicted sessions", "count", n)
			}
		}
	}
}

func (s *Server) sweepIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for sessionID, lastActive := range s.live {
		if now.Sub(lastActive) <= s.cfg.IdleThreshold {
			continue
		}
		if len(s.bySession[sessionID]) > 0 {
			continue
		}
		delete(s.live, sessionID)
		evicted++
	}
	return evicted
}
