// Package approvals implements the human-approval workflow gating
// sensitive tool calls. Requests are durable rows in the approval queue;
// the pending → approved|denied transition is a database compare-and-set
// so exactly one resolution wins regardless of how many channels race.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-agent/hearth/internal/bus"
	"github.com/hearth-agent/hearth/internal/persistence"
	"github.com/hearth-agent/hearth/internal/shared"
)

// Permission modes.
const (
	ModeAskAlways = "ask_always"
	ModeSmartAuto = "smart_auto"
	ModeFullAuto  = "full_auto"
)

// Tier classifies how dangerous a tool call is. smart_auto only asks
// for destructive and critical actions.
type Tier int

const (
	TierRoutine Tier = iota
	TierDestructive
	TierCritical
)

// ErrNotApproved is returned when a request resolves to denied,
// including the timeout auto-deny.
var ErrNotApproved = errors.New("action not approved")

// ErrConflict mirrors the store's conflict error for callers that don't
// import persistence.
var ErrConflict = persistence.ErrApprovalConflict

const defaultTimeout = 60 * time.Second

// Request describes a tool call awaiting confirmation.
type Request struct {
	SessionID   string
	ToolName    string
	Description string
	Params      map[string]any
	Tier        Tier
}

// Decision is the outcome observed by the suspended caller.
type Decision struct {
	RequestID string
	Status    string
	Reason    string
}

// Approved reports whether the decision allows the tool call.
func (d Decision) Approved() bool {
	return d.Status == persistence.ApprovalApproved
}

// Config holds the queue's dependencies.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Mode    string
	Timeout time.Duration
}

// Queue mediates between the tool executor (which blocks in Await) and
// the gateway (which calls Resolve on behalf of clients).
type Queue struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	mode    string
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan Decision
}

func New(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAskAlways
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Queue{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		mode:    mode,
		timeout: timeout,
		waiters: make(map[string]chan Decision),
	}
}

// Mode returns the active permission mode.
func (q *Queue) Mode() string {
	return q.mode
}

// requiresConfirmation applies the permission mode to the tier.
func (q *Queue) requiresConfirmation(tier Tier) bool {
	switch q.mode {
	case ModeFullAuto:
		return false
	case ModeSmartAuto:
		return tier >= TierDestructive
	default:
		return true
	}
}

// Await creates an approval request when the active mode demands one and
// suspends the calling task until resolution or timeout. Under full_auto
// (or routine tiers in smart_auto) it returns an immediate approval but
// still audit-logs the action. The suspension belongs to the tool
// executor's task: a client disconnecting neither cancels nor resolves
// it.
func (q *Queue) Await(ctx context.Context, req Request) (Decision, error) {
	if !q.requiresConfirmation(req.Tier) {
		q.audit(ctx, req.SessionID, req.ToolName, "allow", "auto: "+q.mode)
		return Decision{Status: persistence.ApprovalApproved, Reason: "auto"}, nil
	}

	id := uuid.NewString()
	if err := q.store.CreateApproval(ctx, id, req.SessionID, req.ToolName, req.Description, req.Params); err != nil {
		return Decision{}, fmt.Errorf("create approval: %w", err)
	}

	ch := make(chan Decision, 1)
	q.mu.Lock()
	q.waiters[id] = ch
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
			RequestID:   id,
			SessionID:   req.SessionID,
			ToolName:    req.ToolName,
			Description: req.Description,
			Params:      req.Params,
			Status:      persistence.ApprovalPending,
		})
	}
	q.logger.Info("approval requested",
		"request_id", id,
		"session_id", req.SessionID,
		"tool", req.ToolName,
		"timeout", q.timeout,
	)

	go q.timeoutDeny(id, q.timeout)

	select {
	case d := <-ch:
		if !d.Approved() {
			return d, fmt.Errorf("%w: %s", ErrNotApproved, d.Reason)
		}
		return d, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.waiters, id)
		q.mu.Unlock()
		return Decision{RequestID: id}, ctx.Err()
	}
}

// timeoutDeny auto-denies the request after the deadline. A user
// resolution that already won the compare-and-set makes this a no-op.
func (q *Queue) timeoutDeny(id string, after time.Duration) {
	time.Sleep(after)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := q.resolve(ctx, id, false, "timeout")
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			q.logger.Error("approval timeout deny failed", "request_id", id, "error", err)
		}
		return
	}
	q.logger.Info("approval timed out", "request_id", id, "tool", rec.ToolName)
}

// Resolve applies a user decision to the named request. Exactly one
// resolution wins; losers get ErrConflict with no state change. The
// winning resolution wakes the suspended caller, publishes the outcome
// on the bus, and audit-logs it.
func (q *Queue) Resolve(ctx context.Context, id string, approve bool, reason string) (persistence.ApprovalRecord, error) {
	return q.resolve(ctx, id, approve, reason)
}

func (q *Queue) resolve(ctx context.Context, id string, approve bool, reason string) (persistence.ApprovalRecord, error) {
	status := persistence.ApprovalDenied
	decision := "deny"
	if approve {
		status = persistence.ApprovalApproved
		decision = "allow"
	}

	if err := q.store.ResolveApproval(ctx, id, status, reason); err != nil {
		return persistence.ApprovalRecord{}, err
	}
	rec, err := q.store.GetApproval(ctx, id)
	if err != nil {
		return persistence.ApprovalRecord{}, err
	}

	q.mu.Lock()
	ch, ok := q.waiters[id]
	if ok {
		delete(q.waiters, id)
	}
	q.mu.Unlock()
	if ok {
		ch <- Decision{RequestID: id, Status: status, Reason: reason}
	}

	if q.bus != nil {
		q.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalEvent{
			RequestID:   rec.ID,
			SessionID:   rec.SessionID,
			ToolName:    rec.ToolName,
			Description: rec.Description,
			Status:      rec.Status,
			Reason:      rec.Reason,
		})
	}
	q.audit(ctx, rec.SessionID, rec.ToolName, decision, reason)
	q.logger.Info("approval resolved",
		"request_id", id,
		"status", status,
		"reason", shared.Redact(reason),
	)
	return rec, nil
}

// Pending returns all pending requests, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]persistence.ApprovalRecord, error) {
	return q.store.PendingApprovals(ctx)
}

// Get loads one request.
func (q *Queue) Get(ctx context.Context, id string) (persistence.ApprovalRecord, error) {
	return q.store.GetApproval(ctx, id)
}

// Recover handles rows left pending by a previous process: anything
// older than the timeout is denied with reason "timeout"; fresher rows
// get a deny timer for their remaining lifetime. The original waiters
// died with the old process, so resolution only produces broadcasts.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	denied, err := q.store.DenyStaleApprovals(ctx, time.Now().Add(-q.timeout), "timeout")
	if err != nil {
		return 0, fmt.Errorf("deny stale approvals: %w", err)
	}

	pending, err := q.store.PendingApprovals(ctx)
	if err != nil {
		return len(denied), fmt.Errorf("list pending approvals: %w", err)
	}
	now := time.Now()
	for _, rec := range pending {
		remaining := q.timeout - now.Sub(rec.CreatedAt)
		if remaining < 0 {
			remaining = 0
		}
		go q.timeoutDeny(rec.ID, remaining)
	}
	if len(denied) > 0 || len(pending) > 0 {
		q.logger.Info("approval recovery", "denied_stale", len(denied), "rearmed", len(pending))
	}
	return len(denied), nil
}

func (q *Queue) audit(ctx context.Context, sessionID, tool, decision, reason string) {
	if err := q.store.RecordAudit(ctx, shared.TraceID(ctx), "session:"+sessionID, tool, decision, shared.Redact(reason)); err != nil {
		q.logger.Error("audit write failed", "error", err)
	}
}
