// Package schedules runs durable cron entries: when one comes due its
// goal is injected into the owning session as if the user had typed it.
package schedules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/hearth-agent/hearth/internal/persistence"
	"github.com/hearth-agent/hearth/internal/protocol"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter hands a goal to the agent core. Satisfied by the gateway's
// AgentCore implementations.
type Submitter interface {
	Submit(ctx context.Context, sessionID, requestID, goal string) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Core     Submitter
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and fires
// each one.
type Scheduler struct {
	store    *persistence.Store
	core     Submitter
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		core:     cfg.Core,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedules: scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedules: scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("schedules: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire injects the schedule's goal as a user turn and submits it to the
// agent core, then advances the run timestamps. The run timestamps
// advance even when submission fails so a broken goal cannot fire on
// every tick.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("schedules: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("schedules: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	if err := s.store.AppendTurn(ctx, sched.SessionID, "user", sched.Goal); err != nil {
		s.logger.Error("schedules: failed to persist scheduled goal",
			"schedule_id", sched.ID,
			"session_id", sched.SessionID,
			"error", err,
		)
		return
	}
	requestID := protocol.NewID()
	if err := s.core.Submit(ctx, sched.SessionID, requestID, sched.Goal); err != nil {
		s.logger.Error("schedules: agent core rejected scheduled goal",
			"schedule_id", sched.ID,
			"session_id", sched.SessionID,
			"error", err,
		)
		return
	}

	s.logger.Info("schedules: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"request_id", requestID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
