package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-agent/hearth/internal/config"
	"github.com/hearth-agent/hearth/internal/otel"
	"github.com/hearth-agent/hearth/internal/persistence"
	"github.com/hearth-agent/hearth/internal/schedules"
)

// commandFunc handles one COMMAND verb. The returned value is
// marshalled into the RESPONSE content.
type commandFunc func(ctx context.Context, s *Server, cl *client, args map[string]any) (any, error)

func builtinCommands() map[string]commandFunc {
	return map[string]commandFunc{
		"status":            cmdStatus,
		"capabilities":      cmdCapabilities,
		"sessions.list":     cmdSessionsList,
		"sessions.clear":    cmdSessionsClear,
		"history":           cmdHistory,
		"approvals.pending": cmdApprovalsPending,
		"schedules.list":    cmdSchedulesList,
		"schedules.add":     cmdSchedulesAdd,
		"schedules.remove":  cmdSchedulesRemove,
		"config.get":        cmdConfigGet,
		"config.set":        cmdConfigSet,
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func cmdStatus(_ context.Context, s *Server, _ *client, _ map[string]any) (any, error) {
	return map[string]any{
		"version":        otel.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"clients":        s.ClientCount(),
		"live_sessions":  s.LiveSessionCount(),
		"max_sessions":   s.cfg.MaxSessions,
		"approval_mode":  s.cfg.Approvals.Mode(),
		"unified":        s.cfg.Unified,
	}, nil
}

func cmdCapabilities(_ context.Context, s *Server, _ *client, _ map[string]any) (any, error) {
	verbs := make([]string, 0, len(s.commands))
	for verb := range s.commands {
		verbs = append(verbs, verb)
	}
	return map[string]any{"commands": verbs}, nil
}

func cmdSessionsList(ctx context.Context, s *Server, _ *client, _ map[string]any) (any, error) {
	sessions, err := s.cfg.Store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

// cmdHistory returns the caller's turn history, oldest first. A
// session_id argument lets admin front-ends inspect other sessions.
func cmdHistory(ctx context.Context, s *Server, cl *client, args map[string]any) (any, error) {
	sessionID := stringArg(args, "session_id")
	if sessionID == "" {
		sessionID = cl.sessionID
	}
	limit := intArg(args, "limit", s.cfg.HistoryLimit)
	turns, err := s.cfg.Store.History(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sessionID, "turns": turns}, nil
}

// cmdSessionsClear archives the caller's history. The rows stay in the
// store; subsequent history reads just no longer include them.
func cmdSessionsClear(ctx context.Context, s *Server, cl *client, args map[string]any) (any, error) {
	sessionID := stringArg(args, "session_id")
	if sessionID == "" {
		sessionID = cl.sessionID
	}
	if err := s.cfg.Store.ArchiveTurns(ctx, sessionID); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sessionID, "cleared": true}, nil
}

func cmdApprovalsPending(ctx context.Context, s *Server, _ *client, _ map[string]any) (any, error) {
	pending, err := s.cfg.Approvals.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"approvals": pending}, nil
}

func cmdSchedulesList(ctx context.Context, s *Server, _ *client, _ map[string]any) (any, error) {
	scheds, err := s.cfg.Store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedules": scheds}, nil
}

func cmdSchedulesAdd(ctx context.Context, s *Server, cl *client, args map[string]any) (any, error) {
	name := stringArg(args, "name")
	cronExpr := stringArg(args, "cron_expr")
	goal := stringArg(args, "goal")
	if name == "" || cronExpr == "" || goal == "" {
		return nil, fmt.Errorf("schedules.add requires name, cron_expr and goal")
	}
	sessionID := stringArg(args, "session_id")
	if sessionID == "" {
		sessionID = cl.sessionID
	}

	next, err := schedules.NextRunTime(cronExpr, time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	sched := persistence.Schedule{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		CronExpr:  cronExpr,
		Goal:      goal,
		Enabled:   true,
		NextRunAt: &next,
	}
	if err := s.cfg.Store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return map[string]any{"id": sched.ID, "next_run_at": next}, nil
}

func cmdSchedulesRemove(ctx context.Context, s *Server, _ *client, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	if id == "" {
		return nil, fmt.Errorf("schedules.remove requires id")
	}
	if err := s.cfg.Store.DeleteSchedule(ctx, id); err != nil {
		if persistence.IsNotFound(err) {
			return nil, fmt.Errorf("schedule %s not found", id)
		}
		return nil, err
	}
	return map[string]any{"id": id, "removed": true}, nil
}

// cmdConfigGet returns the on-disk config with secrets masked.
func cmdConfigGet(_ context.Context, s *Server, _ *client, _ map[string]any) (any, error) {
	view, err := config.RedactedView(s.cfg.HomeDir)
	if err != nil {
		return nil, err
	}
	return map[string]any{"config": view}, nil
}

// cmdConfigSet edits one dotted key in config.yaml. The running process
// picks the change up through the config watcher.
func cmdConfigSet(_ context.Context, s *Server, _ *client, args map[string]any) (any, error) {
	key := stringArg(args, "key")
	if key == "" {
		return nil, fmt.Errorf("config.set requires key")
	}
	value, ok := args["value"]
	if !ok {
		return nil, fmt.Errorf("config.set requires value")
	}
	if err := config.SetValue(s.cfg.HomeDir, key, value); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "updated": true}, nil
}
