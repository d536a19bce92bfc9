package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule is a durable cron entry that injects a goal into its session
// when it fires.
type Schedule struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Goal      string     `json:"goal"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateSchedule inserts a schedule with its first computed run time.
func (s *Store) CreateSchedule(ctx context.Context, sched Schedule) error {
	var next any
	if sched.NextRunAt != nil {
		next = sched.NextRunAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, session_id, name, cron_expr, goal, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, sched.ID, sched.SessionID, sched.Name, sched.CronExpr, sched.Goal, sched.Enabled, next)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	})
}

// DeleteSchedule removes a schedule by id. Returns sql.ErrNoRows when
// the id is unknown.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListSchedules returns all schedules, newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, cron_expr, goal, enabled, last_run_at, next_run_at, created_at
		FROM schedules
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DueSchedules returns enabled schedules whose next run is at or before
// now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, cron_expr, goal, enabled, last_run_at, next_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// UpdateScheduleRun records a firing and the next computed run time.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
	`, ranAt.UTC(), nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.SessionID, &sched.Name, &sched.CronExpr, &sched.Goal, &sched.Enabled, &lastRun, &nextRun, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
