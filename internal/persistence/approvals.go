package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Approval statuses. pending is the only non-terminal state.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// ErrApprovalConflict is returned when a resolution targets an unknown
// or already-resolved request. The losing side of a race sees this; the
// row is unchanged.
var ErrApprovalConflict = errors.New("approval already resolved or unknown")

// ApprovalRecord is one row of the approval queue.
type ApprovalRecord struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	ToolName    string     `json:"tool_name"`
	Description string     `json:"description"`
	Params      string     `json:"params"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// ParamsMap decodes the params JSON blob.
func (r ApprovalRecord) ParamsMap() map[string]any {
	var m map[string]any
	_ = json.Unmarshal([]byte(r.Params), &m)
	return m
}

// CreateApproval inserts a pending request. The write is durable before
// the caller starts waiting, so a crash never loses a pending request.
func (s *Store) CreateApproval(ctx context.Context, id, sessionID, toolName, description string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal approval params: %w", err)
	}
	if params == nil {
		paramsJSON = []byte("{}")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approval_queue (id, session_id, tool_name, description, params)
			VALUES (?, ?, ?, ?, ?);
		`, id, sessionID, toolName, description, string(paramsJSON))
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return nil
	})
}

// ResolveApproval performs the one-way pending → approved|denied
// transition. The WHERE clause on status is the compare-and-set: under
// racing resolutions exactly one UPDATE hits the row and every other
// caller gets ErrApprovalConflict with no side effect.
func (s *Store) ResolveApproval(ctx context.Context, id, status, reason string) error {
	switch status {
	case ApprovalApproved, ApprovalDenied:
	default:
		return fmt.Errorf("invalid resolution status %q", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approval_queue
			SET status = ?, reason = ?, resolved_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, status, reason, id, ApprovalPending)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrApprovalConflict
		}
		return nil
	})
}

// GetApproval loads a request by id.
func (s *Store) GetApproval(ctx context.Context, id string) (ApprovalRecord, error) {
	var rec ApprovalRecord
	var sessionID, reason sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_name, description, params, status, reason, created_at, resolved_at
		FROM approval_queue
		WHERE id = ?;
	`, id).Scan(&rec.ID, &sessionID, &rec.ToolName, &rec.Description, &rec.Params, &rec.Status, &reason, &rec.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRecord{}, fmt.Errorf("approval %s: %w", id, ErrApprovalConflict)
	}
	if err != nil {
		return ApprovalRecord{}, fmt.Errorf("query approval: %w", err)
	}
	rec.SessionID = sessionID.String
	rec.Reason = reason.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}

// PendingApprovals returns all pending requests, oldest first.
func (s *Store) PendingApprovals(ctx context.Context) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, tool_name, description, params, status, reason, created_at, resolved_at
		FROM approval_queue
		WHERE status = ?
		ORDER BY created_at ASC;
	`, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var rec ApprovalRecord
		var sessionID, reason sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &sessionID, &rec.ToolName, &rec.Description, &rec.Params, &rec.Status, &reason, &rec.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		rec.SessionID = sessionID.String
		rec.Reason = reason.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			rec.ResolvedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval rows: %w", err)
	}
	return out, nil
}

// DenyStaleApprovals resolves every pending request created before the
// cutoff to denied with the given reason. Used on startup so requests
// orphaned by a crash don't pend forever. Returns the ids denied.
func (s *Store) DenyStaleApprovals(ctx context.Context, cutoff time.Time, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM approval_queue
		WHERE status = ? AND created_at < ?;
	`, ApprovalPending, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale approval: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale approval rows: %w", err)
	}

	var denied []string
	for _, id := range ids {
		if err := s.ResolveApproval(ctx, id, ApprovalDenied, reason); err != nil {
			if errors.Is(err, ErrApprovalConflict) {
				continue
			}
			return denied, err
		}
		denied = append(denied, id)
	}
	return denied, nil
}
