package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-agent/hearth/internal/bus"
)

// UnifiedChannel is the stored channel value when unified mode merges a
// user's sessions across channels. The UNIQUE(channel, user_id)
// constraint then enforces one row per user.
const UnifiedChannel = "unified"

// Session is one durable conversational context.
type Session struct {
	SessionID  string    `json:"session_id"`
	Channel    string    `json:"channel"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Metadata   string    `json:"metadata"`
}

// Turn is one conversation entry, ordered by insertion.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionKey returns the storage channel for a (channel, user) pair
// under the given mode.
func SessionKey(channel string, unified bool) string {
	if unified {
		return UnifiedChannel
	}
	return channel
}

// ResolveSession finds or creates the durable session for the pair.
// Returns the session and whether it was created by this call. Racing
// resolvers converge on the same row via the unique constraint.
func (s *Store) ResolveSession(ctx context.Context, channel, userID string, unified bool) (Session, bool, error) {
	channel = SessionKey(channel, unified)
	if strings.TrimSpace(userID) == "" {
		return Session{}, false, fmt.Errorf("resolve session: empty user_id")
	}

	sessionID := uuid.NewString()
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, channel, user_id)
			VALUES (?, ?, ?)
			ON CONFLICT(channel, user_id) DO NOTHING;
		`, sessionID, channel, userID)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		created = n > 0
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}

	sess, err := s.sessionByKey(ctx, channel, userID)
	if err != nil {
		return Session{}, false, err
	}
	if created && s.bus != nil {
		s.bus.Publish(bus.TopicSessionCreated, sess)
	}
	return sess, created, nil
}

func (s *Store) sessionByKey(ctx context.Context, channel, userID string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, channel, user_id, created_at, last_active, metadata
		FROM sessions
		WHERE channel = ? AND user_id = ?;
	`, channel, userID).Scan(&sess.SessionID, &sess.Channel, &sess.UserID, &sess.CreatedAt, &sess.LastActive, &sess.Metadata)
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, channel, user_id, created_at, last_active, metadata
		FROM sessions
		WHERE session_id = ?;
	`, sessionID).Scan(&sess.SessionID, &sess.Channel, &sess.UserID, &sess.CreatedAt, &sess.LastActive, &sess.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// TouchSession bumps last_active.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active = CURRENT_TIMESTAMP WHERE session_id = ?;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// AppendTurn stores one conversation entry and bumps last_active in the
// same transaction, so a chat is never half-persisted.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (session_id, role, content)
			VALUES (?, ?, ?);
		`, sessionID, role, content); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET last_active = CURRENT_TIMESTAMP WHERE session_id = ?;
		`, sessionID); err != nil {
			return fmt.Errorf("bump last_active: %w", err)
		}
		return tx.Commit()
	})
}

// History returns the session's non-archived turns in original order.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM turns
		WHERE session_id = ? AND archived_at IS NULL
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn rows: %w", err)
	}
	return out, nil
}

// ArchiveTurns marks all current turns archived. The rows stay in the
// database; History simply stops returning them.
func (s *Store) ArchiveTurns(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE turns
		SET archived_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND archived_at IS NULL;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("archive turns: %w", err)
	}
	return nil
}

// ListSessions returns all sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, channel, user_id, created_at, last_active, metadata
		FROM sessions
		ORDER BY last_active DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.SessionID, &sess.Channel, &sess.UserID, &sess.CreatedAt, &sess.LastActive, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// SetSessionMetadata replaces the session's metadata JSON blob.
func (s *Store) SetSessionMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	b, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET metadata = ? WHERE session_id = ?;
	`, string(b), sessionID)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// CountTurns returns the number of non-archived turns for a session.
func (s *Store) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM turns WHERE session_id = ? AND archived_at IS NULL;
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return count, nil
}
