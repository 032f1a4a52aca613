package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/session"
)

// SessionStore implements session.Store backed by SQLite, so that
// conversation history survives a restart.
type SessionStore struct {
	db          *DB
	maxHistory  int
	autoDefault bool
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore creates a session store using the given database.
// maxHistory <= 0 selects session.DefaultMaxHistory. autoDefault seeds
// the auto-execute flag on newly created sessions.
func NewSessionStore(db *DB, maxHistory int, autoDefault bool) *SessionStore {
	if maxHistory <= 0 {
		maxHistory = session.DefaultMaxHistory
	}
	return &SessionStore{db: db, maxHistory: maxHistory, autoDefault: autoDefault}
}

// GetOrCreate returns the session for a conversation, creating it when missing.
func (s *SessionStore) GetOrCreate(ctx context.Context, conversationID string) (*domain.Session, error) {
	sess, err := s.get(ctx, conversationID)
	if err == nil {
		sess.History, err = s.History(ctx, conversationID)
		return sess, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	auto := 0
	if s.autoDefault {
		auto = 1
	}
	_, err = s.db.sql.ExecContext(ctx,
		`INSERT INTO sessions (conversation_id, auto_execute, created_at, last_active_at)
		 VALUES (?, ?, ?, ?)`,
		conversationID, auto, now.Format(time.DateTime), now.Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", conversationID, err)
	}

	return &domain.Session{
		ConversationID: conversationID,
		AutoExecute:    s.autoDefault,
		CreatedAt:      now,
		LastActiveAt:   now,
	}, nil
}

// Append adds a turn and trims the oldest rows past the history cap.
func (s *SessionStore) Append(ctx context.Context, conversationID string, turn domain.Turn) error {
	if _, err := s.GetOrCreate(ctx, conversationID); err != nil {
		return err
	}

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		conversationID, turn.Role, turn.Content, ts.Format(time.DateTime),
	); err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}

	// Keep only the newest maxHistory turns.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM turns WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		)`,
		conversationID, conversationID, s.maxHistory,
	); err != nil {
		return fmt.Errorf("trimming history: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE conversation_id = ?`,
		time.Now().Format(time.DateTime), conversationID,
	); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	return tx.Commit()
}

// History returns the conversation's turns, oldest first.
func (s *SessionStore) History(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT role, content, created_at FROM turns WHERE conversation_id = ? ORDER BY id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var ts string
		if err := rows.Scan(&turn.Role, &turn.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turn.Timestamp, _ = time.Parse(time.DateTime, ts)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Clear drops the session's history but keeps its auto-execute flag.
func (s *SessionStore) Clear(ctx context.Context, conversationID string) error {
	if _, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM turns WHERE conversation_id = ?`, conversationID,
	); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	_, err := s.db.sql.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE conversation_id = ?`,
		time.Now().Format(time.DateTime), conversationID,
	)
	return err
}

// SetAutoExecute flips the session's auto-execute flag.
func (s *SessionStore) SetAutoExecute(ctx context.Context, conversationID string, on bool) error {
	if _, err := s.GetOrCreate(ctx, conversationID); err != nil {
		return err
	}
	val := 0
	if on {
		val = 1
	}
	_, err := s.db.sql.ExecContext(ctx,
		`UPDATE sessions SET auto_execute = ?, last_active_at = ? WHERE conversation_id = ?`,
		val, time.Now().Format(time.DateTime), conversationID,
	)
	return err
}

// AutoExecute reports the session's auto-execute flag.
func (s *SessionStore) AutoExecute(ctx context.Context, conversationID string) (bool, error) {
	var val int
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT auto_execute FROM sessions WHERE conversation_id = ?`, conversationID,
	).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return s.autoDefault, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading auto_execute: %w", err)
	}
	return val != 0, nil
}

// List returns all sessions without their histories, most recent first.
func (s *SessionStore) List(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT conversation_id, auto_execute, created_at, last_active_at
		 FROM sessions ORDER BY last_active_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var auto int
		var createdAt, lastActiveAt string
		if err := rows.Scan(&sess.ConversationID, &auto, &createdAt, &lastActiveAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.AutoExecute = auto != 0
		sess.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		sess.LastActiveAt, _ = time.Parse(time.DateTime, lastActiveAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// get loads a session row without its history.
func (s *SessionStore) get(ctx context.Context, conversationID string) (*domain.Session, error) {
	var sess domain.Session
	var auto int
	var createdAt, lastActiveAt string

	err := s.db.sql.QueryRowContext(ctx,
		`SELECT conversation_id, auto_execute, created_at, last_active_at
		 FROM sessions WHERE conversation_id = ?`, conversationID,
	).Scan(&sess.ConversationID, &auto, &createdAt, &lastActiveAt)
	if err != nil {
		return nil, err
	}

	sess.AutoExecute = auto != 0
	sess.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	sess.LastActiveAt, _ = time.Parse(time.DateTime, lastActiveAt)
	return &sess, nil
}
