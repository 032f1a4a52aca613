package session

import (
	"context"
	"sync"
	"time"

	"github.com/younfor/chat-work/internal/domain"
)

// DefaultMaxHistory bounds conversation history when no explicit cap
// is configured. Oldest turns are dropped first.
const DefaultMaxHistory = 20

// Store persists conversation sessions. Implementations are safe for
// concurrent use. Methods that reference a conversation create the
// session implicitly when it does not exist yet, mirroring how chat
// channels work: the first message in a chat is also what creates it.
type Store interface {
	// GetOrCreate returns a snapshot of the session, creating it when missing.
	GetOrCreate(ctx context.Context, conversationID string) (*domain.Session, error)

	// Append adds a turn and trims history to the configured cap.
	Append(ctx context.Context, conversationID string, turn domain.Turn) error

	// History returns a copy of the session's turns, oldest first.
	History(ctx context.Context, conversationID string) ([]domain.Turn, error)

	// Clear drops the session's history but keeps its auto-execute flag.
	Clear(ctx context.Context, conversationID string) error

	// SetAutoExecute flips the session's auto-execute flag.
	SetAutoExecute(ctx context.Context, conversationID string, on bool) error

	// AutoExecute reports the session's auto-execute flag.
	AutoExecute(ctx context.Context, conversationID string) (bool, error)

	// List returns snapshots of all sessions, unordered.
	List(ctx context.Context) ([]domain.Session, error)

	// Close releases any underlying resources.
	Close() error
}

// MemoryStore is the default Store, keeping sessions in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.Session
	maxHistory  int
	autoDefault bool
}

// NewMemoryStore creates an in-memory session store. maxHistory <= 0
// selects DefaultMaxHistory. autoDefault seeds the auto-execute flag
// on newly created sessions.
func NewMemoryStore(maxHistory int, autoDefault bool) *MemoryStore {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &MemoryStore{
		sessions:    make(map[string]*domain.Session),
		maxHistory:  maxHistory,
		autoDefault: autoDefault,
	}
}

// getOrCreateLocked returns the live session, creating it if needed.
// Callers must hold mu.
func (s *MemoryStore) getOrCreateLocked(conversationID string) *domain.Session {
	if sess, ok := s.sessions[conversationID]; ok {
		return sess
	}
	now := time.Now()
	sess := &domain.Session{
		ConversationID: conversationID,
		AutoExecute:    s.autoDefault,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	s.sessions[conversationID] = sess
	return sess
}

func (s *MemoryStore) GetOrCreate(_ context.Context, conversationID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.getOrCreateLocked(conversationID)), nil
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, turn domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(conversationID)
	sess.History = append(sess.History, turn)
	if excess := len(sess.History) - s.maxHistory; excess > 0 {
		sess.History = append(sess.History[:0:0], sess.History[excess:]...)
	}
	sess.LastActiveAt = time.Now()
	return nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[conversationID]
	if !ok || len(sess.History) == 0 {
		return nil, nil
	}
	out := make([]domain.Turn, len(sess.History))
	copy(out, sess.History)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok {
		return nil
	}
	sess.History = nil
	sess.LastActiveAt = time.Now()
	return nil
}

func (s *MemoryStore) SetAutoExecute(_ context.Context, conversationID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(conversationID)
	sess.AutoExecute = on
	sess.LastActiveAt = time.Now()
	return nil
}

func (s *MemoryStore) AutoExecute(_ context.Context, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[conversationID]; ok {
		return sess.AutoExecute, nil
	}
	return s.autoDefault, nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *snapshot(sess))
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// snapshot copies a session so callers never share the live slice.
func snapshot(sess *domain.Session) *domain.Session {
	cp := *sess
	if len(sess.History) > 0 {
		cp.History = make([]domain.Turn, len(sess.History))
		copy(cp.History, sess.History)
	}
	return &cp
}
