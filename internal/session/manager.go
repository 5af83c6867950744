package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager is the session lifecycle service (C2): it owns the in-memory
// working copy of every live Session plus a Backend for durability
// across resumes, grounded on the original session_manager_service's
// create/get/resume/end/cleanup surface.
type Manager struct {
	backend       Backend
	logger        *zap.Logger
	maxAge        time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a Manager over backend, with maxAge used by Resume
// and CleanupExpired when the caller doesn't supply its own, and
// sweepInterval passed to the backend's own background expiry sweep
// when Start is called.
func NewManager(backend Backend, logger *zap.Logger, maxAge time.Duration, sweepInterval time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:       backend,
		logger:        logger,
		maxAge:        maxAge,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*Session),
	}
}

// Start launches the backend's background expiry sweep (spec.md §4.2).
// Call once per Manager lifetime; paired with Stop.
func (m *Manager) Start(ctx context.Context) error {
	return m.backend.Start(ctx, m.maxAge, m.sweepInterval)
}

// Stop halts the backend's background expiry sweep started by Start.
func (m *Manager) Stop() error {
	return m.backend.Stop()
}

// Create starts a new session in the initiated state and persists it.
func (m *Manager) Create(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[conversationID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	s := New(conversationID)
	m.sessions[conversationID] = s
	m.mu.Unlock()

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Debug("session created", zap.String("conversation_id", conversationID))
	return s, nil
}

// Get returns the live session for conversationID, loading it from the
// backend (and rehydrating the working copy) if it isn't already held
// in memory.
func (m *Manager) Get(ctx context.Context, conversationID string) (*Session, bool, error) {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if ok {
		return s, true, nil
	}

	data, found, err := m.backend.Retrieve(ctx, conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("session: get %s: %w", conversationID, err)
	}
	if !found {
		return nil, false, nil
	}

	s, err = Unmarshal(data, func(msg string) {
		m.logger.Warn("session restore warning", zap.String("conversation_id", conversationID), zap.String("detail", msg))
	})
	if err != nil {
		return nil, false, fmt.Errorf("session: get %s: %w", conversationID, err)
	}

	m.mu.Lock()
	m.sessions[conversationID] = s
	m.mu.Unlock()
	return s, true, nil
}

// Resume loads conversationID (from memory or the backend), validates
// it is resumable per its own status and the manager's max age, bumps
// its resume counter, and moves it to active.
func (m *Manager) Resume(ctx context.Context, conversationID string) (*Session, error) {
	s, found, err := m.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("session: resume %s: %w", conversationID, ErrNotFound)
	}
	if !s.CanResume(m.maxAge) {
		return nil, fmt.Errorf("session: resume %s: %w", conversationID, ErrNotResumable)
	}

	s.mu.Lock()
	s.ResumedCount++
	s.mu.Unlock()
	s.UpdateStatus(StatusActive)

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("session resumed", zap.String("conversation_id", conversationID), zap.Int("resumed_count", s.ResumedCount))
	return s, nil
}

// End transitions the session to ended and persists the final state.
// The working copy is kept until Delete so late-arriving writes (e.g.
// recorder flush) still have somewhere to land.
func (m *Manager) End(ctx context.Context, conversationID string) error {
	s, found, err := m.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	s.UpdateStatus(StatusEnded)
	return m.persist(ctx, s)
}

// Delete removes a session from both the working set and the backend.
func (m *Manager) Delete(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	delete(m.sessions, conversationID)
	m.mu.Unlock()

	if _, err := m.backend.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("session: delete %s: %w", conversationID, err)
	}
	return nil
}

// Persist writes the current in-memory state of conversationID to the
// backend without changing its status. Callers that mutate a Session
// directly (adding conversation items, function calls, audio frames)
// are expected to call this periodically or on completion of the unit
// of work, rather than on every single mutation.
func (m *Manager) Persist(ctx context.Context, conversationID string) error {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: persist %s: %w", conversationID, ErrNotFound)
	}
	return m.persist(ctx, s)
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := m.backend.Store(ctx, s.ConversationID, data); err != nil {
		return fmt.Errorf("session: store: %w", err)
	}
	return nil
}

// ListActive returns conversation IDs known to the backend.
func (m *Manager) ListActive(ctx context.Context) ([]string, error) {
	return m.backend.ListActive(ctx)
}

// CleanupExpired evicts sessions (working copies and backend records)
// whose last activity exceeds maxAge, using the manager default if
// maxAge is zero.
func (m *Manager) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = m.maxAge
	}

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.IsExpired(maxAge) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range expired {
		ok, err := m.backend.Delete(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("session: cleanup expired: %w", err)
		}
		if ok {
			removed++
		}
	}

	n, err := m.backend.CleanupExpired(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("session: cleanup expired: %w", err)
	}
	n += removed
	if n > 0 {
		m.logger.Info("cleaned up expired sessions", zap.Int("count", n))
	}
	return n, nil
}

// ValidationResult reports whether conversationID names a session that
// can be resumed, and why not when it can't, per spec.md §4.2's
// validate(id) contract.
type ValidationResult struct {
	Valid     bool
	Reason    string
	Resumable bool
}

// Validate reports whether conversationID names a known, resumable
// session, without mutating it. Valid mirrors Resumable today (the
// manager has only one notion of validity), kept distinct since a
// future check — e.g. schema version — could invalidate a session the
// state machine would otherwise allow to resume.
func (m *Manager) Validate(ctx context.Context, conversationID string) (ValidationResult, error) {
	s, found, err := m.Get(ctx, conversationID)
	if err != nil {
		return ValidationResult{}, err
	}
	if !found {
		return ValidationResult{Reason: "no session found for conversation id"}, nil
	}

	if !s.CanResume(m.maxAge) {
		s.mu.Lock()
		status := s.Status
		s.mu.Unlock()

		reason := fmt.Sprintf("session status %q cannot resume", status)
		if status != StatusEnded && status != StatusError && s.IsExpired(m.maxAge) {
			reason = "session exceeded max age"
		}
		return ValidationResult{Reason: reason}, nil
	}

	return ValidationResult{Valid: true, Resumable: true}, nil
}

// Stats returns backend-reported storage statistics augmented with the
// manager's in-memory working-set size.
func (m *Manager) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats, err := m.backend.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: stats: %w", err)
	}

	m.mu.RLock()
	inMemory := len(m.sessions)
	m.mu.RUnlock()

	stats["in_memory_working_set"] = inMemory
	return stats, nil
}
