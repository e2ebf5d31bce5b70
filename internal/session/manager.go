package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

var (
	// ErrSessionNotFound is returned when no session matches the id or name.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned on duplicate create.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidName is returned for names that are empty or contain
	// reserved characters.
	ErrInvalidName = errors.New("invalid session name")
)

// ValidateName rejects empty names and names containing ':' or '.',
// which are reserved for addressing.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, ":.") {
		return fmt.Errorf("%w: name %q must not contain ':' or '.'", ErrInvalidName, name)
	}
	return nil
}

// Manager owns the session pool. The pool itself is a map behind a lock;
// each session serializes its own operations through its own mutex, so
// callers hold cheap shared handles.
type Manager struct {
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session id
	byName   map[string]string   // name -> id
}

// NewManager creates an empty session pool.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
		byName:   make(map[string]string),
	}
}

// CreateSession inserts a new session atomically. Duplicate names are
// rejected. The backend is not spawned until Start.
func (m *Manager) CreateSession(name string, cfg Config) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("session %q: %w", name, ErrSessionExists)
	}

	s := New(name, cfg, m.logger)
	m.sessions[s.ID] = s
	m.byName[name] = s.ID

	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("session_name", name))
	return s, nil
}

// RestoreSession inserts a session with externally supplied identity and
// creation timestamp, used when rebuilding the pool from the registry.
func (m *Manager) RestoreSession(id, name string, createdAt time.Time, cfg Config) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session id %q: %w", id, ErrSessionExists)
	}
	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("session %q: %w", name, ErrSessionExists)
	}

	s := restored(id, name, createdAt, cfg, m.logger)
	m.sessions[id] = s
	m.byName[name] = id

	m.logger.Info("session restored",
		zap.String("session_id", id),
		zap.String("session_name", name))
	return s, nil
}

// GetSession returns the session with the given id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session id %q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// GetByName returns the session with the given name.
func (m *Manager) GetByName(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", name, ErrSessionNotFound)
	}
	return m.sessions[id], nil
}

// HasSession reports whether a session with the given name exists.
func (m *Manager) HasSession(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byName[name]
	return ok
}

// RemoveSession stops and evicts a session by id. Removing an unknown id
// is not an error.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		delete(m.byName, s.Name)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	// Stop outside the pool lock; the session serializes itself.
	if err := s.Stop(); err != nil {
		m.logger.Warn("failed to stop session on removal",
			zap.String("session_id", id), zap.Error(err))
	}
	m.logger.Info("session removed", zap.String("session_id", id))
}

// ListSessions returns a snapshot of all sessions.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CleanupTerminated evicts every session observed in Terminated state and
// returns the evicted count.
func (m *Manager) CleanupTerminated() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.State() == StateTerminated {
			delete(m.sessions, id)
			delete(m.byName, s.Name)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("cleaned up terminated sessions", zap.Int("count", removed))
	}
	return removed
}

// StopAll stops every session in the pool. Used on shutdown.
func (m *Manager) StopAll() {
	for _, s := range m.ListSessions() {
		if err := s.Stop(); err != nil {
			m.logger.Warn("failed to stop session",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}
