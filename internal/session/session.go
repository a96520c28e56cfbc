// Package session owns the per-session gate and replay cache pair.
//
// Each browser session (or sub-session, e.g. a separate tab) gets its own
// Session. Sessions share nothing, so a poisoned gate or a flooded replay
// cache in one session never affects another.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/txgate/internal/gate"
	"github.com/roach88/txgate/internal/replay"
)

// Session is the coordination state of one client session.
type Session struct {
	ID    string
	Gate  *gate.Gate
	Cache *replay.Cache
}

// Reload starts a new numbering epoch after a client page reload: the gate
// is reset and every cached response dropped. Returns the next seq the
// client must use.
func (s *Session) Reload() uint64 {
	next := s.Gate.Reset()
	s.Cache.Clear()
	return next
}

// Stats is a diagnostic snapshot of a session.
type Stats struct {
	ID     string     `json:"id"`
	Gate   gate.Stats `json:"gate"`
	Cached []uint64   `json:"cached"`
}

// Stats returns a snapshot of the gate and cache.
func (s *Session) Stats() Stats {
	return Stats{
		ID:     s.ID,
		Gate:   s.Gate.Stats(),
		Cached: s.Cache.Seqs(),
	}
}

// IDGenerator generates unique session IDs.
// Implemented by UUIDv7Generator (production) and testutil.SequentialIDs (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 session IDs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Manager is the registry of live sessions.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	factory  *gate.Factory
	ids      IDGenerator
	logger   *slog.Logger
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator overrides session ID generation.
// Default: UUIDv7Generator{}
func WithIDGenerator(ids IDGenerator) ManagerOption {
	return func(m *Manager) {
		if ids != nil {
			m.ids = ids
		}
	}
}

// WithLogger sets the logger for session lifecycle events.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates an empty registry whose sessions use gates built by
// factory.
func NewManager(factory *gate.Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:  factory,
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new session with a fresh gate and empty cache.
func (m *Manager) Create() *Session {
	s := &Session{
		ID:    m.ids.Generate(),
		Gate:  m.factory.New(),
		Cache: replay.New(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session", s.ID, "next_seq", s.Gate.NextSeq())
	return s
}

// Get returns the live session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy discards a session's gate and cache. Returns false if the session
// does not exist. Requests already holding the session finish normally.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Cache.Clear()
	m.logger.Info("session destroyed", "session", id)
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
