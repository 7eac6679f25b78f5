package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager is the in-process registry of live attempts.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Controller
	log      zerolog.Logger
}

// NewManager creates an empty registry.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*Controller),
		log:      log.With().Str("component", "session_manager").Logger(),
	}
}

// Register tracks c until it is finalized.
func (m *Manager) Register(c *Controller) {
	m.mu.Lock()
	m.sessions[c.ID()] = c
	m.mu.Unlock()

	go func() {
		<-c.Done()
		m.Remove(c.ID())
	}()
}

// Get returns the live controller for an attempt.
func (m *Manager) Get(attemptID uuid.UUID) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[attemptID]
	return c, ok
}

// Find returns the live attempt of a candidate at an exam, if any.
func (m *Manager) Find(examID uuid.UUID, candidateID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.sessions {
		if c.ExamID() == examID && c.CandidateID() == candidateID {
			return c, true
		}
	}
	return nil, false
}

// Remove forgets an attempt without touching its state.
func (m *Manager) Remove(attemptID uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, attemptID)
	m.mu.Unlock()
}

// ForExam returns every live attempt of an exam.
func (m *Manager) ForExam(examID uuid.UUID) []*Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Controller
	for _, c := range m.sessions {
		if c.ExamID() == examID {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of live attempts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Dispose stops every live attempt without finalizing it.
func (m *Manager) Dispose() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*Controller)
	m.mu.Unlock()

	for _, c := range sessions {
		c.Dispose()
	}
	m.log.Info().Int("sessions", len(sessions)).Msg("Live sessions disposed")
}
