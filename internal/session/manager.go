package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the bookkeeping for one stream connection. At most one turn is
// live at a time; finalized messages from all its turns are counted.
type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Status            Status    `json:"status"`
	Role              string    `json:"role,omitempty"`
	Name              string    `json:"name,omitempty"`
	ActiveTurnID      string    `json:"active_turn_id"`
	LastTurnReason    string    `json:"last_turn_reason,omitempty"`
	TurnCount         int       `json:"turn_count"`
	MessageCount      int       `json:"message_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Manager owns every stream session in the process. Sessions that see no
// client traffic for the inactivity timeout are ended by the janitor.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idle     time.Duration
	onExpire func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]*Session),
		idle:     inactivityTimeout,
	}
}

// SetExpireHook registers fn to run, outside the lock, for every session the
// janitor ends.
func (m *Manager) SetExpireHook(fn func(*Session)) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

// Create registers a new stream session. Role and name override the
// assembler defaults for messages produced in this session.
func (m *Manager) Create(userID, role, name string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		Role:           role,
		Name:           name,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s.copy()
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copy(), nil
}

// Touch marks client traffic on the session.
func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

// StartTurn makes turnID the live turn of the session.
func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		s.ActiveTurnID = turnID
		s.TurnCount++
	})
}

// EndTurn records how turnID ended and how many messages it finalized. The
// live turn is only cleared if it is still turnID, so a late end from a
// superseded turn leaves its successor in place.
func (m *Manager) EndTurn(sessionID, turnID string, messages int, reason string) error {
	return m.update(sessionID, func(s *Session) {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
		}
		s.MessageCount += max(messages, 0)
		if reason != "" {
			s.LastTurnReason = reason
		}
	})
}

// Interrupt counts a client stop of the live turn.
func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.end(time.Now().UTC())
	return s.copy(), nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// StartJanitor sweeps idle sessions every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.sweep(now.UTC())
			}
		}
	}()
}

// sweep ends active sessions idle since before now minus the inactivity
// timeout and returns them.
func (m *Manager) sweep(now time.Time) []*Session {
	cutoff := now.Add(-m.idle)
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive || s.LastActivityAt.After(cutoff) {
			continue
		}
		s.end(now)
		expired = append(expired, s.copy())
	}
	fn := m.onExpire
	m.mu.Unlock()

	if fn != nil {
		for _, s := range expired {
			fn(s)
		}
	}
	return expired
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *Session) end(at time.Time) {
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = at
}

func (s *Session) copy() *Session {
	c := *s
	return &c
}
