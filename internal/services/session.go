package services

import (
	"sync"
	"time"

	"github.com/shellgate/shellgate/internal/shell"
)

type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusActive        Status = "active"
	StatusDisconnecting Status = "disconnecting"
	StatusTerminated    Status = "terminated"
)

// Session binds one user to one live remote-shell handle. The handle is
// exclusively owned: it is allocated at creation and closed exactly once
// at teardown, never reassigned.
type Session struct {
	ID           string
	UserID       string
	ConnectionID string

	handle shell.Handle

	mu           sync.Mutex
	status       Status
	startTime    time.Time
	lastActivity time.Time
}

func newSession(id, userID, connectionID string, handle shell.Handle, now time.Time) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		ConnectionID: connectionID,
		handle:       handle,
		status:       StatusActive,
		startTime:    now,
		lastActivity: now,
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// write forwards input to the handle and bumps the activity clock.
func (s *Session) write(p []byte, now time.Time) error {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.lastActivity = now
	s.mu.Unlock()

	s.handle.Write(p)
	return nil
}

func (s *Session) resize(size shell.Size, now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()

	s.handle.Resize(size)
}

func (s *Session) beginTeardown() {
	s.mu.Lock()
	if s.status == StatusActive {
		s.status = StatusDisconnecting
	}
	s.mu.Unlock()
}

func (s *Session) finishTeardown() {
	s.mu.Lock()
	s.status = StatusTerminated
	s.mu.Unlock()
}

// SessionInfo is a point-in-time snapshot for listings.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	Status       Status    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		Status:       s.status,
		StartTime:    s.startTime,
		LastActivity: s.lastActivity,
	}
}
