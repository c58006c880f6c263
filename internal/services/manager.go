package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/models"
	"github.com/shellgate/shellgate/internal/shell"
)

// Longest command text persisted to the log; anything past this is pasted
// data, not a command.
const maxCommandLength = 10000

// SecretDecryptor recovers stored profile secrets. Implemented by
// crypto.Encryptor.
type SecretDecryptor interface {
	Decrypt(ciphertext string) (string, error)
}

type ManagerConfig struct {
	MaxSessionsPerUser int
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	ConnectTimeout     time.Duration
}

type teardownReason int

const (
	reasonDisconnect teardownReason = iota
	reasonRemote
	reasonExpired
	reasonShutdown
)

// Manager owns the authoritative table of live sessions. All four mutation
// paths (client requests, handle events, the idle sweep, transport-level
// cleanup) serialize on the table mutex; the mutex is never held across
// network I/O, and quota slots are reserved before the slow connect so
// concurrent creates for one user cannot exceed the cap.
type Manager struct {
	cfg     ManagerConfig
	store   Store
	router  *ChannelRouter
	secrets SecretDecryptor

	// injected for tests
	newHandle func(protocol string) (shell.Handle, error)
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*Session
	reserved map[string]int

	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(cfg ManagerConfig, store Store, router *ChannelRouter, secrets SecretDecryptor) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    store,
		router:   router,
		secrets:  secrets,
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
		reserved: make(map[string]int),
		stop:     make(chan struct{}),
	}
	m.newHandle = func(protocol string) (shell.Handle, error) {
		return shell.New(protocol, cfg.ConnectTimeout)
	}
	return m
}

// Start launches the periodic idle sweep.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the sweep and tears down every live session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id, reasonShutdown, "server shutting down")
	}
	slog.Info("All sessions closed")
}

// CreateSession connects a new remote shell for the user and registers it.
// The quota slot is reserved before the (slow) connect and released on any
// failure, so a failed create leaves no trace in the registry. When sub is
// non-nil it is bound as the session's subscriber before any handle event
// can flow, and receives session-created first.
func (m *Manager) CreateSession(ctx context.Context, userID, connectionID, secretOverride string, sub Subscriber) (string, error) {
	conn, err := m.store.GetConnection(connectionID, userID)
	if err != nil {
		return "", err
	}

	if err := m.reserve(userID); err != nil {
		return "", err
	}

	handle, err := m.newHandle(conn.Protocol)
	if err != nil {
		m.release(userID)
		return "", err
	}

	target, err := m.resolveTarget(conn, secretOverride)
	if err != nil {
		m.release(userID)
		return "", err
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := handle.Connect(connectCtx, target); err != nil {
		m.release(userID)
		return "", err
	}

	if err := handle.StartShell(shell.DefaultSize); err != nil {
		handle.Close()
		m.release(userID)
		return "", err
	}

	sessionID := m.newID()
	sess := newSession(sessionID, userID, connectionID, handle, m.now())

	m.mu.Lock()
	m.reserved[userID]--
	if m.reserved[userID] <= 0 {
		delete(m.reserved, userID)
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	if err := m.store.CreateSessionRecord(sessionID, userID, connectionID, sess.startTime); err != nil {
		slog.Warn("Failed to persist session record", "session", sessionID, "error", err)
	}

	if sub != nil {
		m.router.Subscribe(sessionID, sub)
		m.router.Publish(sessionID, "session-created", map[string]any{
			"sessionId":    sessionID,
			"connectionId": connectionID,
		})
	}

	go m.pump(sess)

	slog.Info("Session created", "session", sessionID, "user", userID, "host", conn.Host)
	return sessionID, nil
}

func (m *Manager) reserve(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.reserved[userID]
	for _, sess := range m.sessions {
		if sess.UserID == userID && sess.Status() != StatusTerminated {
			active++
		}
	}
	if active >= m.cfg.MaxSessionsPerUser {
		return fmt.Errorf("%w: maximum %d concurrent sessions", ErrQuotaExceeded, m.cfg.MaxSessionsPerUser)
	}
	m.reserved[userID]++
	return nil
}

func (m *Manager) release(userID string) {
	m.mu.Lock()
	m.reserved[userID]--
	if m.reserved[userID] <= 0 {
		delete(m.reserved, userID)
	}
	m.mu.Unlock()
}

// resolveTarget decrypts the profile's stored secret into a connect
// target. A caller-supplied secret takes precedence over the stored one;
// the plaintext lives only as long as the connect.
func (m *Manager) resolveTarget(conn *models.Connection, secretOverride string) (shell.Target, error) {
	target := shell.Target{
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
	}

	if secretOverride != "" {
		target.Password = secretOverride
	} else if conn.EncryptedPassword != "" {
		password, err := m.secrets.Decrypt(conn.EncryptedPassword)
		if err != nil {
			return shell.Target{}, fmt.Errorf("failed to decrypt password: %w", err)
		}
		target.Password = password
	}

	if conn.EncryptedPrivateKey != "" {
		key, err := m.secrets.Decrypt(conn.EncryptedPrivateKey)
		if err != nil {
			return shell.Target{}, fmt.Errorf("failed to decrypt private key: %w", err)
		}
		target.PrivateKey = key
	}

	return target, nil
}

// AttachSubscriber rebinds the session's subscriber, replacing any prior
// binding. This is how a reconnecting client resumes viewing a still-live
// session; the handle is untouched and missed output is not backfilled.
func (m *Manager) AttachSubscriber(sessionID, userID string, sub Subscriber) error {
	if _, err := m.getOwned(sessionID, userID); err != nil {
		return err
	}
	m.router.Subscribe(sessionID, sub)
	return nil
}

// WriteSession forwards terminal input to the session's shell. Input that
// carries a line terminator is also captured as a best-effort command-log
// entry; log failures never fail the write.
func (m *Manager) WriteSession(sessionID, userID string, data []byte) error {
	sess, err := m.getOwned(sessionID, userID)
	if err != nil {
		return err
	}

	if err := sess.write(data, m.now()); err != nil {
		return err
	}

	if bytes.ContainsAny(data, "\r\n") {
		// Mirrors the interactive-capture heuristic: anything newline
		// terminated is treated as a command, which mis-captures multi-line
		// paste and prompt responses. Known imprecision, kept as-is.
		command := strings.TrimSpace(string(data))
		if command != "" {
			if len(command) > maxCommandLength {
				command = command[:maxCommandLength]
			}
			timestamp := m.now()
			go func() {
				if err := m.store.AppendCommandLog(sessionID, userID, command, timestamp); err != nil {
					slog.Warn("Failed to append command log", "session", sessionID, "error", err)
				}
			}()
		}
	}
	return nil
}

// ResizeSession propagates a terminal size change.
func (m *Manager) ResizeSession(sessionID, userID string, size shell.Size) error {
	sess, err := m.getOwned(sessionID, userID)
	if err != nil {
		return err
	}
	sess.resize(size, m.now())
	return nil
}

// DisconnectSession tears the session down on the owner's request. Racing
// with the idle sweep is safe: whichever actor removes the table entry
// first wins, the other observes ErrNotFound.
func (m *Manager) DisconnectSession(sessionID, userID string) error {
	if _, err := m.getOwned(sessionID, userID); err != nil {
		return err
	}
	return m.teardown(sessionID, reasonDisconnect, "session closed")
}

// ListSessions returns the user's live sessions.
func (m *Manager) ListSessions(userID string) []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0)
	for _, sess := range m.sessions {
		if sess.UserID == userID && sess.Status() == StatusActive {
			infos = append(infos, sess.info())
		}
	}
	return infos
}

// CleanupUser tears down all of the user's sessions; called when their
// transport channel disconnects. Tolerates sessions concurrently removed
// by other paths.
func (m *Manager) CleanupUser(userID string) {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, sess := range m.sessions {
		if sess.UserID == userID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id, reasonDisconnect, "client disconnected")
	}
	if len(ids) > 0 {
		slog.Info("Cleaned up user sessions", "user", userID, "count", len(ids))
	}
}

func (m *Manager) getOwned(sessionID, userID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// teardown removes the session from the table and closes its handle.
// Deleting the map entry under the lock is what makes teardown
// exactly-once: only the caller that finds the entry proceeds.
func (m *Manager) teardown(sessionID string, reason teardownReason, message string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	sess.beginTeardown()
	sess.handle.Close()
	sess.finishTeardown()

	if err := m.store.CloseSessionRecord(sessionID, string(StatusTerminated), m.now()); err != nil {
		slog.Warn("Failed to close session record", "session", sessionID, "error", err)
	}

	switch reason {
	case reasonExpired:
		m.router.Publish(sessionID, "session-expired", map[string]any{
			"sessionId": sessionID,
			"message":   "session expired due to inactivity",
		})
	default:
		m.router.Publish(sessionID, "session-disconnected", map[string]any{
			"sessionId": sessionID,
			"message":   message,
		})
	}
	m.router.Unsubscribe(sessionID)

	slog.Info("Session terminated", "session", sessionID, "reason", message)
	return nil
}

// pump forwards handle events to the session's subscriber until the handle
// closes, then triggers teardown. One pump per session; chunks reach the
// subscriber in production order.
func (m *Manager) pump(sess *Session) {
	events := sess.handle.Events()
	done := sess.handle.Done()

	for {
		select {
		case ev := <-events:
			if closed := m.forward(sess, ev); closed {
				m.teardown(sess.ID, reasonRemote, ev.Message)
				return
			}
		case <-done:
			// Drain anything the handle buffered before closing so no
			// output is lost at the edge.
			for {
				select {
				case ev := <-events:
					if closed := m.forward(sess, ev); closed {
						m.teardown(sess.ID, reasonRemote, ev.Message)
						return
					}
				default:
					m.teardown(sess.ID, reasonRemote, "remote shell closed")
					return
				}
			}
		}
	}
}

// forward publishes one handle event; reports true for the terminal
// closed event.
func (m *Manager) forward(sess *Session, ev shell.Event) bool {
	switch ev.Type {
	case shell.EventConnected:
		m.router.Publish(sess.ID, "session-connected", map[string]any{
			"sessionId": sess.ID,
			"message":   ev.Message,
		})
	case shell.EventShellReady:
		m.router.Publish(sess.ID, "shell-ready", map[string]any{
			"sessionId": sess.ID,
			"message":   ev.Message,
		})
	case shell.EventOutput:
		sess.touch(m.now())
		m.router.Publish(sess.ID, "terminal-output", map[string]any{
			"sessionId": sess.ID,
			"data":      string(ev.Data),
		})
	case shell.EventError:
		m.router.Publish(sess.ID, "session-error", map[string]any{
			"sessionId": sess.ID,
			"error":     ev.Message,
		})
	case shell.EventClosed:
		return true
	}
	return false
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stop:
			return
		}
	}
}

// sweepIdle terminates sessions idle past the configured threshold. The
// subscriber sees session-expired rather than session-disconnected so the
// client can tell a timeout from a drop.
func (m *Manager) sweepIdle() {
	now := m.now()

	m.mu.Lock()
	expired := make([]string, 0)
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.teardown(id, reasonExpired, "idle timeout"); err == nil {
			slog.Info("Expired idle session", "session", id)
		}
	}
}
