package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shellgate/shellgate/internal/models"
	"github.com/shellgate/shellgate/internal/shell"
)

// ---- fakes ----

type fakeHandle struct {
	connectErr error
	shellErr   error

	events chan shell.Event
	done   chan struct{}
	once   sync.Once

	closeCount atomic.Int32

	mu     sync.Mutex
	writes [][]byte
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		events: make(chan shell.Event, 256),
		done:   make(chan struct{}),
	}
}

func (f *fakeHandle) Connect(ctx context.Context, target shell.Target) error { return f.connectErr }
func (f *fakeHandle) StartShell(size shell.Size) error                       { return f.shellErr }

func (f *fakeHandle) Write(p []byte) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
}

func (f *fakeHandle) Resize(size shell.Size) {}

func (f *fakeHandle) Execute(command string) (*shell.ExecResult, error) {
	return &shell.ExecResult{Stdout: "ok"}, nil
}

func (f *fakeHandle) Close() error {
	f.closeCount.Add(1)
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeHandle) Events() <-chan shell.Event { return f.events }
func (f *fakeHandle) Done() <-chan struct{}      { return f.done }

func (f *fakeHandle) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type loggedCommand struct {
	sessionID string
	userID    string
	command   string
}

type fakeStore struct {
	mu          sync.Mutex
	connections map[string]*models.Connection
	logs        chan loggedCommand
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connections: make(map[string]*models.Connection),
		logs:        make(chan loggedCommand, 64),
	}
}

func (s *fakeStore) addConnection(id, userID string) {
	s.mu.Lock()
	s.connections[id+"/"+userID] = &models.Connection{
		Host:     "host.example",
		Port:     22,
		Protocol: "ssh",
		Username: "root",
	}
	s.mu.Unlock()
}

func (s *fakeStore) GetConnection(connectionID, userID string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[connectionID+"/"+userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return conn, nil
}

func (s *fakeStore) CreateSessionRecord(sessionID, userID, connectionID string, start time.Time) error {
	return nil
}

func (s *fakeStore) CloseSessionRecord(sessionID, status string, end time.Time) error {
	return nil
}

func (s *fakeStore) AppendCommandLog(sessionID, userID, command string, timestamp time.Time) error {
	s.logs <- loggedCommand{sessionID: sessionID, userID: userID, command: command}
	return nil
}

type plainSecrets struct{}

func (plainSecrets) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

type subEvent struct {
	event   string
	payload map[string]any
}

type fakeSub struct {
	events chan subEvent
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan subEvent, 256)}
}

func (s *fakeSub) Send(event string, payload any) error {
	m, _ := payload.(map[string]any)
	s.events <- subEvent{event: event, payload: m}
	return nil
}

// waitFor drains events until the wanted one arrives or a timeout fires.
func (s *fakeSub) waitFor(t *testing.T, event string) subEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.event == event {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for event %q", event)
		}
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	manager *Manager
	store   *fakeStore
	router  *ChannelRouter
	clock   *fakeClock

	mu      sync.Mutex
	handles []*fakeHandle
	nextErr struct {
		connect error
		shell   error
	}
}

func newTestEnv(maxPerUser int) *testEnv {
	env := &testEnv{
		store:  newFakeStore(),
		router: NewChannelRouter(),
		clock:  &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.manager = NewManager(ManagerConfig{
		MaxSessionsPerUser: maxPerUser,
		IdleTimeout:        30 * time.Minute,
		SweepInterval:      5 * time.Minute,
		ConnectTimeout:     time.Second,
	}, env.store, env.router, plainSecrets{})
	env.manager.now = env.clock.now
	env.manager.newHandle = func(protocol string) (shell.Handle, error) {
		h := newFakeHandle()
		env.mu.Lock()
		h.connectErr = env.nextErr.connect
		h.shellErr = env.nextErr.shell
		env.handles = append(env.handles, h)
		env.mu.Unlock()
		return h, nil
	}
	return env
}

func (env *testEnv) lastHandle() *fakeHandle {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.handles[len(env.handles)-1]
}

func (env *testEnv) create(t *testing.T, userID string, sub Subscriber) string {
	t.Helper()
	env.store.addConnection("conn-1", userID)
	id, err := env.manager.CreateSession(context.Background(), userID, "conn-1", "", sub)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return id
}

// ---- tests ----

func TestCreateSessionQuota(t *testing.T) {
	env := newTestEnv(2)
	env.store.addConnection("conn-1", "user-a")

	a, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil)
	if err != nil {
		t.Fatalf("Session A: %v", err)
	}
	if _, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil); err != nil {
		t.Fatalf("Session B: %v", err)
	}

	if _, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Session C: expected ErrQuotaExceeded, got %v", err)
	}

	if err := env.manager.DisconnectSession(a, "user-a"); err != nil {
		t.Fatalf("Disconnect A: %v", err)
	}

	if _, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil); err != nil {
		t.Fatalf("Session C after disconnect: %v", err)
	}
}

func TestQuotaIsPerUser(t *testing.T) {
	env := newTestEnv(1)
	env.create(t, "user-a", nil)

	// Another user is unaffected by user-a being at the cap.
	env.create(t, "user-b", nil)

	if _, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded for user-a, got %v", err)
	}
}

func TestCreateSessionConnectFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(1)
	env.store.addConnection("conn-1", "user-a")

	env.nextErr.connect = errors.New("dial refused")
	if _, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil); err == nil {
		t.Fatalf("Expected connect error")
	}

	if n := len(env.manager.ListSessions("user-a")); n != 0 {
		t.Fatalf("Expected no sessions after failed create, got %d", n)
	}

	// The reservation was released: a new create fills the only slot.
	env.nextErr.connect = nil
	if _, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil); err != nil {
		t.Fatalf("Create after failure: %v", err)
	}
}

func TestCreateSessionShellFailureClosesHandle(t *testing.T) {
	env := newTestEnv(1)
	env.store.addConnection("conn-1", "user-a")

	env.nextErr.shell = errors.New("pty refused")
	if _, err := env.manager.CreateSession(context.Background(), "user-a", "conn-1", "", nil); err == nil {
		t.Fatalf("Expected shell error")
	}

	if got := env.lastHandle().closeCount.Load(); got != 1 {
		t.Errorf("Expected handle closed once, got %d", got)
	}
	if n := len(env.manager.ListSessions("user-a")); n != 0 {
		t.Errorf("Expected no sessions, got %d", n)
	}
}

func TestCreateSessionUnknownProfile(t *testing.T) {
	env := newTestEnv(1)
	if _, err := env.manager.CreateSession(context.Background(), "user-a", "nope", "", nil); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("Expected ErrProfileNotFound, got %v", err)
	}
}

func TestWriteSessionForbidden(t *testing.T) {
	env := newTestEnv(5)
	id := env.create(t, "user-a", nil)
	handle := env.lastHandle()

	if err := env.manager.WriteSession(id, "user-b", []byte("whoami\n")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}
	if handle.writeCount() != 0 {
		t.Errorf("No bytes should reach the handle, got %d writes", handle.writeCount())
	}
}

func TestWriteSessionUnknownID(t *testing.T) {
	env := newTestEnv(5)
	if err := env.manager.WriteSession("missing", "user-a", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestWriteSessionLogsCommand(t *testing.T) {
	env := newTestEnv(5)
	id := env.create(t, "user-a", nil)

	if err := env.manager.WriteSession(id, "user-a", []byte("ls -la\n")); err != nil {
		t.Fatalf("WriteSession: %v", err)
	}

	select {
	case logged := <-env.store.logs:
		if logged.command != "ls -la" {
			t.Errorf("Expected command %q, got %q", "ls -la", logged.command)
		}
		if logged.sessionID != id || logged.userID != "user-a" {
			t.Errorf("Log attributed to %s/%s, want %s/user-a", logged.sessionID, logged.userID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for command log")
	}
}

func TestWriteSessionNoLogWithoutTerminator(t *testing.T) {
	env := newTestEnv(5)
	id := env.create(t, "user-a", nil)

	if err := env.manager.WriteSession(id, "user-a", []byte("ls")); err != nil {
		t.Fatalf("WriteSession: %v", err)
	}

	select {
	case logged := <-env.store.logs:
		t.Fatalf("Unexpected command log %q", logged.command)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectSweepRace(t *testing.T) {
	env := newTestEnv(5)
	id := env.create(t, "user-a", nil)
	handle := env.lastHandle()

	env.clock.advance(31 * time.Minute)

	var wg sync.WaitGroup
	var disconnectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		disconnectErr = env.manager.DisconnectSession(id, "user-a")
	}()
	go func() {
		defer wg.Done()
		env.manager.sweepIdle()
	}()
	wg.Wait()

	if disconnectErr != nil && !errors.Is(disconnectErr, ErrNotFound) {
		t.Fatalf("Disconnect: expected nil or ErrNotFound, got %v", disconnectErr)
	}

	if n := len(env.manager.ListSessions("user-a")); n != 0 {
		t.Errorf("Session still registered after race")
	}
	waitClosed(t, handle)

	// Exactly one actor won the table race and closed the handle.
	if got := handle.closeCount.Load(); got != 1 {
		t.Errorf("Expected exactly one close, got %d", got)
	}
}

func TestSweepExpiresIdleSession(t *testing.T) {
	env := newTestEnv(5)
	sub := newFakeSub()
	id := env.create(t, "user-a", sub)
	sub.waitFor(t, "session-created")

	env.clock.advance(31 * time.Minute)
	env.manager.sweepIdle()

	ev := sub.waitFor(t, "session-expired")
	if ev.payload["sessionId"] != id {
		t.Errorf("Expired wrong session: %v", ev.payload["sessionId"])
	}
	if n := len(env.manager.ListSessions("user-a")); n != 0 {
		t.Errorf("Expected empty registry after expiry, got %d", n)
	}
}

func TestSweepSparesActiveSession(t *testing.T) {
	env := newTestEnv(5)
	id := env.create(t, "user-a", nil)

	env.clock.advance(29 * time.Minute)
	env.manager.WriteSession(id, "user-a", []byte("k")) // bumps activity
	env.clock.advance(29 * time.Minute)

	env.manager.sweepIdle()

	if n := len(env.manager.ListSessions("user-a")); n != 1 {
		t.Fatalf("Recently active session was swept")
	}
}

func TestCleanupUser(t *testing.T) {
	env := newTestEnv(5)
	for i := 0; i < 3; i++ {
		env.create(t, "user-a", nil)
	}
	env.create(t, "user-b", nil)

	env.mu.Lock()
	handles := append([]*fakeHandle(nil), env.handles[:3]...)
	env.mu.Unlock()

	env.manager.CleanupUser("user-a")

	if n := len(env.manager.ListSessions("user-a")); n != 0 {
		t.Errorf("Expected zero sessions for user-a, got %d", n)
	}
	if n := len(env.manager.ListSessions("user-b")); n != 1 {
		t.Errorf("user-b sessions should be untouched, got %d", n)
	}
	for i, h := range handles {
		waitClosed(t, h)
		if h.closeCount.Load() < 1 {
			t.Errorf("Handle %d not closed", i)
		}
	}
}

func TestOutputOrderingAndRemoteClose(t *testing.T) {
	env := newTestEnv(5)
	sub := newFakeSub()
	id := env.create(t, "user-a", sub)
	handle := env.lastHandle()
	sub.waitFor(t, "session-created")

	const chunks = 50
	for i := 0; i < chunks; i++ {
		handle.events <- shell.Event{Type: shell.EventOutput, Data: []byte(fmt.Sprintf("chunk-%02d", i))}
	}
	handle.events <- shell.Event{Type: shell.EventClosed, Message: "shell closed"}

	for i := 0; i < chunks; i++ {
		ev := sub.waitFor(t, "terminal-output")
		want := fmt.Sprintf("chunk-%02d", i)
		if got := ev.payload["data"]; got != want {
			t.Fatalf("Chunk %d out of order: got %v, want %s", i, got, want)
		}
	}

	ev := sub.waitFor(t, "session-disconnected")
	if ev.payload["sessionId"] != id {
		t.Errorf("Disconnected wrong session: %v", ev.payload["sessionId"])
	}
	if n := len(env.manager.ListSessions("user-a")); n != 0 {
		t.Errorf("Session should be gone after remote close")
	}
}

func TestHandleErrorEventForwarded(t *testing.T) {
	env := newTestEnv(5)
	sub := newFakeSub()
	env.create(t, "user-a", sub)
	handle := env.lastHandle()

	handle.events <- shell.Event{Type: shell.EventError, Message: "write failed"}

	ev := sub.waitFor(t, "session-error")
	if ev.payload["error"] != "write failed" {
		t.Errorf("Unexpected error payload: %v", ev.payload)
	}
	// A non-fatal error does not terminate the session.
	if n := len(env.manager.ListSessions("user-a")); n != 1 {
		t.Errorf("Session should survive a write error")
	}
}

func TestAttachSubscriberReplacesBinding(t *testing.T) {
	env := newTestEnv(5)
	sub1 := newFakeSub()
	id := env.create(t, "user-a", sub1)
	handle := env.lastHandle()
	sub1.waitFor(t, "session-created")

	sub2 := newFakeSub()
	if err := env.manager.AttachSubscriber(id, "user-a", sub2); err != nil {
		t.Fatalf("AttachSubscriber: %v", err)
	}
	if err := env.manager.AttachSubscriber(id, "user-b", newFakeSub()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected ErrForbidden for foreign attach, got %v", err)
	}

	handle.events <- shell.Event{Type: shell.EventOutput, Data: []byte("hello")}

	ev := sub2.waitFor(t, "terminal-output")
	if ev.payload["data"] != "hello" {
		t.Errorf("Replacement subscriber got %v", ev.payload["data"])
	}
	select {
	case ev := <-sub1.events:
		t.Fatalf("Old subscriber still receiving: %v", ev.event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopTearsDownEverything(t *testing.T) {
	env := newTestEnv(5)
	env.create(t, "user-a", nil)
	env.create(t, "user-b", nil)

	env.manager.Stop()

	if n := len(env.manager.ListSessions("user-a")) + len(env.manager.ListSessions("user-b")); n != 0 {
		t.Fatalf("Sessions survived Stop: %d", n)
	}
}

func waitClosed(t *testing.T, h *fakeHandle) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for handle close")
	}
}
