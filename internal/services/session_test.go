package services

import (
	"errors"
	"testing"
	"time"
)

func TestSessionWriteRequiresActive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := newSession("s1", "user-a", "conn-1", newFakeHandle(), now)

	sess.beginTeardown()
	if err := sess.write([]byte("x"), now); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Expected ErrNotActive during teardown, got %v", err)
	}

	sess.finishTeardown()
	if got := sess.Status(); got != StatusTerminated {
		t.Fatalf("Expected terminated, got %s", got)
	}
}

func TestSessionTeardownIsMonotonic(t *testing.T) {
	now := time.Now()
	sess := newSession("s1", "user-a", "conn-1", newFakeHandle(), now)

	sess.finishTeardown()
	// A late beginTeardown must not resurrect the session.
	sess.beginTeardown()
	if got := sess.Status(); got != StatusTerminated {
		t.Fatalf("Terminated session changed status to %s", got)
	}
}

func TestSessionActivityTracking(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := newSession("s1", "user-a", "conn-1", newFakeHandle(), start)

	later := start.Add(10 * time.Minute)
	if err := sess.write([]byte("uptime\n"), later); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := sess.LastActivity(); !got.Equal(later) {
		t.Fatalf("LastActivity not updated: got %v, want %v", got, later)
	}

	info := sess.info()
	if info.StartTime != start || info.Status != StatusActive {
		t.Fatalf("Unexpected snapshot: %+v", info)
	}
}
