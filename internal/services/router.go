package services

import (
	"log/slog"
	"sync"
)

// Subscriber is the downstream end of a session's event stream, normally
// a websocket connection. Send must be safe for concurrent use.
type Subscriber interface {
	Send(event string, payload any) error
}

// ChannelRouter maps session ids to their single current subscriber.
// Subscribing again for the same id replaces the binding, which is how a
// reconnecting viewer resumes watching; events published while no
// subscriber is bound are dropped (live-terminal model, no backfill).
type ChannelRouter struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func NewChannelRouter() *ChannelRouter {
	return &ChannelRouter{subs: make(map[string]Subscriber)}
}

func (r *ChannelRouter) Subscribe(sessionID string, sub Subscriber) {
	r.mu.Lock()
	r.subs[sessionID] = sub
	r.mu.Unlock()
}

func (r *ChannelRouter) Unsubscribe(sessionID string) {
	r.mu.Lock()
	delete(r.subs, sessionID)
	r.mu.Unlock()
}

func (r *ChannelRouter) Publish(sessionID, event string, payload any) {
	r.mu.RLock()
	sub := r.subs[sessionID]
	r.mu.RUnlock()

	if sub == nil {
		return
	}
	if err := sub.Send(event, payload); err != nil {
		slog.Debug("Dropped session event", "session", sessionID, "event", event, "error", err)
	}
}
