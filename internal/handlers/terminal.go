package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/shellgate/shellgate/internal/services"
	"github.com/shellgate/shellgate/internal/shell"
)

// TerminalHandler owns the duplex channel between a browser terminal and
// the session manager. Each websocket frame is a JSON envelope
// {"event": ..., "data": ...} in both directions.
type TerminalHandler struct {
	manager *services.Manager
}

func NewTerminalHandler(manager *services.Manager) *TerminalHandler {
	return &TerminalHandler{manager: manager}
}

// UpgradeCheck is middleware that checks if the request is a websocket upgrade
func (h *TerminalHandler) UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// wsChannel adapts one websocket connection to the router's Subscriber
// contract. Websocket writes are not concurrency-safe, hence the mutex.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (ch *wsChannel) Send(event string, payload any) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn.WriteJSON(map[string]any{
		"event": event,
		"data":  payload,
	})
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HandleTerminal runs the per-client message loop. Session creation is
// dispatched to a goroutine so a slow connect never blocks input for the
// client's other sessions; everything else executes on the read loop.
func (h *TerminalHandler) HandleTerminal() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("user_id").(string)
		username, _ := c.Locals("username").(string)
		if userID == "" {
			c.Close()
			return
		}

		ch := &wsChannel{conn: c}
		slog.Info("Terminal channel opened", "user", username)

		// Transport-level disconnect tears down everything this user has.
		defer func() {
			h.manager.CleanupUser(userID)
			slog.Info("Terminal channel closed", "user", username)
		}()

		ch.Send("connected", map[string]any{
			"userId":   userID,
			"username": username,
		})

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			var frame inboundFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				ch.Send("session-error", map[string]any{"error": "invalid message"})
				continue
			}

			switch frame.Event {
			case "create-session":
				var d struct {
					ConnectionID string `json:"connectionId"`
					Password     string `json:"password"`
				}
				if err := json.Unmarshal(frame.Data, &d); err != nil || d.ConnectionID == "" {
					ch.Send("session-error", map[string]any{"error": "connectionId is required"})
					continue
				}
				go func() {
					if _, err := h.manager.CreateSession(context.Background(), userID, d.ConnectionID, d.Password, ch); err != nil {
						ch.Send("session-error", map[string]any{
							"connectionId": d.ConnectionID,
							"error":        err.Error(),
						})
					}
				}()

			case "terminal-input":
				var d struct {
					SessionID string `json:"sessionId"`
					Input     string `json:"input"`
				}
				if err := json.Unmarshal(frame.Data, &d); err != nil {
					continue
				}
				if err := h.manager.WriteSession(d.SessionID, userID, []byte(d.Input)); err != nil {
					ch.Send("terminal-error", map[string]any{
						"sessionId": d.SessionID,
						"error":     err.Error(),
					})
				}

			case "terminal-resize":
				var d struct {
					SessionID string     `json:"sessionId"`
					Size      shell.Size `json:"size"`
				}
				if err := json.Unmarshal(frame.Data, &d); err != nil {
					continue
				}
				if err := h.manager.ResizeSession(d.SessionID, userID, d.Size); err != nil {
					ch.Send("terminal-error", map[string]any{
						"sessionId": d.SessionID,
						"error":     err.Error(),
					})
				}

			case "disconnect-session":
				var d struct {
					SessionID string `json:"sessionId"`
				}
				if err := json.Unmarshal(frame.Data, &d); err != nil {
					continue
				}
				if err := h.manager.DisconnectSession(d.SessionID, userID); err != nil {
					ch.Send("session-error", map[string]any{
						"sessionId": d.SessionID,
						"error":     err.Error(),
					})
				}

			case "attach-session":
				var d struct {
					SessionID string `json:"sessionId"`
				}
				if err := json.Unmarshal(frame.Data, &d); err != nil {
					continue
				}
				if err := h.manager.AttachSubscriber(d.SessionID, userID, ch); err != nil {
					ch.Send("session-error", map[string]any{
						"sessionId": d.SessionID,
						"error":     err.Error(),
					})
					continue
				}
				ch.Send("session-attached", map[string]any{"sessionId": d.SessionID})

			case "get-active-sessions":
				ch.Send("active-sessions", map[string]any{
					"sessions": h.manager.ListSessions(userID),
				})

			case "ping":
				ch.Send("pong", nil)

			default:
				ch.Send("session-error", map[string]any{"error": "unknown event: " + frame.Event})
			}
		}
	})
}
