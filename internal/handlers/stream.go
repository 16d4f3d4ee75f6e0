package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skycredit/internal/calls"
	"skycredit/internal/models"
)

const (
	EventMessage = "message"
	EventEnded   = "ended"
	EventError   = "error"

	writeWait = 10 * time.Second
)

// StreamEvent is one server-to-client frame on the call stream.
type StreamEvent struct {
	Type     string `json:"type"`
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	Scenario string `json:"scenario,omitempty"`
	Verified bool   `json:"verified,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewUpgrader accepts browser connections from any origin, matching the
// CORS policy of the JSON API.
func NewUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// ─── GET /calls/{id}/stream ───────────────────────────────────────────────────

// StreamCall replays the transcript so far, then takes one customer
// utterance per text frame ({"text": "..."}) and pushes the reply back.
func StreamCall(svc Calls, upgrader websocket.Upgrader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		d, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.String("call_id", id), zap.Error(err))
			return
		}
		defer conn.Close()
		log := logger.With(zap.String("call_id", id))
		log.Info("stream opened")

		send := func(ev StreamEvent) error {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteJSON(ev)
		}
		closeWith := func(reason string) {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}

		for _, m := range d.Messages {
			if err := send(StreamEvent{Type: EventMessage, Role: m.Role, Content: m.Content}); err != nil {
				return
			}
		}
		if d.Call.Status == models.CallEnded {
			send(StreamEvent{Type: EventEnded})
			closeWith("call ended")
			return
		}

		for {
			var req turnRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("stream read failed", zap.Error(err))
				}
				return
			}

			res, err := svc.Turn(r.Context(), id, req.Text)
			if errors.Is(err, calls.ErrCallEnded) {
				send(StreamEvent{Type: EventEnded})
				closeWith("call ended")
				return
			}
			if err != nil {
				if send(StreamEvent{Type: EventError, Error: err.Error()}) != nil {
					return
				}
				continue
			}

			if err := send(StreamEvent{Type: EventMessage, Role: models.RoleCustomer, Content: req.Text}); err != nil {
				return
			}
			if err := send(StreamEvent{
				Type:     EventMessage,
				Role:     models.RoleAssistant,
				Content:  res.Reply,
				Scenario: res.Scenario,
				Verified: res.Verified,
			}); err != nil {
				return
			}
			if res.Ended {
				send(StreamEvent{Type: EventEnded})
				closeWith("call ended")
				log.Info("stream closed, call ended")
				return
			}
		}
	}
}
