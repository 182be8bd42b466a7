package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			return originSet[r.Header.Get("Origin")]
		},
	}
}

// handleWSEvents streams bus events over a WebSocket connection with the
// same filter semantics as the SSE endpoint. Each event is one text frame
// carrying the JSON body.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "events.subscribe", "events") {
		return
	}
	filters := parseFilters(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan streamEvent, 256)
	cancel := s.bus.SubscribeAll(func(subject string, payload any) {
		if !matchesAny(filters, subject) {
			return
		}
		select {
		case events <- streamEvent{subject, payload}:
		default:
		}
	})
	defer cancel()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`)); err != nil {
		return
	}

	// Drain reads so close frames and pings are processed. The request
	// context does not end when a hijacked connection closes, so the
	// reader signals shutdown itself.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frameEvent(ev.subject, ev.payload)); err != nil {
				return
			}
		}
	}
}
