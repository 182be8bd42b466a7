package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aether-os/aether/internal/eventbus"
)

// parseFilters splits the comma-separated filters query parameter. Empty
// means every subject.
func parseFilters(r *http.Request) []string {
	raw := r.URL.Query().Get("filters")
	if raw == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func matchesAny(filters []string, subject string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if eventbus.MatchSubject(f, subject) {
			return true
		}
	}
	return false
}

// frameEvent renders one event as the JSON body of a stream frame. The
// subject rides along as "type"; map payload keys are flattened in.
func frameEvent(subject string, payload any) []byte {
	frame := map[string]any{"type": subject}
	switch p := payload.(type) {
	case map[string]any:
		for k, v := range p {
			if k != "type" {
				frame[k] = v
			}
		}
	case nil:
	default:
		frame["data"] = p
	}
	b, err := json.Marshal(frame)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"type": subject})
	}
	return b
}

type streamEvent struct {
	subject string
	payload any
}

// handleSSE streams bus events to the client as server-sent events. Bus
// handlers run on the emitter's goroutine, so events are relayed through a
// buffered channel; a client too slow to drain it loses events rather than
// stalling emitters.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.requirePolicy(w, r, "events.subscribe", "events") {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrCode(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	filters := parseFilters(r)
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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Aether-Version", Version)
	w.WriteHeader(http.StatusOK)

	w.Write([]byte("data: {\"type\":\"connected\"}\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			w.Write([]byte("data: "))
			w.Write(frameEvent(ev.subject, ev.payload))
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
