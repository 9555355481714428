package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseKeepalive = 30 * time.Second

// handleEventStream serves the fan-out as server-sent events. The filter
// query narrows by event type pattern ("tool.*", "session.ended", "*").
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	pattern := r.URL.Query().Get("filter")
	if pattern == "" {
		pattern = "*"
	}

	ch, unsubscribe := s.bus.Subscribe(pattern)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
