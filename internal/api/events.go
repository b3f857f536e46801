package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/wablast/internal/events"
)

const heartbeatInterval = 15 * time.Second

// handleEvents handles GET /api/v1/events. Bus events are written as newline-delimited
// JSON until the client goes away. ?type= takes a comma separated list of event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var types map[string]bool
	if raw := r.URL.Query().Get("type"); raw != "" {
		types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			types[strings.TrimSpace(t)] = true
		}
	}

	ch, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	rc := http.NewResponseController(w)
	// the server write timeout would cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream not supported", "error", err)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if types != nil && !types[e.Type] {
				continue
			}
			if err := enc.Encode(e); err != nil {
				return
			}
		case t := <-heartbeat.C:
			if err := enc.Encode(events.Event{Type: "heartbeat", Time: t.UTC()}); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
