package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleSessionEvents streams session events as Server-Sent Events.
// GET /api/session/events
func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := a.session.Subscribe()
	defer cancel()

	if a.metrics != nil {
		a.metrics.SSEClients.Inc()
		defer a.metrics.SSEClients.Dec()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := LoggerFromContext(r.Context())
	if err := writeSSE(w, "snapshot", a.session.Snapshot()); err != nil {
		return
	}
	flusher.Flush()
	logger.Debug("event stream opened")

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, string(e.Type), e); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one named event with a JSON payload.
func writeSSE(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
