package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/model"
)

const (
	// ssePollInterval is how often the stream re-reads the store for
	// authoritative job state, so a subscriber that attached after the
	// pipeline finished still terminates.
	ssePollInterval = 2 * time.Second

	// sseMaxDuration bounds how long one stream may stay open.
	sseMaxDuration = 30 * time.Minute
)

// handleEvents serves GET /api/search/{id}/events as an SSE stream. Event
// names exposed to the UI: connected, status, progress, lead, completed,
// error.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetSearchJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "search job not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sendSSE(w, flusher, "connected", map[string]any{
		"id":     job.ID,
		"status": job.Status,
	})

	if job.Status.IsTerminal() {
		s.sendTerminal(w, flusher, job)
		return
	}

	ch := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(id, ch)

	deadline := time.NewTimer(sseMaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-deadline.C:
			sendSSE(w, flusher, "error", map[string]string{"message": "stream max duration exceeded"})
			return

		case ev := <-ch:
			if done := s.forwardEvent(w, flusher, ev); done {
				return
			}

		case <-ticker.C:
			current, pollErr := s.store.GetSearchJob(r.Context(), id)
			if pollErr != nil {
				zap.L().Warn("sse status poll failed", zap.String("search_id", id), zap.Error(pollErr))
				continue
			}
			if current.Status.IsTerminal() {
				s.sendTerminal(w, flusher, current)
				return
			}
		}
	}
}

// forwardEvent maps one pipeline progress event onto the UI event
// vocabulary. Returns true when the stream should close.
func (s *Server) forwardEvent(w http.ResponseWriter, flusher http.Flusher, ev model.ProgressEvent) bool {
	switch {
	case ev.Type == model.EventTypeComplete && ev.Status == model.EventStatusFailed:
		sendSSE(w, flusher, "error", ev)
		return true
	case ev.Type == model.EventTypeComplete:
		sendSSE(w, flusher, "completed", ev)
		return true
	case ev.Status == model.EventStatusFetching:
		sendSSE(w, flusher, "status", ev)
	case len(ev.Leads) > 0:
		sendSSE(w, flusher, "progress", ev)
		for _, lead := range ev.Leads {
			sendSSE(w, flusher, "lead", lead)
		}
	default:
		sendSSE(w, flusher, "progress", ev)
	}
	return false
}

func (s *Server) sendTerminal(w http.ResponseWriter, flusher http.Flusher, job *model.SearchJob) {
	summary := map[string]any{
		"id":        job.ID,
		"status":    job.Status,
		"processed": job.Processed,
		"total":     job.TotalFound,
	}
	if job.Status == model.JobStatusCompleted {
		sendSSE(w, flusher, "completed", summary)
		return
	}
	if job.Error != "" {
		summary["message"] = job.Error
	}
	sendSSE(w, flusher, "error", summary)
}

// sendSSE writes one event in wire format and flushes it.
func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
