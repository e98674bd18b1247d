package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/services"
)

// handleJobEvents streams a job's event feed over SSE until the job reaches a
// terminal state or the client disconnects. A subscriber that connects after
// the job finished gets the terminal state synthesized from the store, so
// reconnects never hang.
// GET /v1/jobs/{jobID}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(chi.URLParam(r, "jobID"))

	job, err := s.mgr.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to get job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before checking terminal status so no event slips between the
	// check and the subscription.
	ch, unsub := s.mgr.Subscribe(jobID)
	defer unsub()

	if job.Status.Terminal() {
		writeSSE(w, flusher, terminalEvent(job))
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, flusher, event)
			if event.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event services.JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
	flusher.Flush()
}

// terminalEvent rebuilds the closing event for a job that finished before the
// subscriber connected.
func terminalEvent(job domain.Job) services.JobEvent {
	event := services.JobEvent{
		JobID:     job.ID,
		Progress:  job.Progress,
		Timestamp: job.UpdatedAt,
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		event.Kind = services.EventCompleted
		event.Result = job.Result
	case domain.JobStatusFailed:
		event.Kind = services.EventFailed
		if job.Error != nil {
			event.Error = *job.Error
		}
	default:
		event.Kind = services.EventCancelled
	}
	return event
}
