package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/service"
)

func (s *Server) handleQueueMascot(w http.ResponseWriter, r *http.Request) {
	var req service.MascotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Jobs.QueueMascotJob(r.Context(), userFrom(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Existing {
		status = http.StatusOK
	}
	writeOK(w, status, res)
}

func (s *Server) handleQuoteStory(w http.ResponseWriter, r *http.Request) {
	var req service.StoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, service.Quote(req))
}

func (s *Server) handleQueueStory(w http.ResponseWriter, r *http.Request) {
	var req service.StoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Jobs.QueueStoryJob(r.Context(), userFrom(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusAccepted, res)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	canceled, err := s.deps.Jobs.CancelJob(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !canceled {
		writeError(w, http.StatusConflict, "not_cancelable", "job is not cancelable")
		return
	}
	writeOK(w, http.StatusOK, map[string]bool{"canceled": true})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.RetryJob(r.Context(), userFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Queries.GetJob(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if view == nil {
		s.fail(w, r, service.ErrJobNotFound)
		return
	}
	writeOK(w, http.StatusOK, view)
}

func (s *Server) handleLatestJob(w http.ResponseWriter, r *http.Request) {
	kind := models.JobKind(r.URL.Query().Get("kind"))
	view, err := s.deps.Queries.GetLatestJob(r.Context(), userFrom(r), kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if view == nil {
		s.fail(w, r, service.ErrJobNotFound)
		return
	}
	writeOK(w, http.StatusOK, view)
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Queries.GetActiveJobs(r.Context(), userFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, views)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Queries.GetCreditState(r.Context(), userFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, state)
}

// handleJobEvents streams the job's current snapshot followed by every
// progress event until the job reaches a terminal status. Without an event
// bus only the snapshot is sent.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := s.deps.Queries.GetJob(ctx, userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if view == nil {
		s.fail(w, r, service.ErrJobNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, r, errors.New("streaming unsupported"))
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := events.JobEvent{JobID: view.ID, Status: view.Status, Progress: view.Progress, Error: view.Error}
	if err := writeEvent(w, snapshot); err != nil {
		return
	}
	flusher.Flush()
	if view.Status.Terminal() || s.deps.Events == nil {
		return
	}

	err = s.deps.Events.Subscribe(ctx, view.ID, func(ev events.JobEvent) bool {
		if err := writeEvent(w, ev); err != nil {
			return false
		}
		flusher.Flush()
		return !ev.Status.Terminal()
	})
	if err != nil && !errors.Is(err, events.ErrDisabled) && ctx.Err() == nil {
		s.log.Warn("job event stream ended", "job_id", view.ID, "err", err)
	}
}

func writeEvent(w http.ResponseWriter, ev events.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: job\ndata: %s\n\n", data)
	return err
}
