package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// JobLifecycle is the part of the campaign queue exposed over HTTP.
type JobLifecycle interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetJobs(ctx context.Context, userID string, status *model.JobStatus) ([]*model.Job, error)
	PauseJob(ctx context.Context, id string) (*model.Job, error)
	ResumeJob(ctx context.Context, id string) (*model.Job, error)
	CancelJob(ctx context.Context, id string) (*model.Job, error)
	RetryFailedJob(ctx context.Context, id string) (*model.Job, error)
}

type JobHandler struct {
	Queue JobLifecycle
	Log   zerolog.Logger
}

func NewJobHandler(q JobLifecycle, log zerolog.Logger) *JobHandler {
	return &JobHandler{Queue: q, Log: log.With().Str("component", "job_handler").Logger()}
}

// Routes mounts the job endpoints on r.
func (h *JobHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.ListJobs)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", h.GetJob)
		r.Post("/pause", h.lifecycle(h.Queue.PauseJob))
		r.Post("/resume", h.lifecycle(h.Queue.ResumeJob))
		r.Post("/cancel", h.lifecycle(h.Queue.CancelJob))
		r.Post("/retry", h.lifecycle(h.Queue.RetryFailedJob))
	})
}

// ListJobs handles GET /jobs?user_id=&status=.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	var status *model.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := model.ParseJobStatus(raw)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		status = &s
	}

	jobs, err := h.Queue.GetJobs(r.Context(), userID, status)
	if err != nil {
		WriteError(w, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": jobs, "count": len(jobs)})
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) lifecycle(op func(ctx context.Context, id string) (*model.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, h.Log, err)
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}
