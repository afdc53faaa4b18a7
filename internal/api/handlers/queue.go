package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"crewdesk/internal/core"
	"crewdesk/internal/jobqueue"
	"crewdesk/internal/smsqueue"
	"crewdesk/internal/types"
)

// JobAdmin is implemented by *jobqueue.Queue.
type JobAdmin interface {
	Get(ctx context.Context, id string) (*types.DelayedJob, error)
	List(ctx context.Context, f types.JobFilter) ([]*types.DelayedJob, error)
	Cancel(ctx context.Context, id string) bool
	ProcessOnce(ctx context.Context) (jobqueue.CycleStats, error)
}

// SmsAdmin is implemented by *smsqueue.Queue.
type SmsAdmin interface {
	GetPendingCount(ctx context.Context, orgID string) (int, error)
	Cancel(ctx context.Context, id string) bool
	ProcessQueue(ctx context.Context) (smsqueue.CycleStats, error)
}

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

type QueueHandler struct {
	jobs      JobAdmin
	sms       SmsAdmin
	validator *core.Validator
	logger    *slog.Logger
}

func NewQueueHandler(jobs JobAdmin, sms SmsAdmin, v *core.Validator, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueHandler{jobs: jobs, sms: sms, validator: v, logger: logger.With("component", "queue_admin")}
}

func (h *QueueHandler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)
		r.Post("/poll", h.Poll)
		r.Get("/sms/pending", h.PendingSms)
		r.Post("/sms/{id}/cancel", h.CancelSms)
	})
}

type listJobsQuery struct {
	Status string `json:"status" validate:"omitempty,job_status"`
	Type   string `json:"type" validate:"omitempty,oneof=appointment_reminder review_request invoice_payment_reminder"`
	Limit  int    `json:"limit" validate:"gte=0,lte=500"`
}

// ListJobs lists the organization's jobs, newest first, optionally filtered
// by derived status and type.
func (h *QueueHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	orgID, err := core.OrgID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	q := listJobsQuery{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRequest,
				"limit must be an integer", err, map[string]any{"limit": raw}))
			return
		}
		q.Limit = n
	}
	if err := h.validator.Struct(q); err != nil {
		core.Error(w, r, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultJobListLimit
	}

	jobs, err := h.jobs.List(r.Context(), types.JobFilter{
		OrganizationID: orgID,
		Status:         types.JobStatus(q.Status),
		Type:           types.JobType(q.Type),
		Limit:          q.Limit,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*types.DelayedJob{}
	}
	core.Data(w, r, http.StatusOK, jobs)
}

func (h *QueueHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	core.Data(w, r, http.StatusOK, job)
}

// CancelJob stops a pending job. Jobs that already finished are a conflict.
func (h *QueueHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if !h.jobs.Cancel(r.Context(), job.ID) {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadyProcessed,
			"job is no longer pending", nil, map[string]any{"status": job.Status()}))
		return
	}
	h.logger.InfoContext(r.Context(), "job canceled by operator", "job_id", job.ID, "job_type", job.Type)
	core.Data(w, r, http.StatusOK, map[string]any{"job_id": job.ID, "canceled": true})
}

type pollResponse struct {
	Jobs jobqueue.CycleStats `json:"jobs"`
	Sms  smsqueue.CycleStats `json:"sms"`
}

// Poll runs one cycle of both queues immediately.
func (h *QueueHandler) Poll(w http.ResponseWriter, r *http.Request) {
	jobStats, err := h.jobs.ProcessOnce(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	smsStats, err := h.sms.ProcessQueue(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, pollResponse{Jobs: jobStats, Sms: smsStats})
}

func (h *QueueHandler) PendingSms(w http.ResponseWriter, r *http.Request) {
	orgID, err := core.OrgID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	n, err := h.sms.GetPendingCount(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, map[string]int{"pending": n})
}

func (h *QueueHandler) CancelSms(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.sms.Cancel(r.Context(), id) {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundQueuedSms, "queued sms not found or already processed", nil))
		return
	}
	h.logger.InfoContext(r.Context(), "queued sms canceled by operator", "sms_id", id)
	core.Data(w, r, http.StatusOK, map[string]any{"sms_id": id, "canceled": true})
}

// loadJob fetches the job and hides jobs of other organizations behind a 404.
func (h *QueueHandler) loadJob(w http.ResponseWriter, r *http.Request) (*types.DelayedJob, bool) {
	orgID, err := core.OrgID(r)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	id := chi.URLParam(r, "id")
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	if job.OrganizationID != orgID {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil))
		return nil, false
	}
	return job, true
}
