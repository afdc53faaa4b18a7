package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewdesk/internal/core"
	"crewdesk/internal/types"
)

// ServiceJobHandler records field work completion. The review request
// follow-up hangs off the job_completed event it emits.
type ServiceJobHandler struct {
	events    Emitter
	validator *core.Validator
	logger    *slog.Logger
}

func NewServiceJobHandler(events Emitter, v *core.Validator, logger *slog.Logger) *ServiceJobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceJobHandler{events: events, validator: v, logger: logger}
}

func (h *ServiceJobHandler) RegisterRoutes(r chi.Router) {
	r.Post("/service-jobs/{id}/complete", h.Complete)
}

type completeServiceJobRequest struct {
	CustomerID   string `json:"customer_id" validate:"required"`
	TechnicianID string `json:"technician_id"`
}

func (h *ServiceJobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	orgID, err := core.OrgID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req completeServiceJobRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	jobID := chi.URLParam(r, "id")
	eventID, err := h.events.Emit(r.Context(), types.EmitInput{
		Type:           types.EventJobCompleted,
		OrganizationID: orgID,
		AggregateType:  types.AggregateServiceJob,
		AggregateID:    jobID,
		Data: types.JobCompletedData{
			ServiceJobID: jobID,
			CustomerID:   req.CustomerID,
			TechnicianID: req.TechnicianID,
		},
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "service job completed", "service_job_id", jobID, "event_id", eventID)
	core.Data(w, r, http.StatusAccepted, eventAccepted{EventID: eventID})
}
