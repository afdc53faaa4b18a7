package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewdesk/internal/core"
	"crewdesk/internal/reminders"
	"crewdesk/internal/types"
)

type AppointmentStore interface {
	Get(ctx context.Context, orgID, id string) (*types.Appointment, error)
	UpdateStatus(ctx context.Context, orgID, id string, status types.AppointmentStatus) error
}

// ReminderScheduler is implemented by *reminders.Scheduler.
type ReminderScheduler interface {
	ScheduleReminders(ctx context.Context, in reminders.ScheduleInput) ([]string, error)
	CancelReminders(ctx context.Context, appointmentID string) (int64, error)
}

type AppointmentHandler struct {
	appointments AppointmentStore
	reminders    ReminderScheduler
	events       Emitter
	logger       *slog.Logger
}

func NewAppointmentHandler(appointments AppointmentStore, sched ReminderScheduler, events Emitter, logger *slog.Logger) *AppointmentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppointmentHandler{
		appointments: appointments,
		reminders:    sched,
		events:       events,
		logger:       logger.With("component", "appointment_handler"),
	}
}

func (h *AppointmentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Post("/reminders", h.ScheduleReminders)
		r.Delete("/reminders", h.CancelReminders)
		r.Post("/cancel", h.Cancel)
	})
}

type scheduleRemindersRequest struct {
	// Reschedule marks the call as following a time change; it only affects
	// which lifecycle event is recorded.
	Reschedule bool `json:"reschedule"`
}

type scheduleRemindersResponse struct {
	AppointmentID string   `json:"appointment_id"`
	JobIDs        []string `json:"job_ids"`
}

// ScheduleReminders (re)builds the reminder jobs from the stored appointment.
func (h *AppointmentHandler) ScheduleReminders(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.load(w, r)
	if !ok {
		return
	}
	var req scheduleRemindersRequest
	if err := core.DecodeJSON(w, r, &req, true); err != nil {
		core.Error(w, r, err)
		return
	}
	if !appt.AcceptsReminders() {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeConflictAppointmentState,
			"appointment does not accept reminders", nil, map[string]any{"status": appt.Status}))
		return
	}

	in := reminders.ScheduleInput{
		AppointmentID:  appt.ID,
		OrganizationID: appt.OrganizationID,
		CustomerID:     appt.CustomerID,
		ScheduledAt:    appt.ScheduledAt,
	}
	if appt.TechnicianID != nil {
		in.TechnicianID = *appt.TechnicianID
	}
	ids, err := h.reminders.ScheduleReminders(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	eventType := types.EventAppointmentScheduled
	if req.Reschedule {
		eventType = types.EventAppointmentRescheduled
	}
	h.emit(r.Context(), eventType, appt)

	if ids == nil {
		ids = []string{}
	}
	core.Data(w, r, http.StatusOK, scheduleRemindersResponse{AppointmentID: appt.ID, JobIDs: ids})
}

func (h *AppointmentHandler) CancelReminders(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.load(w, r)
	if !ok {
		return
	}
	n, err := h.reminders.CancelReminders(r.Context(), appt.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, map[string]any{"appointment_id": appt.ID, "deleted": n})
}

// Cancel closes the appointment, drops its reminders and records
// appointment_canceled.
func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.appointments.UpdateStatus(r.Context(), appt.OrganizationID, appt.ID, types.AppointmentCanceled); err != nil {
		core.Error(w, r, err)
		return
	}
	n, err := h.reminders.CancelReminders(r.Context(), appt.ID)
	if err != nil {
		// The appointment is already canceled; leftover reminders are
		// skipped by the handler when they come due.
		h.logger.ErrorContext(r.Context(), "failed to delete reminders of canceled appointment",
			"appointment_id", appt.ID, "error", err)
	}
	h.emit(r.Context(), types.EventAppointmentCanceled, appt)

	core.Data(w, r, http.StatusOK, map[string]any{
		"appointment_id":    appt.ID,
		"status":            types.AppointmentCanceled,
		"reminders_deleted": n,
	})
}

func (h *AppointmentHandler) load(w http.ResponseWriter, r *http.Request) (*types.Appointment, bool) {
	orgID, err := core.OrgID(r)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	appt, err := h.appointments.Get(r.Context(), orgID, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	return appt, true
}

func (h *AppointmentHandler) emit(ctx context.Context, t types.EventType, appt *types.Appointment) {
	_, err := h.events.Emit(ctx, types.EmitInput{
		Type:           t,
		OrganizationID: appt.OrganizationID,
		AggregateType:  types.AggregateAppointment,
		AggregateID:    appt.ID,
		Data: types.AppointmentData{
			AppointmentID: appt.ID,
			CustomerID:    appt.CustomerID,
			ScheduledAt:   appt.ScheduledAt,
		},
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to record appointment event",
			"appointment_id", appt.ID, "event_type", t, "error", err)
	}
}
