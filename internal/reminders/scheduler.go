// Package reminders schedules and delivers the anticipatory appointment
// reminders sent 24 hours and 2 hours before a visit.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"crewdesk/internal/jobqueue"
	"crewdesk/internal/types"
)

// MaxAttempts is the retry budget of each reminder job.
const MaxAttempts = 2

var kinds = []types.ReminderKind{types.Reminder24h, types.Reminder2h}

// Jobs is the slice of the job queue the scheduler uses.
type Jobs interface {
	Enqueue(ctx context.Context, opts jobqueue.EnqueueOptions) (string, error)
	DeletePendingByRef(ctx context.Context, jobType types.JobType, ref types.JobRef) (int64, error)
}

// Registrar accepts the reminder handler. *jobqueue.Queue implements it.
type Registrar interface {
	Register(jobType types.JobType, handler jobqueue.Handler, opts ...jobqueue.RegisterOption)
}

type Appointments interface {
	Get(ctx context.Context, orgID, id string) (*types.Appointment, error)
	StampMetadata(ctx context.Context, id, key string, at time.Time) error
}

type Contacts interface {
	GetCustomer(ctx context.Context, orgID, id string) (*types.Customer, error)
	GetTechnician(ctx context.Context, orgID, id string) (*types.Technician, error)
}

// Sender renders and sends a templated SMS. *sms.Service implements it.
type Sender interface {
	SendTemplated(ctx context.Context, in types.SendTemplatedInput) (*types.SendResult, error)
}

// SentMarker guards against a second delivery when a retry follows a send
// whose bookkeeping failed. *cache.SentCache implements it.
type SentMarker interface {
	Lookup(ctx context.Context, key string) (sid string, found bool, err error)
	Mark(ctx context.Context, key, sid string) error
}

type ScheduleInput struct {
	AppointmentID  string    `json:"appointment_id"`
	OrganizationID string    `json:"organization_id"`
	CustomerID     string    `json:"customer_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	TechnicianID   string    `json:"technician_id,omitempty"`
}

type Option func(*Scheduler)

func WithClock(c types.Clock) Option { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }
func WithSentMarker(m SentMarker) Option { return func(s *Scheduler) { s.marker = m } }

type Scheduler struct {
	jobs         Jobs
	appointments Appointments
	contacts     Contacts
	sender       Sender
	settings     types.OrgSettingsLookup
	marker       SentMarker
	clock        types.Clock
	logger       *slog.Logger
}

func New(jobs Jobs, appointments Appointments, contacts Contacts, sender Sender, settings types.OrgSettingsLookup, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:         jobs,
		appointments: appointments,
		contacts:     contacts,
		sender:       sender,
		settings:     settings,
		clock:        types.RealClock{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "reminders")
	return s
}

// Register installs ProcessReminder as the appointment reminder handler.
func (s *Scheduler) Register(r Registrar, opts ...jobqueue.RegisterOption) {
	r.Register(types.JobAppointmentReminder, s.ProcessReminder, opts...)
}

// ScheduleReminders replaces any pending reminders for the appointment with
// fresh 24h and 2h reminders. Targets already in the past are skipped, so the
// result holds zero, one or two job ids.
func (s *Scheduler) ScheduleReminders(ctx context.Context, in ScheduleInput) ([]string, error) {
	if in.AppointmentID == "" || in.OrganizationID == "" || in.CustomerID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "appointment_id, organization_id and customer_id are required", nil)
	}
	if in.ScheduledAt.IsZero() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTime, "scheduled_at is required", nil)
	}

	ref := types.JobRef{Type: types.RefAppointment, ID: in.AppointmentID}
	replaced, err := s.jobs.DeletePendingByRef(ctx, types.JobAppointmentReminder, ref)
	if err != nil {
		return nil, err
	}

	var techName string
	if in.TechnicianID != "" {
		tech, err := s.contacts.GetTechnician(ctx, in.OrganizationID, in.TechnicianID)
		if err != nil {
			s.logger.WarnContext(ctx, "technician lookup failed; reminders will omit the name",
				"appointment_id", in.AppointmentID, "technician_id", in.TechnicianID, "error", err)
		} else {
			techName = tech.Name
		}
	}

	now := s.clock.Now()
	ids := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		target := in.ScheduledAt.Add(-kind.Lead())
		if !target.After(now) {
			continue
		}
		id, err := s.jobs.Enqueue(ctx, jobqueue.EnqueueOptions{
			Type:           types.JobAppointmentReminder,
			OrganizationID: in.OrganizationID,
			Payload: types.AppointmentReminderPayload{
				AppointmentID:  in.AppointmentID,
				CustomerID:     in.CustomerID,
				TechnicianID:   in.TechnicianID,
				TechnicianName: techName,
				Kind:           kind,
				ScheduledAt:    in.ScheduledAt,
			},
			ProcessAfter: &target,
			MaxAttempts:  MaxAttempts,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	s.logger.InfoContext(ctx, "appointment reminders scheduled",
		"appointment_id", in.AppointmentID, "org_id", in.OrganizationID,
		"scheduled", len(ids), "replaced", replaced)
	return ids, nil
}

// CancelReminders deletes the appointment's pending reminders.
func (s *Scheduler) CancelReminders(ctx context.Context, appointmentID string) (int64, error) {
	n, err := s.jobs.DeletePendingByRef(ctx, types.JobAppointmentReminder,
		types.JobRef{Type: types.RefAppointment, ID: appointmentID})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "appointment reminders canceled", "appointment_id", appointmentID, "deleted", n)
	return n, nil
}

// ProcessReminder delivers one reminder. Conditions that make the reminder
// moot (appointment gone or closed, no phone on file) complete the job
// without sending; delivery failures return an error so the queue retries.
func (s *Scheduler) ProcessReminder(ctx context.Context, job *types.DelayedJob) error {
	p, err := types.DecodePayload[types.AppointmentReminderPayload](job)
	if err != nil {
		return err
	}
	log := s.logger.With("job_id", job.ID, "appointment_id", p.AppointmentID, "kind", p.Kind)

	appt, err := s.appointments.Get(ctx, job.OrganizationID, p.AppointmentID)
	if isNotFound(err) {
		log.InfoContext(ctx, "appointment no longer exists; skipping reminder")
		return nil
	}
	if err != nil {
		return err
	}
	if !appt.AcceptsReminders() {
		log.InfoContext(ctx, "appointment not open for reminders; skipping", "status", appt.Status)
		return nil
	}

	customer, err := s.contacts.GetCustomer(ctx, job.OrganizationID, p.CustomerID)
	if isNotFound(err) {
		log.WarnContext(ctx, "customer not found; skipping reminder", "customer_id", p.CustomerID)
		return nil
	}
	if err != nil {
		return err
	}
	if customer.Phone == "" {
		log.WarnContext(ctx, "customer has no phone number; skipping reminder", "customer_id", p.CustomerID)
		return nil
	}

	key := markerKey(appt.ID, p.Kind, appt.ScheduledAt)
	if s.marker != nil {
		if sid, found, err := s.marker.Lookup(ctx, key); err != nil {
			log.WarnContext(ctx, "sent marker lookup failed", "error", err)
		} else if found {
			log.InfoContext(ctx, "reminder already delivered", "twilio_sid", sid)
			s.stamp(ctx, log, appt.ID, p.Kind)
			return nil
		}
	}

	settings, err := s.settings.GetSmsSettings(ctx, job.OrganizationID)
	if err != nil {
		return err
	}

	res, err := s.sender.SendTemplated(ctx, types.SendTemplatedInput{
		OrganizationID: job.OrganizationID,
		CustomerID:     customer.ID,
		To:             customer.Phone,
		Template:       p.Kind.Template(),
		Variables: map[string]string{
			"customer_name":   customer.FirstName(),
			"time":            localTime(appt.ScheduledAt, settings.QuietHours.Timezone),
			"technician_name": p.TechnicianName,
		},
		SenderType: types.SenderSystem,
		Metadata: map[string]any{
			"appointment_id": appt.ID,
			"reminder_kind":  string(p.Kind),
			"job_id":         job.ID,
		},
		Urgent: true,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("reminder delivery failed: %s", res.Error)
	}

	if s.marker != nil {
		if err := s.marker.Mark(ctx, key, res.TwilioSID); err != nil {
			log.WarnContext(ctx, "failed to write sent marker", "error", err)
		}
	}
	s.stamp(ctx, log, appt.ID, p.Kind)
	log.InfoContext(ctx, "appointment reminder sent", "twilio_sid", res.TwilioSID)
	return nil
}

// stamp records <kind>_sent_at on the appointment. A failure is logged only;
// the message is already out.
func (s *Scheduler) stamp(ctx context.Context, log *slog.Logger, appointmentID string, kind types.ReminderKind) {
	if err := s.appointments.StampMetadata(ctx, appointmentID, string(kind)+"_sent_at", s.clock.Now()); err != nil {
		log.ErrorContext(ctx, "failed to stamp reminder on appointment", "error", err)
	}
}

func markerKey(appointmentID string, kind types.ReminderKind, scheduledAt time.Time) string {
	return "reminder:" + appointmentID + ":" + string(kind) + ":" + strconv.FormatInt(scheduledAt.Unix(), 10)
}

func localTime(t time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	return t.In(loc).Format("3:04 PM")
}

func isNotFound(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case types.ErrCodeNotFoundAppointment, types.ErrCodeNotFoundCustomer:
		return true
	}
	return false
}
