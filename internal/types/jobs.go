package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType discriminates the payload envelope of a DelayedJob. Each type has
// exactly one registered handler in the job queue.
type JobType string

const (
	JobAppointmentReminder    JobType = "appointment_reminder"
	JobReviewRequest          JobType = "review_request"
	JobInvoicePaymentReminder JobType = "invoice_payment_reminder"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobAppointmentReminder, JobReviewRequest, JobInvoicePaymentReminder:
		return true
	}
	return false
}

// RefType names the kind of entity a job payload points at.
type RefType string

const (
	RefAppointment RefType = "appointment"
	RefServiceJob  RefType = "service_job"
	RefInvoice     RefType = "invoice"
)

// JobRef is the indexed reference stored alongside a job so that "find jobs
// referencing appointment X" is a column predicate rather than a JSON path.
type JobRef struct {
	Type RefType `json:"ref_type"`
	ID   string  `json:"ref_id"`
}

// JobStatus is derived from the persisted columns; it is never stored.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusExhausted JobStatus = "exhausted"
	JobStatusProcessed JobStatus = "processed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Valid reports whether s is a known derived status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusExhausted, JobStatusProcessed, JobStatusCanceled:
		return true
	}
	return false
}

const (
	// DefaultMaxAttempts applies when an enqueue does not specify a budget.
	DefaultMaxAttempts = 3

	// CanceledMarker is written to last_error when a row is canceled before
	// it fires.
	CanceledMarker = "Canceled"
)

// DelayedJob is a persisted unit of deferred work.
type DelayedJob struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload"`
	Ref            JobRef          `json:"ref"`
	ProcessAfter   time.Time       `json:"process_after"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Exhausted reports whether the attempt budget is spent without a terminal
// outcome.
func (j *DelayedJob) Exhausted() bool {
	return j.ProcessedAt == nil && j.Attempts >= j.MaxAttempts
}

// Eligible reports whether a poll cycle at now may execute the job.
func (j *DelayedJob) Eligible(now time.Time) bool {
	return j.ProcessedAt == nil && !j.ProcessAfter.After(now) && j.Attempts < j.MaxAttempts
}

// Status returns the derived lifecycle state.
func (j *DelayedJob) Status() JobStatus {
	return deriveStatus(j.ProcessedAt, j.LastError, j.Attempts, j.MaxAttempts)
}

// MarshalJSON adds the derived status to the wire form.
func (j DelayedJob) MarshalJSON() ([]byte, error) {
	type alias DelayedJob
	return json.Marshal(struct {
		alias
		Status JobStatus `json:"status"`
	}{alias: alias(j), Status: j.Status()})
}

func deriveStatus(processedAt *time.Time, lastError *string, attempts, maxAttempts int) JobStatus {
	switch {
	case processedAt != nil && lastError != nil && *lastError == CanceledMarker:
		return JobStatusCanceled
	case processedAt != nil:
		return JobStatusProcessed
	case attempts >= maxAttempts:
		return JobStatusExhausted
	default:
		return JobStatusPending
	}
}

// JobPayload is implemented by every typed job envelope.
type JobPayload interface {
	JobType() JobType
	Reference() JobRef
}

// ReminderKind distinguishes the two anticipatory appointment reminders.
type ReminderKind string

const (
	Reminder24h ReminderKind = "reminder_24h"
	Reminder2h  ReminderKind = "reminder_2h"
)

// Lead returns how long before the appointment the reminder fires.
func (k ReminderKind) Lead() time.Duration {
	if k == Reminder2h {
		return 2 * time.Hour
	}
	return 24 * time.Hour
}

// Template returns the SMS template used for the reminder.
func (k ReminderKind) Template() TemplateType {
	if k == Reminder2h {
		return TemplateAppointmentReminder2h
	}
	return TemplateAppointmentReminder24h
}

// AppointmentReminderPayload is the envelope for JobAppointmentReminder.
type AppointmentReminderPayload struct {
	AppointmentID  string       `json:"appointment_id"`
	CustomerID     string       `json:"customer_id"`
	TechnicianID   string       `json:"technician_id,omitempty"`
	TechnicianName string       `json:"technician_name,omitempty"`
	Kind           ReminderKind `json:"kind"`
	ScheduledAt    time.Time    `json:"scheduled_at"`
}

func (AppointmentReminderPayload) JobType() JobType { return JobAppointmentReminder }

func (p AppointmentReminderPayload) Reference() JobRef {
	return JobRef{Type: RefAppointment, ID: p.AppointmentID}
}

// ReviewRequestPayload is the envelope for JobReviewRequest.
type ReviewRequestPayload struct {
	ServiceJobID string `json:"service_job_id"`
	CustomerID   string `json:"customer_id"`
	TechnicianID string `json:"technician_id,omitempty"`
}

func (ReviewRequestPayload) JobType() JobType { return JobReviewRequest }

func (p ReviewRequestPayload) Reference() JobRef {
	return JobRef{Type: RefServiceJob, ID: p.ServiceJobID}
}

// InvoicePaymentReminderPayload is the envelope for JobInvoicePaymentReminder.
type InvoicePaymentReminderPayload struct {
	InvoiceID       string    `json:"invoice_id"`
	StripeInvoiceID string    `json:"stripe_invoice_id"`
	CustomerID      string    `json:"customer_id"`
	AmountDueCents  int64     `json:"amount_due_cents"`
	DueAt           time.Time `json:"due_at"`
}

func (InvoicePaymentReminderPayload) JobType() JobType { return JobInvoicePaymentReminder }

func (p InvoicePaymentReminderPayload) Reference() JobRef {
	return JobRef{Type: RefInvoice, ID: p.InvoiceID}
}

// DecodePayload unmarshals a job's payload into its typed envelope. It fails
// when the job's type does not match the envelope's type.
func DecodePayload[T JobPayload](job *DelayedJob) (T, error) {
	var p T
	if job.Type != p.JobType() {
		return p, NewAppError(ErrCodeValidationInvalidPayload,
			fmt.Sprintf("job %s has type %s, expected %s", job.ID, job.Type, p.JobType()), nil)
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, NewAppError(ErrCodeValidationInvalidPayload,
			fmt.Sprintf("job %s payload is malformed", job.ID), err)
	}
	return p, nil
}

// JobFilter narrows job listings. Zero values mean "any".
type JobFilter struct {
	OrganizationID string
	Status         JobStatus
	Type           JobType
	Limit          int
}
