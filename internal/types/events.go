package types

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of domain lifecycle facts.
type EventType string

const (
	EventAppointmentScheduled   EventType = "appointment_scheduled"
	EventAppointmentRescheduled EventType = "appointment_rescheduled"
	EventAppointmentCanceled    EventType = "appointment_canceled"
	EventJobCompleted           EventType = "job_completed"
	EventInvoiceSent            EventType = "invoice_sent"
	EventInvoicePaid            EventType = "invoice_paid"
	EventReviewRequested        EventType = "review_requested"
	EventJobExhausted           EventType = "job_exhausted"
)

// AllEventTypes lists every EventType in declaration order.
var AllEventTypes = []EventType{
	EventAppointmentScheduled,
	EventAppointmentRescheduled,
	EventAppointmentCanceled,
	EventJobCompleted,
	EventInvoiceSent,
	EventInvoicePaid,
	EventReviewRequested,
	EventJobExhausted,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AggregateType names the entity an event is about.
type AggregateType string

const (
	AggregateAppointment AggregateType = "appointment"
	AggregateServiceJob  AggregateType = "service_job"
	AggregateInvoice     AggregateType = "invoice"
	AggregateDelayedJob  AggregateType = "delayed_job"
)

// DomainEvent is the append-only audit record of a state transition.
// ProcessedAt marks that handlers were attempted, not that they succeeded.
type DomainEvent struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	OrganizationID string          `json:"organization_id"`
	AggregateType  AggregateType   `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Data           json.RawMessage `json:"data"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// JobCompletedData accompanies EventJobCompleted.
type JobCompletedData struct {
	ServiceJobID string `json:"service_job_id"`
	CustomerID   string `json:"customer_id"`
	TechnicianID string `json:"technician_id,omitempty"`
}

// InvoiceSentData accompanies EventInvoiceSent.
type InvoiceSentData struct {
	InvoiceID       string    `json:"invoice_id"`
	StripeInvoiceID string    `json:"stripe_invoice_id"`
	CustomerID      string    `json:"customer_id"`
	AmountDueCents  int64     `json:"amount_due_cents"`
	DueAt           time.Time `json:"due_at"`
}

// InvoicePaidData accompanies EventInvoicePaid.
type InvoicePaidData struct {
	InvoiceID       string `json:"invoice_id"`
	StripeInvoiceID string `json:"stripe_invoice_id"`
}

// AppointmentData accompanies the appointment lifecycle events.
type AppointmentData struct {
	AppointmentID string    `json:"appointment_id"`
	CustomerID    string    `json:"customer_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// ReviewRequestedData accompanies EventReviewRequested.
type ReviewRequestedData struct {
	ServiceJobID string `json:"service_job_id"`
	CustomerID   string `json:"customer_id"`
	Queued       bool   `json:"queued"`
}

// JobExhaustedData accompanies EventJobExhausted.
type JobExhaustedData struct {
	JobID       string  `json:"job_id"`
	JobType     JobType `json:"job_type"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   string  `json:"last_error"`
}

// EmitInput describes an event to record. Data is marshaled to JSON by the bus.
type EmitInput struct {
	Type           EventType
	OrganizationID string
	AggregateType  AggregateType
	AggregateID    string
	Data           any
	Metadata       map[string]any
}
