package types

import "time"

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "scheduled"
	AppointmentConfirmed  AppointmentStatus = "confirmed"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCanceled   AppointmentStatus = "canceled"
	AppointmentNoShow     AppointmentStatus = "no_show"
)

// Appointment is a scheduled visit to a customer.
type Appointment struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	CustomerID     string            `json:"customer_id"`
	TechnicianID   *string           `json:"technician_id,omitempty"`
	ScheduledAt    time.Time         `json:"scheduled_at"`
	Status         AppointmentStatus `json:"status"`
	ServiceType    string            `json:"service_type"`
	Address        string            `json:"address,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AcceptsReminders reports whether a reminder may still be sent.
func (a *Appointment) AcceptsReminders() bool {
	return a.Status == AppointmentScheduled || a.Status == AppointmentConfirmed
}

// Customer is a contact of an organization.
type Customer struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
}

// FirstName returns the first word of the customer's name.
func (c *Customer) FirstName() string {
	for i, r := range c.Name {
		if r == ' ' {
			return c.Name[:i]
		}
	}
	return c.Name
}

// Technician is a field worker assigned to appointments.
type Technician struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// InvoiceStatus mirrors the Stripe invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// InvoiceSummary is the subset of a Stripe invoice the payment reminder needs.
type InvoiceSummary struct {
	ID              string        `json:"id"`
	Status          InvoiceStatus `json:"status"`
	AmountDue       int64         `json:"amount_due"`
	AmountRemaining int64         `json:"amount_remaining"`
	HostedURL       string        `json:"hosted_invoice_url"`
	Currency        string        `json:"currency"`
	CustomerEmail   string        `json:"customer_email"`
	DueDate         *time.Time    `json:"due_date,omitempty"`
}

// SenderIdentity is the "from" of an outbound email.
type SenderIdentity struct {
	Name    string
	Address string
}

// EmailInput is a pre-rendered outbound email.
type EmailInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
}
