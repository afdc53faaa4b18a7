package types

import "time"

// SenderType records who authored an outbound message.
type SenderType string

const (
	SenderAI     SenderType = "ai"
	SenderUser   SenderType = "user"
	SenderSystem SenderType = "system"
)

// TemplateType names a rendered SMS template.
type TemplateType string

const (
	TemplateAppointmentReminder24h TemplateType = "appointment_reminder_24h"
	TemplateAppointmentReminder2h  TemplateType = "appointment_reminder_2h"
	TemplateReviewRequest          TemplateType = "review_request"
	TemplatePaymentReminder        TemplateType = "payment_reminder"
)

// MaxSmsAttempts is the fixed per-row attempt cap of the quiet-hours queue.
const MaxSmsAttempts = 3

// QueuedSms is an outbound SMS deferred until an organization's quiet hours
// end.
type QueuedSms struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	CustomerID     string         `json:"customer_id"`
	ConversationID *string        `json:"conversation_id,omitempty"`
	To             string         `json:"to"`
	Message        string         `json:"message"`
	TemplateType   *TemplateType  `json:"template_type,omitempty"`
	SenderType     SenderType     `json:"sender_type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ProcessAfter   time.Time      `json:"process_after"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	TwilioSID      *string        `json:"twilio_sid,omitempty"`
	MessageID      *string        `json:"message_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Status returns the derived lifecycle state using the fixed attempt cap.
func (q *QueuedSms) Status() JobStatus {
	return deriveStatus(q.ProcessedAt, q.LastError, q.Attempts, MaxSmsAttempts)
}

// SendInput is the request shape of the SMS send contract.
type SendInput struct {
	OrganizationID string
	CustomerID     string
	ConversationID *string
	To             string
	Message        string
	TemplateType   *TemplateType
	SenderType     SenderType
	Metadata       map[string]any
	// Urgent bypasses quiet-hours deferral.
	Urgent bool
}

// SendTemplatedInput renders Template with Variables before sending.
type SendTemplatedInput struct {
	OrganizationID string
	CustomerID     string
	To             string
	Template       TemplateType
	Variables      map[string]string
	SenderType     SenderType
	Metadata       map[string]any
	Urgent         bool
}

// SendResult is the response shape of the SMS send contract. A deferred
// message reports Success with Queued set and QueuedID populated.
type SendResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	TwilioSID string `json:"twilio_sid,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	QueuedID  string `json:"queued_id,omitempty"`
}

// QuietHours is an organization's SMS quiet window. Start and End are "HH:MM"
// wall-clock times in Timezone; Start > End denotes an overnight window.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// SmsSettings are the per-organization messaging settings consumed by the
// SMS service and quiet-hours queue.
type SmsSettings struct {
	OrganizationID   string     `json:"organization_id"`
	OrganizationName string     `json:"organization_name"`
	FromNumber       string     `json:"from_number,omitempty"`
	ReviewURL        string     `json:"review_url,omitempty"`
	QuietHours       QuietHours `json:"quiet_hours"`
}
