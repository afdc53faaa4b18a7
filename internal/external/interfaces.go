package external

import (
	"context"

	"crewdesk/internal/types"
)

// ---------------------------------------------------------------------------
// SMS (Twilio)
// ---------------------------------------------------------------------------

// SMSMessage is one outbound text as handed to the SMS provider.
type SMSMessage struct {
	To   string
	From string
	Body string
}

// SMSReceipt is the provider's acknowledgement of an accepted message.
type SMSReceipt struct {
	SID    string
	Status string
}

// SMSProvider transmits rendered SMS bodies.
type SMSProvider interface {
	// Send hands msg to the carrier. A message the carrier refuses outright
	// (invalid or opted-out number) is reported as ErrCodeSmsUndeliverable.
	Send(ctx context.Context, msg SMSMessage) (*SMSReceipt, error)
}

// ---------------------------------------------------------------------------
// Payments (Stripe)
// ---------------------------------------------------------------------------

// InvoiceLookup reads the current state of a Stripe invoice.
type InvoiceLookup interface {
	GetInvoice(ctx context.Context, stripeInvoiceID string) (*types.InvoiceSummary, error)
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates payload against the signature header and signing
	// secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event types consumed by the webhook route.
const (
	EventStripeInvoiceFinalized = "invoice.finalized"
	EventStripeInvoiceSent      = "invoice.sent"
	EventStripeInvoicePaid      = "invoice.paid"
	EventStripePaymentFailed    = "invoice.payment_failed"
)

// ---------------------------------------------------------------------------
// Email (AWS SES)
// ---------------------------------------------------------------------------

// EmailProvider transmits pre-rendered email content and returns the
// provider's message ID.
type EmailProvider interface {
	Send(ctx context.Context, input types.EmailInput) (providerMsgID string, err error)
}
