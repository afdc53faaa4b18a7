package external

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"crewdesk/internal/types"
)

// Stubs let the application boot in local and test mode without vendor
// credentials. They log every call and return predictable values.

// StubSMSProvider accepts every message.
type StubSMSProvider struct {
	logger *slog.Logger
}

func NewStubSMSProvider(logger *slog.Logger) *StubSMSProvider {
	return &StubSMSProvider{logger: logger}
}

func (s *StubSMSProvider) Send(ctx context.Context, msg SMSMessage) (*SMSReceipt, error) {
	sid := "SMstub" + uuid.NewString()[:8]
	s.logger.InfoContext(ctx, "stub: sms send called",
		"to", msg.To,
		"body_length", len(msg.Body),
		"twilio_sid", sid,
	)
	return &SMSReceipt{SID: sid, Status: "queued"}, nil
}

// StubInvoiceLookup reports every invoice as open.
type StubInvoiceLookup struct {
	logger *slog.Logger
}

func NewStubInvoiceLookup(logger *slog.Logger) *StubInvoiceLookup {
	return &StubInvoiceLookup{logger: logger}
}

func (s *StubInvoiceLookup) GetInvoice(ctx context.Context, stripeInvoiceID string) (*types.InvoiceSummary, error) {
	s.logger.InfoContext(ctx, "stub: GetInvoice called", "stripe_invoice_id", stripeInvoiceID)
	return &types.InvoiceSummary{
		ID:        stripeInvoiceID,
		Status:    types.InvoiceOpen,
		HostedURL: fmt.Sprintf("https://invoice.stub.local/%s", stripeInvoiceID),
		Currency:  "usd",
	}, nil
}

// StubEmailProvider returns a fake message ID.
type StubEmailProvider struct {
	logger *slog.Logger
}

func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.EmailInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: email send called",
		"to", input.To,
		"subject", input.Subject,
		"reference_id", input.ReferenceID,
	)
	return "stub-msg-" + input.ReferenceID, nil
}

// StubWebhookVerifier accepts every payload.
type StubWebhookVerifier struct {
	logger *slog.Logger
}

func NewStubWebhookVerifier(logger *slog.Logger) *StubWebhookVerifier {
	return &StubWebhookVerifier{logger: logger}
}

func (s *StubWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	s.logger.Info("stub: webhook verify called", "payload_length", len(payload))
	return nil
}

var (
	_ SMSProvider     = (*StubSMSProvider)(nil)
	_ InvoiceLookup   = (*StubInvoiceLookup)(nil)
	_ EmailProvider   = (*StubEmailProvider)(nil)
	_ WebhookVerifier = (*StubWebhookVerifier)(nil)
)
