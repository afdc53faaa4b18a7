package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"

	"crewdesk/internal/core"
	"crewdesk/internal/external"
	"crewdesk/internal/types"
)

const maxWebhookBodySize = 64 * 1024

// Invoice metadata keys set when CrewDesk creates the Stripe invoice.
const (
	metaOrganizationID = "organization_id"
	metaInvoiceID      = "crewdesk_invoice_id"
)

// StripeWebhookHandler turns invoice.paid deliveries into invoice_paid
// events. It sits outside AdminAuth; the Stripe-Signature header is the
// credential.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	events   Emitter
	secret   string
	logger   *slog.Logger
}

func NewStripeWebhookHandler(verifier external.WebhookVerifier, events Emitter, secret string, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		events:   events,
		secret:   secret,
		logger:   logger.With("component", "stripe_webhook"),
	}
}

func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle acknowledges every verified delivery with 200, including ones it
// ignores or fails to process, so Stripe does not retry forever. Failures
// are logged; the event can be replayed from the Stripe dashboard.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidRequest, "failed to read request body", err))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sig, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid webhook event JSON", err))
		return
	}
	log := h.logger.With("stripe_event_id", event.ID, "stripe_event_type", string(event.Type))

	switch string(event.Type) {
	case external.EventStripeInvoicePaid:
		h.invoicePaid(r, log, &event)
	default:
		log.DebugContext(r.Context(), "ignoring stripe event")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) invoicePaid(r *http.Request, log *slog.Logger, event *stripe.Event) {
	if event.Data == nil {
		log.WarnContext(r.Context(), "invoice.paid without data")
		return
	}
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		log.ErrorContext(r.Context(), "failed to decode invoice object", "error", err)
		return
	}

	orgID, invoiceID := inv.Metadata[metaOrganizationID], inv.Metadata[metaInvoiceID]
	if orgID == "" || invoiceID == "" {
		log.WarnContext(r.Context(), "invoice is missing crewdesk metadata; ignoring", "stripe_invoice_id", inv.ID)
		return
	}

	eventID, err := h.events.Emit(r.Context(), types.EmitInput{
		Type:           types.EventInvoicePaid,
		OrganizationID: orgID,
		AggregateType:  types.AggregateInvoice,
		AggregateID:    invoiceID,
		Data:           types.InvoicePaidData{InvoiceID: invoiceID, StripeInvoiceID: inv.ID},
		Metadata:       map[string]any{"stripe_event_id": event.ID},
	})
	if err != nil {
		log.ErrorContext(r.Context(), "failed to record invoice_paid", "invoice_id", invoiceID, "error", err)
		return
	}
	log.InfoContext(r.Context(), "invoice paid", "invoice_id", invoiceID, "event_id", eventID)
}
