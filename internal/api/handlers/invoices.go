package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crewdesk/internal/core"
	"crewdesk/internal/types"
)

type InvoiceHandler struct {
	events    Emitter
	validator *core.Validator
	logger    *slog.Logger
}

func NewInvoiceHandler(events Emitter, v *core.Validator, logger *slog.Logger) *InvoiceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceHandler{events: events, validator: v, logger: logger}
}

func (h *InvoiceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/invoices/{id}/sent", h.MarkSent)
}

type invoiceSentRequest struct {
	StripeInvoiceID string     `json:"stripe_invoice_id" validate:"required,startswith=in_"`
	CustomerID      string     `json:"customer_id" validate:"required"`
	AmountDueCents  int64      `json:"amount_due_cents" validate:"gte=0"`
	DueAt           *time.Time `json:"due_at"`
}

// MarkSent emits invoice_sent, which schedules the payment reminder.
func (h *InvoiceHandler) MarkSent(w http.ResponseWriter, r *http.Request) {
	orgID, err := core.OrgID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req invoiceSentRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	invoiceID := chi.URLParam(r, "id")
	data := types.InvoiceSentData{
		InvoiceID:       invoiceID,
		StripeInvoiceID: req.StripeInvoiceID,
		CustomerID:      req.CustomerID,
		AmountDueCents:  req.AmountDueCents,
	}
	if req.DueAt != nil {
		data.DueAt = req.DueAt.UTC()
	}

	eventID, err := h.events.Emit(r.Context(), types.EmitInput{
		Type:           types.EventInvoiceSent,
		OrganizationID: orgID,
		AggregateType:  types.AggregateInvoice,
		AggregateID:    invoiceID,
		Data:           data,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "invoice sent", "invoice_id", invoiceID, "event_id", eventID)
	core.Data(w, r, http.StatusAccepted, eventAccepted{EventID: eventID})
}
