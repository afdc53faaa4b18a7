package followups

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crewdesk/internal/jobqueue"
	"crewdesk/internal/sms"
	"crewdesk/internal/types"
)

// PaymentReminders texts customers whose invoice is still open once its due
// date and a grace period have passed. Paying the invoice cancels the
// reminder.
type PaymentReminders struct {
	jobs      Jobs
	customers Customers
	sender    Sender
	invoices  InvoiceLookup
	grace     time.Duration
	clock     types.Clock
	logger    *slog.Logger
}

func NewPaymentReminders(jobs Jobs, customers Customers, sender Sender, invoices InvoiceLookup, grace time.Duration, clock types.Clock, logger *slog.Logger) *PaymentReminders {
	if grace <= 0 {
		grace = DefaultPaymentReminderWait
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentReminders{
		jobs:      jobs,
		customers: customers,
		sender:    sender,
		invoices:  invoices,
		grace:     grace,
		clock:     clock,
		logger:    logger.With("component", "payment_reminders"),
	}
}

func (p *PaymentReminders) Attach(bus Subscriber) {
	bus.On(types.EventInvoiceSent, p.OnInvoiceSent)
	bus.On(types.EventInvoicePaid, p.OnInvoicePaid)
	p.jobs.Register(types.JobInvoicePaymentReminder, p.Process)
}

// OnInvoiceSent schedules the reminder for due date plus grace. Invoices
// without a due date are measured from now.
func (p *PaymentReminders) OnInvoiceSent(ctx context.Context, e *types.DomainEvent) error {
	d, err := decodeData[types.InvoiceSentData](e)
	if err != nil {
		return err
	}
	if d.InvoiceID == "" {
		d.InvoiceID = e.AggregateID
	}
	if d.StripeInvoiceID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invoice_sent without stripe_invoice_id", nil)
	}

	base := d.DueAt
	if base.IsZero() {
		base = p.clock.Now()
	}
	at := base.Add(p.grace)

	id, err := p.jobs.Enqueue(ctx, jobqueue.EnqueueOptions{
		Type:           types.JobInvoicePaymentReminder,
		OrganizationID: e.OrganizationID,
		Payload: types.InvoicePaymentReminderPayload{
			InvoiceID:       d.InvoiceID,
			StripeInvoiceID: d.StripeInvoiceID,
			CustomerID:      d.CustomerID,
			AmountDueCents:  d.AmountDueCents,
			DueAt:           d.DueAt,
		},
		ProcessAfter: &at,
	})
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "payment reminder scheduled",
		"invoice_id", d.InvoiceID, "job_id", id, "process_after", at)
	return nil
}

// OnInvoicePaid drops any reminder still waiting for the invoice.
func (p *PaymentReminders) OnInvoicePaid(ctx context.Context, e *types.DomainEvent) error {
	d, err := decodeData[types.InvoicePaidData](e)
	if err != nil {
		return err
	}
	if d.InvoiceID == "" {
		d.InvoiceID = e.AggregateID
	}
	n, err := p.jobs.DeletePendingByRef(ctx, types.JobInvoicePaymentReminder,
		types.JobRef{Type: types.RefInvoice, ID: d.InvoiceID})
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "payment reminders canceled", "invoice_id", d.InvoiceID, "deleted", n)
	return nil
}

// Process checks Stripe before sending so an invoice paid outside the
// webhook path is not chased.
func (p *PaymentReminders) Process(ctx context.Context, job *types.DelayedJob) error {
	pl, err := types.DecodePayload[types.InvoicePaymentReminderPayload](job)
	if err != nil {
		return err
	}
	log := p.logger.With("job_id", job.ID, "invoice_id", pl.InvoiceID)

	inv, err := p.invoices.GetInvoice(ctx, pl.StripeInvoiceID)
	if isNotFound(err) {
		log.WarnContext(ctx, "invoice not found at Stripe; skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if inv.Status != types.InvoiceOpen || inv.AmountRemaining <= 0 {
		log.InfoContext(ctx, "invoice no longer collectible; skipping", "status", inv.Status)
		return nil
	}

	customer, ok, err := reachableCustomer(ctx, p.customers, log, job.OrganizationID, pl.CustomerID)
	if err != nil || !ok {
		return err
	}

	res, err := p.sender.SendTemplated(ctx, types.SendTemplatedInput{
		OrganizationID: job.OrganizationID,
		CustomerID:     customer.ID,
		To:             customer.Phone,
		Template:       types.TemplatePaymentReminder,
		Variables: map[string]string{
			"customer_name": customer.FirstName(),
			"amount":        sms.FormatCents(inv.AmountRemaining, inv.Currency),
			"payment_url":   inv.HostedURL,
		},
		SenderType: types.SenderSystem,
		Metadata:   map[string]any{"invoice_id": pl.InvoiceID, "job_id": job.ID},
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("payment reminder delivery failed: %s", res.Error)
	}
	log.InfoContext(ctx, "payment reminder sent", "queued", res.Queued, "amount_remaining", inv.AmountRemaining)
	return nil
}
