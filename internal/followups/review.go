package followups

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crewdesk/internal/jobqueue"
	"crewdesk/internal/types"
)

// ReviewRequests asks customers for a review a while after their job is
// completed.
type ReviewRequests struct {
	jobs      Jobs
	customers Customers
	sender    Sender
	settings  types.OrgSettingsLookup
	emitter   Emitter
	delay     time.Duration
	logger    *slog.Logger
}

func NewReviewRequests(jobs Jobs, customers Customers, sender Sender, settings types.OrgSettingsLookup, emitter Emitter, delay time.Duration, logger *slog.Logger) *ReviewRequests {
	if delay <= 0 {
		delay = DefaultReviewDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewRequests{
		jobs:      jobs,
		customers: customers,
		sender:    sender,
		settings:  settings,
		emitter:   emitter,
		delay:     delay,
		logger:    logger.With("component", "review_requests"),
	}
}

// Attach subscribes to job_completed and registers the job handler.
func (r *ReviewRequests) Attach(bus Subscriber) {
	bus.On(types.EventJobCompleted, r.OnJobCompleted)
	r.jobs.Register(types.JobReviewRequest, r.Process)
}

func (r *ReviewRequests) OnJobCompleted(ctx context.Context, e *types.DomainEvent) error {
	d, err := decodeData[types.JobCompletedData](e)
	if err != nil {
		return err
	}
	if d.ServiceJobID == "" {
		d.ServiceJobID = e.AggregateID
	}
	id, err := r.jobs.Enqueue(ctx, jobqueue.EnqueueOptions{
		Type:           types.JobReviewRequest,
		OrganizationID: e.OrganizationID,
		Payload: types.ReviewRequestPayload{
			ServiceJobID: d.ServiceJobID,
			CustomerID:   d.CustomerID,
			TechnicianID: d.TechnicianID,
		},
		Delay: r.delay,
	})
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "review request scheduled",
		"service_job_id", d.ServiceJobID, "job_id", id, "delay", r.delay)
	return nil
}

// Process sends the review request SMS. Quiet hours apply, so the message
// may be deferred rather than sent.
func (r *ReviewRequests) Process(ctx context.Context, job *types.DelayedJob) error {
	p, err := types.DecodePayload[types.ReviewRequestPayload](job)
	if err != nil {
		return err
	}
	log := r.logger.With("job_id", job.ID, "service_job_id", p.ServiceJobID)

	customer, ok, err := reachableCustomer(ctx, r.customers, log, job.OrganizationID, p.CustomerID)
	if err != nil || !ok {
		return err
	}

	settings, err := r.settings.GetSmsSettings(ctx, job.OrganizationID)
	if err != nil {
		return err
	}
	if settings.ReviewURL == "" {
		log.InfoContext(ctx, "organization has no review link; skipping")
		return nil
	}

	res, err := r.sender.SendTemplated(ctx, types.SendTemplatedInput{
		OrganizationID: job.OrganizationID,
		CustomerID:     customer.ID,
		To:             customer.Phone,
		Template:       types.TemplateReviewRequest,
		Variables:      map[string]string{"customer_name": customer.FirstName()},
		SenderType:     types.SenderSystem,
		Metadata:       map[string]any{"service_job_id": p.ServiceJobID, "job_id": job.ID},
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("review request delivery failed: %s", res.Error)
	}

	if _, err := r.emitter.Emit(ctx, types.EmitInput{
		Type:           types.EventReviewRequested,
		OrganizationID: job.OrganizationID,
		AggregateType:  types.AggregateServiceJob,
		AggregateID:    p.ServiceJobID,
		Data: types.ReviewRequestedData{
			ServiceJobID: p.ServiceJobID,
			CustomerID:   customer.ID,
			Queued:       res.Queued,
		},
	}); err != nil {
		log.ErrorContext(ctx, "failed to record review_requested", "error", err)
	}
	log.InfoContext(ctx, "review request sent", "queued", res.Queued)
	return nil
}
