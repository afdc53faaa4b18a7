// Package followups reacts to completed work and sent invoices: it asks
// customers for reviews, chases unpaid invoices and alerts the operator when
// a delayed job gives up.
package followups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crewdesk/internal/events"
	"crewdesk/internal/jobqueue"
	"crewdesk/internal/types"
)

const (
	DefaultReviewDelay         = 2 * time.Hour
	DefaultPaymentReminderWait = 72 * time.Hour
)

type Jobs interface {
	Enqueue(ctx context.Context, opts jobqueue.EnqueueOptions) (string, error)
	DeletePendingByRef(ctx context.Context, jobType types.JobType, ref types.JobRef) (int64, error)
	Register(jobType types.JobType, handler jobqueue.Handler, opts ...jobqueue.RegisterOption)
}

// Subscriber is the slice of the event bus used to attach handlers.
type Subscriber interface {
	On(eventType types.EventType, handler events.Handler)
}

type Emitter interface {
	Emit(ctx context.Context, in types.EmitInput) (string, error)
}

type Customers interface {
	GetCustomer(ctx context.Context, orgID, id string) (*types.Customer, error)
}

type Sender interface {
	SendTemplated(ctx context.Context, in types.SendTemplatedInput) (*types.SendResult, error)
}

// InvoiceLookup reads live invoice state. external.InvoiceLookup satisfies
// it.
type InvoiceLookup interface {
	GetInvoice(ctx context.Context, stripeInvoiceID string) (*types.InvoiceSummary, error)
}

func decodeData[T any](e *types.DomainEvent) (T, error) {
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("event %s (%s) has malformed data", e.ID, e.Type), err)
	}
	return v, nil
}

func isNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code.HTTPStatus() == 404
}

// reachableCustomer loads the customer and reports whether a text can be
// sent. Lookup failures other than not-found are returned for retry.
func reachableCustomer(ctx context.Context, customers Customers, log *slog.Logger, orgID, customerID string) (*types.Customer, bool, error) {
	c, err := customers.GetCustomer(ctx, orgID, customerID)
	if isNotFound(err) {
		log.WarnContext(ctx, "customer not found; skipping", "customer_id", customerID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.Phone == "" {
		log.WarnContext(ctx, "customer has no phone number; skipping", "customer_id", customerID)
		return nil, false, nil
	}
	return c, true, nil
}
