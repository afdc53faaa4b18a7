// Package events records domain events durably and fans them out to
// in-process observers on a best-effort basis.
//
// Emit persists the event before returning. Handlers then run in the
// background, each isolated from the others; a failing handler is logged and
// never retried. Replay re-runs handlers for stored events when recovery is
// needed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewdesk/internal/types"
)

// Handler observes one event. Any number of handlers may observe a type.
type Handler func(ctx context.Context, event *types.DomainEvent) error

// Store is the persistence the bus needs. *db.EventRepository implements it.
type Store interface {
	Insert(ctx context.Context, e *types.DomainEvent) error
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	ListSince(ctx context.Context, orgID string, from time.Time, eventTypes []types.EventType) ([]*types.DomainEvent, error)
}

type Option func(*Bus)

func WithClock(c types.Clock) Option { return func(b *Bus) { b.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithHandlerTimeout bounds each handler invocation during async dispatch
// and replay.
func WithHandlerTimeout(d time.Duration) Option { return func(b *Bus) { b.timeout = d } }

func withIDFunc(f func() string) Option { return func(b *Bus) { b.newID = f } }

type Bus struct {
	store   Store
	clock   types.Clock
	logger  *slog.Logger
	timeout time.Duration
	newID   func() string

	mu       sync.RWMutex
	handlers map[types.EventType][]Handler

	inflight sync.WaitGroup
}

func New(store Store, opts ...Option) *Bus {
	b := &Bus{
		store:    store,
		clock:    types.RealClock{},
		logger:   slog.Default(),
		newID:    func() string { return "evt_" + uuid.NewString() },
		handlers: make(map[types.EventType][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "events")
	return b
}

// On appends handler to the observers of eventType.
func (b *Bus) On(eventType types.EventType, handler Handler) {
	b.OnMany([]types.EventType{eventType}, handler)
}

// OnMany appends handler to the observers of every listed type.
func (b *Bus) OnMany(eventTypes []types.EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

func (b *Bus) handlersFor(t types.EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := b.handlers[t]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// Emit persists the event and schedules its handlers. Only a persistence
// failure is returned; handler outcomes never reach the caller.
func (b *Bus) Emit(ctx context.Context, in types.EmitInput) (string, error) {
	if !in.Type.Valid() {
		return "", types.NewAppError(types.ErrCodeValidationInvalidRequest, fmt.Sprintf("unknown event type %q", in.Type), nil)
	}
	if in.OrganizationID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "organization_id is required", nil)
	}

	data := []byte("{}")
	if in.Data != nil {
		var err error
		if data, err = json.Marshal(in.Data); err != nil {
			return "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "event data is not serializable", err)
		}
	}

	event := &types.DomainEvent{
		ID:             b.newID(),
		Type:           in.Type,
		OrganizationID: in.OrganizationID,
		AggregateType:  in.AggregateType,
		AggregateID:    in.AggregateID,
		Data:           data,
		Metadata:       in.Metadata,
	}
	if requestID := types.GetRequestID(ctx); requestID != "" {
		// The caller keeps ownership of in.Metadata.
		metadata := make(map[string]any, len(in.Metadata)+1)
		maps.Copy(metadata, in.Metadata)
		metadata["request_id"] = requestID
		event.Metadata = metadata
	}
	if err := b.store.Insert(ctx, event); err != nil {
		return "", err
	}

	b.logger.InfoContext(ctx, "event emitted",
		"event_id", event.ID, "event_type", event.Type, "org_id", event.OrganizationID,
		"aggregate_type", event.AggregateType, "aggregate_id", event.AggregateID)

	// Handlers outlive the emitting request.
	dispatchCtx := context.WithoutCancel(ctx)
	handlers := b.handlersFor(event.Type)
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.dispatch(dispatchCtx, event, handlers)
		if err := b.store.MarkProcessed(dispatchCtx, event.ID, b.clock.Now()); err != nil {
			b.logger.ErrorContext(dispatchCtx, "failed to mark event processed", "event_id", event.ID, "error", err)
		}
	}()

	return event.ID, nil
}

// dispatch runs every handler concurrently and returns once all settle.
func (b *Bus) dispatch(ctx context.Context, event *types.DomainEvent, handlers []Handler) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for i, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.call(ctx, event, h); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				b.logger.ErrorContext(ctx, "event handler failed",
					"event_id", event.ID, "event_type", event.Type, "handler", i, "error", err)
			}
		}()
	}
	wg.Wait()
	return failed
}

func (b *Bus) call(ctx context.Context, event *types.DomainEvent, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewAppError(types.ErrCodeInternalHandlerPanic, fmt.Sprintf("event handler panic: %v", r), nil)
		}
	}()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return h(ctx, event)
}

// Replay re-runs the handlers of stored events for orgID created at or after
// from, oldest first. An empty eventTypes matches every type. Each event's
// handlers finish before the next event starts. It returns how many events
// were replayed.
func (b *Bus) Replay(ctx context.Context, orgID string, from time.Time, eventTypes ...types.EventType) (int, error) {
	for _, t := range eventTypes {
		if !t.Valid() {
			return 0, types.NewAppError(types.ErrCodeValidationInvalidRequest, fmt.Sprintf("unknown event type %q", t), nil)
		}
	}

	evts, err := b.store.ListSince(ctx, orgID, from, eventTypes)
	if err != nil {
		return 0, err
	}

	var failures int
	for _, e := range evts {
		failures += b.dispatch(ctx, e, b.handlersFor(e.Type))
	}

	b.logger.InfoContext(ctx, "events replayed",
		"org_id", orgID, "from", from, "count", len(evts), "handler_failures", failures)
	return len(evts), nil
}

// Wait blocks until every dispatch started by Emit has finished, or ctx is
// done.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
