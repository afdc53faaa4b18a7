package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdesk/internal/types"
)

type memStore struct {
	mu        sync.Mutex
	events    []*types.DomainEvent
	processed map[string]time.Time
	insertErr error
	now       time.Time
}

func newMemStore() *memStore {
	return &memStore{processed: map[string]time.Time{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *memStore) Insert(_ context.Context, e *types.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.now = s.now.Add(time.Second)
	e.CreatedAt = s.now
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[id] = at
	return nil
}

func (s *memStore) ListSince(_ context.Context, orgID string, from time.Time, eventTypes []types.EventType) ([]*types.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.DomainEvent
	for _, e := range s.events {
		if e.OrganizationID != orgID || e.CreatedAt.Before(from) {
			continue
		}
		if len(eventTypes) > 0 {
			match := false
			for _, t := range eventTypes {
				match = match || t == e.Type
			}
			if !match {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) isProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

func newTestBus(store *memStore, opts ...Option) *Bus {
	var (
		mu  sync.Mutex
		seq int
	)
	opts = append(opts, withIDFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("evt_%d", seq)
	}))
	return New(store, opts...)
}

func waitIdle(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func completed(org string) types.EmitInput {
	return types.EmitInput{
		Type:           types.EventJobCompleted,
		OrganizationID: org,
		AggregateType:  types.AggregateServiceJob,
		AggregateID:    "sj_1",
		Data:           types.JobCompletedData{ServiceJobID: "sj_1", CustomerID: "cus_1"},
	}
}

func TestEmit_PersistsAndFansOut(t *testing.T) {
	store := newMemStore()
	b := newTestBus(store)

	var (
		mu   sync.Mutex
		seen []string
	)
	record := func(name string) Handler {
		return func(_ context.Context, e *types.DomainEvent) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+e.ID)
			return nil
		}
	}
	b.On(types.EventJobCompleted, record("review"))
	b.OnMany([]types.EventType{types.EventJobCompleted, types.EventInvoicePaid}, record("stream"))
	b.On(types.EventInvoiceSent, record("unrelated"))

	id, err := b.Emit(context.Background(), completed("org_1"))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", id)
	waitIdle(t, b)

	assert.ElementsMatch(t, []string{"review:evt_1", "stream:evt_1"}, seen)
	require.Len(t, store.events, 1)
	assert.JSONEq(t, `{"service_job_id":"sj_1","customer_id":"cus_1"}`, string(store.events[0].Data))
	assert.True(t, store.isProcessed(id))
}

func TestEmit_HandlerFailuresAreIsolated(t *testing.T) {
	store := newMemStore()
	b := newTestBus(store)

	var ran sync.WaitGroup
	ran.Add(1)
	b.On(types.EventJobCompleted, func(context.Context, *types.DomainEvent) error { panic("boom") })
	b.On(types.EventJobCompleted, func(context.Context, *types.DomainEvent) error { return errors.New("smtp down") })
	b.On(types.EventJobCompleted, func(context.Context, *types.DomainEvent) error { ran.Done(); return nil })

	id, err := b.Emit(context.Background(), completed("org_1"))
	require.NoError(t, err)
	ran.Wait()
	waitIdle(t, b)

	assert.True(t, store.isProcessed(id), "processed_at marks attempted, not succeeded")
}

func TestEmit_PersistFailurePropagates(t *testing.T) {
	store := newMemStore()
	store.insertErr = types.NewAppError(types.ErrCodeInternalDB, "failed to persist event", errors.New("conn refused"))
	b := newTestBus(store)

	called := false
	b.On(types.EventJobCompleted, func(context.Context, *types.DomainEvent) error { called = true; return nil })

	_, err := b.Emit(context.Background(), completed("org_1"))
	require.Error(t, err)
	waitIdle(t, b)
	assert.False(t, called)
}

func TestEmit_Validation(t *testing.T) {
	b := newTestBus(newMemStore())

	_, err := b.Emit(context.Background(), types.EmitInput{Type: "bogus", OrganizationID: "org_1"})
	assert.Error(t, err)

	_, err = b.Emit(context.Background(), types.EmitInput{Type: types.EventInvoicePaid})
	assert.Error(t, err)
}

func TestEmit_HandlersSurviveCallerCancellation(t *testing.T) {
	store := newMemStore()
	b := newTestBus(store)

	release := make(chan struct{})
	var handlerErr error
	b.On(types.EventJobCompleted, func(ctx context.Context, _ *types.DomainEvent) error {
		<-release
		handlerErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Emit(ctx, completed("org_1"))
	require.NoError(t, err)
	cancel()
	close(release)
	waitIdle(t, b)
	assert.NoError(t, handlerErr)
}

func TestEmit_HandlerTimeout(t *testing.T) {
	b := newTestBus(newMemStore(), WithHandlerTimeout(10*time.Millisecond))

	var got error
	b.On(types.EventJobCompleted, func(ctx context.Context, _ *types.DomainEvent) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	})

	_, err := b.Emit(context.Background(), completed("org_1"))
	require.NoError(t, err)
	waitIdle(t, b)
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestEmit_CarriesRequestID(t *testing.T) {
	store := newMemStore()
	b := newTestBus(store)

	ctx := types.WithRequestID(context.Background(), "req_42")
	_, err := b.Emit(ctx, completed("org_1"))
	require.NoError(t, err)
	waitIdle(t, b)
	assert.Equal(t, "req_42", store.events[0].Metadata["request_id"])
}

func TestEmit_RequestIDDoesNotMutateCallerMetadata(t *testing.T) {
	store := newMemStore()
	b := newTestBus(store)

	shared := map[string]any{"source": "admin_api"}
	in := completed("org_1")
	in.Metadata = shared

	ctx := types.WithRequestID(context.Background(), "req_1")
	_, err := b.Emit(ctx, in)
	require.NoError(t, err)
	_, err = b.Emit(types.WithRequestID(context.Background(), "req_2"), in)
	require.NoError(t, err)
	waitIdle(t, b)

	assert.Equal(t, map[string]any{"source": "admin_api"}, shared)
	require.Len(t, store.events, 2)
	assert.Equal(t, map[string]any{"source": "admin_api", "request_id": "req_1"}, store.events[0].Metadata)
	assert.Equal(t, map[string]any{"source": "admin_api", "request_id": "req_2"}, store.events[1].Metadata)
}

func TestReplay_InCreationOrderFilteredByType(t *testing.T) {
	store := newMemStore()
	b := newTestBus(store)
	ctx := context.Background()

	_, err := b.Emit(ctx, completed("org_1"))
	require.NoError(t, err)
	_, err = b.Emit(ctx, types.EmitInput{Type: types.EventInvoicePaid, OrganizationID: "org_1", AggregateType: types.AggregateInvoice, AggregateID: "inv_1"})
	require.NoError(t, err)
	_, err = b.Emit(ctx, completed("org_2"))
	require.NoError(t, err)
	_, err = b.Emit(ctx, completed("org_1"))
	require.NoError(t, err)
	waitIdle(t, b)

	var order []string
	b.On(types.EventJobCompleted, func(_ context.Context, e *types.DomainEvent) error {
		order = append(order, e.ID)
		return nil
	})

	n, err := b.Replay(ctx, "org_1", time.Time{}, types.EventJobCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt_1", "evt_4"}, order)

	n, err = b.Replay(ctx, "org_1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReplay_RejectsUnknownType(t *testing.T) {
	b := newTestBus(newMemStore())
	_, err := b.Replay(context.Background(), "org_1", time.Time{}, "nope")
	assert.Error(t, err)
}

func TestWait_RespectsContext(t *testing.T) {
	b := newTestBus(newMemStore())
	release := make(chan struct{})
	defer close(release)
	b.On(types.EventJobCompleted, func(context.Context, *types.DomainEvent) error { <-release; return nil })

	_, err := b.Emit(context.Background(), completed("org_1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}
