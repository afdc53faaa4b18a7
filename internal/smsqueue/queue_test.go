package smsqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crewdesk/internal/types"
)

// ============================================================
// Fakes
// ============================================================

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type memStore struct {
	mu   sync.Mutex
	rows map[string]*types.QueuedSms
	seq  int
}

func newMemStore() *memStore { return &memStore{rows: map[string]*types.QueuedSms{}} }

func (s *memStore) Insert(_ context.Context, q *types.QueuedSms) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	q.CreatedAt = time.Date(2026, 1, 1, 0, 0, s.seq, 0, time.UTC)
	cp := *q
	s.rows[q.ID] = &cp
	return nil
}

func (s *memStore) ListDue(_ context.Context, now time.Time, limit int) ([]*types.QueuedSms, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.QueuedSms
	for _, r := range s.rows {
		if r.ProcessedAt == nil && !r.ProcessAfter.After(now) && r.Attempts < types.MaxSmsAttempts {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func notPending(id string) error {
	return types.NewAppError(types.ErrCodeConflictAlreadyProcessed, "queued sms "+id+" is not pending", nil)
}

func (s *memStore) MarkSent(_ context.Context, id string, at time.Time, sid, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	if r.ProcessedAt != nil {
		return notPending(id)
	}
	r.ProcessedAt = &at
	r.TwilioSID = &sid
	r.MessageID = &msgID
	return nil
}

func (s *memStore) RecordFailure(_ context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	if r.ProcessedAt != nil {
		return notPending(id)
	}
	r.Attempts++
	r.LastError = &msg
	return nil
}

func (s *memStore) CountPending(_ context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.OrganizationID == orgID && r.ProcessedAt == nil && r.Attempts < types.MaxSmsAttempts {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Cancel(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	marker := types.CanceledMarker
	r.ProcessedAt = &at
	r.LastError = &marker
	return true, nil
}

func (s *memStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.ProcessedAt != nil && r.ProcessedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) row(id string) types.QueuedSms {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

type mockSender struct{ mock.Mock }

func (m *mockSender) Send(ctx context.Context, in types.SendInput) (*types.SendResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*types.SendResult)
	return res, args.Error(1)
}

type fakeSettings struct {
	qh  types.QuietHours
	err error
}

func (f *fakeSettings) GetSmsSettings(_ context.Context, orgID string) (*types.SmsSettings, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.SmsSettings{OrganizationID: orgID, QuietHours: f.qh}, nil
}

type fakeMarker struct{ marks map[string]string }

func (f *fakeMarker) Lookup(_ context.Context, key string) (string, bool, error) {
	sid, ok := f.marks[key]
	return sid, ok, nil
}

func (f *fakeMarker) Mark(_ context.Context, key, sid string) error {
	f.marks[key] = sid
	return nil
}

var defaults = types.QuietHours{Enabled: true, Start: "21:00", End: "08:00", Timezone: "America/New_York"}

type harness struct {
	q        *Queue
	store    *memStore
	sender   *mockSender
	settings *fakeSettings
	clock    *fakeClock
}

// newHarness starts the clock at 23:00 New York time, inside the default
// window.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	h := &harness{
		store:    newMemStore(),
		sender:   new(mockSender),
		settings: &fakeSettings{qh: defaults},
		clock:    &fakeClock{now: time.Date(2026, 3, 10, 23, 0, 0, 0, ny).UTC()},
	}
	var seq int
	opts = append([]Option{
		WithClock(h.clock),
		withIDFunc(func() string { seq++; return fmt.Sprintf("sms_%d", seq) }),
	}, opts...)
	h.q = New(h.store, h.sender, h.settings, Config{Defaults: defaults}, opts...)
	return h
}

func (h *harness) queue(t *testing.T, to string) string {
	t.Helper()
	id, err := h.q.Queue(context.Background(), QueueOptions{
		OrganizationID: "org_1", CustomerID: "cus_1", To: to, Message: "See you tomorrow",
	})
	require.NoError(t, err)
	return id
}

// morning moves the clock past the end of the window.
func (h *harness) morning() {
	h.clock.now = h.clock.now.Add(10 * time.Hour)
}

// ============================================================
// Queue
// ============================================================

func TestQueue_ProcessAfterIsNextQuietEnd(t *testing.T) {
	h := newHarness(t)
	id := h.queue(t, "+15550001111")

	ny, _ := time.LoadLocation("America/New_York")
	row := h.store.row(id)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, ny).UTC(), row.ProcessAfter)
	assert.Equal(t, types.SenderSystem, row.SenderType)
	assert.Equal(t, 0, row.Attempts)
}

func TestQueue_InvalidOrgTimezoneUsesDefaults(t *testing.T) {
	h := newHarness(t)
	h.settings.qh = types.QuietHours{Enabled: true, Start: "21:00", End: "08:00", Timezone: "Atlantis/Capital"}
	id := h.queue(t, "+15550001111")

	ny, _ := time.LoadLocation("America/New_York")
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, ny).UTC(), h.store.row(id).ProcessAfter)
}

func TestQueue_RequiresFields(t *testing.T) {
	h := newHarness(t)
	_, err := h.q.Queue(context.Background(), QueueOptions{OrganizationID: "org_1"})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
}

// ============================================================
// ProcessQueue
// ============================================================

func TestProcessQueue_SendsUrgentOnceWindowEnds(t *testing.T) {
	h := newHarness(t)
	id := h.queue(t, "+15550001111")
	h.morning()

	h.sender.On("Send", mock.Anything, mock.MatchedBy(func(in types.SendInput) bool {
		return in.Urgent && in.To == "+15550001111" && in.OrganizationID == "org_1"
	})).Return(&types.SendResult{Success: true, TwilioSID: "SM123", MessageID: "msg_1"}, nil).Once()

	stats, err := h.q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)

	row := h.store.row(id)
	require.NotNil(t, row.ProcessedAt)
	assert.Equal(t, "SM123", *row.TwilioSID)
	assert.Equal(t, "msg_1", *row.MessageID)
	h.sender.AssertExpectations(t)
}

func TestProcessQueue_StillQuietLeavesRowUntouched(t *testing.T) {
	h := newHarness(t)
	past := h.clock.now.Add(-time.Minute)
	id, err := h.q.Queue(context.Background(), QueueOptions{
		OrganizationID: "org_1", To: "+15550001111", Message: "hi", ProcessAfter: &past,
	})
	require.NoError(t, err)

	stats, err := h.q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StillQuiet)

	row := h.store.row(id)
	assert.Equal(t, 0, row.Attempts)
	assert.Nil(t, row.ProcessedAt)
	h.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestProcessQueue_FailureIncrementsAttemptsUntilCap(t *testing.T) {
	h := newHarness(t)
	id := h.queue(t, "+15550001111")
	h.morning()

	h.sender.On("Send", mock.Anything, mock.Anything).
		Return(&types.SendResult{Success: false, Error: "21610 unsubscribed"}, nil)

	for range 4 {
		_, err := h.q.ProcessQueue(context.Background())
		require.NoError(t, err)
	}

	row := h.store.row(id)
	assert.Equal(t, types.MaxSmsAttempts, row.Attempts)
	require.NotNil(t, row.LastError)
	assert.Equal(t, "21610 unsubscribed", *row.LastError)
	assert.Equal(t, types.JobStatusExhausted, row.Status())
	h.sender.AssertNumberOfCalls(t, "Send", types.MaxSmsAttempts)
}

func TestProcessQueue_SenderErrorAndPanic(t *testing.T) {
	h := newHarness(t)
	a := h.queue(t, "+15550000001")
	b := h.queue(t, "+15550000002")
	h.morning()

	h.sender.On("Send", mock.Anything, mock.MatchedBy(func(in types.SendInput) bool { return in.To == "+15550000001" })).
		Return(nil, errors.New("twilio timeout"))
	h.sender.On("Send", mock.Anything, mock.MatchedBy(func(in types.SendInput) bool { return in.To == "+15550000002" })).
		Run(func(mock.Arguments) { panic("nil pointer") })

	stats, err := h.q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, h.store.row(a).Attempts)
	assert.Contains(t, *h.store.row(b).LastError, "nil pointer")
}

func TestProcessQueue_SettingsErrorSkipsRow(t *testing.T) {
	h := newHarness(t)
	id := h.queue(t, "+15550001111")
	h.morning()
	h.settings.err = errors.New("db down")

	stats, err := h.q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, h.store.row(id).Attempts)
}

func TestProcessQueue_SentMarkerPreventsDoubleSend(t *testing.T) {
	marker := &fakeMarker{marks: map[string]string{}}
	h := newHarness(t, WithSentMarker(marker))
	id := h.queue(t, "+15550001111")
	h.morning()
	marker.marks["sms_queue:"+id] = "SMprior"

	stats, err := h.q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, "SMprior", *h.store.row(id).TwilioSID)
	h.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestProcessQueue_MarksAfterSend(t *testing.T) {
	marker := &fakeMarker{marks: map[string]string{}}
	h := newHarness(t, WithSentMarker(marker))
	id := h.queue(t, "+15550001111")
	h.morning()
	h.sender.On("Send", mock.Anything, mock.Anything).Return(&types.SendResult{Success: true, TwilioSID: "SM9"}, nil)

	_, err := h.q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SM9", marker.marks["sms_queue:"+id])
}

// ============================================================
// Count / cancel / cleanup
// ============================================================

func TestProcessQueue_CancelDuringSendKeepsCancelMarker(t *testing.T) {
	tests := []struct {
		name string
		res  *types.SendResult
		err  error
	}{
		{"delivered", &types.SendResult{Success: true, TwilioSID: "SM123"}, nil},
		{"send failed", nil, errors.New("twilio 503")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := h.queue(t, "+15550001111")
			h.morning()

			h.sender.On("Send", mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					h.q.Cancel(args.Get(0).(context.Context), id)
				}).
				Return(tt.res, tt.err).Once()

			stats, err := h.q.ProcessQueue(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Sent)

			row := h.store.row(id)
			assert.Equal(t, 0, row.Attempts)
			assert.Nil(t, row.TwilioSID)
			require.NotNil(t, row.LastError)
			assert.Equal(t, types.CanceledMarker, *row.LastError)
		})
	}
}

func TestProcessQueue_DurationUsesQueueClock(t *testing.T) {
	h := newHarness(t)
	h.queue(t, "+15550001111")
	h.morning()

	h.sender.On("Send", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { h.clock.now = h.clock.now.Add(2 * time.Second) }).
		Return(&types.SendResult{Success: true, TwilioSID: "SM1"}, nil).Once()

	stats, err := h.q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, stats.Duration)
}

func TestPendingCountCancelAndCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.queue(t, "+15550000001")
	h.queue(t, "+15550000002")

	n, err := h.q.GetPendingCount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, h.q.Cancel(ctx, a))
	assert.False(t, h.q.Cancel(ctx, "sms_missing"))
	assert.Equal(t, types.JobStatusCanceled, func() types.JobStatus { r := h.store.row(a); return r.Status() }())

	n, err = h.q.GetPendingCount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.clock.now = h.clock.now.AddDate(0, 0, 29)
	deleted, err := h.q.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	h.clock.now = h.clock.now.AddDate(0, 0, 2)
	deleted, err = h.q.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
