package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"crewdesk/internal/config"
	"crewdesk/internal/core"
	"crewdesk/internal/jobqueue"
	"crewdesk/internal/reminders"
	"crewdesk/internal/smsqueue"
	"crewdesk/internal/types"
)

const (
	testKey = "handlers-test-admin-key"
	testOrg = "org_1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newAPI mounts the given registrars behind the real middleware chain.
func newAPI(t *testing.T, admin []core.RouteRegistrar, public []core.RouteRegistrar) http.Handler {
	t.Helper()
	cfg := &config.Config{Environment: "test"}
	cfg.Security.AdminAPIKey = config.SecretString(testKey)
	srv, err := core.NewServer(cfg, quietLogger())
	require.NoError(t, err)
	srv.AdminRoutes = admin
	srv.PublicRoutes = public
	srv.MountRoutes()
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set(core.AdminKeyHeader, testKey)
	req.Header.Set(core.OrgHeader, testOrg)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func dataOf[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var body struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body core.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func mount(r interface{ RegisterRoutes(chi.Router) }) core.RouteRegistrar {
	return r.RegisterRoutes
}

// --- fakes ---

type fakeEmitter struct {
	mu     sync.Mutex
	inputs []types.EmitInput
	err    error
}

func (f *fakeEmitter) Emit(_ context.Context, in types.EmitInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.inputs = append(f.inputs, in)
	return "evt_" + string(in.Type), nil
}

type fakeAppointments struct {
	appts     map[string]*types.Appointment
	statusErr error
	updated   []types.AppointmentStatus
}

func (f *fakeAppointments) Get(_ context.Context, orgID, id string) (*types.Appointment, error) {
	a, ok := f.appts[id]
	if !ok || a.OrganizationID != orgID {
		return nil, types.NewAppError(types.ErrCodeNotFoundAppointment, "appointment not found", nil)
	}
	return a, nil
}

func (f *fakeAppointments) UpdateStatus(_ context.Context, _, _ string, status types.AppointmentStatus) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.updated = append(f.updated, status)
	return nil
}

type fakeScheduler struct {
	scheduled []reminders.ScheduleInput
	ids       []string
	canceled  []string
	err       error
}

func (f *fakeScheduler) ScheduleReminders(_ context.Context, in reminders.ScheduleInput) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.scheduled = append(f.scheduled, in)
	return f.ids, nil
}

func (f *fakeScheduler) CancelReminders(_ context.Context, id string) (int64, error) {
	f.canceled = append(f.canceled, id)
	return int64(len(f.ids)), f.err
}

type fakeJobs struct {
	jobs     map[string]*types.DelayedJob
	filter   types.JobFilter
	canceled []string
	stats    jobqueue.CycleStats
}

func (f *fakeJobs) Get(_ context.Context, id string) (*types.DelayedJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return j, nil
}

func (f *fakeJobs) List(_ context.Context, filter types.JobFilter) ([]*types.DelayedJob, error) {
	f.filter = filter
	var out []*types.DelayedJob
	for _, j := range f.jobs {
		if j.OrganizationID == filter.OrganizationID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) bool {
	j, ok := f.jobs[id]
	if !ok || j.ProcessedAt != nil {
		return false
	}
	f.canceled = append(f.canceled, id)
	return true
}

func (f *fakeJobs) ProcessOnce(context.Context) (jobqueue.CycleStats, error) {
	return f.stats, nil
}

type fakeSms struct {
	pending  int
	known    map[string]bool
	stats    smsqueue.CycleStats
	countErr error
}

func (f *fakeSms) GetPendingCount(context.Context, string) (int, error) { return f.pending, f.countErr }
func (f *fakeSms) Cancel(_ context.Context, id string) bool             { return f.known[id] }
func (f *fakeSms) ProcessQueue(context.Context) (smsqueue.CycleStats, error) {
	return f.stats, nil
}

type fakeReplayer struct {
	orgID string
	from  time.Time
	types []types.EventType
	n     int
}

func (f *fakeReplayer) Replay(_ context.Context, orgID string, from time.Time, eventTypes ...types.EventType) (int, error) {
	f.orgID, f.from, f.types = orgID, from, eventTypes
	return f.n, nil
}

type fakeVerifier struct{ fail bool }

func (f fakeVerifier) Verify([]byte, string, string) error {
	if f.fail {
		return errors.New("bad signature")
	}
	return nil
}
