package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdesk/internal/core"
	"crewdesk/internal/jobqueue"
	"crewdesk/internal/smsqueue"
	"crewdesk/internal/types"
)

func queueAPI(t *testing.T) (*fakeJobs, *fakeSms, http.Handler) {
	t.Helper()
	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := &fakeJobs{
		jobs: map[string]*types.DelayedJob{
			"job_1": {ID: "job_1", Type: types.JobAppointmentReminder, OrganizationID: testOrg, MaxAttempts: 2},
			"job_done": {ID: "job_done", Type: types.JobReviewRequest, OrganizationID: testOrg, MaxAttempts: 3,
				Attempts: 1, ProcessedAt: &done},
			"job_other": {ID: "job_other", Type: types.JobReviewRequest, OrganizationID: "org_2", MaxAttempts: 3},
		},
		stats: jobqueue.CycleStats{Fetched: 2, Succeeded: 2},
	}
	sms := &fakeSms{pending: 4, known: map[string]bool{"sms_1": true}, stats: smsqueue.CycleStats{Fetched: 1, Sent: 1}}
	h := NewQueueHandler(jobs, sms, core.NewValidator(), quietLogger())
	return jobs, sms, newAPI(t, []core.RouteRegistrar{mount(h)}, nil)
}

func TestListJobs_ScopedToOrganization(t *testing.T) {
	jobs, _, api := queueAPI(t)

	rec := do(t, api, http.MethodGet, "/v1/queue/jobs?status=pending&type=appointment_reminder&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, types.JobFilter{
		OrganizationID: testOrg,
		Status:         types.JobStatusPending,
		Type:           types.JobAppointmentReminder,
		Limit:          10,
	}, jobs.filter)
	assert.Len(t, dataOf[[]map[string]any](t, rec), 2)
}

func TestListJobs_DefaultLimit(t *testing.T) {
	jobs, _, api := queueAPI(t)

	rec := do(t, api, http.MethodGet, "/v1/queue/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultJobListLimit, jobs.filter.Limit)
}

func TestListJobs_InvalidQuery(t *testing.T) {
	_, _, api := queueAPI(t)

	for _, q := range []string{"status=running", "type=weather", "limit=x", "limit=9999"} {
		rec := do(t, api, http.MethodGet, "/v1/queue/jobs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetJob(t *testing.T) {
	_, _, api := queueAPI(t)

	rec := do(t, api, http.MethodGet, "/v1/queue/jobs/job_done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := dataOf[map[string]any](t, rec)
	assert.Equal(t, "job_done", job["id"])
	assert.Equal(t, "processed", job["status"])

	rec = do(t, api, http.MethodGet, "/v1/queue/jobs/job_other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	jobs, _, api := queueAPI(t)

	rec := do(t, api, http.MethodPost, "/v1/queue/jobs/job_1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job_1"}, jobs.canceled)

	rec = do(t, api, http.MethodPost, "/v1/queue/jobs/job_done/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.ErrCodeConflictAlreadyProcessed), errorCode(t, rec))

	rec = do(t, api, http.MethodPost, "/v1/queue/jobs/job_other/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, jobs.canceled, 1)
}

func TestPoll(t *testing.T) {
	_, _, api := queueAPI(t)

	rec := do(t, api, http.MethodPost, "/v1/queue/poll", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := dataOf[pollResponse](t, rec)
	assert.Equal(t, 2, resp.Jobs.Succeeded)
	assert.Equal(t, 1, resp.Sms.Sent)
}

func TestSmsRoutes(t *testing.T) {
	_, _, api := queueAPI(t)

	rec := do(t, api, http.MethodGet, "/v1/queue/sms/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, dataOf[map[string]int](t, rec)["pending"])

	rec = do(t, api, http.MethodPost, "/v1/queue/sms/sms_1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, api, http.MethodPost, "/v1/queue/sms/sms_gone/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundQueuedSms), errorCode(t, rec))
}
