package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crewdesk/internal/types"
)

func jobRow(id string, processAfter time.Time, attempts, max int, lastErr *string, processedAt *time.Time) []any {
	return []any{
		id, "appointment_reminder", "org_1", []byte(`{"appointment_id":"apt_1"}`),
		"appointment", "apt_1", processAfter, attempts, max, lastErr, processedAt,
		processAfter.Add(-time.Hour),
	}
}

// ============================================================
// Insert
// ============================================================

func TestJobRepository_Insert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	createdAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &types.DelayedJob{
		ID:             "job_1",
		Type:           types.JobAppointmentReminder,
		OrganizationID: "org_1",
		Payload:        json.RawMessage(`{"appointment_id":"apt_1"}`),
		Ref:            types.JobRef{Type: types.RefAppointment, ID: "apt_1"},
		ProcessAfter:   createdAt.Add(time.Hour),
		MaxAttempts:    2,
	}

	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO delayed_jobs")
	}), mock.MatchedBy(func(args []any) bool {
		return args[0] == "job_1" && args[4] == "appointment" && args[5] == "apt_1" && args[7] == 2
	})).Return(rowOf(createdAt))

	require.NoError(t, repo.Insert(ctx, job))
	assert.Equal(t, createdAt, job.CreatedAt)
	db.AssertExpectations(t)
}

func TestJobRepository_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	err := repo.Insert(ctx, &types.DelayedJob{ID: "job_1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// ============================================================
// ListDue
// ============================================================

func TestJobRepository_ListDue(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastErr := "twilio 503"
	rows := newMockRows([][]any{
		jobRow("job_a", now.Add(-3*time.Second), 0, 3, nil, nil),
		jobRow("job_b", now.Add(-2*time.Second), 1, 3, &lastErr, nil),
	})

	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ORDER BY process_after ASC") &&
			strings.Contains(sql, "processed_at IS NULL")
	}), []any{now, 100}).Return(rows, nil)

	jobs, err := repo.ListDue(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job_a", jobs[0].ID)
	assert.Equal(t, types.JobAppointmentReminder, jobs[0].Type)
	assert.Equal(t, types.JobRef{Type: types.RefAppointment, ID: "apt_1"}, jobs[0].Ref)
	require.NotNil(t, jobs[1].LastError)
	assert.Equal(t, "twilio 503", *jobs[1].LastError)
	assert.True(t, rows.closed)
}

func TestJobRepository_ListDue_RowsError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	rows := newMockRows(nil)
	rows.errVal = errors.New("stream broken")
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := repo.ListDue(ctx, time.Now(), 10)
	require.Error(t, err)
}

// ============================================================
// Attempts, completion, failure
// ============================================================

func TestJobRepository_IncrementAttempts(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "attempts = attempts + 1") &&
			strings.Contains(sql, "processed_at IS NULL")
	}), []any{"job_1"}).Return(rowOf(2))

	n, err := repo.IncrementAttempts(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJobRepository_IncrementAttempts_NotPending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	// canceled or already processed rows fail the processed_at guard
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.IncrementAttempts(ctx, "job_canceled")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictAlreadyProcessed, appErr.Code)
}

func TestJobRepository_MarkProcessedAndRecordFailure(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "SET processed_at = $2") && strings.Contains(sql, "processed_at IS NULL")
	}), []any{"job_1", now}).Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "SET last_error = $2") && strings.Contains(sql, "processed_at IS NULL")
	}), []any{"job_2", "boom"}).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.MarkProcessed(ctx, "job_1", now))
	require.NoError(t, repo.RecordFailure(ctx, "job_2", "boom"))
	db.AssertExpectations(t)
}

func TestJobRepository_MarkProcessedAndRecordFailure_NotPending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	var appErr *types.AppError
	err := repo.MarkProcessed(ctx, "job_canceled", now)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictAlreadyProcessed, appErr.Code)

	err = repo.RecordFailure(ctx, "job_canceled", "boom")
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictAlreadyProcessed, appErr.Code)
}

// ============================================================
// Cancel / cleanup / delete by reference
// ============================================================

func TestJobRepository_Cancel(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job_1", now, "Canceled"}).
			Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		ok, err := NewJobRepository(db).Cancel(ctx, "job_1", now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
			Return(pgconn.NewCommandTag("UPDATE 0"), nil)

		ok, err := NewJobRepository(db).Cancel(ctx, "job_x", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepository_DeleteProcessedBefore_OnlyProcessed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()
	cutoff := time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "processed_at IS NOT NULL AND processed_at < $1")
	}), []any{cutoff}).Return(pgconn.NewCommandTag("DELETE 4"), nil)

	n, err := repo.DeleteProcessedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestJobRepository_DeletePendingByRef(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ref_type = $2 AND ref_id = $3 AND processed_at IS NULL")
	}), []any{"appointment_reminder", "appointment", "apt_1"}).
		Return(pgconn.NewCommandTag("DELETE 2"), nil)

	n, err := repo.DeletePendingByRef(ctx, types.JobAppointmentReminder,
		types.JobRef{Type: types.RefAppointment, ID: "apt_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// ============================================================
// Get / List / CountByStatus
// ============================================================

func TestJobRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"job_404"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(ctx, "job_404")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundJob, appErr.Code)
}

func TestJobRepository_List_BuildsFilters(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{jobRow("job_a", now, 3, 3, nil, nil)})

	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "organization_id = $1") &&
			strings.Contains(sql, "= $2") &&
			strings.Contains(sql, "WHEN attempts >= max_attempts THEN 'exhausted'") &&
			strings.Contains(sql, "LIMIT $3")
	}), []any{"org_1", "exhausted", 100}).Return(rows, nil)

	jobs, err := repo.List(ctx, types.JobFilter{OrganizationID: "org_1", Status: types.JobStatusExhausted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusExhausted, jobs[0].Status())
}

func TestJobRepository_CountByStatus(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobRepository(db)
	ctx := context.Background()

	rows := newMockRows([][]any{{"pending", 7}, {"exhausted", 2}})
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, counts[types.JobStatusPending])
	assert.Equal(t, 2, counts[types.JobStatusExhausted])
}
