package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"crewdesk/internal/types"
)

// jobStatusExpr derives JobStatus in SQL so the list endpoint can filter on
// it. Must stay in step with types.DelayedJob.Status.
const jobStatusExpr = `CASE
	WHEN processed_at IS NOT NULL AND last_error = 'Canceled' THEN 'canceled'
	WHEN processed_at IS NOT NULL THEN 'processed'
	WHEN attempts >= max_attempts THEN 'exhausted'
	ELSE 'pending' END`

const jobColumns = `id, type, organization_id, payload, ref_type, ref_id,
	process_after, attempts, max_attempts, last_error, processed_at, created_at`

// JobRepository persists delayed_jobs rows. Every mutation is a single-row
// statement; there are no multi-row transactions.
type JobRepository struct {
	db DBTX
}

func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

func scanJob(row pgx.Row) (*types.DelayedJob, error) {
	var (
		j       types.DelayedJob
		jobType string
		refType string
		payload []byte
	)
	err := row.Scan(
		&j.ID, &jobType, &j.OrganizationID, &payload, &refType, &j.Ref.ID,
		&j.ProcessAfter, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.ProcessedAt, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = types.JobType(jobType)
	j.Ref.Type = types.RefType(refType)
	j.Payload = payload
	return &j, nil
}

// Insert writes a new job. created_at is assigned by the database and copied
// back onto job.
func (r *JobRepository) Insert(ctx context.Context, job *types.DelayedJob) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO delayed_jobs
		 (id, type, organization_id, payload, ref_type, ref_id, process_after, attempts, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		 RETURNING created_at`,
		job.ID,
		string(job.Type),
		job.OrganizationID,
		[]byte(job.Payload),
		string(job.Ref.Type),
		job.Ref.ID,
		job.ProcessAfter,
		job.MaxAttempts,
	).Scan(&job.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert delayed job", err)
	}
	return nil
}

// ListDue returns unprocessed jobs whose process_after has passed, oldest
// schedule first. Exhausted rows are included; callers filter them.
func (r *JobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DelayedJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM delayed_jobs
		 WHERE processed_at IS NULL AND process_after <= $1
		 ORDER BY process_after ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due jobs", err)
	}
	return collectJobs(rows)
}

// IncrementAttempts bumps attempts by one and returns the new value. A job
// that is unknown or already processed (canceled included) yields
// ErrCodeConflictAlreadyProcessed so the caller skips it.
func (r *JobRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx,
		`UPDATE delayed_jobs SET attempts = attempts + 1
		 WHERE id = $1 AND processed_at IS NULL
		 RETURNING attempts`,
		id,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, jobNotPending(id)
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment job attempts", err)
	}
	return attempts, nil
}

// MarkProcessed stamps a pending job done. processed_at is terminal, so a job
// canceled while its handler ran keeps its cancel marker.
func (r *JobRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delayed_jobs SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job processed", err)
	}
	if tag.RowsAffected() == 0 {
		return jobNotPending(id)
	}
	return nil
}

// RecordFailure stores the handler error. processed_at is left untouched so
// the job stays eligible while attempts remain.
func (r *JobRepository) RecordFailure(ctx context.Context, id string, msg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delayed_jobs SET last_error = $2 WHERE id = $1 AND processed_at IS NULL`,
		id, msg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record job failure", err)
	}
	if tag.RowsAffected() == 0 {
		return jobNotPending(id)
	}
	return nil
}

func jobNotPending(id string) error {
	return types.NewAppError(types.ErrCodeConflictAlreadyProcessed,
		fmt.Sprintf("job %s is not pending", id), nil)
}

// Cancel stamps the job processed with the cancel marker. It reports false
// when no row has that id.
func (r *JobRepository) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delayed_jobs SET processed_at = $2, last_error = $3 WHERE id = $1`,
		id, at, types.CanceledMarker,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteProcessedBefore removes rows whose processed_at is older than cutoff.
// Unprocessed rows, exhausted ones included, are never touched.
func (r *JobRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM delayed_jobs WHERE processed_at IS NOT NULL AND processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to clean up delayed jobs", err)
	}
	return tag.RowsAffected(), nil
}

// DeletePendingByRef removes unprocessed jobs of the given type that point at
// ref. Backed by the (type, ref_type, ref_id) index.
func (r *JobRepository) DeletePendingByRef(ctx context.Context, jobType types.JobType, ref types.JobRef) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM delayed_jobs
		 WHERE type = $1 AND ref_type = $2 AND ref_id = $3 AND processed_at IS NULL`,
		string(jobType), string(ref.Type), ref.ID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete pending jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*types.DelayedJob, error) {
	job, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM delayed_jobs WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, fmt.Sprintf("job %s not found", id), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get job", err)
	}
	return job, nil
}

// List returns jobs matching f, newest first.
func (r *JobRepository) List(ctx context.Context, f types.JobFilter) ([]*types.DelayedJob, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("("+jobStatusExpr+") = $%d", string(f.Status))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	q := `SELECT ` + jobColumns + ` FROM delayed_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list jobs", err)
	}
	return collectJobs(rows)
}

// CountByStatus returns the number of jobs per derived status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobStatusExpr+` AS status, COUNT(*) FROM delayed_jobs GROUP BY 1`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count jobs", err)
	}
	defer rows.Close()

	out := make(map[types.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job count", err)
		}
		out[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count jobs", err)
	}
	return out, nil
}

func collectJobs(rows pgx.Rows) ([]*types.DelayedJob, error) {
	defer rows.Close()

	var jobs []*types.DelayedJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job row", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed iterating job rows", err)
	}
	return jobs, nil
}
