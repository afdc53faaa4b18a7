package db

import (
	"context"
	"fmt"
	"time"

	"crewdesk/internal/types"
)

// TaskLockRepository guards maintenance runs with rows in task_locks. A lock
// id is usually "<task>:<hour>" so one run per task per hour wins.
type TaskLockRepository struct {
	db  DBTX
	now func() time.Time
}

func NewTaskLockRepository(db DBTX) *TaskLockRepository {
	return &TaskLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire inserts the lock or takes over an expired one. It reports false
// while another worker holds an unexpired lock. Timestamps are computed here
// because Go duration strings are not valid Postgres intervals.
func (r *TaskLockRepository) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	now := r.now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO task_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE task_locks.expires_at < $3`,
		lockID, workerID, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire task lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TaskRunRepository records maintenance runs in task_runs.
type TaskRunRepository struct {
	db DBTX
}

func NewTaskRunRepository(db DBTX) *TaskRunRepository {
	return &TaskRunRepository{db: db}
}

// Start opens a run in status 'running' and returns its id.
func (r *TaskRunRepository) Start(ctx context.Context, task string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO task_runs (task, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		task,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start task run", err)
	}
	return id, nil
}

// Finish closes a run with status ("success" or "failed"), the number of
// rows it touched and the error, if any.
func (r *TaskRunRepository) Finish(ctx context.Context, id int64, status string, items int64, runErr error) error {
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE task_runs
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id, status, items, msg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish task run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("task run %d not found", id), nil)
	}
	return nil
}
