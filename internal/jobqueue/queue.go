// Package jobqueue is the database-backed delayed job queue. Jobs are polled
// from Postgres, run one at a time by the single handler registered for
// their type, and retried on later cycles until they succeed or exhaust
// their attempt budget. Delivery is at-least-once.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewdesk/internal/scheduler"
	"crewdesk/internal/types"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultBatchSize     = 100
	DefaultRetentionDays = 7
)

// Handler processes one job. Returning an error (or panicking, or running
// past the registration's timeout) leaves the job pending for a retry.
type Handler func(ctx context.Context, job *types.DelayedJob) error

// Store is the persistence the queue needs. *db.JobRepository implements it.
type Store interface {
	Insert(ctx context.Context, job *types.DelayedJob) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DelayedJob, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, msg string) error
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePendingByRef(ctx context.Context, jobType types.JobType, ref types.JobRef) (int64, error)
	Get(ctx context.Context, id string) (*types.DelayedJob, error)
	List(ctx context.Context, f types.JobFilter) ([]*types.DelayedJob, error)
}

// Emitter publishes domain events. The queue uses it to announce exhausted
// jobs.
type Emitter interface {
	Emit(ctx context.Context, in types.EmitInput) (string, error)
}

// Recorder receives per-job outcomes and cycle latency.
type Recorder interface {
	RecordJobOutcome(ctx context.Context, jobType types.JobType, result string)
	RecordCycle(ctx context.Context, queue string, d time.Duration)
}

// Config tunes the poll loop. Zero values take the package defaults.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// HandlerTimeout applies to registrations that do not set WithTimeout.
	// Zero disables the deadline.
	HandlerTimeout time.Duration
}

// EnqueueOptions describes a job to schedule. ProcessAfter wins over Delay
// when both are set; with neither the job is due immediately.
type EnqueueOptions struct {
	Type           types.JobType
	OrganizationID string
	Payload        types.JobPayload
	Delay          time.Duration
	ProcessAfter   *time.Time
	MaxAttempts    int
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Fetched   int `json:"fetched"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Unhandled counts due jobs skipped because no handler is registered.
	Unhandled int `json:"unhandled"`
	// Exhausted counts jobs that used their last attempt in this cycle.
	Exhausted int `json:"exhausted"`
	// Skipped counts jobs canceled or finished elsewhere after the batch
	// was fetched.
	Skipped int `json:"skipped"`
	// StoreErrors counts jobs skipped because a bookkeeping write failed.
	StoreErrors int           `json:"store_errors"`
	Duration    time.Duration `json:"duration_ns"`
}

type registration struct {
	handler Handler
	timeout time.Duration
}

// RegisterOption customizes a handler registration.
type RegisterOption func(*registration)

// WithTimeout bounds each invocation of the handler. Zero disables the
// deadline for this registration.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *registration) { r.timeout = d }
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(c types.Clock) Option { return func(q *Queue) { q.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }
func WithEmitter(e Emitter) Option { return func(q *Queue) { q.emitter = e } }
func WithRecorder(r Recorder) Option { return func(q *Queue) { q.recorder = r } }
func withIDFunc(f func() string) Option { return func(q *Queue) { q.newID = f } }

// Queue owns the handler registry and the poll loop. Safe for concurrent use.
type Queue struct {
	store    Store
	cfg      Config
	clock    types.Clock
	logger   *slog.Logger
	emitter  Emitter
	recorder Recorder
	newID    func() string

	mu       sync.RWMutex
	handlers map[types.JobType]registration

	loop *scheduler.Loop[CycleStats]
}

func New(store Store, cfg Config, opts ...Option) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	q := &Queue{
		store:    store,
		cfg:      cfg,
		clock:    types.RealClock{},
		logger:   slog.Default(),
		newID:    func() string { return "job_" + uuid.NewString() },
		handlers: make(map[types.JobType]registration),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "jobqueue")

	// Arguments are valid by construction.
	q.loop, _ = scheduler.NewLoop("delayed_jobs", cfg.PollInterval, q.cycle, q.logger)
	return q
}

// SetEmitter attaches the event bus after construction. The bus and the
// queue are built independently at startup.
func (q *Queue) SetEmitter(e Emitter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emitter = e
}

// Register binds handler to jobType. A later registration for the same type
// replaces the earlier one.
func (q *Queue) Register(jobType types.JobType, handler Handler, opts ...RegisterOption) {
	reg := registration{handler: handler, timeout: q.cfg.HandlerTimeout}
	for _, opt := range opts {
		opt(&reg)
	}

	q.mu.Lock()
	_, replaced := q.handlers[jobType]
	q.handlers[jobType] = reg
	q.mu.Unlock()

	q.logger.Info("job handler registered", "job_type", jobType, "replaced", replaced, "timeout", reg.timeout.String())
}

func (q *Queue) registration(jobType types.JobType) (registration, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	reg, ok := q.handlers[jobType]
	return reg, ok
}

// Enqueue persists a job and returns its id. Store failures are returned.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (string, error) {
	if opts.Payload == nil {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "payload is required", nil)
	}
	jobType := opts.Type
	if jobType == "" {
		jobType = opts.Payload.JobType()
	}
	if !jobType.Valid() {
		return "", types.NewAppError(types.ErrCodeValidationInvalidJobType, fmt.Sprintf("unknown job type %q", jobType), nil)
	}
	if jobType != opts.Payload.JobType() {
		return "", types.NewAppError(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("payload for %s enqueued as %s", opts.Payload.JobType(), jobType), nil)
	}
	if opts.OrganizationID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "organization_id is required", nil)
	}

	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "payload is not serializable", err)
	}

	processAfter := q.clock.Now().Add(opts.Delay)
	if opts.ProcessAfter != nil {
		processAfter = opts.ProcessAfter.UTC()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}

	job := &types.DelayedJob{
		ID:             q.newID(),
		Type:           jobType,
		OrganizationID: opts.OrganizationID,
		Payload:        payload,
		Ref:            opts.Payload.Reference(),
		ProcessAfter:   processAfter,
		MaxAttempts:    maxAttempts,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return "", err
	}

	q.logger.InfoContext(ctx, "job enqueued",
		"job_id", job.ID,
		"job_type", job.Type,
		"org_id", job.OrganizationID,
		"process_after", job.ProcessAfter,
		"max_attempts", job.MaxAttempts,
	)
	return job.ID, nil
}

// Start begins polling. It returns false if the queue is already polling.
func (q *Queue) Start() bool { return q.loop.Start() }

// Stop halts future polls without interrupting a cycle in flight.
func (q *Queue) Stop() bool { return q.loop.Stop() }

// Done is closed once a stopped queue has finished its last cycle.
func (q *Queue) Done() <-chan struct{} { return q.loop.Done() }

func (q *Queue) IsRunning() bool { return q.loop.IsRunning() }

// ProcessOnce runs a poll cycle now. It returns scheduler.ErrCycleInProgress
// when a cycle is already running. Cancellation of ctx does not abort the
// cycle.
func (q *Queue) ProcessOnce(ctx context.Context) (CycleStats, error) {
	return q.loop.RunOnce(context.WithoutCancel(ctx))
}

func (q *Queue) cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	start := q.clock.Now()

	jobs, err := q.store.ListDue(ctx, start, q.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("fetching due jobs: %w", err)
	}
	stats.Fetched = len(jobs)

	for _, job := range jobs {
		// Attempts and max_attempts cannot be compared in the due query.
		if job.Attempts >= job.MaxAttempts {
			continue
		}
		reg, ok := q.registration(job.Type)
		if !ok {
			stats.Unhandled++
			q.logger.WarnContext(ctx, "no handler registered, leaving job pending",
				"job_id", job.ID, "job_type", job.Type)
			continue
		}
		q.execute(ctx, job, reg, &stats)
	}

	stats.Duration = q.clock.Now().Sub(start)
	if q.recorder != nil {
		q.recorder.RecordCycle(ctx, "delayed_jobs", stats.Duration)
	}
	if stats.Fetched > 0 {
		q.logger.InfoContext(ctx, "job poll cycle finished",
			"fetched", stats.Fetched,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
			"unhandled", stats.Unhandled,
			"exhausted", stats.Exhausted,
			"skipped", stats.Skipped,
		)
	}
	return stats, nil
}

// execute increments attempts durably before the handler runs, so a crash
// mid-handler counts as a spent attempt. The store only touches rows that
// are still pending, which is how a cancel issued after the batch was
// fetched takes effect.
func (q *Queue) execute(ctx context.Context, job *types.DelayedJob, reg registration, stats *CycleStats) {
	attempts, err := q.store.IncrementAttempts(ctx, job.ID)
	if types.HasCode(err, types.ErrCodeConflictAlreadyProcessed) {
		stats.Skipped++
		q.logger.InfoContext(ctx, "job no longer pending, skipping", "job_id", job.ID, "job_type", job.Type)
		return
	}
	if err != nil {
		stats.StoreErrors++
		q.logger.ErrorContext(ctx, "failed to record attempt, skipping job", "job_id", job.ID, "error", err)
		return
	}
	job.Attempts = attempts

	runErr := q.invoke(ctx, job, reg)
	if runErr == nil {
		err := q.store.MarkProcessed(ctx, job.ID, q.clock.Now())
		if types.HasCode(err, types.ErrCodeConflictAlreadyProcessed) {
			stats.Skipped++
			q.logger.WarnContext(ctx, "job canceled while its handler ran", "job_id", job.ID, "job_type", job.Type)
			return
		}
		if err != nil {
			stats.StoreErrors++
			q.logger.ErrorContext(ctx, "handler succeeded but job could not be marked processed",
				"job_id", job.ID, "error", err)
			return
		}
		stats.Succeeded++
		q.record(ctx, job.Type, "succeeded")
		return
	}

	msg := runErr.Error()
	job.LastError = &msg
	err = q.store.RecordFailure(ctx, job.ID, msg)
	if types.HasCode(err, types.ErrCodeConflictAlreadyProcessed) {
		stats.Skipped++
		q.logger.InfoContext(ctx, "job canceled while its handler ran, dropping failure",
			"job_id", job.ID, "job_type", job.Type, "error", msg)
		return
	}
	stats.Failed++
	if err != nil {
		stats.StoreErrors++
		q.logger.ErrorContext(ctx, "failed to record job failure", "job_id", job.ID, "error", err)
	}

	if !job.Exhausted() {
		q.record(ctx, job.Type, "failed")
		q.logger.WarnContext(ctx, "job failed, will retry",
			"job_id", job.ID, "job_type", job.Type,
			"attempts", job.Attempts, "max_attempts", job.MaxAttempts, "error", msg)
		return
	}

	stats.Exhausted++
	q.record(ctx, job.Type, "exhausted")
	q.logger.ErrorContext(ctx, "job exhausted its attempts",
		"job_id", job.ID, "job_type", job.Type, "org_id", job.OrganizationID,
		"attempts", job.Attempts, "error", msg)
	q.announceExhausted(ctx, job, msg)
}

func (q *Queue) invoke(ctx context.Context, job *types.DelayedJob, reg registration) error {
	runCtx := ctx
	if reg.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, reg.timeout)
		defer cancel()
	}

	// Buffered so an abandoned handler can still deliver and exit. The
	// handler gets its own copy since a timed-out one keeps running while
	// execute updates job.
	done := make(chan error, 1)
	snapshot := *job
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.NewAppError(types.ErrCodeInternalHandlerPanic, fmt.Sprintf("handler panic: %v", r), nil)
			}
		}()
		done <- reg.handler(runCtx, &snapshot)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return types.NewAppError(types.ErrCodeInternalTimeout,
				fmt.Sprintf("handler exceeded %s", reg.timeout), runCtx.Err())
		}
		return runCtx.Err()
	}
}

func (q *Queue) announceExhausted(ctx context.Context, job *types.DelayedJob, lastErr string) {
	q.mu.RLock()
	emitter := q.emitter
	q.mu.RUnlock()
	if emitter == nil {
		return
	}

	_, err := emitter.Emit(ctx, types.EmitInput{
		Type:           types.EventJobExhausted,
		OrganizationID: job.OrganizationID,
		AggregateType:  types.AggregateDelayedJob,
		AggregateID:    job.ID,
		Data: types.JobExhaustedData{
			JobID:       job.ID,
			JobType:     job.Type,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   lastErr,
		},
	})
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to emit job_exhausted", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) record(ctx context.Context, jobType types.JobType, result string) {
	if q.recorder != nil {
		q.recorder.RecordJobOutcome(ctx, jobType, result)
	}
}

// Cancel marks the job processed with the cancel marker. Failures, including
// an unknown id, are logged and reported as false.
func (q *Queue) Cancel(ctx context.Context, id string) bool {
	ok, err := q.store.Cancel(ctx, id, q.clock.Now())
	if err != nil {
		q.logger.ErrorContext(ctx, "job cancel failed", "job_id", id, "error", err)
		return false
	}
	if !ok {
		q.logger.WarnContext(ctx, "job cancel matched no row", "job_id", id)
	}
	return ok
}

// Cleanup deletes jobs processed more than olderThanDays ago; non-positive
// values use DefaultRetentionDays. Pending and exhausted jobs are kept.
func (q *Queue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := q.clock.Now().AddDate(0, 0, -olderThanDays)
	return q.store.DeleteProcessedBefore(ctx, cutoff)
}

// DeletePendingByRef drops unprocessed jobs of jobType that reference ref.
func (q *Queue) DeletePendingByRef(ctx context.Context, jobType types.JobType, ref types.JobRef) (int64, error) {
	return q.store.DeletePendingByRef(ctx, jobType, ref)
}

func (q *Queue) Get(ctx context.Context, id string) (*types.DelayedJob, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, f types.JobFilter) ([]*types.DelayedJob, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidStatus, fmt.Sprintf("unknown status %q", f.Status), nil)
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJobType, fmt.Sprintf("unknown job type %q", f.Type), nil)
	}
	return q.store.List(ctx, f)
}
