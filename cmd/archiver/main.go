// Command archiver is the maintenance Lambda. EventBridge rules invoke it with
// a MaintenancePayload naming one task:
//
//	cleanup_jobs        delete processed delayed jobs past retention
//	cleanup_sms_queue   delete sent or canceled queued SMS past retention
//	archive_events      move old processed events to S3 as zstd NDJSON
//	report_queue_depth  publish backlog gauges to CloudWatch
//
// Each run takes a task lock keyed by task and hour so overlapping schedules
// or retries do not run the same task twice, and is recorded in task_runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"crewdesk/internal/archive"
	"crewdesk/internal/config"
	"crewdesk/internal/db"
	"crewdesk/internal/jobqueue"
	notifcore "crewdesk/internal/notifications/core"
	"crewdesk/internal/scheduler"
	"crewdesk/internal/smsqueue"
	"crewdesk/internal/types"
)

// lockTTL covers the Lambda timeout with margin.
const lockTTL = 15 * time.Minute

// Maintenance is implemented by *scheduler.MaintenanceService.
type Maintenance interface {
	CleanupJobs(ctx context.Context) (int64, error)
	CleanupSmsQueue(ctx context.Context) (int64, error)
	ArchiveEvents(ctx context.Context, now time.Time) (int64, error)
	ReportQueueDepth(ctx context.Context) (int64, error)
}

type TaskLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
}

type TaskHistory interface {
	Start(ctx context.Context, task string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int64, runErr error) error
}

// Handler holds the dependencies of one warm Lambda instance.
type Handler struct {
	Maintenance Maintenance
	Locks       TaskLocker
	History     TaskHistory
	WorkerID    string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Handle runs one maintenance task. A task whose lock is held elsewhere is
// skipped without error so EventBridge does not retry it.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	if h.Now != nil {
		now = h.Now().UTC()
	}
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	task := string(payload.Task)
	logger = logger.With("task", task, "worker_id", h.WorkerID)
	if task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	logger.InfoContext(ctx, "archiver invoked", "reference_time", now.Format(time.RFC3339))

	lockID := fmt.Sprintf("%s:%s", task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.Locks.Acquire(ctx, lockID, h.WorkerID, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring task lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "task lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	// A failed history insert does not block the task itself.
	runID, err := h.History.Start(ctx, task)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record task start", "error", err)
		runID = 0
	}

	items, execErr := h.dispatch(ctx, payload.Task, now)

	if runID != 0 {
		status := "success"
		if execErr != nil {
			status = "failed"
		}
		if err := h.History.Finish(ctx, runID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to record task finish", "run_id", runID, "error", err)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task failed", "error", execErr, "items_before_error", items)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}
	logger.InfoContext(ctx, "task complete", "items", items)
	return fmt.Sprintf("task %s complete: %d items processed", task, items), nil
}

func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int64, error) {
	switch task {
	case scheduler.TaskCleanupJobs:
		return h.Maintenance.CleanupJobs(ctx)
	case scheduler.TaskCleanupSmsQueue:
		return h.Maintenance.CleanupSmsQueue(ctx)
	case scheduler.TaskArchiveEvents:
		return h.Maintenance.ArchiveEvents(ctx, now)
	case scheduler.TaskReportQueueDepth:
		return h.Maintenance.ReportQueueDepth(ctx)
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

// settings is the subset of the API configuration the archiver reads. It
// skips the vendor credentials that LoadConfig requires.
type settings struct {
	Environment   string `envconfig:"APP_ENV" default:"prod"`
	Database      config.DatabaseConfig
	Queue         config.QueueConfig
	AWS           config.AWSConfig
	Observability config.ObservabilityConfig
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("archiver initializing (cold start)")

	h, err := build(context.Background(), logger)
	if err != nil {
		logger.Error("archiver initialization failed", "error", err)
		os.Exit(1)
	}
	logger.Info("archiver initialized", "worker_id", h.WorkerID)
	lambda.Start(h.Handle)
}

func build(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}
	var s settings
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if s.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// The Lambda runs one invocation at a time.
	pool, err := db.NewPool(ctx, s.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:        2,
		MinConns:        0,
		MaxConnLifetime: s.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	if s.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(s.AWS.EndpointURL)
	}

	jobRepo := db.NewJobRepository(pool)
	smsRepo := db.NewSmsQueueRepository(pool)

	deps := scheduler.MaintenanceDeps{
		Jobs:   jobqueue.New(jobRepo, jobqueue.Config{}, jobqueue.WithLogger(logger)),
		Sms:    smsqueue.New(smsRepo, nil, nil, smsqueue.Config{}, smsqueue.WithLogger(logger)),
		Events: db.NewEventRepository(pool),
		JobCnt: jobRepo,
		SmsCnt: smsRepo,
		Logger: logger.With("component", "maintenance"),
	}
	if s.AWS.ArchiveBucket != "" {
		deps.Archive = archive.NewEventArchiver(s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = s.AWS.EndpointURL != ""
		}), s.AWS.ArchiveBucket, logger)
	}
	if s.Observability.EnableMetrics && s.Environment != "local" {
		deps.Metrics = notifcore.NewQueueMetrics(cloudwatch.NewFromConfig(awsCfg),
			s.Observability.MetricNamespace, types.NewSlogLogger(logger))
	}

	return &Handler{
		Maintenance: scheduler.NewMaintenanceService(deps, scheduler.RetentionPolicy{
			JobDays:        s.Queue.JobRetentionDays,
			SmsDays:        s.Queue.SmsRetentionDays,
			EventRetention: s.Queue.EventRetention,
			EventBatch:     s.Queue.EventArchiveBatch,
		}),
		Locks:    db.NewTaskLockRepository(pool),
		History:  db.NewTaskRunRepository(pool),
		WorkerID: uuid.NewString(),
		Logger:   logger,
	}, nil
}
