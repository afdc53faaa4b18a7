package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crewdesk/internal/types"
)

// Retainer is implemented by both queues: it removes rows finished more than
// olderThanDays ago.
type Retainer interface {
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// EventStore is the slice of the event repository the archiver needs.
type EventStore interface {
	ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.DomainEvent, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// ArchiveWriter persists a batch of events under key in cold storage.
type ArchiveWriter interface {
	WriteEvents(ctx context.Context, key string, events []*types.DomainEvent) error
}

// JobCounter reports delayed job backlog per derived status.
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[types.JobStatus]int, error)
}

// SmsCounter reports the fleet-wide queued SMS backlog.
type SmsCounter interface {
	CountAllPending(ctx context.Context) (int, error)
}

// DepthPublisher emits queue depth gauges.
type DepthPublisher interface {
	RecordQueueDepth(ctx context.Context, queue string, status types.JobStatus, n int)
}

// RetentionPolicy holds the knobs for the maintenance tasks.
type RetentionPolicy struct {
	JobDays        int
	SmsDays        int
	EventRetention time.Duration
	EventBatch     int
}

// MaintenanceService implements the archiver Lambda's tasks. Each method
// returns the number of rows it touched.
type MaintenanceService struct {
	jobs    Retainer
	sms     Retainer
	events  EventStore
	archive ArchiveWriter
	jobCnt  JobCounter
	smsCnt  SmsCounter
	metrics DepthPublisher
	policy  RetentionPolicy
	logger  *slog.Logger
}

// MaintenanceDeps groups the collaborators of MaintenanceService. Archive and
// Metrics may be nil; the tasks that need them become no-ops.
type MaintenanceDeps struct {
	Jobs    Retainer
	Sms     Retainer
	Events  EventStore
	Archive ArchiveWriter
	JobCnt  JobCounter
	SmsCnt  SmsCounter
	Metrics DepthPublisher
	Logger  *slog.Logger
}

func NewMaintenanceService(deps MaintenanceDeps, policy RetentionPolicy) *MaintenanceService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if policy.EventBatch <= 0 {
		policy.EventBatch = 1000
	}
	return &MaintenanceService{
		jobs:    deps.Jobs,
		sms:     deps.Sms,
		events:  deps.Events,
		archive: deps.Archive,
		jobCnt:  deps.JobCnt,
		smsCnt:  deps.SmsCnt,
		metrics: deps.Metrics,
		policy:  policy,
		logger:  logger,
	}
}

func (m *MaintenanceService) CleanupJobs(ctx context.Context) (int64, error) {
	n, err := m.jobs.Cleanup(ctx, m.policy.JobDays)
	if err != nil {
		return 0, fmt.Errorf("cleaning delayed jobs: %w", err)
	}
	m.logger.InfoContext(ctx, "delayed jobs cleaned up", "deleted", n, "retention_days", m.policy.JobDays)
	return n, nil
}

func (m *MaintenanceService) CleanupSmsQueue(ctx context.Context) (int64, error) {
	n, err := m.sms.Cleanup(ctx, m.policy.SmsDays)
	if err != nil {
		return 0, fmt.Errorf("cleaning sms queue: %w", err)
	}
	m.logger.InfoContext(ctx, "sms queue cleaned up", "deleted", n, "retention_days", m.policy.SmsDays)
	return n, nil
}

// ArchiveEvents moves processed events older than the retention window to
// the archive in batches, deleting each batch only after it was written.
func (m *MaintenanceService) ArchiveEvents(ctx context.Context, now time.Time) (int64, error) {
	if m.archive == nil {
		m.logger.WarnContext(ctx, "event archive not configured, skipping")
		return 0, nil
	}

	cutoff := now.Add(-m.policy.EventRetention)
	var total int64

	for batchNo := 0; ; batchNo++ {
		batch, err := m.events.ListProcessedBefore(ctx, cutoff, m.policy.EventBatch)
		if err != nil {
			return total, fmt.Errorf("listing events for archival: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		key := fmt.Sprintf("events/%04d/%02d/%02d/%s-%03d.ndjson.zst",
			now.Year(), now.Month(), now.Day(), now.Format("150405"), batchNo)
		if err := m.archive.WriteEvents(ctx, key, batch); err != nil {
			return total, fmt.Errorf("writing event archive %s: %w", key, err)
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		deleted, err := m.events.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("deleting archived events: %w", err)
		}
		total += deleted

		m.logger.InfoContext(ctx, "archived event batch",
			"batch_size", deleted,
			"key", key,
			"total_archived", total,
		)

		if len(batch) < m.policy.EventBatch {
			break
		}
	}
	return total, nil
}

// ReportQueueDepth publishes per-status delayed job counts and the pending
// SMS backlog. It returns the number of gauges published.
func (m *MaintenanceService) ReportQueueDepth(ctx context.Context) (int64, error) {
	counts, err := m.jobCnt.CountByStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting delayed jobs: %w", err)
	}
	smsPending, err := m.smsCnt.CountAllPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting queued sms: %w", err)
	}
	if m.metrics == nil {
		m.logger.InfoContext(ctx, "queue depth", "jobs", counts, "sms_pending", smsPending)
		return 0, nil
	}

	var published int64
	for _, status := range []types.JobStatus{types.JobStatusPending, types.JobStatusExhausted} {
		m.metrics.RecordQueueDepth(ctx, "delayed_jobs", status, counts[status])
		published++
	}
	m.metrics.RecordQueueDepth(ctx, "sms_queue", types.JobStatusPending, smsPending)
	return published + 1, nil
}
