// Package scheduler holds the polling loop shared by the in-process queues
// and the maintenance tasks run by the archiver Lambda.
package scheduler

import "time"

// TaskType names a maintenance task. The archiver Lambda dispatches on it.
type TaskType string

const (
	TaskCleanupJobs      TaskType = "cleanup_jobs"
	TaskCleanupSmsQueue  TaskType = "cleanup_sms_queue"
	TaskArchiveEvents    TaskType = "archive_events"
	TaskReportQueueDepth TaskType = "report_queue_depth"
)

// MaintenancePayload is the EventBridge input of the archiver Lambda:
//
//	{"task": "archive_events", "reference_time": "2026-03-01T03:00:00Z"}
//
// ReferenceTime overrides "now" for backfills; nil means the current time.
type MaintenancePayload struct {
	Task          TaskType   `json:"task"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
