package types

// Metric names and dimensions published to CloudWatch.
const (
	MetricJobOutcome   = "JobOutcome"
	MetricSmsOutcome   = "QueuedSmsOutcome"
	MetricQueueDepth   = "QueueDepth"
	MetricCycleLatency = "PollCycleLatency"

	DimQueue   = "Queue"
	DimResult  = "Result"
	DimJobType = "JobType"
	DimStatus  = "Status"

	MetricNamespace = "CrewDesk"
)
