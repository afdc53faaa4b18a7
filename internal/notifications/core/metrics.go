package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"crewdesk/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// QueueMetrics publishes queue health to CloudWatch.
//
// Metrics emitted:
//   - JobOutcome: Dims {JobType, Result} per executed delayed job
//   - QueuedSmsOutcome: Dims {Result} per drained quiet-hours message
//   - PollCycleLatency: Dims {Queue} per poll cycle
//   - QueueDepth: Dims {Queue, Status} from the maintenance task
//
// Publishing failures are logged and never returned; metrics must not fail a
// poll cycle.
type QueueMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewQueueMetrics publishes under namespace, or types.MetricNamespace when
// empty.
func NewQueueMetrics(client CloudWatchClient, namespace string, logger types.Logger) *QueueMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &QueueMetrics{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *QueueMetrics) put(ctx context.Context, datum cwtypes.MetricDatum, logArgs ...any) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to publish metric",
			append([]any{"error", err.Error(), "metric", aws.ToString(datum.MetricName)}, logArgs...)...)
	}
}

// RecordJobOutcome counts one delayed job result (succeeded, failed,
// exhausted).
func (m *QueueMetrics) RecordJobOutcome(ctx context.Context, jobType types.JobType, result string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricJobOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimJobType, string(jobType)),
			dim(types.DimResult, result),
		},
	}, "job_type", string(jobType), "result", result)
}

// RecordSmsOutcome counts one quiet-hours queue result (sent, failed,
// still_quiet).
func (m *QueueMetrics) RecordSmsOutcome(ctx context.Context, result string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricSmsOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(types.DimResult, result)},
	}, "result", result)
}

// RecordCycle records poll cycle duration in milliseconds.
func (m *QueueMetrics) RecordCycle(ctx context.Context, queue string, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricCycleLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{dim(types.DimQueue, queue)},
	}, "queue", queue, "duration_ms", d.Milliseconds())
}

// RecordQueueDepth publishes a gauge of rows in the given derived status.
func (m *QueueMetrics) RecordQueueDepth(ctx context.Context, queue string, status types.JobStatus, n int) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueueDepth),
		Value:      aws.Float64(float64(n)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimQueue, queue),
			dim(types.DimStatus, string(status)),
		},
	}, "queue", queue, "status", string(status), "count", n)
}
