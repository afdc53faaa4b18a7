package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"crewdesk/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dims(d []cwtypes.Dimension) map[string]string {
	out := make(map[string]string, len(d))
	for _, x := range d {
		out[*x.Name] = *x.Value
	}
	return out
}

func TestQueueMetrics_RecordJobOutcome(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewQueueMetrics(cw, "", &mockLogger{})

	m.RecordJobOutcome(context.Background(), types.JobAppointmentReminder, "exhausted")

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricJobOutcome {
		t.Errorf("expected metric %q, got %q", types.MetricJobOutcome, *datum.MetricName)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	got := dims(datum.Dimensions)
	if got[types.DimJobType] != "appointment_reminder" || got[types.DimResult] != "exhausted" {
		t.Errorf("unexpected dimensions: %v", got)
	}
}

func TestQueueMetrics_CustomNamespaceAndLatency(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewQueueMetrics(cw, "CrewDesk/Staging", &mockLogger{})

	m.RecordCycle(context.Background(), "sms_queue", 1500*time.Millisecond)

	input := cw.calls[0]
	if *input.Namespace != "CrewDesk/Staging" {
		t.Errorf("unexpected namespace %q", *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.Value != 1500 {
		t.Errorf("expected 1500ms, got %f", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("expected Milliseconds, got %s", datum.Unit)
	}
	if dims(datum.Dimensions)[types.DimQueue] != "sms_queue" {
		t.Errorf("missing queue dimension")
	}
}

func TestQueueMetrics_DepthAndSmsOutcome(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewQueueMetrics(cw, "", &mockLogger{})

	m.RecordQueueDepth(context.Background(), "delayed_jobs", types.JobStatusPending, 42)
	m.RecordSmsOutcome(context.Background(), "still_quiet")

	if len(cw.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(cw.calls))
	}
	depth := cw.calls[0].MetricData[0]
	if *depth.Value != 42 {
		t.Errorf("expected 42, got %f", *depth.Value)
	}
	if d := dims(depth.Dimensions); d[types.DimStatus] != "pending" {
		t.Errorf("unexpected dimensions: %v", d)
	}
	sms := cw.calls[1].MetricData[0]
	if *sms.MetricName != types.MetricSmsOutcome {
		t.Errorf("unexpected metric %q", *sms.MetricName)
	}
}

func TestQueueMetrics_ErrorIsLoggedNotReturned(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	logger := &mockLogger{}
	m := NewQueueMetrics(cw, "", logger)

	m.RecordJobOutcome(context.Background(), types.JobReviewRequest, "succeeded")

	if logger.errors != 1 {
		t.Errorf("expected 1 logged error, got %d", logger.errors)
	}
}
