// Package queue forwards domain events to an SQS stream for downstream
// consumers such as analytics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"crewdesk/internal/config"
	"crewdesk/internal/events"
	"crewdesk/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation. Production code uses
// *sqs.Client.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Subscriber is the part of the event bus the forwarder attaches to.
type Subscriber interface {
	OnMany(eventTypes []types.EventType, handler events.Handler)
}

// EventForwarder publishes every domain event to the configured queue. On a
// FIFO queue events of one organization keep their order and the event ID
// deduplicates replays.
type EventForwarder struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewEventForwarder returns nil when no stream URL is configured.
func NewEventForwarder(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *EventForwarder {
	if awsCfg.EventStreamURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventForwarder{
		client:   client,
		queueURL: awsCfg.EventStreamURL,
		fifo:     strings.HasSuffix(awsCfg.EventStreamURL, ".fifo"),
		logger:   logger.With("component", "event_forwarder"),
	}
}

// Attach subscribes the forwarder to every event type. A nil forwarder is a
// no-op.
func (f *EventForwarder) Attach(bus Subscriber) {
	if f == nil {
		return
	}
	bus.OnMany(types.AllEventTypes, f.Forward)
}

func (f *EventForwarder) Forward(ctx context.Context, e *types.DomainEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal event %s: %w", e.ID, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Type)),
			},
			"organization_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.OrganizationID),
			},
		},
	}
	if f.fifo {
		input.MessageGroupId = aws.String(e.OrganizationID)
		input.MessageDeduplicationId = aws.String(e.ID)
	}

	out, err := f.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to forward event %s to %s: %w", e.ID, f.queueURL, err)
	}

	f.logger.InfoContext(ctx, "event forwarded",
		"event_id", e.ID,
		"event_type", e.Type,
		"org_id", e.OrganizationID,
		"sqs_message_id", aws.ToString(out.MessageId),
	)
	return nil
}
