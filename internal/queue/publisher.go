// Package queue provides the SQS producer used to re-enqueue billing webhook
// events for delayed retry.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxSQSDelay is the cap SQS places on per-message delivery delay.
const maxSQSDelay = 900 * time.Second

// AttemptAttribute is the message attribute carrying the retry attempt count.
const AttemptAttribute = "attempt"

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventPublisher re-enqueues raw webhook event payloads onto the billing
// events queue with a delivery delay. The worker uses it when an event fails
// on a transient error: the original message is acknowledged and a fresh copy
// with an incremented attempt count arrives after the delay.
type EventPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewEventPublisher creates an EventPublisher targeting the given queue URL.
func NewEventPublisher(client SQSSender, queueURL string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// PublishRetry sends the raw event payload back to the queue with the given
// delay and attempt count. Delays beyond the SQS maximum are clamped to it.
func (p *EventPublisher) PublishRetry(ctx context.Context, eventID string, payload []byte, attempt int, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(payload)),
		DelaySeconds: int32(delay.Seconds()),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			AttemptAttribute: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(attempt)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to re-enqueue event %s: %w", eventID, err)
	}

	p.logger.InfoContext(ctx, "webhook event re-enqueued for retry",
		"event_id", eventID,
		"attempt", attempt,
		"delay_seconds", int(delay.Seconds()),
	)
	return nil
}
