// Package main is the entrypoint for the Webhook Worker Lambda function.
//
// The Webhook Worker consumes verified Stripe event payloads from the billing
// events SQS queue and applies them through the link engine's ingestor
// (dedup ledger, profile sync). It is the queued alternative to the HTTP
// webhook endpoint: an upstream receiver verifies signatures and enqueues the
// raw event body.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Load application configuration and AWS SDK configuration.
//  3. Connect the database pool and build repositories.
//  4. Initialize SQS client (retry re-queuing) and CloudWatch metrics.
//  5. Initialize the Ingestor and register the handler with lambda.Start.
//
// Per SQS record:
//  1. Parse the Stripe event body. Malformed bodies are acknowledged; SQS
//     redelivery cannot fix them.
//  2. ApplyEvent through the ingestor.
//  3. Transient failures are re-enqueued with a delivery delay and the
//     original acknowledged. Once attempts are exhausted the record is
//     reported as a partial batch failure so SQS redrive policy takes over.
//  4. Permanent failures (unknown customer included) are acknowledged.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"palletspace/internal/config"
	"palletspace/internal/db"
	"palletspace/internal/link"
	"palletspace/internal/queue"
	"palletspace/internal/telemetry"
	"palletspace/internal/types"
)

const defaultMaxAttempts = 5

// EventApplier is the ingestor surface the worker needs.
type EventApplier interface {
	ApplyEvent(ctx context.Context, evt *types.WebhookEvent) error
}

// RetryPublisher re-enqueues an event payload for delayed redelivery.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, eventID string, payload []byte, attempt int, delay time.Duration) error
}

// Handler holds the dependencies for the webhook worker Lambda handler.
type Handler struct {
	ingestor     EventApplier
	publisher    RetryPublisher
	metrics      telemetry.Collector
	clock        types.Clock
	logger       *slog.Logger
	maxAttempts  int
	retryBackoff time.Duration
}

// Handle processes an SQS event containing one or more Stripe event payloads.
// Each record is processed independently. Lambda SQS integration uses partial
// batch responses: records that fail are returned in batchItemFailures so SQS
// retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS record",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRecord applies a single queued event. A nil return acknowledges the
// record; an error reports it as a partial batch failure.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	h.recordQueueLag(ctx, record)

	payload := []byte(record.Body)
	evt, err := link.ParseEvent(payload, h.clock)
	if err != nil {
		// Redelivering a malformed body yields the same parse failure.
		h.logger.ErrorContext(ctx, "dropping malformed event body",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	logger := h.logger.With("event_id", evt.ID, "event_type", evt.Type)

	applyErr := h.ingestor.ApplyEvent(ctx, evt)
	if applyErr == nil {
		return nil
	}

	if !types.IsTransient(applyErr) {
		if types.ErrCodeOf(applyErr) == types.ErrCodeWebhookUnknownCustomer {
			logger.WarnContext(ctx, "event for unknown customer acknowledged")
		} else {
			logger.ErrorContext(ctx, "event failed permanently", "error", applyErr)
		}
		return nil
	}

	// Transient failure: the ingestor rolled back its ledger entry, so a
	// redelivered copy applies cleanly.
	attempt := attemptFromRecord(record)
	if attempt+1 >= h.maxAttempts {
		logger.ErrorContext(ctx, "event exhausted retry attempts",
			"attempt", attempt,
			"error", applyErr,
		)
		return applyErr
	}

	delay := h.retryBackoff << attempt
	if err := h.publisher.PublishRetry(ctx, evt.ID, payload, attempt+1, delay); err != nil {
		logger.ErrorContext(ctx, "failed to re-enqueue event", "error", err)
		return applyErr
	}

	logger.InfoContext(ctx, "transient failure, event re-enqueued",
		"attempt", attempt+1,
		"error", applyErr,
	)
	return nil
}

func (h *Handler) recordQueueLag(ctx context.Context, record events.SQSMessage) {
	sent, ok := record.Attributes["SentTimestamp"]
	if !ok {
		return
	}
	millis, err := strconv.ParseInt(sent, 10, 64)
	if err != nil {
		return
	}
	lag := h.clock.Now().Sub(time.UnixMilli(millis))
	if lag < 0 {
		return
	}
	h.metrics.Duration(ctx, telemetry.MetricWebhookQueueLag, lag, nil)
}

// attemptFromRecord reads the retry attempt count from the record's message
// attributes. A missing or malformed attribute means first delivery.
func attemptFromRecord(record events.SQSMessage) int {
	attr, ok := record.MessageAttributes[queue.AttemptAttribute]
	if !ok || attr.StringValue == nil {
		return 0
	}
	n, err := strconv.Atoi(*attr.StringValue)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("webhook worker initializing (cold start)")

	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	users := db.NewUserRepository(pool)
	eventsRepo := db.NewEventRepository(pool)

	sqsClient := sqs.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})

	metrics := telemetry.NewCloudWatchCollector(cwClient, cfg.AWS.MetricNamespace, slogAdapter{logger})
	ingestor := link.NewIngestor(eventsRepo, users, logger, metrics)
	publisher := queue.NewEventPublisher(sqsClient, cfg.AWS.EventQueueURL, logger)

	handler := &Handler{
		ingestor:     ingestor,
		publisher:    publisher,
		metrics:      metrics,
		clock:        types.RealClock{},
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: cfg.Link.RetryBackoff,
	}

	logger.Info("webhook worker initialized",
		"event_queue", cfg.AWS.EventQueueURL,
		"metric_namespace", cfg.AWS.MetricNamespace,
		"max_attempts", handler.maxAttempts,
	)

	lambda.Start(handler.Handle)
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
func (a slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a slogAdapter) With(args ...any) types.Logger { return slogAdapter{a.l.With(args...)} }

var _ types.Logger = slogAdapter{}
