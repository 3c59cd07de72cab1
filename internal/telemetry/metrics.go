// Package telemetry publishes operational metrics for the link engine to
// CloudWatch. A Noop collector stands in for local development.
package telemetry

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"palletspace/internal/types"
)

// Metric names emitted by the engine.
const (
	MetricLinkCreated       = "LinkCustomerCreated"
	MetricLinkFastPath      = "LinkFastPathHit"
	MetricLinkFailed        = "LinkAttemptFailed"
	MetricWebhookApplied    = "WebhookEventApplied"
	MetricWebhookDuplicate  = "WebhookEventDuplicate"
	MetricWebhookUnknown    = "WebhookUnknownCustomer"
	MetricWebhookQueueLag   = "WebhookQueueLag"
	MetricBackfillBatch     = "BackfillBatchProcessed"
	MetricHTTPRequest       = "HTTPRequest"
	MetricHTTPLatency       = "HTTPRequestLatency"
)

// Dimension names.
const (
	DimOutcome = "Outcome"
	DimRoute   = "Route"
	DimStatus  = "Status"
)

// Collector abstracts metric publication so handlers and the link engine do
// not depend on CloudWatch directly.
type Collector interface {
	// Count emits a count-of-one metric with optional dimensions.
	Count(ctx context.Context, metric string, dims map[string]string)

	// Duration emits a millisecond duration metric with optional dimensions.
	Duration(ctx context.Context, metric string, d time.Duration, dims map[string]string)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchCollector implements Collector by emitting metrics to AWS
// CloudWatch. Publish failures are logged and swallowed; metrics never fail
// the operation being measured.
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Collector = (*CloudWatchCollector)(nil)

// NewCloudWatchCollector creates a Collector publishing to the given
// CloudWatch namespace.
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchCollector {
	return &CloudWatchCollector{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (c *CloudWatchCollector) Count(ctx context.Context, metric string, dims map[string]string) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metric),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: toDimensions(dims),
	})
}

func (c *CloudWatchCollector) Duration(ctx context.Context, metric string, d time.Duration, dims map[string]string) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metric),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: toDimensions(dims),
	})
}

func (c *CloudWatchCollector) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.Error("failed to publish metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err.Error(),
		)
	}
}

func toDimensions(dims map[string]string) []cwtypes.Dimension {
	if len(dims) == 0 {
		return nil
	}
	out := make([]cwtypes.Dimension, 0, len(dims))
	for k, v := range dims {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}
	return out
}

// Noop is a Collector that discards everything.
type Noop struct{}

var _ Collector = Noop{}

func (Noop) Count(context.Context, string, map[string]string) {}

func (Noop) Duration(context.Context, string, time.Duration, map[string]string) {}
