// Package metrics publishes poll cycle telemetry to AWS CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"momentwatch/internal/types"
)

// requestMetricTimeout bounds the PutMetricData call made from the request path.
const requestMetricTimeout = 2 * time.Second

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchCycleMetrics implements scheduler.CycleMetrics by emitting metrics
// to AWS CloudWatch.
//
// Metrics emitted:
//   - PollCycle: Dims {Region, Instance} -- once per completed cycle
//   - FetchLatency: Dims {Region} -- duration of the fetch in milliseconds
//   - NextPollDelay: Dims {Region} -- chosen delay in seconds
//   - FetchFailure: Dims {Region, ErrorCode} -- transport and decode failures
//   - StateChange: Dims {Region, Instance} -- reported instance changed
//   - APILatency, APIRequestCount: Dims {Method, Endpoint, Status} -- status API
//
// Publishing failures are logged and never returned: telemetry must not alter
// the poll cycle.
type CloudWatchCycleMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchCycleMetrics creates a CloudWatchCycleMetrics publishing to
// namespace, or types.MetricNamespace when namespace is empty.
func NewCloudWatchCycleMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCycleMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchCycleMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordCycle emits PollCycle, FetchLatency, and NextPollDelay in a single
// PutMetricData call.
func (m *CloudWatchCycleMetrics) RecordCycle(ctx context.Context, region string, instance types.Instance, fetchLatency, nextDelay time.Duration) {
	regionDim := dimension(types.DimRegion, region)
	m.put(ctx, "poll cycle",
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricPollCycle),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{regionDim, dimension(types.DimInstance, string(instance))},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricFetchLatency),
			Value:      aws.Float64(float64(fetchLatency.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{regionDim},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricNextPollDelay),
			Value:      aws.Float64(nextDelay.Seconds()),
			Unit:       cwtypes.StandardUnitSeconds,
			Dimensions: []cwtypes.Dimension{regionDim},
		},
	)
}

// RecordFetchFailure emits a FetchFailure count with the error code.
func (m *CloudWatchCycleMetrics) RecordFetchFailure(ctx context.Context, region string, code types.ErrorCode) {
	m.put(ctx, "fetch failure", cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricFetchFailure),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dimension(types.DimRegion, region),
			dimension(types.DimErrorCode, string(code)),
		},
	})
}

// RecordStateChange emits a StateChange count keyed by the new instance.
func (m *CloudWatchCycleMetrics) RecordStateChange(ctx context.Context, region string, _, to types.Instance) {
	m.put(ctx, "state change", cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricStateChange),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dimension(types.DimRegion, region),
			dimension(types.DimInstance, string(to)),
		},
	})
}

// RecordRequest emits status API latency and count. It satisfies
// core.MetricsCollector.
func (m *CloudWatchCycleMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), requestMetricTimeout)
	defer cancel()

	dims := []cwtypes.Dimension{
		dimension(types.DimMethod, method),
		dimension(types.DimEndpoint, endpoint),
		dimension(types.DimStatus, status),
	}
	m.put(ctx, "api request",
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPIRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
	)
}

func (m *CloudWatchCycleMetrics) put(ctx context.Context, what string, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record "+what+" metric",
			"error", err.Error(),
			"namespace", m.namespace,
		)
	}
}

func dimension(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
