// Package app assembles the sensors and their collaborators from a loaded
// configuration. Both the long-running service and the one-shot Lambda build
// their object graph here so they poll, report and publish identically.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"momentwatch/internal/config"
	"momentwatch/internal/external"
	"momentwatch/internal/metrics"
	"momentwatch/internal/queue"
	"momentwatch/internal/scheduler"
	"momentwatch/internal/window"
)

// Components is the assembled object graph.
type Components struct {
	Manager *scheduler.Manager
	Client  *external.MomentClient

	// Metrics is nil unless ENABLE_METRICS is set.
	Metrics *metrics.CloudWatchCycleMetrics
	// Publisher is nil unless SQS_TRANSITIONS is set.
	Publisher *queue.TransitionPublisher
}

// Options overrides pieces of the graph, mainly for tests.
type Options struct {
	Fetcher    scheduler.Fetcher
	CloudWatch metrics.CloudWatchClient
	SQS        queue.SQSSender
	Clock      func() time.Time
}

// Build wires the moment client, the cadence, the optional AWS publishers and
// one sensor per configured region. AWS configuration is only loaded when a
// feature that needs it is enabled and no client override was supplied.
func Build(ctx context.Context, cfg *config.Config, reporter scheduler.Reporter, logger *slog.Logger, opts Options) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := cfg.Moment.Location()
	if err != nil {
		return nil, fmt.Errorf("resolving observer timezone: %w", err)
	}

	c := &Components{}

	fetcher := opts.Fetcher
	if fetcher == nil {
		c.Client = NewMomentClient(cfg, logger)
		fetcher = c.Client
	}

	needCloudWatch := cfg.Observability.EnableMetrics && opts.CloudWatch == nil
	needSQS := cfg.AWS.TransitionQueue != "" && opts.SQS == nil

	var awsCfg aws.Config
	if needCloudWatch || needSQS {
		awsCfg, err = LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
	}

	var cycleMetrics scheduler.CycleMetrics
	if cfg.Observability.EnableMetrics {
		cw := opts.CloudWatch
		if cw == nil {
			cw = cloudwatch.NewFromConfig(awsCfg)
		}
		c.Metrics = metrics.NewCloudWatchCycleMetrics(cw, cfg.Observability.MetricNamespace, logger)
		cycleMetrics = c.Metrics
	}

	var publisher scheduler.TransitionPublisher
	if cfg.AWS.TransitionQueue != "" {
		sender := opts.SQS
		if sender == nil {
			sender = sqs.NewFromConfig(awsCfg)
		}
		c.Publisher = queue.NewTransitionPublisher(sender, cfg.AWS, logger)
		publisher = c.Publisher
	}

	c.Manager, err = scheduler.NewManager(scheduler.ManagerConfig{
		Regions:   cfg.Moment.Regions,
		Fetcher:   fetcher,
		Reporter:  reporter,
		Publisher: publisher,
		Metrics:   cycleMetrics,
		Resolver:  window.NewResolver(loc),
		Cadence:   CadenceFrom(cfg.Poll),
		Clock:     opts.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sensors: %w", err)
	}

	logger.Info("sensors configured",
		"regions", cfg.Moment.Regions,
		"timezone", loc.String(),
		"metrics_enabled", c.Metrics != nil,
		"transitions_enabled", c.Publisher != nil,
	)
	return c, nil
}

// NewMomentClient builds the moment API client from configuration.
func NewMomentClient(cfg *config.Config, logger *slog.Logger) *external.MomentClient {
	policy := external.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Moment.MaxRetries

	return external.NewMomentClient(external.NewMomentHTTPClient(), external.MomentClientConfig{
		EndpointTemplate: cfg.Moment.EndpointTemplate,
		Timeout:          cfg.Moment.FetchTimeout,
		UserAgent:        cfg.Moment.UserAgent,
		RetryPolicy:      policy,
		Breaker: external.BreakerSettings{
			Name:                "moment-api",
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		},
		Logger: logger,
	})
}

// CadenceFrom converts poll configuration into a scheduler cadence.
func CadenceFrom(p config.PollConfig) scheduler.Cadence {
	return scheduler.Cadence{
		Short:      p.ShortInterval,
		Long:       p.LongInterval,
		Fixed:      p.FixedInterval,
		BackoffMax: p.BackoffMax,
	}
}

// LoadAWSConfig loads the default AWS SDK configuration for the configured
// region, pointing every client at AWS_ENDPOINT_URL when set (LocalStack).
func LoadAWSConfig(ctx context.Context, awsCfg config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if awsCfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(awsCfg.Region))
	}

	loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if awsCfg.EndpointURL != "" {
		loaded.BaseEndpoint = aws.String(awsCfg.EndpointURL)
	}
	return loaded, nil
}

// NewLogger returns the JSON logger used by every binary.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
