// Package main is the entrypoint for the MomentWatch Lambda function.
//
// The Lambda is invoked on a fixed schedule by an EventBridge rule, so the
// schedule owns the cadence: each invocation runs exactly one cycle for every
// configured region and returns the reports. No timers are armed.
//
// This file handles dependency wiring (Cold Start) and delegates all polling
// logic to the internal/scheduler package (Manager.PollOnce).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"momentwatch/internal/app"
	"momentwatch/internal/config"
	"momentwatch/internal/state"
	"momentwatch/internal/types"
)

// PollInput is the optional invocation payload. Only the listed regions are
// polled; an empty list polls every configured region.
type PollInput struct {
	Regions []string `json:"regions,omitempty"`
}

// PollOutput is returned to the invoker.
type PollOutput struct {
	Reports []types.Report `json:"reports"`
	Errors  int            `json:"errors"`
}

// poller is the subset of scheduler.Manager the handler needs.
type poller interface {
	PollOnce(ctx context.Context, regions ...string) ([]types.Report, error)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("MomentWatch Lambda initializing (cold start)",
		"regions", cfg.Moment.Regions,
		"version", cfg.Build.Version,
	)

	components, err := app.Build(context.Background(), cfg, state.NewStore(logger), logger, app.Options{})
	if err != nil {
		logger.Error("failed to build sensors", "error", err)
		os.Exit(1)
	}

	lambda.Start(newHandler(components.Manager, logger))
}

// newHandler creates the Lambda handler. A cycle that resolves to the error
// instance is counted, not returned as an invocation failure; only an unknown
// region or an interrupted poll fails the invocation.
func newHandler(p poller, logger *slog.Logger) func(ctx context.Context, input PollInput) (PollOutput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, input PollInput) (PollOutput, error) {
		logger.InfoContext(ctx, "MomentWatch handler invoked", "regions", input.Regions)

		reports, err := p.PollOnce(ctx, input.Regions...)
		if err != nil {
			logger.ErrorContext(ctx, "poll failed", "error", err)
			return PollOutput{}, fmt.Errorf("moment poll failed: %w", err)
		}

		out := PollOutput{Reports: reports}
		for _, r := range reports {
			if r.Value == types.InstanceError {
				out.Errors++
			}
		}

		logger.InfoContext(ctx, "poll complete",
			"reports", len(out.Reports),
			"errors", out.Errors,
		)
		return out, nil
	}
}
