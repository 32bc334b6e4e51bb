// Package scheduler drives the moment sensors: one poll loop per region that
// fetches the moment window, resolves its life-cycle instance, reports it to the
// host, and re-arms itself with a delay chosen from the outcome.
//
// Each sensor runs strictly sequential cycles:
//
//	timer fires -> fetch -> normalize -> resolve -> report -> rearm
//
// The next trigger is armed only after the current cycle completes, so cycles
// never overlap and at most one timer is outstanding per sensor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"momentwatch/internal/types"
	"momentwatch/internal/window"
)

// defaultTelemetryTimeout bounds the metric and transition calls of one cycle.
const defaultTelemetryTimeout = 2 * time.Second

// Fetcher retrieves the current moment payload for a region.
type Fetcher interface {
	// Fetch returns the decoded payload and its raw bytes, or an error for
	// transport, status, or decode failures.
	Fetch(ctx context.Context, region string) (*types.FetchResult, error)
}

// Reporter receives the state a sensor computed in a cycle.
type Reporter interface {
	Report(ctx context.Context, report types.Report)
}

// TransitionPublisher announces changes of a sensor's reported instance.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, transition types.StateTransition) error
}

// CycleMetrics records poll cycle telemetry.
type CycleMetrics interface {
	RecordCycle(ctx context.Context, region string, instance types.Instance, fetchLatency, nextDelay time.Duration)
	RecordFetchFailure(ctx context.Context, region string, code types.ErrorCode)
	RecordStateChange(ctx context.Context, region string, from, to types.Instance)
}

// SensorConfig holds the dependencies of a Sensor.
type SensorConfig struct {
	Region    string
	Fetcher   Fetcher
	Reporter  Reporter
	Publisher TransitionPublisher // optional
	Metrics   CycleMetrics        // optional
	Resolver  window.Resolver
	Cadence   Cadence
	Clock     func() time.Time // defaults to time.Now
	Logger    *slog.Logger

	// TelemetryTimeout bounds metrics and transition publishing after the
	// report. Defaults to 2s.
	TelemetryTimeout time.Duration
}

// Sensor polls the moment API for one region.
type Sensor struct {
	region    string
	fetcher   Fetcher
	reporter  Reporter
	publisher TransitionPublisher
	metrics   CycleMetrics
	resolver  window.Resolver
	cadence   Cadence
	clock     func() time.Time
	logger    *slog.Logger

	telemetryTimeout time.Duration

	timer *Timer

	mu      sync.Mutex // guards ctx, cancel, stopped
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	// cycleMu serializes cycles and lets Stop wait for an in-flight one.
	// It guards last and failures.
	cycleMu  sync.Mutex
	last     types.Instance
	failures int
	delay    atomic.Int64
}

// NewSensor creates a Sensor for cfg.Region. Fetcher and Reporter are required.
func NewSensor(cfg SensorConfig) (*Sensor, error) {
	if cfg.Region == "" {
		return nil, types.NewAppError(types.ErrCodeValidationRegion, "region must not be empty", nil)
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("sensor %s: fetcher must not be nil", cfg.Region)
	}
	if cfg.Reporter == nil {
		return nil, fmt.Errorf("sensor %s: reporter must not be nil", cfg.Region)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	telemetryTimeout := cfg.TelemetryTimeout
	if telemetryTimeout <= 0 {
		telemetryTimeout = defaultTelemetryTimeout
	}

	sensor := &Sensor{
		region:    cfg.Region,
		fetcher:   cfg.Fetcher,
		reporter:  cfg.Reporter,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		resolver:  cfg.Resolver,
		cadence:   cfg.Cadence,
		clock:     clock,
		logger:    logger.With("region", cfg.Region),
		timer:     NewTimer(),

		telemetryTimeout: telemetryTimeout,
	}
	sensor.delay.Store(int64(cfg.Cadence.short()))
	return sensor, nil
}

// Region returns the region this sensor polls.
func (s *Sensor) Region() string { return s.region }

// UniqueID returns the stable identifier of the sensor.
func (s *Sensor) UniqueID() string { return UniqueID(s.region) }

// Name returns the display name of the sensor.
func (s *Sensor) Name() string { return DisplayName(s.region) }

// UniqueID builds the stable sensor identifier for a region.
func UniqueID(region string) string { return "bereal_time_" + region }

// DisplayName builds the sensor display name for a region.
func DisplayName(region string) string { return fmt.Sprintf("BeReal Time (%s)", region) }

// CurrentDelay returns the delay chosen by the most recent cycle.
func (s *Sensor) CurrentDelay() time.Duration {
	return time.Duration(s.delay.Load())
}

// Start runs the first cycle immediately and keeps the sensor polling until
// ctx is cancelled or Stop is called. Calling Start twice has no effect.
func (s *Sensor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ctx != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "sensor started", "unique_id", s.UniqueID())
	s.timer.Arm(0, s.tick)
}

// Stop cancels the pending timer and any in-flight fetch, then waits for a
// running cycle to return. No cycle starts and nothing is reported after Stop
// returns.
func (s *Sensor) Stop() {
	s.timer.Close()

	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Wait out a cycle that was already running.
	s.cycleMu.Lock()
	s.cycleMu.Unlock()

	if !alreadyStopped {
		s.logger.Info("sensor stopped")
	}
}

// Pending reports whether a next cycle is scheduled.
func (s *Sensor) Pending() bool {
	return s.timer.Pending()
}

// RunCycle executes one fetch-resolve-report cycle outside the timer loop and
// returns the report and the recommended delay. It does not arm the timer.
func (s *Sensor) RunCycle(ctx context.Context) (types.Report, time.Duration) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.runCycleLocked(ctx)
}

// runContext returns the context of a started, not yet stopped sensor.
func (s *Sensor) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.ctx
}

func (s *Sensor) tick() {
	ctx := s.runContext()
	if ctx == nil {
		return
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	_, next := s.runCycleLocked(ctx)
	if ctx.Err() != nil {
		return
	}
	s.timer.Arm(next, s.tick)
}

func (s *Sensor) runCycleLocked(ctx context.Context) (types.Report, time.Duration) {
	cycleID := uuid.NewString()
	ctx = types.WithCycleID(ctx, cycleID)
	logger := s.logger.With("cycle_id", cycleID)

	started := s.clock()
	result, err := s.fetcher.Fetch(ctx, s.region)
	fetchLatency := s.clock().Sub(started)

	if errors.Is(ctx.Err(), context.Canceled) {
		logger.DebugContext(ctx, "cycle abandoned after cancellation")
		return types.Report{}, s.CurrentDelay()
	}

	var (
		report  types.Report
		errCode types.ErrorCode
	)
	if err != nil {
		report, errCode = s.failureReport(ctx, logger, err, nil, "")
	} else {
		state := s.resolver.Evaluate(result.Payload, s.clock())
		if parseErr := window.ParseErr(state.Record); parseErr != nil {
			report, errCode = s.failureReport(ctx, logger, parseErr, &state.Record, string(result.Raw))
		} else {
			report = s.successReport(ctx, logger, state, string(result.Raw))
		}
	}
	next := s.CurrentDelay()

	s.reporter.Report(ctx, report)

	// All telemetry of the cycle shares one deadline; the rearm waits at most
	// telemetryTimeout after the report.
	telemetryCtx, cancel := context.WithTimeout(ctx, s.telemetryTimeout)
	defer cancel()

	if s.metrics != nil {
		if errCode.IsFetchFailure() {
			s.metrics.RecordFetchFailure(telemetryCtx, s.region, errCode)
		}
		s.metrics.RecordCycle(telemetryCtx, s.region, report.Value, fetchLatency, next)
	}
	s.publishTransition(telemetryCtx, logger, cycleID, report)

	return report, next
}

func (s *Sensor) successReport(ctx context.Context, logger *slog.Logger, state types.ResolvedState, raw string) types.Report {
	s.failures = 0
	delay := s.cadence.NextDelay(state.Instance)
	s.delay.Store(int64(delay))

	record := state.Record
	logger.DebugContext(ctx, "cycle resolved",
		"instance", string(state.Instance),
		"next_delay", delay.String(),
	)

	return s.newReport(state.Instance, delay, types.ReportAttributes{
		APIParsed:           &record,
		APIRaw:              raw,
		CurrentTimeUTC:      record.CurrentUTCMillis,
		CurrentScanInterval: int(delay.Seconds()),
	})
}

// failureReport builds the error report for transport, decode, and date parse
// failures and returns the failure's code. record and raw are set only when the
// payload was fetched.
func (s *Sensor) failureReport(ctx context.Context, logger *slog.Logger, err error, record *types.NormalizedRecord, raw string) (types.Report, types.ErrorCode) {
	s.failures++
	delay := s.cadence.ErrorDelay(s.failures)
	s.delay.Store(int64(delay))

	code := types.ErrCodeInternalUnexpected
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
	}

	logger.WarnContext(ctx, "poll cycle failed",
		"error", err,
		"code", string(code),
		"consecutive_failures", s.failures,
		"next_delay", delay.String(),
	)

	attrs := types.ReportAttributes{
		APIParsed:           &types.NormalizedRecord{},
		APIRaw:              fmt.Sprintf("Error: %v", err),
		CurrentScanInterval: int(delay.Seconds()),
	}
	if record != nil {
		attrs.APIParsed = record
		attrs.APIRaw = raw
	}
	return s.newReport(types.InstanceError, delay, attrs), code
}

func (s *Sensor) newReport(instance types.Instance, delay time.Duration, attrs types.ReportAttributes) types.Report {
	now := s.clock()
	return types.Report{
		UniqueID:   s.UniqueID(),
		Name:       s.Name(),
		Region:     s.region,
		Value:      instance,
		Attributes: attrs,
		NextPollAt: now.Add(delay).UTC(),
		UpdatedAt:  now.UTC(),
	}
}

func (s *Sensor) publishTransition(ctx context.Context, logger *slog.Logger, cycleID string, report types.Report) {
	previous := s.last
	s.last = report.Value
	if previous == report.Value {
		return
	}

	logger.InfoContext(ctx, "sensor state changed",
		"from", string(previous),
		"to", string(report.Value),
	)
	if s.metrics != nil {
		s.metrics.RecordStateChange(ctx, s.region, previous, report.Value)
	}

	if s.publisher == nil {
		return
	}
	transition := types.StateTransition{
		ID:         uuid.NewString(),
		CycleID:    cycleID,
		Region:     s.region,
		From:       previous,
		To:         report.Value,
		OccurredAt: report.UpdatedAt,
	}
	if err := s.publisher.PublishTransition(ctx, transition); err != nil {
		logger.ErrorContext(ctx, "failed to publish state transition",
			"error", err,
			"to", string(report.Value),
		)
	}
}
