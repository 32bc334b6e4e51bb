package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"momentwatch/internal/types"
	"momentwatch/internal/window"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockFetcher returns a canned result or error and counts calls.
type mockFetcher struct {
	mu      sync.Mutex
	result  *types.FetchResult
	err     error
	calls   int
	regions []string
	// block, when set, makes Fetch wait for ctx cancellation.
	block bool
}

func (m *mockFetcher) Fetch(ctx context.Context, region string) (*types.FetchResult, error) {
	m.mu.Lock()
	m.calls++
	m.regions = append(m.regions, region)
	result, err, block := m.result, m.err, m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, types.NewAppError(types.ErrCodeUpstreamTimeout, "request cancelled", ctx.Err())
	}
	return result, err
}

func (m *mockFetcher) set(result *types.FetchResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result, m.err = result, err
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingReporter captures reports and forwards them on a channel.
type recordingReporter struct {
	mu      sync.Mutex
	reports []types.Report
	ch      chan types.Report
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{ch: make(chan types.Report, 64)}
}

func (r *recordingReporter) Report(_ context.Context, report types.Report) {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	select {
	case r.ch <- report:
	default:
	}
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func (r *recordingReporter) next(t *testing.T) types.Report {
	t.Helper()
	select {
	case rep := <-r.ch:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
		return types.Report{}
	}
}

// mockPublisher records published transitions.
type mockPublisher struct {
	mu          sync.Mutex
	transitions []types.StateTransition
	err         error
}

func (m *mockPublisher) PublishTransition(_ context.Context, tr types.StateTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, tr)
	return m.err
}

// mockMetrics records metric calls.
type mockMetrics struct {
	mu       sync.Mutex
	cycles   []types.Instance
	delays   []time.Duration
	failures []types.ErrorCode
	changes  []types.Instance
}

func (m *mockMetrics) RecordCycle(_ context.Context, _ string, instance types.Instance, _, next time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, instance)
	m.delays = append(m.delays, next)
}

func (m *mockMetrics) RecordFetchFailure(_ context.Context, _ string, code types.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, code)
}

func (m *mockMetrics) RecordStateChange(_ context.Context, _ string, _, to types.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, to)
}

// stallingMetrics blocks every call until its context is done, like a
// CloudWatch endpoint that never answers.
type stallingMetrics struct {
	mu        sync.Mutex
	calls     int
	deadlines int
}

func (m *stallingMetrics) stall(ctx context.Context) {
	m.mu.Lock()
	m.calls++
	if _, ok := ctx.Deadline(); ok {
		m.deadlines++
	}
	m.mu.Unlock()
	<-ctx.Done()
}

func (m *stallingMetrics) RecordCycle(ctx context.Context, _ string, _ types.Instance, _, _ time.Duration) {
	m.stall(ctx)
}

func (m *stallingMetrics) RecordFetchFailure(ctx context.Context, _ string, _ types.ErrorCode) {
	m.stall(ctx)
}

func (m *stallingMetrics) RecordStateChange(ctx context.Context, _ string, _, _ types.Instance) {
	m.stall(ctx)
}

// stallingPublisher blocks until its context is done.
type stallingPublisher struct{}

func (stallingPublisher) PublishTransition(ctx context.Context, _ types.StateTransition) error {
	<-ctx.Done()
	return ctx.Err()
}

// ============================================================
// Helpers
// ============================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func strPtr(s string) *string { return &s }

func fetchResult(t *testing.T, payload types.RawWindowPayload) *types.FetchResult {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &types.FetchResult{Payload: payload, Raw: raw}
}

func scenarioPayload() types.RawWindowPayload {
	return types.RawWindowPayload{
		StartDate: strPtr("2024-01-01T12:00:00Z"),
		EndDate:   strPtr("2024-01-01T12:02:00Z"),
		LocalDate: strPtr("2024-01-01"),
		LocalTime: strPtr("13:00"),
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func berlinResolver(t *testing.T) window.Resolver {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return window.NewResolver(loc)
}

func newTestSensor(t *testing.T, cfg SensorConfig) *Sensor {
	t.Helper()
	if cfg.Region == "" {
		cfg.Region = "us-central"
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	s, err := NewSensor(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// ============================================================
// RunCycle
// ============================================================

func TestRunCycle_ScenarioWindowOpen(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	reporter := newRecordingReporter()
	now := time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)

	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: reporter,
		Resolver: berlinResolver(t),
		Cadence:  DefaultCadence(),
		Clock:    fixedClock(now),
	})

	report, next := s.RunCycle(context.Background())

	assert.Equal(t, types.InstanceNow, report.Value)
	assert.Equal(t, 5*time.Second, next)
	assert.Equal(t, 5, report.Attributes.CurrentScanInterval)
	require.NotNil(t, report.Attributes.CurrentTimeUTC)
	assert.Equal(t, now.UnixMilli(), *report.Attributes.CurrentTimeUTC)
	require.NotNil(t, report.Attributes.APIParsed)
	assert.NotNil(t, report.Attributes.APIParsed.StartMillis)
	assert.JSONEq(t, string(fetcher.result.Raw), report.Attributes.APIRaw)
	assert.Equal(t, "bereal_time_us-central", report.UniqueID)
	assert.Equal(t, "BeReal Time (us-central)", report.Name)
	assert.Equal(t, now.Add(5*time.Second), report.NextPollAt)
	assert.Equal(t, 1, reporter.count())
}

func TestRunCycle_ScenarioLocalDayRolledOver(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: newRecordingReporter(),
		Resolver: berlinResolver(t),
		Cadence:  DefaultCadence(),
		Clock:    fixedClock(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
	})

	report, next := s.RunCycle(context.Background())

	assert.Equal(t, types.InstanceWaiting, report.Value)
	assert.Equal(t, 5*time.Second, next)
}

func TestRunCycle_PastUsesLongInterval(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: newRecordingReporter(),
		Resolver: berlinResolver(t),
		Cadence:  DefaultCadence(),
		Clock:    fixedClock(time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)),
	})

	report, next := s.RunCycle(context.Background())

	assert.Equal(t, types.InstancePast, report.Value)
	assert.Equal(t, 2*time.Hour, next)
	assert.Equal(t, 7200, report.Attributes.CurrentScanInterval)
	assert.Equal(t, 2*time.Hour, s.CurrentDelay())
}

func TestRunCycle_AbsentUsesShortInterval(t *testing.T) {
	payload := scenarioPayload()
	payload.LocalTime = nil
	s := newTestSensor(t, SensorConfig{
		Fetcher:  &mockFetcher{result: fetchResult(t, payload)},
		Reporter: newRecordingReporter(),
		Resolver: berlinResolver(t),
		Cadence:  DefaultCadence(),
		Clock:    fixedClock(time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)),
	})

	report, next := s.RunCycle(context.Background())

	assert.Equal(t, types.InstanceAbsent, report.Value)
	assert.Equal(t, 5*time.Second, next)
}

func TestRunCycle_FetchFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code types.ErrorCode
	}{
		{"transport", types.NewAppError(types.ErrCodeUpstreamUnavailable, "connection refused", nil), types.ErrCodeUpstreamUnavailable},
		{"timeout", types.NewAppError(types.ErrCodeUpstreamTimeout, "deadline exceeded", context.DeadlineExceeded), types.ErrCodeUpstreamTimeout},
		{"decode", types.NewAppError(types.ErrCodeUpstreamDecodeFailed, "invalid character", nil), types.ErrCodeUpstreamDecodeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &mockMetrics{}
			s := newTestSensor(t, SensorConfig{
				Fetcher:  &mockFetcher{err: tt.err},
				Reporter: newRecordingReporter(),
				Metrics:  metrics,
				Resolver: window.NewResolver(time.UTC),
				Cadence:  DefaultCadence(),
			})

			report, next := s.RunCycle(context.Background())

			assert.Equal(t, types.InstanceError, report.Value)
			assert.Equal(t, 5*time.Second, next)
			assert.Contains(t, report.Attributes.APIRaw, "Error: ")
			require.NotNil(t, report.Attributes.APIParsed)
			assert.Equal(t, types.NormalizedRecord{}, *report.Attributes.APIParsed)
			assert.Nil(t, report.Attributes.CurrentTimeUTC)
			assert.Equal(t, 5, report.Attributes.CurrentScanInterval)
			assert.Equal(t, []types.ErrorCode{tt.code}, metrics.failures)
			assert.Equal(t, []types.Instance{types.InstanceError}, metrics.cycles)
			assert.Equal(t, []types.Instance{types.InstanceError}, metrics.changes)
		})
	}
}

func TestRunCycle_DateParseErrorReportsError(t *testing.T) {
	payload := scenarioPayload()
	payload.StartDate = strPtr("2024-01-01 noon")
	fetcher := &mockFetcher{result: fetchResult(t, payload)}
	metrics := &mockMetrics{}

	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: newRecordingReporter(),
		Metrics:  metrics,
		Resolver: window.NewResolver(time.UTC),
		Cadence:  DefaultCadence(),
	})

	report, next := s.RunCycle(context.Background())

	assert.Equal(t, types.InstanceError, report.Value)
	assert.Equal(t, 5*time.Second, next)
	require.NotNil(t, report.Attributes.APIParsed)
	assert.Contains(t, report.Attributes.APIParsed.ParseError, "startDate")
	assert.JSONEq(t, string(fetcher.result.Raw), report.Attributes.APIRaw)
	assert.Empty(t, metrics.failures, "date parse errors are not fetch failures")
}

func TestRunCycle_BackoffAcrossFailuresAndReset(t *testing.T) {
	fetcher := &mockFetcher{err: types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)}
	cadence := DefaultCadence()
	cadence.BackoffMax = 30 * time.Second

	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: newRecordingReporter(),
		Resolver: berlinResolver(t),
		Cadence:  cadence,
		Clock:    fixedClock(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)),
	})

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		_, next := s.RunCycle(context.Background())
		delays = append(delays, next)
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}, delays)

	fetcher.set(fetchResult(t, scenarioPayload()), nil)
	report, next := s.RunCycle(context.Background())
	assert.Equal(t, types.InstanceNow, report.Value)
	assert.Equal(t, 5*time.Second, next)

	fetcher.set(nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "down again", nil))
	_, next = s.RunCycle(context.Background())
	assert.Equal(t, 5*time.Second, next, "a success resets the failure count")
}

func TestRunCycle_PublishesTransitionsOnChangeOnly(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	publisher := &mockPublisher{}
	current := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	s := newTestSensor(t, SensorConfig{
		Fetcher:   fetcher,
		Reporter:  newRecordingReporter(),
		Publisher: publisher,
		Resolver:  berlinResolver(t),
		Cadence:   DefaultCadence(),
		Clock:     clock,
	})

	s.RunCycle(context.Background()) // waiting
	s.RunCycle(context.Background()) // waiting, no change
	current = time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)
	s.RunCycle(context.Background()) // now
	current = time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	s.RunCycle(context.Background()) // past

	require.Len(t, publisher.transitions, 3)
	assert.Equal(t, types.Instance(""), publisher.transitions[0].From)
	assert.Equal(t, types.InstanceWaiting, publisher.transitions[0].To)
	assert.Equal(t, types.InstanceWaiting, publisher.transitions[1].From)
	assert.Equal(t, types.InstanceNow, publisher.transitions[1].To)
	assert.Equal(t, types.InstanceNow, publisher.transitions[2].From)
	assert.Equal(t, types.InstancePast, publisher.transitions[2].To)
	for _, tr := range publisher.transitions {
		assert.Equal(t, "us-central", tr.Region)
		assert.NotEmpty(t, tr.ID)
		assert.NotEmpty(t, tr.CycleID)
	}
}

func TestRunCycle_PublisherErrorDoesNotFailCycle(t *testing.T) {
	publisher := &mockPublisher{err: errors.New("queue unavailable")}
	reporter := newRecordingReporter()
	s := newTestSensor(t, SensorConfig{
		Fetcher:   &mockFetcher{result: fetchResult(t, scenarioPayload())},
		Reporter:  reporter,
		Publisher: publisher,
		Resolver:  berlinResolver(t),
		Cadence:   DefaultCadence(),
		Clock:     fixedClock(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)),
	})

	report, _ := s.RunCycle(context.Background())
	assert.Equal(t, types.InstanceNow, report.Value)
	assert.Equal(t, 1, reporter.count())
}

// ============================================================
// Timer loop
// ============================================================

func TestSensor_StartPollsImmediatelyAndRearms(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	reporter := newRecordingReporter()
	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: reporter,
		Resolver: berlinResolver(t),
		Cadence:  Cadence{Short: 10 * time.Millisecond, Long: time.Hour},
		Clock:    fixedClock(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)),
	})

	s.Start(context.Background())

	first := reporter.next(t)
	second := reporter.next(t)
	assert.Equal(t, types.InstanceNow, first.Value)
	assert.Equal(t, types.InstanceNow, second.Value)
}

func TestSensor_StalledTelemetryStillReportsAndRearms(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	reporter := newRecordingReporter()
	metrics := &stallingMetrics{}
	s := newTestSensor(t, SensorConfig{
		Fetcher:          fetcher,
		Reporter:         reporter,
		Metrics:          metrics,
		Publisher:        stallingPublisher{},
		Resolver:         berlinResolver(t),
		Cadence:          Cadence{Short: time.Millisecond, Long: time.Hour},
		Clock:            fixedClock(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)),
		TelemetryTimeout: 20 * time.Millisecond,
	})

	s.Start(context.Background())

	// The report is delivered before any telemetry call.
	first := reporter.next(t)
	assert.Equal(t, types.InstanceNow, first.Value)

	// The stalled calls give up at the deadline and the sensor keeps polling.
	second := reporter.next(t)
	assert.Equal(t, types.InstanceNow, second.Value)
	assert.GreaterOrEqual(t, fetcher.callCount(), 2)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, metrics.calls, metrics.deadlines, "every telemetry call must carry a deadline")
}

func TestRunCycle_ReportsBeforeTelemetry(t *testing.T) {
	reporter := newRecordingReporter()
	metrics := &stallingMetrics{}
	s := newTestSensor(t, SensorConfig{
		Fetcher:          &mockFetcher{err: types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)},
		Reporter:         reporter,
		Metrics:          metrics,
		Resolver:         berlinResolver(t),
		Cadence:          Cadence{Short: 5 * time.Second, Long: time.Hour},
		TelemetryTimeout: 10 * time.Millisecond,
	})

	started := time.Now()
	report, next := s.RunCycle(context.Background())

	assert.Equal(t, types.InstanceError, report.Value)
	assert.Equal(t, 5*time.Second, next)
	assert.Equal(t, 1, reporter.count())
	assert.Less(t, time.Since(started), time.Second, "stalled telemetry must be bounded")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 3, metrics.calls, "fetch failure, cycle and state change metrics")
}

func TestSensor_PastArmsLongDelay(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	reporter := newRecordingReporter()
	metrics := &mockMetrics{}
	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: reporter,
		Metrics:  metrics,
		Resolver: berlinResolver(t),
		Cadence:  Cadence{Short: 10 * time.Millisecond, Long: time.Hour},
		Clock:    fixedClock(time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)),
	})

	s.Start(context.Background())
	report := reporter.next(t)
	assert.Equal(t, types.InstancePast, report.Value)

	require.Eventually(t, s.Pending, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Hour, s.CurrentDelay())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount(), "no fetch before the long delay elapses")
}

func TestSensor_StopCancelsTimer(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	reporter := newRecordingReporter()
	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: reporter,
		Resolver: berlinResolver(t),
		Cadence:  Cadence{Short: 20 * time.Millisecond, Long: time.Hour},
		Clock:    fixedClock(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)),
	})

	s.Start(context.Background())
	reporter.next(t)
	s.Stop()

	calls := fetcher.callCount()
	reports := reporter.count()
	time.Sleep(80 * time.Millisecond)

	assert.False(t, s.Pending())
	assert.Equal(t, calls, fetcher.callCount(), "no fetch after Stop")
	assert.Equal(t, reports, reporter.count(), "no report after Stop")

	// Starting a stopped sensor is a no-op.
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, fetcher.callCount())
}

func TestSensor_StopAbortsInFlightFetch(t *testing.T) {
	fetcher := &mockFetcher{block: true}
	reporter := newRecordingReporter()
	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: reporter,
		Resolver: window.NewResolver(time.UTC),
		Cadence:  Cadence{Short: 10 * time.Millisecond, Long: time.Hour},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a fetch was in flight")
	}
	assert.Equal(t, 0, reporter.count(), "cancelled cycle is not reported")
	assert.False(t, s.Pending())
}

func TestSensor_ContextCancellationEndsLoop(t *testing.T) {
	fetcher := &mockFetcher{result: fetchResult(t, scenarioPayload())}
	reporter := newRecordingReporter()
	s := newTestSensor(t, SensorConfig{
		Fetcher:  fetcher,
		Reporter: reporter,
		Resolver: berlinResolver(t),
		Cadence:  Cadence{Short: 10 * time.Millisecond, Long: time.Hour},
		Clock:    fixedClock(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	reporter.next(t)
	cancel()

	time.Sleep(40 * time.Millisecond)
	calls := fetcher.callCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, calls, fetcher.callCount())
}

func TestNewSensor_Validation(t *testing.T) {
	_, err := NewSensor(SensorConfig{Fetcher: &mockFetcher{}, Reporter: newRecordingReporter()})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationRegion, appErr.Code)

	_, err = NewSensor(SensorConfig{Region: "eu-west", Reporter: newRecordingReporter()})
	assert.Error(t, err)

	_, err = NewSensor(SensorConfig{Region: "eu-west", Fetcher: &mockFetcher{}})
	assert.Error(t, err)
}
