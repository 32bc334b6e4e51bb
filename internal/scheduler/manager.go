package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"momentwatch/internal/types"
	"momentwatch/internal/window"
)

// ManagerConfig holds the shared dependencies for every regional sensor.
type ManagerConfig struct {
	Regions   []string
	Fetcher   Fetcher
	Reporter  Reporter
	Publisher TransitionPublisher
	Metrics   CycleMetrics
	Resolver  window.Resolver
	Cadence   Cadence
	Clock     func() time.Time
	Logger    *slog.Logger

	TelemetryTimeout time.Duration
}

// Manager owns one independent Sensor per configured region. Sensors share
// the injected collaborators but no mutable state.
type Manager struct {
	sensors  []*Sensor
	byRegion map[string]*Sensor
	logger   *slog.Logger
}

// NewManager builds a sensor for every region. Regions must be unique.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.Regions) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationRegion, "at least one region is required", nil)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		byRegion: make(map[string]*Sensor, len(cfg.Regions)),
		logger:   logger,
	}

	for _, region := range cfg.Regions {
		if _, dup := m.byRegion[region]; dup {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationRegion,
				"duplicate region", nil, map[string]any{"region": region})
		}
		sensor, err := NewSensor(SensorConfig{
			Region:    region,
			Fetcher:   cfg.Fetcher,
			Reporter:  cfg.Reporter,
			Publisher: cfg.Publisher,
			Metrics:   cfg.Metrics,
			Resolver:  cfg.Resolver,
			Cadence:   cfg.Cadence,
			Clock:     cfg.Clock,
			Logger:    logger,

			TelemetryTimeout: cfg.TelemetryTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("creating sensor for %s: %w", region, err)
		}
		m.sensors = append(m.sensors, sensor)
		m.byRegion[region] = sensor
	}

	return m, nil
}

// Regions returns the configured regions in sorted order.
func (m *Manager) Regions() []string {
	regions := make([]string, 0, len(m.sensors))
	for _, s := range m.sensors {
		regions = append(regions, s.Region())
	}
	sort.Strings(regions)
	return regions
}

// Sensor returns the sensor for region.
func (m *Manager) Sensor(region string) (*Sensor, bool) {
	s, ok := m.byRegion[region]
	return s, ok
}

// Start starts every sensor.
func (m *Manager) Start(ctx context.Context) {
	for _, s := range m.sensors {
		s.Start(ctx)
	}
	m.logger.InfoContext(ctx, "sensors started", "count", len(m.sensors))
}

// Stop tears down every sensor. No cycle fires after Stop returns.
func (m *Manager) Stop() {
	for _, s := range m.sensors {
		s.Stop()
	}
}

// Run starts all sensors, blocks until ctx is cancelled, then stops them.
func (m *Manager) Run(ctx context.Context) error {
	m.Start(ctx)
	<-ctx.Done()
	m.Stop()
	m.logger.Info("sensors stopped")
	return nil
}

// PollOnce runs a single cycle concurrently for the given regions, or for every
// region when none are given, without arming timers. It is the fixed-schedule
// entry point used when an external scheduler owns the cadence. Reports are
// returned in region order. An unconfigured region fails the call before any
// fetch.
func (m *Manager) PollOnce(ctx context.Context, regions ...string) ([]types.Report, error) {
	sensors := m.sensors
	if len(regions) > 0 {
		sensors = make([]*Sensor, 0, len(regions))
		seen := make(map[string]bool, len(regions))
		for _, region := range regions {
			s, ok := m.byRegion[region]
			if !ok {
				return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationRegion,
					"region is not configured", nil, map[string]any{"region": region})
			}
			if seen[region] {
				continue
			}
			seen[region] = true
			sensors = append(sensors, s)
		}
	}

	reports := make([]types.Report, len(sensors))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sensors {
		g.Go(func() error {
			report, _ := s.RunCycle(gctx)
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("poll interrupted: %w", err)
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Region < reports[j].Region })
	return reports, nil
}
