package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"momentwatch/internal/config"
)

// healthCheckTimeout is the maximum time allowed for all health probes to complete.
// If any probe exceeds this deadline, the health check returns 503 Service Unavailable.
const healthCheckTimeout = 2 * time.Second

// HealthProbe defines the interface for a subsystem health check.
type HealthProbe interface {
	// Name returns a human-readable identifier for the probe (e.g., "sensor:us-central").
	Name() string

	// Check performs the health check against the subsystem.
	// It should respect the context deadline and return an error if the subsystem
	// is unhealthy or unreachable.
	Check(ctx context.Context) error
}

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a short timeout.
// Returns 200 OK if all probes report healthy, 503 Service Unavailable if any
// critical subsystem fails or if the global timeout is exceeded.
//
// The handler creates a context with a 2-second deadline derived from the request
// context. Each probe executes independently in its own goroutine to minimize
// total health check latency.
//
// Mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		// No probes registered: report healthy with no component details.
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}

	var (
		mu      sync.Mutex
		results = make([]probeResult, 0, len(probes))
		wg      sync.WaitGroup
	)

	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("probe panicked: %v", r)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results = append(results, probeResult{name: p.Name(), err: err})
			mu.Unlock()
		}(probe)
	}

	// Wait for all probes to complete or context to expire.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All probes completed within the timeout.
	case <-ctx.Done():
		// Timeout expired before all probes completed. Build a partial response
		// with whatever results we have. Missing probes are marked as timed out.
	}

	// Build the response from collected results.
	mu.Lock()
	collectedResults := make([]probeResult, len(results))
	copy(collectedResults, results)
	mu.Unlock()

	// Create a lookup of completed probes.
	completed := make(map[string]probeResult, len(collectedResults))
	for _, r := range collectedResults {
		completed[r.name] = r
	}

	components := make(map[string]componentStatus, len(probes))
	allHealthy := true

	for _, probe := range probes {
		name := probe.Name()
		if result, ok := completed[name]; ok {
			if result.err != nil {
				allHealthy = false
				components[name] = componentStatus{
					Status:  "unhealthy",
					Message: result.err.Error(),
				}
			} else {
				components[name] = componentStatus{
					Status: "healthy",
				}
			}
		} else {
			// Probe did not complete before timeout.
			allHealthy = false
			components[name] = componentStatus{
				Status:  "unhealthy",
				Message: "health check timed out",
			}
		}
	}

	resp := healthResponse{
		Components: components,
	}

	if allHealthy {
		resp.Status = "healthy"
		JSON(w, r, http.StatusOK, resp)
	} else {
		resp.Status = "unhealthy"
		JSON(w, r, http.StatusServiceUnavailable, resp)
	}
}

// FreshnessProbe reports a sensor unhealthy when its last report is older than
// MaxAge. A sensor that has never reported is given MaxAge from Since to
// complete its first cycle.
type FreshnessProbe struct {
	Sensors SensorDirectory
	Region  string
	MaxAge  time.Duration
	Since   time.Time
	Clock   func() time.Time
}

// Name implements HealthProbe.
func (p *FreshnessProbe) Name() string { return "sensor:" + p.Region }

// Check implements HealthProbe.
func (p *FreshnessProbe) Check(ctx context.Context) error {
	now := time.Now()
	if p.Clock != nil {
		now = p.Clock()
	}

	last, ok := p.Sensors.LastUpdated(p.Region)
	if !ok {
		if now.Sub(p.Since) > p.MaxAge {
			return fmt.Errorf("no report since %s", p.Since.UTC().Format(time.RFC3339))
		}
		return nil
	}
	if age := now.Sub(last); age > p.MaxAge {
		return fmt.Errorf("last report %s ago exceeds %s", age.Truncate(time.Second), p.MaxAge)
	}
	return nil
}

// FreshnessWindow is the longest a healthy sensor can go without reporting:
// two of its longest possible delays plus one fetch timeout. The longest delay
// is the long delay, the fixed interval or the error backoff cap.
func FreshnessWindow(cfg *config.Config) time.Duration {
	longest := max(cfg.Poll.LongInterval, cfg.Poll.FixedInterval, cfg.Poll.BackoffMax)
	return 2*longest + cfg.Moment.FetchTimeout
}

// NewFreshnessProbes builds one FreshnessProbe per configured region.
func NewFreshnessProbes(cfg *config.Config, sensors SensorDirectory, since time.Time) []HealthProbe {
	maxAge := FreshnessWindow(cfg)
	probes := make([]HealthProbe, 0, len(cfg.Moment.Regions))
	for _, region := range cfg.Moment.Regions {
		probes = append(probes, &FreshnessProbe{
			Sensors: sensors,
			Region:  region,
			MaxAge:  maxAge,
			Since:   since,
		})
	}
	return probes
}
