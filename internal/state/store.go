// Package state keeps the most recent report of every sensor in memory. It is
// the host-side Reporter: sensors push into it and the status API reads from it.
package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"momentwatch/internal/types"
)

// Store holds the latest report per region. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	reports map[string]types.Report
	logger  *slog.Logger
}

// NewStore returns an empty Store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		reports: make(map[string]types.Report),
		logger:  logger,
	}
}

// Report records report as the current state of its region. It satisfies
// scheduler.Reporter.
func (s *Store) Report(ctx context.Context, report types.Report) {
	s.mu.Lock()
	s.reports[report.Region] = report
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "sensor state recorded",
		"unique_id", report.UniqueID,
		"state", string(report.Value),
		"current_scan_interval", report.Attributes.CurrentScanInterval,
	)
}

// Get returns the latest report for region.
func (s *Store) Get(region string) (types.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[region]
	return r, ok
}

// List returns all reports ordered by region.
func (s *Store) List() []types.Report {
	s.mu.RLock()
	out := make([]types.Report, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// LastUpdated returns when region last reported. ok is false if it never did.
func (s *Store) LastUpdated(region string) (time.Time, bool) {
	r, ok := s.Get(region)
	if !ok {
		return time.Time{}, false
	}
	return r.UpdatedAt, true
}
