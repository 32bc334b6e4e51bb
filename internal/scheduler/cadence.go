package scheduler

import (
	"time"

	"momentwatch/internal/types"
)

const (
	// DefaultShortInterval is the re-check delay while a window is open, pending,
	// unknown, or after any failure.
	DefaultShortInterval = 5 * time.Second
	// DefaultLongInterval is the re-check delay once today's window has closed.
	DefaultLongInterval = 2 * time.Hour
)

// Cadence maps poll outcomes to the delay before the next fetch.
//
// Fixed > 0 selects the fixed-interval mode: every outcome waits Fixed and the
// instance is not consulted. BackoffMax > 0 enables capped exponential backoff
// for consecutive failures; with BackoffMax == 0 failures always retry at Short.
type Cadence struct {
	Short      time.Duration
	Long       time.Duration
	Fixed      time.Duration
	BackoffMax time.Duration
}

// DefaultCadence returns the adaptive 5s/2h cadence without backoff.
func DefaultCadence() Cadence {
	return Cadence{
		Short: DefaultShortInterval,
		Long:  DefaultLongInterval,
	}
}

func (c Cadence) short() time.Duration {
	if c.Short <= 0 {
		return DefaultShortInterval
	}
	return c.Short
}

func (c Cadence) long() time.Duration {
	if c.Long <= 0 {
		return DefaultLongInterval
	}
	return c.Long
}

// NextDelay returns the delay after a cycle that resolved to instance.
// Only past waits the long interval; every other value, including ones this
// version does not know, waits the short interval.
func (c Cadence) NextDelay(instance types.Instance) time.Duration {
	if c.Fixed > 0 {
		return c.Fixed
	}
	if instance == types.InstancePast {
		return c.long()
	}
	return c.short()
}

// ErrorDelay returns the delay after a failed cycle. consecutiveFailures counts
// the current failure, so the first failure passes 1.
func (c Cadence) ErrorDelay(consecutiveFailures int) time.Duration {
	if c.Fixed > 0 {
		return c.Fixed
	}
	delay := c.short()
	if c.BackoffMax <= delay || consecutiveFailures <= 1 {
		return delay
	}
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return delay
}
