// Package stats summarizes a run for display at program exit.
//
// StartupTracker keeps t-digests of heartbeat latency and time-to-healthy so
// percentiles stay cheap no matter how many probes a slow server needs.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
)

const digestCompression = 100

// Percentiles summarizes a duration distribution.
type Percentiles struct {
	Count int
	Min   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// distribution is a t-digest plus exact count and extremes.
type distribution struct {
	digest   *tdigest.TDigest
	count    int
	min, max time.Duration
}

func newDistribution() *distribution {
	return &distribution{digest: tdigest.NewWithCompression(digestCompression)}
}

func (d *distribution) add(v time.Duration) {
	d.digest.Add(float64(v.Nanoseconds()), 1)
	if d.count == 0 || v < d.min {
		d.min = v
	}
	if v > d.max {
		d.max = v
	}
	d.count++
}

func (d *distribution) percentiles() Percentiles {
	if d.count == 0 {
		return Percentiles{}
	}
	return Percentiles{
		Count: d.count,
		Min:   d.min,
		P50:   d.quantile(0.50),
		P95:   d.quantile(0.95),
		P99:   d.quantile(0.99),
		Max:   d.max,
	}
}

// quantile clamps the digest estimate into the observed range.
func (d *distribution) quantile(q float64) time.Duration {
	v := time.Duration(d.digest.Quantile(q))
	if v < d.min {
		return d.min
	}
	if v > d.max {
		return d.max
	}
	return v
}

// StartupTracker records server startup and heartbeat probe timings.
// It is safe for concurrent use.
type StartupTracker struct {
	mu       sync.Mutex
	startup  *distribution
	probes   *distribution
	outcomes map[health.Outcome]int
}

// NewStartupTracker creates an empty tracker.
func NewStartupTracker() *StartupTracker {
	return &StartupTracker{
		startup:  newDistribution(),
		probes:   newDistribution(),
		outcomes: make(map[health.Outcome]int),
	}
}

// ObserveStartup records one server's time from spawn to healthy.
func (t *StartupTracker) ObserveStartup(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startup.add(d)
}

// ObserveProbe implements health.Observer.
func (t *StartupTracker) ObserveProbe(outcome health.Outcome, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes.add(latency)
	t.outcomes[outcome]++
}

// Startup returns time-to-healthy percentiles.
func (t *StartupTracker) Startup() Percentiles {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startup.percentiles()
}

// Probes returns heartbeat latency percentiles.
func (t *StartupTracker) Probes() Percentiles {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probes.percentiles()
}

// Outcomes returns a copy of the probe counts by outcome.
func (t *StartupTracker) Outcomes() map[health.Outcome]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[health.Outcome]int, len(t.outcomes))
	for k, v := range t.outcomes {
		out[k] = v
	}
	return out
}
