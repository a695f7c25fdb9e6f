// Package metrics provides Prometheus metrics for go-itest-supervisor.
//
// Every metric is owned by a Collector instance and registered on the
// Registerer it is created with, so tests can use an isolated registry.
package metrics

import (
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
	"github.com/randomizedcoder/go-itest-supervisor/internal/supervisor"
)

const namespace = "itest"

// Termination modes.
const (
	TerminationGraceful = "graceful"
	TerminationForced   = "forced"
)

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	RunID   string
	BaseURL string

	// Phases are pre-registered so every phase shows up before it runs.
	Phases []string
}

// Collector manages all Prometheus metrics for a run.
type Collector struct {
	info            *prometheus.GaugeVec
	phaseState      *prometheus.GaugeVec
	phaseResultCode *prometheus.GaugeVec
	phaseDuration   *prometheus.GaugeVec
	startupSeconds  prometheus.Histogram
	probesTotal     *prometheus.CounterVec
	probeLatency    prometheus.Histogram
	signalsTotal    *prometheus.CounterVec
	terminations    *prometheus.CounterVec
	startupFailures prometheus.Counter
	exitCode        prometheus.Gauge

	mu     sync.Mutex
	forced int
	states map[string]supervisor.State
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the run (value always 1)",
			},
			[]string{"version", "run_id", "base_url"},
		),
		phaseState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase_state",
				Help:      "Current lifecycle state of each phase (1 for the active state)",
			},
			[]string{"phase", "state"},
		),
		phaseResultCode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase_result_code",
				Help:      "Result code returned by the phase's test suite",
			},
			[]string{"phase"},
		),
		phaseDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Wall time from server spawn to server terminated",
			},
			[]string{"phase"},
		),
		startupSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "server_startup_seconds",
				Help:      "Time from spawn until the heartbeat answered 2xx",
				Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 20, 30, 60, 120},
			},
		),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_probes_total",
				Help:      "Heartbeat probes by outcome",
			},
			[]string{"outcome"},
		),
		probeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "heartbeat_probe_seconds",
				Help:      "Heartbeat probe round-trip time",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "termination_signals_total",
				Help:      "Signals delivered to server processes",
			},
			[]string{"signal"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminations_total",
				Help:      "Server terminations by mode",
			},
			[]string{"mode"},
		),
		startupFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "startup_failures_total",
				Help:      "Servers that exited before becoming healthy",
			},
		),
		exitCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "exit_code",
				Help:      "Exit code of the run (-1 while running)",
			},
		),
		states: make(map[string]supervisor.State),
	}

	registry.MustRegister(
		c.info,
		c.phaseState,
		c.phaseResultCode,
		c.phaseDuration,
		c.startupSeconds,
		c.probesTotal,
		c.probeLatency,
		c.signalsTotal,
		c.terminations,
		c.startupFailures,
		c.exitCode,
	)

	c.info.WithLabelValues(cfg.Version, cfg.RunID, cfg.BaseURL).Set(1)
	c.exitCode.Set(-1)
	for _, phase := range cfg.Phases {
		c.SetPhaseState(phase, supervisor.StateIdle)
	}

	return c
}

// =============================================================================
// Phase Methods
// =============================================================================

// SetPhaseState marks state as the phase's active state.
func (c *Collector) SetPhaseState(phase string, state supervisor.State) {
	c.mu.Lock()
	c.states[phase] = state
	c.mu.Unlock()

	for _, s := range supervisor.AllStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.phaseState.WithLabelValues(phase, s.String()).Set(v)
	}
}

// PhaseState returns the last recorded state of phase.
func (c *Collector) PhaseState(phase string) supervisor.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[phase]
}

// RecordPhase records a finished phase's result code and duration.
func (c *Collector) RecordPhase(phase string, code int, d time.Duration) {
	c.phaseResultCode.WithLabelValues(phase).Set(float64(code))
	c.phaseDuration.WithLabelValues(phase).Set(d.Seconds())
}

// ObserveStartup records time-to-healthy for one server.
func (c *Collector) ObserveStartup(d time.Duration) {
	c.startupSeconds.Observe(d.Seconds())
}

// StartupFailed counts a server that died before becoming healthy.
func (c *Collector) StartupFailed() {
	c.startupFailures.Inc()
}

// SetExitCode publishes the run's final exit code.
func (c *Collector) SetExitCode(code int) {
	c.exitCode.Set(float64(code))
}

// =============================================================================
// Health and Termination Observers
// =============================================================================

// ObserveProbe implements health.Observer.
func (c *Collector) ObserveProbe(outcome health.Outcome, latency time.Duration) {
	c.probesTotal.WithLabelValues(string(outcome)).Inc()
	c.probeLatency.Observe(latency.Seconds())
}

// RecordSignal counts a signal delivered to count processes.
func (c *Collector) RecordSignal(sig syscall.Signal, count int) {
	name := signalName(sig)
	c.signalsTotal.WithLabelValues(name).Add(float64(count))
}

// RecordTermination counts a server shutdown.
func (c *Collector) RecordTermination(forced bool) {
	mode := TerminationGraceful
	if forced {
		mode = TerminationForced
		c.mu.Lock()
		c.forced++
		c.mu.Unlock()
	}
	c.terminations.WithLabelValues(mode).Inc()
}

// ForcedTerminations returns how many servers needed SIGKILL.
func (c *Collector) ForcedTerminations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}

// =============================================================================
// Helper Functions
// =============================================================================

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGINT:
		return "SIGINT"
	default:
		return "signal_" + strconv.Itoa(int(sig))
	}
}
