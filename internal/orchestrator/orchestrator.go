package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-itest-supervisor/internal/config"
	"github.com/randomizedcoder/go-itest-supervisor/internal/environ"
	"github.com/randomizedcoder/go-itest-supervisor/internal/exitcodes"
	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
	"github.com/randomizedcoder/go-itest-supervisor/internal/metrics"
	"github.com/randomizedcoder/go-itest-supervisor/internal/preflight"
	"github.com/randomizedcoder/go-itest-supervisor/internal/process"
	"github.com/randomizedcoder/go-itest-supervisor/internal/stats"
	"github.com/randomizedcoder/go-itest-supervisor/internal/supervisor"
	"github.com/randomizedcoder/go-itest-supervisor/internal/tui"
)

// Orchestrator coordinates all components for an integration test run.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	stdout io.Writer
	stderr io.Writer

	runID        string
	binaryPath   string
	heartbeatURL string
	plan         Plan

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	tracker       *stats.StartupTracker
	program       *tea.Program

	// forced records, per server PID, whether termination needed SIGKILL.
	mu     sync.Mutex
	forced map[int]bool

	startTime time.Time
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, version string) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		config:  cfg,
		logger:  logger,
		version: version,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		runID:   uuid.NewString(),
		forced:  make(map[int]bool),
	}
}

// SetOutput redirects the orchestrator's own console output (preflight,
// command listing, summary). Server and collaborator output is unaffected.
func (o *Orchestrator) SetOutput(stdout, stderr io.Writer) {
	o.stdout = stdout
	o.stderr = stderr
}

// RunID returns the identifier attached to logs, metrics and the summary.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run executes the whole plan and returns the process exit code. It blocks
// until every phase finished, a phase failed fatally, or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) int {
	o.startTime = time.Now()

	if err := o.prepare(); err != nil {
		o.logger.Error("run_setup_failed", "run_id", o.runID, "error", err)
		fmt.Fprintf(o.stderr, "Error: %v\n", err)
		return exitcodes.RuntimeErr
	}

	if o.config.PrintCmd {
		o.printCommands(environ.FromOS())
		return exitcodes.Success
	}

	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			BinaryPath: o.binaryPath,
			BaseURL:    o.config.BaseURL,
			Commands:   o.commands(),
		})
		preflight.PrintResults(o.stdout, result)
		if !result.Passed {
			fmt.Fprintln(o.stderr, "Error: preflight checks failed (use -skip-preflight to override)")
			return exitcodes.RuntimeErr
		}
	}

	o.setupMetrics()
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			o.logger.Error("metrics_server_failed", "addr", o.config.MetricsAddr, "error", err)
			fmt.Fprintf(o.stderr, "Error: failed to start metrics server: %v\n", err)
			return exitcodes.RuntimeErr
		}
	}

	ctx, cancel := interruptContext(ctx)
	defer cancel()

	runner := o.newRunner()

	var tuiDone chan struct{}
	if o.config.TUIEnabled {
		tuiDone = o.startTUI(cancel)
	}

	o.logger.Info("run_starting",
		"run_id", o.runID,
		"binary", o.binaryPath,
		"base_url", o.config.BaseURL,
		"phases", len(o.plan.Phases),
	)

	report, err := runner.Run(ctx, o.runID, o.plan, environ.FromOS())
	code := ExitCodeFor(report, err)

	if err != nil {
		o.logger.Error("run_failed", "run_id", o.runID, "exit_code", code, "error", err)
	} else {
		o.logger.Info("run_completed", "run_id", o.runID, "exit_code", code)
	}
	if failed := failedPhases(report); len(failed) > 0 {
		o.logger.Warn("phases_failed", "run_id", o.runID, "phases", failed)
	}

	if tuiDone != nil {
		o.program.Send(tui.RunDoneMsg{ExitCode: code})
		tui.SendQuit(o.program)
		<-tuiDone
	}

	if err != nil {
		o.printFailure(err)
	}

	o.metrics.SetExitCode(code)
	o.shutdownMetrics()

	fmt.Fprint(o.stdout, stats.FormatSummary(o.summaryRows(report), stats.SummaryConfig{
		RunID:         o.runID,
		BinaryPath:    o.binaryPath,
		BaseURL:       o.config.BaseURL,
		Duration:      time.Since(o.startTime),
		ExitCode:      code,
		MetricsAddr:   o.config.MetricsAddr,
		Startup:       o.tracker.Startup(),
		Probes:        o.tracker.Probes(),
		ProbeOutcomes: o.tracker.Outcomes(),
	}))

	return code
}

var notifyContext = signal.NotifyContext

// interruptContext returns a context cancelled by SIGINT, SIGTERM or the
// returned cancel. The signal handler is released as soon as the context is
// done, so a second interrupt during teardown kills the process.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := notifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(ctx, stop)
	return ctx, func() {
		cancel()
		stop()
	}
}

// failedPhases names the phases that did not pass.
func failedPhases(report *Report) []string {
	if report == nil {
		return nil
	}
	var names []string
	for _, p := range report.Failed() {
		names = append(names, p.Name)
	}
	return names
}

// prepare resolves the binary, heartbeat URL and plan.
func (o *Orchestrator) prepare() error {
	url, err := health.HeartbeatURL(o.config.BaseURL)
	if err != nil {
		return err
	}
	o.heartbeatURL = url

	plan, err := BuildPlan(o.config)
	if err != nil {
		return err
	}
	o.plan = plan

	if o.config.BinaryPath != "" {
		o.binaryPath = o.config.BinaryPath
		return nil
	}
	path, err := process.Locate(o.config.BinaryCandidates...)
	if err != nil {
		return err
	}
	o.binaryPath = path
	o.logger.Debug("binary_located", "path", path)
	return nil
}

// commands returns the argv of every external collaborator in the plan.
func (o *Orchestrator) commands() [][]string {
	var out [][]string
	for _, ph := range o.plan.Phases {
		if c, ok := ph.Collaborator.(*process.CommandCollaborator); ok && len(c.Argv) > 0 {
			out = append(out, c.Argv)
		}
	}
	return out
}

func (o *Orchestrator) setupMetrics() {
	o.registry = prometheus.NewRegistry()
	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: o.version,
		RunID:   o.runID,
		BaseURL: o.config.BaseURL,
		Phases:  o.plan.Names(),
	}, o.registry)
	o.tracker = stats.NewStartupTracker()

	if o.config.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(o.config.MetricsAddr, o.registry, o.logger)
	}
}

func (o *Orchestrator) shutdownMetrics() {
	if o.config.MetricsFile != "" {
		if err := metrics.WriteTextfile(o.registry, o.config.MetricsFile); err != nil {
			o.logger.Warn("metrics_file_write_failed", "path", o.config.MetricsFile, "error", err)
		} else {
			o.logger.Info("metrics_file_written", "path", o.config.MetricsFile)
		}
	}

	if o.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// newRunner builds the spawner, poller and terminator and wires their
// events into metrics, stats and the dashboard.
func (o *Orchestrator) newRunner() *Runner {
	var serverOut, serverErr io.Writer = os.Stdout, os.Stderr
	if o.config.TUIEnabled {
		// The dashboard owns the terminal; output is still captured.
		serverOut, serverErr = io.Discard, io.Discard
		for _, ph := range o.plan.Phases {
			if c, ok := ph.Collaborator.(*process.CommandCollaborator); ok {
				c.Stdout, c.Stderr = io.Discard, io.Discard
			}
		}
	}

	spawner := process.NewSpawner(process.SpawnerConfig{
		Stdout:       serverOut,
		Stderr:       serverErr,
		CaptureLines: o.config.CaptureLines,
	})

	poller := health.NewPoller(health.Config{
		PollInterval:   o.config.PollInterval,
		RequestTimeout: o.config.RequestTimeout,
		StartupTimeout: o.config.StartupTimeout,
		Logger:         o.logger,
		Observer:       health.Observers{o.metrics, o.tracker},
	})

	termCfg := supervisor.DefaultTerminatorConfig()
	termCfg.GracePeriod = o.config.TermGrace
	termCfg.Logger = o.logger
	termCfg.Callbacks = supervisor.TerminatorCallbacks{
		OnSignal: o.metrics.RecordSignal,
		OnExit:   o.onServerExit,
	}

	return NewRunner(RunnerConfig{
		BinaryPath:   o.binaryPath,
		BaseURL:      o.config.BaseURL,
		HeartbeatURL: o.heartbeatURL,
		Launcher:     spawner,
		Health:       poller,
		Terminator:   supervisor.NewTerminator(termCfg),
		Logger:       o.logger,
		Callbacks: RunnerCallbacks{
			OnStateChange:   o.onStateChange,
			OnServerStarted: o.onServerStarted,
			OnHealthy:       o.onHealthy,
			OnPhaseComplete: o.onPhaseComplete,
		},
	})
}

// startTUI runs the dashboard in the background. Quitting it cancels the run.
func (o *Orchestrator) startTUI(cancel context.CancelFunc) chan struct{} {
	model := tui.New(tui.Config{
		RunID:       o.runID,
		BaseURL:     o.config.BaseURL,
		BinaryPath:  o.binaryPath,
		MetricsAddr: o.config.MetricsAddr,
		Phases:      o.plan.Names(),
		ProbeSource: o.tracker,
		OnQuit:      cancel,
	})
	o.program = tea.NewProgram(model, tea.WithAltScreen())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := o.program.Run(); err != nil {
			o.logger.Warn("tui_error", "error", err)
		}
	}()
	return done
}

// =============================================================================
// Callback handlers
// =============================================================================

func (o *Orchestrator) onStateChange(phase string, _, newState supervisor.State) {
	o.metrics.SetPhaseState(phase, newState)
	if o.program != nil {
		tui.SendPhaseState(o.program, phase, newState)
	}
}

func (o *Orchestrator) onServerStarted(phase string, pid int) {
	o.logger.Debug("server_process_started", "phase", phase, "pid", pid)
	if o.program != nil {
		o.program.Send(tui.ServerStartedMsg{Phase: phase, PID: pid})
	}
}

func (o *Orchestrator) onHealthy(phase string, startup time.Duration) {
	o.metrics.ObserveStartup(startup)
	o.tracker.ObserveStartup(startup)
	if o.program != nil {
		o.program.Send(tui.HealthyMsg{Phase: phase, Startup: startup})
	}
}

func (o *Orchestrator) onPhaseComplete(res PhaseResult) {
	var sf *health.StartupFailure
	if errors.As(res.Err, &sf) || errors.Is(res.Err, health.ErrStartupTimeout) {
		o.metrics.StartupFailed()
	}
	if res.State == supervisor.StateDone {
		o.metrics.RecordPhase(res.Name, res.Code, res.Duration)
	}
	if o.program != nil {
		msg := tui.PhaseDoneMsg{Phase: res.Name, Code: res.Code, Duration: res.Duration}
		if res.Err != nil {
			msg.Err = res.Err.Error()
		}
		o.program.Send(msg)
	}
}

func (o *Orchestrator) onServerExit(pid int, forced bool, elapsed time.Duration) {
	o.metrics.RecordTermination(forced)

	o.mu.Lock()
	o.forced[pid] = forced
	o.mu.Unlock()

	if forced {
		o.logger.Warn("server_force_killed", "pid", pid, "elapsed", elapsed.String())
	}
}

func (o *Orchestrator) wasForced(pid int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forced[pid]
}

// =============================================================================
// Output
// =============================================================================

func (o *Orchestrator) summaryRows(report *Report) []stats.PhaseRow {
	if report == nil {
		return nil
	}
	rows := make([]stats.PhaseRow, 0, len(report.Phases))
	for _, res := range report.Phases {
		row := stats.PhaseRow{
			Name:     res.Name,
			State:    res.State.String(),
			Code:     res.Code,
			PID:      res.PID,
			Startup:  res.StartupDuration,
			Duration: res.Duration,
			Forced:   res.PID > 0 && o.wasForced(res.PID),
		}
		if res.Err != nil {
			row.Err = res.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

// printFailure writes the captured server output of a failed startup.
func (o *Orchestrator) printFailure(err error) {
	var sf *health.StartupFailure
	if !errors.As(err, &sf) {
		return
	}
	fmt.Fprintf(o.stderr, "\nServer exited with code %d before becoming healthy.\n", sf.ExitCode)
	printTail(o.stderr, "stdout", sf.Stdout)
	printTail(o.stderr, "stderr", sf.Stderr)
}

func printTail(w io.Writer, stream string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(w, "--- server %s (last %d lines) ---\n", stream, len(lines))
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// printCommands prints what the run would do without starting anything.
func (o *Orchestrator) printCommands(initial environ.Snapshot) {
	w := o.stdout
	fmt.Fprintln(w, "# Server binary:")
	fmt.Fprintln(w, process.QuoteCommand([]string{o.binaryPath}))
	fmt.Fprintf(w, "# Heartbeat: %s\n", o.heartbeatURL)

	prev := initial
	for i, snap := range o.plan.Snapshots(initial) {
		ph := o.plan.Phases[i]
		fmt.Fprintln(w)
		fmt.Fprintf(w, "# Phase %d: %s\n", i+1, ph.Name)
		printDelta(w, environ.Diff(prev, snap))

		inv := process.Invocation{BaseURL: o.config.BaseURL, Verbosity: ph.EffectiveVerbosity()}
		if c, ok := ph.Collaborator.(*process.CommandCollaborator); ok {
			fmt.Fprintln(w, c.CommandString(inv))
		} else if ph.Collaborator != nil {
			fmt.Fprintf(w, "# (in-process collaborator %s)\n", ph.Collaborator.Name())
		}
		prev = snap
	}
}

func printDelta(w io.Writer, d environ.Delta) {
	if d.Empty() {
		fmt.Fprintln(w, "# environment unchanged")
		return
	}
	for _, k := range sortedKeys(d.Added) {
		fmt.Fprintf(w, "#   + %s\n", process.QuoteCommand([]string{k + "=" + d.Added[k]}))
	}
	for _, k := range sortedKeys(d.Changed) {
		fmt.Fprintf(w, "#   ~ %s\n", process.QuoteCommand([]string{k + "=" + d.Changed[k]}))
	}
	for _, k := range d.Removed {
		fmt.Fprintf(w, "#   - %s\n", k)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
