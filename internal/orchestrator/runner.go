package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-itest-supervisor/internal/environ"
	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
	"github.com/randomizedcoder/go-itest-supervisor/internal/process"
	"github.com/randomizedcoder/go-itest-supervisor/internal/supervisor"
)

// errInterrupted marks a run stopped by context cancellation.
var errInterrupted = errors.New("run interrupted")

// Launcher starts the server under test.
type Launcher interface {
	Launch(binaryPath string, env environ.Snapshot) (process.Handle, error)
}

// HealthChecker waits for a started server to become healthy.
type HealthChecker interface {
	AwaitHealthy(ctx context.Context, target health.Target, heartbeatURL string) error
}

// Terminator stops a server and its descendants.
type Terminator interface {
	Terminate(p supervisor.Process) error
}

// RunnerCallbacks contains optional callbacks for phase events.
type RunnerCallbacks struct {
	// OnStateChange is called on every phase state transition.
	OnStateChange func(phase string, oldState, newState supervisor.State)

	// OnServerStarted is called once the server process is running.
	OnServerStarted func(phase string, pid int)

	// OnHealthy is called when the server answered its heartbeat.
	OnHealthy func(phase string, startup time.Duration)

	// OnPhaseComplete is called with every phase result, successful or not.
	OnPhaseComplete func(result PhaseResult)
}

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	BinaryPath   string
	BaseURL      string
	HeartbeatURL string

	Launcher   Launcher
	Health     HealthChecker
	Terminator Terminator

	Logger    *slog.Logger
	Callbacks RunnerCallbacks
}

// Runner executes a Plan phase by phase. Each phase gets a fresh server;
// the server is always terminated before the next phase starts.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run executes every phase of plan against environments derived from
// initial. It stops at the first fatal error; the report holds the
// results so far either way.
func (r *Runner) Run(ctx context.Context, runID string, plan Plan, initial environ.Snapshot) (*Report, error) {
	report := NewReport(runID)
	snapshots := plan.Snapshots(initial)

	for i, phase := range plan.Phases {
		if ctx.Err() != nil {
			return report, fmt.Errorf("%w before phase %s: %w", errInterrupted, phase.Name, ctx.Err())
		}

		if !phase.Mutation.IsZero() {
			r.logger.Debug("phase_environment", "phase", phase.Name, "keys", phase.Mutation.Keys())
		}

		res, err := r.RunPhase(ctx, i, phase, snapshots[i])
		report.Record(res)
		if r.cfg.Callbacks.OnPhaseComplete != nil {
			r.cfg.Callbacks.OnPhaseComplete(res)
		}

		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", errInterrupted, err)
			}
			return report, err
		}

		r.logger.Info("phase_completed",
			"run_id", runID,
			"phase", phase.Name,
			"code", res.Code,
			"cumulative_code", report.Code,
			"duration", res.Duration.String(),
		)
	}

	return report, nil
}

// phaseRun tracks one phase's state.
type phaseRun struct {
	r     *Runner
	name  string
	state supervisor.State
}

// set moves to next. Illegal transitions are logged and ignored.
func (p *phaseRun) set(next supervisor.State) {
	old := p.state
	if old == next {
		return
	}
	if !old.CanTransition(next) {
		p.r.logger.Error("phase_state_invalid", "phase", p.name, "from", old.String(), "to", next.String())
		return
	}
	p.state = next
	p.r.logger.Debug("phase_state_changed", "phase", p.name, "from", old.String(), "to", next.String())
	if p.r.cfg.Callbacks.OnStateChange != nil {
		p.r.cfg.Callbacks.OnStateChange(p.name, old, next)
	}
}

// RunPhase spawns the server with env, waits for it to become healthy,
// runs the phase's collaborator and terminates the server. Termination
// happens exactly once on every path, including a collaborator panic.
func (r *Runner) RunPhase(ctx context.Context, index int, phase Phase, env environ.Snapshot) (res PhaseResult, err error) {
	res = PhaseResult{Name: phase.Name, Index: index}
	run := &phaseRun{r: r, name: phase.Name, state: supervisor.StateIdle}
	start := time.Now()

	defer func() {
		res.State = run.state
		res.Duration = time.Since(start)
		res.Err = err
	}()

	run.set(supervisor.StateSpawning)
	h, err := r.cfg.Launcher.Launch(r.cfg.BinaryPath, env)
	if err != nil {
		run.set(supervisor.StateFailed)
		return res, &PhaseError{Phase: phase.Name, Err: err}
	}
	res.PID = h.PID()

	r.logger.Info("server_started",
		"phase", phase.Name,
		"pid", h.PID(),
		"binary", r.cfg.BinaryPath,
	)
	if r.cfg.Callbacks.OnServerStarted != nil {
		r.cfg.Callbacks.OnServerStarted(phase.Name, h.PID())
	}

	// Registered before anything that can fail or panic.
	defer func() {
		if run.state == supervisor.StateRunning {
			run.set(supervisor.StateTerminating)
		}
		terr := r.cfg.Terminator.Terminate(h)
		if terr != nil {
			err = errors.Join(err, &PhaseError{Phase: phase.Name, Err: terr})
		}
		if run.state == supervisor.StateTerminating {
			run.set(supervisor.StateDone)
		}
	}()

	run.set(supervisor.StateAwaitingHealth)
	if err := r.cfg.Health.AwaitHealthy(ctx, h, r.cfg.HeartbeatURL); err != nil {
		run.set(supervisor.StateFailed)
		r.logger.Error("server_not_healthy", "phase", phase.Name, "pid", h.PID(), "error", err)
		return res, &PhaseError{Phase: phase.Name, Err: err}
	}
	res.StartupDuration = time.Since(start)
	if r.cfg.Callbacks.OnHealthy != nil {
		r.cfg.Callbacks.OnHealthy(phase.Name, res.StartupDuration)
	}
	r.logger.Info("server_healthy",
		"phase", phase.Name,
		"pid", h.PID(),
		"startup", res.StartupDuration.String(),
	)

	verbosity := phase.EffectiveVerbosity()

	run.set(supervisor.StateRunning)
	r.logger.Info("phase_tests_starting",
		"phase", phase.Name,
		"collaborator", phase.Collaborator.Name(),
		"verbosity", verbosity,
	)

	code, cerr := phase.Collaborator.Run(ctx, process.Invocation{
		BaseURL:   r.cfg.BaseURL,
		Verbosity: verbosity,
		Env:       env,
	})
	res.Code = code
	if cerr != nil {
		return res, &PhaseError{Phase: phase.Name, Err: cerr}
	}
	return res, nil
}
