package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-itest-supervisor/internal/exitcodes"
	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
	"github.com/randomizedcoder/go-itest-supervisor/internal/supervisor"
)

// PhaseError ties a fatal error to the phase it happened in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Name  string
	Index int

	// Code is the collaborator's result code. It is folded into the
	// report only when the phase reached StateDone without error.
	Code  int
	Err   error
	State supervisor.State

	PID             int
	StartupDuration time.Duration // spawn to healthy
	Duration        time.Duration // spawn to terminated
}

// Report accumulates phase results into the run's exit status.
type Report struct {
	RunID  string
	Code   int
	Phases []PhaseResult
}

// NewReport creates an empty report.
func NewReport(runID string) *Report {
	return &Report{RunID: runID}
}

// Add folds a phase result code into the report with bitwise OR.
func (r *Report) Add(code int) {
	r.Code |= code
}

// Record appends a phase result, folding its code in when it completed.
func (r *Report) Record(res PhaseResult) {
	r.Phases = append(r.Phases, res)
	if res.State == supervisor.StateDone && res.Err == nil {
		r.Add(res.Code)
	}
}

// ExitCode returns the OR of every completed phase's code.
func (r *Report) ExitCode() int {
	return r.Code
}

// Failed returns the phases that did not complete or returned non-zero.
func (r *Report) Failed() []PhaseResult {
	var out []PhaseResult
	for _, p := range r.Phases {
		if p.Err != nil || p.Code != 0 || p.State != supervisor.StateDone {
			out = append(out, p)
		}
	}
	return out
}

// ExitCodeFor maps a run's outcome to a process exit code. A run that
// completed exits with the report's code. A server that died before
// becoming healthy exits with its own code when non-zero.
func ExitCodeFor(report *Report, err error) int {
	if err == nil {
		if report == nil {
			return exitcodes.Success
		}
		return report.ExitCode()
	}

	var sf *health.StartupFailure
	if errors.As(err, &sf) && sf.ExitCode != 0 {
		return sf.ExitCode
	}
	if errors.Is(err, errInterrupted) {
		return exitcodes.Interrupted
	}
	return exitcodes.RuntimeErr
}
