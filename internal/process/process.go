// Package process starts the server under test and tracks its lifetime.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-itest-supervisor/internal/environ"
	"github.com/randomizedcoder/go-itest-supervisor/internal/logging"
)

// LaunchFailure is returned when the server binary cannot be started.
type LaunchFailure struct {
	Path string
	Err  error
}

func (e *LaunchFailure) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchFailure) Unwrap() error {
	return e.Err
}

// Handle is the view of a running server the rest of the supervisor needs.
// *SupervisedProcess implements it; tests substitute fakes.
type Handle interface {
	PID() int
	Pgid() int
	Alive() bool
	ExitStatus() (int, bool)
	Done() <-chan struct{}
	Output() (stdout, stderr []string)
}

// SpawnerConfig configures a Spawner.
type SpawnerConfig struct {
	// Stdout and Stderr receive a copy of the server's output.
	// nil discards it (it is still captured).
	Stdout io.Writer
	Stderr io.Writer

	// CaptureLines is how many trailing lines of each stream are kept.
	CaptureLines int

	// WaitDelay bounds how long the reaper waits for output pipes held
	// open by orphaned descendants after the server itself has exited.
	WaitDelay time.Duration
}

// Spawner starts server processes.
type Spawner struct {
	cfg SpawnerConfig
}

// NewSpawner creates a Spawner.
func NewSpawner(cfg SpawnerConfig) *Spawner {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = logging.DefaultBufferedLines
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = time.Second
	}
	return &Spawner{cfg: cfg}
}

// Spawn starts binaryPath with exactly the variables in env, in a new
// process group. The process is not tied to a context: it lives until it
// exits or is terminated.
func (s *Spawner) Spawn(binaryPath string, env environ.Snapshot) (*SupervisedProcess, error) {
	info, err := os.Stat(binaryPath)
	if err != nil {
		return nil, &LaunchFailure{Path: binaryPath, Err: err}
	}
	if info.IsDir() {
		return nil, &LaunchFailure{Path: binaryPath, Err: errors.New("is a directory")}
	}

	stdout := logging.NewOutputBuffer(s.cfg.CaptureLines)
	stderr := logging.NewOutputBuffer(s.cfg.CaptureLines)

	cmd := exec.Command(binaryPath)
	cmd.Env = env.Environ()
	cmd.Stdout = io.MultiWriter(s.cfg.Stdout, stdout)
	cmd.Stderr = io.MultiWriter(s.cfg.Stderr, stderr)
	cmd.WaitDelay = s.cfg.WaitDelay

	// Own process group so the whole tree can be signalled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchFailure{Path: binaryPath, Err: err}
	}

	p := &SupervisedProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	// With Setpgid and Pgid 0 the child's group id is its own pid.
	p.pgid = p.pid
	if pgid, err := syscall.Getpgid(p.pid); err == nil {
		p.pgid = pgid
	}

	go p.reap()
	return p, nil
}

// Launch is Spawn returning the Handle interface.
func (s *Spawner) Launch(binaryPath string, env environ.Snapshot) (Handle, error) {
	p, err := s.Spawn(binaryPath, env)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SupervisedProcess is a running (or exited) server process. Exactly one
// goroutine waits on it; everything else observes Done.
type SupervisedProcess struct {
	cmd  *exec.Cmd
	pid  int
	pgid int

	stdout *logging.OutputBuffer
	stderr *logging.OutputBuffer

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	waitErr  error
	exited   atomic.Bool
}

func (p *SupervisedProcess) reap() {
	err := p.cmd.Wait()
	code := ExitCode(p.cmd.ProcessState, err)

	p.mu.Lock()
	p.exitCode = code
	// ErrWaitDelay only means descendants held the pipes open.
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.waitErr = err
		}
	}
	p.mu.Unlock()

	p.exited.Store(true)
	close(p.done)
}

// PID returns the server's process id.
func (p *SupervisedProcess) PID() int { return p.pid }

// Pgid returns the server's process group id.
func (p *SupervisedProcess) Pgid() int { return p.pgid }

// Alive reports whether the process has not yet been reaped. It never blocks.
func (p *SupervisedProcess) Alive() bool {
	return !p.exited.Load()
}

// Done is closed once the process has exited and been reaped.
func (p *SupervisedProcess) Done() <-chan struct{} {
	return p.done
}

// ExitStatus returns the exit code once the process has exited.
// Death by signal N is reported as 128+N.
func (p *SupervisedProcess) ExitStatus() (int, bool) {
	if p.Alive() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// Wait blocks until the process exits or ctx is done.
func (p *SupervisedProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Output returns the captured tail of stdout and stderr.
func (p *SupervisedProcess) Output() (stdout, stderr []string) {
	return p.stdout.Lines(), p.stderr.Lines()
}
