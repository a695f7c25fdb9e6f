package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
)

// Process is the view of a server the Terminator needs.
type Process interface {
	PID() int
	Pgid() int
	Done() <-chan struct{}
}

// TerminationFailure is returned when the server tree could not be signalled
// or did not exit.
type TerminationFailure struct {
	PID int
	Err error
}

func (e *TerminationFailure) Error() string {
	return fmt.Sprintf("terminate pid %d: %v", e.PID, e.Err)
}

func (e *TerminationFailure) Unwrap() error {
	return e.Err
}

// ErrStillRunning is reported when the server survives SIGKILL.
var ErrStillRunning = errors.New("process still running after SIGKILL")

// TerminatorCallbacks contains optional callbacks for termination events.
type TerminatorCallbacks struct {
	// OnSignal is called after a signal was sent to count processes.
	OnSignal func(sig syscall.Signal, count int)

	// OnExit is called once the root process has exited.
	OnExit func(pid int, forced bool, elapsed time.Duration)
}

// TerminatorConfig configures a Terminator.
type TerminatorConfig struct {
	// GracePeriod is how long to wait after SIGTERM before sending SIGKILL.
	// Zero waits forever.
	GracePeriod time.Duration

	// KillWait bounds the wait after SIGKILL.
	KillWait time.Duration

	// ProcRoot is the procfs mount point used to find descendants.
	ProcRoot string

	Logger    *slog.Logger
	Callbacks TerminatorCallbacks
}

// DefaultTerminatorConfig returns a 10s grace period.
func DefaultTerminatorConfig() TerminatorConfig {
	return TerminatorConfig{
		GracePeriod: 10 * time.Second,
		KillWait:    5 * time.Second,
		ProcRoot:    procfs.DefaultMountPoint,
	}
}

// Terminator shuts down a server together with every process it started.
type Terminator struct {
	cfg    TerminatorConfig
	logger *slog.Logger
	self   int
}

// NewTerminator creates a Terminator.
func NewTerminator(cfg TerminatorConfig) *Terminator {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = procfs.DefaultMountPoint
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Terminator{cfg: cfg, logger: logger, self: os.Getpid()}
}

// Terminate sends SIGTERM to the server's process group and to every
// descendant found under /proc, then waits for the server to exit. After
// GracePeriod the same set, re-scanned, gets SIGKILL. Terminating a process
// that has already exited is not an error.
func (t *Terminator) Terminate(p Process) error {
	start := time.Now()
	pid := p.PID()

	select {
	case <-p.Done():
		// Reap stragglers left in the group.
		_ = t.signal(p.Pgid(), nil, syscall.SIGTERM)
		t.logger.Debug("server_already_exited", "pid", pid)
		t.exited(pid, false, start)
		return nil
	default:
	}

	members := t.tree(pid)
	t.logger.Debug("terminating_server", "pid", pid, "pgid", p.Pgid(), "members", members)

	if err := t.signal(p.Pgid(), members, syscall.SIGTERM); err != nil {
		return &TerminationFailure{PID: pid, Err: err}
	}

	if t.wait(p, t.cfg.GracePeriod) {
		t.exited(pid, false, start)
		return nil
	}

	// Descendants may have forked since the first scan.
	members = union(members, t.tree(pid))
	t.logger.Warn("force_killing_server",
		"pid", pid,
		"grace_period", t.cfg.GracePeriod.String(),
		"members", members,
	)
	if err := t.signal(p.Pgid(), members, syscall.SIGKILL); err != nil {
		return &TerminationFailure{PID: pid, Err: err}
	}

	if !t.wait(p, t.cfg.KillWait) {
		return &TerminationFailure{PID: pid, Err: ErrStillRunning}
	}
	t.exited(pid, true, start)
	return nil
}

// wait returns true if p exits within d. d <= 0 waits forever.
func (t *Terminator) wait(p Process, d time.Duration) bool {
	if d <= 0 {
		<-p.Done()
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (t *Terminator) exited(pid int, forced bool, start time.Time) {
	elapsed := time.Since(start)
	t.logger.Info("server_terminated",
		"pid", pid,
		"forced", forced,
		"elapsed", elapsed.String(),
	)
	if t.cfg.Callbacks.OnExit != nil {
		t.cfg.Callbacks.OnExit(pid, forced, elapsed)
	}
}

// signal sends sig to the process group and to each member. Processes that
// are already gone are ignored.
func (t *Terminator) signal(pgid int, members []int, sig syscall.Signal) error {
	var errs []error
	sent := 0

	if pgid > 1 && pgid != syscall.Getpgrp() {
		if err := syscall.Kill(-pgid, sig); err == nil {
			sent++
		} else if !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("signal group %d: %w", pgid, err))
		}
	}

	for _, pid := range members {
		if pid <= 1 || pid == t.self {
			continue
		}
		if err := syscall.Kill(pid, sig); err == nil {
			sent++
		} else if !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("signal pid %d: %w", pid, err))
		}
	}

	if t.cfg.Callbacks.OnSignal != nil && sent > 0 {
		t.cfg.Callbacks.OnSignal(sig, sent)
	}
	return errors.Join(errs...)
}

// tree returns root followed by all of its descendants. If /proc cannot be
// read only root is returned.
func (t *Terminator) tree(root int) []int {
	members, err := Descendants(t.cfg.ProcRoot, root)
	if err != nil {
		t.logger.Debug("proc_scan_failed", "root", t.cfg.ProcRoot, "error", err)
		return []int{root}
	}
	return append([]int{root}, members...)
}

// Descendants walks the procfs tree at procRoot and returns every
// descendant of root, breadth first.
func Descendants(procRoot string, root int) ([]int, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], p.PID)
	}

	var out []int
	seen := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

func union(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, s := range [][]int{a, b} {
		for _, pid := range s {
			if !seen[pid] {
				seen[pid] = true
				out = append(out, pid)
			}
		}
	}
	return out
}
