package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/procfs"
)

// =============================================================================
// Test process helper
// =============================================================================

type testProc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func startProc(t *testing.T, script string) *testProc {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	p := &testProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	t.Cleanup(func() {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-p.done
	})
	return p
}

func (p *testProc) PID() int              { return p.cmd.Process.Pid }
func (p *testProc) Pgid() int             { return p.cmd.Process.Pid }
func (p *testProc) Done() <-chan struct{} { return p.done }

func (p *testProc) signaled() (syscall.Signal, bool) {
	status, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0, false
	}
	return status.Signal(), true
}

// gone reports whether pid no longer exists or is a zombie.
func gone(pid int) bool {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return true
	}
	stat, err := p.Stat()
	return err != nil || stat.State == "Z"
}

func waitGone(t *testing.T, pids []int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for _, pid := range pids {
		for !gone(pid) {
			if time.Now().After(deadline) {
				t.Fatalf("pid %d still running", pid)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func requireProc(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}
}

// =============================================================================
// Descendants
// =============================================================================

// writeStat writes a /proc/<pid>/stat line with the given parent.
func writeStat(t *testing.T, root string, pid, ppid int, comm string) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	line := fmt.Sprintf("%d (%s) S %d %d %d 0 -1 4194304 80 0 0 0 0 0 0 0 20 0 1 0 30233 2703360 284 "+
		"18446744073709551615 94538597576704 94538597596585 140735044355504 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 "+
		"94538597612592 94538597614208 94539059392512 140735044363188 140735044363208 140735044363208 140735044366315 0\n",
		pid, comm, ppid, pid, pid)
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDescendants_FakeProc(t *testing.T) {
	root := t.TempDir()
	writeStat(t, root, 100, 1, "syncserver")
	writeStat(t, root, 200, 100, "worker")
	writeStat(t, root, 201, 100, "worker (2)")
	writeStat(t, root, 300, 200, "helper")
	writeStat(t, root, 400, 1, "unrelated")
	writeStat(t, root, 500, 400, "unrelated-child")
	if err := os.MkdirAll(filepath.Join(root, "sys"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Descendants(root, 100)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	sort.Ints(got)
	if want := []int{200, 201, 300}; !reflect.DeepEqual(got, want) {
		t.Errorf("Descendants(100) = %v, want %v", got, want)
	}

	leaf, err := Descendants(root, 300)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(leaf) != 0 {
		t.Errorf("Descendants(300) = %v, want none", leaf)
	}
}

func TestDescendants_MissingRoot(t *testing.T) {
	if _, err := Descendants(filepath.Join(t.TempDir(), "nope"), 1); err == nil {
		t.Error("expected error for missing proc root")
	}
}

func TestTerminator_TreeFallsBackToRoot(t *testing.T) {
	term := NewTerminator(TerminatorConfig{ProcRoot: filepath.Join(t.TempDir(), "nope")})
	if got := term.tree(1234); !reflect.DeepEqual(got, []int{1234}) {
		t.Errorf("tree() = %v, want [1234]", got)
	}
}

func TestUnion(t *testing.T) {
	got := union([]int{1, 2, 3}, []int{3, 4, 1})
	if want := []int{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("union() = %v, want %v", got, want)
	}
}

// =============================================================================
// Terminate
// =============================================================================

func TestTerminate_GracefulTree(t *testing.T) {
	requireProc(t)
	p := startProc(t, "sleep 30 & sleep 30 & wait")

	// Let the shell fork its children.
	var children []int
	deadline := time.Now().Add(3 * time.Second)
	for len(children) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		children, _ = Descendants(procfs.DefaultMountPoint, p.PID())
	}
	if len(children) < 2 {
		t.Fatalf("expected 2 children, found %v", children)
	}

	var mu sync.Mutex
	var forced *bool
	term := NewTerminator(TerminatorConfig{
		GracePeriod: 5 * time.Second,
		Callbacks: TerminatorCallbacks{
			OnExit: func(pid int, f bool, _ time.Duration) {
				mu.Lock()
				forced = &f
				mu.Unlock()
			},
		},
	})

	if err := term.Terminate(p); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if forced == nil || *forced {
		t.Errorf("expected graceful exit callback, got forced=%v", forced)
	}
	if sig, ok := p.signaled(); !ok || sig != syscall.SIGTERM {
		t.Errorf("root exit signal = %v (%v), want SIGTERM", sig, ok)
	}
	waitGone(t, children)
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	p := startProc(t, `trap "" TERM; while true; do sleep 0.1; done`)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	var signals []syscall.Signal
	var forced bool
	term := NewTerminator(TerminatorConfig{
		GracePeriod: 200 * time.Millisecond,
		Callbacks: TerminatorCallbacks{
			OnSignal: func(sig syscall.Signal, _ int) { signals = append(signals, sig) },
			OnExit:   func(_ int, f bool, _ time.Duration) { forced = f },
		},
	})

	start := time.Now()
	if err := term.Terminate(p); err != nil {
		t.Fatalf("forced kill should not be an error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("escalated after %v, before the grace period", elapsed)
	}
	if !forced {
		t.Error("OnExit should report forced=true")
	}
	if sig, ok := p.signaled(); !ok || sig != syscall.SIGKILL {
		t.Errorf("root exit signal = %v (%v), want SIGKILL", sig, ok)
	}
	if len(signals) != 2 || signals[0] != syscall.SIGTERM || signals[1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGTERM SIGKILL]", signals)
	}
}

func TestTerminate_AlreadyExited(t *testing.T) {
	p := startProc(t, "exit 0")
	<-p.Done()

	called := false
	term := NewTerminator(TerminatorConfig{
		Callbacks: TerminatorCallbacks{
			OnExit: func(int, bool, time.Duration) { called = true },
		},
	})
	if err := term.Terminate(p); err != nil {
		t.Errorf("Terminate on exited process: %v", err)
	}
	if !called {
		t.Error("OnExit should still be reported")
	}
}

// stuckProc never reports Done.
type stuckProc struct{ pid int }

func (s stuckProc) PID() int              { return s.pid }
func (s stuckProc) Pgid() int             { return 0 }
func (s stuckProc) Done() <-chan struct{} { return make(chan struct{}) }

func TestTerminate_StillRunning(t *testing.T) {
	// A pid that cannot exist: every signal gets ESRCH and Done never closes.
	term := NewTerminator(TerminatorConfig{
		GracePeriod: 10 * time.Millisecond,
		KillWait:    10 * time.Millisecond,
		ProcRoot:    filepath.Join(t.TempDir(), "nope"),
	})
	err := term.Terminate(stuckProc{pid: 1 << 30})

	var tf *TerminationFailure
	if !errors.As(err, &tf) {
		t.Fatalf("error = %v, want *TerminationFailure", err)
	}
	if !errors.Is(err, ErrStillRunning) {
		t.Errorf("error = %v, want ErrStillRunning", err)
	}
}

func TestTerminate_NeverSignalsInitOrSelf(t *testing.T) {
	var sent int
	term := NewTerminator(TerminatorConfig{
		Callbacks: TerminatorCallbacks{
			OnSignal: func(_ syscall.Signal, n int) { sent += n },
		},
	})
	// Signal 0 only checks existence, so this is harmless if the guard fails.
	if err := term.signal(0, []int{0, 1, os.Getpid()}, syscall.Signal(0)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if sent != 0 {
		t.Errorf("signalled %d processes, want 0", sent)
	}
}
