package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-itest-supervisor/internal/environ"
)

// =============================================================================
// Helpers
// =============================================================================

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func waitDone(t *testing.T, p *SupervisedProcess) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

// =============================================================================
// Spawn
// =============================================================================

func TestSpawn_ExitCodeAndOutput(t *testing.T) {
	script := writeScript(t, `echo "hello stdout"; echo "hello stderr" >&2; exit 3`)

	var stdout, stderr bytes.Buffer
	s := NewSpawner(SpawnerConfig{Stdout: &stdout, Stderr: &stderr})
	p, err := s.Spawn(script, environ.Snapshot{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, p)

	code, ok := p.ExitStatus()
	if !ok || code != 3 {
		t.Errorf("ExitStatus() = (%d, %v), want (3, true)", code, ok)
	}
	if p.Alive() {
		t.Error("Alive() = true after exit")
	}

	out, errOut := p.Output()
	if len(out) != 1 || out[0] != "hello stdout" {
		t.Errorf("captured stdout = %q", out)
	}
	if len(errOut) != 1 || errOut[0] != "hello stderr" {
		t.Errorf("captured stderr = %q", errOut)
	}
	if !strings.Contains(stdout.String(), "hello stdout") {
		t.Errorf("stdout not teed: %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "hello stderr") {
		t.Errorf("stderr not teed: %q", stderr.String())
	}
}

func TestSpawn_ExactEnvironment(t *testing.T) {
	t.Setenv("ITEST_LEAK_CHECK", "leaked")
	script := writeScript(t, `echo "FOO=$FOO LEAK=${ITEST_LEAK_CHECK:-absent}"`)

	s := NewSpawner(SpawnerConfig{})
	p, err := s.Spawn(script, environ.New(map[string]string{"FOO": "bar"}))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, p)

	out, _ := p.Output()
	if len(out) != 1 || out[0] != "FOO=bar LEAK=absent" {
		t.Errorf("server saw environment %q, want FOO=bar LEAK=absent", out)
	}
}

func TestSpawn_OwnProcessGroup(t *testing.T) {
	script := writeScript(t, `sleep 5`)

	p, err := NewSpawner(SpawnerConfig{}).Spawn(script, environ.Snapshot{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() {
		syscall.Kill(-p.Pgid(), syscall.SIGKILL)
		waitDone(t, p)
	}()

	if p.Pgid() != p.PID() {
		t.Errorf("Pgid() = %d, want own group %d", p.Pgid(), p.PID())
	}
	if p.Pgid() == os.Getpid() {
		t.Error("server shares the supervisor's process group")
	}
	if !p.Alive() {
		t.Error("Alive() = false for a sleeping process")
	}
	if _, ok := p.ExitStatus(); ok {
		t.Error("ExitStatus() reported a code for a live process")
	}
}

func TestSpawn_SignalDeath(t *testing.T) {
	script := writeScript(t, `kill -TERM $$; sleep 5`)

	p, err := NewSpawner(SpawnerConfig{}).Spawn(script, environ.Snapshot{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, p)

	if code, _ := p.ExitStatus(); code != 143 {
		t.Errorf("exit code = %d, want 143 (128+SIGTERM)", code)
	}
}

func TestSpawn_LaunchFailure(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "plain")
	if err := os.WriteFile(notExec, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "does-not-exist")},
		{"directory", dir},
		{"not executable", notExec},
	}

	s := NewSpawner(SpawnerConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := s.Spawn(tt.path, environ.Snapshot{})
			if p != nil {
				t.Error("expected nil process on failure")
			}
			var lf *LaunchFailure
			if !errors.As(err, &lf) {
				t.Fatalf("error = %v, want *LaunchFailure", err)
			}
			if lf.Path != tt.path {
				t.Errorf("Path = %q, want %q", lf.Path, tt.path)
			}
		})
	}
}

func TestLaunch_NilHandleOnError(t *testing.T) {
	h, err := NewSpawner(SpawnerConfig{}).Launch("/nonexistent/binary", environ.Snapshot{})
	if err == nil {
		t.Fatal("expected error")
	}
	if h != nil {
		t.Errorf("Launch returned non-nil handle %v on error", h)
	}
}

func TestSupervisedProcess_Wait(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	p, err := NewSpawner(SpawnerConfig{}).Spawn(script, environ.Snapshot{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}

	syscall.Kill(-p.Pgid(), syscall.SIGKILL)
	code, err := p.Wait(context.Background())
	if err != nil {
		t.Errorf("Wait() after kill: %v", err)
	}
	if code != 137 {
		t.Errorf("code = %d, want 137", code)
	}
}

// =============================================================================
// ExitCode
// =============================================================================

func TestExitCode_NoState(t *testing.T) {
	if got := ExitCode(nil, nil); got != 0 {
		t.Errorf("ExitCode(nil, nil) = %d, want 0", got)
	}
	if got := ExitCode(nil, errors.New("boom")); got != 1 {
		t.Errorf("ExitCode(nil, err) = %d, want 1", got)
	}
}

// =============================================================================
// Locate
// =============================================================================

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	debug := filepath.Join(dir, "debug")
	release := filepath.Join(dir, "release")
	plain := filepath.Join(dir, "plain")
	for path, mode := range map[string]os.FileMode{debug: 0o755, release: 0o755, plain: 0o644} {
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"), mode); err != nil {
			t.Fatal(err)
		}
	}
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name       string
		candidates []string
		want       string
		wantErr    bool
	}{
		{"debug preferred", []string{debug, release}, debug, false},
		{"fall back to release", []string{missing, release}, release, false},
		{"skip non-executable", []string{plain, release}, release, false},
		{"skip directory", []string{dir, release}, release, false},
		{"none found", []string{missing, plain}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Locate(tt.candidates...)
			if tt.wantErr {
				var le *LocateError
				if !errors.As(err, &le) {
					t.Fatalf("error = %v, want *LocateError", err)
				}
				if len(le.Candidates) != len(tt.candidates) {
					t.Errorf("Candidates = %v", le.Candidates)
				}
				return
			}
			if err != nil {
				t.Fatalf("Locate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Locate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocateError_Message(t *testing.T) {
	err := &LocateError{Candidates: []string{"a", "b"}}
	if !strings.Contains(err.Error(), "a, b") {
		t.Errorf("Error() = %q", err.Error())
	}
}
