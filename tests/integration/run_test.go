//go:build integration

// Package integration contains end-to-end tests that start real server
// processes. They need /bin/sh and python3. Run with:
// go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-itest-supervisor/internal/config"
	"github.com/randomizedcoder/go-itest-supervisor/internal/orchestrator"
)

// requirePython skips the test if python3 is not available.
func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not found in PATH - skipping integration test")
	}
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// fakeServer writes a server script that records PHASE_MARK and then
// serves a static __heartbeat__ file. prelude runs before the server.
func fakeServer(t *testing.T, port int, prelude string) (script, marks string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "www")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "__heartbeat__"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	marks = filepath.Join(dir, "marks.txt")
	script = filepath.Join(dir, "server.sh")
	body := fmt.Sprintf(`#!/bin/sh
echo "${PHASE_MARK:-none}" >> %q
%s
exec python3 -m http.server %d --bind 127.0.0.1 --directory %q
`, marks, prelude, port, root)
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return script, marks
}

func writePlan(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(binary string, port int, plan string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BinaryPath = binary
	cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	cfg.PlanPath = plan
	cfg.SkipPreflight = true
	cfg.PollInterval = 100 * time.Millisecond
	cfg.StartupTimeout = 20 * time.Second
	cfg.TermGrace = 5 * time.Second
	return cfg
}

func run(t *testing.T, cfg *config.Config) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	orch := orchestrator.New(cfg, nil, "test")
	orch.SetOutput(&stdout, &stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	code := orch.Run(ctx)
	return code, stdout.String(), stderr.String()
}

// portFree reports whether the server released its port.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// =============================================================================
// Full runs
// =============================================================================

func TestIntegration_PhasesGetFreshServers(t *testing.T) {
	requirePython(t)
	port := freePort(t)
	script, marks := fakeServer(t, port, "")

	plan := writePlan(t, `
base:
  set: {PHASE_MARK: one}
phases:
  - name: first
    shell: 'test "$PHASE_MARK" = one && python3 -c "import urllib.request,sys; urllib.request.urlopen(sys.argv[1])" {base_url}/__heartbeat__'
  - name: second
    set: {PHASE_MARK: two}
    shell: 'test "$PHASE_MARK" = two'
`)

	code, stdout, stderr := run(t, testConfig(script, port, plan))
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}

	data, err := os.ReadFile(marks)
	if err != nil {
		t.Fatalf("read marks: %v", err)
	}
	if got := strings.Fields(string(data)); strings.Join(got, ",") != "one,two" {
		t.Errorf("server starts saw PHASE_MARK %v, want [one two]", got)
	}
	if !portFree(port) {
		t.Error("server still holds its port after the run")
	}
	if !strings.Contains(stdout, "first") || !strings.Contains(stdout, "second") {
		t.Errorf("summary does not list both phases:\n%s", stdout)
	}
}

func TestIntegration_ResultCodesAreOred(t *testing.T) {
	requirePython(t)
	port := freePort(t)
	script, _ := fakeServer(t, port, "")

	plan := writePlan(t, `
phases:
  - name: a
    shell: 'exit 1'
  - name: b
    shell: 'exit 2'
  - name: c
    shell: 'exit 0'
`)

	code, stdout, stderr := run(t, testConfig(script, port, plan))
	if code != 3 {
		t.Fatalf("exit code = %d, want 3\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
}

func TestIntegration_ServerDiesBeforeHealthy(t *testing.T) {
	requirePython(t)
	port := freePort(t)
	script, marks := fakeServer(t, port, `echo "cannot bind" >&2; exit 7`)

	plan := writePlan(t, `
phases:
  - name: a
    shell: 'exit 0'
  - name: b
    shell: 'exit 0'
`)

	code, _, stderr := run(t, testConfig(script, port, plan))
	if code != 7 {
		t.Fatalf("exit code = %d, want 7\nstderr:\n%s", code, stderr)
	}
	if !strings.Contains(stderr, "cannot bind") {
		t.Errorf("captured server stderr not printed:\n%s", stderr)
	}

	data, _ := os.ReadFile(marks)
	if n := len(strings.Fields(string(data))); n != 1 {
		t.Errorf("server started %d times, want 1 (later phases must not run)", n)
	}
}

func TestIntegration_IgnoredSIGTERMEscalates(t *testing.T) {
	requirePython(t)
	port := freePort(t)
	// SIG_IGN survives exec, so the python server ignores SIGTERM too.
	script, _ := fakeServer(t, port, `trap '' TERM`)

	plan := writePlan(t, `
phases:
  - name: only
    shell: 'exit 0'
`)

	cfg := testConfig(script, port, plan)
	cfg.TermGrace = 300 * time.Millisecond

	start := time.Now()
	code, stdout, stderr := run(t, cfg)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	if !portFree(port) {
		t.Error("server survived SIGKILL escalation")
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Errorf("run took %v", elapsed)
	}
}

func TestIntegration_PrintCmd(t *testing.T) {
	port := freePort(t)
	plan := writePlan(t, `
base:
  set: {PHASE_MARK: one}
phases:
  - name: first
    command: [pytest, "{base_url}"]
  - name: second
    unset: [PHASE_MARK]
    verbosity: 3
    shell: run --verbosity {verbosity}
`)

	cfg := testConfig("/bin/true", port, plan)
	cfg.PrintCmd = true

	code, stdout, _ := run(t, cfg)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, want := range []string{
		"# Phase 1: first",
		"+ PHASE_MARK=one",
		fmt.Sprintf("pytest http://127.0.0.1:%d", port),
		"# Phase 2: second",
		"- PHASE_MARK",
		"--verbosity 3",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
	if !portFree(port) {
		t.Error("print-cmd mode must not start a server")
	}
}
