// Package preflight provides startup validation checks.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"

	"github.com/randomizedcoder/go-itest-supervisor/internal/process"
)

// Resource needs of one phase: the server with its database pool, the
// python test runner and the supervisor itself.
const (
	requiredFileDescriptors = 1024
	requiredProcesses       = 64
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes what the run is about to start.
type Options struct {
	BinaryPath string
	BaseURL    string

	// Commands are the test collaborator argv lists. argv[0] must resolve,
	// and so must the program a shell line starts with.
	Commands [][]string

	// ProcRoot is the procfs mount point (tests).
	ProcRoot string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	if opts.ProcRoot == "" {
		opts.ProcRoot = procfs.DefaultMountPoint
	}

	result := &Result{
		Checks: make([]Check, 0, 4+len(opts.Commands)),
		Passed: true,
	}

	result.add(checkFileDescriptors())
	result.add(checkProcessLimit(opts.ProcRoot))
	result.add(checkServerBinary(opts.BinaryPath))
	result.add(checkHeartbeatPort(opts.BaseURL))

	seen := make(map[string]bool)
	for _, argv := range opts.Commands {
		for _, name := range commandNames(argv) {
			if seen[name] {
				continue
			}
			seen[name] = true
			result.add(checkCommand(name))
		}
	}

	return result
}

// Words a shell line may start with that are not programs on PATH.
var shellBuiltins = map[string]bool{
	":": true, ".": true, "[": true, "[[": true, "!": true, "{": true, "(": true,
	"cd": true, "echo": true, "eval": true, "exit": true, "export": true,
	"false": true, "printf": true, "read": true, "return": true, "set": true,
	"source": true, "test": true, "trap": true, "true": true, "umask": true,
	"unset": true, "wait": true,
	"case": true, "for": true, "function": true, "if": true, "until": true, "while": true,
}

// commandNames returns the programs argv will run: argv[0], plus the first
// program of the script when argv is a shell line. Leading VAR=value
// assignments and exec/env/command prefixes are skipped; a script starting
// with a builtin or an expansion adds nothing.
func commandNames(argv []string) []string {
	if len(argv) == 0 {
		return nil
	}
	names := []string{argv[0]}
	script, ok := process.ShellScript(argv)
	if !ok {
		return names
	}
	for _, w := range strings.Fields(script) {
		switch {
		case isAssignment(w), w == "exec", w == "env", w == "command":
			continue
		case shellBuiltins[w], strings.ContainsAny(w, "$`'\"(){};&|<>*?"):
			return names
		}
		return append(names, w)
	}
	return names
}

func isAssignment(word string) bool {
	name, _, ok := strings.Cut(word, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (i == 0 || r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := clampLimit(limit.Cur)
	return Check{
		Name:     "file_descriptors",
		Required: requiredFileDescriptors,
		Actual:   actual,
		Passed:   actual >= requiredFileDescriptors,
		Message:  fmt.Sprintf("ulimit -n %d (need %d)", actual, requiredFileDescriptors),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(procRoot string) Check {
	fs, err := procfs.NewFS(procRoot)
	if err == nil {
		var self procfs.Proc
		if self, err = fs.Self(); err == nil {
			var limits procfs.ProcLimits
			if limits, err = self.Limits(); err == nil {
				actual := clampLimit(limits.Processes)
				return Check{
					Name:     "process_limit",
					Required: requiredProcesses,
					Actual:   actual,
					Passed:   actual >= requiredProcesses,
					Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, requiredProcesses),
				}
			}
		}
	}

	// Non-Linux or restricted access, assume OK
	return Check{
		Name:    "process_limit",
		Passed:  true,
		Warning: true,
		Message: fmt.Sprintf("unable to check: %v", err),
	}
}

// checkServerBinary verifies the server binary is a regular executable file.
func checkServerBinary(path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		return Check{
			Name:    "server_binary",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return Check{
			Name:    "server_binary",
			Passed:  false,
			Message: fmt.Sprintf("%s is not an executable file (mode %s)", path, info.Mode()),
		}
	}
	return Check{
		Name:    "server_binary",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkHeartbeatPort fails when something already listens on a local base
// URL: the heartbeat would be answered by a stale server.
func checkHeartbeatPort(baseURL string) Check {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return Check{
			Name:    "heartbeat_port",
			Passed:  false,
			Message: fmt.Sprintf("invalid base URL %q", baseURL),
		}
	}

	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	if !isLocalHost(host) {
		return Check{
			Name:    "heartbeat_port",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s is not local, not checked", host),
		}
	}

	addr := net.JoinHostPort(host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return Check{
				Name:    "heartbeat_port",
				Passed:  false,
				Message: fmt.Sprintf("%s already in use", addr),
			}
		}
		return Check{
			Name:    "heartbeat_port",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check %s: %v", addr, err),
		}
	}
	ln.Close()

	return Check{
		Name:    "heartbeat_port",
		Passed:  true,
		Message: fmt.Sprintf("%s free", addr),
	}
}

// checkCommand verifies a collaborator program resolves on PATH.
func checkCommand(name string) Check {
	path, err := exec.LookPath(name)
	if err != nil {
		return Check{
			Name:    "command " + name,
			Passed:  false,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    "command " + name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// clampLimit converts an rlimit value, mapping "unlimited" to MaxInt32.
func clampLimit[T int64 | uint64](v T) int {
	if v > T(math.MaxInt32) || v < 0 {
		return math.MaxInt32
	}
	return int(v)
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 4096 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "server_binary":
		return "cargo build, or point -binary at the server"
	case "heartbeat_port":
		return "stop the server already listening, or pass a different base URL"
	default:
		return "install the command or adjust the phase command line"
	}
}
