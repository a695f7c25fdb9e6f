package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alessio/shellescape"

	"github.com/randomizedcoder/go-itest-supervisor/internal/environ"
)

// Invocation is what a phase hands its test collaborator.
type Invocation struct {
	// BaseURL is the server's base URL, e.g. http://localhost:8000.
	BaseURL string

	// Verbosity is the verbosity level for the test suite.
	Verbosity int

	// Env is the phase's environment snapshot (the same one the server got).
	Env environ.Snapshot
}

// Collaborator runs one suite of externally defined tests against a
// healthy server and reports a result code (0 = success).
//
// A returned error means the suite could not be run at all; a failing
// suite is a non-zero code with a nil error.
type Collaborator interface {
	// Name returns a human-readable name for the suite.
	Name() string

	// Run executes the suite and blocks until it finishes.
	Run(ctx context.Context, inv Invocation) (int, error)
}

// FuncCollaborator adapts a function to the Collaborator interface.
type FuncCollaborator struct {
	Label string
	Fn    func(ctx context.Context, inv Invocation) (int, error)
}

// Name returns the label.
func (f FuncCollaborator) Name() string { return f.Label }

// Run calls Fn.
func (f FuncCollaborator) Run(ctx context.Context, inv Invocation) (int, error) {
	return f.Fn(ctx, inv)
}

// Placeholders substituted into CommandCollaborator arguments.
const (
	PlaceholderBaseURL   = "{base_url}"
	PlaceholderVerbosity = "{verbosity}"
)

// CommandCollaborator runs an external test command. Its exit code is the
// phase result.
type CommandCollaborator struct {
	Label string

	// Argv is the command and its arguments. Arguments may contain
	// {base_url} and {verbosity}.
	Argv []string

	// Dir is the working directory; empty means the current one.
	Dir string

	// Stdout and Stderr receive the command's output; nil means os.Stdout
	// and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// StopGrace is how long a cancelled command gets between SIGTERM and
	// SIGKILL.
	StopGrace time.Duration
}

// NewCommandCollaborator creates a collaborator for argv.
func NewCommandCollaborator(label string, argv []string) *CommandCollaborator {
	return &CommandCollaborator{
		Label:     label,
		Argv:      argv,
		StopGrace: 5 * time.Second,
	}
}

// Name returns the label, or the command name when no label was set.
func (c *CommandCollaborator) Name() string {
	if c.Label != "" {
		return c.Label
	}
	if len(c.Argv) > 0 {
		return c.Argv[0]
	}
	return "command"
}

// Args returns Argv with placeholders substituted for inv. In the script of
// a shell line (see ShellScript) values are shell-quoted so a URL with & or ;
// stays one word; everywhere else they are substituted verbatim.
func (c *CommandCollaborator) Args(inv Invocation) []string {
	verbosity := strconv.Itoa(inv.Verbosity)
	raw := strings.NewReplacer(
		PlaceholderBaseURL, inv.BaseURL,
		PlaceholderVerbosity, verbosity,
	)
	quoted := strings.NewReplacer(
		PlaceholderBaseURL, shellescape.Quote(inv.BaseURL),
		PlaceholderVerbosity, shellescape.Quote(verbosity),
	)
	_, isShell := ShellScript(c.Argv)

	out := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		if isShell && i == 2 {
			out[i] = quoted.Replace(a)
			continue
		}
		out[i] = raw.Replace(a)
	}
	return out
}

// ShellScript returns the script of a "<shell> -c <script> [args...]" argv.
func ShellScript(argv []string) (string, bool) {
	if len(argv) < 3 || argv[1] != "-c" {
		return "", false
	}
	switch filepath.Base(argv[0]) {
	case "sh", "bash", "dash", "zsh", "ksh", "ash":
		return argv[2], true
	}
	return "", false
}

// CommandString renders the substituted command as a shell-quoted line.
func (c *CommandCollaborator) CommandString(inv Invocation) string {
	return QuoteCommand(c.Args(inv))
}

// Run executes the command and returns its exit code. Context cancellation
// sends SIGTERM to the command's process group, then SIGKILL after StopGrace.
func (c *CommandCollaborator) Run(ctx context.Context, inv Invocation) (int, error) {
	args := c.Args(inv)
	if len(args) == 0 {
		return 0, errors.New("collaborator " + c.Name() + ": empty command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	if inv.Env.Len() > 0 {
		cmd.Env = inv.Env.Environ()
	}
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = c.StopGrace

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("collaborator %s: %w", c.Name(), err)
	}

	err := cmd.Wait()
	code := ExitCode(cmd.ProcessState, err)
	if ctx.Err() != nil {
		return code, ctx.Err()
	}
	return code, nil
}

// QuoteCommand joins argv into a line that a POSIX shell would split back
// into the same arguments.
func QuoteCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellescape.Quote(a)
	}
	return strings.Join(quoted, " ")
}
