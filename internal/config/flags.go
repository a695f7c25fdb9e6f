package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// envList is a custom flag type for repeatable -env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	if i := strings.IndexByte(value, '='); i <= 0 {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	*e = append(*e, value)
	return nil
}

// ParseFlags parses os.Args and the process environment into a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Getenv, os.Stderr)
}

// ParseArgs parses args into a Config. getenv supplies MOCK_FXA_SERVER_URL
// and VERBOSITY; usage and parse errors are written to out.
func ParseArgs(args []string, getenv func(string) string, out io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	applyEnv(cfg, getenv)

	fs := flag.NewFlagSet("go-itest-supervisor", flag.ContinueOnError)
	fs.SetOutput(out)

	var extraEnv envList
	var binaryCandidates string

	fs.Usage = func() {
		fmt.Fprintf(out, `go-itest-supervisor - run integration test phases against a supervised server

Usage:
  go-itest-supervisor [flags] [BASE_URL]

Server:
`)
		printFlagCategory(fs, out, []string{"url", "binary", "binary-candidates"})

		fmt.Fprintf(out, "\nPhases:\n")
		printFlagCategory(fs, out, []string{"plan", "functional-cmd", "tokenserver-local-cmd", "tokenserver-e2e-cmd", "env", "mock-fxa-url", "stage-fxa-url", "verbosity"})

		fmt.Fprintf(out, "\nHealth / Termination:\n")
		printFlagCategory(fs, out, []string{"poll-interval", "request-timeout", "startup-timeout", "term-grace", "capture-lines"})

		fmt.Fprintf(out, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, out, []string{"print-cmd", "skip-preflight"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "metrics-file", "v", "log-format", "tui"})

		fmt.Fprintf(out, `
Environment:
  MOCK_FXA_SERVER_URL   mock identity provider (required for the default plan)
  VERBOSITY             verbosity for the final phase, or for plan-file phases
                        without their own (default 1)

Command placeholders:
  {base_url}    server base URL
  {verbosity}   phase verbosity
  Values are shell-quoted inside -*-cmd lines and plan "shell:" entries.

Examples:
  # Full default run against a local debug build
  MOCK_FXA_SERVER_URL=http://localhost:6000 go-itest-supervisor http://localhost:8000

  # Show what would run
  go-itest-supervisor --print-cmd -mock-fxa-url http://localhost:6000

  # Custom phases
  go-itest-supervisor -plan phases.yaml

`)
	}

	// Server
	fs.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "Server base URL (positional argument also accepted)")
	fs.StringVar(&cfg.BinaryPath, "binary", cfg.BinaryPath, "Path to the server binary (skips discovery)")
	fs.StringVar(&binaryCandidates, "binary-candidates", strings.Join(cfg.BinaryCandidates, ","), "Comma-separated binary search order")

	// Phases
	fs.StringVar(&cfg.PlanPath, "plan", cfg.PlanPath, "YAML phase plan replacing the default phases")
	fs.StringVar(&cfg.FunctionalCmd, "functional-cmd", cfg.FunctionalCmd, "Command for the functional storage phase")
	fs.StringVar(&cfg.TokenserverLocalCmd, "tokenserver-local-cmd", cfg.TokenserverLocalCmd, "Command for the local token service phase")
	fs.StringVar(&cfg.TokenserverE2ECmd, "tokenserver-e2e-cmd", cfg.TokenserverE2ECmd, "Command for the end-to-end token service phases")
	fs.Var(&extraEnv, "env", "Extra KEY=VALUE for every phase (can repeat)")
	fs.StringVar(&cfg.MockFxAServerURL, "mock-fxa-url", cfg.MockFxAServerURL, "Mock identity provider URL (overrides $MOCK_FXA_SERVER_URL)")
	fs.StringVar(&cfg.StageFxAServerURL, "stage-fxa-url", cfg.StageFxAServerURL, "Identity provider for the end-to-end phases")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "Verbosity for the final phase (overrides $VERBOSITY)")

	// Health / Termination
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delay between heartbeat checks")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Timeout for one heartbeat request")
	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "Give up if not healthy after this long (0 = wait forever)")
	fs.DurationVar(&cfg.TermGrace, "term-grace", cfg.TermGrace, "Wait after SIGTERM before SIGKILL (0 = wait forever)")
	fs.IntVar(&cfg.CaptureLines, "capture-lines", cfg.CaptureLines, "Server output lines kept for failure reports")

	// Safety & Diagnostics (double-dash convention)
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the server and phase commands and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write final metrics in textfile format to this path")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ExtraEnv = extraEnv
	cfg.BinaryCandidates = splitList(binaryCandidates)

	// Positional argument: base URL
	if rest := fs.Args(); len(rest) >= 1 {
		cfg.BaseURL = rest[0]
	}

	return cfg, nil
}

// applyEnv reads the environment inputs into cfg.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	cfg.MockFxAServerURL = getenv(EnvMockFxAServerURL)
	if v := getenv(EnvVerbosity); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			cfg.envErrs = append(cfg.envErrs, ValidationError{
				Field:   "verbosity",
				Message: fmt.Sprintf("$%s must be an integer (got %q)", EnvVerbosity, v),
			})
			return
		}
		cfg.Verbosity = n
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(out, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(out)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
			return "duration"
		}
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
