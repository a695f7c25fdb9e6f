// Package config provides configuration management for go-itest-supervisor.
package config

import (
	"time"

	"github.com/randomizedcoder/go-itest-supervisor/internal/process"
)

// Environment variables read once at startup.
const (
	EnvMockFxAServerURL = "MOCK_FXA_SERVER_URL"
	EnvVerbosity        = "VERBOSITY"
)

// DefaultStageFxAServerURL is the staging identity provider used by the
// end-to-end token service phases.
const DefaultStageFxAServerURL = "https://oauth.stage.mozaws.net"

// Config holds all configuration options for a test run.
type Config struct {
	// Server under test
	BinaryPath       string   `json:"binary_path"` // empty = search BinaryCandidates
	BinaryCandidates []string `json:"binary_candidates"`
	BaseURL          string   `json:"base_url"`

	// Phases
	PlanPath            string   `json:"plan_path"` // YAML plan replacing the default phases
	FunctionalCmd       string   `json:"functional_cmd"`
	TokenserverLocalCmd string   `json:"tokenserver_local_cmd"`
	TokenserverE2ECmd   string   `json:"tokenserver_e2e_cmd"`
	ExtraEnv            []string `json:"extra_env"` // KEY=VALUE applied to every phase

	// Identity provider endpoints
	MockFxAServerURL  string `json:"mock_fxa_server_url"`
	StageFxAServerURL string `json:"stage_fxa_server_url"`

	// Verbosity handed to the final phase's test suite
	Verbosity int `json:"verbosity"`

	// Health polling
	PollInterval   time.Duration `json:"poll_interval"`
	RequestTimeout time.Duration `json:"request_timeout"`
	StartupTimeout time.Duration `json:"startup_timeout"` // 0 = forever

	// Termination
	TermGrace time.Duration `json:"term_grace"` // 0 = never escalate to SIGKILL

	// Output capture
	CaptureLines int `json:"capture_lines"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = disabled
	MetricsFile string `json:"metrics_file"` // node_exporter textfile written at exit
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	TUIEnabled  bool   `json:"tui_enabled"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	SkipPreflight bool `json:"skip_preflight"`

	// Errors collected while reading environment inputs, reported by Validate.
	envErrs []error
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BinaryCandidates: append([]string(nil), process.DefaultBinaryCandidates...),
		BaseURL:          "http://localhost:8000",

		FunctionalCmd:       "python3 tools/integration_tests/test_storage.py {base_url}",
		TokenserverLocalCmd: "python3 tools/integration_tests/tokenserver/run.py local --verbosity {verbosity}",
		TokenserverE2ECmd:   "python3 tools/integration_tests/tokenserver/run.py e2e --verbosity {verbosity}",

		StageFxAServerURL: DefaultStageFxAServerURL,
		Verbosity:         1,

		PollInterval:   time.Second,
		RequestTimeout: time.Second,
		StartupTimeout: 0,

		TermGrace: 10 * time.Second,

		CaptureLines: 100,

		MetricsAddr: "",
		Verbose:     false,
		LogFormat:   "json",
		TUIEnabled:  false,
	}
}

// ShellCommand wraps a command line so it runs through /bin/sh.
func ShellCommand(line string) []string {
	if line == "" {
		return nil
	}
	return []string{"/bin/sh", "-c", line}
}
