package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

// =============================================================================
// Flag helpers
// =============================================================================

func TestEnvList_Set(t *testing.T) {
	var e envList
	if err := e.Set("A=1"); err != nil {
		t.Errorf("Set(A=1): %v", err)
	}
	if err := e.Set("B="); err != nil {
		t.Errorf("Set(B=): %v", err)
	}
	for _, bad := range []string{"", "NOEQUALS", "=value"} {
		if err := e.Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
	if got := e.String(); got != "A=1, B=" {
		t.Errorf("String() = %q", got)
	}
}

func TestFlagType(t *testing.T) {
	testCases := []struct {
		defValue string
		expected string
	}{
		{"true", ""},
		{"false", ""},
		{"42", "int"},
		{"hello", "string"},
		{"5s", "duration"},
		{"5m0s", "duration"},
		{"1h0m0s", "duration"},
		{"docs", "string"},
		{"", "string"},
		{"0", "int"},
	}

	for _, tc := range testCases {
		t.Run(tc.defValue, func(t *testing.T) {
			f := &flag.Flag{Name: "test", DefValue: tc.defValue}
			if got := flagType(f); got != tc.expected {
				t.Errorf("flagType(%q) = %q, want %q", tc.defValue, got, tc.expected)
			}
		})
	}
}

// =============================================================================
// Defaults and parsing
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != "http://localhost:8000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if want := []string{"target/debug/syncserver", "/app/bin/syncserver"}; !reflect.DeepEqual(cfg.BinaryCandidates, want) {
		t.Errorf("BinaryCandidates = %v, want %v", cfg.BinaryCandidates, want)
	}
	if cfg.Verbosity != 1 {
		t.Errorf("Verbosity = %d, want 1", cfg.Verbosity)
	}
	if cfg.PollInterval != time.Second || cfg.RequestTimeout != time.Second {
		t.Errorf("poll/request = %v/%v, want 1s/1s", cfg.PollInterval, cfg.RequestTimeout)
	}
	if cfg.StartupTimeout != 0 {
		t.Errorf("StartupTimeout = %v, want 0", cfg.StartupTimeout)
	}
	if cfg.StageFxAServerURL != "https://oauth.stage.mozaws.net" {
		t.Errorf("StageFxAServerURL = %q", cfg.StageFxAServerURL)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestParseArgs_Defaults(t *testing.T) {
	cfg, err := ParseArgs(nil, envMap(nil), io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	def := DefaultConfig()
	if cfg.BaseURL != def.BaseURL || cfg.Verbosity != def.Verbosity || cfg.TermGrace != def.TermGrace {
		t.Errorf("parsed defaults differ: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.BinaryCandidates, def.BinaryCandidates) {
		t.Errorf("BinaryCandidates = %v", cfg.BinaryCandidates)
	}
}

func TestParseArgs_Environment(t *testing.T) {
	cfg, err := ParseArgs(nil, envMap(map[string]string{
		EnvMockFxAServerURL: "http://mock:6000",
		EnvVerbosity:        "3",
	}), io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if cfg.MockFxAServerURL != "http://mock:6000" {
		t.Errorf("MockFxAServerURL = %q", cfg.MockFxAServerURL)
	}
	if cfg.Verbosity != 3 {
		t.Errorf("Verbosity = %d, want 3", cfg.Verbosity)
	}
}

func TestParseArgs_FlagsOverrideEnvironment(t *testing.T) {
	cfg, err := ParseArgs([]string{
		"-mock-fxa-url", "http://flag:1",
		"-verbosity", "5",
		"-term-grace", "2s",
		"-env", "A=1",
		"-env", "B=2",
		"-binary-candidates", " ./a , ./b ,",
		"--print-cmd",
		"http://positional:9000",
	}, envMap(map[string]string{
		EnvMockFxAServerURL: "http://env:1",
		EnvVerbosity:        "2",
	}), io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if cfg.MockFxAServerURL != "http://flag:1" {
		t.Errorf("MockFxAServerURL = %q", cfg.MockFxAServerURL)
	}
	if cfg.Verbosity != 5 {
		t.Errorf("Verbosity = %d", cfg.Verbosity)
	}
	if cfg.TermGrace != 2*time.Second {
		t.Errorf("TermGrace = %v", cfg.TermGrace)
	}
	if !reflect.DeepEqual(cfg.ExtraEnv, []string{"A=1", "B=2"}) {
		t.Errorf("ExtraEnv = %v", cfg.ExtraEnv)
	}
	if !reflect.DeepEqual(cfg.BinaryCandidates, []string{"./a", "./b"}) {
		t.Errorf("BinaryCandidates = %v", cfg.BinaryCandidates)
	}
	if !cfg.PrintCmd {
		t.Error("PrintCmd not set")
	}
	if cfg.BaseURL != "http://positional:9000" {
		t.Errorf("BaseURL = %q, positional argument should win", cfg.BaseURL)
	}
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	if _, err := ParseArgs([]string{"-no-such-flag"}, envMap(nil), io.Discard); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestParseArgs_Usage(t *testing.T) {
	var out strings.Builder
	_, err := ParseArgs([]string{"-h"}, envMap(nil), &out)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("error = %v, want flag.ErrHelp", err)
	}
	for _, want := range []string{"Phases:", "-term-grace", "MOCK_FXA_SERVER_URL", "{base_url}"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

// =============================================================================
// Validate
// =============================================================================

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.MockFxAServerURL = "http://localhost:6000"
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing mock url", func(c *Config) { c.MockFxAServerURL = "" }, "mock_fxa_server_url"},
		{"bad mock url", func(c *Config) { c.MockFxAServerURL = "ftp://x" }, "mock_fxa_server_url"},
		{"bad base url", func(c *Config) { c.BaseURL = "localhost:8000" }, "url"},
		{"empty base url", func(c *Config) { c.BaseURL = "" }, "url"},
		{"empty command", func(c *Config) { c.TokenserverE2ECmd = " " }, "tokenserver_e2e_cmd"},
		{"no binary", func(c *Config) { c.BinaryCandidates = nil }, "binary"},
		{"bad env", func(c *Config) { c.ExtraEnv = []string{"oops"} }, "env"},
		{"negative verbosity", func(c *Config) { c.Verbosity = -1 }, "verbosity"},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, "request_timeout"},
		{"startup below poll", func(c *Config) { c.StartupTimeout = time.Millisecond }, "startup_timeout"},
		{"negative grace", func(c *Config) { c.TermGrace = -time.Second }, "term_grace"},
		{"no capture", func(c *Config) { c.CaptureLines = 0 }, "capture_lines"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field+":") {
				t.Errorf("error %q does not mention field %q", err, tt.field)
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error is not a ValidationError: %T", err)
			}
		})
	}
}

func TestValidate_MockURLNotRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrintCmd = true
	if err := Validate(cfg); err != nil {
		t.Errorf("--print-cmd should not require the mock url: %v", err)
	}

	cfg = DefaultConfig()
	cfg.PlanPath = "plan.yaml"
	if err := Validate(cfg); err != nil {
		t.Errorf("a plan file should not require the mock url: %v", err)
	}
}

func TestValidate_BadVerbosityEnv(t *testing.T) {
	cfg, err := ParseArgs(nil, envMap(map[string]string{
		EnvMockFxAServerURL: "http://mock:6000",
		EnvVerbosity:        "loud",
	}), io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	err = Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "VERBOSITY") {
		t.Errorf("expected VERBOSITY error, got %v", err)
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.PollInterval = 0
	cfg.LogFormat = "xml"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "poll_interval") || !strings.Contains(err.Error(), "log_format") {
		t.Errorf("expected both errors, got %v", err)
	}
}

func TestShellCommand(t *testing.T) {
	if got := ShellCommand(""); got != nil {
		t.Errorf("ShellCommand(\"\") = %v, want nil", got)
	}
	want := []string{"/bin/sh", "-c", "pytest -v"}
	if got := ShellCommand("pytest -v"); !reflect.DeepEqual(got, want) {
		t.Errorf("ShellCommand() = %v, want %v", got, want)
	}
}

// =============================================================================
// Plan files
// =============================================================================

const samplePlan = `
base:
  set_default:
    SYNC_MASTER_SECRET: secret0
  set:
    SYNC_TOKENSERVER__FXA_OAUTH_SERVER_URL: http://localhost:6000
phases:
  - name: functional
    command: [python3, tests/functional.py, "{base_url}"]
  - name: no-cache
    unset: [CACHE_KEY]
    set:
      MODE: e2e
    verbosity: 2
    shell: pytest -v tests/e2e
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan(strings.NewReader(samplePlan))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}

	if plan.Base.SetDefault["SYNC_MASTER_SECRET"] != "secret0" {
		t.Errorf("base set_default = %v", plan.Base.SetDefault)
	}
	if len(plan.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(plan.Phases))
	}

	fn := plan.Phases[0]
	if fn.Name != "functional" || fn.Verbosity != nil {
		t.Errorf("phase 0 = %+v", fn)
	}
	if want := []string{"python3", "tests/functional.py", "{base_url}"}; !reflect.DeepEqual(fn.Argv(), want) {
		t.Errorf("phase 0 argv = %v", fn.Argv())
	}

	nc := plan.Phases[1]
	if nc.Verbosity == nil || *nc.Verbosity != 2 {
		t.Errorf("phase 1 verbosity = %v", nc.Verbosity)
	}
	if !reflect.DeepEqual(nc.Unset, []string{"CACHE_KEY"}) || nc.Set["MODE"] != "e2e" {
		t.Errorf("phase 1 mutation = %+v", nc.Mutation)
	}
	if want := []string{"/bin/sh", "-c", "pytest -v tests/e2e"}; !reflect.DeepEqual(nc.Argv(), want) {
		t.Errorf("phase 1 argv = %v", nc.Argv())
	}
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty plan"},
		{"no phases", "phases: []", "at least one phase"},
		{"missing name", "phases:\n  - shell: x", "name: must not be empty"},
		{"duplicate", "phases:\n  - {name: a, shell: x}\n  - {name: a, shell: y}", "duplicate phase"},
		{"no command", "phases:\n  - name: a", "one of command or shell"},
		{"both commands", "phases:\n  - {name: a, shell: x, command: [y]}", "mutually exclusive"},
		{"negative verbosity", "phases:\n  - {name: a, shell: x, verbosity: -1}", "verbosity"},
		{"unknown field", "phases:\n  - {name: a, shell: x, bogus: 1}", "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o644); err != nil {
		t.Fatal(err)
	}
	plan, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if len(plan.Phases) != 2 {
		t.Errorf("phases = %d", len(plan.Phases))
	}

	if _, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
