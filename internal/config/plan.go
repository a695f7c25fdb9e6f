package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-itest-supervisor/internal/environ"
)

// PlanFile is the YAML form of a phase plan.
//
//	base:
//	  set_default: {SYNC_MASTER_SECRET: secret0}
//	  set: {SYNC_TOKENSERVER__FXA_OAUTH_SERVER_URL: http://localhost:6000}
//	phases:
//	  - name: functional
//	    command: [python3, tests/functional.py, "{base_url}"]
//	  - name: no-cache
//	    unset: [CACHE_KEY]
//	    verbosity: 2
//	    shell: pytest -v tests/e2e
type PlanFile struct {
	Base   environ.Mutation `yaml:"base"`
	Phases []PhaseSpec      `yaml:"phases"`
}

// PhaseSpec is one phase in a PlanFile. Its mutation applies on top of
// every earlier phase's mutation.
type PhaseSpec struct {
	Name             string `yaml:"name"`
	environ.Mutation `yaml:",inline"`

	// Verbosity overrides the run verbosity for this phase.
	Verbosity *int `yaml:"verbosity,omitempty"`

	// Command is the argv of the test suite. Shell is a command line run
	// through /bin/sh. Exactly one must be set.
	Command []string `yaml:"command,omitempty"`
	Shell   string   `yaml:"shell,omitempty"`
}

// Argv returns the phase's command as an argument vector.
func (p PhaseSpec) Argv() []string {
	if len(p.Command) > 0 {
		return p.Command
	}
	return ShellCommand(p.Shell)
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*PlanFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()

	plan, err := ParsePlan(f)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes and validates a plan. Unknown fields are rejected.
func ParsePlan(r io.Reader) (*PlanFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var plan PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty plan")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks phase names and commands.
func (p *PlanFile) Validate() error {
	var errs []error

	if len(p.Phases) == 0 {
		errs = append(errs, ValidationError{Field: "phases", Message: "at least one phase is required"})
	}

	seen := make(map[string]bool)
	for i, ph := range p.Phases {
		field := fmt.Sprintf("phases[%d]", i)
		name := strings.TrimSpace(ph.Name)
		switch {
		case name == "":
			errs = append(errs, ValidationError{Field: field + ".name", Message: "must not be empty"})
		case seen[name]:
			errs = append(errs, ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate phase %q", name)})
		}
		seen[name] = true

		hasCmd := len(ph.Command) > 0
		hasShell := strings.TrimSpace(ph.Shell) != ""
		switch {
		case !hasCmd && !hasShell:
			errs = append(errs, ValidationError{Field: field, Message: "one of command or shell is required"})
		case hasCmd && hasShell:
			errs = append(errs, ValidationError{Field: field, Message: "command and shell are mutually exclusive"})
		}

		if ph.Verbosity != nil && *ph.Verbosity < 0 {
			errs = append(errs, ValidationError{Field: field + ".verbosity", Message: "must not be negative"})
		}
	}

	return errors.Join(errs...)
}
