package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem found joined into one error.
func Validate(cfg *Config) error {
	errs := append([]error(nil), cfg.envErrs...)

	// Base URL is always needed to build the heartbeat URL.
	if err := validateURL(cfg.BaseURL); err != nil {
		errs = append(errs, ValidationError{Field: "url", Message: err.Error()})
	}

	// The default plan points the server at the mock identity provider.
	// A plan file supplies its own environment; --print-cmd only shows it.
	if cfg.PlanPath == "" {
		switch {
		case cfg.MockFxAServerURL == "" && !cfg.PrintCmd:
			errs = append(errs, ValidationError{
				Field:   "mock_fxa_server_url",
				Message: fmt.Sprintf("$%s (or -mock-fxa-url) is required", EnvMockFxAServerURL),
			})
		case cfg.MockFxAServerURL != "":
			if err := validateURL(cfg.MockFxAServerURL); err != nil {
				errs = append(errs, ValidationError{Field: "mock_fxa_server_url", Message: err.Error()})
			}
		}

		if err := validateURL(cfg.StageFxAServerURL); err != nil {
			errs = append(errs, ValidationError{Field: "stage_fxa_server_url", Message: err.Error()})
		}

		for field, cmd := range map[string]string{
			"functional_cmd":        cfg.FunctionalCmd,
			"tokenserver_local_cmd": cfg.TokenserverLocalCmd,
			"tokenserver_e2e_cmd":   cfg.TokenserverE2ECmd,
		} {
			if strings.TrimSpace(cmd) == "" {
				errs = append(errs, ValidationError{Field: field, Message: "must not be empty"})
			}
		}
	}

	if cfg.BinaryPath == "" && len(cfg.BinaryCandidates) == 0 {
		errs = append(errs, ValidationError{
			Field:   "binary",
			Message: "either -binary or at least one -binary-candidates entry is required",
		})
	}

	for _, kv := range cfg.ExtraEnv {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			errs = append(errs, ValidationError{Field: "env", Message: fmt.Sprintf("expected KEY=VALUE, got %q", kv)})
		}
	}

	if cfg.Verbosity < 0 {
		errs = append(errs, ValidationError{Field: "verbosity", Message: "must not be negative"})
	}

	if cfg.PollInterval <= 0 {
		errs = append(errs, ValidationError{Field: "poll_interval", Message: "must be positive"})
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "request_timeout", Message: "must be positive"})
	}
	if cfg.StartupTimeout < 0 {
		errs = append(errs, ValidationError{Field: "startup_timeout", Message: "must not be negative"})
	}
	if cfg.StartupTimeout > 0 && cfg.StartupTimeout < cfg.PollInterval {
		errs = append(errs, ValidationError{
			Field:   "startup_timeout",
			Message: fmt.Sprintf("must be at least one poll interval (%v), got %v", cfg.PollInterval, cfg.StartupTimeout),
		})
	}
	if cfg.TermGrace < 0 {
		errs = append(errs, ValidationError{Field: "term_grace", Message: "must not be negative"})
	}
	if cfg.CaptureLines < 1 {
		errs = append(errs, ValidationError{Field: "capture_lines", Message: "must be at least 1"})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("must not be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	return nil
}
