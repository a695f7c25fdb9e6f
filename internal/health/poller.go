// Package health waits for a freshly started server to answer its heartbeat.
//
// The poller is sleep-then-check: every PollInterval it first confirms the
// server process is still alive, then issues one GET against the heartbeat
// URL. A 2xx response means ready. Anything else is "not yet"; the loop only
// gives up when the process exits (StartupFailure), the optional startup
// timeout passes, or the context is cancelled.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// HeartbeatPath is the server's liveness endpoint.
const HeartbeatPath = "/__heartbeat__"

// Outcome classifies one heartbeat probe.
type Outcome string

const (
	OutcomeReady            Outcome = "ready"
	OutcomeNotReady         Outcome = "not_ready"
	OutcomeAddrNotAvailable Outcome = "addr_unavailable"
	OutcomeError            Outcome = "error"
)

// Target is the process being waited on.
type Target interface {
	Alive() bool
	ExitStatus() (int, bool)
	Output() (stdout, stderr []string)
}

// Observer receives every probe result. Implementations must be safe for
// use from the polling goroutine.
type Observer interface {
	ObserveProbe(outcome Outcome, latency time.Duration)
}

// Observers fans one probe result out to several observers.
type Observers []Observer

// ObserveProbe implements Observer.
func (o Observers) ObserveProbe(outcome Outcome, latency time.Duration) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveProbe(outcome, latency)
		}
	}
}

// StartupFailure is returned when the server exits before it became healthy.
type StartupFailure struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
}

func (e *StartupFailure) Error() string {
	return fmt.Sprintf("server exited with code %d before becoming healthy", e.ExitCode)
}

// ErrStartupTimeout is returned when StartupTimeout elapses first.
var ErrStartupTimeout = errors.New("server did not become healthy before the startup timeout")

// Config controls polling.
type Config struct {
	// PollInterval is the sleep before every check.
	PollInterval time.Duration

	// RequestTimeout bounds a single heartbeat request.
	RequestTimeout time.Duration

	// StartupTimeout bounds the whole wait. Zero waits forever.
	StartupTimeout time.Duration

	Logger   *slog.Logger
	Observer Observer

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// DefaultConfig returns one-second polling with no overall timeout.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		RequestTimeout: time.Second,
	}
}

// Poller waits for a server to report healthy.
type Poller struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(cfg Config) *Poller {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	transport := cfg.Transport
	if transport == nil {
		// Fresh connection per probe.
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DisableKeepAlives = true
		transport = t
	}

	return &Poller{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

// AwaitHealthy blocks until heartbeatURL answers 2xx (nil), the target
// exits (*StartupFailure), the startup timeout passes (ErrStartupTimeout)
// or ctx is done (ctx.Err()).
func (p *Poller) AwaitHealthy(ctx context.Context, target Target, heartbeatURL string) error {
	var deadline <-chan time.Time
	if p.cfg.StartupTimeout > 0 {
		t := time.NewTimer(p.cfg.StartupTimeout)
		defer t.Stop()
		deadline = t.C
	}

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrStartupTimeout
		case <-timer.C:
		}

		if !target.Alive() {
			return startupFailure(target)
		}

		outcome, err := p.probe(ctx, heartbeatURL)
		if outcome == OutcomeReady {
			p.logger.Debug("heartbeat_ready", "url", heartbeatURL, "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if outcome != OutcomeAddrNotAvailable {
			p.logger.Warn("heartbeat_probe_failed",
				"url", heartbeatURL,
				"attempt", attempt,
				"error", err,
			)
		}

		timer.Reset(p.cfg.PollInterval)
	}
}

// probe issues one GET and classifies the result.
func (p *Poller) probe(ctx context.Context, heartbeatURL string) (Outcome, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := p.doProbe(reqCtx, heartbeatURL)
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveProbe(outcome, time.Since(start))
	}
	return outcome, err
}

func (p *Poller) doProbe(ctx context.Context, heartbeatURL string) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, heartbeatURL, nil)
	if err != nil {
		return OutcomeError, err
	}
	req.Header.Set("User-Agent", "go-itest-supervisor")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.EADDRNOTAVAIL) {
			return OutcomeAddrNotAvailable, err
		}
		return OutcomeError, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return OutcomeReady, nil
	}
	return OutcomeNotReady, fmt.Errorf("heartbeat returned %s", resp.Status)
}

func startupFailure(target Target) error {
	code, _ := target.ExitStatus()
	stdout, stderr := target.Output()
	return &StartupFailure{ExitCode: code, Stdout: stdout, Stderr: stderr}
}

// HeartbeatURL resolves the heartbeat path against base. The path is
// absolute, so any path on base is replaced.
func HeartbeatURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", base)
	}
	return u.ResolveReference(&url.URL{Path: HeartbeatPath}).String(), nil
}
