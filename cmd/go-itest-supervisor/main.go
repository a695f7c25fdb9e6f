// Package main provides the go-itest-supervisor CLI entry point.
//
// go-itest-supervisor starts the sync server once per test phase, waits for
// its heartbeat, runs the phase's integration test suite against it and
// tears the server's whole process tree down before the next phase.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-itest-supervisor/internal/config"
	"github.com/randomizedcoder/go-itest-supervisor/internal/exitcodes"
	"github.com/randomizedcoder/go-itest-supervisor/internal/logging"
	"github.com/randomizedcoder/go-itest-supervisor/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-itest-supervisor
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-itest-supervisor %s\n", version)
			return exitcodes.Success
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitcodes.Success
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return exitcodes.RuntimeErr
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitcodes.RuntimeErr
	}

	orch := orchestrator.New(cfg, logger, version)

	logger.Info("starting",
		"version", version,
		"run_id", orch.RunID(),
		"base_url", cfg.BaseURL,
		"plan", cfg.PlanPath,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.PrintCmd && !cfg.TUIEnabled {
		printBanner(cfg)
	}

	return orch.Run(context.Background())
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      go-itest-supervisor                          ║")
	fmt.Println("║        Integration test phases against a supervised server        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Base URL:    %s\n", cfg.BaseURL)
	if cfg.BinaryPath != "" {
		fmt.Printf("  Binary:      %s\n", cfg.BinaryPath)
	}
	if cfg.PlanPath != "" {
		fmt.Printf("  Plan:        %s\n", cfg.PlanPath)
	} else {
		fmt.Println("  Plan:        default (4 phases)")
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.TermGrace > 0 {
		fmt.Printf("  Term grace:  %s\n", cfg.TermGrace)
	} else {
		fmt.Println("  Term grace:  none (wait for SIGTERM to take effect)")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
