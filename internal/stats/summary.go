package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
)

// Phase statuses shown in the summary table.
const (
	StatusPass  = "PASS"
	StatusFail  = "FAIL"
	StatusError = "ERROR"
)

// PhaseRow is one line of the summary table.
type PhaseRow struct {
	Name     string
	State    string
	Code     int
	PID      int
	Startup  time.Duration
	Duration time.Duration
	Forced   bool   // server needed SIGKILL
	Err      string // fatal error, empty when the phase completed
}

// Status classifies the row.
func (r PhaseRow) Status() string {
	switch {
	case r.Err != "":
		return StatusError
	case r.Code != 0:
		return StatusFail
	default:
		return StatusPass
	}
}

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	RunID      string
	BinaryPath string
	BaseURL    string

	// Duration is the total run duration
	Duration time.Duration

	// ExitCode is the code the supervisor exits with
	ExitCode int

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	Startup       Percentiles
	Probes        Percentiles
	ProbeOutcomes map[health.Outcome]int
}

// FormatSummary formats the per-phase results for display at program exit.
func FormatSummary(rows []PhaseRow, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                      go-itest-supervisor Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	fmt.Fprintf(&b, "Run ID:                 %s\n", cfg.RunID)
	fmt.Fprintf(&b, "Server:                 %s\n", cfg.BinaryPath)
	fmt.Fprintf(&b, "Base URL:               %s\n", cfg.BaseURL)
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Exit Code:              %d %s\n\n", cfg.ExitCode, exitCodeLabel(cfg.ExitCode))

	b.WriteString(formatPhaseTable(rows))
	b.WriteString("\n")

	if cfg.Startup.Count > 0 {
		b.WriteString("Time To Healthy\n")
		b.WriteString(formatPercentiles(cfg.Startup, FormatSeconds))
		b.WriteString("\n")
	}
	if cfg.Probes.Count > 0 {
		b.WriteString("Heartbeat Probes\n")
		b.WriteString(formatPercentiles(cfg.Probes, FormatMs))
		if len(cfg.ProbeOutcomes) > 0 {
			fmt.Fprintf(&b, "  Outcomes:  %s\n", formatOutcomes(cfg.ProbeOutcomes))
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

func formatPhaseTable(rows []PhaseRow) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"#", "Phase", "State", "Code", "PID", "Healthy After", "Duration", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Phase", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Code", Align: text.AlignRight},
		{Name: "PID", Align: text.AlignRight},
		{Name: "Healthy After", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	var failed int
	var total time.Duration
	for i, r := range rows {
		status := r.Status()
		if status != StatusPass {
			failed++
		}
		state := r.State
		if r.Forced {
			state += " (SIGKILL)"
		}
		startup := "-"
		if r.Startup > 0 {
			startup = FormatSeconds(r.Startup)
		}
		t.AppendRow(table.Row{
			i + 1,
			r.Name,
			state,
			r.Code,
			r.PID,
			startup,
			FormatSeconds(r.Duration),
			status,
		})
		total += r.Duration
	}

	overall := StatusPass
	if failed > 0 {
		overall = fmt.Sprintf("%d/%d %s", failed, len(rows), StatusFail)
	}
	t.AppendFooter(table.Row{"", "TOTAL", "", "", "", "", FormatSeconds(total), overall})

	var errs []string
	for _, r := range rows {
		if r.Err != "" {
			errs = append(errs, fmt.Sprintf("  %s: %s", r.Name, r.Err))
		}
	}

	out := t.Render() + "\n"
	if len(errs) > 0 {
		out += "\nErrors:\n" + strings.Join(errs, "\n") + "\n"
	}
	return out
}

func formatPercentiles(p Percentiles, format func(time.Duration) string) string {
	return fmt.Sprintf("  Samples: %d  min %s  p50 %s  p95 %s  p99 %s  max %s\n",
		p.Count, format(p.Min), format(p.P50), format(p.P95), format(p.P99), format(p.Max))
}

func formatOutcomes(outcomes map[health.Outcome]int) string {
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, outcomes[health.Outcome(k)]))
	}
	return strings.Join(parts, " ")
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 2:
		return "(supervisor error)"
	case 130:
		return "(interrupted)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatSeconds formats a duration as seconds with one decimal.
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
