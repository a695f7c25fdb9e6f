package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the phase dashboard.
func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderRunInfo(),
		m.renderProgress(),
		m.renderPhaseTable(),
	}
	if probes := m.renderProbes(); probes != "" {
		sections = append(sections, probes)
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	status := "running"
	if m.runDone {
		status = fmt.Sprintf("finished, exit %d", m.exitCode)
	}
	header := fmt.Sprintf(
		" go-itest-supervisor │ Phases: %d/%d │ Elapsed: %s │ %s ",
		m.CompletedPhases(),
		m.PhaseCount(),
		formatDuration(m.Elapsed()),
		status,
	)
	return headerStyle.Width(m.width).Render(header)
}

func (m Model) renderRunInfo() string {
	lines := []string{
		RenderKeyValue("Run ID", m.runID),
		RenderKeyValue("Server", m.binaryPath),
		RenderKeyValue("Base URL", m.baseURL),
	}
	if m.metricsAddr != "" {
		lines = append(lines, RenderKeyValue("Metrics", "http://"+m.metricsAddr+"/metrics"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Progress"),
		RenderProgressBar(m.Progress(), barWidth),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Phase Table
// =============================================================================

var phaseColumns = []struct {
	title string
	width int
}{
	{"#", 3},
	{"Phase", 30},
	{"State", 20},
	{"PID", 8},
	{"Healthy", 9},
	{"Duration", 10},
	{"Result", 10},
}

func (m Model) renderPhaseTable() string {
	header := make([]string, len(phaseColumns))
	for i, c := range phaseColumns {
		header[i] = tableHeaderStyle.Width(c.width).Render(c.title)
	}
	rows := []string{
		sectionHeaderStyle.Render("Phases"),
		lipgloss.JoinHorizontal(lipgloss.Top, header...),
	}

	for i, p := range m.phases {
		pid := "-"
		if p.pid > 0 {
			pid = fmt.Sprintf("%d", p.pid)
		}
		duration := p.duration
		if !p.finished && p.state.IsActive() {
			duration = m.now.Sub(p.stateSince)
		}
		result := dimStyle.Render("-")
		if p.finished {
			result = ResultLabel(p.code, p.err)
		}

		cells := []string{
			fmt.Sprintf("%d", i+1),
			truncate(p.name, phaseColumns[1].width-1),
			StateLabel(p.state),
			pid,
			formatSeconds(p.startup),
			formatSeconds(duration),
			result,
		}
		rendered := make([]string, len(cells))
		for j, c := range cells {
			rendered[j] = tableCellStyle.Width(phaseColumns[j].width).Render(c)
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, rendered...))

		if p.err != "" {
			rows = append(rows, statusError.Render("    "+truncate(p.err, m.width-6)))
		}
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Heartbeat Probes
// =============================================================================

func (m Model) renderProbes() string {
	if m.probeSource == nil {
		return ""
	}
	p := m.probeSource.Probes()
	if p.Count == 0 {
		return ""
	}

	outcomes := m.probeSource.Outcomes()
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, outcomes[health.Outcome(k)]))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Heartbeat Probes"),
		RenderKeyValue("Probes", fmt.Sprintf("%d", p.Count)),
		RenderKeyValue("Latency p50", formatMs(p.P50)),
		RenderKeyValue("Latency p99", formatMs(p.P99)),
		RenderKeyValue("Outcomes", strings.Join(parts, " ")),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	return footerStyle.Render(mutedStyle.Render("q: quit (stops the run)"))
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
