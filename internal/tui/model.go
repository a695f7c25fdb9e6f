package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-itest-supervisor/internal/health"
	"github.com/randomizedcoder/go-itest-supervisor/internal/stats"
	"github.com/randomizedcoder/go-itest-supervisor/internal/supervisor"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// PhaseStateMsg reports a phase state transition.
type PhaseStateMsg struct {
	Phase string
	State supervisor.State
}

// ServerStartedMsg reports the PID of a phase's server.
type ServerStartedMsg struct {
	Phase string
	PID   int
}

// HealthyMsg reports how long a phase's server took to become healthy.
type HealthyMsg struct {
	Phase   string
	Startup time.Duration
}

// PhaseDoneMsg reports a finished phase.
type PhaseDoneMsg struct {
	Phase    string
	Code     int
	Duration time.Duration
	Err      string
}

// RunDoneMsg reports the run's exit code.
type RunDoneMsg struct {
	ExitCode int
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// phaseView is what the dashboard knows about one phase.
type phaseView struct {
	name       string
	state      supervisor.State
	pid        int
	startup    time.Duration
	duration   time.Duration
	code       int
	err        string
	finished   bool
	stateSince time.Time
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	runID       string
	baseURL     string
	binaryPath  string
	metricsAddr string

	// Current state
	phases    []phaseView
	startTime time.Time
	now       time.Time
	runDone   bool
	exitCode  int

	// Display options
	width  int
	height int

	// Probe stats source (optional)
	probeSource ProbeSource

	onQuit func()

	// Quit flag
	quitting bool
}

// ProbeSource provides heartbeat probe statistics.
type ProbeSource interface {
	Probes() stats.Percentiles
	Outcomes() map[health.Outcome]int
}

// Config holds TUI configuration.
type Config struct {
	RunID       string
	BaseURL     string
	BinaryPath  string
	MetricsAddr string
	Phases      []string
	ProbeSource ProbeSource

	// OnQuit is called when the user quits the dashboard.
	OnQuit func()
}

// New creates a new TUI model.
func New(cfg Config) Model {
	now := time.Now()
	phases := make([]phaseView, len(cfg.Phases))
	for i, name := range cfg.Phases {
		phases[i] = phaseView{name: name, state: supervisor.StateIdle, stateSince: now}
	}
	return Model{
		runID:       cfg.RunID,
		baseURL:     cfg.BaseURL,
		binaryPath:  cfg.BinaryPath,
		metricsAddr: cfg.MetricsAddr,
		phases:      phases,
		probeSource: cfg.ProbeSource,
		onQuit:      cfg.OnQuit,
		startTime:   now,
		now:         now,
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case PhaseStateMsg:
		p := m.phase(msg.Phase)
		p.state = msg.State
		p.stateSince = time.Now()
		return m, nil

	case ServerStartedMsg:
		m.phase(msg.Phase).pid = msg.PID
		return m, nil

	case HealthyMsg:
		m.phase(msg.Phase).startup = msg.Startup
		return m, nil

	case PhaseDoneMsg:
		p := m.phase(msg.Phase)
		p.code = msg.Code
		p.duration = msg.Duration
		p.err = msg.Err
		p.finished = true
		return m, nil

	case RunDoneMsg:
		m.runDone = true
		m.exitCode = msg.ExitCode
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// phase returns the named phase, appending it if unknown. Update works on a
// copy of the model, so the phases slice is copied before it is modified.
func (m *Model) phase(name string) *phaseView {
	phases := make([]phaseView, len(m.phases), len(m.phases)+1)
	copy(phases, m.phases)
	m.phases = phases
	for i := range m.phases {
		if m.phases[i].name == name {
			return &m.phases[i]
		}
	}
	m.phases = append(m.phases, phaseView{name: name, state: supervisor.StateIdle, stateSince: time.Now()})
	return &m.phases[len(m.phases)-1]
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the run started.
func (m Model) Elapsed() time.Duration {
	return m.now.Sub(m.startTime)
}

// PhaseCount returns the number of known phases.
func (m Model) PhaseCount() int {
	return len(m.phases)
}

// CompletedPhases returns how many phases have finished.
func (m Model) CompletedPhases() int {
	n := 0
	for _, p := range m.phases {
		if p.finished {
			n++
		}
	}
	return n
}

// Progress returns the fraction of phases finished (0.0 to 1.0).
func (m Model) Progress() float64 {
	if len(m.phases) == 0 {
		return 0
	}
	return float64(m.CompletedPhases()) / float64(len(m.phases))
}

// PhaseState returns the current state of the named phase.
func (m Model) PhaseState(name string) (supervisor.State, bool) {
	for _, p := range m.phases {
		if p.name == name {
			return p.state, true
		}
	}
	return supervisor.StateIdle, false
}

// =============================================================================
// Helper for external use
// =============================================================================

// Sender is the part of *tea.Program the helpers need.
type Sender interface {
	Send(msg tea.Msg)
}

// SendPhaseState sends a phase state change to the TUI.
func SendPhaseState(p Sender, phase string, state supervisor.State) {
	if p != nil {
		p.Send(PhaseStateMsg{Phase: phase, State: state})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p Sender) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatSeconds formats a duration with one decimal, or "-" when unset.
func formatSeconds(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
