package cli

import (
	"context"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"casework/internal/job"
	"casework/internal/status"
)

// Theme holds the color scheme for interactive output.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// updateMsg carries one tracker update into the UI.
type updateMsg status.Update

// settledMsg signals that the update stream closed.
type settledMsg struct{}

// watchModel is the bubbletea model for following one job live.
type watchModel struct {
	jobID    string
	updates  <-chan status.Update
	stop     func()
	state    job.State
	progress progress.Model
	theme    Theme
	seen     bool
	done     bool
	quitting bool
}

// newWatchModel creates a watch model reading from a started tracker.
func newWatchModel(jobID string, updates <-chan status.Update, stop func()) watchModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return watchModel{
		jobID:    jobID,
		updates:  updates,
		stop:     stop,
		state:    job.NewState(jobID),
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (wait for the first update).
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		m.nextUpdate(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.stop()
			return m, tea.Quit
		}

	case updateMsg:
		m.seen = true
		m.state = msg.State
		if m.state.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, m.nextUpdate()

	case settledMsg:
		// The stream closed without a terminal state: the tracker was
		// stopped from outside.
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the live panel.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m watchModel) renderContent() string {
	if m.quitting {
		return m.theme.hintStyle().Render(fmt.Sprintf(
			"\nDetached. Job %s continues server-side; re-attach with 'casework watch %s'.\n",
			m.jobID, m.jobID))
	}

	var b strings.Builder
	b.WriteString(m.theme.statusStyle().Render("Watching job "+m.jobID) + "\n\n")

	if !m.seen {
		b.WriteString("Waiting for the first status report...\n")
		return b.String()
	}

	for _, a := range m.state.AgentsSorted() {
		b.WriteString(m.renderAgent(a))
	}

	if m.done {
		b.WriteString("\n")
		switch m.state.Overall {
		case job.OverallCompleted:
			b.WriteString(m.theme.completedStyle().Render("✓ Job completed") + "\n")
		case job.OverallFailed:
			reason, _ := m.state.FirstError()
			b.WriteString(m.theme.errorStyle().Render("✗ Job failed: "+reason) + "\n")
		}
		return b.String()
	}

	terminal, known := m.state.Progress()
	var pct float64
	if known > 0 {
		pct = float64(terminal) / float64(known)
	}
	b.WriteString(fmt.Sprintf("\n%s %d/%d agents settled\n", m.progress.ViewAs(pct), terminal, known))
	b.WriteString(m.theme.hintStyle().Render("Press q to detach; the job keeps running server-side.") + "\n")

	return b.String()
}

// renderAgent formats one roster row.
func (m watchModel) renderAgent(a job.AgentStatus) string {
	msg := a.Message
	if msg == "" && a.Tool != "" {
		msg = "consulting " + a.Tool
	}
	if a.Confidence != nil {
		msg = fmt.Sprintf("%s (%.2f)", msg, *a.Confidence)
	}

	switch a.Phase {
	case job.PhaseComplete:
		return fmt.Sprintf("  %s %-12s %s\n", m.theme.completedStyle().Render("✓"), a.Agent, msg)
	case job.PhaseError:
		return fmt.Sprintf("  %s %-12s %s\n", m.theme.errorStyle().Render("✗"), a.Agent, msg)
	default:
		return fmt.Sprintf("  · %-12s %s\n", a.Agent, m.theme.hintStyle().Render(string(a.Phase)+": "+msg))
	}
}

// nextUpdate waits for the next tracker update off the UI loop.
func (m watchModel) nextUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.updates
		if !ok {
			return settledMsg{}
		}
		return updateMsg(u)
	}
}

// runWatchUI follows one job in a live panel until it settles or the user
// detaches. Returns the last observed state and whether the user detached.
func runWatchUI(ctx context.Context, backend status.Backend, jobID string) (job.State, bool, error) {
	tr := status.New(backend, jobID, trackerConfig())
	tr.Start(ctx)
	defer tr.Stop()

	model := newWatchModel(jobID, tr.Updates(), tr.Stop)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return job.NewState(jobID), false, fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		return m.state, m.quitting, nil
	}
	return job.NewState(jobID), false, nil
}
