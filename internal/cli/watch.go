package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// maxWatchEntries bounds the activity kept by the watch view.
const maxWatchEntries = 500

const sessionPollInterval = 500 * time.Millisecond

var (
	watchTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	watchPanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	signalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// sessionFinished reports whether the run-loop no longer drives the session.
func sessionFinished(s models.Session) bool {
	switch s.Status.State {
	case models.StateRunning, models.StateWaitingForRotation:
		return false
	default:
		return true
	}
}

// formatEntry renders an activity entry as one plain line.
func formatEntry(e models.ActivityEntry) string {
	return fmt.Sprintf("%s [iter %d] %-8s %s",
		e.Timestamp.Format("15:04:05"), e.Iteration, e.Health, e.Kind.Describe())
}

func styleForHealth(h models.ContextHealth) lipgloss.Style {
	switch h {
	case models.HealthWarning:
		return warningStyle
	case models.HealthCritical:
		return criticalStyle
	default:
		return healthyStyle
	}
}

// tokenMeter draws the token usage as a bar relative to the rotate threshold.
func tokenMeter(usage models.TokenUsage, rotateThreshold, width int) string {
	pct := usage.Percentage(rotateThreshold)
	filled := int(pct / 100 * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + fmt.Sprintf("] %3.0f%%", pct)
}

// watchPlain prints activity as plain lines until the session finishes or
// ctx is cancelled.
func watchPlain(ctx context.Context, out io.Writer, sessions core.SessionManager, id string, entries <-chan models.ActivityEntry) (models.Session, error) {
	ticker := time.NewTicker(sessionPollInterval)
	defer ticker.Stop()

	var last models.Session
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			fmt.Fprintln(out, formatEntry(e))
		case <-ticker.C:
			s, err := sessions.Get(id)
			if err != nil {
				return last, err
			}
			last = s
			if sessionFinished(s) {
				drainEntries(out, entries)
				return s, nil
			}
		}
	}
}

// drainEntries prints whatever activity is already queued.
func drainEntries(out io.Writer, entries <-chan models.ActivityEntry) {
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			fmt.Fprintln(out, formatEntry(e))
		default:
			return
		}
	}
}

// --- TUI ---

type activityBatchMsg struct{ entries []models.ActivityEntry }

type activityClosedMsg struct{}

type sessionPolledMsg struct {
	session models.Session
	err     error
}

type watchModel struct {
	sessions core.SessionManager
	id       string
	activity <-chan models.ActivityEntry

	session models.Session
	entries []models.ActivityEntry
	width   int
	height  int

	finished    bool
	interrupted bool
	err         error
}

func newWatchModel(sessions core.SessionManager, session models.Session, activity <-chan models.ActivityEntry) watchModel {
	return watchModel{
		sessions: sessions,
		id:       session.ID,
		activity: activity,
		session:  session,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(waitForActivity(m.activity), m.pollSession())
}

// waitForActivity blocks for one entry, then drains whatever else is queued.
func waitForActivity(ch <-chan models.ActivityEntry) tea.Cmd {
	return func() tea.Msg {
		if ch == nil {
			return nil
		}
		e, ok := <-ch
		if !ok {
			return activityClosedMsg{}
		}
		batch := []models.ActivityEntry{e}
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return activityBatchMsg{entries: batch}
				}
				batch = append(batch, e)
			default:
				return activityBatchMsg{entries: batch}
			}
		}
	}
}

func (m watchModel) pollSession() tea.Cmd {
	return tea.Tick(sessionPollInterval, func(time.Time) tea.Msg {
		s, err := m.sessions.Get(m.id)
		return sessionPolledMsg{session: s, err: err}
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.interrupted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case activityBatchMsg:
		m.entries = append(m.entries, msg.entries...)
		if over := len(m.entries) - maxWatchEntries; over > 0 {
			m.entries = append([]models.ActivityEntry(nil), m.entries[over:]...)
		}
		return m, waitForActivity(m.activity)

	case activityClosedMsg:
		m.activity = nil
		return m, nil

	case sessionPolledMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.session = msg.session
		if sessionFinished(m.session) {
			m.finished = true
			return m, tea.Quit
		}
		return m, m.pollSession()
	}

	return m, nil
}

func (m watchModel) View() string {
	s := m.session
	var b strings.Builder

	project := s.ProjectPath
	if s.Prd != nil && s.Prd.Project != "" {
		project = s.Prd.Project
	}
	b.WriteString(watchTitleStyle.Render(" Ralph "))
	b.WriteString(" " + project + "\n\n")

	health := s.Health()
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("status:    "), s.Status.String())
	fmt.Fprintf(&b, "%s %d/%d\n", labelStyle.Render("iteration: "), s.CurrentIteration, s.Config.MaxIterations)
	fmt.Fprintf(&b, "%s %s %s\n", labelStyle.Render("context:   "),
		styleForHealth(health).Render(tokenMeter(s.TokenUsage, s.Config.RotateThreshold, 30)),
		dimStyle.Render(fmt.Sprintf("%d tokens", s.TokenUsage.Total)))
	if s.Prd != nil {
		total := len(s.Prd.Stories)
		fmt.Fprintf(&b, "%s %d/%d pass\n", labelStyle.Render("stories:   "), total-s.Prd.Remaining(), total)
	}

	rows := m.height - 10
	if rows < 5 {
		rows = 5
	}
	start := 0
	if len(m.entries) > rows {
		start = len(m.entries) - rows
	}
	var lines []string
	for _, e := range m.entries[start:] {
		lines = append(lines, renderEntry(e))
	}
	if len(lines) == 0 {
		lines = append(lines, dimStyle.Render("waiting for agent output..."))
	}
	panel := watchPanelStyle
	if m.width > 4 {
		panel = panel.Width(m.width - 4)
	}
	b.WriteString("\n" + panel.Render(strings.Join(lines, "\n")) + "\n")
	b.WriteString(dimStyle.Render("q: stop session and quit"))
	return b.String()
}

func renderEntry(e models.ActivityEntry) string {
	prefix := dimStyle.Render(fmt.Sprintf("%s #%d", e.Timestamp.Format("15:04:05"), e.Iteration))
	text := e.Kind.Describe()
	switch e.Kind.Type {
	case models.ActivitySignal:
		text = signalStyle.Render(text)
	case models.ActivityError:
		text = errorStyle.Render(text)
	case models.ActivityTokenUpdate:
		text = styleForHealth(e.Health).Render(text)
	}
	return prefix + " " + text
}

// watchTUI runs the interactive watch view. interrupted is true when the
// user quit before the session finished.
func watchTUI(ctx context.Context, sessions core.SessionManager, session models.Session, entries <-chan models.ActivityEntry) (final models.Session, interrupted bool, err error) {
	p := tea.NewProgram(newWatchModel(sessions, session, entries), tea.WithAltScreen(), tea.WithContext(ctx))
	result, err := p.Run()
	m, ok := result.(watchModel)
	if !ok {
		return session, true, err
	}
	if err != nil {
		return m.session, true, err
	}
	if m.err != nil {
		return m.session, false, m.err
	}
	return m.session, m.interrupted, nil
}
