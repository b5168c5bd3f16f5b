package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the renewal countdown.
type tickMsg time.Time

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // login exchange in flight
	stateWatching         // session live, counting down to the next renewal
	stateRenewing         // renewal fired, waiting for the outcome
	stateSuccess          // all done
	stateError            // fatal error or terminated session
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines bounds the status log of a long watch.
const maxStatusLines = 12

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	username  string
	info      SessionInfo
	fireAt    time.Time
	remaining time.Duration
	errMsg    string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCountdown = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateWatching {
			return m, nil
		}
		m.remaining = max(time.Until(m.fireAt), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		m.state = stateRenewing
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionResumed:
		m.info = msg.Info
		m.addStatus(statusOK, "Resumed session for "+displayName(msg.Info))
		if !msg.Info.Valid {
			m.addStatus(statusWarn, "Access credential expired, renewing")
			m.state = stateRenewing
		}
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No session found")
		return m, nil

	case MsgLoggingIn:
		m.username = msg.Username
		m.state = stateLoggingIn
		return m, nil

	case MsgLoggedIn:
		m.info = msg.Info
		m.addStatus(statusOK, "Logged in as "+displayName(msg.Info))
		return m, nil

	case MsgLoginFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Login failed: %v", msg.Err))
		return m, nil

	case MsgSessionSaved:
		m.addStatus(statusOK, "Session saved to "+msg.Location)
		return m, nil

	case MsgSessionSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save session: %v", msg.Err))
		return m, nil

	case MsgRenewalScheduled:
		m.fireAt = msg.FireAt
		m.remaining = max(time.Until(msg.FireAt), 0)
		m.state = stateWatching
		m.addStatus(statusInfo, "Next renewal at "+msg.FireAt.Format(time.TimeOnly))
		return m, tickAfterSecond()

	case MsgRenewed:
		m.info = msg.Info
		m.addStatus(statusOK, "Session renewed, access "+msg.Info.Access)
		return m, nil

	case MsgSessionTerminated:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		m.addStatus(statusWarn, "Session terminated, please log in again")
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Logged out")
		return m, nil

	case MsgAccessAllowed:
		m.addStatus(statusOK, "Allowed: "+msg.Requirement)
		return m, nil

	case MsgAccessDenied:
		m.addStatus(statusWarn, fmt.Sprintf("Denied: %s (%v)", msg.Requirement, msg.Err))
		return m, nil

	case MsgAPICallOK:
		m.addStatus(statusOK, fmt.Sprintf("API call successful (%d)", msg.Status))
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgDone:
		m.info = msg.Info
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while a command is in progress.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  AuthGate Session  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Logging in as " + m.username + "...\n")

	case stateWatching:
		b.WriteString(styleBold.Render("Signed in as " + displayName(m.info)))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("Access " + m.info.Access + ", expires " + m.info.ExpiresAt.Format(time.TimeOnly)))
		b.WriteString("\n\n")
		b.WriteString(styleCountdown.Render("  renewal in " + formatDuration(m.remaining) + "  "))
		b.WriteString("\n")

	case stateRenewing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Renewing session...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess summarises the session when a command completes.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Session active"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("User:         "))
	b.WriteString(displayName(m.info) + "\n")

	b.WriteString(styleBold.Render("Role:         "))
	b.WriteString(m.info.Role + "\n")

	b.WriteString(styleBold.Render("Capabilities: "))
	b.WriteString(strings.Join(m.info.Capabilities, ", ") + "\n")

	b.WriteString(styleBold.Render("Access:       "))
	b.WriteString(m.info.Access + "\n")

	b.WriteString(styleBold.Render("Expires In:   "))
	b.WriteString(formatDuration(time.Until(m.info.ExpiresAt)) + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs or the session ends.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Not signed in"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = m.statusLines[n-maxStatusLines:]
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
