package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second while waiting on the browser.
type tickMsg time.Time

// state represents the current phase of a session command.
type state int

const (
	stateInit       state = iota
	stateRestoring        // bootstrap strategies running
	stateRefreshing       // access token being refreshed
	stateBrowser          // waiting for the user to finish login in a browser
	stateSuccess          // all done
	stateError            // fatal error
)

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

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	loginURL     string
	waitingSince time.Time
	waited       time.Duration

	user   string
	errMsg string

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("42")).
			Padding(0, 2)

	styleLinkBox = lipgloss.NewStyle().
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 1)

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
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("42"))),
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
		if m.state != stateBrowser {
			return m, nil
		}
		m.waited = time.Time(msg).Sub(m.waitingSince)
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgStrategyAttempted:
		m.state = stateRestoring
		m.addStatus(statusInfo, "Trying "+string(msg.Strategy))
		return m, nil

	case MsgStrategyFailed:
		m.addStatus(statusWarn, fmt.Sprintf("%s failed: %v", msg.Strategy, msg.Err))
		return m, nil

	case MsgSessionRestored:
		m.user = describeUser(msg.User)
		m.addStatus(statusOK, fmt.Sprintf("Session restored via %s", msg.Strategy))
		if !msg.Durable {
			m.addStatus(statusWarn, "Using a temporary token")
		}
		return m, nil

	case MsgNoSession:
		m.addStatus(statusInfo, "No session found")
		return m, nil

	case MsgSessionSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save session: %v", msg.Err))
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.addStatus(statusOK, "Token refreshed, retrying API call...")
		return m, nil

	case MsgLoginURLReady:
		m.loginURL = msg.URL
		m.state = stateBrowser
		m.waitingSince = time.Now()
		m.waited = 0
		m.addStatus(statusInfo, "Login link ready")
		return m, tickAfterSecond()

	case MsgSignedIn:
		m.user = describeUser(msg.User)
		m.addStatus(statusOK, "Signed in as "+m.user)
		return m, nil

	case MsgSignedOut:
		m.user = ""
		m.addStatus(statusOK, "Signed out")
		return m, nil

	case MsgAPICallOK:
		m.addStatus(statusOK, fmt.Sprintf("GET %s: %d", msg.Path, msg.Status))
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("GET %s failed: %v", msg.Path, msg.Err))
		return m, nil

	case MsgDone:
		m.user = describeUser(msg.User)
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

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Storefront Session  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateBrowser:
		b.WriteString(styleBold.Render("Open this link to sign in with LINE:"))
		b.WriteString("\n")
		b.WriteString(styleLinkBox.Render(m.loginURL))
		b.WriteString("\n\n")
		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for the browser...  ")
		b.WriteString(styleDim.Render(formatDuration(m.waited) + " elapsed"))
		b.WriteString("\n")

	case stateRestoring:
		b.WriteString(m.spinner.View())
		b.WriteString(" Restoring session...\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Done"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("User: "))
	b.WriteString(m.user + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

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

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

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
