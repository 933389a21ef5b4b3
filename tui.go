package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"intervox/session"
	"intervox/socket"
)

type statusMsg appStatus
type toggleDoneMsg struct{}
type tickMsg time.Time

const statusWidth = 46

var (
	liveStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	standbyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKey      = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	messageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type tuiModel struct {
	status        appStatus
	toggling      bool
	frame         int
	width, height int

	// toggle returns the command that starts or ends the call.
	toggle func(on bool) tea.Cmd
}

func NewTUIProgram(toggle func(on bool) tea.Cmd) *tea.Program {
	return tea.NewProgram(tuiModel{toggle: toggle}, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ", "s":
			if m.toggling || m.toggle == nil {
				return m, nil
			}
			m.toggling = true
			return m, m.toggle(!m.status.CallActive)
		}

	case toggleDoneMsg:
		m.toggling = false

	case statusMsg:
		m.status = appStatus(msg)

	case tickMsg:
		m.frame++
		return m, tuiTick()
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	st := m.status

	var lines []string
	switch {
	case st.Stream.IsRecording:
		lines = append(lines, liveStyle.Render(fmt.Sprintf("● LIVE  %d packets", st.Stream.PacketsSent)))
	case m.toggling || st.Session == session.Creating || st.Session == session.Stopping:
		lines = append(lines, warnStyle.Render(spinner[m.frame%len(spinner)]+" "+strings.ToUpper(st.Session.String())))
	case st.CallActive:
		lines = append(lines, warnStyle.Render(spinner[m.frame%len(spinner)]+" WAITING FOR SOCKET"))
	default:
		lines = append(lines, standbyStyle.Render("○ STANDBY"))
	}
	lines = append(lines, "")

	field := func(label, value string) {
		if value == "" {
			value = "-"
		}
		lines = append(lines, labelStyle.Render(fmt.Sprintf("%-10s", label))+valueStyle.Render(value))
	}
	sockState := st.Socket.String()
	if st.Socket == socket.Open {
		sockState = okStyle.Render(sockState)
	}
	lines = append(lines, labelStyle.Render(fmt.Sprintf("%-10s", "socket"))+sockState)
	field("url", truncate(st.URL, statusWidth-11))
	field("call", st.Session.String())
	field("interview", st.InterviewID)
	field("mic", st.Device)
	field("mime", st.Stream.SupportedMimeType)
	field("attempts", fmt.Sprint(st.Attempts))

	if st.SocketError != "" {
		lines = append(lines, "")
		for _, l := range wrapText(st.SocketError, statusWidth-2) {
			lines = append(lines, warnStyle.Render(l))
		}
	}
	if st.Stream.Error != "" {
		lines = append(lines, warnStyle.Render(st.Stream.Error))
	}
	if n := st.Notice; n != nil {
		style := okStyle
		switch n.Level {
		case session.LevelWarning:
			style = warnStyle
		case session.LevelError:
			style = liveStyle
		}
		lines = append(lines, "", style.Render(n.Message))
	}

	lines = append(lines, "")
	action := " to start the interview"
	if st.CallActive {
		action = " to end the interview"
	}
	lines = append(lines, helpKey.Render("space")+helpStyle.Render(action))
	lines = append(lines, helpKey.Render("q")+helpStyle.Render(" to quit (an active call resumes next run)"))
	lines = append(lines, helpStyle.Render("intervox "+version))

	msgWidth := max(m.width-statusWidth-1, 20)
	var right strings.Builder
	right.WriteString(labelStyle.Render("Last server message") + "\n\n")
	if st.LastMessage == "" {
		right.WriteString(standbyStyle.Render("No messages yet"))
	} else {
		for _, l := range wrapText(st.LastMessage, max(msgWidth-2, 10)) {
			right.WriteString(messageStyle.Render(l) + "\n")
		}
	}

	left := lipgloss.NewStyle().Width(statusWidth).Height(m.height).Render(strings.Join(lines, "\n"))
	panel := lipgloss.NewStyle().Width(msgWidth).Height(m.height).PaddingLeft(1).Render(right.String())
	return lipgloss.JoinHorizontal(lipgloss.Top, left, panel)
}

func truncate(s string, n int) string {
	if len(s) <= n || n < 4 {
		return s
	}
	return s[:n-3] + "..."
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// break at the last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
