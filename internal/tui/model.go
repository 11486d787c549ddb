package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/events"
	"github.com/sjawhar/voice-tutor/internal/protocol"
	"github.com/sjawhar/voice-tutor/internal/session"
)

// Controller is the subset of the orchestrator the terminal view drives.
type Controller interface {
	StartSession(cfg session.Config) (string, error)
	StartDegraded(ctx context.Context) (string, error)
	Retry(ctx context.Context) (string, error)
	Pause() error
	Resume() error
	EndSession(ctx context.Context) (session.Summary, bool)
}

// Model renders the live transcript and session state.
type Model struct {
	ctrl Controller
	cfg  session.Config

	items      []display.Item
	state      string
	sessionID  string
	connection string
	quality    float64

	notice    string
	retryable bool
	recap     string
	errText   string

	scroll int
	width  int
	height int
}

func New(ctrl Controller, cfg session.Config) Model {
	return Model{ctrl: ctrl, cfg: cfg, state: session.StateIdle.String(), connection: "disconnected"}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case ItemsMsg:
		m.items = msg.Items
		m.scroll = 0
		return m, nil

	case EventMsg:
		m.applyEvent(msg.Event)
		return m, nil

	case commandDoneMsg:
		if msg.err != nil {
			m.errText = fmt.Sprintf("%s: %v", msg.action, msg.err)
			return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return clearErrorMsg{} })
		}
		return m, nil

	case clearErrorMsg:
		m.errText = ""
		return m, nil
	}
	return m, nil
}

func (m *Model) applyEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.StateChanged:
		m.state = e.To
		m.sessionID = e.SessionID
		if e.To == session.StateConnecting.String() {
			m.notice = ""
			m.recap = ""
		}
	case events.ConnectionStateChanged:
		m.connection = e.To
	case events.ConnectionQuality:
		m.quality = e.Score
	case events.Reconnecting:
		m.connection = fmt.Sprintf("reconnecting (attempt %d)", e.Attempt)
	case events.Notification:
		m.notice = e.Message
		m.retryable = e.Retryable
	case events.RecapReady:
		m.recap = e.Recap
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case keyQuit, keyCtrlC:
		return m, tea.Quit
	case keyStart:
		return m, m.run("start", func() error {
			_, err := m.ctrl.StartSession(m.cfg)
			return err
		})
	case keyPause:
		if m.state == session.StatePaused.String() {
			return m, m.run("resume", m.ctrl.Resume)
		}
		return m, m.run("pause", m.ctrl.Pause)
	case keyEnd:
		return m, m.run("end", func() error {
			m.ctrl.EndSession(context.Background())
			return nil
		})
	case keyRetry:
		if !m.retryable {
			return m, nil
		}
		return m, m.run("retry", func() error {
			_, err := m.ctrl.Retry(context.Background())
			return err
		})
	case keyDegrade:
		return m, m.run("degraded mode", func() error {
			_, err := m.ctrl.StartDegraded(context.Background())
			return err
		})
	case keyUp:
		if m.scroll < len(m.items)-1 {
			m.scroll++
		}
	case keyDown:
		if m.scroll > 0 {
			m.scroll--
		}
	}
	return m, nil
}

func (m Model) run(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return commandDoneMsg{action: action, err: fn()}
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	divider := dividerStyle.Render(strings.Repeat("─", m.width))
	sections := []string{m.renderHeader(), divider, m.renderTranscript(), divider}
	if m.notice != "" {
		hint := ""
		if m.retryable {
			hint = dimStyle.Render("  [r] retry  [d] degraded mode")
		}
		sections = append(sections, errorStyle.Render(m.notice)+hint)
	}
	if m.errText != "" {
		sections = append(sections, errorStyle.Render(m.errText))
	}
	if m.recap != "" {
		sections = append(sections, titleStyle.Render("Recap")+" "+m.recap)
	}
	sections = append(sections, dimStyle.Render("[s] start  [space] pause/resume  [e] end  [q] quit"))
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	state := m.state
	if style, ok := stateStyles[state]; ok {
		state = style.Render(state)
	}
	header := titleStyle.Render("VOICE TUTOR") + "  " + state
	if m.sessionID != "" {
		header += dimStyle.Render("  " + m.sessionID)
	}
	header += dimStyle.Render(fmt.Sprintf("  connection: %s", m.connection))
	if m.quality > 0 {
		header += dimStyle.Render(fmt.Sprintf(" (%.0f%%)", m.quality*100))
	}
	return header
}

func (m Model) renderTranscript() string {
	rows := m.height - 6
	if rows < 1 {
		rows = 1
	}

	end := len(m.items) - m.scroll
	if end < 0 {
		end = 0
	}
	start := end - rows
	if start < 0 {
		start = 0
	}

	var lines []string
	for _, item := range m.items[start:end] {
		lines = append(lines, renderItem(item))
	}
	if len(lines) == 0 {
		return dimStyle.Render("No transcript yet.")
	}
	return strings.Join(lines, "\n")
}

func renderItem(item display.Item) string {
	label := tutorStyle.Render("Tutor")
	if item.Speaker == protocol.SpeakerStudent {
		label = studentStyle.Render("You")
	}
	content := item.Content
	if item.Kind == protocol.SegmentMath {
		content = mathStyle.Render(content)
	}
	return fmt.Sprintf("%s %s %s", dimStyle.Render(item.ArrivedAt.Format("15:04:05")), label, content)
}
