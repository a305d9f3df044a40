// Package tui is the terminal chat view: one room, a presence count, a typing
// line and a banner for admin announcements, fed by a socket.Manager through
// Attach.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/momoland/realtime/socket"
)

const (
	maxLines  = 500
	bannerTTL = 15 * time.Second
)

// Chat is the sending side of *socket.Manager.
type Chat interface {
	SendMessage(room, content string) error
	SendTyping(room string, typing bool) error
	Join(room string) error
	Leave(room string) error
}

type Options struct {
	Room     string
	Username string

	// State and Presence seed the status bar when the view starts after the
	// manager is already connected.
	State    socket.State
	Presence int
}

type clearBannerMsg struct{ id string }

type Model struct {
	chat  Chat
	keys  KeyMap
	input textinput.Model

	room     string
	username string
	width    int
	height   int

	lines  []string
	offset int

	state      socket.State
	stateErr   error
	attempt    int
	retryIn    time.Duration
	presence   int
	typers     map[string]bool
	typingSent bool
	banner     *socket.Announcement
}

func New(chat Chat, opts Options) Model {
	input := textinput.New()
	input.Placeholder = "say something, or /join <room>"
	input.CharLimit = 2000
	input.Prompt = "> "
	input.Focus()

	return Model{
		chat:     chat,
		keys:     DefaultKeyMap(),
		input:    input,
		room:     opts.Room,
		username: opts.Username,
		state:    opts.State,
		presence: opts.Presence,
		typers:   make(map[string]bool),
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case MessageMsg:
		if msg.Message.Room == "" || msg.Message.Room == m.room {
			m.addLine(m.formatMessage(msg.Message))
			delete(m.typers, msg.Message.Sender.Username)
		}
		return m, nil

	case UserCountMsg:
		m.presence = msg.Count
		return m, nil

	case TypingMsg:
		t := msg.Typing
		if t.Room != m.room || t.User == "" || t.User == m.username {
			return m, nil
		}
		if t.Typing {
			m.typers[t.User] = true
		} else {
			delete(m.typers, t.User)
		}
		return m, nil

	case AnnouncementMsg:
		a := msg.Announcement
		m.banner = &a
		m.addLine(systemStyle.Render(fmt.Sprintf("[%s] %s: %s", a.Type, a.From, a.Message)))
		return m, tea.Tick(bannerTTL, func(time.Time) tea.Msg { return clearBannerMsg{id: a.ID} })

	case clearBannerMsg:
		if m.banner != nil && m.banner.ID == msg.id {
			m.banner = nil
		}
		return m, nil

	case StatusMsg:
		m.applyStatus(msg.Change)
		return m, nil

	case ServerErrorMsg:
		m.addLine(errorStyle.Render("server: " + msg.Error.Reason))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) applyStatus(c socket.StatusChange) {
	m.state = c.New
	m.stateErr = c.Err
	m.attempt = c.Attempt
	m.retryIn = c.RetryIn

	if c.New != socket.StateOpen {
		m.typers = make(map[string]bool)
		m.typingSent = false
	}
	switch c.New {
	case socket.StateOpen:
		m.addLine(systemStyle.Render("connected"))
	case socket.StateClosed:
		if c.Err != nil {
			m.addLine(errorStyle.Render("connection closed: " + c.Err.Error()))
		}
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.stopTyping()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Send):
		return m.submit()

	case key.Matches(msg, m.keys.ScrollUp):
		m.offset = min(m.offset+m.bodyHeight(), max(len(m.lines)-1, 0))
		return m, nil

	case key.Matches(msg, m.keys.ScrollDown):
		m.offset = max(m.offset-m.bodyHeight(), 0)
		return m, nil

	case key.Matches(msg, m.keys.ClearBanner):
		m.banner = nil
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.syncTyping()
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	m.stopTyping()
	if text == "" {
		return m, nil
	}

	if strings.HasPrefix(text, "/") {
		return m.command(text)
	}

	if err := m.chat.SendMessage(m.room, text); err != nil {
		m.addLine(errorStyle.Render("not sent: " + err.Error()))
	}
	m.offset = 0
	return m, nil
}

func (m Model) command(text string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit":
		return m, tea.Quit

	case "/join":
		if len(fields) != 2 {
			m.addLine(systemStyle.Render("usage: /join <room>"))
			return m, nil
		}
		next := strings.TrimPrefix(fields[1], "#")
		if next == m.room {
			return m, nil
		}
		if m.room != "" {
			m.chat.Leave(m.room)
		}
		m.chat.Join(next)
		m.room = next
		m.typers = make(map[string]bool)
		m.addLine(systemStyle.Render("joined #" + next))

	default:
		m.addLine(systemStyle.Render("unknown command " + fields[0]))
	}
	return m, nil
}

// syncTyping sends typing on the first character and clears it when the
// input empties. Nothing is sent while disconnected.
func (m *Model) syncTyping() {
	if m.state != socket.StateOpen || m.room == "" {
		return
	}
	hasText := m.input.Value() != ""
	switch {
	case hasText && !m.typingSent:
		if m.chat.SendTyping(m.room, true) == nil {
			m.typingSent = true
		}
	case !hasText && m.typingSent:
		m.stopTyping()
	}
}

func (m *Model) stopTyping() {
	if !m.typingSent {
		return
	}
	m.typingSent = false
	m.chat.SendTyping(m.room, false)
}

func (m *Model) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	if m.offset > 0 {
		m.offset++
	}
}

func (m Model) formatMessage(msg socket.ChatMessage) string {
	name := msg.Sender.Username
	style := senderStyle
	if name == m.username {
		style = selfStyle
	}
	stamp := ""
	if !msg.SentAt.IsZero() {
		stamp = dimStyle.Render(msg.SentAt.Local().Format("15:04")) + " "
	}
	return stamp + style.Render(name) + ": " + msg.Content
}

func (m Model) bodyHeight() int {
	if m.height == 0 {
		return 20
	}
	h := m.height - 4
	if m.banner != nil {
		h -= 3
	}
	return max(h, 3)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.statusBar())
	b.WriteString("\n")

	if m.banner != nil {
		style := bannerStyle.
			BorderForeground(announcementColor(m.banner.Type)).
			Foreground(announcementColor(m.banner.Type))
		if m.width > 0 {
			style = style.Width(m.width - 2)
		}
		b.WriteString(style.Render(m.banner.Message))
		b.WriteString("\n")
	}

	height := m.bodyHeight()
	end := len(m.lines) - m.offset
	start := max(end-height, 0)
	visible := m.lines[start:end]
	for i := len(visible); i < height; i++ {
		b.WriteString("\n")
	}
	for _, line := range visible {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(typingStyle.Render(m.typingLine()))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("enter send · pgup/pgdn scroll · esc dismiss · ctrl+c quit"))
	return b.String()
}

func (m Model) statusBar() string {
	var state string
	switch {
	case m.state == socket.StateReconnecting && m.retryIn > 0:
		state = fmt.Sprintf("reconnecting (attempt %d, retry in %s)", m.attempt, m.retryIn.Round(time.Millisecond))
	case m.state == socket.StateClosed && m.stateErr != nil:
		state = "closed (" + m.stateErr.Error() + ")"
	default:
		state = m.state.String()
	}
	dot := lipgloss.NewStyle().Foreground(stateColor(m.state)).Render("● " + state)

	sep := sepStyle.Render(" | ")
	room := "#" + m.room
	if m.room == "" {
		room = "all rooms"
	}
	content := "momoLand" + sep + room + sep + dot + sep + fmt.Sprintf("%d online", m.presence)

	style := barStyle
	if m.width > 0 {
		style = style.Width(m.width)
	}
	return style.Render(content)
}

func (m Model) typingLine() string {
	if len(m.typers) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.typers))
	for name := range m.typers {
		names = append(names, name)
	}
	sort.Strings(names)

	switch len(names) {
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return "several people are typing..."
	}
}
