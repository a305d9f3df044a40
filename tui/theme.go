package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/momoland/realtime/socket"
)

var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorBg      = lipgloss.Color("#111827")
	colorAccent  = lipgloss.Color("#f472b6")
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
	colorInfo    = lipgloss.Color("#3b82f6")
)

var (
	barStyle = lipgloss.NewStyle().
			Foreground(colorBright).
			Background(colorBg).
			Padding(0, 1)

	sepStyle    = lipgloss.NewStyle().Foreground(colorBorder)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDimmed)
	senderStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	selfStyle   = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(colorDimmed).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(colorDanger)
	typingStyle = lipgloss.NewStyle().Foreground(colorDimmed).Italic(true)

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder())
)

func stateColor(s socket.State) lipgloss.Color {
	switch s {
	case socket.StateOpen:
		return colorHealthy
	case socket.StateConnecting, socket.StateReconnecting:
		return colorWarning
	case socket.StateClosed:
		return colorDanger
	default:
		return colorDimmed
	}
}

func announcementColor(t socket.AnnouncementType) lipgloss.Color {
	switch t {
	case socket.AnnouncementSuccess:
		return colorHealthy
	case socket.AnnouncementWarning:
		return colorWarning
	case socket.AnnouncementError:
		return colorDanger
	default:
		return colorInfo
	}
}
