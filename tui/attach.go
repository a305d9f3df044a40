package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/momoland/realtime/socket"
)

// Bubble Tea messages carrying manager events into the program.
type (
	MessageMsg      struct{ Message socket.ChatMessage }
	UserCountMsg    struct{ Count int }
	AnnouncementMsg struct{ Announcement socket.Announcement }
	TypingMsg       struct{ Typing socket.Typing }
	StatusMsg       struct{ Change socket.StatusChange }
	ServerErrorMsg  struct{ Error socket.ServerError }
)

// Source is the subscription side of *socket.Manager.
type Source interface {
	OnMessage(h *socket.Handler[socket.ChatMessage]) *socket.Subscription
	OnUserCount(h *socket.Handler[int]) *socket.Subscription
	OnAnnouncement(h *socket.Handler[socket.Announcement]) *socket.Subscription
	OnTyping(h *socket.Handler[socket.Typing]) *socket.Subscription
	OnStatus(h *socket.Handler[socket.StatusChange]) *socket.Subscription
	OnServerError(h *socket.Handler[socket.ServerError]) *socket.Subscription
}

// Attach forwards every category from src to send, usually
// (*tea.Program).Send, and returns the func that removes all of them.
func Attach(src Source, send func(tea.Msg)) (detach func()) {
	subs := []*socket.Subscription{
		src.OnMessage(socket.NewHandler(func(msg socket.ChatMessage) {
			send(MessageMsg{Message: msg})
		})),
		src.OnUserCount(socket.NewHandler(func(n int) {
			send(UserCountMsg{Count: n})
		})),
		src.OnAnnouncement(socket.NewHandler(func(a socket.Announcement) {
			send(AnnouncementMsg{Announcement: a})
		})),
		src.OnTyping(socket.NewHandler(func(t socket.Typing) {
			send(TypingMsg{Typing: t})
		})),
		src.OnStatus(socket.NewHandler(func(c socket.StatusChange) {
			send(StatusMsg{Change: c})
		})),
		src.OnServerError(socket.NewHandler(func(e socket.ServerError) {
			send(ServerErrorMsg{Error: e})
		})),
	}

	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}
