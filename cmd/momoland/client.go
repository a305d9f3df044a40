package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/momoland/realtime/admin"
	"github.com/momoland/realtime/socket"
	"github.com/momoland/realtime/tui"
)

func (a *app) transportFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "transport",
		Usage: "websocket or longpolling (default from config)",
	}
}

// connect builds a manager from config and waits for the first connection.
func (a *app) connect(ctx context.Context, cmd *cli.Command, token string, rooms ...string) (*socket.Manager, error) {
	client := a.cfg.Client
	if t := cmd.String("transport"); t != "" {
		client.Transport = t
	}

	mgr := client.NewManager(a.logger.Named("client"))
	for _, room := range rooms {
		mgr.Join(room)
	}
	if err := mgr.Connect(token); err != nil {
		mgr.Close()
		return nil, err
	}

	// Room for every configured attempt at the longest backoff.
	wait := (client.HandshakeTimeout + client.Reconnect.MaxDelay) * time.Duration(max(client.Reconnect.MaxAttempts, 1))
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := mgr.WaitOpen(waitCtx); err != nil {
		mgr.Close()
		return nil, errors.Wrapf(err, "connect to %s", client.SocketURL())
	}
	return mgr, nil
}

func (a *app) chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "open the terminal chat view",
		Flags: []cli.Flag{
			tokenFlag,
			a.transportFlag(),
			&cli.StringFlag{
				Name:  "room",
				Usage: "room to join",
				Value: "lobby",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.String("log-file") == "" {
				a.logger.Warn("logging to stderr will draw over the chat view; pass --log-file")
			}
			token, err := a.token(cmd)
			if err != nil {
				return err
			}
			room := cmd.String("room")

			mgr, err := a.connect(ctx, cmd, token, room)
			if err != nil {
				return err
			}
			defer mgr.Close()

			username := ""
			if user := mgr.User(); user != nil {
				username = user.Username
			}
			model := tui.New(mgr, tui.Options{
				Room:     room,
				Username: username,
				State:    mgr.State(),
				Presence: mgr.PresenceCount(),
			})

			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			detach := tui.Attach(mgr, p.Send)
			defer detach()

			_, err = p.Run()
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func (a *app) watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "log every event and status change",
		Flags: []cli.Flag{
			tokenFlag,
			a.transportFlag(),
			&cli.StringSliceFlag{
				Name:  "room",
				Usage: "room to join, repeatable",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			token, err := a.token(cmd)
			if err != nil {
				return err
			}

			mgr, err := a.connect(ctx, cmd, token, cmd.StringSlice("room")...)
			if err != nil {
				return err
			}
			defer mgr.Close()

			logger := a.logger.Named("watch")
			closed := make(chan error, 1)
			subs := []*socket.Subscription{
				mgr.OnMessage(socket.NewHandler(func(msg socket.ChatMessage) {
					logger.Info("message",
						zap.String("room", msg.Room),
						zap.String("from", msg.Sender.Username),
						zap.String("content", msg.Content))
				})),
				mgr.OnUserCount(socket.NewHandler(func(n int) {
					logger.Info("presence", zap.Int("online", n))
				})),
				mgr.OnAnnouncement(socket.NewHandler(func(an socket.Announcement) {
					logger.Info("announcement",
						zap.String("type", string(an.Type)),
						zap.String("from", an.From),
						zap.String("message", an.Message))
				})),
				mgr.OnTyping(socket.NewHandler(func(t socket.Typing) {
					logger.Debug("typing", zap.String("room", t.Room), zap.String("user", t.User), zap.Bool("typing", t.Typing))
				})),
				mgr.OnServerError(socket.NewHandler(func(e socket.ServerError) {
					logger.Warn("server error", zap.String("reason", e.Reason))
				})),
				mgr.OnEvent(socket.Event("pong"), socket.NewHandler(func(data json.RawMessage) {
					logger.Debug("pong", zap.ByteString("data", data))
				})),
				mgr.OnStatus(socket.NewHandler(func(c socket.StatusChange) {
					fields := []zap.Field{zap.Stringer("from", c.Old), zap.Stringer("to", c.New)}
					if c.RetryIn > 0 {
						fields = append(fields, zap.Int("attempt", c.Attempt), zap.Duration("retry_in", c.RetryIn))
					}
					if c.Err != nil {
						fields = append(fields, zap.Error(c.Err))
					}
					logger.Info("status", fields...)
					if c.New == socket.StateClosed {
						select {
						case closed <- c.Err:
						default:
						}
					}
				})),
			}
			defer func() {
				for _, sub := range subs {
					sub.Unsubscribe()
				}
			}()

			logger.Info("watching",
				zap.Stringer("state", mgr.State()),
				zap.Int("online", mgr.PresenceCount()),
				zap.Strings("rooms", mgr.Rooms()))
			mgr.Emit(socket.Event("ping"), map[string]int64{"at": time.Now().UnixMilli()})

			select {
			case <-ctx.Done():
				return nil
			case err := <-closed:
				return err
			}
		},
	}
}

func (a *app) announceCommand() *cli.Command {
	return &cli.Command{
		Name:      "announce",
		Usage:     "broadcast an announcement (admins only)",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			a.transportFlag(),
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "info, success, warning or error",
				Value:   string(socket.AnnouncementInfo),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "how long to wait for the server to echo the announcement",
				Value: 10 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			message := strings.Join(cmd.Args().Slice(), " ")
			kind := socket.AnnouncementType(cmd.String("type"))

			store := a.cfg.Client.Store()
			verifier := a.cfg.Client.Verifier(nil)

			// Check the role before opening a connection.
			probe := admin.NewAnnouncer(store, verifier, nil, admin.WithLogger(a.logger))
			session, _, err := probe.Authorize(ctx)
			if err != nil {
				return err
			}

			mgr, err := a.connect(ctx, cmd, session.Token)
			if err != nil {
				return err
			}
			defer mgr.Close()

			echo := make(chan error, 1)
			report := func(err error) {
				select {
				case echo <- err:
				default:
				}
			}
			annSub := mgr.OnAnnouncement(socket.NewHandler(func(an socket.Announcement) {
				if an.Message == strings.TrimSpace(message) && an.Type == kind {
					report(nil)
				}
			}))
			defer annSub.Unsubscribe()
			errSub := mgr.OnServerError(socket.NewHandler(func(e socket.ServerError) {
				report(errors.Errorf("server refused announcement: %s", e.Reason))
			}))
			defer errSub.Unsubscribe()

			announcer := admin.NewAnnouncer(store, verifier, mgr, admin.WithLogger(a.logger))
			if err := announcer.Announce(ctx, kind, message); err != nil {
				return err
			}

			select {
			case err := <-echo:
				if err == nil {
					fmt.Println("announcement sent")
				}
				return err
			case <-time.After(cmd.Duration("timeout")):
				return errors.New("no confirmation from server")
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
