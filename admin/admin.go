// Package admin sends site-wide announcements on behalf of the locally
// logged-in admin.
package admin

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/momoland/realtime/auth"
	"github.com/momoland/realtime/debug"
	"github.com/momoland/realtime/socket"
)

var (
	ErrForbidden    = errors.New("admin role required")
	ErrInvalidKind  = errors.New("invalid announcement kind")
	ErrEmptyMessage = errors.New("announcement message is empty")
)

// SessionStore is where the cached login lives; *auth.FileStore satisfies it.
type SessionStore interface {
	Load() (*auth.Session, error)
}

// Sender is the part of *socket.Manager the announcer needs.
type Sender interface {
	SendAnnouncement(kind socket.AnnouncementType, message string) error
}

type Option func(*Announcer)

func WithLogger(l *zap.Logger) Option {
	return func(a *Announcer) {
		if l != nil {
			a.logger = l
		}
	}
}

type Announcer struct {
	store    SessionStore
	verifier auth.Verifier
	sender   Sender
	logger   *zap.Logger
}

func NewAnnouncer(store SessionStore, verifier auth.Verifier, sender Sender, opts ...Option) *Announcer {
	a := &Announcer{
		store:    store,
		verifier: verifier,
		sender:   sender,
		logger:   debug.Logger().Named("admin"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize loads the cached session and checks with the verifier that its
// token still belongs to an admin. The stored role is never trusted.
func (a *Announcer) Authorize(ctx context.Context) (*auth.Session, *auth.User, error) {
	session, err := a.store.Load()
	if err != nil {
		return nil, nil, err
	}

	user, err := a.verifier.Verify(ctx, session.Token)
	if err != nil {
		return nil, nil, errors.Wrap(err, "verify session")
	}
	if !user.IsAdmin() {
		a.logger.Warn("announcement refused", zap.String("user", user.Username), zap.String("role", string(user.Role)))
		return nil, nil, errors.Wrapf(ErrForbidden, "user %s has role %s", user.Username, user.Role)
	}
	return session, user, nil
}

// Announce authorizes the local session, validates kind and message and hands
// the announcement to the connection.
func (a *Announcer) Announce(ctx context.Context, kind socket.AnnouncementType, message string) error {
	_, user, err := a.Authorize(ctx)
	if err != nil {
		return err
	}

	if !kind.Valid() {
		return errors.Wrapf(ErrInvalidKind, "%q", kind)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}

	if err := a.sender.SendAnnouncement(kind, message); err != nil {
		return errors.Wrap(err, "send announcement")
	}
	a.logger.Info("announcement sent", zap.String("user", user.Username), zap.String("type", string(kind)))
	return nil
}
