package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/momoland/realtime/auth"
)

var tokenFlag = &cli.StringFlag{
	Name:  "token",
	Usage: "bearer token (default: MOMOLAND_TOKEN, config, then the saved login)",
}

// token picks --token, then the configured token, then the saved session.
func (a *app) token(cmd *cli.Command) (string, error) {
	if t := cmd.String("token"); t != "" {
		return t, nil
	}
	if a.cfg.Client.Token != "" {
		return a.cfg.Client.Token, nil
	}
	session, err := a.cfg.Client.Store().Load()
	if errors.Is(err, auth.ErrNoSession) {
		return "", errors.New("not logged in: run `momoland login --token <token>` or set MOMOLAND_TOKEN")
	}
	if err != nil {
		return "", err
	}
	return session.Token, nil
}

func (a *app) loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "verify a token and remember it for later commands",
		Flags: []cli.Flag{tokenFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			token := cmd.String("token")
			if token == "" {
				token = a.cfg.Client.Token
			}
			if token == "" {
				return errors.New("--token is required")
			}

			verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			user, err := a.cfg.Client.Verifier(nil).Verify(verifyCtx, token)
			if err != nil {
				return errors.Wrap(err, "login")
			}

			store := a.cfg.Client.Store()
			if err := store.Save(&auth.Session{Token: token, User: *user}); err != nil {
				return err
			}
			a.logger.Info("session saved", zap.String("user", user.Username), zap.String("path", store.Path()))
			fmt.Printf("logged in as %s (%s)\n", user.Username, user.Role)
			return nil
		},
	}
}

func (a *app) logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "forget the saved login",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := a.cfg.Client.Store().Clear(); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}
