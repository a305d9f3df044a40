package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"

	"github.com/momoland/realtime/socket"
)

func (a *app) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the realtime reference server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (default from config, or MOMOLAND_ADDR)",
			},
			&cli.BoolFlag{
				Name:  "ngrok",
				Usage: "also serve through an ngrok tunnel (needs NGROK_AUTHTOKEN)",
			},
			&cli.StringFlag{
				Name:  "ngrok-domain",
				Usage: "reserved ngrok domain",
			},
		},
		Action: a.serve,
	}
}

func (a *app) serve(ctx context.Context, cmd *cli.Command) error {
	cfg := a.cfg.Server
	if addr := cmd.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if cmd.Bool("ngrok") {
		cfg.Ngrok.Enabled = true
	}
	if domain := cmd.String("ngrok-domain"); domain != "" {
		cfg.Ngrok.Domain = domain
	}

	logger := a.logger.Named("serve")
	if cfg.AuthURL == "" && len(cfg.Users) == 0 {
		logger.Warn("no users configured, every token will be rejected")
	}

	srv := socket.NewServer(cfg.Verifier(nil), cfg.Options(a.logger.Named("server"))...)
	srv.HandleFunc(socket.Event("ping"), func(s socket.Socket, data json.RawMessage) {
		s.Send(socket.Event("pong"), data)
	})

	router := srv.Router()
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Addr)
	}
	logger.Info("listening", zap.String("addr", ln.Addr().String()))

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "http server")
		}
	}()

	var tunnelServer *http.Server
	if cfg.Ngrok.Enabled {
		tun, err := a.startTunnel(ctx, cfg.Ngrok.AuthToken, cfg.Ngrok.Domain)
		if err != nil {
			logger.Error("ngrok tunnel not started", zap.Error(err))
		} else {
			tunnelServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := tunnelServer.Serve(tun); err != nil && err != http.ErrServerClosed {
					logger.Warn("ngrok server stopped", zap.Error(err))
				}
			}()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = multierr.Combine(
		runErr,
		srv.Shutdown(shutdownCtx),
		httpServer.Shutdown(shutdownCtx),
	)
	if tunnelServer != nil {
		err = multierr.Append(err, tunnelServer.Shutdown(shutdownCtx))
	}
	wg.Wait()
	return err
}

func (a *app) startTunnel(ctx context.Context, authToken, domain string) (ngrok.Tunnel, error) {
	if authToken == "" {
		return nil, errors.New("ngrok enabled but NGROK_AUTHTOKEN is not set")
	}

	endpoint := ngrokconfig.HTTPEndpoint()
	if domain != "" {
		endpoint = ngrokconfig.HTTPEndpoint(ngrokconfig.WithDomain(domain))
	}

	tun, err := ngrok.Listen(ctx, endpoint, ngrok.WithAuthtoken(authToken))
	if err != nil {
		return nil, errors.Wrap(err, "start ngrok tunnel")
	}
	a.logger.Info("ngrok tunnel established",
		zap.String("url", tun.URL()),
		zap.String("socket", tun.URL()+"/socket"))
	return tun, nil
}
