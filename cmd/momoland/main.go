// Command momoland runs the realtime reference server and the terminal
// clients that talk to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/momoland/realtime/config"
	"github.com/momoland/realtime/debug"
)

const version = "0.3.0"

type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	if err := a.command().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "momoland: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:    "momoland",
		Usage:   "momoLand realtime server and clients",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Sources: cli.EnvVars("MOMOLAND_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file to load before reading the environment",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "write logs to this file instead of stderr",
			},
		},
		Before: a.setup,
		After: func(ctx context.Context, cmd *cli.Command) error {
			debug.Sync()
			return nil
		},
		Commands: []*cli.Command{
			a.serveCommand(),
			a.chatCommand(),
			a.watchCommand(),
			a.announceCommand(),
			a.loginCommand(),
			a.logoutCommand(),
		},
	}
}

func (a *app) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
	if err != nil {
		return ctx, err
	}
	a.cfg = cfg

	logCfg := cfg.Log.Debug()
	if path := cmd.String("log-file"); path != "" {
		logCfg.OutputPaths = []string{path}
	}
	if cmd.Bool("debug") {
		debug.Enable()
	}
	logger, err := debug.New(logCfg)
	if err != nil {
		return ctx, err
	}
	a.logger = logger
	return ctx, nil
}
