package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
	"github.com/lrhodin/bluebridge/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyClient
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getClient(ctx *cli.Context) *blueapi.Client {
	return ctx.Context.Value(contextKeyClient).(*blueapi.Client)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "bluebridge", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	if !cfg.DebugLogging {
		log = log.Level(zerolog.InfoLevel)
	}
	client := &blueapi.Client{
		BaseURL:    cfg.Server.Address,
		Password:   cfg.Server.Password,
		GUIDAuth:   cfg.Server.GUIDAuth,
		DeviceName: cfg.Server.DeviceName,
		Log:        log.With().Str("component", "blueapi").Logger(),
	}

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyClient, client)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "bluebridge",
		Usage:   "Sync conversations from a BlueBubbles-style iMessage server",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
		},
		Commands: []*cli.Command{
			infoCommand,
			chatsCommand,
			tailCommand,
			sendCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
