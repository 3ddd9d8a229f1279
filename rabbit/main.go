// Command rabbit runs a stand-alone WAMP router.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/53js/rabbit"
	"github.com/53js/rabbit/internal/config"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	logger := zerolog.New(output).With().Timestamp().Str("app", "rabbit").Logger()

	cmd := &cli.Command{
		Name:  "rabbit",
		Usage: "WAMP v2 router",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8000, Usage: "port to run on"},
			&cli.StringFlag{Name: "path", Value: "/", Usage: "websocket endpoint path"},
			&cli.StringSliceFlag{Name: "realm", Usage: "realm to create at startup (repeatable)"},
			&cli.BoolFlag{Name: "no-auto-create", Usage: "refuse HELLO for unknown realms"},
			&cli.StringFlag{Name: "raw-socket", Usage: "TCP address for WAMP raw socket peers"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, cmd, logger)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Fatal().Err(err).Msg("router failed")
	}
}

func run(ctx context.Context, cmd *cli.Command, logger zerolog.Logger) error {
	file, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("port") || file.Port == 0 {
		file.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("path") {
		file.Path = cmd.String("path")
	}
	if cmd.IsSet("realm") {
		file.Realms = append(file.Realms, cmd.StringSlice("realm")...)
	}
	if cmd.Bool("no-auto-create") {
		file.AutoCreateRealms = false
	}
	if cmd.IsSet("raw-socket") {
		file.RawSocketAddr = cmd.String("raw-socket")
	}
	if err := file.Validate(); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if file.Log != "" {
		level, _ = zerolog.ParseLevel(file.Log)
	}
	if cmd.Bool("debug") {
		level = zerolog.DebugLevel
	}
	rabbit.SetLogger(logger.Level(level))
	// keep the logger installed above
	file.Log = ""

	router, err := rabbit.NewRouter(file.RouterConfig())
	if err != nil {
		return err
	}
	logger.Info().Int("port", file.Port).Str("path", file.Path).Msg("rabbit router starting")

	<-ctx.Done()
	logger.Info().Msg("shutting down router...")
	return router.Close()
}
