package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"convod/config"
	"convod/launch"
	"convod/mux"
	"convod/server"
	"convod/store"
)

func main() {
	app := &cli.App{
		Name:  "convod",
		Usage: "multiplexes viewer connections onto long-lived conversation processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file.",
				Value: "convod.yaml",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory for the database and uploads. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "static-dir",
				Usage: "Directory served at the HTTP root. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "command",
				Usage: "The conversation subprocess binary. Overrides the config file.",
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Usage: "How long an unwatched conversation process may live. Overrides the config file.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfgPath := ctx.String("config")
	if !filepath.IsAbs(cfgPath) {
		if wd, err := os.Getwd(); err == nil {
			if found := config.FindUp(cfgPath, wd); found != "" {
				cfgPath = found
			}
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if v := ctx.String("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v := ctx.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := ctx.String("static-dir"); v != "" {
		cfg.StaticDir = v
	}
	if v := ctx.String("command"); v != "" {
		cfg.Command = v
	}
	if v := ctx.Duration("idle-timeout"); v > 0 {
		cfg.IdleTimeout = config.Duration(v)
	}

	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	if !ctx.Bool("debug") {
		zapLogger = zapLogger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	logger := zapLogger.Named("convod").Sugar()
	defer zapLogger.Sync()

	st, err := store.Open(cfg.DatabasePath(), logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	launcher := &launch.CLILauncher{Command: cfg.Command, Log: logger.Named("launch")}
	sup := mux.New(st, launcher, cfg.IdleTimeout.Std(), logger.Named("mux"))

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go sup.RunReaper(reaperCtx, cfg.ReapInterval.Std())

	opts := []server.Option{}
	if cfg.StaticDir != "" {
		opts = append(opts, server.WithStaticDir(cfg.StaticDir))
	}
	if cfg.Password != "" {
		opts = append(opts, server.WithPassword(cfg.Password))
	}
	srv := server.New(st, sup, cfg.UploadsDir(), logger.Named("http"), opts...)

	logger.Infow("starting",
		"ListenAddr", cfg.ListenAddr,
		"Command", cfg.Command,
		"IdleTimeout", time.Duration(cfg.IdleTimeout).String())
	return srv.Run(cfg.ListenAddr)
}
