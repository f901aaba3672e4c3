package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:   "seqgen",
		Usage:  "Beam search and sampling over autoregressive model backends",
		Flags:  loggingFlags(),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			generateCmd(),
			serveCmd(),
			devicesCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyLoggingConfig(cmd, LoadConfig())
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, err
	}
	log, err := logger.Open(os.Stderr, format, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// loadModelConfig reads --model and applies the backend, device and
// precision overrides.
func loadModelConfig(cmd *cli.Command) (model.Config, error) {
	applyModelConfig(cmd, LoadConfig())
	if modelPath == "" {
		return model.Config{}, fmt.Errorf("--model is required")
	}
	cfg, err := model.Load(modelPath)
	if err != nil {
		return model.Config{}, err
	}
	if backendName != "" {
		cfg.Backend = backendName
	}
	if deviceName != "" {
		cfg.Device = deviceName
	}
	if precision != "" {
		cfg.OutputPrecision = precision
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}
