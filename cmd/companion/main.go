package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"companion/internal/config"
	"companion/internal/logger"
	"companion/internal/processor"
)

func main() {
	configPath := flag.String("config", os.Getenv("COMPANION_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Log.Level)

	// wait for termination signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg).Run(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("processor exited")
		stop()
		os.Exit(1)
	}
	logger.Logger.Info().Msg("exited")
}
