// Package main runs the QAWave server: the package lifecycle orchestrator,
// its HTTP API and the background advance scheduler.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/config"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

func main() {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	log := logger.NewDefault("qawave")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("assemble application")
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("application exited with error")
		os.Exit(1)
	}
}
