// SPDX-License-Identifier: Apache-2.0

// Standalone retention sweeper, for deployments that keep the API node
// read-hot and run maintenance elsewhere.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pipewatch/runfeed/internal/config"
	"github.com/pipewatch/runfeed/internal/engine"
	"github.com/pipewatch/runfeed/internal/logging"
	"github.com/pipewatch/runfeed/internal/persistence/postgres"
	"github.com/pipewatch/runfeed/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	eventLog := repository.NewEventLogRepository(pool, logger)
	sweeper := engine.NewRetentionSweeper(eventLog, logger, cfg.RetentionInterval, cfg.RetentionDays)

	logger.Info("retention sweeper started",
		"interval", cfg.RetentionInterval,
		"retention_days", cfg.RetentionDays,
	)

	sweeper.Start(ctx)
	<-ctx.Done()
	sweeper.Stop()

	logger.Info("retention sweeper stopped")
}
