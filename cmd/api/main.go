// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipewatch/runfeed/internal/config"
	"github.com/pipewatch/runfeed/internal/engine"
	"github.com/pipewatch/runfeed/internal/logging"
	"github.com/pipewatch/runfeed/internal/persistence/postgres"
	"github.com/pipewatch/runfeed/internal/query"
	"github.com/pipewatch/runfeed/internal/repository"
	httptransport "github.com/pipewatch/runfeed/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	eventLog := repository.NewEventLogRepository(pool, logger)
	states := repository.NewStateRepository(pool, logger)

	eng := engine.New(engine.Deps{
		Batch:     eventLog,
		States:    states,
		Retention: eventLog,
		Logger:    logger,

		BatchFlushInterval: cfg.BatchFlushInterval,
		BatchMaxSize:       cfg.BatchMaxSize,
		BufferTTL:          cfg.BufferTTL,
		BufferMaxEvents:    cfg.BufferMaxEvents,
		GCInterval:         cfg.GCInterval,
		RetentionInterval:  cfg.RetentionInterval,
		RetentionDays:      cfg.RetentionDays,
		PayloadMaxBytes:    cfg.PayloadMaxBytes,
		ToolOutputMaxBytes: cfg.ToolOutputMaxBytes,
	})
	eng.Start(ctx)

	facade := query.NewFacade(eng.Buffer(), eventLog, logger)

	handler := httptransport.NewRouter(httptransport.Deps{
		Emitter:     eng,
		Buffer:      eng,
		Feed:        eng,
		States:      eng,
		Maintenance: eng,
		Facade:      facade,
		Logger:      logger,
		AdminToken:  cfg.AdminToken,
		Version:     Version,
		Commit:      Commit,
		BuildDate:   BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Drain the batch queue after the listener stops accepting events.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}
}
