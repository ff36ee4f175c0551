// SPDX-License-Identifier: Apache-2.0

// runfeed-cli reads the durable event log directly: export a run's records
// as JSON or CSV, or trigger one retention sweep.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pipewatch/runfeed/internal/config"
	"github.com/pipewatch/runfeed/internal/engine"
	"github.com/pipewatch/runfeed/internal/logging"
	"github.com/pipewatch/runfeed/internal/persistence/postgres"
	"github.com/pipewatch/runfeed/internal/query"
	"github.com/pipewatch/runfeed/internal/repository"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	eventLog := repository.NewEventLogRepository(pool, logger)

	switch os.Args[1] {
	case "export":
		if err := runExport(ctx, eventLog, os.Args[2:]); err != nil {
			logger.Error("export failed", "error", err)
			os.Exit(1)
		}
	case "sweep":
		sweeper := engine.NewRetentionSweeper(eventLog, logger, cfg.RetentionInterval, cfg.RetentionDays)
		deleted, err := sweeper.SweepOnce(ctx)
		if err != nil {
			logger.Error("retention sweep failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("deleted %d records\n", deleted)
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func runExport(ctx context.Context, eventLog *repository.EventLogRepository, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	runID := fs.String("run", "", "run id to export")
	format := fs.String("format", "json", "output format: json or csv")
	limit := fs.Int("limit", 1000, "maximum records to export")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("missing -run flag")
	}

	records, err := eventLog.ListAfterID(ctx, *runID, 0, *limit)
	if err != nil {
		return err
	}
	entries := query.EntriesFromRecords(records)

	switch *format {
	case "csv":
		return query.WriteCSV(os.Stdout, entries)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	default:
		return fmt.Errorf("unsupported format %q", *format)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: runfeed-cli <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  export -run <id> [-format json|csv] [-limit n]   export a run's durable log")
	fmt.Fprintln(w, "  sweep                                            run one retention sweep")
}
