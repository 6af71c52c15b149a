package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/stock-prober/internal/app"
	"github.com/maltedev/stock-prober/internal/config"
	"github.com/maltedev/stock-prober/internal/logging"
	"github.com/maltedev/stock-prober/internal/runner"
	"github.com/maltedev/stock-prober/internal/session"
	"github.com/maltedev/stock-prober/internal/storage"
)

// Exit codes.
const (
	exitOK = iota
	exitRunFailed
	exitConfig
	exitSession
	exitHistory
)

func main() {
	var (
		envFile = flag.String("env", ".env", "Optional dotenv file with settings")
		resume  = flag.Bool("resume", false, "Resume catalog pages from stored checkpoints")
	)
	flag.Parse()

	os.Exit(run(*envFile, *resume))
}

func run(envFile string, resume bool) int {
	cfg, err := config.Load(envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if resume {
		cfg.Run.Resume = true
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return exitCode(err)
	}
	defer a.Close()

	report, err := a.Runner.Run(ctx)
	if err != nil {
		logger.Error("run failed", "error", err)
		return exitCode(err)
	}

	logger.Info("run complete",
		"run_id", report.RunID,
		"entries", report.Entries,
		"failed", report.Failed,
		"truncated", report.Truncated,
		"record", cfg.Output.RecordPath,
		"feed", cfg.Output.FeedPath,
	)
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case config.IsConfigurationError(err):
		return exitConfig
	case errors.Is(err, storage.ErrNotExist):
		return exitHistory
	case errors.Is(err, runner.ErrAllPagesFailed):
		return exitRunFailed
	case session.IsSessionError(err):
		return exitSession
	default:
		return exitRunFailed
	}
}
