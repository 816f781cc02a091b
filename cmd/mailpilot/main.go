// Package main contains the entrypoint for the mailpilot auto-reply service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailpilot/mailpilot/internal/completion"
	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/database"
	"github.com/mailpilot/mailpilot/internal/logger"
	"github.com/mailpilot/mailpilot/internal/mailbox"
	"github.com/mailpilot/mailpilot/internal/pipeline"
	"github.com/mailpilot/mailpilot/internal/smtp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop() // Ensure context cancellation is signaled before exit
	os.Exit(exitCode)
}

// run initializes all components (config, logger, store, mailbox, completion
// and SMTP clients, pipeline), handles graceful shutdown, and returns an exit
// code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		log.Error("Failed to connect to database", "driver", cfg.Database.Driver, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	if err := store.Ping(ctx); err != nil {
		log.Error("Database ping failed", "error", err)
		return 1
	}

	mbox := mailbox.NewClient(cfg.IMAP, log)
	defer mbox.Close()

	completer := completion.NewClient(cfg.Completion, log)
	sender := smtp.NewClient(cfg.SMTP, log)

	ingestor := pipeline.NewIngestor(mbox, store, log)
	processor := pipeline.NewProcessor(store, completer, cfg.Pipeline, cfg.Completion.Model, log)
	dispatcher := pipeline.NewDispatcher(store, sender, cfg.SMTP.From, cfg.Pipeline, log)
	pipe := pipeline.New(log, cfg.Pipeline, ingestor, processor, dispatcher)

	log.Info("Starting mailpilot...")
	runErr := pipe.Run(ctx) // Run blocks until context is cancelled or an error occurs
	log.Info("Pipeline finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Pipeline stopped due to error", "error", runErr)
		// Allow logs to flush before exiting on error
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Mailpilot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
