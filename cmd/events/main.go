// Command events consumes the token.events queue and appends one line per
// token lifecycle event to a log file.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/iliyamo/genchat/internal/config"
	"github.com/iliyamo/genchat/internal/logger"
	"github.com/iliyamo/genchat/internal/queue"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadEventsConfig()

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		slog.Error("logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	log.Info("consuming token events", "queue", queue.TokenQueueName, "file", cfg.LogPath)
	err = queue.NewConsumer(cfg.AMQPURL, cfg.LogPath, log).Run(ctx)
	stop()
	closer.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}
