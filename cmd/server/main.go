// Package main runs the filesync intake server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/filesync/internal/config"
	"github.com/dharsanguruparan/filesync/internal/logging"
	"github.com/dharsanguruparan/filesync/internal/queue"
	"github.com/dharsanguruparan/filesync/internal/server"
	"github.com/dharsanguruparan/filesync/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	if err := cfg.ValidateSharedRoot(); err != nil {
		logger.WithError(err).Fatal("shared root unusable")
	}
	store, err := storage.NewDiskStore(cfg.SharedRoot)
	if err != nil {
		logger.WithError(err).Fatal("init storage")
	}

	var notifier queue.Notifier
	if cfg.NotificationsEnabled() {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		notifier = queue.NewAsynqNotifier(client)
	}

	srv := server.New(cfg, store, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx); err != nil {
		logger.WithError(err).Error("server stopped")
		stop()
		os.Exit(1)
	}
	logger.Info("server stopped")
}
