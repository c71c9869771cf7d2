package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/filesync/internal/config"
	"github.com/dharsanguruparan/filesync/internal/database"
	"github.com/dharsanguruparan/filesync/internal/logging"
	"github.com/dharsanguruparan/filesync/internal/repository"
	"github.com/dharsanguruparan/filesync/internal/s3storage"
	"github.com/dharsanguruparan/filesync/internal/storage"
	"github.com/dharsanguruparan/filesync/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	if !cfg.NotificationsEnabled() {
		logger.Fatal("FILESYNC_REDIS_ADDR is required for the worker")
	}
	store, err := storage.NewDiskStore(cfg.SharedRoot)
	if err != nil {
		logger.WithError(err).Fatal("init storage")
	}

	var ledger worker.Ledger
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL, int32(cfg.WorkerCount)+1)
		if err != nil {
			logger.WithError(err).Fatal("connect database")
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.WithError(err).Fatal("ensure schema")
		}
		ledger = repository.NewSyncEventRepository(pool)
	}

	var archiver worker.Archiver
	if cfg.ArchiveEnabled() {
		objects, err := s3storage.New(cfg)
		if err != nil {
			logger.WithError(err).Fatal("init object storage")
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.WithError(err).Fatal("ensure bucket")
		}
		archiver = objects
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.WorkerCount,
		Logger:      logger,
	})
	processor := worker.NewProcessor(store, ledger, archiver, logger)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"concurrency": cfg.WorkerCount,
		"ledger":      ledger != nil,
		"archive":     archiver != nil,
	}).Info("worker started")
	if err := srv.Run(processor.Handler()); err != nil {
		logger.WithError(err).Error("worker stopped")
		stop()
		os.Exit(1)
	}
}
