package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/TableDrop/internal/api"
	"github.com/dharsanguruparan/TableDrop/internal/config"
	"github.com/dharsanguruparan/TableDrop/internal/database"
	"github.com/dharsanguruparan/TableDrop/internal/logging"
	"github.com/dharsanguruparan/TableDrop/internal/repository"
	"github.com/dharsanguruparan/TableDrop/internal/s3storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.WithError(err).Fatal("ensure schema")
	}

	store, err := s3storage.New(cfg)
	if err != nil {
		logger.WithError(err).Fatal("init storage")
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		logger.WithError(err).Fatal("ensure buckets")
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	srv := api.New(cfg, repository.NewDocumentRepository(pool), store, client, logger.WithField("component", "api"))
	if err := srv.Run(ctx); err != nil {
		logger.WithError(err).Fatal("api stopped")
	}
}
