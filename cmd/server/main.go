// Command server runs the single-binary TableDrop UI: upload a PDF, pick a
// page, view the extracted table and download it as CSV or Excel.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/TableDrop/internal/config"
	"github.com/dharsanguruparan/TableDrop/internal/extract"
	"github.com/dharsanguruparan/TableDrop/internal/logging"
	"github.com/dharsanguruparan/TableDrop/internal/processing"
	"github.com/dharsanguruparan/TableDrop/internal/server"
	"github.com/dharsanguruparan/TableDrop/internal/signing"
	"github.com/dharsanguruparan/TableDrop/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store := storage.NewMemoryStore()
	aggregator := extract.New(extract.NewPDFOpener(), logger)
	processor := processing.New(store, aggregator, cfg.ProcessingPool, cfg.ExtractTimeout, logger)
	signer := signing.NewSigner(cfg.SigningSecret)
	srv, err := server.New(cfg, store, processor, signer, logger, "")
	if err != nil {
		logger.WithError(err).Fatal("init server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}
