package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"upscale-worker/internal/claim"
	"upscale-worker/internal/config"
	"upscale-worker/internal/notify"
	"upscale-worker/internal/publish"
	"upscale-worker/internal/store"
	"upscale-worker/internal/telemetry"
	"upscale-worker/internal/upscale"
	"upscale-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	// Signals stop the loop at its next wait. A claimed job is always finished.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		log.Fatalf("migrations: %v", err)
	}

	processor, err := newProcessor(cfg)
	if err != nil {
		st.Close()
		log.Fatalf("init processor: %v", err)
	}
	uploader, err := publish.NewUploader(ctx, cfg)
	if err != nil {
		st.Close()
		log.Fatalf("init storage: %v", err)
	}

	host := cfg.Identity()
	notifier := notify.New(cfg.AdminURL, &http.Client{Timeout: cfg.NotifyTimeout}, notify.NewCallbackClient(cfg.NotifyTimeout), logger)
	loop := worker.New(cfg, host, worker.Deps{
		Claimer:   claim.New(st, claim.Config{Lease: cfg.LeaseDuration, Retries: cfg.ClaimRetries}, logger),
		Store:     st,
		Inputs:    worker.NewFetcher(cfg.InputDir, cfg.ViewURLTemplate, cfg.DownloadTimeout, cfg.DownloadMaxSize),
		Processor: processor,
		Publisher: publish.New(uploader, notifier, cfg.ViewURLTemplate, logger),
		Notifier:  notifier,
	}, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	err = loop.Run(ctx)
	st.Close()

	var exitErr *worker.ExitError
	switch {
	case errors.As(err, &exitErr):
		logger.Info("worker exiting", "code", exitErr.Code, "reason", exitErr.Reason, "err", exitErr.Err)
		os.Exit(exitErr.Code)
	case errors.Is(err, context.Canceled):
		logger.Info("worker stopped by signal")
	case err != nil:
		logger.Error("worker stopped", "err", err)
		os.Exit(worker.ExitFailure)
	}
}

func newProcessor(cfg config.Config) (worker.Processor, error) {
	switch cfg.Processor {
	case "", "imaging":
		return upscale.NewImaging(cfg.UpscaleFactor, cfg.MaxOutputPixels), nil
	case "command":
		cmd, err := upscale.NewCommand(cfg.ModelCommand, cfg.UpscaleFactor)
		if err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, errors.New("unknown processor " + cfg.Processor)
	}
}
