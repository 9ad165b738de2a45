// Command harvester runs the scrape engine: an HTTP API that accepts
// recipe-driven extraction jobs, executes them under bounded
// concurrency, and serves the generated CSV artifacts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeworks/harvester/internal/api"
	systemclock "github.com/scrapeworks/harvester/internal/clock/system"
	"github.com/scrapeworks/harvester/internal/config"
	collyfetch "github.com/scrapeworks/harvester/internal/fetch/colly"
	"github.com/scrapeworks/harvester/internal/fetch/headless"
	uuidgen "github.com/scrapeworks/harvester/internal/id/uuid"
	"github.com/scrapeworks/harvester/internal/logging"
	"github.com/scrapeworks/harvester/internal/metrics"
	"github.com/scrapeworks/harvester/internal/orchestrator"
	"github.com/scrapeworks/harvester/internal/recipe"
	"github.com/scrapeworks/harvester/internal/scheduler"
	"github.com/scrapeworks/harvester/internal/scrape"
	"github.com/scrapeworks/harvester/internal/storage"
	memorystore "github.com/scrapeworks/harvester/internal/storage/memory"
	sqlitestore "github.com/scrapeworks/harvester/internal/storage/sqlite"
	"github.com/scrapeworks/harvester/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars also apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := recipe.NewRegistry(logging.ForComponent(logger, "recipes"))
	if err := registry.LoadDir(cfg.Recipes.Dir); err != nil {
		return fmt.Errorf("load recipes: %w", err)
	}
	logger.Info("recipes loaded",
		zap.String("dir", cfg.Recipes.Dir), zap.Strings("names", registry.Names()))

	httpFetcher := collyfetch.New(collyfetch.Config{
		UserAgent: cfg.Scraper.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	var browserFetcher scrape.Fetcher
	if cfg.Headless.Enabled {
		hf, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Scraper.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		defer hf.Close()
		browserFetcher = hf
	}

	clock := systemclock.New()
	sched := scheduler.New(httpFetcher, browserFetcher, clock, logging.ForComponent(logger, "scheduler"), scheduler.Config{
		UserAgent:          cfg.Scraper.UserAgent,
		FetchTimeout:       cfg.FetchTimeout(),
		MaxDelay:           time.Duration(cfg.Scraper.MaxDelayMs) * time.Millisecond,
		MaxProductsDefault: cfg.Scraper.MaxProductsDefault,
		MaxPagesDefault:    cfg.Scraper.MaxPagesDefault,
		JobBudget:          cfg.JobBudget(),
		SkipFailThreshold:  cfg.Scraper.SkipFailThreshold,
	})

	orch, err := orchestrator.New(ctx, registry, sched, store, clock, uuidgen.NewUUIDGenerator(), logging.ForComponent(logger, "orchestrator"))
	if err != nil {
		return err
	}

	tracker := telemetry.New(orch, clock, telemetry.Config{
		SlowProductSeconds: cfg.Telemetry.SlowProductSeconds,
		MaxActiveJobs:      cfg.Telemetry.MaxActiveJobs,
	})
	orch.SetCompletionObserver(tracker)

	apiOpts := api.Options{}
	if cfg.Auth.Enabled {
		apiOpts.APIKey = cfg.Auth.APIKey
	}
	server := api.NewServer(orch, registry, store, tracker, clock, logging.ForComponent(logger, "api"), apiOpts)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")
	grace := time.Duration(cfg.Server.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn("jobs did not drain before deadline", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func openStorage(cfg config.Config) (storage.Provider, error) {
	switch cfg.Storage.Provider {
	case "sqlite":
		return sqlitestore.Open(cfg.Storage.SQLitePath)
	case "memory":
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}
