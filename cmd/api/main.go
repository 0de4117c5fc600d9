package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackroad/repoplane/internal/api"
	"github.com/blackroad/repoplane/internal/api/middleware"
	"github.com/blackroad/repoplane/internal/config"
	"github.com/blackroad/repoplane/internal/coordinator"
	"github.com/blackroad/repoplane/internal/cron"
	"github.com/blackroad/repoplane/internal/healer"
	"github.com/blackroad/repoplane/internal/ids"
	"github.com/blackroad/repoplane/internal/kv"
	"github.com/blackroad/repoplane/internal/logger"
	"github.com/blackroad/repoplane/internal/processor"
	"github.com/blackroad/repoplane/internal/queue"
	"github.com/blackroad/repoplane/internal/report"
	"github.com/blackroad/repoplane/internal/scraper"
	"github.com/blackroad/repoplane/internal/storage"
	"github.com/blackroad/repoplane/internal/syncengine"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLog := logger.NewDefault()
	logger.SetDefaultLogger(appLog)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := ids.SystemClock{}

	// Initialize the key-value store
	kvCfg := kv.DefaultConfig(cfg.KV.Path)
	if cfg.KV.InMemory {
		kvCfg = kv.InMemoryConfig()
	}
	store, err := kv.Open(kvCfg)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to open kv store")
	}
	defer store.Close()

	// Initialize the queue database
	db, err := queue.InitDB(&cfg.Database)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize queue database")
	}
	queues := queue.New(db, clock)

	// Initialize the code-host scraper
	ghClient := scraper.New(scraper.Config{
		Org:     cfg.Scraper.Org,
		Token:   cfg.Scraper.Token,
		BaseURL: cfg.Scraper.BaseURL,
	}, clock)

	// Initialize components
	coord, err := coordinator.New(store, queues, clock, cfg.Jobs.MaxRetries, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize coordinator")
	}
	engine, err := syncengine.New(store, queues, clock, cfg.Sync.KnownRepos, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize sync engine")
	}
	selfHealer, err := healer.New(store, queues, clock, healer.Options{
		Enabled:  cfg.Healing.Enabled,
		Switcher: ghClient,
	}, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize healer")
	}

	// Optional report archive
	var archive storage.ObjectStorage
	if cfg.Storage.Enabled {
		s3Store, err := storage.NewS3Storage(&storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
		})
		if err != nil {
			appLog.WithError(err).Fatal("Failed to initialize report archive")
		}
		if err := s3Store.EnsureBucket(ctx); err != nil {
			appLog.WithError(err).Fatal("Failed to ensure report bucket")
		}
		archive = s3Store
	}
	reports := report.New(coord, engine, selfHealer, store, archive, clock, appLog)

	// Start the queue processors and the cron triggers
	proc := processor.New(queues, coord, engine, selfHealer, ghClient, store, clock, cfg.Worker.BatchSize, appLog)
	go proc.Run(ctx, cfg.Worker.PollInterval)

	scheduler := cron.New(coord, engine, selfHealer, reports, queues, clock, cfg.Scraper.IntervalMinutes, appLog)
	go scheduler.Run(ctx)

	// Start the HTTP server
	router := api.SetupRouter(coord, engine, selfHealer, appLog, cfg.Server.Mode, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLog.Infof("Listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	appLog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("Server shutdown failed")
	}
}
