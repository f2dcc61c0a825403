package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lila/deviceconnect/internal/api"
	"github.com/lila/deviceconnect/internal/auth"
	"github.com/lila/deviceconnect/internal/config"
	"github.com/lila/deviceconnect/internal/credstore"
	"github.com/lila/deviceconnect/internal/dexcom"
	"github.com/lila/deviceconnect/internal/ingest"
	"github.com/lila/deviceconnect/internal/logging"
	"github.com/lila/deviceconnect/internal/redis"
	"github.com/lila/deviceconnect/internal/storage"
	"github.com/lila/deviceconnect/internal/warehouse"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "deviceconnect", "http_addr", cfg.HTTPAddr)

	// a rename collision in the endpoint table is a programming error;
	// refuse to start rather than produce a broken schema at run time
	if err := dexcom.ValidateAll(); err != nil {
		logger.Error("endpoint_spec_invalid", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// warehouse (postgres)
	dbConn, err := warehouse.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// credential store (redis)
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	creds := credstore.New(redisClient)
	tokens := auth.NewProvider(logger, creds, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.APIBase)
	client := dexcom.NewClient(logger, cfg.APIBase)
	loader := warehouse.NewLoader(logger, dbConn, cfg.Dataset, cfg.ProjectID, cfg.Dedupe)

	runner := ingest.NewRunner(logger, creds, tokens, client, loader, cfg.Workers, cfg.RatePerSec)

	if cfg.ArchiveBucket != "" {
		archive, err := storage.NewArchive(ctx, storage.ArchiveConfig{
			Endpoint: cfg.ArchiveEndpoint,
			Region:   cfg.ArchiveRegion,
			Bucket:   cfg.ArchiveBucket,
		})
		if err != nil {
			logger.Error("archive_init_failed", "error", err)
			os.Exit(1)
		}
		runner.WithArchive(archive)
		logger.Info("raw_archive_enabled", "bucket", cfg.ArchiveBucket)
	}

	srv := api.NewServer(logger, runner, creds, tokens)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("service_ready",
		"addr", cfg.HTTPAddr,
		"dataset", cfg.Dataset,
		"workers", cfg.Workers,
		"dedupe", cfg.Dedupe,
	)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	// cancel in-flight ingestion runs; unprocessed users are skipped
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("service_stopped")
}
