package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/crop-pest-detector/internal/adapter/httpadapter"
	"github.com/couchcryptid/crop-pest-detector/internal/adapter/imagery"
	kafkaadapter "github.com/couchcryptid/crop-pest-detector/internal/adapter/kafka"
	"github.com/couchcryptid/crop-pest-detector/internal/adapter/raster"
	"github.com/couchcryptid/crop-pest-detector/internal/adapter/sqlite"
	"github.com/couchcryptid/crop-pest-detector/internal/config"
	"github.com/couchcryptid/crop-pest-detector/internal/domain"
	"github.com/couchcryptid/crop-pest-detector/internal/observability"
	"github.com/couchcryptid/crop-pest-detector/internal/pipeline"
)

func main() {
	// A .env file is optional; the process environment wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	backend, err := newBackend(cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to initialize imagery backend", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *sqlite.Store
	if cfg.DatabasePath != "" {
		store, err = sqlite.Open(ctx, cfg.DatabasePath, logger)
		if err != nil {
			logger.Error("failed to open detection history", "error", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	transformer := pipeline.NewDetectionTransformer(
		domain.NewDetector(backend, logger), cfg.Defaults, logger, metrics)

	opts := httpadapter.Options{
		Addr:           cfg.HTTPAddr,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		DetectTimeout:  cfg.DetectTimeout,
		Evaluator:      transformer,
	}
	var checks []sharedobs.ReadinessChecker
	if store != nil {
		opts.History = store
		checks = append(checks, store)
	}

	var (
		reader *kafkaadapter.Reader
		writer *kafkaadapter.Writer
		p      *pipeline.Pipeline
	)
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		writer = kafkaadapter.NewWriter(cfg, logger)

		var sinks []pipeline.BatchLoader
		sinks = append(sinks, writer)
		if store != nil {
			sinks = append(sinks, store)
		}
		p = pipeline.New(reader, transformer, pipeline.NewFanoutLoader(sinks...), logger, metrics, cfg.BatchSize)
		checks = append(checks, p)
	} else {
		logger.Info("kafka disabled, serving synchronous detections only")
	}
	opts.Ready = httpadapter.AllReady(checks...)

	srv := httpadapter.NewServer(opts, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	// Start detection pipeline.
	if p != nil {
		go func() {
			if err := p.Run(ctx); err != nil {
				logger.Error("pipeline error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// newBackend selects the imagery backend. The gateway client is optionally
// fronted by the composite cache.
func newBackend(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (domain.ImageryBackend, error) {
	switch cfg.ImageryBackend {
	case config.BackendRaster:
		logger.Info("using raster imagery backend", "fixture", cfg.ImageryFixture)
		return raster.Open(cfg.ImageryFixture, logger)
	default:
		client := imagery.NewClient(cfg.ImageryURL, cfg.ImageryToken, cfg.ImageryTimeout, metrics, logger)
		logger.Info("using imagery gateway", "url", cfg.ImageryURL, "timeout", cfg.ImageryTimeout)
		if cfg.ImageryCacheSize == 0 {
			return client, nil
		}
		logger.Info("composite cache enabled", "size", cfg.ImageryCacheSize)
		return imagery.NewCachedBackend(client, cfg.ImageryCacheSize, metrics)
	}
}
