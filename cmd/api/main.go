package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/careatlas/bulk-intake/internal/config"
	"github.com/careatlas/bulk-intake/internal/handler"
	infraredis "github.com/careatlas/bulk-intake/internal/infra/redis"
	"github.com/careatlas/bulk-intake/internal/observability"
	"github.com/careatlas/bulk-intake/internal/service"
	"github.com/careatlas/bulk-intake/internal/store"
	"github.com/careatlas/bulk-intake/internal/transport"
	"github.com/careatlas/bulk-intake/internal/upstream"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	batchStore, err := store.NewRedisBatchStore(rdb)
	if err != nil {
		logger.Fatal("batch store initialization failed", zap.Error(err))
	}

	apiClient, err := upstream.NewClient(cfg.HospitalAPIBaseURL, cfg.HospitalAPITimeout())
	if err != nil {
		logger.Fatal("hospital api client initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	processor, err := service.NewBatchProcessor(batchStore, apiClient, cfg.ChunkConcurrency, logger)
	if err != nil {
		logger.Fatal("batch processor initialization failed", zap.Error(err))
	}
	processor.SetMetrics(metrics)
	if cfg.RateLimitPerSec > 0 {
		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
		processor.SetRateLimiter(limiter)
	}

	bulkService, err := service.NewBulkService(batchStore, processor, cfg.MaxBatchRows, logger)
	if err != nil {
		logger.Fatal("bulk service initialization failed", zap.Error(err))
	}

	reconciler, err := service.NewRetryReconciler(batchStore, apiClient, processor, logger)
	if err != nil {
		logger.Fatal("retry reconciler initialization failed", zap.Error(err))
	}
	reconciler.SetMetrics(metrics)

	notifier, err := service.NewStatusNotifier(batchStore, cfg.StatusPollInterval(), logger)
	if err != nil {
		logger.Fatal("status notifier initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, batchStore)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api")
	if err := handler.RegisterBulkRoutes(api, bulkService, reconciler, notifier, logger); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		if err := app.Shutdown(); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("bulk-intake api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
