package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tendant/pet-image-sync/internal/app"
	"github.com/tendant/pet-image-sync/internal/config"
	"github.com/tendant/pet-image-sync/internal/dispatch"
	"github.com/tendant/pet-image-sync/internal/handlers"
	"github.com/tendant/pet-image-sync/internal/logging"
)

// The worker consumes dispatched capture batches. With asynq or kafka it
// runs a consumer; with dbos it hosts the durable queue and, when
// dbos.serve_batches is set, dequeues batches too.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "console", nil).Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	if cfg.Dispatch.Mode == "dbos" && cfg.DBOS.ServeBatches {
		if err := a.ServeDBOSBatches(); err != nil {
			logger.Fatal().Err(err).Msg("failed to register dbos batch workflow")
		}
	}
	if err := a.Launch(); err != nil {
		logger.Fatal().Err(err).Msg("failed to launch")
	}

	var stopConsumer func()
	switch cfg.Dispatch.Mode {
	case "asynq":
		srv := asynq.NewServer(app.RedisOpt(cfg.Dispatch.Redis), asynq.Config{
			Concurrency: cfg.Pipeline.Concurrency,
			Queues:      map[string]int{cfg.Dispatch.Redis.Queue: 1},
		})
		mux := dispatch.NewAsynqServeMux(dispatch.NewAsynqHandler(a.Executor, logger))
		if err := srv.Start(mux); err != nil {
			logger.Fatal().Err(err).Msg("failed to start asynq server")
		}
		stopConsumer = srv.Shutdown
		logger.Info().Str("queue", cfg.Dispatch.Redis.Queue).Msg("consuming asynq batches")
	case "kafka":
		k := cfg.Dispatch.Kafka
		consumer := dispatch.NewKafkaConsumer(k.Brokers, k.Topic, k.GroupID, a.Executor, logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
		stopConsumer = func() {
			cancel()
			<-done
		}
		logger.Info().Str("topic", k.Topic).Str("group", k.GroupID).Msg("consuming kafka batches")
	case "dbos":
		logger.Info().Bool("serve_batches", a.DBOS.ServesBatches()).Str("queue", a.DBOS.QueueName()).Msg("dbos queue hosted")
		stopConsumer = func() {}
	default:
		logger.Info().Str("mode", cfg.Dispatch.Mode).Msg("no batch consumer for this dispatch mode")
		stopConsumer = func() {}
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(nil, nil, a.Registry, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("petsync worker starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	stopConsumer()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	a.Close(shutdownCtx)
	logger.Info().Msg("worker stopped")
}
