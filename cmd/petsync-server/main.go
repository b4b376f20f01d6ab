package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/pet-image-sync/internal/app"
	"github.com/tendant/pet-image-sync/internal/config"
	"github.com/tendant/pet-image-sync/internal/handlers"
	"github.com/tendant/pet-image-sync/internal/logging"
	"github.com/tendant/pet-image-sync/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "console", nil).Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stderr)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	if err := a.Launch(); err != nil {
		logger.Fatal().Err(err).Msg("failed to launch")
	}

	dispatcher, err := a.NewDispatcher()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create dispatcher")
	}
	logger.Info().Str("mode", cfg.Dispatch.Mode).Msg("dispatcher ready")

	sched := scheduler.New(scheduler.Config{
		Sweep:      cfg.Schedule.Sweep,
		Reconcile:  cfg.Schedule.Reconcile,
		Readiness:  cfg.Schedule.Readiness,
		SampleSize: cfg.Reconcile.SampleSize,
	}, a.Runner, a.Status, a.Reconciler, a.Status, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	images := handlers.NewImageHandler(a.Status, a.Images, a.Requests, dispatcher, handlers.ServeConfig{
		RetryAfter:   cfg.Serving.RetryAfter,
		DedupeWindow: cfg.Serving.DedupeWindow,
		CacheMaxAge:  cfg.Serving.CacheMaxAge,
	}, logger, a.Metrics)
	admin := handlers.NewAdminHandler(a.Runner, a.Status, a.Status, a.Reconciler, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(images, admin, a.Registry, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("petsync server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	sched.Stop(shutdownCtx)
	if err := dispatcher.Close(); err != nil {
		logger.Warn().Err(err).Msg("close dispatcher")
	}
	a.Close(shutdownCtx)
	logger.Info().Msg("server stopped")
}
