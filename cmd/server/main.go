package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dmailer/internal/api"
	"dmailer/internal/config"
	"dmailer/internal/deliverylog"
	"dmailer/internal/dispatch"
	"dmailer/internal/mail"
	"dmailer/internal/metrics"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Fatal("failed to create upload dir", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// SMTP Transport
	// ------------------------------------------------
	transport := &mail.SMTP{
		Host:            cfg.SMTPHost,
		Port:            cfg.SMTPPort,
		DefaultUser:     cfg.SMTPUser,
		DefaultPassword: cfg.SMTPPassword,
	}

	if cfg.SMTPUser != "" {
		if err := transport.Probe(ctx); err != nil {
			logger.Warn("smtp probe failed, jobs may fail to connect", zap.Error(err))
		}
	}

	// ------------------------------------------------
	// Delivery Log + Dispatch Engine
	// ------------------------------------------------
	log := deliverylog.New(filepath.Join(cfg.UploadDir, "sent_log.csv"))
	engine := dispatch.New(transport, log, logger)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiServer := api.NewServer(ctx, engine, log, cfg, logger)

	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Let a cancelled job exit its loop cleanly
	engine.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
