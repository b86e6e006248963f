package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/sleep-study-booking/cmd/mainconfig"
	"github.com/wolfman30/sleep-study-booking/internal/api/router"
	"github.com/wolfman30/sleep-study-booking/internal/app/bootstrap"
	"github.com/wolfman30/sleep-study-booking/internal/booking"
	appconfig "github.com/wolfman30/sleep-study-booking/internal/config"
	httpmiddleware "github.com/wolfman30/sleep-study-booking/internal/http/middleware"
	"github.com/wolfman30/sleep-study-booking/internal/observability/metrics"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

const janitorInterval = 5 * time.Minute

func main() {
	// Local overrides first; godotenv never overwrites variables already set.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting sleep-study booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}
	drafts := bootstrap.BuildDraftStore(redisClient, cfg, logger)

	repo, closeRepo, err := bootstrap.BuildRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize study repository", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	var awsCfg aws.Config
	if cfg.StorageBackend != "memory" {
		awsCfg, err = mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
	}
	blobs, err := bootstrap.BuildBlobStore(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	metricsHandler, bookingMetrics := setupMetrics()

	ctrl := booking.NewController(booking.Config{
		Drafts:          drafts,
		Repository:      repo,
		Blobs:           blobs,
		ReferralsBucket: cfg.ReferralsBucket,
		Metrics:         bookingMetrics,
		Logger:          logger,
	})

	var limiter *httpmiddleware.RateLimiter
	if cfg.BookingRateLimitRPS > 0 {
		limiter = httpmiddleware.NewRateLimiter(cfg.BookingRateLimitRPS, cfg.BookingRateLimitBurst)
	}

	if cfg.AuthJWTSecret == "" && cfg.CognitoUserPoolID == "" {
		logger.Warn("no auth configured; all booking requests will be rejected")
	}

	r := router.New(&router.Config{
		Logger:         logger,
		BookingHandler: booking.NewHandler(ctrl, logger, cfg.MaxUploadBytes),
		Auth: httpmiddleware.AuthConfig{
			JWTSecret: cfg.AuthJWTSecret,
			Cognito: httpmiddleware.CognitoConfig{
				Region:     cfg.CognitoRegion,
				UserPoolID: cfg.CognitoUserPoolID,
				ClientID:   cfg.CognitoClientID,
			},
		},
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        limiter,
		EnableDebugRoutes:  cfg.EnableDebugRoutes,
	})

	go runJanitor(ctx, drafts, limiter, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics registers booking metrics on a dedicated registry alongside the
// Go runtime collectors.
func setupMetrics() (http.Handler, *metrics.BookingMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewBookingMetrics(reg)
}

type cleaner interface {
	Cleanup() int
}

// runJanitor evicts expired in-memory drafts and idle rate limiter buckets.
// Redis expires drafts on its own.
func runJanitor(ctx context.Context, drafts booking.DraftStore, limiter *httpmiddleware.RateLimiter, logger *logging.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(drafts, limiter, logger)
		}
	}
}

func sweep(drafts booking.DraftStore, limiter *httpmiddleware.RateLimiter, logger *logging.Logger) {
	if c, ok := drafts.(cleaner); ok {
		if removed := c.Cleanup(); removed > 0 {
			logger.Debug("expired drafts removed", "count", removed)
		}
	}
	if limiter != nil {
		limiter.Sweep()
	}
}
