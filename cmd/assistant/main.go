package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatservice "github.com/ecart/card-concierge-go/internal/chat/service"
	"github.com/ecart/card-concierge-go/internal/config"
	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/handler"
	"github.com/ecart/card-concierge-go/internal/infra/brocard"
	"github.com/ecart/card-concierge-go/internal/infra/cache"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/infra/resilience"
	"github.com/ecart/card-concierge-go/internal/service"
	"github.com/ecart/card-concierge-go/internal/session"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Int("page_size", cfg.PageSize),
		zap.Duration("page_delay", cfg.PageDelay),
		zap.Duration("session_ttl", cfg.SessionTTL),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Bool("allow_handle_only_proof", cfg.AllowHandleOnlyProof),
	)

	if cfg.BrocardAPIToken == "" {
		logger.Warn("BROCARD_API_TOKEN is empty, upstream calls will be rejected")
	}

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "card-concierge")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("brocard")
	bulkhead := resilience.NewBulkhead(cfg.MaxConcurrency)

	// --- Upstream client ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	brocardClient := brocard.NewClient(httpClient, cfg.BrocardBaseURL, cfg.BrocardAPIToken, cb, resilienceCfg, logger)

	// --- Sessions ---
	sessions := session.NewStore(cfg.SessionTTL, func(userID string) {
		metrics.IncrSession("expired")
		logger.Info("session expired", zap.String("user_id", userID))
	})

	// --- Services ---
	cardCache := cache.New[[]domain.Card](cfg.CacheTTL)
	verifier := service.NewVerifier(
		brocardClient,
		brocardClient,
		cardCache,
		bulkhead,
		metrics,
		logger,
		cfg.AllowHandleOnlyProof,
	)
	aggregator := service.NewAggregator(brocardClient, metrics, logger)
	reports := service.NewReportBuilder(cfg.InlineLimit)

	concierge := chatservice.NewConcierge(
		verifier,
		aggregator,
		reports,
		brocardClient,
		sessions,
		nil, // progress lines go to the logs until a push channel exists
		metrics,
		logger,
		chatservice.ConciergeConfig{
			PageSize:         cfg.PageSize,
			PageDelay:        cfg.PageDelay,
			MaxPages:         cfg.MaxPages,
			RecentLimit:      cfg.RecentLimit,
			PreviewStopAfter: cfg.PreviewStopAfter,
		},
	)

	// --- Router ---
	router := handler.NewRouter(concierge, brocardClient, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
