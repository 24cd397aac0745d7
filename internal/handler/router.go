// Package handler wires the HTTP surface: the chat boundary route plus
// the operational endpoints (health, readiness, metrics).
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	chatdomain "github.com/ecart/card-concierge-go/internal/chat/domain"
	chatservice "github.com/ecart/card-concierge-go/internal/chat/service"
	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/port"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(concierge *chatservice.Concierge, cards port.CardProvider, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(cards, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		// The chat boundary: one message in, one Reply out. Message
		// delivery and keyboard rendering stay with the front end.
		r.Post("/chat/{userID}", chatHandler(concierge, logger))

		r.Get("/metrics/usage", usageMetricsHandler(metrics, logger))
	})

	return r
}

type chatRequest struct {
	Text string `json:"text"`
}

// chatHandler handles POST /v1/chat/{userID}.
func chatHandler(concierge *chatservice.Concierge, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			handleServiceError(w, &domain.ErrValidation{Field: "userID", Message: "is required"}, logger)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			handleServiceError(w, &domain.ErrValidation{Field: "body", Message: "invalid JSON"}, logger)
			return
		}
		if req.Text == "" {
			handleServiceError(w, &domain.ErrValidation{Field: "text", Message: "is required"}, logger)
			return
		}

		reply := concierge.HandleMessage(r.Context(), &chatdomain.Incoming{
			UserID: userID,
			Text:   req.Text,
		})
		writeJSON(w, http.StatusOK, reply)
	}
}

// usageMetricsHandler handles GET /v1/metrics/usage: a JSON snapshot of
// the concierge counters for dashboards that do not scrape Prometheus.
func usageMetricsHandler(metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := metrics.GetUsageSnapshot()
		if snapshot == nil {
			writeError(w, http.StatusInternalServerError, "metrics unavailable")
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

// healthzHandler reports process health plus upstream reachability. An
// unreachable upstream degrades the report but never fails it: the
// process itself is still alive.
func healthzHandler(cards port.CardProvider, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := map[string]any{
			"status":     "healthy",
			"checked_at": time.Now().Format(time.RFC3339),
		}

		if cards != nil {
			start := time.Now()
			_, err := cards.FindCardsByLastFour(r.Context(), "0000")
			report["upstream_latency_ms"] = time.Since(start).Milliseconds()
			if err != nil {
				report["status"] = "degraded"
				report["upstream"] = "unreachable"
				logger.Warn("health check: upstream unreachable", zap.Error(err))
			} else {
				report["upstream"] = "ok"
			}
		}

		writeJSON(w, http.StatusOK, report)
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
