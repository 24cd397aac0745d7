package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chatdomain "github.com/ecart/card-concierge-go/internal/chat/domain"
	chatservice "github.com/ecart/card-concierge-go/internal/chat/service"
	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/handler"
	"github.com/ecart/card-concierge-go/internal/infra/cache"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/infra/resilience"
	"github.com/ecart/card-concierge-go/internal/service"
	"github.com/ecart/card-concierge-go/internal/session"

	"go.uber.org/zap"
)

// stubProvider implements port.CardProvider and port.ProofResolver with
// a single verifiable card.
type stubProvider struct{}

func (stubProvider) FindCardsByLastFour(_ context.Context, lastFour string) ([]domain.Card, error) {
	if lastFour == "0366" {
		return []domain.Card{{ID: "crd-1", LastFour: "0366"}}, nil
	}
	return nil, nil
}

func (stubProvider) GetCard(_ context.Context, cardID string) (*domain.Card, error) {
	return &domain.Card{ID: cardID, LastFour: "0366"}, nil
}

func (stubProvider) ListPayments(_ context.Context, _ string, page, _ int) (*domain.PageResult, error) {
	return &domain.PageResult{CurrentPage: page, LastPage: 1}, nil
}

func (stubProvider) BeginOwnershipProof(_ context.Context, cardID string) (*domain.ProofHandle, error) {
	return &domain.ProofHandle{
		CardID: cardID,
		Link:   "https://secrets.example/x",
		Secrets: &domain.CardSecrets{
			PAN:    "4532015112830366",
			CVV:    "123",
			Expiry: "12/26",
		},
	}, nil
}

func newRouter() http.Handler {
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	provider := stubProvider{}

	verifier := service.NewVerifier(
		provider, provider,
		cache.New[[]domain.Card](time.Minute),
		resilience.NewBulkhead(2),
		metrics, logger, false,
	)
	concierge := chatservice.NewConcierge(
		verifier,
		service.NewAggregator(provider, metrics, logger),
		service.NewReportBuilder(0),
		provider,
		session.NewStore(0, nil),
		nil,
		metrics, logger,
		chatservice.ConciergeConfig{PageDelay: time.Millisecond},
	)
	return handler.NewRouter(concierge, provider, metrics, logger)
}

func TestHealthz(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestUsageMetrics(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/usage", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snapshot map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&snapshot); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
}

func TestChatRoute_Login(t *testing.T) {
	router := newRouter()

	body := bytes.NewBufferString(`{"text": "4532 0151 1283 0366 123 12/26"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/user-1", body)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var reply chatdomain.Reply
	if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
		t.Fatalf("reply is not valid JSON: %v", err)
	}
	if len(reply.Keyboard) != len(chatdomain.MainKeyboard) {
		t.Errorf("expected the main keyboard after login, got %v", reply.Keyboard)
	}
}

func TestChatRoute_RejectsEmptyBody(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/user-1", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing text, got %d", rec.Code)
	}
}
