package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/cache"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/infra/resilience"
	"github.com/ecart/card-concierge-go/internal/service"

	"go.uber.org/zap"
)

// --- Mocks ---

type mockProvider struct {
	cards    []domain.Card
	cardsErr error

	pages    map[int]*domain.PageResult
	failPage int
	calls    []int
}

func (m *mockProvider) FindCardsByLastFour(_ context.Context, _ string) ([]domain.Card, error) {
	return m.cards, m.cardsErr
}

func (m *mockProvider) GetCard(_ context.Context, cardID string) (*domain.Card, error) {
	for i := range m.cards {
		if m.cards[i].ID == cardID {
			return &m.cards[i], nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "card", ID: cardID}
}

func (m *mockProvider) ListPayments(_ context.Context, _ string, page, _ int) (*domain.PageResult, error) {
	m.calls = append(m.calls, page)
	if m.failPage != 0 && page == m.failPage {
		return nil, &domain.ErrExternalService{Service: "brocard/payments", Err: errors.New("boom")}
	}
	pr, ok := m.pages[page]
	if !ok {
		return &domain.PageResult{CurrentPage: page, LastPage: len(m.pages)}, nil
	}
	return pr, nil
}

type mockProofResolver struct {
	handles map[string]*domain.ProofHandle
	errs    map[string]error
}

func (m *mockProofResolver) BeginOwnershipProof(_ context.Context, cardID string) (*domain.ProofHandle, error) {
	if err := m.errs[cardID]; err != nil {
		return nil, err
	}
	if h := m.handles[cardID]; h != nil {
		return h, nil
	}
	return &domain.ProofHandle{CardID: cardID}, nil
}

func newVerifier(provider *mockProvider, proofs *mockProofResolver, allowHandleOnly bool) *service.Verifier {
	return service.NewVerifier(
		provider,
		proofs,
		cache.New[[]domain.Card](time.Minute),
		resilience.NewBulkhead(4),
		observability.NewMetrics(),
		zap.NewNop(),
		allowHandleOnly,
	)
}

func mustClaim(t *testing.T, text string) *domain.OwnershipClaim {
	t.Helper()
	claim, err := domain.ParseClaim(text)
	if err != nil {
		t.Fatalf("claim parse failed: %v", err)
	}
	return claim
}

// --- Tests ---

func TestVerify_ExactMatch(t *testing.T) {
	provider := &mockProvider{cards: []domain.Card{{ID: "crd-1", LastFour: "0366", Title: "Ads"}}}
	proofs := &mockProofResolver{handles: map[string]*domain.ProofHandle{
		"crd-1": {CardID: "crd-1", Secrets: &domain.CardSecrets{
			PAN: "4532015112830366", CVV: "123", Expiry: "12/25",
		}},
	}}

	card, err := newVerifier(provider, proofs, false).Verify(
		context.Background(), mustClaim(t, "4532015112830366 123 12/25"))
	if err != nil {
		t.Fatalf("expected verification to succeed, got %v", err)
	}
	if card.ID != "crd-1" {
		t.Errorf("expected card crd-1, got %s", card.ID)
	}
}

func TestVerify_CVVMismatch(t *testing.T) {
	provider := &mockProvider{cards: []domain.Card{{ID: "crd-1", LastFour: "0366"}}}
	proofs := &mockProofResolver{handles: map[string]*domain.ProofHandle{
		"crd-1": {CardID: "crd-1", Secrets: &domain.CardSecrets{
			PAN: "4532015112830366", CVV: "124", Expiry: "12/25",
		}},
	}}

	_, err := newVerifier(provider, proofs, false).Verify(
		context.Background(), mustClaim(t, "4532015112830366 123 12/25"))
	var mismatch *domain.ErrSecretMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ErrSecretMismatch, got %v", err)
	}
}

func TestVerify_NoCandidates(t *testing.T) {
	provider := &mockProvider{}
	_, err := newVerifier(provider, &mockProofResolver{}, false).Verify(
		context.Background(), mustClaim(t, "4532015112830366 123 12/25"))
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerify_LastFourCollision(t *testing.T) {
	// Two cards share the last four; only the second holds the claimed
	// secrets.
	provider := &mockProvider{cards: []domain.Card{
		{ID: "crd-1", LastFour: "0366"},
		{ID: "crd-2", LastFour: "0366"},
	}}
	proofs := &mockProofResolver{handles: map[string]*domain.ProofHandle{
		"crd-1": {CardID: "crd-1", Secrets: &domain.CardSecrets{
			PAN: "9999015112830366", CVV: "123", Expiry: "12/25",
		}},
		"crd-2": {CardID: "crd-2", Secrets: &domain.CardSecrets{
			PAN: "4532015112830366", CVV: "123", Expiry: "12/25",
		}},
	}}

	card, err := newVerifier(provider, proofs, false).Verify(
		context.Background(), mustClaim(t, "4532015112830366 123 12/25"))
	if err != nil {
		t.Fatalf("expected verification to succeed, got %v", err)
	}
	if card.ID != "crd-2" {
		t.Errorf("expected crd-2 to win, got %s", card.ID)
	}
}

func TestVerify_HandleOnlyRejectedByDefault(t *testing.T) {
	provider := &mockProvider{cards: []domain.Card{{ID: "crd-1", LastFour: "0366"}}}
	proofs := &mockProofResolver{handles: map[string]*domain.ProofHandle{
		"crd-1": {CardID: "crd-1"}, // no structured secrets
	}}

	_, err := newVerifier(provider, proofs, false).Verify(
		context.Background(), mustClaim(t, "4532015112830366 123 12/25"))
	var unavailable *domain.ErrProofUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrProofUnavailable, got %v", err)
	}
}

func TestVerify_HandleOnlyTrustMode(t *testing.T) {
	provider := &mockProvider{cards: []domain.Card{{ID: "crd-1", LastFour: "0366"}}}
	proofs := &mockProofResolver{handles: map[string]*domain.ProofHandle{
		"crd-1": {CardID: "crd-1"},
	}}

	card, err := newVerifier(provider, proofs, true).Verify(
		context.Background(), mustClaim(t, "4532015112830366 123 12/25"))
	if err != nil {
		t.Fatalf("expected handle-only trust to verify, got %v", err)
	}
	if card.ID != "crd-1" {
		t.Errorf("expected crd-1, got %s", card.ID)
	}
}

func TestVerify_ProofChannelDown(t *testing.T) {
	provider := &mockProvider{cards: []domain.Card{{ID: "crd-1", LastFour: "0366"}}}
	proofs := &mockProofResolver{errs: map[string]error{
		"crd-1": &domain.ErrExternalService{Service: "brocard/embed", Err: errors.New("timeout")},
	}}

	_, err := newVerifier(provider, proofs, true).Verify(
		context.Background(), mustClaim(t, "4532015112830366 123 12/25"))
	var unavailable *domain.ErrProofUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrProofUnavailable, got %v", err)
	}
}
