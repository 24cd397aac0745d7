// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/ecart/card-concierge-go/internal/domain"
)

// CardProvider retrieves card and payment data from the upstream issuer.
//
// Every method returns a typed domain error on failure — non-2xx,
// timeout and transport errors never escape as raw errors.
type CardProvider interface {
	FindCardsByLastFour(ctx context.Context, lastFour string) ([]domain.Card, error)
	GetCard(ctx context.Context, cardID string) (*domain.Card, error)
	ListPayments(ctx context.Context, cardID string, page, pageSize int) (*domain.PageResult, error)
}

// ProofResolver starts an ownership proof for a card.
//
// The returned handle may or may not carry structured secret fields;
// callers branch on ProofHandle.Structured() rather than assuming the
// secrets page could be scraped.
type ProofResolver interface {
	BeginOwnershipProof(ctx context.Context, cardID string) (*domain.ProofHandle, error)
}

// SessionStore maps chat user identities to authenticated card bindings.
// Create overwrites any prior session for the user (last write wins).
type SessionStore interface {
	Create(userID string, card *domain.Card) domain.Session
	Get(userID string) (domain.Session, bool)
	Destroy(userID string)
	IsAuthenticated(userID string) bool
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
