// Package service implements the concierge core: ownership
// verification, paginated history aggregation, and report building.
package service

import (
	"context"
	"time"

	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/infra/resilience"
	"github.com/ecart/card-concierge-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var verifyTracer = otel.Tracer("service/verifier")

// Verifier resolves an ownership claim to a confirmed card identity.
type Verifier struct {
	cards    port.CardProvider
	proofs   port.ProofResolver
	cache    port.Cache[[]domain.Card]
	bulkhead *resilience.Bulkhead
	metrics  *observability.Metrics
	logger   *zap.Logger

	// allowHandleOnly accepts a last-four match as verified when the
	// proof channel yields no comparable secrets. Materially weaker
	// than the structured path; every such login is flagged.
	allowHandleOnly bool
}

// NewVerifier creates the verifier with all dependencies injected.
func NewVerifier(
	cards port.CardProvider,
	proofs port.ProofResolver,
	cache port.Cache[[]domain.Card],
	bulkhead *resilience.Bulkhead,
	metrics *observability.Metrics,
	logger *zap.Logger,
	allowHandleOnly bool,
) *Verifier {
	return &Verifier{
		cards:           cards,
		proofs:          proofs,
		cache:           cache,
		bulkhead:        bulkhead,
		metrics:         metrics,
		logger:          logger,
		allowHandleOnly: allowHandleOnly,
	}
}

// Verify checks the claim against the issuer's records and returns the
// verified card. It fails closed: every error path leaves no session
// created by the caller, and the claim itself is never logged.
//
// Failure taxonomy: ErrNotFound (no last-four match), ErrSecretMismatch
// (structured proof disagreed), ErrProofUnavailable (no candidate
// yielded comparable secrets and handle-only trust is disabled).
func (v *Verifier) Verify(ctx context.Context, claim *domain.OwnershipClaim) (*domain.Card, error) {
	ctx, span := verifyTracer.Start(ctx, "Verifier.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("claim.last_four", claim.LastFour()))

	start := time.Now()
	defer func() {
		v.metrics.RecordRequestDuration("verify", time.Since(start))
	}()

	candidates, err := v.findCandidates(ctx, claim.LastFour())
	if err != nil {
		v.metrics.IncrVerification(observability.OutcomeError)
		v.metrics.IncrUpstreamError("cards")
		return nil, err
	}
	if len(candidates) == 0 {
		v.metrics.IncrVerification(observability.OutcomeNotFound)
		return nil, &domain.ErrNotFound{Resource: "card", ID: claim.LastFour()}
	}

	// Last-four is not unique upstream: walk candidates in order and
	// let the first exact secret match win.
	var sawMismatch bool
	for i := range candidates {
		card := &candidates[i]

		handle, err := v.beginProof(ctx, card.ID)
		if err != nil {
			v.logger.Warn("ownership proof request failed",
				zap.String("card_id", card.ID),
				zap.Error(err),
			)
			continue
		}

		if handle.Structured() {
			if secretsMatch(claim, handle.Secrets) {
				v.metrics.IncrVerification(observability.OutcomeVerified)
				v.logger.Info("ownership verified",
					zap.String("card_id", card.ID),
					zap.String("proof_mode", "structured"),
				)
				return card, nil
			}
			sawMismatch = true
			continue
		}

		if v.allowHandleOnly {
			v.metrics.IncrVerification(observability.OutcomeVerifiedHandle)
			v.logger.Warn("identity found but secrets not cross-checked",
				zap.String("card_id", card.ID),
				zap.String("proof_mode", "handle_only"),
			)
			return card, nil
		}
	}

	if sawMismatch {
		v.metrics.IncrVerification(observability.OutcomeMismatch)
		return nil, &domain.ErrSecretMismatch{LastFour: claim.LastFour()}
	}

	v.metrics.IncrVerification(observability.OutcomeProofUnavailable)
	return nil, &domain.ErrProofUnavailable{LastFour: claim.LastFour()}
}

// findCandidates lists cards matching the last four, with a short-TTL
// cache so repeated login attempts do not re-list the card inventory.
func (v *Verifier) findCandidates(ctx context.Context, lastFour string) ([]domain.Card, error) {
	cacheKey := "cards:" + lastFour
	if cached, ok := v.cache.Get(cacheKey); ok {
		v.metrics.IncrCacheHit("cards")
		return cached, nil
	}
	v.metrics.IncrCacheMiss("cards")

	cards, err := v.cards.FindCardsByLastFour(ctx, lastFour)
	if err != nil {
		return nil, err
	}
	v.cache.Set(cacheKey, cards)
	return cards, nil
}

// beginProof requests an ownership proof under the bulkhead so a burst
// of logins cannot monopolize the upstream embed endpoint.
func (v *Verifier) beginProof(ctx context.Context, cardID string) (*domain.ProofHandle, error) {
	if err := v.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	defer v.bulkhead.Release()

	handle, err := v.proofs.BeginOwnershipProof(ctx, cardID)
	if err != nil {
		v.metrics.IncrUpstreamError("embed")
		return nil, err
	}
	return handle, nil
}

// secretsMatch compares the claim against the scraped secrets
// byte-for-byte. Any deviation disqualifies the candidate.
func secretsMatch(claim *domain.OwnershipClaim, secrets *domain.CardSecrets) bool {
	return secrets.PAN == claim.PAN &&
		secrets.CVV == claim.CVV &&
		secrets.Expiry == claim.Expiry()
}
