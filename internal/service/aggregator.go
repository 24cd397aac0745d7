package service

import (
	"context"
	"time"

	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var aggTracer = otel.Tracer("service/aggregator")

// FetchOptions tunes one aggregation run.
type FetchOptions struct {
	// PageSize is the per_page value sent upstream. Defaults to 100.
	PageSize int

	// Delay is the pause between page requests, respecting upstream
	// rate limits. Defaults to 150ms.
	Delay time.Duration

	// MaxPages caps the number of pages scanned. Zero means no cap.
	// A capped run is marked Truncated.
	MaxPages int

	// StopAfter stops the run once this many items have accumulated.
	// Zero disables it. Must stay zero for any run that feeds a
	// total-spend figure — early-stopped runs are marked Truncated and
	// only suit bounded preview listings.
	StopAfter int

	// Progress, when set, is invoked before each page after the first
	// so callers can surface "page X of Y".
	Progress func(current, last int)
}

func (o *FetchOptions) withDefaults() FetchOptions {
	out := *o
	if out.PageSize <= 0 {
		out.PageSize = 100
	}
	if out.Delay <= 0 {
		out.Delay = 150 * time.Millisecond
	}
	return out
}

// Aggregator drives repeated paged payment fetches until exhaustion or
// a stopping condition, deduplicates by transaction id, and preserves
// partial results on upstream failure.
type Aggregator struct {
	payments port.CardProvider
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewAggregator creates the aggregator with all dependencies injected.
func NewAggregator(payments port.CardProvider, metrics *observability.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{payments: payments, metrics: metrics, logger: logger}
}

// FetchAll retrieves the card's payment history page by page.
//
// Pages are fetched sequentially: last_page is only known after the
// first response, and the upstream rate limit rules out parallel
// fetches. A failed page aborts the run (Complete=false) but keeps what
// was accumulated; a failed first page yields an empty, incomplete
// result the caller must report as a hard error rather than an empty
// statement. Context cancellation is honored between pages.
func (a *Aggregator) FetchAll(ctx context.Context, cardID string, opts FetchOptions) domain.AggregationResult {
	ctx, span := aggTracer.Start(ctx, "Aggregator.FetchAll")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", cardID))

	opts = opts.withDefaults()
	mode := "full"
	if opts.MaxPages > 0 || opts.StopAfter > 0 {
		mode = "preview"
	}

	start := time.Now()
	defer func() {
		a.metrics.RecordRequestDuration("aggregate", time.Since(start))
	}()

	result := domain.AggregationResult{Complete: true}

	first, err := a.payments.ListPayments(ctx, cardID, 1, opts.PageSize)
	if err != nil {
		a.logger.Error("aggregation failed on first page",
			zap.String("card_id", cardID),
			zap.Error(err),
		)
		a.metrics.IncrUpstreamError("payments")
		a.metrics.IncrAggregation("partial")
		result.Complete = false
		return result
	}

	result.PagesFetched = 1
	result.LastPage = first.LastPage
	items := append([]domain.Transaction(nil), first.Items...)

	lastPage := first.LastPage
	if opts.MaxPages > 0 && lastPage > opts.MaxPages {
		lastPage = opts.MaxPages
		result.Truncated = true
	}

	for page := 2; page <= lastPage; page++ {
		if opts.StopAfter > 0 && len(items) >= opts.StopAfter {
			result.Truncated = true
			break
		}

		if opts.Progress != nil {
			opts.Progress(page, lastPage)
		}

		// Cooperative cancellation point doubling as the rate-limit
		// pause between pages.
		select {
		case <-ctx.Done():
			result.Complete = false
			result.Transactions = dedupe(items)
			a.metrics.IncrAggregation("partial")
			return result
		case <-time.After(opts.Delay):
		}

		pr, err := a.payments.ListPayments(ctx, cardID, page, opts.PageSize)
		if err != nil {
			a.logger.Warn("aggregation aborted, keeping partial results",
				zap.String("card_id", cardID),
				zap.Int("page", page),
				zap.Int("accumulated", len(items)),
				zap.Error(err),
			)
			a.metrics.IncrUpstreamError("payments")
			result.Complete = false
			break
		}

		result.PagesFetched++
		items = append(items, pr.Items...)
	}

	result.Transactions = dedupe(items)
	a.metrics.IncrPagesFetched(mode, result.PagesFetched)

	switch {
	case !result.Complete:
		a.metrics.IncrAggregation("partial")
	case result.Truncated:
		a.metrics.IncrAggregation("truncated")
	default:
		a.metrics.IncrAggregation("complete")
	}

	a.logger.Info("aggregation finished",
		zap.String("card_id", cardID),
		zap.Int("pages", result.PagesFetched),
		zap.Int("transactions", len(result.Transactions)),
		zap.Bool("complete", result.Complete),
		zap.Bool("truncated", result.Truncated),
	)

	return result
}

// ListRecent fetches one window of the newest transactions, as ordered
// upstream, and returns at most limit of them. scanWindow is the stop
// threshold for the scan: the upstream read never goes past that many
// rows, and it is raised to limit when configured smaller. No
// settlement-state filter: a one-time code may arrive on a transaction
// that never settles.
func (a *Aggregator) ListRecent(ctx context.Context, cardID string, limit, scanWindow int) ([]domain.Transaction, error) {
	ctx, span := aggTracer.Start(ctx, "Aggregator.ListRecent")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", cardID))

	if scanWindow < limit {
		scanWindow = limit
	}

	pr, err := a.payments.ListPayments(ctx, cardID, 1, scanWindow)
	if err != nil {
		a.metrics.IncrUpstreamError("payments")
		return nil, err
	}
	a.metrics.IncrPagesFetched("preview", 1)

	items := dedupe(pr.Items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// dedupe collapses duplicate transaction identifiers, keeping the
// first-seen instance and the original order. Content is assumed stable
// for one identifier within a run.
func dedupe(items []domain.Transaction) []domain.Transaction {
	seen := make(map[string]struct{}, len(items))
	out := make([]domain.Transaction, 0, len(items))
	for _, tx := range items {
		if _, dup := seen[tx.ID]; dup {
			continue
		}
		seen[tx.ID] = struct{}{}
		out = append(out, tx)
	}
	return out
}
