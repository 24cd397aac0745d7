// Package brocard provides a client for the BroCard virtual-card API
// (cards, ownership-proof embeds, paginated payments).
package brocard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("brocard")

// Client wraps HTTP calls to the BroCard REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a BroCard client. The token is the bearer credential
// carried on every request; it is immutable after construction, so the
// client is safe to share across concurrent calls.
func NewClient(httpClient *http.Client, baseURL, token string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

// doRequest executes an authenticated request against the API.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		c.logger.Error("brocard: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("brocard: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("brocard: failed to read response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil // no data
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("brocard: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("brocard returned status %d", resp.StatusCode)
	}

	c.logger.Debug("brocard: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	return body, nil
}

// --- Wire types ---

// wireCard maps the upstream card payload. Older API versions report
// the lookup key as last_digits instead of last_four.
type wireCard struct {
	ID         json.Number `json:"id"`
	LastFour   string      `json:"last_four"`
	LastDigits string      `json:"last_digits"`
	Title      string      `json:"title"`
	Archived   bool        `json:"archived"`
}

func (w *wireCard) toDomain() domain.Card {
	lastFour := w.LastFour
	if lastFour == "" {
		lastFour = w.LastDigits
	}
	return domain.Card{
		ID:       w.ID.String(),
		LastFour: lastFour,
		Title:    w.Title,
		Archived: w.Archived,
	}
}

type wirePayment struct {
	ID       json.Number `json:"id"`
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
	State    struct {
		Label string `json:"label"`
	} `json:"state"`
	Date     string `json:"date"`
	Merchant struct {
		Name         string `json:"name"`
		Descriptor   string `json:"descriptor"`
		Country      string `json:"country"`
		CategoryCode string `json:"category_code"`
	} `json:"merchant"`
	Card struct {
		ID json.Number `json:"id"`
	} `json:"card"`
	OriginalAmount   json.Number `json:"original_amount"`
	OriginalCurrency string      `json:"original_currency"`
}

func (w *wirePayment) toDomain() domain.Transaction {
	tx := domain.Transaction{
		ID:       w.ID.String(),
		Amount:   parseAmount(w.Amount),
		Currency: w.Currency,
		State:    mapState(w.State.Label),
		Date:     parseDate(w.Date),
		Merchant: domain.Merchant{
			Name:         w.Merchant.Name,
			Descriptor:   w.Merchant.Descriptor,
			Country:      w.Merchant.Country,
			CategoryCode: w.Merchant.CategoryCode,
		},
		OriginalCurrency: w.OriginalCurrency,
	}
	if w.OriginalAmount.String() != "" {
		orig := parseAmount(w.OriginalAmount)
		tx.OriginalAmount = &orig
	}
	return tx
}

func parseAmount(n json.Number) decimal.Decimal {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func mapState(label string) domain.SettlementState {
	switch strings.ToLower(label) {
	case "settled", "completed":
		return domain.StateSettled
	case "pending", "authorization", "auth":
		return domain.StatePending
	case "voided":
		return domain.StateVoided
	case "declined":
		return domain.StateDeclined
	case "refunded":
		return domain.StateRefunded
	default:
		return domain.StateUnknown
	}
}

// --- Cards API (implements port.CardProvider) ---

// FindCardsByLastFour lists cards whose last four digits match fragment,
// archived ones included. Last-four is not unique upstream, so more
// than one card may come back.
func (c *Client) FindCardsByLastFour(ctx context.Context, lastFour string) ([]domain.Card, error) {
	ctx, span := tracer.Start(ctx, "BroCard.FindCardsByLastFour")
	defer span.End()

	var cards []domain.Card

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			query := url.Values{}
			query.Add("last_fours[]", lastFour)
			query.Set("archived", "include")

			body, err := c.doRequest(ctx, http.MethodGet, "cards", query)
			if err != nil {
				return err
			}
			if body == nil {
				cards = nil
				return nil
			}

			var payload struct {
				Data []wireCard `json:"data"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return fmt.Errorf("failed to decode cards: %w", err)
			}

			cards = make([]domain.Card, 0, len(payload.Data))
			for i := range payload.Data {
				cards = append(cards, payload.Data[i].toDomain())
			}
			return nil
		})
	})

	if err != nil {
		return nil, wrapUpstream("brocard/cards", err)
	}

	return cards, nil
}

// GetCard fetches a single card by its issuer-assigned identifier.
func (c *Client) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	ctx, span := tracer.Start(ctx, "BroCard.GetCard")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", cardID))

	var card *domain.Card

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("cards/%s", cardID), nil)
			if err != nil {
				return err
			}
			if body == nil {
				return resilience.Permanent(&domain.ErrNotFound{Resource: "card", ID: cardID})
			}

			var payload struct {
				Data *wireCard `json:"data"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return fmt.Errorf("failed to decode card: %w", err)
			}
			if payload.Data == nil {
				// Some deployments return the card at the top level.
				var flat wireCard
				if err := json.Unmarshal(body, &flat); err != nil || flat.ID.String() == "" {
					return resilience.Permanent(&domain.ErrNotFound{Resource: "card", ID: cardID})
				}
				payload.Data = &flat
			}

			mapped := payload.Data.toDomain()
			card = &mapped
			return nil
		})
	})

	if err != nil {
		return nil, wrapUpstream("brocard/cards", err)
	}

	return card, nil
}

// ListPayments fetches one page of the payments listing for a card.
// Items the upstream attributes to a different card are dropped — the
// server-side filter has been observed to leak foreign rows.
func (c *Client) ListPayments(ctx context.Context, cardID string, page, pageSize int) (*domain.PageResult, error) {
	ctx, span := tracer.Start(ctx, "BroCard.ListPayments")
	defer span.End()
	span.SetAttributes(
		attribute.String("card.id", cardID),
		attribute.Int("page", page),
	)

	var result *domain.PageResult

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			query := url.Values{}
			query.Add("cards[]", cardID)
			query.Set("page", fmt.Sprintf("%d", page))
			query.Set("per_page", fmt.Sprintf("%d", pageSize))

			body, err := c.doRequest(ctx, http.MethodGet, "payments", query)
			if err != nil {
				return err
			}
			if body == nil {
				result = &domain.PageResult{CurrentPage: page, LastPage: page}
				return nil
			}

			var payload struct {
				Data        []wirePayment `json:"data"`
				CurrentPage int           `json:"current_page"`
				LastPage    int           `json:"last_page"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return fmt.Errorf("failed to decode payments: %w", err)
			}

			items := make([]domain.Transaction, 0, len(payload.Data))
			for i := range payload.Data {
				w := &payload.Data[i]
				if id := w.Card.ID.String(); id != "" && id != cardID {
					continue
				}
				items = append(items, w.toDomain())
			}

			result = &domain.PageResult{
				Items:       items,
				CurrentPage: payload.CurrentPage,
				LastPage:    payload.LastPage,
			}
			if result.CurrentPage == 0 {
				result.CurrentPage = page
			}
			if result.LastPage < result.CurrentPage {
				result.LastPage = result.CurrentPage
			}
			return nil
		})
	})

	if err != nil {
		c.logger.Warn("brocard: payments page failed",
			zap.String("card_id", cardID),
			zap.Int("page", page),
			zap.Error(err),
		)
		return nil, wrapUpstream("brocard/payments", err)
	}

	return result, nil
}

// wrapUpstream maps client failures to the domain taxonomy, letting
// already-typed errors (not-found, circuit open) pass through.
func wrapUpstream(service string, err error) error {
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return &domain.ErrCircuitOpen{Service: service}
	}
	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) {
		return err
	}
	return &domain.ErrExternalService{Service: service, Err: err}
}
