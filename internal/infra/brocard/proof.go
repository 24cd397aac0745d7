package brocard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/resilience"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

var (
	expiryPattern = regexp.MustCompile(`\d{2}/\d{2}`)
	cvvPattern    = regexp.MustCompile(`\d{3,4}`)
)

// BeginOwnershipProof starts an ownership proof for a card
// (implements port.ProofResolver).
//
// The embed endpoint returns a short-lived link to a page rendering the
// card's true PAN, expiry and CVV. When that page can be fetched and
// parsed, the handle carries structured secrets for byte-for-byte
// comparison. When the link is missing, unreachable, or its markup has
// drifted, the handle degrades to handle-only — never an error — so the
// caller can decide whether a bare last-four match is acceptable.
func (c *Client) BeginOwnershipProof(ctx context.Context, cardID string) (*domain.ProofHandle, error) {
	ctx, span := tracer.Start(ctx, "BroCard.BeginOwnershipProof")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", cardID))

	var link string

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("cards/%s/embed", cardID), nil)
			if err != nil {
				return err
			}
			if body == nil {
				return resilience.Permanent(&domain.ErrNotFound{Resource: "card", ID: cardID})
			}

			var payload struct {
				Link string `json:"link"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return fmt.Errorf("failed to decode embed response: %w", err)
			}
			link = payload.Link
			return nil
		})
	})

	if err != nil {
		return nil, wrapUpstream("brocard/embed", err)
	}

	handle := &domain.ProofHandle{CardID: cardID, Link: link}
	if link == "" {
		c.logger.Warn("brocard: embed returned no link, proof degraded to handle-only",
			zap.String("card_id", cardID),
		)
		return handle, nil
	}

	secrets, err := c.fetchSecrets(ctx, link)
	if err != nil {
		c.logger.Warn("brocard: secrets page unavailable, proof degraded to handle-only",
			zap.String("card_id", cardID),
			zap.Error(err),
		)
		return handle, nil
	}
	handle.Secrets = secrets
	return handle, nil
}

// fetchSecrets retrieves and scrapes the pre-signed secrets page.
// The link carries its own authorization, so no bearer header is sent.
func (c *Client) fetchSecrets(ctx context.Context, link string) (*domain.CardSecrets, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("secrets page returned status %d", resp.StatusCode)
	}

	secrets, err := scrapeSecrets(resp.Body)
	if err != nil {
		return nil, err
	}
	if secrets == nil {
		return nil, fmt.Errorf("secrets page markup did not expose comparable fields")
	}
	return secrets, nil
}

// scrapeSecrets pulls the secret fields out of the embed page markup:
// PAN digits are spread over <span> children of div#pan, the expiry is
// an MM/YY token inside div#date, the CVV sits inside div#cvv-wrapper.
// Returns nil (no error) if any of the three fields is missing.
func scrapeSecrets(body io.Reader) (*domain.CardSecrets, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse secrets page: %w", err)
	}

	var pan strings.Builder
	if panDiv := elementByID(doc, "pan"); panDiv != nil {
		for _, span := range elementsByTag(panDiv, "span") {
			text := strings.TrimSpace(nodeText(span))
			if text != "" && isDigits(text) {
				pan.WriteString(text)
			}
		}
	}

	var expiry string
	if dateDiv := elementByID(doc, "date"); dateDiv != nil {
		expiry = expiryPattern.FindString(nodeText(dateDiv))
	}

	var cvv string
	if cvvDiv := elementByID(doc, "cvv-wrapper"); cvvDiv != nil {
		cvv = cvvPattern.FindString(nodeText(cvvDiv))
	}

	if pan.Len() == 0 || expiry == "" || cvv == "" {
		return nil, nil
	}

	return &domain.CardSecrets{
		PAN:    pan.String(),
		CVV:    cvv,
		Expiry: expiry,
	}, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
