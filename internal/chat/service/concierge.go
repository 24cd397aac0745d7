// Package service implements the Concierge: the chat-side orchestrator
// that turns incoming messages into replies.
//
// The flow mirrors a front-desk conversation:
//  1. An unauthenticated user sends an ownership claim ("PAN CVV MM/YY")
//  2. The claim is verified against the issuer and a session is bound
//  3. Commands (3DS Code, Statement, Logout) act on the bound card
//
// Every failure maps to a corrective reply, never a transport error:
// the user always gets told what to do next.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	chatdomain "github.com/ecart/card-concierge-go/internal/chat/domain"
	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/port"
	coresvc "github.com/ecart/card-concierge-go/internal/service"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var conciergeTracer = otel.Tracer("chat/service")

const claimPrompt = "Send your card details in one message:\n" +
	"`1234 5678 9012 3456 123 12/26`\n" +
	"(card number, CVV, expiry — spaces or hyphens in the number are fine)"

// Notifier pushes an out-of-band progress line to the user while a
// long-running command is still being assembled. Nil is fine; progress
// then only reaches the logs.
type Notifier func(userID, text string)

// ConciergeConfig tunes the chat flows.
type ConciergeConfig struct {
	// PageSize and PageDelay are forwarded to the aggregator.
	PageSize  int
	PageDelay time.Duration

	// MaxPages caps how deep a statement run scans. Zero scans the
	// whole history.
	MaxPages int

	// RecentLimit is how many transactions the 3DS view shows.
	RecentLimit int

	// PreviewStopAfter bounds the upstream scan behind the 3DS view.
	PreviewStopAfter int
}

func (c ConciergeConfig) withDefaults() ConciergeConfig {
	if c.RecentLimit <= 0 {
		c.RecentLimit = 20
	}
	if c.PreviewStopAfter <= 0 {
		c.PreviewStopAfter = 50
	}
	return c
}

// Concierge handles one chat message at a time per user. State lives in
// the session store, so instances are stateless and safe to share.
type Concierge struct {
	verifier   *coresvc.Verifier
	aggregator *coresvc.Aggregator
	reports    *coresvc.ReportBuilder
	cards      port.CardProvider
	sessions   port.SessionStore
	notifier   Notifier
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        ConciergeConfig
}

// NewConcierge creates the concierge with all dependencies injected.
func NewConcierge(
	verifier *coresvc.Verifier,
	aggregator *coresvc.Aggregator,
	reports *coresvc.ReportBuilder,
	cards port.CardProvider,
	sessions port.SessionStore,
	notifier Notifier,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg ConciergeConfig,
) *Concierge {
	return &Concierge{
		verifier:   verifier,
		aggregator: aggregator,
		reports:    reports,
		cards:      cards,
		sessions:   sessions,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}
}

// HandleMessage routes one incoming message. Commands are checked
// first; anything else is treated as an ownership claim attempt.
func (c *Concierge) HandleMessage(ctx context.Context, in *chatdomain.Incoming) *chatdomain.Reply {
	ctx, span := conciergeTracer.Start(ctx, "Concierge.HandleMessage")
	defer span.End()
	span.SetAttributes(attribute.String("chat.user_id", in.UserID))

	start := time.Now()
	defer func() {
		c.metrics.RecordRequestDuration("chat_message", time.Since(start))
	}()

	switch in.Text {
	case chatdomain.CmdStart:
		return c.handleStart(in.UserID)
	case chatdomain.Cmd3DSCode:
		return c.withSession(ctx, in.UserID, c.handleRecent)
	case chatdomain.CmdStatement:
		return c.withSession(ctx, in.UserID, c.handleStatement)
	case chatdomain.CmdLogout:
		return c.handleLogout(in.UserID)
	default:
		return c.handleClaim(ctx, in.UserID, in.Text)
	}
}

func (c *Concierge) handleStart(userID string) *chatdomain.Reply {
	if sess, ok := c.sessions.Get(userID); ok {
		return &chatdomain.Reply{
			Messages: []string{fmt.Sprintf("👋 Welcome back! You are logged in with %s.", sess.CardLabel)},
			Keyboard: chatdomain.MainKeyboard,
		}
	}
	return &chatdomain.Reply{
		Messages: []string{
			"👋 Welcome to the E-Cart card concierge.",
			claimPrompt,
		},
		RemoveKeyboard: true,
	}
}

// withSession gates a command behind an authenticated session. An
// expired or missing session gets the login prompt, not an error.
func (c *Concierge) withSession(ctx context.Context, userID string, fn func(ctx context.Context, sess domain.Session) *chatdomain.Reply) *chatdomain.Reply {
	sess, ok := c.sessions.Get(userID)
	if !ok {
		return &chatdomain.Reply{
			Messages:       []string{"🔒 Your session has ended. Please log in again.", claimPrompt},
			RemoveKeyboard: true,
		}
	}
	return fn(ctx, sess)
}

func (c *Concierge) handleClaim(ctx context.Context, userID, text string) *chatdomain.Reply {
	claim, err := domain.ParseClaim(text)
	if err != nil {
		if c.sessions.IsAuthenticated(userID) {
			return &chatdomain.Reply{
				Messages: []string{"🤔 I didn't recognize that. Use the buttons below."},
				Keyboard: chatdomain.MainKeyboard,
			}
		}
		return &chatdomain.Reply{Messages: []string{"🤔 That doesn't look right.", claimPrompt}}
	}

	card, err := c.verifier.Verify(ctx, claim)
	if err != nil {
		return c.verifyFailureReply(userID, claim, err)
	}

	sess := c.sessions.Create(userID, card)
	c.metrics.IncrSession("created")
	c.logger.Info("chat login",
		zap.String("user_id", userID),
		zap.String("card_id", card.ID),
	)

	return &chatdomain.Reply{
		Messages: []string{fmt.Sprintf("✅ Verified! You are logged in with %s.", sess.CardLabel)},
		Keyboard: chatdomain.MainKeyboard,
	}
}

// verifyFailureReply maps a verification error to a corrective message.
// The claim itself never appears in replies or logs.
func (c *Concierge) verifyFailureReply(userID string, claim *domain.OwnershipClaim, err error) *chatdomain.Reply {
	c.logger.Warn("chat login failed",
		zap.String("user_id", userID),
		zap.String("last_four", claim.LastFour()),
		zap.Error(err),
	)

	var (
		notFound    *domain.ErrNotFound
		mismatch    *domain.ErrSecretMismatch
		unavailable *domain.ErrProofUnavailable
	)
	switch {
	case errors.As(err, &notFound):
		return &chatdomain.Reply{Messages: []string{
			fmt.Sprintf("❌ No card ending in %s was found. Check the number and try again.", claim.LastFour()),
		}}
	case errors.As(err, &mismatch):
		return &chatdomain.Reply{Messages: []string{
			"❌ The details don't match our records. Check the CVV and expiry and try again.",
		}}
	case errors.As(err, &unavailable):
		return &chatdomain.Reply{Messages: []string{
			"❌ We couldn't confirm ownership of that card right now. Please try again later.",
		}}
	default:
		return &chatdomain.Reply{Messages: []string{
			"⚠️ The card service is temporarily unavailable. Please try again in a minute.",
		}}
	}
}

// handleRecent serves the 3DS Code button: the most recent transactions
// with raw descriptors, no settlement filter, so a just-issued hold
// carrying a verification code is visible immediately.
func (c *Concierge) handleRecent(ctx context.Context, sess domain.Session) *chatdomain.Reply {
	card := &domain.Card{ID: sess.CardID, LastFour: lastFourFromLabel(sess.CardLabel)}

	txs, err := c.aggregator.ListRecent(ctx, sess.CardID, c.cfg.RecentLimit, c.cfg.PreviewStopAfter)
	if err != nil {
		c.logger.Warn("recent listing failed",
			zap.String("card_id", sess.CardID),
			zap.Error(err),
		)
		return &chatdomain.Reply{
			Messages: []string{"⚠️ Couldn't load recent transactions. Please try again."},
			Keyboard: chatdomain.MainKeyboard,
		}
	}

	body := c.reports.RenderRecent(card, txs)
	return &chatdomain.Reply{
		Messages: coresvc.SplitMessage(body, c.reports.InlineLimit()),
		Keyboard: chatdomain.MainKeyboard,
	}
}

// handleStatement serves the Statement button: the full history with a
// settled-only total, delivered inline or as a file depending on size.
func (c *Concierge) handleStatement(ctx context.Context, sess domain.Session) *chatdomain.Reply {
	c.notify(sess.UserID, "⏳ Assembling your statement, this can take a moment...")

	var (
		card   *domain.Card
		result domain.AggregationResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		card, err = c.cards.GetCard(gctx, sess.CardID)
		return err
	})
	g.Go(func() error {
		result = c.aggregator.FetchAll(gctx, sess.CardID, coresvc.FetchOptions{
			PageSize: c.cfg.PageSize,
			Delay:    c.cfg.PageDelay,
			MaxPages: c.cfg.MaxPages,
			Progress: func(current, last int) {
				c.notify(sess.UserID, fmt.Sprintf("⏳ Fetching page %d of %d...", current, last))
			},
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		c.logger.Warn("statement card lookup failed",
			zap.String("card_id", sess.CardID),
			zap.Error(err),
		)
		return &chatdomain.Reply{
			Messages: []string{"⚠️ Couldn't load your card right now. Please try again."},
			Keyboard: chatdomain.MainKeyboard,
		}
	}

	// Nothing fetched and the run aborted: a hard failure, not an
	// empty statement.
	if !result.Complete && len(result.Transactions) == 0 {
		return &chatdomain.Reply{
			Messages: []string{"⚠️ The statement service is unavailable right now. Please try again later."},
			Keyboard: chatdomain.MainKeyboard,
		}
	}

	total, settled := coresvc.Classify(result.Transactions)
	// A page-ceiling truncation understates the total just like an
	// upstream failure does, so both lose the clean-coverage label.
	covered := result.Complete && !result.Truncated
	summary := c.reports.RenderSummary(card, total, len(settled), len(result.Transactions), covered)
	statement := c.reports.RenderStatement(card, &result, total, len(settled))

	if len(statement) <= c.reports.InlineLimit() {
		c.metrics.IncrReport("inline")
		return &chatdomain.Reply{
			Messages: append([]string{summary}, coresvc.SplitMessage(statement, c.reports.InlineLimit())...),
			Keyboard: chatdomain.MainKeyboard,
		}
	}

	c.metrics.IncrReport("document")
	return &chatdomain.Reply{
		Messages: []string{summary},
		Keyboard: chatdomain.MainKeyboard,
		Document: &chatdomain.Document{
			Name:    coresvc.StatementFilename(card.ID, time.Now()),
			Content: []byte(statement),
			Caption: fmt.Sprintf("📄 Statement for %s", card.MaskedLabel()),
		},
	}
}

func (c *Concierge) handleLogout(userID string) *chatdomain.Reply {
	c.sessions.Destroy(userID)
	c.metrics.IncrSession("destroyed")
	return &chatdomain.Reply{
		Messages:       []string{"👋 Logged out. Send your card details whenever you want back in.", claimPrompt},
		RemoveKeyboard: true,
	}
}

func (c *Concierge) notify(userID, text string) {
	if c.notifier == nil {
		c.logger.Debug("progress", zap.String("user_id", userID), zap.String("text", text))
		return
	}
	c.notifier(userID, text)
}

// lastFourFromLabel recovers the digits from a "•••• 0366" label.
func lastFourFromLabel(label string) string {
	if n := len(label); n >= 4 {
		return label[n-4:]
	}
	return label
}
