package service_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	chatdomain "github.com/ecart/card-concierge-go/internal/chat/domain"
	chatsvc "github.com/ecart/card-concierge-go/internal/chat/service"
	"github.com/ecart/card-concierge-go/internal/domain"
	"github.com/ecart/card-concierge-go/internal/infra/cache"
	"github.com/ecart/card-concierge-go/internal/infra/observability"
	"github.com/ecart/card-concierge-go/internal/infra/resilience"
	"github.com/ecart/card-concierge-go/internal/service"
	"github.com/ecart/card-concierge-go/internal/session"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// mockIssuer implements port.CardProvider and port.ProofResolver.
type mockIssuer struct {
	cards    []domain.Card
	handles  map[string]*domain.ProofHandle
	pages    map[int]*domain.PageResult
	failPage int
	pageErr  error
}

func (m *mockIssuer) FindCardsByLastFour(_ context.Context, lastFour string) ([]domain.Card, error) {
	var out []domain.Card
	for _, c := range m.cards {
		if c.LastFour == lastFour {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockIssuer) GetCard(_ context.Context, cardID string) (*domain.Card, error) {
	for _, c := range m.cards {
		if c.ID == cardID {
			card := c
			return &card, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "card", ID: cardID}
}

func (m *mockIssuer) ListPayments(_ context.Context, _ string, page, _ int) (*domain.PageResult, error) {
	if m.failPage != 0 && page >= m.failPage {
		err := m.pageErr
		if err == nil {
			err = &domain.ErrExternalService{Service: "brocard"}
		}
		return nil, err
	}
	if p, ok := m.pages[page]; ok {
		return p, nil
	}
	return &domain.PageResult{CurrentPage: page, LastPage: len(m.pages)}, nil
}

func (m *mockIssuer) BeginOwnershipProof(_ context.Context, cardID string) (*domain.ProofHandle, error) {
	if h, ok := m.handles[cardID]; ok {
		return h, nil
	}
	return &domain.ProofHandle{CardID: cardID}, nil
}

const (
	testPAN    = "4532015112830366"
	testClaim  = "4532 0151 1283 0366 123 12/26"
	testUserID = "user-1"
)

func structuredHandle(cardID string) *domain.ProofHandle {
	return &domain.ProofHandle{
		CardID: cardID,
		Link:   "https://secrets.example/abc",
		Secrets: &domain.CardSecrets{
			PAN:    testPAN,
			CVV:    "123",
			Expiry: "12/26",
		},
	}
}

func settledTx(id, amount string) domain.Transaction {
	return domain.Transaction{
		ID:       id,
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		State:    domain.StateSettled,
		Date:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Merchant: domain.Merchant{Descriptor: "SHOP *" + id},
	}
}

func newConcierge(t *testing.T, issuer *mockIssuer, cfg chatsvc.ConciergeConfig) (*chatsvc.Concierge, *session.Store) {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	sessions := session.NewStore(0, nil)

	verifier := service.NewVerifier(
		issuer, issuer,
		cache.New[[]domain.Card](time.Minute),
		resilience.NewBulkhead(2),
		metrics, logger, false,
	)
	aggregator := service.NewAggregator(issuer, metrics, logger)
	reports := service.NewReportBuilder(0)

	if cfg.PageDelay == 0 {
		cfg.PageDelay = time.Millisecond
	}
	c := chatsvc.NewConcierge(verifier, aggregator, reports, issuer, sessions, nil, metrics, logger, cfg)
	return c, sessions
}

func login(t *testing.T, c *chatsvc.Concierge) {
	t.Helper()
	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: testClaim})
	if len(reply.Keyboard) == 0 {
		t.Fatalf("login did not succeed: %v", reply.Messages)
	}
}

func defaultIssuer() *mockIssuer {
	return &mockIssuer{
		cards:   []domain.Card{{ID: "crd-1", LastFour: "0366", Title: "Ads"}},
		handles: map[string]*domain.ProofHandle{"crd-1": structuredHandle("crd-1")},
		pages: map[int]*domain.PageResult{
			1: {Items: []domain.Transaction{settledTx("a", "10.00"), settledTx("b", "5.00")}, CurrentPage: 1, LastPage: 1},
		},
	}
}

func TestHandleMessage_StartPromptsForClaim(t *testing.T) {
	c, _ := newConcierge(t, defaultIssuer(), chatsvc.ConciergeConfig{})

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: chatdomain.CmdStart})

	if !reply.RemoveKeyboard {
		t.Error("unauthenticated /start should clear the keyboard")
	}
	if len(reply.Messages) == 0 || !strings.Contains(reply.Messages[len(reply.Messages)-1], "CVV") {
		t.Errorf("expected the claim prompt, got %v", reply.Messages)
	}
}

func TestHandleMessage_LoginBindsSession(t *testing.T) {
	c, sessions := newConcierge(t, defaultIssuer(), chatsvc.ConciergeConfig{})

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: testClaim})

	if !strings.Contains(reply.Messages[0], "•••• 0366") {
		t.Errorf("login reply should name the masked card: %v", reply.Messages)
	}
	if len(reply.Keyboard) != len(chatdomain.MainKeyboard) {
		t.Errorf("expected the main keyboard, got %v", reply.Keyboard)
	}
	if !sessions.IsAuthenticated(testUserID) {
		t.Error("session was not created")
	}
}

func TestHandleMessage_LoginFailureLeavesNoSession(t *testing.T) {
	issuer := defaultIssuer()
	issuer.handles["crd-1"].Secrets.CVV = "999"
	c, sessions := newConcierge(t, issuer, chatsvc.ConciergeConfig{})

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: testClaim})

	if !strings.Contains(reply.Messages[0], "don't match") {
		t.Errorf("expected a mismatch message, got %v", reply.Messages)
	}
	if sessions.IsAuthenticated(testUserID) {
		t.Error("failed verification must not create a session")
	}
}

func TestHandleMessage_GarbledClaimGetsCorrectivePrompt(t *testing.T) {
	c, sessions := newConcierge(t, defaultIssuer(), chatsvc.ConciergeConfig{})

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: "4532 0151 1283 123 12/26"})

	if !strings.Contains(reply.Messages[0], "doesn't look right") {
		t.Errorf("expected a corrective prompt, got %v", reply.Messages)
	}
	if sessions.IsAuthenticated(testUserID) {
		t.Error("parse failure must not create a session")
	}
}

func TestHandleMessage_CommandsRequireSession(t *testing.T) {
	c, _ := newConcierge(t, defaultIssuer(), chatsvc.ConciergeConfig{})

	for _, cmd := range []string{chatdomain.Cmd3DSCode, chatdomain.CmdStatement} {
		reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: cmd})
		if !strings.Contains(reply.Messages[0], "session has ended") {
			t.Errorf("%s without a session should prompt for login, got %v", cmd, reply.Messages)
		}
		if !reply.RemoveKeyboard {
			t.Errorf("%s without a session should clear the keyboard", cmd)
		}
	}
}

func TestHandleMessage_StatementInline(t *testing.T) {
	c, _ := newConcierge(t, defaultIssuer(), chatsvc.ConciergeConfig{})
	login(t, c)

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: chatdomain.CmdStatement})

	if reply.Document != nil {
		t.Fatal("short statement should stay inline")
	}
	joined := strings.Join(reply.Messages, "\n")
	if !strings.Contains(joined, "15.00") {
		t.Errorf("statement should total the settled transactions:\n%s", joined)
	}
	if !strings.Contains(joined, "SHOP *a") {
		t.Errorf("statement should carry raw descriptors:\n%s", joined)
	}
}

func TestHandleMessage_LongStatementBecomesDocument(t *testing.T) {
	issuer := defaultIssuer()
	var txs []domain.Transaction
	for i := 0; i < 80; i++ {
		txs = append(txs, settledTx(fmt.Sprintf("tx-%03d", i), "1.00"))
	}
	issuer.pages = map[int]*domain.PageResult{
		1: {Items: txs, CurrentPage: 1, LastPage: 1},
	}
	c, _ := newConcierge(t, issuer, chatsvc.ConciergeConfig{})
	login(t, c)

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: chatdomain.CmdStatement})

	if reply.Document == nil {
		t.Fatal("oversized statement should ship as a document")
	}
	if !strings.HasPrefix(reply.Document.Name, "E-Cart_Statement_crd-1_") || !strings.HasSuffix(reply.Document.Name, ".txt") {
		t.Errorf("unexpected document name %q", reply.Document.Name)
	}
	if len(reply.Messages) == 0 || !strings.Contains(reply.Messages[0], "Total spend") {
		t.Errorf("summary should still go inline: %v", reply.Messages)
	}
}

func TestHandleMessage_StatementPageCeilingLabelsTotal(t *testing.T) {
	issuer := defaultIssuer()
	issuer.pages = map[int]*domain.PageResult{
		1: {Items: []domain.Transaction{settledTx("a", "10.00")}, CurrentPage: 1, LastPage: 2},
		2: {Items: []domain.Transaction{settledTx("b", "90.00")}, CurrentPage: 2, LastPage: 2},
	}
	c, _ := newConcierge(t, issuer, chatsvc.ConciergeConfig{MaxPages: 1})
	login(t, c)

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: chatdomain.CmdStatement})

	joined := strings.Join(reply.Messages, "\n")
	if !strings.Contains(joined, "10.00") {
		t.Errorf("ceiling-capped run should total only the scanned pages:\n%s", joined)
	}
	if strings.Contains(joined, "90.00") {
		t.Errorf("pages beyond the ceiling must not be fetched:\n%s", joined)
	}
	if !strings.Contains(joined, "incomplete") {
		t.Errorf("a ceiling-capped total must carry the incomplete warning:\n%s", joined)
	}
}

func TestHandleMessage_StatementUpstreamDownIsHardError(t *testing.T) {
	issuer := defaultIssuer()
	issuer.failPage = 1
	c, _ := newConcierge(t, issuer, chatsvc.ConciergeConfig{})
	login(t, c)

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: chatdomain.CmdStatement})

	if reply.Document != nil {
		t.Error("failed run must not produce a document")
	}
	if !strings.Contains(reply.Messages[0], "unavailable") {
		t.Errorf("first-page failure must read as an outage, not an empty statement: %v", reply.Messages)
	}
}

func TestHandleMessage_RecentShowsDeclinedToo(t *testing.T) {
	issuer := defaultIssuer()
	declined := settledTx("d", "1.00")
	declined.State = domain.StateDeclined
	declined.Merchant.Descriptor = "ACME *CODE 4417"
	issuer.pages[1].Items = append(issuer.pages[1].Items, declined)
	c, _ := newConcierge(t, issuer, chatsvc.ConciergeConfig{})
	login(t, c)

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: chatdomain.Cmd3DSCode})

	joined := strings.Join(reply.Messages, "\n")
	if !strings.Contains(joined, "ACME *CODE 4417") {
		t.Errorf("declined transactions must appear in the 3DS view:\n%s", joined)
	}
}

func TestHandleMessage_LogoutDestroysSession(t *testing.T) {
	c, sessions := newConcierge(t, defaultIssuer(), chatsvc.ConciergeConfig{})
	login(t, c)

	reply := c.HandleMessage(context.Background(), &chatdomain.Incoming{UserID: testUserID, Text: chatdomain.CmdLogout})

	if !reply.RemoveKeyboard {
		t.Error("logout should clear the keyboard")
	}
	if sessions.IsAuthenticated(testUserID) {
		t.Error("logout must destroy the session")
	}
}
