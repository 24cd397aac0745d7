// Package domain holds the core types for the card concierge:
// cards, ownership claims, sessions and payment transactions.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Card is one virtual card as known by the upstream issuer.
// The concierge treats it as read-only.
type Card struct {
	ID       string
	LastFour string
	Title    string
	Archived bool
}

// MaskedLabel returns the display form "•••• 1234" used anywhere the
// card must be referenced without exposing the PAN.
func (c *Card) MaskedLabel() string {
	return fmt.Sprintf("•••• %s", c.LastFour)
}

// CardSecrets are the issuer-side secret fields exposed by the
// ownership-proof page. Expiry is in MM/YY form.
type CardSecrets struct {
	PAN    string
	CVV    string
	Expiry string
}

// ProofHandle is the result of starting an ownership proof for a card.
// Secrets is nil when the proof channel only yielded an opaque reference
// (handle-only mode) — callers must branch on that.
type ProofHandle struct {
	CardID  string
	Link    string
	Secrets *CardSecrets
}

// Structured reports whether the proof exposed comparable secret fields.
func (p *ProofHandle) Structured() bool {
	return p != nil && p.Secrets != nil
}

// Session binds one chat user to one verified card.
type Session struct {
	ID        string
	UserID    string
	CardID    string
	CardLabel string
	CreatedAt time.Time
	State     string // always "authenticated"
}

// SettlementState is the lifecycle stage of a payment.
type SettlementState string

const (
	StatePending  SettlementState = "pending"
	StateSettled  SettlementState = "settled"
	StateVoided   SettlementState = "voided"
	StateDeclined SettlementState = "declined"
	StateRefunded SettlementState = "refunded"
	StateUnknown  SettlementState = "unknown"
)

// Merchant is the merchant sub-record of a transaction. Descriptor is
// the raw merchant-supplied text and may carry an embedded one-time
// verification code; it must be shown byte-for-byte, never truncated.
type Merchant struct {
	Name         string
	Descriptor   string
	Country      string
	CategoryCode string
}

// Transaction is one payment event as reported upstream.
type Transaction struct {
	ID       string
	Amount   decimal.Decimal
	Currency string
	State    SettlementState
	Date     time.Time
	Merchant Merchant

	// Pre-conversion amount, when the upstream reports one.
	OriginalAmount   *decimal.Decimal
	OriginalCurrency string
}

// PageResult is one page of the upstream payments listing.
type PageResult struct {
	Items       []Transaction
	CurrentPage int
	LastPage    int
}

// AggregationResult is the outcome of a full-history fetch.
//
// Complete is false when any page request failed; whatever was
// accumulated before the failure is still present. Truncated is true
// when a page ceiling or early-stop threshold cut the run short — a
// truncated run must never feed a total-spend figure.
type AggregationResult struct {
	Transactions []Transaction
	Complete     bool
	Truncated    bool
	PagesFetched int
	LastPage     int
}
