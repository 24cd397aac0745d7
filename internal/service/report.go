package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ecart/card-concierge-go/internal/domain"

	"github.com/shopspring/decimal"
)

const reportDivider = "------------------------------"

// Classify filters transactions to the settled bucket, sums their
// amounts as decimals, and sorts them newest-first.
//
// Only SETTLED transactions contribute to the total: pending, voided,
// declined and refunded ones may appear in listings but never in the
// figure. The sort is stable, so equal timestamps keep their original
// relative order.
func Classify(txs []domain.Transaction) (decimal.Decimal, []domain.Transaction) {
	total := decimal.Zero
	settled := make([]domain.Transaction, 0, len(txs))

	for _, tx := range txs {
		if tx.State != domain.StateSettled {
			continue
		}
		total = total.Add(tx.Amount)
		settled = append(settled, tx)
	}

	sort.SliceStable(settled, func(i, j int) bool {
		return settled[i].Date.After(settled[j].Date)
	})

	return total, settled
}

// ReportBuilder renders summaries, statements and the 3DS view, and
// decides between inline and document delivery.
type ReportBuilder struct {
	// inlineLimit is the rendered-body length above which content is
	// packaged as a downloadable file instead of an inline message.
	inlineLimit int
}

// NewReportBuilder creates a report builder. inlineLimit of zero falls
// back to 4000, the common chat-message ceiling.
func NewReportBuilder(inlineLimit int) *ReportBuilder {
	if inlineLimit <= 0 {
		inlineLimit = 4000
	}
	return &ReportBuilder{inlineLimit: inlineLimit}
}

// InlineLimit returns the configured inline/document threshold.
func (b *ReportBuilder) InlineLimit() int { return b.inlineLimit }

// RenderSummary produces the short statement header: masked card,
// title, settled total and counts. covered reports whether the run saw
// the whole history; a failed or truncated run must pass false so the
// total carries the incompleteness warning.
func (b *ReportBuilder) RenderSummary(card *domain.Card, total decimal.Decimal, settledCount, totalCount int, covered bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "💳 %s", card.MaskedLabel())
	if card.Title != "" {
		fmt.Fprintf(&sb, " — %s", card.Title)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "💰 Total spend (settled): %s\n", total.StringFixed(2))
	fmt.Fprintf(&sb, "🧾 %d settled of %d transactions\n", settledCount, totalCount)
	if !covered {
		sb.WriteString("⚠️ History incomplete: the total may be missing transactions.\n")
	}
	return sb.String()
}

// RenderStatement produces the full transaction-by-transaction export.
// The raw merchant descriptor is emitted byte-for-byte: it is the only
// channel carrying embedded one-time verification codes.
func (b *ReportBuilder) RenderStatement(card *domain.Card, result *domain.AggregationResult, total decimal.Decimal, settledCount int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "📄 Statement for %s (%d transactions)\n", card.MaskedLabel(), len(result.Transactions))
	fmt.Fprintf(&sb, "%s\n", strings.Repeat("=", 30))

	for _, tx := range result.Transactions {
		desc := tx.Merchant.Descriptor
		if desc == "" {
			desc = tx.Merchant.Name
		}

		fmt.Fprintf(&sb, "%s %s\n", stateIcon(tx.State), desc)
		fmt.Fprintf(&sb, "💰 %s %s", tx.Amount.StringFixed(2), tx.Currency)
		if tx.OriginalAmount != nil && tx.OriginalCurrency != "" && tx.OriginalCurrency != tx.Currency {
			fmt.Fprintf(&sb, " (orig %s %s)", tx.OriginalAmount.StringFixed(2), tx.OriginalCurrency)
		}
		fmt.Fprintf(&sb, " | 📅 %s\n", formatDate(tx.Date))
		if tx.Merchant.Country != "" || tx.Merchant.CategoryCode != "" {
			fmt.Fprintf(&sb, "🌍 %s | MCC %s\n", orNA(tx.Merchant.Country), orNA(tx.Merchant.CategoryCode))
		}
		sb.WriteString(reportDivider + "\n")
	}

	fmt.Fprintf(&sb, "💰 Total spend (settled, %d tx): %s\n", settledCount, total.StringFixed(2))
	switch {
	case !result.Complete:
		sb.WriteString("⚠️ Upstream failed mid-fetch: this statement and its total may be incomplete.\n")
	case result.Truncated:
		sb.WriteString("⚠️ Scan stopped at the configured page ceiling: this statement and its total may be incomplete.\n")
	}

	return sb.String()
}

// RenderRecent renders the 3DS/OTP view: each transaction with its raw
// descriptor prominent, no settlement-state filter. Entries whose
// descriptor looks like a verification code are flagged.
func (b *ReportBuilder) RenderRecent(card *domain.Card, txs []domain.Transaction) string {
	if len(txs) == 0 {
		return fmt.Sprintf("📭 No recent transactions for %s — the code may not have arrived yet.", card.MaskedLabel())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔐 Recent transactions for %s\n", card.MaskedLabel())
	sb.WriteString("A verification code usually appears as a suffix token in the descriptor (after a *).\n")
	sb.WriteString(reportDivider + "\n")

	for _, tx := range txs {
		if looksLikeCode(tx.Merchant.Descriptor) {
			sb.WriteString("🔑 ")
		}
		fmt.Fprintf(&sb, "%s\n", rawDescriptor(tx))
		fmt.Fprintf(&sb, "%s %s %s | 📅 %s\n", stateIcon(tx.State), tx.Amount.StringFixed(2), tx.Currency, formatDate(tx.Date))
		sb.WriteString(reportDivider + "\n")
	}

	return sb.String()
}

// StatementFilename names an exported statement deterministically from
// card and date.
func StatementFilename(cardID string, now time.Time) string {
	return fmt.Sprintf("E-Cart_Statement_%s_%s.txt", cardID, now.Format("2006-01-02"))
}

// SplitMessage splits body into chunks of at most limit bytes, cutting
// only at newline boundaries so no record is ever torn mid-line.
func SplitMessage(body string, limit int) []string {
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return nil
	}
	if limit <= 0 || len(body) <= limit {
		return []string{body}
	}

	var parts []string
	var current strings.Builder
	for _, line := range strings.Split(body, "\n") {
		// A single oversized line still goes out whole.
		if current.Len() > 0 && current.Len()+len(line)+1 > limit {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func rawDescriptor(tx domain.Transaction) string {
	if tx.Merchant.Descriptor != "" {
		return tx.Merchant.Descriptor
	}
	return tx.Merchant.Name
}

// looksLikeCode flags descriptors that typically carry a 3DS/OTP token.
func looksLikeCode(descriptor string) bool {
	lower := strings.ToLower(descriptor)
	for _, kw := range []string{"code", "otp", "3ds"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func stateIcon(state domain.SettlementState) string {
	switch state {
	case domain.StateSettled:
		return "✅"
	case domain.StatePending:
		return "⏳"
	case domain.StateRefunded:
		return "↩️"
	default:
		return "❌"
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format("2006-01-02 15:04")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
