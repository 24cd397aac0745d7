package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// OwnershipClaim is the user-supplied (number, CVV, expiry) triple.
// It is never persisted; it lives only for one verification attempt.
type OwnershipClaim struct {
	PAN   string // exactly 16 digits, separators stripped
	CVV   string // 3–4 digits
	Month int    // 1–12
	Year  int    // two-digit year
}

// LastFour returns the lookup key for candidate cards.
func (c *OwnershipClaim) LastFour() string {
	return c.PAN[len(c.PAN)-4:]
}

// Expiry returns the claim's expiry in the MM/YY form the proof page uses.
func (c *OwnershipClaim) Expiry() string {
	return twoDigits(c.Month) + "/" + twoDigits(c.Year)
}

func twoDigits(n int) string {
	s := strconv.Itoa(n)
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// Accepted claim shape: card number (digits, optionally grouped by
// spaces or hyphens), spaces, 3–4 digit CVV, spaces, MMYY with an
// optional "/" or "-" between month and year.
var claimPattern = regexp.MustCompile(`^(\d[\d -]*\d)\s+(\d{3,4})\s+(\d{2})[/-]?(\d{2})$`)

var separatorStripper = strings.NewReplacer(" ", "", "-", "")

// ParseClaim parses free-form claim text into an OwnershipClaim.
//
// Any deviation from the accepted grammar — wrong PAN length after
// stripping separators, month outside 01–12 — is a parse failure, not a
// verification failure.
func ParseClaim(text string) (*OwnershipClaim, error) {
	m := claimPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return nil, &ErrParse{Reason: "expected: card number, CVV, MM/YY"}
	}

	pan := separatorStripper.Replace(m[1])
	if len(pan) != 16 {
		return nil, &ErrParse{Reason: "card number must have 16 digits"}
	}

	month, err := strconv.Atoi(m[3])
	if err != nil || month < 1 || month > 12 {
		return nil, &ErrParse{Reason: "month must be between 01 and 12"}
	}
	year, err := strconv.Atoi(m[4])
	if err != nil {
		return nil, &ErrParse{Reason: "invalid expiry year"}
	}

	return &OwnershipClaim{
		PAN:   pan,
		CVV:   m[2],
		Month: month,
		Year:  year,
	}, nil
}
