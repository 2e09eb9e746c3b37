// Package amount handles the fixed-point decimal strings used for balances.
// Every amount is rendered with exactly Precision fractional digits and is
// truncated, never rounded, when the source carries more precision.
package amount

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits kept for every balance
const Precision = 6

// Zero is the canonical zero amount
const Zero = "0.000000"

// Epsilon is the smallest representable amount, used as the denominator
// floor when computing relative change against a zero baseline.
var Epsilon = decimal.New(1, -Precision)

// Parse parses a balance string. Negative or malformed values are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	return d, nil
}

// ParseOrZero parses s and treats an empty string as zero.
func ParseOrZero(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return Parse(s)
}

// Format renders d with Precision fractional digits, truncating extra digits.
func Format(d decimal.Decimal) string {
	return d.Truncate(Precision).StringFixed(Precision)
}

// Normalize parses s and re-renders it in canonical form.
func Normalize(s string) (string, error) {
	d, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(d), nil
}

// FromRaw converts an on-chain integer amount (smallest unit) into a
// canonical decimal string by dividing by 10^decimals.
func FromRaw(raw string, decimals int) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty raw amount")
	}
	if decimals < 0 || decimals > 77 {
		return "", fmt.Errorf("unsupported decimals %d", decimals)
	}

	b, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", fmt.Errorf("invalid raw amount %q", raw)
	}
	if b.Sign() < 0 {
		return "", fmt.Errorf("negative raw amount %q", raw)
	}

	return Format(decimal.NewFromBigInt(b, -int32(decimals))), nil
}

// FromBig is FromRaw for callers that already hold a big.Int.
func FromBig(b *big.Int, decimals int) (string, error) {
	if b == nil {
		return Zero, nil
	}
	return FromRaw(b.String(), decimals)
}
