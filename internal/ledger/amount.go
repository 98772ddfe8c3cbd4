package ledger

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

var maxUint64 = decimal.NewFromUint64(math.MaxUint64)

// ParseAmount parses a decimal integer amount from a request body.
// Negative values return ErrNegativeAmount, fractions and garbage return
// ErrMalformedAmount, and values beyond uint64 return ErrSpendOverflow.
func ParseAmount(s string) (uint64, error) {
	trim := strings.TrimSpace(s)
	if trim == "" {
		return 0, ErrMalformedAmount
	}
	d, err := decimal.NewFromString(trim)
	if err != nil {
		return 0, ErrMalformedAmount
	}
	if !d.IsInteger() {
		return 0, ErrMalformedAmount
	}
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	if d.GreaterThan(maxUint64) {
		return 0, ErrSpendOverflow
	}
	return d.BigInt().Uint64(), nil
}

// NormalizeID maps a caller-supplied balance id to its store key. Ids are
// NFC-normalized so visually identical ids share a balance.
func NormalizeID(id string) (string, error) {
	key := norm.NFC.String(strings.TrimSpace(id))
	if key == "" {
		return "", ErrInvalidBalanceID
	}
	return key, nil
}
