package action

import (
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"zkescrow/internal/domain"
)

// OctasPerCoin is the base-unit scale of the settlement coin.
const OctasPerCoin = 100_000_000

var (
	octaScale = decimal.NewFromInt(OctasPerCoin)
	maxOctas  = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)
)

// ParseAmount converts a display amount such as "1.5" into octas, rounding down.
func ParseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, domain.Invalid("amount", "is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, domain.Invalid("amount", "not a decimal number: %q", s)
	}
	if !d.IsPositive() {
		return 0, domain.Invalid("amount", "must be positive")
	}
	octas := d.Mul(octaScale).Floor()
	if octas.IsZero() {
		return 0, domain.Invalid("amount", "%s is below one octa", s)
	}
	if octas.GreaterThan(maxOctas) {
		return 0, domain.Invalid("amount", "%s overflows u64", s)
	}
	return octas.BigInt().Uint64(), nil
}

// FormatAmount renders octas in display units.
func FormatAmount(octas uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(octas), 0).Div(octaScale).String()
}
