package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// ToBase converts a human-readable decimal amount into the contract's
// fixed-point representation scaled by 10^decimals. The conversion is exact:
// amounts that are non-numeric, non-positive, or carry more fractional digits
// than decimals supports are rejected before anything reaches the ledger.
func ToBase(amount string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not numeric", ErrInvalidAmount, amount)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(pow10(decimals)))
	if !scaled.IsInt() {
		return nil, fmt.Errorf("%w: %q exceeds %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// FromBase renders a fixed-point value as a decimal string at display
// precision, trimming trailing fractional zeros so conversions round-trip.
func FromBase(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}
	if decimals == 0 {
		return raw.String()
	}
	quo, rem := new(big.Int).QuoRem(raw, pow10(decimals), new(big.Int))
	neg := false
	if rem.Sign() < 0 {
		rem.Neg(rem)
		neg = true
	}
	if quo.Sign() < 0 {
		neg = true
		quo.Neg(quo)
	}
	fracDigits := rem.String()
	for len(fracDigits) < int(decimals) {
		fracDigits = "0" + fracDigits
	}
	frac := strings.TrimRight(fracDigits, "0")
	out := quo.String()
	if frac != "" {
		out = out + "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
