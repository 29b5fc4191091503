package web3

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals used by the contracts the server talks to.
const (
	EtherDecimals = 18
	USDTDecimals  = 6
)

// ParseUnits converts a human decimal string such as "12.5" into the integer
// on-chain amount scaled by 10^decimals. Fractions longer than decimals are
// rejected rather than rounded.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("invalid decimals %d", decimals)
	}
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(frac, ".") {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("invalid amount %q", value)
	}

	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", value, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if negative {
		out.Neg(out)
	}
	return out, nil
}

// FormatUnits renders an on-chain integer amount as a human decimal string.
// Whole values keep one fractional digit ("1.0").
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	if decimals <= 0 {
		return amount.String() + ".0"
	}
	abs := new(big.Int).Abs(amount)
	digits := abs.String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		frac = "0"
	}
	sign := ""
	if amount.Sign() < 0 {
		sign = "-"
	}
	return sign + whole + "." + frac
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
