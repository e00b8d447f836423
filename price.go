package x402

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultTokenDecimals is the decimal count of the reference asset (USDC).
const DefaultTokenDecimals = 6

var priceNotation = regexp.MustCompile(`^\$?[0-9]+(\.[0-9]+)?$`)

// ParsePrice converts a dollar-decimal price ("$0.01", "0.01", "$1") into the
// asset's smallest unit as a decimal integer string. Conversion is exact; inputs
// with more fractional digits than the asset has decimals are rejected rather
// than rounded, as are negative and non-numeric inputs.
func ParsePrice(price string, decimals int) (string, error) {
	price = strings.TrimSpace(price)
	if !priceNotation.MatchString(price) {
		return "", NewPaymentError(ErrCodeInvalidPrice, "price must be a non-negative dollar amount like \"$0.01\"", nil)
	}
	if decimals < 0 {
		return "", NewPaymentError(ErrCodeInvalidPrice, "token decimals must be non-negative", nil)
	}

	d, err := decimal.NewFromString(strings.TrimPrefix(price, "$"))
	if err != nil {
		return "", NewPaymentError(ErrCodeInvalidPrice, "price is not a number", err)
	}
	if d.IsNegative() {
		return "", NewPaymentError(ErrCodeInvalidPrice, "price must not be negative", nil)
	}

	atomic := d.Shift(int32(decimals))
	if !atomic.IsInteger() {
		return "", NewPaymentError(ErrCodeInvalidPrice, "price has more fractional digits than the asset supports", nil)
	}

	return atomic.BigInt().String(), nil
}

// FormatAmount renders an atomic amount as a dollar-decimal string, the
// inverse of ParsePrice.
func FormatAmount(amount string, decimals int) (string, error) {
	if !decimalInteger.MatchString(amount) {
		return "", NewPaymentError(ErrCodeInvalidPrice, "amount must be a decimal integer string", nil)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", NewPaymentError(ErrCodeInvalidPrice, "amount is not a number", err)
	}
	return "$" + d.Shift(-int32(decimals)).StringFixed(int32(decimals)), nil
}
