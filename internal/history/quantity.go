package history

import (
	"regexp"
	"strings"

	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/shopspring/decimal"
)

// quantityPattern matches a number with optional thousands separators and an
// optional fractional part. Grouped form is tried first so "1,500.5" is one
// token rather than "1".
var quantityPattern = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?`)

// ParseQuantity returns the first numeric token in details. Tokens that are
// absent or not positive yield ok=false.
func ParseQuantity(details string) (decimal.Decimal, bool) {
	token := quantityPattern.FindString(details)
	if token == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(token, ",", ""))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Quantity is the single place replay code recovers an entry's amount. A
// structured Amount wins over the free-text details.
func Quantity(e model.ActionHistoryEntry) (decimal.Decimal, bool) {
	if e.Amount != nil {
		if e.Amount.IsPositive() {
			return *e.Amount, true
		}
		return decimal.Zero, false
	}
	return ParseQuantity(e.Details)
}
