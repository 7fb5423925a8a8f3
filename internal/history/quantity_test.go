package history

import (
	"testing"

	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestParseQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		details string
		want    string
		ok      bool
	}{
		{name: "plain integer", details: "Minted 500 units", want: "500", ok: true},
		{name: "thousands separators", details: "Burned 1,250,000 GLDX", want: "1250000", ok: true},
		{name: "fraction", details: "Redeemed 12.75 units", want: "12.75", ok: true},
		{name: "grouped with fraction", details: "Swap 1,500.5 to USDC", want: "1500.5", ok: true},
		{name: "first token wins", details: "Swapped 300 GLDX for 450 USDC", want: "300", ok: true},
		{name: "no number", details: "Paused trading", ok: false},
		{name: "zero", details: "Minted 0 units", ok: false},
		{name: "empty", details: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseQuantity(tt.details)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
			}
		})
	}
}

func TestQuantity_PrefersStructuredAmount(t *testing.T) {
	t.Parallel()

	amt := decimal.NewFromInt(42)
	e := model.ActionHistoryEntry{Details: "Minted 500 units", Amount: &amt}
	got, ok := Quantity(e)
	assert.True(t, ok)
	assert.True(t, got.Equal(amt))

	e.Amount = nil
	got, ok = Quantity(e)
	assert.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromInt(500)))

	zero := decimal.Zero
	e.Amount = &zero
	_, ok = Quantity(e)
	assert.False(t, ok)
}
