package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MonthlySnapshot is the derived end-of-month state of one asset. Circulation
// and Reserve are nil for months before the asset was issued.
type MonthlySnapshot struct {
	Month              string               `json:"month"`
	MonthStart         time.Time            `json:"month_start"`
	Circulation        *decimal.Decimal     `json:"circulation"`
	Reserve            *decimal.Decimal     `json:"reserve"`
	SupplyCap          *decimal.Decimal     `json:"supply_cap,omitempty"`
	ContributingEvents []ActionHistoryEntry `json:"contributing_events"`
}
