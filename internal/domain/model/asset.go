package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SupplyType string

const (
	SupplyFinite   SupplyType = "FINITE"
	SupplyInfinite SupplyType = "INFINITE"
)

func (s SupplyType) Valid() bool {
	return s == SupplyFinite || s == SupplyInfinite
}

// Asset is the ledger's view of a single tokenized asset. Balance is the
// quantity currently in circulation (outside the issuer reserve).
type Asset struct {
	ID                string           `json:"id" yaml:"id"`
	Symbol            string           `json:"symbol" yaml:"symbol"`
	Label             string           `json:"label" yaml:"label"`
	Balance           decimal.Decimal  `json:"balance" yaml:"balance"`
	SupplyType        SupplyType       `json:"supply_type" yaml:"supply_type"`
	TotalSupplyIssued *decimal.Decimal `json:"total_supply_issued,omitempty" yaml:"total_supply_issued,omitempty"`
	AssetClass        string           `json:"asset_class" yaml:"asset_class"`
	CustodyType       string           `json:"custody_type" yaml:"custody_type"`
	Price             *decimal.Decimal `json:"price,omitempty" yaml:"price,omitempty"`
	IsWizardIssued    bool             `json:"is_wizard_issued" yaml:"is_wizard_issued"`
	Paused            bool             `json:"paused" yaml:"paused"`
	IssuedAt          *time.Time       `json:"issued_at,omitempty" yaml:"issued_at,omitempty"`
}

// IsFinite reports whether the asset carries a supply cap.
func (a Asset) IsFinite() bool {
	return a.SupplyType == SupplyFinite
}

// Cap returns the supply cap, or zero for infinite-supply assets.
func (a Asset) Cap() decimal.Decimal {
	if !a.IsFinite() || a.TotalSupplyIssued == nil {
		return decimal.Zero
	}
	return *a.TotalSupplyIssued
}

// Reserve is cap minus circulation for finite assets, never negative.
func (a Asset) Reserve() decimal.Decimal {
	return ReserveOf(a.IsFinite(), a.Cap(), a.Balance)
}

// ReserveOf computes the reserve for an arbitrary (finite, cap, circulation)
// triple. Infinite supply and non-positive caps have no reserve.
func ReserveOf(finite bool, supplyCap, circulation decimal.Decimal) decimal.Decimal {
	if !finite || !supplyCap.IsPositive() {
		return decimal.Zero
	}
	r := supplyCap.Sub(circulation)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Clone returns a deep copy so callers cannot alias ledger-owned pointers.
func (a Asset) Clone() Asset {
	out := a
	if a.TotalSupplyIssued != nil {
		v := *a.TotalSupplyIssued
		out.TotalSupplyIssued = &v
	}
	if a.Price != nil {
		v := *a.Price
		out.Price = &v
	}
	if a.IssuedAt != nil {
		v := *a.IssuedAt
		out.IssuedAt = &v
	}
	return out
}
