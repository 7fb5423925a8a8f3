package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ActionType string

const (
	ActionIssue      ActionType = "Issue"
	ActionMint       ActionType = "Mint"
	ActionBurn       ActionType = "Burn"
	ActionRedeemBurn ActionType = "Redeem & Burn"
	ActionSwapRtoC   ActionType = "Swap R→C"
	ActionSwapTtoR   ActionType = "Swap T→R"
	ActionSwapIn     ActionType = "Swap In"
	ActionSwapOut    ActionType = "Swap Out"
	ActionPause      ActionType = "Pause"
	ActionUnpause    ActionType = "Unpause"
)

// ActionHistoryEntry records one completed ledger-affecting action. Details is
// free text whose first numeric token is the action quantity unless Amount is
// set.
type ActionHistoryEntry struct {
	ID          string           `json:"id" yaml:"id"`
	Timestamp   time.Time        `json:"timestamp" yaml:"timestamp"`
	ActionType  ActionType       `json:"action_type" yaml:"action_type"`
	Details     string           `json:"details" yaml:"details"`
	User        string           `json:"user" yaml:"user"`
	Approver    string           `json:"approver" yaml:"approver"`
	AssetID     string           `json:"asset_id,omitempty" yaml:"asset_id,omitempty"`
	AssetSymbol string           `json:"asset_symbol,omitempty" yaml:"asset_symbol,omitempty"`
	Notes       string           `json:"notes,omitempty" yaml:"notes,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty" yaml:"amount,omitempty"`
}

// RefersTo reports whether e belongs to the asset with the given id and
// symbol. Entries without an asset id fall back to a case-insensitive symbol
// match.
func (e ActionHistoryEntry) RefersTo(id, symbol string) bool {
	if e.AssetID != "" {
		return e.AssetID == id
	}
	return symbol != "" && strings.EqualFold(strings.TrimSpace(e.AssetSymbol), symbol)
}

// Clone returns a copy that shares no pointers with e.
func (e ActionHistoryEntry) Clone() ActionHistoryEntry {
	out := e
	if e.Amount != nil {
		v := *e.Amount
		out.Amount = &v
	}
	return out
}
