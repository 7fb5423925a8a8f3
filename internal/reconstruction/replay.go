package reconstruction

import (
	"time"

	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/history"
	"github.com/shopspring/decimal"
)

// State is an asset's (circulation, cap) pair at a point in time. Cap is
// meaningful only for finite-supply assets.
type State struct {
	Circulation decimal.Decimal `json:"circulation"`
	Cap         decimal.Decimal `json:"cap"`
}

func (s State) Equal(o State) bool {
	return s.Circulation.Equal(o.Circulation) && s.Cap.Equal(o.Cap)
}

// delta is the effect of one entry.
type delta struct {
	circulation decimal.Decimal
	cap         decimal.Decimal
}

func (d delta) add(o delta) delta {
	return delta{circulation: d.circulation.Add(o.circulation), cap: d.cap.Add(o.cap)}
}

// effect returns the forward effect of e. ok is false for action types that
// never move supply (Issue, Pause) and for entries without a usable quantity;
// reason distinguishes the latter.
func effect(e model.ActionHistoryEntry, finite bool) (d delta, ok bool, reason string) {
	var circSign, capSign int
	switch e.ActionType {
	case model.ActionMint:
		capSign = 1
	case model.ActionBurn:
		capSign = -1
	case model.ActionRedeemBurn:
		circSign, capSign = -1, -1
	case model.ActionSwapRtoC, model.ActionSwapIn:
		circSign = 1
	case model.ActionSwapTtoR, model.ActionSwapOut:
		circSign = -1
	default:
		return delta{}, false, ""
	}

	qty, found := history.Quantity(e)
	if !found {
		return delta{}, false, "no_quantity"
	}
	if !finite {
		capSign = 0
	}
	return delta{
		circulation: qty.Mul(decimal.NewFromInt(int64(circSign))),
		cap:         qty.Mul(decimal.NewFromInt(int64(capSign))),
	}, true, ""
}

// undo reverses d without clamping, so backward replay stays the exact
// inverse of the forward rule.
func (s State) undo(d delta) State {
	return State{Circulation: s.Circulation.Sub(d.circulation), Cap: s.Cap.Sub(d.cap)}
}

// advance applies a month's net delta and clamps circulation to [0, cap].
// clamped reports whether a bound had to be enforced.
func (s State) advance(d delta, finite bool) (next State, clamped bool) {
	next = State{Circulation: s.Circulation.Add(d.circulation), Cap: s.Cap.Add(d.cap)}
	if finite && next.Circulation.GreaterThan(next.Cap) {
		next.Circulation = next.Cap
		clamped = true
	}
	if next.Circulation.IsNegative() {
		next.Circulation = decimal.Zero
		clamped = true
	}
	return next, clamped
}

// monthStart truncates t to the first instant of its UTC month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthLabel(m time.Time) string {
	return m.Format("Jan 2006")
}
