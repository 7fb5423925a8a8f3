package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/ledger"
	"github.com/shopspring/decimal"
)

// Store is the ledger surface operations validate against and mutate.
// *ledger.Ledger satisfies it.
type Store interface {
	ledger.Reader
	AddAsset(a model.Asset) error
	AdjustBalance(id string, delta decimal.Decimal) error
	DecreaseCirculation(id string, amount decimal.Decimal) error
	SetProperty(id string, prop ledger.Property, value any) error
	Lock(keys ...string) (unlock func())
}

// Operation is one kind of ledger mutation gated by the workflow. Validate
// runs at submission and again under LockKeys right before Apply.
type Operation interface {
	Kind() model.OperationType
	AssetIDs() []string
	LockKeys() []string
	Validate(r ledger.Reader) error
	Apply(s Store, ex Execution) ([]model.ActionHistoryEntry, error)
}

// Execution carries the attribution stamped onto history entries.
type Execution struct {
	At       time.Time
	User     string
	Approver string
	Notes    string
}

func (ex Execution) entry(a model.Asset, action model.ActionType, amount *decimal.Decimal, details string) model.ActionHistoryEntry {
	e := model.ActionHistoryEntry{
		Timestamp:   ex.At,
		ActionType:  action,
		Details:     details,
		User:        ex.User,
		Approver:    ex.Approver,
		AssetID:     a.ID,
		AssetSymbol: a.Symbol,
		Notes:       ex.Notes,
	}
	if amount != nil {
		v := *amount
		e.Amount = &v
	}
	return e
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// conflict is a validation failure caused by an existing asset.
func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrValidation, ErrConflict, fmt.Sprintf(format, args...))
}

func requirePositive(name string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return invalid("%s must be positive, got %s", name, d)
	}
	return nil
}

// activeAsset resolves id and refuses paused assets.
func activeAsset(r ledger.Reader, id string) (model.Asset, error) {
	if strings.TrimSpace(id) == "" {
		return model.Asset{}, invalid("asset id is required")
	}
	a, ok := r.Get(id)
	if !ok {
		return model.Asset{}, invalid("asset %s not found", id)
	}
	if a.Paused {
		return model.Asset{}, invalid("asset %s is paused", a.Symbol)
	}
	return a, nil
}

func assetKey(id string) string     { return "asset:" + id }
func symbolKey(symbol string) string { return "symbol:" + strings.ToUpper(strings.TrimSpace(symbol)) }

// Issue creates a new asset.
type Issue struct {
	AssetID            string           `json:"asset_id"`
	Symbol             string           `json:"symbol"`
	Label              string           `json:"label"`
	SupplyType         model.SupplyType `json:"supply_type"`
	Supply             decimal.Decimal  `json:"supply"`
	InitialCirculation decimal.Decimal  `json:"initial_circulation"`
	AssetClass         string           `json:"asset_class"`
	CustodyType        string           `json:"custody_type"`
	Price              *decimal.Decimal `json:"price,omitempty"`
}

func (op *Issue) Kind() model.OperationType { return model.OperationIssue }
func (op *Issue) AssetIDs() []string        { return []string{op.AssetID} }
func (op *Issue) LockKeys() []string {
	return []string{assetKey(op.AssetID), symbolKey(op.Symbol)}
}

func (op *Issue) Validate(r ledger.Reader) error {
	if strings.TrimSpace(op.AssetID) == "" {
		return invalid("asset id is required")
	}
	if strings.TrimSpace(op.Symbol) == "" {
		return invalid("symbol is required")
	}
	if strings.TrimSpace(op.Label) == "" {
		return invalid("label is required")
	}
	if !op.SupplyType.Valid() {
		return invalid("unknown supply type %q", op.SupplyType)
	}
	if op.InitialCirculation.IsNegative() {
		return invalid("initial circulation must not be negative")
	}
	if op.SupplyType == model.SupplyFinite {
		if err := requirePositive("supply", op.Supply); err != nil {
			return err
		}
		if op.InitialCirculation.GreaterThan(op.Supply) {
			return invalid("initial circulation %s exceeds supply %s", op.InitialCirculation, op.Supply)
		}
	}
	if op.Price != nil && op.Price.IsNegative() {
		return invalid("price must not be negative")
	}
	if _, exists := r.Get(op.AssetID); exists {
		return conflict("asset id %s already exists", op.AssetID)
	}
	if _, exists := r.GetBySymbol(op.Symbol); exists {
		return conflict("duplicate symbol %s", op.Symbol)
	}
	return nil
}

func (op *Issue) Apply(s Store, ex Execution) ([]model.ActionHistoryEntry, error) {
	issued := ex.At
	a := model.Asset{
		ID:             op.AssetID,
		Symbol:         strings.TrimSpace(op.Symbol),
		Label:          op.Label,
		Balance:        op.InitialCirculation,
		SupplyType:     op.SupplyType,
		AssetClass:     op.AssetClass,
		CustodyType:    op.CustodyType,
		Price:          op.Price,
		IsWizardIssued: true,
		IssuedAt:       &issued,
	}
	details := fmt.Sprintf("Issued %s (%s supply)", a.Symbol, strings.ToLower(string(op.SupplyType)))
	var amount *decimal.Decimal
	if op.SupplyType == model.SupplyFinite {
		supply := op.Supply
		a.TotalSupplyIssued = &supply
		amount = &supply
		details = fmt.Sprintf("Issued %s %s (finite supply)", supply, a.Symbol)
	}
	if err := s.AddAsset(a); err != nil {
		return nil, err
	}
	return []model.ActionHistoryEntry{ex.entry(a, model.ActionIssue, amount, details)}, nil
}

// Mint raises the supply cap of a finite asset. Circulation is unchanged;
// the new units land in reserve.
type Mint struct {
	AssetID string          `json:"asset_id"`
	Amount  decimal.Decimal `json:"amount"`
}

func (op *Mint) Kind() model.OperationType { return model.OperationMint }
func (op *Mint) AssetIDs() []string        { return []string{op.AssetID} }
func (op *Mint) LockKeys() []string        { return []string{assetKey(op.AssetID)} }

func (op *Mint) Validate(r ledger.Reader) error {
	if err := requirePositive("amount", op.Amount); err != nil {
		return err
	}
	a, err := activeAsset(r, op.AssetID)
	if err != nil {
		return err
	}
	if !a.IsFinite() {
		return invalid("asset %s has infinite supply and cannot be minted", a.Symbol)
	}
	return nil
}

func (op *Mint) Apply(s Store, ex Execution) ([]model.ActionHistoryEntry, error) {
	a, _ := s.Get(op.AssetID)
	if err := s.SetProperty(a.ID, ledger.PropertyTotalSupplyIssued, a.Cap().Add(op.Amount)); err != nil {
		return nil, err
	}
	details := fmt.Sprintf("Minted %s %s", op.Amount, a.Symbol)
	return []model.ActionHistoryEntry{ex.entry(a, model.ActionMint, &op.Amount, details)}, nil
}

// Burn destroys reserve units of a finite asset, lowering the cap.
type Burn struct {
	AssetID string          `json:"asset_id"`
	Amount  decimal.Decimal `json:"amount"`
}

func (op *Burn) Kind() model.OperationType { return model.OperationBurn }
func (op *Burn) AssetIDs() []string        { return []string{op.AssetID} }
func (op *Burn) LockKeys() []string        { return []string{assetKey(op.AssetID)} }

func (op *Burn) Validate(r ledger.Reader) error {
	if err := requirePositive("amount", op.Amount); err != nil {
		return err
	}
	a, err := activeAsset(r, op.AssetID)
	if err != nil {
		return err
	}
	if !a.IsFinite() {
		return invalid("asset %s has infinite supply and cannot be burned", a.Symbol)
	}
	if reserve := a.Reserve(); op.Amount.GreaterThan(reserve) {
		return invalid("insufficient reserve: burn %s exceeds reserve %s", op.Amount, reserve)
	}
	return nil
}

func (op *Burn) Apply(s Store, ex Execution) ([]model.ActionHistoryEntry, error) {
	a, _ := s.Get(op.AssetID)
	if err := s.SetProperty(a.ID, ledger.PropertyTotalSupplyIssued, a.Cap().Sub(op.Amount)); err != nil {
		return nil, err
	}
	details := fmt.Sprintf("Burned %s %s from reserve", op.Amount, a.Symbol)
	return []model.ActionHistoryEntry{ex.entry(a, model.ActionBurn, &op.Amount, details)}, nil
}

// Redeem takes units out of circulation and, for finite assets, out of the
// supply cap as well.
type Redeem struct {
	AssetID string          `json:"asset_id"`
	Amount  decimal.Decimal `json:"amount"`
	Purpose string          `json:"purpose,omitempty"`
}

func (op *Redeem) Kind() model.OperationType { return model.OperationRedeem }
func (op *Redeem) AssetIDs() []string        { return []string{op.AssetID} }
func (op *Redeem) LockKeys() []string        { return []string{assetKey(op.AssetID)} }

func (op *Redeem) Validate(r ledger.Reader) error {
	if err := requirePositive("amount", op.Amount); err != nil {
		return err
	}
	a, err := activeAsset(r, op.AssetID)
	if err != nil {
		return err
	}
	if op.Amount.GreaterThan(a.Balance) {
		return invalid("insufficient balance: redeem %s exceeds circulation %s", op.Amount, a.Balance)
	}
	return nil
}

func (op *Redeem) Apply(s Store, ex Execution) ([]model.ActionHistoryEntry, error) {
	a, _ := s.Get(op.AssetID)
	if err := s.AdjustBalance(a.ID, op.Amount.Neg()); err != nil {
		return nil, err
	}
	if a.IsFinite() {
		if err := s.SetProperty(a.ID, ledger.PropertyTotalSupplyIssued, a.Cap().Sub(op.Amount)); err != nil {
			return nil, err
		}
	}
	details := fmt.Sprintf("Redeemed and burned %s %s", op.Amount, a.Symbol)
	if op.Purpose != "" {
		details += " for " + op.Purpose
	}
	return []model.ActionHistoryEntry{ex.entry(a, model.ActionRedeemBurn, &op.Amount, details)}, nil
}

// Swap exchanges Amount of the source asset for TargetAmount of the target.
// A zero TargetAmount means one-for-one.
type Swap struct {
	SourceID     string          `json:"source_id"`
	TargetID     string          `json:"target_id"`
	Amount       decimal.Decimal `json:"amount"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	Destination  string          `json:"destination,omitempty"`
}

func (op *Swap) Kind() model.OperationType { return model.OperationSwap }
func (op *Swap) AssetIDs() []string        { return []string{op.SourceID, op.TargetID} }
func (op *Swap) LockKeys() []string {
	return []string{assetKey(op.SourceID), assetKey(op.TargetID)}
}

func (op *Swap) targetAmount() decimal.Decimal {
	if op.TargetAmount.IsZero() {
		return op.Amount
	}
	return op.TargetAmount
}

func (op *Swap) Validate(r ledger.Reader) error {
	if err := requirePositive("amount", op.Amount); err != nil {
		return err
	}
	if op.TargetAmount.IsNegative() {
		return invalid("target amount must not be negative")
	}
	if op.SourceID == op.TargetID {
		return invalid("source and target must differ")
	}
	src, err := activeAsset(r, op.SourceID)
	if err != nil {
		return err
	}
	dst, err := activeAsset(r, op.TargetID)
	if err != nil {
		return err
	}
	if op.Amount.GreaterThan(src.Balance) {
		return invalid("insufficient balance: swap %s exceeds %s circulation %s", op.Amount, src.Symbol, src.Balance)
	}
	if dst.IsFinite() {
		if reserve := dst.Reserve(); op.targetAmount().GreaterThan(reserve) {
			return invalid("insufficient reserve: %s reserve %s below %s", dst.Symbol, reserve, op.targetAmount())
		}
	}
	return nil
}

// Apply moves the source leg out of circulation and the target leg into it.
// Each leg is logged against its own asset so per-asset replay sees it. Both
// assets are resolved before either is touched, and a failed target leg
// restores the source.
func (op *Swap) Apply(s Store, ex Execution) ([]model.ActionHistoryEntry, error) {
	src, ok := s.Get(op.SourceID)
	if !ok {
		return nil, invalid("asset %s not found", op.SourceID)
	}
	dst, ok := s.Get(op.TargetID)
	if !ok {
		return nil, invalid("asset %s not found", op.TargetID)
	}
	out := op.Amount
	in := op.targetAmount()

	var entries []model.ActionHistoryEntry

	if src.IsFinite() {
		if err := s.DecreaseCirculation(src.ID, out); err != nil {
			return nil, err
		}
		entries = append(entries, ex.entry(src, model.ActionSwapTtoR, &out,
			fmt.Sprintf("Swapped %s %s back to reserve for %s", out, src.Symbol, dst.Symbol)))
	} else {
		if err := s.AdjustBalance(src.ID, out.Neg()); err != nil {
			return nil, err
		}
		entries = append(entries, ex.entry(src, model.ActionSwapOut, &out,
			fmt.Sprintf("Swapped out %s %s for %s", out, src.Symbol, dst.Symbol)))
	}

	if err := s.AdjustBalance(dst.ID, in); err != nil {
		if rerr := s.AdjustBalance(src.ID, out); rerr != nil {
			return nil, fmt.Errorf("%w (restoring %s: %w)", err, src.ID, rerr)
		}
		return nil, err
	}
	action := model.ActionSwapIn
	details := fmt.Sprintf("Swapped in %s %s from %s", in, dst.Symbol, src.Symbol)
	if dst.IsFinite() {
		action = model.ActionSwapRtoC
		details = fmt.Sprintf("Released %s %s from reserve for %s", in, dst.Symbol, src.Symbol)
	}
	if op.Destination != "" {
		details += " to " + op.Destination
	}
	entries = append(entries, ex.entry(dst, action, &in, details))
	return entries, nil
}

// PauseToggle flips an asset's paused flag.
type PauseToggle struct {
	AssetID string `json:"asset_id"`
}

func (op *PauseToggle) Kind() model.OperationType { return model.OperationPauseToggle }
func (op *PauseToggle) AssetIDs() []string        { return []string{op.AssetID} }
func (op *PauseToggle) LockKeys() []string        { return []string{assetKey(op.AssetID)} }

func (op *PauseToggle) Validate(r ledger.Reader) error {
	if strings.TrimSpace(op.AssetID) == "" {
		return invalid("asset id is required")
	}
	if _, ok := r.Get(op.AssetID); !ok {
		return invalid("asset %s not found", op.AssetID)
	}
	return nil
}

func (op *PauseToggle) Apply(s Store, ex Execution) ([]model.ActionHistoryEntry, error) {
	a, _ := s.Get(op.AssetID)
	next := !a.Paused
	if err := s.SetProperty(a.ID, ledger.PropertyPaused, next); err != nil {
		return nil, err
	}
	action, verb := model.ActionUnpause, "Unpaused"
	if next {
		action, verb = model.ActionPause, "Paused"
	}
	return []model.ActionHistoryEntry{ex.entry(a, action, nil, fmt.Sprintf("%s %s", verb, a.Symbol))}, nil
}
