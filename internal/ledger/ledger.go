package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/metrics"
	"github.com/shopspring/decimal"
)

var (
	ErrAssetNotFound   = errors.New("asset not found")
	ErrDuplicateID     = errors.New("duplicate asset id")
	ErrDuplicateSymbol = errors.New("duplicate asset symbol")
	ErrMalformedAssets = errors.New("malformed asset list")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidProperty = errors.New("invalid property update")
)

// Reader is the read side of the ledger used for validation and reporting.
type Reader interface {
	Get(id string) (model.Asset, bool)
	GetBySymbol(symbol string) (model.Asset, bool)
	List() []model.Asset
}

// Ledger is the canonical asset registry. Mutations clamp circulation to
// [0, cap] and never remove assets. Callers that need read-validate-write
// atomicity across several calls hold the per-asset locks from Lock.
type Ledger struct {
	mu      sync.RWMutex
	assets  map[string]*model.Asset
	symbols map[string]string // normalized symbol -> id
	order   []string
	version uint64

	locks  *keyedMutex
	logger *slog.Logger
}

// New creates an empty ledger.
func New(logger *slog.Logger) *Ledger {
	return &Ledger{
		assets:  make(map[string]*model.Asset),
		symbols: make(map[string]string),
		locks:   newKeyedMutex(),
		logger:  logger.With("component", "ledger"),
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AddAsset registers a new asset. Assets whose id or symbol already exist
// are refused without touching state.
func (l *Ledger) AddAsset(a model.Asset) error {
	if err := validateAsset(a); err != nil {
		l.fail("add_asset", "malformed", err, "asset_id", a.ID, "symbol", a.Symbol)
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.assets[a.ID]; exists {
		l.fail("add_asset", "duplicate_id", ErrDuplicateID, "asset_id", a.ID, "symbol", a.Symbol)
		return fmt.Errorf("add asset %s: %w", a.ID, ErrDuplicateID)
	}
	if _, exists := l.symbols[normalizeSymbol(a.Symbol)]; exists {
		l.fail("add_asset", "duplicate_symbol", ErrDuplicateSymbol, "asset_id", a.ID, "symbol", a.Symbol)
		return fmt.Errorf("add asset %s: symbol %s: %w", a.ID, a.Symbol, ErrDuplicateSymbol)
	}

	stored := a.Clone()
	l.assets[a.ID] = &stored
	l.symbols[normalizeSymbol(a.Symbol)] = a.ID
	l.order = append(l.order, a.ID)
	l.version++

	metrics.LedgerMutationsTotal.WithLabelValues("add_asset").Inc()
	metrics.LedgerAssets.Set(float64(len(l.assets)))
	l.logger.Info("asset added", "asset_id", a.ID, "symbol", a.Symbol, "supply_type", a.SupplyType)
	return nil
}

// AdjustBalance applies delta to the circulating balance, clamping the result
// to [0, cap] (cap only for finite-supply assets).
func (l *Ledger) AdjustBalance(id string, delta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adjustLocked("adjust_balance", id, delta)
}

// DecreaseCirculation moves amount out of circulation without delivering it
// elsewhere, e.g. a buy-back into the issuer reserve.
func (l *Ledger) DecreaseCirculation(id string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		l.fail("decrease_circulation", "negative_amount", ErrInvalidAmount, "asset_id", id, "amount", amount.String())
		return fmt.Errorf("decrease circulation %s by %s: %w", id, amount, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adjustLocked("decrease_circulation", id, amount.Neg())
}

func (l *Ledger) adjustLocked(op, id string, delta decimal.Decimal) error {
	a, ok := l.assets[id]
	if !ok {
		l.fail(op, "not_found", ErrAssetNotFound, "asset_id", id)
		return fmt.Errorf("%s %s: %w", op, id, ErrAssetNotFound)
	}

	next := a.Balance.Add(delta)
	if next.IsNegative() {
		metrics.LedgerBalanceClampsTotal.WithLabelValues("floor").Inc()
		next = decimal.Zero
	}
	if a.IsFinite() && next.GreaterThan(a.Cap()) {
		metrics.LedgerBalanceClampsTotal.WithLabelValues("cap").Inc()
		next = a.Cap()
	}

	a.Balance = next
	l.version++
	metrics.LedgerMutationsTotal.WithLabelValues(op).Inc()
	l.logger.Debug("balance adjusted", "op", op, "asset_id", id, "delta", delta.String(), "balance", next.String())
	return nil
}

// Property names a mutable asset field for SetProperty.
type Property string

const (
	PropertyLabel             Property = "label"
	PropertyTotalSupplyIssued Property = "total_supply_issued"
	PropertyAssetClass        Property = "asset_class"
	PropertyCustodyType       Property = "custody_type"
	PropertyPrice             Property = "price"
	PropertyPaused            Property = "paused"
)

// SetProperty updates one descriptive or cap field. Updates that would break
// an asset invariant (cap below circulation, negative cap) are refused.
func (l *Ledger) SetProperty(id string, prop Property, value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.assets[id]
	if !ok {
		l.fail("set_property", "not_found", ErrAssetNotFound, "asset_id", id, "property", prop)
		return fmt.Errorf("set %s on %s: %w", prop, id, ErrAssetNotFound)
	}

	if err := applyProperty(a, prop, value); err != nil {
		l.fail("set_property", "invalid_value", err, "asset_id", id, "property", prop)
		return fmt.Errorf("set %s on %s: %w", prop, id, err)
	}

	l.version++
	metrics.LedgerMutationsTotal.WithLabelValues("set_property").Inc()
	l.logger.Debug("asset property updated", "asset_id", id, "property", prop)
	return nil
}

func applyProperty(a *model.Asset, prop Property, value any) error {
	switch prop {
	case PropertyLabel, PropertyAssetClass, PropertyCustodyType:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s expects string, got %T", ErrInvalidProperty, prop, value)
		}
		switch prop {
		case PropertyLabel:
			a.Label = s
		case PropertyAssetClass:
			a.AssetClass = s
		default:
			a.CustodyType = s
		}
	case PropertyPaused:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s expects bool, got %T", ErrInvalidProperty, prop, value)
		}
		a.Paused = b
	case PropertyPrice:
		if value == nil {
			a.Price = nil
			return nil
		}
		d, ok := value.(decimal.Decimal)
		if !ok {
			return fmt.Errorf("%w: %s expects decimal, got %T", ErrInvalidProperty, prop, value)
		}
		a.Price = &d
	case PropertyTotalSupplyIssued:
		if !a.IsFinite() {
			return fmt.Errorf("%w: infinite-supply asset has no cap", ErrInvalidProperty)
		}
		d, ok := value.(decimal.Decimal)
		if !ok {
			return fmt.Errorf("%w: %s expects decimal, got %T", ErrInvalidProperty, prop, value)
		}
		if d.IsNegative() || d.LessThan(a.Balance) {
			return fmt.Errorf("%w: cap %s below circulation %s", ErrInvalidProperty, d, a.Balance)
		}
		a.TotalSupplyIssued = &d
	default:
		return fmt.Errorf("%w: unknown property %q", ErrInvalidProperty, prop)
	}
	return nil
}

// ReplaceAll swaps the whole asset set. The list must be well formed: every
// asset valid, ids and symbols unique. A nil list is refused; an empty one
// clears the ledger.
func (l *Ledger) ReplaceAll(assets []model.Asset) error {
	if assets == nil {
		l.fail("replace_all", "nil_list", ErrMalformedAssets)
		return fmt.Errorf("%w: nil asset list", ErrMalformedAssets)
	}
	ids := make(map[string]struct{}, len(assets))
	symbols := make(map[string]string, len(assets))
	for i, a := range assets {
		if err := validateAsset(a); err != nil {
			l.fail("replace_all", "malformed", err, "index", i)
			return fmt.Errorf("%w: asset %d: %v", ErrMalformedAssets, i, err)
		}
		if _, dup := ids[a.ID]; dup {
			l.fail("replace_all", "duplicate_id", ErrDuplicateID, "asset_id", a.ID)
			return fmt.Errorf("%w: %v %s", ErrMalformedAssets, ErrDuplicateID, a.ID)
		}
		sym := normalizeSymbol(a.Symbol)
		if _, dup := symbols[sym]; dup {
			l.fail("replace_all", "duplicate_symbol", ErrDuplicateSymbol, "symbol", a.Symbol)
			return fmt.Errorf("%w: %v %s", ErrMalformedAssets, ErrDuplicateSymbol, a.Symbol)
		}
		ids[a.ID] = struct{}{}
		symbols[sym] = a.ID
	}

	next := make(map[string]*model.Asset, len(assets))
	order := make([]string, 0, len(assets))
	for _, a := range assets {
		stored := a.Clone()
		next[a.ID] = &stored
		order = append(order, a.ID)
	}

	l.mu.Lock()
	l.assets = next
	l.symbols = symbols
	l.order = order
	l.version++
	l.mu.Unlock()

	metrics.LedgerMutationsTotal.WithLabelValues("replace_all").Inc()
	metrics.LedgerAssets.Set(float64(len(assets)))
	l.logger.Info("asset set replaced", "count", len(assets))
	return nil
}

// Get returns a copy of the asset with the given id.
func (l *Ledger) Get(id string) (model.Asset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.assets[id]
	if !ok {
		return model.Asset{}, false
	}
	return a.Clone(), true
}

// GetBySymbol looks an asset up by its (case-insensitive) symbol.
func (l *Ledger) GetBySymbol(symbol string) (model.Asset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.symbols[normalizeSymbol(symbol)]
	if !ok {
		return model.Asset{}, false
	}
	return l.assets[id].Clone(), true
}

// List returns copies of all assets in registration order.
func (l *Ledger) List() []model.Asset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Asset, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.assets[id].Clone())
	}
	return out
}

// Version increases on every successful mutation.
func (l *Ledger) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Lock acquires the named locks (in a stable order) and returns the release
// function. Keys are opaque; callers typically lock one key per asset id.
func (l *Ledger) Lock(keys ...string) (unlock func()) {
	return l.locks.lock(keys...)
}

func (l *Ledger) fail(op, reason string, err error, attrs ...any) {
	metrics.LedgerMutationFailures.WithLabelValues(op, reason).Inc()
	l.logger.Warn("ledger mutation refused", append([]any{"op", op, "reason", reason, "error", err}, attrs...)...)
}

func validateAsset(a model.Asset) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrMalformedAssets)
	}
	if strings.TrimSpace(a.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrMalformedAssets)
	}
	if !a.SupplyType.Valid() {
		return fmt.Errorf("%w: unknown supply type %q", ErrMalformedAssets, a.SupplyType)
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("%w: negative balance %s", ErrMalformedAssets, a.Balance)
	}
	if a.IsFinite() {
		if a.TotalSupplyIssued == nil {
			return fmt.Errorf("%w: finite asset %s has no supply cap", ErrMalformedAssets, a.ID)
		}
		if a.Balance.GreaterThan(*a.TotalSupplyIssued) {
			return fmt.Errorf("%w: balance %s exceeds cap %s", ErrMalformedAssets, a.Balance, *a.TotalSupplyIssued)
		}
	}
	return nil
}
