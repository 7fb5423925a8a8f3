package reconstruction

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/emperorhan/custody-ledger/internal/cache"
	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/metrics"
	"github.com/emperorhan/custody-ledger/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultWindowMonths = 12

// AssetSource is the ledger view the engine reads. *ledger.Ledger satisfies it.
type AssetSource interface {
	Get(id string) (model.Asset, bool)
	Version() uint64
}

// HistorySource is the log view the engine reads. *history.Log satisfies it.
type HistorySource interface {
	ForAsset(assetID, symbol string) []model.ActionHistoryEntry
	Version() uint64
}

// Result is the full outcome of one reconstruction.
type Result struct {
	AssetID   string                  `json:"asset_id"`
	Snapshots []model.MonthlySnapshot `json:"snapshots"`
	// Start is the replayed state at the first computed month, before any
	// of that month's entries.
	Start State `json:"start"`
	// Current is the live ledger state replay started from.
	Current State `json:"current"`
	// Clamps counts months where forward replay had to enforce [0, cap].
	Clamps int `json:"clamps"`
	// Skipped counts supply-moving entries with no usable quantity.
	Skipped int `json:"skipped"`
}

// Final returns the replayed state at the last month, if any month was
// computed.
func (r Result) Final() (State, bool) {
	if len(r.Snapshots) == 0 {
		return State{}, false
	}
	last := r.Snapshots[len(r.Snapshots)-1]
	if last.Circulation == nil {
		return State{}, false
	}
	s := State{Circulation: *last.Circulation}
	if last.SupplyCap != nil {
		s.Cap = *last.SupplyCap
	}
	return s, true
}

type cacheKey struct {
	assetID        string
	month          int64
	window         int
	ledgerVersion  uint64
	historyVersion uint64
}

// Engine derives month-end circulation and reserve for a trailing window by
// replaying the action history backward from the live ledger state and then
// forward month by month.
type Engine struct {
	assets  AssetSource
	history HistorySource
	window  int
	nowFn   func() time.Time
	cache   *cache.LRU[cacheKey, Result]
	tracer  trace.Tracer
	logger  *slog.Logger
}

type Option func(*Engine)

// WithWindow sets the number of months reported, ending at the current month.
func WithWindow(months int) Option {
	return func(e *Engine) {
		if months > 0 {
			e.window = months
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.nowFn = fn }
}

// WithCache memoizes results per (asset, month, ledger version, history
// version). Any mutation or append changes the key.
func WithCache(size int, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = cache.NewLRU[cacheKey, Result](size, ttl, cache.WithHitMissHooks(
			metrics.ReconstructionCacheHits.Inc,
			metrics.ReconstructionCacheMisses.Inc,
		))
	}
}

func New(assets AssetSource, history HistorySource, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		assets:  assets,
		history: history,
		window:  DefaultWindowMonths,
		nowFn:   time.Now,
		tracer:  tracing.Tracer("custody-ledger/reconstruction"),
		logger:  logger.With("component", "reconstruction"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Monthly returns one snapshot per month of the window, oldest first. Months
// before the asset was issued carry nil circulation and reserve. An unknown
// asset yields an empty slice.
func (e *Engine) Monthly(ctx context.Context, assetID string) []model.MonthlySnapshot {
	res, ok := e.Reconstruct(ctx, assetID)
	if !ok {
		return []model.MonthlySnapshot{}
	}
	return res.Snapshots
}

// Reconstruct runs the two-pass replay for assetID. ok is false when the
// asset does not exist.
func (e *Engine) Reconstruct(ctx context.Context, assetID string) (Result, bool) {
	_, span := e.tracer.Start(ctx, "reconstruction.Monthly", trace.WithAttributes(tracing.AssetAttrs(assetID, "")...))
	defer span.End()

	started := time.Now()
	defer func() { metrics.ReconstructionLatency.Observe(time.Since(started).Seconds()) }()

	// Versions are read before the data so a concurrent write can only make
	// the cached value newer than its key, never older.
	key := cacheKey{
		assetID:        assetID,
		month:          monthStart(e.nowFn()).Unix(),
		window:         e.window,
		ledgerVersion:  e.assets.Version(),
		historyVersion: e.history.Version(),
	}
	if e.cache != nil {
		if res, hit := e.cache.Get(key); hit {
			span.SetAttributes(attribute.Bool("custody.cache_hit", true))
			return cloneResult(res), true
		}
	}

	asset, ok := e.assets.Get(assetID)
	if !ok {
		e.logger.Debug("reconstruction for unknown asset", "asset_id", assetID)
		return Result{AssetID: assetID, Snapshots: []model.MonthlySnapshot{}}, false
	}

	res := e.replay(asset, e.history.ForAsset(asset.ID, asset.Symbol), time.Unix(key.month, 0).UTC())
	span.SetAttributes(
		attribute.Int("custody.months", len(res.Snapshots)),
		attribute.Int("custody.clamps", res.Clamps),
		attribute.Int("custody.skipped", res.Skipped),
	)
	if e.cache != nil {
		e.cache.Put(key, cloneResult(res))
	}
	return res, true
}

func (e *Engine) replay(asset model.Asset, entries []model.ActionHistoryEntry, current time.Time) Result {
	finite := asset.IsFinite()
	now := State{Circulation: asset.Balance}
	if finite {
		now.Cap = asset.Cap()
	}
	res := Result{AssetID: asset.ID, Current: now}

	windowStart := current.AddDate(0, -(e.window - 1), 0)
	earliest := windowStart
	issuance, known := issuanceMonth(asset, entries)
	if known {
		if issuance.After(current) {
			issuance = current
		}
		if issuance.After(earliest) {
			earliest = issuance
		}
	}

	type bucketed struct {
		entry model.ActionHistoryEntry
		month time.Time
		delta delta
		moves bool
	}

	// entries arrive newest first; keep that order for the backward pass.
	var inWindow []bucketed
	for _, en := range entries {
		if en.Timestamp.IsZero() || en.ActionType == "" {
			res.Skipped++
			metrics.ReconstructionSkippedEntries.WithLabelValues("malformed").Inc()
			continue
		}
		m := monthStart(en.Timestamp)
		if m.After(current) {
			m = current
		}
		if m.Before(earliest) {
			continue
		}
		d, moves, reason := effect(en, finite)
		if reason != "" {
			res.Skipped++
			metrics.ReconstructionSkippedEntries.WithLabelValues(reason).Inc()
			e.logger.Debug("history entry skipped", "asset_id", asset.ID, "entry_id", en.ID, "action_type", en.ActionType, "reason", reason)
		}
		inWindow = append(inWindow, bucketed{entry: en, month: m, delta: d, moves: moves})
	}

	state := now
	for _, b := range inWindow {
		if b.moves {
			state = state.undo(b.delta)
		}
	}
	res.Start = state

	byMonth := make(map[int64][]bucketed)
	for i := len(inWindow) - 1; i >= 0; i-- {
		b := inWindow[i]
		byMonth[b.month.Unix()] = append(byMonth[b.month.Unix()], b)
	}

	res.Snapshots = make([]model.MonthlySnapshot, 0, e.window)
	for m := windowStart; !m.After(current); m = m.AddDate(0, 1, 0) {
		snap := model.MonthlySnapshot{
			Month:              monthLabel(m),
			MonthStart:         m,
			ContributingEvents: []model.ActionHistoryEntry{},
		}
		if m.Before(earliest) {
			res.Snapshots = append(res.Snapshots, snap)
			continue
		}

		var net delta
		for _, b := range byMonth[m.Unix()] {
			snap.ContributingEvents = append(snap.ContributingEvents, b.entry.Clone())
			if b.moves {
				net = net.add(b.delta)
			}
		}
		next, clamped := state.advance(net, finite)
		if clamped {
			res.Clamps++
			e.logger.Debug("replay clamped circulation", "asset_id", asset.ID, "month", snap.Month)
		}
		state = next

		circ := state.Circulation
		reserve := model.ReserveOf(finite, state.Cap, state.Circulation)
		snap.Circulation = &circ
		snap.Reserve = &reserve
		if finite {
			c := state.Cap
			snap.SupplyCap = &c
		}
		res.Snapshots = append(res.Snapshots, snap)
	}
	return res
}

// issuanceMonth is the month of the earliest Issue entry, falling back to the
// asset's IssuedAt. Assets with neither are treated as predating the window.
func issuanceMonth(asset model.Asset, entries []model.ActionHistoryEntry) (time.Time, bool) {
	var earliest time.Time
	for _, en := range entries {
		if en.ActionType != model.ActionIssue || en.Timestamp.IsZero() {
			continue
		}
		if earliest.IsZero() || en.Timestamp.Before(earliest) {
			earliest = en.Timestamp
		}
	}
	if !earliest.IsZero() {
		return monthStart(earliest), true
	}
	if asset.IssuedAt != nil && !asset.IssuedAt.IsZero() {
		return monthStart(*asset.IssuedAt), true
	}
	return time.Time{}, false
}

func cloneResult(r Result) Result {
	out := r
	out.Snapshots = make([]model.MonthlySnapshot, len(r.Snapshots))
	for i, s := range r.Snapshots {
		c := s
		c.Circulation = cloneDecimal(s.Circulation)
		c.Reserve = cloneDecimal(s.Reserve)
		c.SupplyCap = cloneDecimal(s.SupplyCap)
		c.ContributingEvents = slices.Clone(s.ContributingEvents)
		for j := range c.ContributingEvents {
			c.ContributingEvents[j] = c.ContributingEvents[j].Clone()
		}
		out.Snapshots[i] = c
	}
	return out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
