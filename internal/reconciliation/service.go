package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/custody-ledger/internal/alert"
	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/metrics"
	"github.com/emperorhan/custody-ledger/internal/reconstruction"
)

// AssetResult is the outcome of checking one asset's history against its
// live ledger state.
type AssetResult struct {
	AssetID             string    `json:"asset_id"`
	Symbol              string    `json:"symbol"`
	LedgerCirculation   string    `json:"ledger_circulation"`
	ReplayedCirculation string    `json:"replayed_circulation"`
	LedgerCap           string    `json:"ledger_cap,omitempty"`
	ReplayedCap         string    `json:"replayed_cap,omitempty"`
	StartCirculation    string    `json:"start_circulation"`
	StartCap            string    `json:"start_cap,omitempty"`
	Clamps              int       `json:"clamps"`
	SkippedEntries      int       `json:"skipped_entries"`
	IsMatch             bool      `json:"is_match"`
	Reasons             []string  `json:"reasons,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
}

// RunResult aggregates a full reconciliation run.
type RunResult struct {
	Total      int           `json:"total"`
	Matched    int           `json:"matched"`
	Mismatched int           `json:"mismatched"`
	Assets     []AssetResult `json:"assets"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// AssetLister lists every asset to check. *ledger.Ledger satisfies it.
type AssetLister interface {
	List() []model.Asset
}

// Reconstructor replays history for one asset. *reconstruction.Engine
// satisfies it.
type Reconstructor interface {
	Reconstruct(ctx context.Context, assetID string) (reconstruction.Result, bool)
}

// Service verifies that the action history explains the live ledger: the
// replayed current month must equal ledger state, and the replayed window
// must never have needed clamping or started from an impossible state.
type Service struct {
	assets  AssetLister
	engine  Reconstructor
	alerter alert.Alerter
	nowFn   func() time.Time
	logger  *slog.Logger
}

func NewService(assets AssetLister, engine Reconstructor, alerter alert.Alerter, logger *slog.Logger) *Service {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Service{
		assets:  assets,
		engine:  engine,
		alerter: alerter,
		nowFn:   time.Now,
		logger:  logger.With("component", "reconciliation"),
	}
}

// Reconcile checks every asset once.
func (s *Service) Reconcile(ctx context.Context) (*RunResult, error) {
	result := &RunResult{StartedAt: s.nowFn(), Assets: []AssetResult{}}

	for _, a := range s.assets.List() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reconcile: %w", err)
		}
		res, ok := s.engine.Reconstruct(ctx, a.ID)
		if !ok {
			// Asset disappeared between List and Reconstruct; ledgers never
			// delete, so this only happens during ReplaceAll.
			continue
		}
		ar := s.check(a, res)
		result.Assets = append(result.Assets, ar)
		result.Total++
		if ar.IsMatch {
			result.Matched++
			continue
		}
		result.Mismatched++
		s.logger.Warn("asset history does not reconcile",
			"asset_id", a.ID,
			"symbol", a.Symbol,
			"reasons", ar.Reasons,
			"ledger_circulation", ar.LedgerCirculation,
			"replayed_circulation", ar.ReplayedCirculation,
		)
	}
	result.FinishedAt = s.nowFn()

	metrics.ReconciliationRunsTotal.Inc()
	if result.Mismatched > 0 {
		metrics.ReconciliationMismatchesTotal.Add(float64(result.Mismatched))

		ids := make([]string, 0, result.Mismatched)
		for _, ar := range result.Assets {
			if !ar.IsMatch {
				ids = append(ids, ar.AssetID)
			}
		}
		if err := s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeReconcileErr,
			Title:   "Ledger history reconciliation mismatch detected",
			Message: fmt.Sprintf("%d/%d assets are not explained by their history", result.Mismatched, result.Total),
			Fields: map[string]string{
				"matched":    fmt.Sprintf("%d", result.Matched),
				"mismatched": fmt.Sprintf("%d", result.Mismatched),
				"assets":     strings.Join(ids, ","),
			},
		}); err != nil {
			s.logger.Warn("reconciliation alert failed", "error", err)
		}
	}

	s.logger.Info("reconciliation completed",
		"total", result.Total,
		"matched", result.Matched,
		"mismatched", result.Mismatched,
	)
	return result, nil
}

func (s *Service) check(a model.Asset, res reconstruction.Result) AssetResult {
	ar := AssetResult{
		AssetID:           a.ID,
		Symbol:            a.Symbol,
		LedgerCirculation: a.Balance.String(),
		StartCirculation:  res.Start.Circulation.String(),
		Clamps:            res.Clamps,
		SkippedEntries:    res.Skipped,
		CheckedAt:         s.nowFn(),
	}
	finite := a.IsFinite()
	if finite {
		ar.LedgerCap = a.Cap().String()
		ar.StartCap = res.Start.Cap.String()
	}

	final, ok := res.Final()
	if !ok {
		ar.Reasons = append(ar.Reasons, "no replayed state for current month")
	} else {
		ar.ReplayedCirculation = final.Circulation.String()
		if !final.Circulation.Equal(a.Balance) {
			ar.Reasons = append(ar.Reasons, "circulation differs")
		}
		if finite {
			ar.ReplayedCap = final.Cap.String()
			if !final.Cap.Equal(a.Cap()) {
				ar.Reasons = append(ar.Reasons, "supply cap differs")
			}
		}
	}

	if res.Start.Circulation.IsNegative() {
		ar.Reasons = append(ar.Reasons, "negative starting circulation")
	}
	if finite && res.Start.Circulation.GreaterThan(res.Start.Cap) {
		ar.Reasons = append(ar.Reasons, "starting circulation above cap")
	}
	if res.Clamps > 0 {
		ar.Reasons = append(ar.Reasons, fmt.Sprintf("replay clamped %d month(s)", res.Clamps))
	}

	ar.IsMatch = len(ar.Reasons) == 0
	return ar
}

// ReconcileAny wraps Reconcile to return any, satisfying admin.ReconcileRequester.
func (s *Service) ReconcileAny(ctx context.Context) (any, error) {
	return s.Reconcile(ctx)
}

// RunPeriodic reconciles every interval until ctx is cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}

	s.logger.Info("periodic reconciliation started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic reconciliation stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("periodic reconciliation failed", "error", err)
			}
		}
	}
}
