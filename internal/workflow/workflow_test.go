package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/custody-ledger/internal/alert"
	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/history"
	"github.com/emperorhan/custody-ledger/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) sent() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Alert(nil), r.alerts...)
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func dp(v int64) *decimal.Decimal {
	x := decimal.NewFromInt(v)
	return &x
}

type fixture struct {
	mgr     *Manager
	ledger  *ledger.Ledger
	history *history.Log
	alerts  *recordingAlerter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(logger)
	require.NoError(t, l.ReplaceAll([]model.Asset{
		{ID: "gldx", Symbol: "GLDX", Label: "Gold Token", Balance: d(400), SupplyType: model.SupplyFinite, TotalSupplyIssued: dp(1000)},
		{ID: "slvx", Symbol: "SLVX", Label: "Silver Token", Balance: d(100), SupplyType: model.SupplyFinite, TotalSupplyIssued: dp(500)},
		{ID: "usd", Symbol: "USD", Label: "US Dollar", Balance: d(5000), SupplyType: model.SupplyInfinite},
	}))
	h := history.New(logger)
	rec := &recordingAlerter{}

	clock := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	base := []Option{
		WithSleep(func(time.Duration) {}),
		WithAlerter(rec),
		WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}),
	}
	mgr := New(l, h, logger, append(base, opts...)...)
	return &fixture{mgr: mgr, ledger: l, history: h, alerts: rec}
}

// approveAll clears every stage in order.
func (f *fixture) approveAll(t *testing.T, id string) Request {
	t.Helper()
	req, err := f.mgr.Get(id)
	require.NoError(t, err)
	for _, stage := range req.Stages {
		req, err = f.mgr.Approve(context.Background(), id, stage, "approver-"+string(stage))
		require.NoError(t, err)
	}
	require.Equal(t, model.RequestApproved, req.Status)
	return req
}

func (f *fixture) asset(t *testing.T, id string) model.Asset {
	t.Helper()
	a, ok := f.ledger.Get(id)
	require.True(t, ok, "asset %s", id)
	return a
}

func TestMint_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Mint{AssetID: "gldx", Amount: d(500)}, "quarterly mint")
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, req.Status)
	assert.Equal(t, []model.Stage{model.StageTreasury}, req.Stages)

	req, err = f.mgr.Approve(ctx, req.ID, model.StageTreasury, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, req.Status)
	require.Len(t, req.Decisions, 1)
	assert.Equal(t, "bob", req.Decisions[0].Approver)

	done, err := f.mgr.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.RequestExecuted, done.Status)

	a := f.asset(t, "gldx")
	assert.True(t, a.Cap().Equal(d(1500)))
	assert.True(t, a.Balance.Equal(d(400)), "mint leaves circulation unchanged")

	entries := f.history.ForAsset("gldx", "")
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionMint, entries[0].ActionType)
	assert.Equal(t, "alice", entries[0].User)
	assert.Equal(t, "bob", entries[0].Approver)
	assert.Equal(t, "quarterly mint", entries[0].Notes)
	qty, ok := history.Quantity(entries[0])
	require.True(t, ok)
	assert.True(t, qty.Equal(d(500)))

	_, err = f.mgr.Get(req.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	assert.Empty(t, f.mgr.List())
}

func TestStagesMustBeClearedInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Burn{AssetID: "gldx", Amount: d(100)}, "")
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{model.StageCompliance, model.StageTreasury}, req.Stages)

	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	require.ErrorIs(t, err, ErrNotApproved)

	_, err = f.mgr.Approve(ctx, req.ID, model.StageTreasury, "bob")
	require.ErrorIs(t, err, ErrWrongStage)

	req, err = f.mgr.Approve(ctx, req.ID, model.StageCompliance, "carol")
	require.NoError(t, err)
	assert.Equal(t, model.RequestPending, req.Status)
	assert.Equal(t, 1, req.CurrentStage)

	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	require.ErrorIs(t, err, ErrNotApproved)

	req, err = f.mgr.Approve(ctx, req.ID, model.StageTreasury, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, req.Status)

	_, err = f.mgr.Approve(ctx, req.ID, model.StageTreasury, "bob")
	require.ErrorIs(t, err, ErrWrongStage, "nothing left to approve")

	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.True(t, f.asset(t, "gldx").Cap().Equal(d(900)))
}

func TestEveryOperationRequiresItsFullChain(t *testing.T) {
	ops := map[model.OperationType]func() Operation{
		model.OperationMint:        func() Operation { return &Mint{AssetID: "gldx", Amount: d(1)} },
		model.OperationBurn:        func() Operation { return &Burn{AssetID: "gldx", Amount: d(1)} },
		model.OperationRedeem:      func() Operation { return &Redeem{AssetID: "gldx", Amount: d(1)} },
		model.OperationSwap:        func() Operation { return &Swap{SourceID: "usd", TargetID: "gldx", Amount: d(1)} },
		model.OperationPauseToggle: func() Operation { return &PauseToggle{AssetID: "slvx"} },
		model.OperationIssue: func() Operation {
			return &Issue{AssetID: "plat", Symbol: "PLTX", Label: "Platinum", SupplyType: model.SupplyFinite, Supply: d(10)}
		},
	}

	for kind, build := range ops {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			req, err := f.mgr.Submit(ctx, "alice", build(), "")
			require.NoError(t, err)
			require.Equal(t, DefaultStages[kind], req.Stages)

			for i, stage := range req.Stages {
				_, err = f.mgr.Execute(ctx, req.ID, "alice")
				require.ErrorIs(t, err, ErrNotApproved, "execute before stage %d", i)
				req, err = f.mgr.Approve(ctx, req.ID, stage, "approver")
				require.NoError(t, err)
			}
			done, err := f.mgr.Execute(ctx, req.ID, "alice")
			require.NoError(t, err)
			assert.Equal(t, model.RequestExecuted, done.Status)
			assert.Len(t, done.Decisions, len(DefaultStages[kind]))
		})
	}
}

func TestReject_DiscardsWithDefaultReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Redeem{AssetID: "gldx", Amount: d(50)}, "")
	require.NoError(t, err)
	_, err = f.mgr.Approve(ctx, req.ID, model.StageAuthFactor1, "bob")
	require.NoError(t, err)

	out, err := f.mgr.Reject(ctx, req.ID, model.StageAuthFactor2, "carol", "  ")
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, out.Status)
	assert.Equal(t, DefaultRejectionReason, out.RejectionReason)

	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, ErrRequestNotFound)
	_, err = f.mgr.Approve(ctx, req.ID, model.StageAuthFactor2, "carol")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	assert.True(t, f.asset(t, "gldx").Balance.Equal(d(400)))
	assert.Zero(t, f.history.Len())

	alerts := f.alerts.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.AlertTypeRejected, alerts[0].Type)
	assert.Equal(t, "gldx", alerts[0].AssetID)
}

func TestReject_KeepsSuppliedReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Mint{AssetID: "gldx", Amount: d(5)}, "")
	require.NoError(t, err)
	out, err := f.mgr.Reject(ctx, req.ID, model.StageTreasury, "bob", "exceeds quarterly plan")
	require.NoError(t, err)
	assert.Equal(t, "exceeds quarterly plan", out.RejectionReason)

	_, err = f.mgr.Reject(ctx, req.ID, model.StageTreasury, "bob", "again")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestInFlightStepBlocksOtherCalls(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f := newFixture(t, WithSleep(func(time.Duration) {
		entered <- struct{}{}
		<-release
	}))
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Redeem{AssetID: "gldx", Amount: d(10)}, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Approve(ctx, req.ID, model.StageAuthFactor1, "bob")
		done <- err
	}()
	<-entered

	_, err = f.mgr.Approve(ctx, req.ID, model.StageAuthFactor1, "bob")
	assert.ErrorIs(t, err, ErrInFlight)
	_, err = f.mgr.Reject(ctx, req.ID, model.StageAuthFactor1, "bob", "")
	assert.ErrorIs(t, err, ErrInFlight)
	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, ErrInFlight)
	_, err = f.mgr.Cancel(req.ID, "alice", true)
	assert.ErrorIs(t, err, ErrInFlight)

	snap, err := f.mgr.Get(req.ID)
	require.NoError(t, err)
	assert.True(t, snap.InFlight)

	close(release)
	require.NoError(t, <-done)

	snap, err = f.mgr.Get(req.ID)
	require.NoError(t, err)
	assert.False(t, snap.InFlight)
	assert.Equal(t, 1, snap.CurrentStage)
}

func TestExecute_StaleRequestIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.Submit(ctx, "alice", &Redeem{AssetID: "gldx", Amount: d(300)}, "")
	require.NoError(t, err)
	second, err := f.mgr.Submit(ctx, "dave", &Redeem{AssetID: "gldx", Amount: d(300)}, "")
	require.NoError(t, err)
	f.approveAll(t, first.ID)
	f.approveAll(t, second.ID)

	_, err = f.mgr.Execute(ctx, first.ID, "alice")
	require.NoError(t, err)
	before := f.asset(t, "gldx")

	out, err := f.mgr.Execute(ctx, second.ID, "dave")
	require.ErrorIs(t, err, ErrStale)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Equal(t, model.RequestApproved, out.Status)

	after := f.asset(t, "gldx")
	assert.Equal(t, before, after)
	assert.Len(t, f.history.ForAsset("gldx", ""), 1)

	_, err = f.mgr.Get(second.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound, "stale requests must be resubmitted")

	alerts := f.alerts.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.AlertTypeStaleExecution, alerts[0].Type)
	assert.Equal(t, second.ID, alerts[0].Fields["request_id"])
}

func TestExecute_IssueRevalidatesSymbol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issue := func(id string) *Issue {
		return &Issue{AssetID: id, Symbol: "pltx", Label: "Platinum", SupplyType: model.SupplyFinite, Supply: d(1000), InitialCirculation: d(100)}
	}
	a, err := f.mgr.Submit(ctx, "alice", issue("plat-a"), "")
	require.NoError(t, err)
	b, err := f.mgr.Submit(ctx, "bob", issue("plat-b"), "")
	require.NoError(t, err)
	f.approveAll(t, a.ID)
	f.approveAll(t, b.ID)

	_, err = f.mgr.Execute(ctx, a.ID, "alice")
	require.NoError(t, err)
	created := f.asset(t, "plat-a")
	assert.True(t, created.IsWizardIssued)
	require.NotNil(t, created.IssuedAt)
	assert.False(t, created.IssuedAt.IsZero())
	assert.True(t, created.Balance.Equal(d(100)))
	assert.True(t, created.Cap().Equal(d(1000)))

	_, err = f.mgr.Execute(ctx, b.ID, "bob")
	require.ErrorIs(t, err, ErrStale)
	assert.Contains(t, err.Error(), "duplicate symbol")
	_, ok := f.ledger.Get("plat-b")
	assert.False(t, ok)

	entries := f.history.ForAsset("plat-a", "")
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionIssue, entries[0].ActionType)
}

func TestSwap_FiniteToFinite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Swap{SourceID: "gldx", TargetID: "slvx", Amount: d(100), TargetAmount: d(250)}, "")
	require.NoError(t, err)
	f.approveAll(t, req.ID)
	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)

	gold := f.asset(t, "gldx")
	silver := f.asset(t, "slvx")
	assert.True(t, gold.Balance.Equal(d(300)))
	assert.True(t, gold.Cap().Equal(d(1000)))
	assert.True(t, silver.Balance.Equal(d(350)))
	assert.True(t, silver.Reserve().Equal(d(150)))

	goldEntries := f.history.ForAsset("gldx", "")
	require.Len(t, goldEntries, 1)
	assert.Equal(t, model.ActionSwapTtoR, goldEntries[0].ActionType)
	silverEntries := f.history.ForAsset("slvx", "")
	require.Len(t, silverEntries, 1)
	assert.Equal(t, model.ActionSwapRtoC, silverEntries[0].ActionType)
	qty, ok := history.Quantity(silverEntries[0])
	require.True(t, ok)
	assert.True(t, qty.Equal(d(250)))
}

func TestSwap_InfiniteSourceStillRaisesTargetCirculation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Swap{SourceID: "usd", TargetID: "gldx", Amount: d(200)}, "")
	require.NoError(t, err)
	f.approveAll(t, req.ID)
	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)

	assert.True(t, f.asset(t, "usd").Balance.Equal(d(4800)))
	assert.True(t, f.asset(t, "gldx").Balance.Equal(d(600)))

	usdEntries := f.history.ForAsset("usd", "")
	require.Len(t, usdEntries, 1)
	assert.Equal(t, model.ActionSwapOut, usdEntries[0].ActionType)
	assert.Equal(t, model.ActionSwapRtoC, f.history.ForAsset("gldx", "")[0].ActionType)
}

func TestSwap_FiniteToInfinite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Swap{SourceID: "gldx", TargetID: "usd", Amount: d(10), TargetAmount: d(25000)}, "")
	require.NoError(t, err)
	f.approveAll(t, req.ID)
	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)

	assert.True(t, f.asset(t, "usd").Balance.Equal(d(30000)))
	assert.Equal(t, model.ActionSwapIn, f.history.ForAsset("usd", "")[0].ActionType)
}

func TestPauseToggle_BlocksOtherOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A mint approved before the pause must not execute after it.
	mint, err := f.mgr.Submit(ctx, "alice", &Mint{AssetID: "gldx", Amount: d(10)}, "")
	require.NoError(t, err)
	f.approveAll(t, mint.ID)

	pause, err := f.mgr.Submit(ctx, "alice", &PauseToggle{AssetID: "gldx"}, "")
	require.NoError(t, err)
	f.approveAll(t, pause.ID)
	_, err = f.mgr.Execute(ctx, pause.ID, "alice")
	require.NoError(t, err)
	assert.True(t, f.asset(t, "gldx").Paused)

	_, err = f.mgr.Execute(ctx, mint.ID, "alice")
	require.ErrorIs(t, err, ErrStale)
	assert.Contains(t, err.Error(), "paused")

	_, err = f.mgr.Submit(ctx, "alice", &Redeem{AssetID: "gldx", Amount: d(1)}, "")
	require.ErrorIs(t, err, ErrValidation)

	unpause, err := f.mgr.Submit(ctx, "alice", &PauseToggle{AssetID: "gldx"}, "")
	require.NoError(t, err)
	f.approveAll(t, unpause.ID)
	_, err = f.mgr.Execute(ctx, unpause.ID, "alice")
	require.NoError(t, err)
	assert.False(t, f.asset(t, "gldx").Paused)

	actions := []model.ActionType{}
	for _, e := range f.history.ForAsset("gldx", "") {
		actions = append(actions, e.ActionType)
	}
	assert.Equal(t, []model.ActionType{model.ActionUnpause, model.ActionPause}, actions)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.mgr.Submit(ctx, "alice", &Mint{AssetID: "gldx", Amount: d(10)}, "")
	require.NoError(t, err)

	_, err = f.mgr.Cancel(req.ID, "alice", false)
	require.ErrorIs(t, err, ErrConfirmationRequired)
	_, err = f.mgr.Cancel(req.ID, "mallory", true)
	require.ErrorIs(t, err, ErrNotInitiator)

	f.approveAll(t, req.ID)
	out, err := f.mgr.Cancel(req.ID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, out.Status)

	_, err = f.mgr.Execute(ctx, req.ID, "alice")
	require.ErrorIs(t, err, ErrRequestNotFound)
	assert.True(t, f.asset(t, "gldx").Cap().Equal(d(1000)))
	assert.Zero(t, f.history.Len())
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		msg  string
	}{
		{name: "nil operation", op: nil, msg: "operation is required"},
		{name: "zero mint", op: &Mint{AssetID: "gldx", Amount: d(0)}, msg: "amount must be positive"},
		{name: "negative burn", op: &Burn{AssetID: "gldx", Amount: d(-5)}, msg: "amount must be positive"},
		{name: "unknown asset", op: &Mint{AssetID: "nope", Amount: d(1)}, msg: "not found"},
		{name: "mint infinite", op: &Mint{AssetID: "usd", Amount: d(1)}, msg: "infinite supply"},
		{name: "burn above reserve", op: &Burn{AssetID: "gldx", Amount: d(601)}, msg: "insufficient reserve"},
		{name: "redeem above balance", op: &Redeem{AssetID: "slvx", Amount: d(101)}, msg: "insufficient balance"},
		{name: "swap same asset", op: &Swap{SourceID: "gldx", TargetID: "gldx", Amount: d(1)}, msg: "must differ"},
		{name: "swap beyond target reserve", op: &Swap{SourceID: "usd", TargetID: "slvx", Amount: d(401)}, msg: "insufficient reserve"},
		{name: "issue duplicate symbol", op: &Issue{AssetID: "x", Symbol: "gldx", Label: "Dup", SupplyType: model.SupplyInfinite}, msg: "duplicate symbol"},
		{name: "issue duplicate id", op: &Issue{AssetID: "gldx", Symbol: "NEW", Label: "Dup", SupplyType: model.SupplyInfinite}, msg: "already exists"},
		{name: "issue without supply", op: &Issue{AssetID: "x", Symbol: "X", Label: "X", SupplyType: model.SupplyFinite}, msg: "supply must be positive"},
		{name: "issue circulation above supply", op: &Issue{AssetID: "x", Symbol: "X", Label: "X", SupplyType: model.SupplyFinite, Supply: d(5), InitialCirculation: d(6)}, msg: "exceeds supply"},
		{name: "issue bad supply type", op: &Issue{AssetID: "x", Symbol: "X", Label: "X", SupplyType: "CAPPED"}, msg: "unknown supply type"},
		{name: "pause unknown", op: &PauseToggle{AssetID: "nope"}, msg: "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.mgr.Submit(context.Background(), "alice", tt.op, "")
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Empty(t, f.mgr.List())
		})
	}
}

func TestSubmit_RequiresInitiator(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Submit(context.Background(), " ", &Mint{AssetID: "gldx", Amount: d(1)}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestWithStagesOverridesChain(t *testing.T) {
	f := newFixture(t, WithStages(model.OperationMint, model.StageCompliance, model.StageTreasury))
	req, err := f.mgr.Submit(context.Background(), "alice", &Mint{AssetID: "gldx", Amount: d(1)}, "")
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{model.StageCompliance, model.StageTreasury}, req.Stages)
	assert.Equal(t, []model.Stage{model.StageTreasury}, DefaultStages[model.OperationMint])
}

func TestConcurrentRedeemsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 12
	ids := make([]string, n)
	for i := range ids {
		req, err := f.mgr.Submit(ctx, "alice", &Redeem{AssetID: "gldx", Amount: d(50)}, "")
		require.NoError(t, err)
		f.approveAll(t, req.ID)
		ids[i] = req.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.mgr.Execute(ctx, id, "alice"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrStale)
			}
		}(id)
	}
	wg.Wait()

	a := f.asset(t, "gldx")
	assert.Equal(t, 8, succeeded)
	assert.True(t, a.Balance.IsZero())
	assert.True(t, a.Cap().Equal(d(600)))
	assert.Len(t, f.history.ForAsset("gldx", ""), 8)
}

func TestLatencyWithinRange(t *testing.T) {
	f := newFixture(t, WithLatency(time.Second, 2*time.Second))
	for i := 0; i < 100; i++ {
		l := f.mgr.latency()
		assert.GreaterOrEqual(t, l, time.Second)
		assert.Less(t, l, 2*time.Second)
	}

	fixed := newFixture(t, WithLatency(500*time.Millisecond, 500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, fixed.mgr.latency())
}

func TestSubmit_DuplicateIssueIsConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Submit(context.Background(), "alice",
		&Issue{AssetID: "gldx", Symbol: "NEW", Label: "Dup", SupplyType: model.SupplyInfinite}, "")
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.mgr.Submit(context.Background(), "alice", &Mint{AssetID: "nope", Amount: d(1)}, "")
	require.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrConflict)
}

// lockCheckingAlerter records whether the given lock keys were free while an
// alert was being sent.
type lockCheckingAlerter struct {
	store *ledger.Ledger
	keys  []string
	free  []bool
}

func (a *lockCheckingAlerter) Send(context.Context, alert.Alert) error {
	acquired := make(chan struct{})
	go func() {
		unlock := a.store.Lock(a.keys...)
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
		a.free = append(a.free, true)
	case <-time.After(time.Second):
		a.free = append(a.free, false)
	}
	return nil
}

func TestExecute_StaleAlertSentAfterLocksReleased(t *testing.T) {
	alerter := &lockCheckingAlerter{keys: []string{assetKey("gldx")}}
	f := newFixture(t, WithAlerter(alerter))
	alerter.store = f.ledger
	ctx := context.Background()

	first, err := f.mgr.Submit(ctx, "alice", &Redeem{AssetID: "gldx", Amount: d(300)}, "")
	require.NoError(t, err)
	second, err := f.mgr.Submit(ctx, "dave", &Redeem{AssetID: "gldx", Amount: d(300)}, "")
	require.NoError(t, err)
	f.approveAll(t, first.ID)
	f.approveAll(t, second.ID)

	_, err = f.mgr.Execute(ctx, first.ID, "alice")
	require.NoError(t, err)
	_, err = f.mgr.Execute(ctx, second.ID, "dave")
	require.ErrorIs(t, err, ErrStale)

	require.Len(t, alerter.free, 1)
	assert.True(t, alerter.free[0], "asset lock held while alerting")
}

// failingStore fails balance adjustments on one asset.
type failingStore struct {
	*ledger.Ledger
	failID string
}

func (s failingStore) AdjustBalance(id string, delta decimal.Decimal) error {
	if id == s.failID {
		return errors.New("adjust balance: ledger unavailable")
	}
	return s.Ledger.AdjustBalance(id, delta)
}

func TestSwapApply_FailedTargetLegLeavesSourceUntouched(t *testing.T) {
	tests := []struct {
		name     string
		sourceID string
	}{
		{name: "finite source", sourceID: "gldx"},
		{name: "infinite source", sourceID: "usd"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			before := f.asset(t, tc.sourceID)
			op := &Swap{SourceID: tc.sourceID, TargetID: "slvx", Amount: d(50)}
			require.NoError(t, op.Validate(f.ledger))

			entries, err := op.Apply(failingStore{Ledger: f.ledger, failID: "slvx"}, Execution{At: time.Now(), User: "ops"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "ledger unavailable")
			assert.Empty(t, entries)
			assert.True(t, before.Balance.Equal(f.asset(t, tc.sourceID).Balance))
			assert.True(t, f.asset(t, "slvx").Balance.Equal(d(100)))
		})
	}
}

func TestSwapApply_UnknownAssetFailsBeforeMutation(t *testing.T) {
	f := newFixture(t)

	entries, err := (&Swap{SourceID: "gldx", TargetID: "gone", Amount: d(50)}).Apply(f.ledger, Execution{At: time.Now()})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "asset gone not found")
	assert.Nil(t, entries)
	assert.True(t, f.asset(t, "gldx").Balance.Equal(d(400)))

	_, err = (&Swap{SourceID: "gone", TargetID: "gldx", Amount: d(50)}).Apply(f.ledger, Execution{At: time.Now()})
	require.ErrorIs(t, err, ErrValidation)
	assert.True(t, f.asset(t, "gldx").Balance.Equal(d(400)))
}
