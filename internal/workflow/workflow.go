package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/custody-ledger/internal/alert"
	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/metrics"
	"github.com/emperorhan/custody-ledger/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("conflicts with an existing asset")
	ErrStale                = errors.New("request is stale")
	ErrInFlight             = errors.New("request has a step in flight")
	ErrWrongStage           = errors.New("stage is not the current stage")
	ErrNotApproved          = errors.New("request is not approved")
	ErrRequestNotFound      = errors.New("request not found")
	ErrConfirmationRequired = errors.New("cancellation requires confirmation")
	ErrNotInitiator         = errors.New("only the initiator may cancel")
)

// DefaultRejectionReason is recorded when a reviewer gives no reason.
const DefaultRejectionReason = "Rejected without a stated reason"

// DefaultStages is the ordered approval chain per operation type.
var DefaultStages = map[model.OperationType][]model.Stage{
	model.OperationMint:        {model.StageTreasury},
	model.OperationBurn:        {model.StageCompliance, model.StageTreasury},
	model.OperationIssue:       {model.StageCompliance, model.StageManagement},
	model.OperationPauseToggle: {model.StagePauser},
	model.OperationRedeem:      {model.StageAuthFactor1, model.StageAuthFactor2},
	model.OperationSwap:        {model.StageAuthFactor1, model.StageAuthFactor2},
}

// HistoryAppender records executed operations. *history.Log satisfies it.
type HistoryAppender interface {
	Append(ctx context.Context, entry model.ActionHistoryEntry) (model.ActionHistoryEntry, error)
}

// Request is a point-in-time view of an approval request.
type Request struct {
	ID              string                `json:"id"`
	Operation       model.OperationType   `json:"operation"`
	Payload         Operation             `json:"payload"`
	Stages          []model.Stage         `json:"stages"`
	CurrentStage    int                   `json:"current_stage"`
	Status          model.RequestStatus   `json:"status"`
	RejectionReason string                `json:"rejection_reason,omitempty"`
	Initiator       string                `json:"initiator"`
	Notes           string                `json:"notes,omitempty"`
	Decisions       []model.StageDecision `json:"decisions"`
	InFlight        bool                  `json:"in_flight"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// PendingStage returns the stage awaiting a decision, if any.
func (r Request) PendingStage() (model.Stage, bool) {
	if r.Status != model.RequestPending || r.CurrentStage >= len(r.Stages) {
		return "", false
	}
	return r.Stages[r.CurrentStage], true
}

func (r *Request) snapshot() Request {
	out := *r
	out.Stages = slices.Clone(r.Stages)
	out.Decisions = slices.Clone(r.Decisions)
	return out
}

// Manager drives every operation type through the same staged state machine:
// Pending(stage 1..N) -> Approved -> Executed, with Rejected reachable from
// any pending stage and cancellation from any non-terminal state. Requests
// leave the manager once they are executed, rejected or cancelled.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request

	store   Store
	history HistoryAppender
	alerter alert.Alerter
	stages  map[model.OperationType][]model.Stage

	latencyMin time.Duration
	latencyMax time.Duration
	sleep      func(time.Duration)
	nowFn      func() time.Time
	newID      func() string

	tracer trace.Tracer
	logger *slog.Logger
}

type Option func(*Manager)

// WithLatency sets the simulated approval latency range.
func WithLatency(lo, hi time.Duration) Option {
	return func(m *Manager) {
		m.latencyMin, m.latencyMax = lo, hi
	}
}

// WithSleep replaces the latency wait. Tests pass a no-op.
func WithSleep(fn func(time.Duration)) Option {
	return func(m *Manager) { m.sleep = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.nowFn = fn }
}

func WithAlerter(a alert.Alerter) Option {
	return func(m *Manager) { m.alerter = a }
}

// WithStages overrides the approval chain for one operation type.
func WithStages(op model.OperationType, stages ...model.Stage) Option {
	return func(m *Manager) { m.stages[op] = slices.Clone(stages) }
}

func New(store Store, history HistoryAppender, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		requests:   make(map[string]*Request),
		store:      store,
		history:    history,
		alerter:    &alert.NoopAlerter{},
		stages:     make(map[model.OperationType][]model.Stage, len(DefaultStages)),
		latencyMin: time.Second,
		latencyMax: 2 * time.Second,
		sleep:      time.Sleep,
		nowFn:      time.Now,
		newID:      uuid.NewString,
		tracer:     tracing.Tracer("custody-ledger/workflow"),
		logger:     logger.With("component", "workflow"),
	}
	for op, stages := range DefaultStages {
		m.stages[op] = slices.Clone(stages)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates op against the current ledger and opens a request at its
// first stage. Validation failures leave nothing behind.
func (m *Manager) Submit(ctx context.Context, initiator string, op Operation, notes string) (Request, error) {
	if op == nil {
		return Request{}, fmt.Errorf("%w: operation is required", ErrValidation)
	}
	kind := op.Kind()
	if strings.TrimSpace(initiator) == "" {
		return Request{}, fmt.Errorf("%w: initiator is required", ErrValidation)
	}
	stages, ok := m.stages[kind]
	if !ok || len(stages) == 0 {
		return Request{}, fmt.Errorf("%w: no approval chain for %s", ErrValidation, kind)
	}
	if err := op.Validate(m.store); err != nil {
		metrics.WorkflowTransitionsTotal.WithLabelValues(string(kind), "invalid").Inc()
		m.logger.Warn("request refused", "operation", kind, "initiator", initiator, "error", err)
		return Request{}, fmt.Errorf("submit %s: %w", kind, err)
	}

	now := m.nowFn()
	req := &Request{
		ID:        m.newID(),
		Operation: kind,
		Payload:   op,
		Stages:    slices.Clone(stages),
		Status:    model.RequestPending,
		Initiator: initiator,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.requests[req.ID] = req
	m.updatePendingGauge()
	out := req.snapshot()
	m.mu.Unlock()

	metrics.WorkflowTransitionsTotal.WithLabelValues(string(kind), string(model.RequestPending)).Inc()
	m.logger.Info("request submitted",
		"request_id", req.ID,
		"operation", kind,
		"asset_ids", op.AssetIDs(),
		"initiator", initiator,
		"stages", len(stages),
	)
	return out, nil
}

// begin claims the request for one step. The check runs under the manager
// lock and fails if another step is already in flight.
func (m *Manager) begin(id string, check func(*Request) error) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	if req.InFlight {
		metrics.WorkflowBusyRejections.WithLabelValues(string(req.Operation)).Inc()
		return nil, fmt.Errorf("request %s: %w", id, ErrInFlight)
	}
	if err := check(req); err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	req.InFlight = true
	return req, nil
}

func currentStageIs(stage model.Stage) func(*Request) error {
	return func(r *Request) error {
		current, ok := r.PendingStage()
		if !ok {
			return fmt.Errorf("%w: status is %s", ErrWrongStage, r.Status)
		}
		if current != stage {
			return fmt.Errorf("%w: awaiting %s, got %s", ErrWrongStage, current, stage)
		}
		return nil
	}
}

func (m *Manager) latency() time.Duration {
	if m.latencyMax <= m.latencyMin {
		return m.latencyMin
	}
	return m.latencyMin + rand.N(m.latencyMax-m.latencyMin)
}

// Approve clears the current stage after the simulated latency. Clearing the
// last stage moves the request to Approved. The latency wait is not
// interruptible once started.
func (m *Manager) Approve(ctx context.Context, id string, stage model.Stage, approver string) (Request, error) {
	if strings.TrimSpace(approver) == "" {
		return Request{}, fmt.Errorf("%w: approver is required", ErrValidation)
	}
	req, err := m.begin(id, currentStageIs(stage))
	if err != nil {
		return Request{}, err
	}

	started := m.nowFn()
	m.sleep(m.latency())

	m.mu.Lock()
	now := m.nowFn()
	req.Decisions = append(req.Decisions, model.StageDecision{Stage: stage, Approver: approver, DecidedAt: now})
	req.CurrentStage++
	if req.CurrentStage == len(req.Stages) {
		req.Status = model.RequestApproved
	}
	req.InFlight = false
	req.UpdatedAt = now
	out := req.snapshot()
	m.mu.Unlock()

	metrics.WorkflowStageLatency.WithLabelValues(string(out.Operation), string(stage)).Observe(now.Sub(started).Seconds())
	metrics.WorkflowTransitionsTotal.WithLabelValues(string(out.Operation), string(out.Status)).Inc()
	m.logger.Info("stage approved",
		"request_id", id,
		"operation", out.Operation,
		"stage", stage,
		"approver", approver,
		"status", out.Status,
	)
	return out, nil
}

// Reject ends the request at the current stage. An empty reason is replaced
// with DefaultRejectionReason.
func (m *Manager) Reject(ctx context.Context, id string, stage model.Stage, approver, reason string) (Request, error) {
	if strings.TrimSpace(approver) == "" {
		return Request{}, fmt.Errorf("%w: approver is required", ErrValidation)
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultRejectionReason
	}
	req, err := m.begin(id, currentStageIs(stage))
	if err != nil {
		return Request{}, err
	}

	started := m.nowFn()
	m.sleep(m.latency())

	m.mu.Lock()
	now := m.nowFn()
	req.Decisions = append(req.Decisions, model.StageDecision{Stage: stage, Approver: approver, DecidedAt: now})
	req.Status = model.RequestRejected
	req.RejectionReason = reason
	req.InFlight = false
	req.UpdatedAt = now
	out := req.snapshot()
	delete(m.requests, id)
	m.updatePendingGauge()
	m.mu.Unlock()

	metrics.WorkflowStageLatency.WithLabelValues(string(out.Operation), string(stage)).Observe(now.Sub(started).Seconds())
	metrics.WorkflowTransitionsTotal.WithLabelValues(string(out.Operation), string(out.Status)).Inc()
	m.logger.Info("request rejected",
		"request_id", id,
		"operation", out.Operation,
		"stage", stage,
		"approver", approver,
		"reason", reason,
	)
	m.sendAlert(ctx, out, alert.AlertTypeRejected, "Approval request rejected", reason)
	return out, nil
}

// Execute applies an approved request. The payload is re-validated under the
// per-asset locks immediately before mutating; a request that no longer
// validates is discarded with ErrStale and must be resubmitted.
func (m *Manager) Execute(ctx context.Context, id, actor string) (_ Request, err error) {
	req, err := m.begin(id, func(r *Request) error {
		if r.Status != model.RequestApproved {
			return fmt.Errorf("%w: status is %s", ErrNotApproved, r.Status)
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}

	op := req.Payload
	ctx, span := m.tracer.Start(ctx, "workflow.Execute", trace.WithAttributes(
		attribute.String("custody.request_id", id),
		attribute.String("custody.operation", string(op.Kind())),
		attribute.StringSlice("custody.asset_ids", op.AssetIDs()),
	))
	defer func() { tracing.End(span, err) }()

	// The locks span validation through the history appends. Alerts are sent
	// only after release.
	unlock := m.store.Lock(op.LockKeys()...)

	if verr := op.Validate(m.store); verr != nil {
		unlock()
		out := m.discard(req)
		metrics.WorkflowStaleExecutions.WithLabelValues(string(op.Kind())).Inc()
		m.logger.Warn("approved request is stale",
			"request_id", id,
			"operation", op.Kind(),
			"asset_ids", op.AssetIDs(),
			"error", verr,
		)
		m.sendAlert(ctx, out, alert.AlertTypeStaleExecution, "Approved request discarded", verr.Error())
		return out, fmt.Errorf("execute %s: %w: %w", id, ErrStale, verr)
	}

	ex := Execution{
		At:       m.nowFn(),
		User:     req.Initiator,
		Approver: lastApprover(req),
		Notes:    req.Notes,
	}
	if actor != "" && actor != req.Initiator {
		ex.User = actor
	}

	entries, aerr := op.Apply(m.store, ex)
	if aerr != nil {
		unlock()
		out := m.discard(req)
		metrics.WorkflowStaleExecutions.WithLabelValues(string(op.Kind())).Inc()
		m.logger.Error("apply failed after validation", "request_id", id, "operation", op.Kind(), "error", aerr)
		return out, fmt.Errorf("execute %s: %w: %w", id, ErrStale, aerr)
	}

	for _, e := range entries {
		if _, herr := m.history.Append(ctx, e); herr != nil {
			m.logger.Warn("history append failed", "request_id", id, "action_type", e.ActionType, "error", herr)
		}
	}
	unlock()

	m.mu.Lock()
	req.Status = model.RequestExecuted
	req.InFlight = false
	req.UpdatedAt = ex.At
	out := req.snapshot()
	delete(m.requests, id)
	m.updatePendingGauge()
	m.mu.Unlock()

	metrics.WorkflowTransitionsTotal.WithLabelValues(string(out.Operation), string(out.Status)).Inc()
	m.logger.Info("request executed",
		"request_id", id,
		"operation", out.Operation,
		"asset_ids", op.AssetIDs(),
		"entries", len(entries),
	)
	return out, nil
}

func lastApprover(r *Request) string {
	if len(r.Decisions) == 0 {
		return ""
	}
	return r.Decisions[len(r.Decisions)-1].Approver
}

// discard drops a request after a failed execution. The returned snapshot
// carries the status it had when it was dropped.
func (m *Manager) discard(req *Request) Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.InFlight = false
	req.UpdatedAt = m.nowFn()
	delete(m.requests, req.ID)
	m.updatePendingGauge()
	return req.snapshot()
}

// Cancel discards a pending or approved request. It requires explicit
// confirmation from the initiator and is refused while a step is in flight.
func (m *Manager) Cancel(id, actor string, confirmed bool) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	if !confirmed {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrConfirmationRequired)
	}
	if actor != req.Initiator {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrNotInitiator)
	}
	if req.InFlight {
		metrics.WorkflowBusyRejections.WithLabelValues(string(req.Operation)).Inc()
		return Request{}, fmt.Errorf("request %s: %w", id, ErrInFlight)
	}

	req.Status = model.RequestCancelled
	req.UpdatedAt = m.nowFn()
	out := req.snapshot()
	delete(m.requests, id)
	m.updatePendingGauge()

	metrics.WorkflowTransitionsTotal.WithLabelValues(string(out.Operation), string(out.Status)).Inc()
	m.logger.Info("request cancelled", "request_id", id, "operation", out.Operation, "actor", actor)
	return out, nil
}

func (m *Manager) Get(id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	return req.snapshot(), nil
}

// List returns open requests, oldest first.
func (m *Manager) List() []Request {
	m.mu.Lock()
	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r.snapshot())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Request) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Stages returns the approval chain for op.
func (m *Manager) Stages(op model.OperationType) []model.Stage {
	return slices.Clone(m.stages[op])
}

// updatePendingGauge must be called with m.mu held.
func (m *Manager) updatePendingGauge() {
	metrics.WorkflowPendingRequests.Set(float64(len(m.requests)))
}

func (m *Manager) sendAlert(ctx context.Context, r Request, typ alert.AlertType, title, message string) {
	assetID := ""
	if ids := r.Payload.AssetIDs(); len(ids) > 0 {
		assetID = ids[0]
	}
	a := alert.Alert{
		Type:      typ,
		AssetID:   assetID,
		Operation: string(r.Operation),
		Title:     title,
		Message:   message,
		Fields: map[string]string{
			"request_id": r.ID,
			"initiator":  r.Initiator,
		},
	}
	if err := m.alerter.Send(ctx, a); err != nil {
		m.logger.Warn("alert send failed", "request_id", r.ID, "type", typ, "error", err)
	}
}
