package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/workflow"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	defaultFeedWait = 20 * time.Second
	maxFeedWait     = 60 * time.Second
)

// AssetReader is the ledger view the API reads. *ledger.Ledger satisfies it.
type AssetReader interface {
	Get(id string) (model.Asset, bool)
	List() []model.Asset
}

// HistoryReader pages the action history. *history.Log satisfies it.
type HistoryReader interface {
	Page(assetID, symbol string, limit, offset int) ([]model.ActionHistoryEntry, int)
}

// SnapshotProvider derives monthly snapshots. *reconstruction.Engine
// satisfies it.
type SnapshotProvider interface {
	Monthly(ctx context.Context, assetID string) []model.MonthlySnapshot
}

// Workflow drives approval requests. *workflow.Manager satisfies it.
type Workflow interface {
	Submit(ctx context.Context, initiator string, op workflow.Operation, notes string) (workflow.Request, error)
	Approve(ctx context.Context, id string, stage model.Stage, approver string) (workflow.Request, error)
	Reject(ctx context.Context, id string, stage model.Stage, approver, reason string) (workflow.Request, error)
	Execute(ctx context.Context, id, actor string) (workflow.Request, error)
	Cancel(id, actor string, confirmed bool) (workflow.Request, error)
	Get(id string) (workflow.Request, error)
	List() []workflow.Request
}

// FeedReader tails the history feed. stream.Redis and stream.InMemory
// satisfy it.
type FeedReader interface {
	ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error)
}

// ReconcileRequester triggers history reconciliation.
type ReconcileRequester interface {
	ReconcileAny(ctx context.Context) (any, error)
}

// Server exposes the ledger, history, snapshots and approval workflow over
// HTTP.
type Server struct {
	assets       AssetReader
	history      HistoryReader
	snapshots    SnapshotProvider
	workflow     Workflow
	reconcileReq ReconcileRequester
	feed         FeedReader
	feedStream   string
	logger       *slog.Logger
}

// NewServer creates the API server. Optional collaborators left unset make
// their endpoints answer 503.
func NewServer(assets AssetReader, history HistoryReader, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		assets:  assets,
		history: history,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the server.
type ServerOption func(*Server)

func WithSnapshotProvider(sp SnapshotProvider) ServerOption {
	return func(s *Server) { s.snapshots = sp }
}

func WithWorkflow(wf Workflow) ServerOption {
	return func(s *Server) { s.workflow = wf }
}

// WithHistoryFeed serves GET /v1/history/feed from streamName.
func WithHistoryFeed(fr FeedReader, streamName string) ServerOption {
	return func(s *Server) {
		s.feed = fr
		s.feedStream = streamName
	}
}

// WithReconcileRequester sets the reconciliation requester on the server.
func WithReconcileRequester(rr ReconcileRequester) ServerOption {
	return func(s *Server) { s.reconcileReq = rr }
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/assets", s.handleListAssets)
	mux.HandleFunc("GET /v1/assets/{id}", s.handleGetAsset)
	mux.HandleFunc("GET /v1/assets/{id}/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/history/feed", s.handleFeed)

	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/requests", s.handleListRequests)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("POST /v1/requests/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/requests/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /v1/requests/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/requests/{id}/cancel", s.handleCancel)

	mux.HandleFunc("POST /v1/reconcile", s.handleReconcile)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// --- Assets ---

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.assets.List())
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := s.assets.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, `{"error":"asset not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type snapshotsResponse struct {
	AssetID   string                  `json:"asset_id"`
	Snapshots []model.MonthlySnapshot `json:"snapshots"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		http.Error(w, `{"error":"snapshots not available"}`, http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if _, ok := s.assets.Get(id); !ok {
		http.Error(w, `{"error":"asset not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshotsResponse{AssetID: id, Snapshots: s.snapshots.Monthly(r.Context(), id)})
}

// --- History ---

type historyResponse struct {
	Entries []model.ActionHistoryEntry `json:"entries"`
	Total   int                        `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, q.Get("limit"), "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(w, q.Get("offset"), "offset", 0)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxHistoryLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
		return
	}
	if offset < 0 {
		http.Error(w, `{"error":"offset must be >= 0"}`, http.StatusBadRequest)
		return
	}

	assetID := q.Get("asset_id")
	var symbol string
	if a, found := s.assets.Get(assetID); found && assetID != "" {
		symbol = a.Symbol
	}
	entries, total := s.history.Page(assetID, symbol, limit, offset)
	if entries == nil {
		entries = []model.ActionHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Entries: entries, Total: total, Limit: limit, Offset: offset})
}

type feedResponse struct {
	ID    string                   `json:"id"`
	Entry model.ActionHistoryEntry `json:"entry"`
}

// handleFeed long-polls for the first feed message after the "after" cursor.
// It answers 204 when nothing arrives within wait_ms.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, `{"error":"history feed not available"}`, http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	waitMS, ok := queryInt(w, q.Get("wait_ms"), "wait_ms", int(defaultFeedWait/time.Millisecond))
	if !ok {
		return
	}
	wait := time.Duration(waitMS) * time.Millisecond
	if wait <= 0 || wait > maxFeedWait {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("wait_ms must be between 1 and %d", maxFeedWait.Milliseconds()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	var entry model.ActionHistoryEntry
	id, err := s.feed.ReadJSON(ctx, s.feedStream, after, &entry)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, feedResponse{ID: id, Entry: entry})
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.logger.Warn("history feed read failed", "after", after, "error", err)
		writeError(w, http.StatusBadGateway, "history feed read failed")
	}
}

func queryInt(w http.ResponseWriter, raw, name string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return v, true
}

// --- Requests ---

type submitRequest struct {
	Operation string          `json:"operation"`
	Initiator string          `json:"initiator"`
	Notes     string          `json:"notes"`
	Payload   json.RawMessage `json:"payload"`
}

type decisionRequest struct {
	Stage    string `json:"stage"`
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

type actorRequest struct {
	Actor   string `json:"actor"`
	Confirm bool   `json:"confirm"`
}

// decodeOperation maps an operation name and its JSON payload to a typed
// workflow operation.
func decodeOperation(kind string, payload json.RawMessage) (workflow.Operation, error) {
	var op workflow.Operation
	switch model.OperationType(strings.ToLower(strings.TrimSpace(kind))) {
	case model.OperationIssue:
		op = &workflow.Issue{}
	case model.OperationMint:
		op = &workflow.Mint{}
	case model.OperationBurn:
		op = &workflow.Burn{}
	case model.OperationRedeem:
		op = &workflow.Redeem{}
	case model.OperationSwap:
		op = &workflow.Swap{}
	case model.OperationPauseToggle:
		op = &workflow.PauseToggle{}
	default:
		return nil, fmt.Errorf("unknown operation %q", kind)
	}
	if len(payload) == 0 {
		return nil, errors.New("payload is required")
	}
	if err := json.Unmarshal(payload, op); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return op, nil
}

func (s *Server) requireWorkflow(w http.ResponseWriter) bool {
	if s.workflow == nil {
		http.Error(w, `{"error":"approval workflow not available"}`, http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w) {
		return
	}
	var req submitRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	op, err := decodeOperation(req.Operation, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.workflow.Submit(r.Context(), req.Initiator, op, req.Notes)
	if err != nil {
		s.writeWorkflowError(w, "submit", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.workflow.List())
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w) {
		return
	}
	id := r.PathValue("id")
	out, err := s.workflow.Get(id)
	if err != nil {
		s.writeWorkflowError(w, "get", id, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w) {
		return
	}
	var req decisionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Stage == "" {
		http.Error(w, `{"error":"stage is required"}`, http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	out, err := s.workflow.Approve(r.Context(), id, model.Stage(req.Stage), req.Approver)
	if err != nil {
		s.writeWorkflowError(w, "approve", id, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w) {
		return
	}
	var req decisionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Stage == "" {
		http.Error(w, `{"error":"stage is required"}`, http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	out, err := s.workflow.Reject(r.Context(), id, model.Stage(req.Stage), req.Approver, req.Reason)
	if err != nil {
		s.writeWorkflowError(w, "reject", id, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w) {
		return
	}
	var req actorRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	out, err := s.workflow.Execute(r.Context(), id, req.Actor)
	if err != nil {
		s.writeWorkflowError(w, "execute", id, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkflow(w) {
		return
	}
	var req actorRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	out, err := s.workflow.Cancel(id, req.Actor, req.Confirm)
	if err != nil {
		s.writeWorkflowError(w, "cancel", id, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// workflowStatus maps workflow errors to HTTP status codes. Order matters:
// a stale execution also wraps the validation error that made it stale.
func workflowStatus(err error) int {
	switch {
	case errors.Is(err, workflow.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrStale),
		errors.Is(err, workflow.ErrConflict),
		errors.Is(err, workflow.ErrInFlight),
		errors.Is(err, workflow.ErrWrongStage),
		errors.Is(err, workflow.ErrNotApproved):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrNotInitiator):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrValidation),
		errors.Is(err, workflow.ErrConfirmationRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeWorkflowError(w http.ResponseWriter, action, id string, err error) {
	status := workflowStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("workflow call failed", "action", action, "request_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeError(w, status, err.Error())
}

// --- Reconciliation ---

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconcileReq == nil {
		http.Error(w, `{"error":"reconciliation not available"}`, http.StatusServiceUnavailable)
		return
	}

	result, err := s.reconcileReq.ReconcileAny(r.Context())
	if err != nil {
		s.logger.Error("reconciliation failed", "error", err)
		http.Error(w, `{"error":"reconciliation failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
