package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/emperorhan/custody-ledger/internal/circuitbreaker"
	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"github.com/emperorhan/custody-ledger/internal/metrics"
	"github.com/google/uuid"
)

var (
	ErrMissingTimestamp  = errors.New("history entry missing timestamp")
	ErrMissingActionType = errors.New("history entry missing action type")
)

const publishTimeout = 2 * time.Second

// Publisher receives every appended entry. Satisfied by stream.MessageTransport.
//
//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks . Publisher
type Publisher interface {
	PublishJSON(ctx context.Context, stream string, v any) (string, error)
}

// Log is the write-once action history, kept in descending timestamp order.
type Log struct {
	mu      sync.RWMutex
	entries []model.ActionHistoryEntry
	version uint64

	publisher  Publisher
	streamName string
	breaker    *circuitbreaker.Breaker
	newID      func() string
	logger     *slog.Logger
}

type Option func(*Log)

// WithPublisher forwards appended entries to streamName. The breaker, when
// non-nil, stops publishing while the backend keeps failing.
func WithPublisher(p Publisher, streamName string, breaker *circuitbreaker.Breaker) Option {
	return func(l *Log) {
		l.publisher = p
		l.streamName = streamName
		l.breaker = breaker
	}
}

func New(logger *slog.Logger, opts ...Option) *Log {
	l := &Log{
		newID:  uuid.NewString,
		logger: logger.With("component", "history"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates and stores entry, then re-sorts the log descending by
// timestamp. Entries without a timestamp or action type are not stored; the
// returned error is informational and the caller's operation is unaffected.
func (l *Log) Append(ctx context.Context, entry model.ActionHistoryEntry) (model.ActionHistoryEntry, error) {
	if entry.Timestamp.IsZero() {
		metrics.HistoryEntriesRejected.WithLabelValues("missing_timestamp").Inc()
		l.logger.Warn("history entry dropped", "reason", "missing timestamp", "action_type", entry.ActionType, "asset_id", entry.AssetID)
		return model.ActionHistoryEntry{}, ErrMissingTimestamp
	}
	if entry.ActionType == "" {
		metrics.HistoryEntriesRejected.WithLabelValues("missing_action_type").Inc()
		l.logger.Warn("history entry dropped", "reason", "missing action type", "asset_id", entry.AssetID)
		return model.ActionHistoryEntry{}, ErrMissingActionType
	}

	stored := entry.Clone()
	if stored.ID == "" {
		stored.ID = l.newID()
	}

	l.mu.Lock()
	l.entries = append(l.entries, stored)
	slices.SortStableFunc(l.entries, func(a, b model.ActionHistoryEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	l.version++
	l.mu.Unlock()

	metrics.HistoryEntriesAppended.WithLabelValues(string(stored.ActionType)).Inc()
	l.logger.Info("history entry appended",
		"entry_id", stored.ID,
		"action_type", stored.ActionType,
		"asset_id", stored.AssetID,
		"details", stored.Details,
	)

	l.publish(ctx, stored)
	return stored.Clone(), nil
}

func (l *Log) publish(ctx context.Context, entry model.ActionHistoryEntry) {
	if l.publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	send := func() error {
		_, err := l.publisher.PublishJSON(pubCtx, l.streamName, entry)
		return err
	}

	var err error
	if l.breaker != nil {
		err = l.breaker.Do(send)
	} else {
		err = send()
	}
	if err == nil {
		return
	}

	reason := "publish_error"
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		reason = "breaker_open"
	}
	metrics.HistoryFeedPublishFailures.WithLabelValues(reason).Inc()
	l.logger.Warn("history feed publish failed", "entry_id", entry.ID, "stream", l.streamName, "error", err)
}

// Entries returns a copy of the full log, newest first.
func (l *Log) Entries() []model.ActionHistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.ActionHistoryEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Clone()
	}
	return out
}

// ForAsset returns the entries for one asset, newest first. Entries that
// carry only a symbol are matched on symbol.
func (l *Log) ForAsset(assetID, symbol string) []model.ActionHistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.ActionHistoryEntry
	for _, e := range l.entries {
		if e.RefersTo(assetID, symbol) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Page returns up to limit entries after offset, optionally filtered by
// asset, together with the total number of matching entries.
func (l *Log) Page(assetID, symbol string, limit, offset int) ([]model.ActionHistoryEntry, int) {
	var matched []model.ActionHistoryEntry
	if assetID == "" {
		matched = l.Entries()
	} else {
		matched = l.ForAsset(assetID, symbol)
	}

	total := len(matched)
	if offset >= total {
		return []model.ActionHistoryEntry{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Version increases on every successful append.
func (l *Log) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Load appends entries in bulk, skipping malformed ones. It returns how many
// were stored.
func (l *Log) Load(ctx context.Context, entries []model.ActionHistoryEntry) (int, error) {
	var errs []error
	stored := 0
	for i, e := range entries {
		if _, err := l.Append(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}
