// Package seed loads an initial asset set and action history from a YAML
// file so a fresh process starts with data.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emperorhan/custody-ledger/internal/domain/model"
	"gopkg.in/yaml.v3"
)

// File is the on-disk seed layout. Quantities are strings so YAML never
// rounds them through float64.
type File struct {
	Assets  []AssetSeed `yaml:"assets"`
	History []EntrySeed `yaml:"history"`
}

type AssetSeed struct {
	ID                string    `yaml:"id"`
	Symbol            string    `yaml:"symbol"`
	Label             string    `yaml:"label"`
	Balance           string    `yaml:"balance"`
	SupplyType        string    `yaml:"supply_type"`
	TotalSupplyIssued string    `yaml:"total_supply_issued"`
	AssetClass        string    `yaml:"asset_class"`
	CustodyType       string    `yaml:"custody_type"`
	Price             string    `yaml:"price"`
	IsWizardIssued    bool      `yaml:"is_wizard_issued"`
	Paused            bool      `yaml:"paused"`
	IssuedAt          time.Time `yaml:"issued_at"`
}

type EntrySeed struct {
	ID          string    `yaml:"id"`
	Timestamp   time.Time `yaml:"timestamp"`
	ActionType  string    `yaml:"action_type"`
	Details     string    `yaml:"details"`
	User        string    `yaml:"user"`
	Approver    string    `yaml:"approver"`
	AssetID     string    `yaml:"asset_id"`
	AssetSymbol string    `yaml:"asset_symbol"`
	Notes       string    `yaml:"notes"`
	Amount      string    `yaml:"amount"`
}

// AssetStore receives the seeded asset set. *ledger.Ledger satisfies it.
type AssetStore interface {
	ReplaceAll(assets []model.Asset) error
}

// HistoryStore receives the seeded entries. *history.Log satisfies it.
type HistoryStore interface {
	Load(ctx context.Context, entries []model.ActionHistoryEntry) (int, error)
}

// Stats reports what a seed run stored.
type Stats struct {
	Assets         int
	Entries        int
	SkippedEntries int
}

// Parse decodes and converts a seed document. Unknown keys are rejected. An
// empty document yields empty lists.
func Parse(raw []byte) ([]model.Asset, []model.ActionHistoryEntry, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("decode seed: %w", err)
	}

	assets := make([]model.Asset, 0, len(f.Assets))
	for i, s := range f.Assets {
		a, err := s.toModel()
		if err != nil {
			return nil, nil, fmt.Errorf("asset %d (%s): %w", i, s.ID, err)
		}
		assets = append(assets, a)
	}

	entries := make([]model.ActionHistoryEntry, 0, len(f.History))
	for i, s := range f.History {
		e, err := s.toModel()
		if err != nil {
			return nil, nil, fmt.Errorf("history entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return assets, entries, nil
}

// LoadFile reads path and installs its contents. The asset set replaces
// whatever the ledger held; malformed history entries are skipped and
// counted rather than failing the load.
func LoadFile(ctx context.Context, path string, assets AssetStore, hist HistoryStore, logger *slog.Logger) (Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Stats{}, fmt.Errorf("read seed file %s: %w", path, err)
	}
	parsedAssets, parsedEntries, err := Parse(raw)
	if err != nil {
		return Stats{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return Install(ctx, parsedAssets, parsedEntries, assets, hist, logger)
}

func Install(ctx context.Context, a []model.Asset, e []model.ActionHistoryEntry, assets AssetStore, hist HistoryStore, logger *slog.Logger) (Stats, error) {
	if err := assets.ReplaceAll(a); err != nil {
		return Stats{}, fmt.Errorf("install seed assets: %w", err)
	}
	stored, err := hist.Load(ctx, e)
	stats := Stats{Assets: len(a), Entries: stored, SkippedEntries: len(e) - stored}
	if err != nil {
		logger.Warn("seed history entries skipped", "skipped", stats.SkippedEntries, "error", err)
	}
	logger.Info("seed loaded", "assets", stats.Assets, "entries", stats.Entries)
	return stats, nil
}

func (s AssetSeed) toModel() (model.Asset, error) {
	a := model.Asset{
		ID:             s.ID,
		Symbol:         s.Symbol,
		Label:          s.Label,
		SupplyType:     model.SupplyType(strings.ToUpper(s.SupplyType)),
		AssetClass:     s.AssetClass,
		CustodyType:    s.CustodyType,
		IsWizardIssued: s.IsWizardIssued,
		Paused:         s.Paused,
	}
	if !s.IssuedAt.IsZero() {
		issued := s.IssuedAt.UTC()
		a.IssuedAt = &issued
	}
	if s.Balance != "" {
		b, err := model.ParseAmount(s.Balance)
		if err != nil {
			return model.Asset{}, fmt.Errorf("balance: %w", err)
		}
		a.Balance = b
	}
	if s.TotalSupplyIssued != "" {
		c, err := model.ParseAmount(s.TotalSupplyIssued)
		if err != nil {
			return model.Asset{}, fmt.Errorf("total_supply_issued: %w", err)
		}
		a.TotalSupplyIssued = &c
	}
	if s.Price != "" {
		p, err := model.ParseAmount(s.Price)
		if err != nil {
			return model.Asset{}, fmt.Errorf("price: %w", err)
		}
		a.Price = &p
	}
	return a, nil
}

func (s EntrySeed) toModel() (model.ActionHistoryEntry, error) {
	e := model.ActionHistoryEntry{
		ID:          s.ID,
		Timestamp:   s.Timestamp.UTC(),
		ActionType:  model.ActionType(s.ActionType),
		Details:     s.Details,
		User:        s.User,
		Approver:    s.Approver,
		AssetID:     s.AssetID,
		AssetSymbol: s.AssetSymbol,
		Notes:       s.Notes,
	}
	if s.Amount != "" {
		amt, err := model.ParseAmount(s.Amount)
		if err != nil {
			return model.ActionHistoryEntry{}, fmt.Errorf("amount: %w", err)
		}
		e.Amount = &amt
	}
	return e, nil
}
