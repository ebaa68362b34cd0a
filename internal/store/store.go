// Package store persists engine state: a JSON snapshot of the whole engine
// state overwritten on every mutation, an append-only trade ledger (JSONL or
// SQLite), and an optional Parquet tick recorder for post-trade analysis.
package store

import (
	"context"

	"saros/internal/domain"
)

// StateStore persists the engine state as a single document. The engine
// writes a fresh snapshot after every mutation and reads it back once at
// startup.
type StateStore interface {
	// Load returns the stored state, or nil when nothing has been stored yet.
	Load(ctx context.Context) (*domain.EngineState, error)

	// Save overwrites the stored state.
	Save(ctx context.Context, st *domain.EngineState) error
}

// TradeLedger is the append-only record of realized trades. Entries are
// never rewritten and stay readable independently of the state snapshot, so
// all-time history survives snapshot resets and day rollovers.
type TradeLedger interface {
	// Append adds one trade to the ledger.
	Append(ctx context.Context, rec domain.TradeRecord) error

	// All returns every trade in the ledger, oldest first.
	All(ctx context.Context) ([]domain.TradeRecord, error)

	// Close releases ledger resources.
	Close() error
}
