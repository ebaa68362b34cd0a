package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"saros/internal/domain"
)

// Compile-time interface check.
var _ TradeLedger = (*JSONLLedger)(nil)

// JSONLLedger appends trades to a JSON-lines file, one record per line. The
// file is only ever opened for append, never rewritten, which makes it safe
// to tail or copy while the engine runs.
type JSONLLedger struct {
	mu   sync.Mutex
	path string
}

// NewJSONLLedger creates a ledger writing to path. The file is created on
// the first Append.
func NewJSONLLedger(path string) *JSONLLedger {
	return &JSONLLedger{path: path}
}

// Append writes one trade as a single JSON line.
func (l *JSONLLedger) Append(_ context.Context, rec domain.TradeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling trade: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending trade: %w", err)
	}
	return nil
}

// All reads every trade in the ledger, oldest first. Blank lines are
// skipped; a malformed line is an error rather than silently dropped.
func (l *JSONLLedger) All(_ context.Context) ([]domain.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var trades []domain.TradeRecord
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec domain.TradeRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", l.path, line, err)
		}
		trades = append(trades, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

// Close is a no-op; the file is opened per Append.
func (l *JSONLLedger) Close() error { return nil }
