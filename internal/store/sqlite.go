package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"saros/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ TradeLedger = (*SQLiteLedger)(nil)

const createTradesTable = `
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	date        TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	entry_price REAL NOT NULL,
	exit_price  REAL NOT NULL,
	entry_time  TEXT NOT NULL,
	exit_time   TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	pnl         REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(date);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
`

// SQLiteLedger implements TradeLedger backed by a SQLite database, for
// installations that want the trade history queryable with plain SQL.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) a SQLite database at dbPath and ensures
// the trades table exists.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createTradesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trades table: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Append inserts one completed trade.
func (l *SQLiteLedger) Append(ctx context.Context, rec domain.TradeRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO trades
		 (date, symbol, direction, entry_price, exit_price, entry_time, exit_time, quantity, pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Date, rec.Symbol, string(rec.Direction),
		rec.EntryPrice, rec.ExitPrice,
		rec.EntryTime.Format(time.RFC3339), rec.ExitTime.Format(time.RFC3339),
		rec.Quantity, rec.PNL,
	)
	if err != nil {
		return fmt.Errorf("inserting trade: %w", err)
	}
	return nil
}

// All returns every stored trade in insertion order.
func (l *SQLiteLedger) All(ctx context.Context) ([]domain.TradeRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT date, symbol, direction, entry_price, exit_price, entry_time, exit_time, quantity, pnl
		 FROM trades ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var rec domain.TradeRecord
		var direction, entryTime, exitTime string
		if err := rows.Scan(&rec.Date, &rec.Symbol, &direction,
			&rec.EntryPrice, &rec.ExitPrice, &entryTime, &exitTime,
			&rec.Quantity, &rec.PNL); err != nil {
			return nil, err
		}
		rec.Direction = domain.Direction(direction)
		if rec.EntryTime, err = time.Parse(time.RFC3339, entryTime); err != nil {
			return nil, fmt.Errorf("parsing entry_time %q: %w", entryTime, err)
		}
		if rec.ExitTime, err = time.Parse(time.RFC3339, exitTime); err != nil {
			return nil, fmt.Errorf("parsing exit_time %q: %w", exitTime, err)
		}
		trades = append(trades, rec)
	}
	return trades, rows.Err()
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
