package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"

	"saros/internal/domain"
)

// TickRow is the Parquet schema for archived market ticks.
type TickRow struct {
	Token     uint32  `parquet:"instrument_token"`
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price     float64 `parquet:"price"`
}

// TickRecorder archives streamed ticks to Parquet, one file per symbol per
// trading day:
//
//	<dir>/<SYMBOL>/<YYYY-MM-DD>.parquet
//
// Record never blocks the caller: ticks are queued to a background writer
// and dropped (with a counter) when the queue is full, so a slow disk can
// not stall the market-data path.
type TickRecorder struct {
	dir      string
	log      *slog.Logger
	interval time.Duration

	in   chan domain.Tick
	done chan struct{}

	dropped atomic.Int64
}

// NewTickRecorder starts a recorder writing under dir.
func NewTickRecorder(dir string, log *slog.Logger) *TickRecorder {
	r := &TickRecorder{
		dir:      dir,
		log:      log.With("component", "tickrecorder"),
		interval: 2 * time.Second,
		in:       make(chan domain.Tick, 4096),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues one tick for archival.
func (r *TickRecorder) Record(t domain.Tick) {
	select {
	case r.in <- t:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			r.log.Warn("tick queue full, dropping", "dropped_total", n)
		}
	}
}

// Close flushes queued ticks and stops the writer.
func (r *TickRecorder) Close() error {
	close(r.in)
	<-r.done
	return nil
}

func (r *TickRecorder) run() {
	defer close(r.done)

	pending := make(map[string][]TickRow) // file path → rows awaiting write
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case t, ok := <-r.in:
			if !ok {
				r.flush(pending)
				return
			}
			path := r.path(t)
			pending[path] = append(pending[path], TickRow{
				Token:     t.Token,
				Symbol:    t.Symbol,
				Timestamp: t.Time.UnixMilli(),
				Price:     t.Price,
			})
		case <-ticker.C:
			r.flush(pending)
		}
	}
}

// flush appends pending rows to their day files. Ticks arrive in time order,
// so plain append keeps files sorted.
func (r *TickRecorder) flush(pending map[string][]TickRow) {
	for path, rows := range pending {
		existing, _ := readParquetFile[TickRow](path)
		if err := writeParquetFile(path, append(existing, rows...)); err != nil {
			r.log.Error("writing tick file", "path", path, "error", err)
		}
		delete(pending, path)
	}
}

func (r *TickRecorder) path(t domain.Tick) string {
	name := strings.ToUpper(t.Symbol)
	if name == "" {
		name = fmt.Sprintf("%d", t.Token)
	}
	return filepath.Join(r.dir, name, t.Time.Format(domain.DateLayout)+".parquet")
}

// ReadTicks loads every tick archived for symbol on the given day, in
// recording order.
func ReadTicks(dir, symbol string, day time.Time) ([]domain.Tick, error) {
	path := filepath.Join(dir, strings.ToUpper(symbol), day.Format(domain.DateLayout)+".parquet")
	rows, err := readParquetFile[TickRow](path)
	if err != nil {
		return nil, err
	}
	ticks := make([]domain.Tick, 0, len(rows))
	for _, row := range rows {
		ticks = append(ticks, domain.Tick{
			Token:  row.Token,
			Symbol: row.Symbol,
			Price:  row.Price,
			Time:   time.UnixMilli(row.Timestamp),
		})
	}
	return ticks, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
