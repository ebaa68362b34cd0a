// saros-trades prints closed-trade statistics from the trade ledger:
// per-day and per-symbol aggregates, plus the individual trades when a date
// is given.
//
// Usage:
//
//	saros-trades [date]
//
// The config path comes from SAROS_CONFIG (default config/saros.yaml); the
// ledger backend and path come from its storage section.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"saros/internal/config"
	"saros/internal/domain"
	"saros/internal/report"
	"saros/internal/store"
)

func main() {
	cfgPath := "config/saros.yaml"
	if p := os.Getenv("SAROS_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var date string
	if len(os.Args) > 1 {
		date = os.Args[1]
		if _, err := time.Parse(domain.DateLayout, date); err != nil {
			log.Fatalf("date %q: want YYYY-MM-DD", date)
		}
	}

	var ledger store.TradeLedger
	switch cfg.Storage.Ledger {
	case "sqlite":
		sl, err := store.NewSQLiteLedger(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening sqlite ledger: %v", err)
		}
		defer sl.Close()
		ledger = sl
	default:
		ledger = store.NewJSONLLedger(cfg.Storage.LedgerFile)
	}

	records, err := ledger.All(context.Background())
	if err != nil {
		log.Fatalf("reading ledger: %v", err)
	}
	records = report.FilterDate(records, date)
	if len(records) == 0 {
		if date != "" {
			fmt.Printf("no trades on %s\n", date)
		} else {
			fmt.Println("ledger is empty")
		}
		return
	}

	sum := report.Aggregate(records)

	scope := "ALL DAYS"
	if date != "" {
		scope = date
	}
	fmt.Printf("=== TRADES: %s ===\n", scope)

	if date != "" {
		fmt.Printf("\n  %-12s %-22s %-4s %5s %9s %9s %12s\n",
			"Date", "Symbol", "Dir", "Qty", "Entry", "Exit", "P&L")
		for _, r := range records {
			fmt.Printf("  %-12s %-22s %-4s %5d %9.2f %9.2f %12s\n",
				r.Date, r.Symbol, r.Direction, r.Quantity,
				r.EntryPrice, r.ExitPrice, report.FormatPNL(r.PNL))
		}
	}

	fmt.Printf("\n--- By day ---\n")
	fmt.Printf("  %-12s %7s %4s %4s %6s %12s %12s\n",
		"Date", "Trades", "W", "L", "Win%", "Net P&L", "Avg P&L")
	for i := range sum.ByDay {
		d := &sum.ByDay[i]
		fmt.Printf("  %-12s %7d %4d %4d %6s %12s %12s\n",
			d.Key, d.Trades, d.Wins, d.Losses,
			report.FormatWinRate(d), report.FormatPNL(d.NetPNL), report.FormatPNL(d.AvgPNL()))
	}

	fmt.Printf("\n--- By symbol ---\n")
	fmt.Printf("  %-22s %7s %4s %4s %6s %12s %10s %10s\n",
		"Symbol", "Trades", "W", "L", "Win%", "Net P&L", "Best", "Worst")
	for i := range sum.BySymbol {
		s := &sum.BySymbol[i]
		fmt.Printf("  %-22s %7d %4d %4d %6s %12s %10.2f %10.2f\n",
			s.Key, s.Trades, s.Wins, s.Losses,
			report.FormatWinRate(s), report.FormatPNL(s.NetPNL), s.MaxWin, s.MaxLoss)
	}

	t := &sum.Total
	fmt.Printf("\nTOTAL: %d trades, %d wins / %d losses (win rate %s), net %s\n",
		t.Trades, t.Wins, t.Losses, report.FormatWinRate(t), report.FormatPNL(t.NetPNL))
}
