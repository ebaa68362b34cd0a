// Package report aggregates closed-trade records into per-day and per-symbol
// statistics for the reporting CLI.
package report

import (
	"fmt"
	"sort"

	"saros/internal/domain"
)

// Stats holds aggregated results for one grouping key (a calendar day or a
// trading symbol).
type Stats struct {
	Key       string // date or trading symbol
	Trades    int
	Wins      int
	Losses    int
	Flat      int     // zero-P&L trades
	GrossWin  float64 // sum of winning trade P&L
	GrossLoss float64 // sum of losing trade P&L, negative
	NetPNL    float64
	MaxWin    float64 // best single trade
	MaxLoss   float64 // worst single trade, negative
}

// WinRate returns wins over decided trades. Flat trades do not count either
// way.
func (s *Stats) WinRate() float64 {
	decided := s.Wins + s.Losses
	if decided == 0 {
		return 0
	}
	return float64(s.Wins) / float64(decided)
}

// AvgPNL returns mean P&L per trade.
func (s *Stats) AvgPNL() float64 {
	if s.Trades == 0 {
		return 0
	}
	return s.NetPNL / float64(s.Trades)
}

func (s *Stats) add(r *domain.TradeRecord) {
	s.Trades++
	s.NetPNL += r.PNL
	switch {
	case r.PNL > 0:
		s.Wins++
		s.GrossWin += r.PNL
		if r.PNL > s.MaxWin {
			s.MaxWin = r.PNL
		}
	case r.PNL < 0:
		s.Losses++
		s.GrossLoss += r.PNL
		if r.PNL < s.MaxLoss {
			s.MaxLoss = r.PNL
		}
	default:
		s.Flat++
	}
}

// Summary is the full aggregation of a trade ledger.
type Summary struct {
	Total    Stats
	ByDay    []Stats // ascending by date
	BySymbol []Stats // descending by trade count, then net P&L
}

// Aggregate computes per-day and per-symbol statistics from a slice of
// closed-trade records.
func Aggregate(records []domain.TradeRecord) Summary {
	byDay := make(map[string]*Stats)
	bySymbol := make(map[string]*Stats)
	sum := Summary{Total: Stats{Key: "TOTAL"}}

	for i := range records {
		r := &records[i]
		sum.Total.add(r)

		d, ok := byDay[r.Date]
		if !ok {
			d = &Stats{Key: r.Date}
			byDay[r.Date] = d
		}
		d.add(r)

		s, ok := bySymbol[r.Symbol]
		if !ok {
			s = &Stats{Key: r.Symbol}
			bySymbol[r.Symbol] = s
		}
		s.add(r)
	}

	for _, d := range byDay {
		sum.ByDay = append(sum.ByDay, *d)
	}
	sort.Slice(sum.ByDay, func(i, j int) bool {
		return sum.ByDay[i].Key < sum.ByDay[j].Key
	})

	for _, s := range bySymbol {
		sum.BySymbol = append(sum.BySymbol, *s)
	}
	sort.Slice(sum.BySymbol, func(i, j int) bool {
		si, sj := &sum.BySymbol[i], &sum.BySymbol[j]
		if si.Trades != sj.Trades {
			return si.Trades > sj.Trades
		}
		if si.NetPNL != sj.NetPNL {
			return si.NetPNL > sj.NetPNL
		}
		return si.Key < sj.Key
	})

	return sum
}

// FilterDate keeps only records for the given date (domain.DateLayout). An
// empty date returns records unchanged.
func FilterDate(records []domain.TradeRecord, date string) []domain.TradeRecord {
	if date == "" {
		return records
	}
	var out []domain.TradeRecord
	for i := range records {
		if records[i].Date == date {
			out = append(out, records[i])
		}
	}
	return out
}

// FormatPNL formats a signed P&L amount with two decimals.
func FormatPNL(v float64) string {
	return fmt.Sprintf("%+.2f", v)
}

// FormatWinRate formats a 0..1 win rate as a percentage, "-" when no trade
// was decided.
func FormatWinRate(s *Stats) string {
	if s.Wins+s.Losses == 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", s.WinRate()*100)
}
