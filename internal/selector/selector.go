// Package selector picks the option contract to trade: the nearest monthly
// expiry far enough out, at the strike whose premium sits closest to the
// configured target.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"saros/internal/broker"
	"saros/internal/domain"
)

// Selector chooses option contracts from a venue's instrument dump. Fields
// are set once before use; the zero values for Exchange, Underlying and the
// thresholds are not usable, so construct with New and override as needed.
type Selector struct {
	Broker broker.Broker
	Log    *slog.Logger

	Exchange        string
	Underlying      string
	MinDaysToExpiry int
	TargetTolerance float64 // acceptable |premium-target| as a fraction of target

	// Now returns the current time in the trading timezone. Tests pin it.
	Now func() time.Time
}

// New returns a Selector with NIFTY monthly-option defaults.
func New(b broker.Broker, log *slog.Logger) *Selector {
	return &Selector{
		Broker:          b,
		Log:             log.With("component", "selector"),
		Exchange:        "NFO",
		Underlying:      "NIFTY",
		MinDaysToExpiry: 30,
		TargetTolerance: 0.2,
		Now:             time.Now,
	}
}

// Select picks the contract of the given option type whose last price is
// closest to targetPremium, from the nearest monthly expiry at least
// MinDaysToExpiry out. A premium far from target only warns; selection fails
// only when no contract or no valid price exists.
func (s *Selector) Select(ctx context.Context, optType domain.OptionType, targetPremium float64) (domain.Instrument, error) {
	ladder, err := s.Ladder(ctx, optType)
	if err != nil {
		return domain.Instrument{}, err
	}

	symbols := make([]string, len(ladder))
	bySymbol := make(map[string]domain.Instrument, len(ladder))
	for i, inst := range ladder {
		symbols[i] = inst.Symbol
		bySymbol[inst.Symbol] = inst
	}
	prices, err := s.Broker.LastPrice(ctx, symbols)
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("fetching ladder prices: %w", err)
	}

	var (
		best        domain.Instrument
		bestPremium float64
		bestDiff    = math.Inf(1)
	)
	for sym, premium := range prices {
		if premium <= 0 {
			continue
		}
		inst, ok := bySymbol[sym]
		if !ok {
			continue
		}
		if diff := math.Abs(premium - targetPremium); diff < bestDiff {
			bestDiff = diff
			best = inst
			bestPremium = premium
		}
	}
	if best.Symbol == "" {
		return domain.Instrument{}, fmt.Errorf("no %s %s strike with a valid last price", s.Underlying, optType)
	}

	if bestDiff > targetPremium*s.TargetTolerance {
		s.Log.Warn("closest premium far from target, proceeding",
			"premium", bestPremium, "target", targetPremium, "symbol", best.Symbol)
	}
	s.Log.Info("selected instrument",
		"symbol", best.Symbol,
		"strike", best.Strike,
		"premium", bestPremium,
		"expiry", best.Expiry.Format(domain.DateLayout),
		"lot_size", best.LotSize)
	return best, nil
}

// Ladder returns the strike ladder for the given option type: every contract
// of the chosen expiry, sorted by strike.
func (s *Selector) Ladder(ctx context.Context, optType domain.OptionType) ([]domain.Instrument, error) {
	instruments, err := s.Broker.Instruments(ctx, s.Exchange)
	if err != nil {
		return nil, fmt.Errorf("fetching instruments: %w", err)
	}

	cutoff := dateOnly(s.now()).AddDate(0, 0, s.MinDaysToExpiry)

	var farDated []domain.Instrument
	allExpiries := map[time.Time]bool{}
	for _, inst := range instruments {
		if inst.Name != s.Underlying || inst.Type != optType {
			continue
		}
		exp := dateOnly(inst.Expiry)
		allExpiries[exp] = true
		if !exp.Before(cutoff) {
			farDated = append(farDated, inst)
		}
	}
	if len(farDated) == 0 {
		return nil, fmt.Errorf("no %s %s contracts with expiry on or after %s",
			s.Underlying, optType, cutoff.Format(domain.DateLayout))
	}

	// Monthly expiries: the latest expiry within each calendar month, taken
	// over every listed contract so the cutoff cannot hide a month's last
	// week and promote a weekly by accident.
	type month struct {
		year int
		mon  time.Month
	}
	monthMax := map[month]time.Time{}
	for exp := range allExpiries {
		k := month{exp.Year(), exp.Month()}
		if cur, ok := monthMax[k]; !ok || exp.After(cur) {
			monthMax[k] = exp
		}
	}
	monthly := map[time.Time]bool{}
	for _, exp := range monthMax {
		monthly[exp] = true
	}

	candidates := farDated[:0:0]
	for _, inst := range farDated {
		if monthly[dateOnly(inst.Expiry)] {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		s.Log.Warn("no monthly expiry in range, falling back to all contracts")
		candidates = farDated
	}

	var nearest time.Time
	for _, inst := range candidates {
		exp := dateOnly(inst.Expiry)
		if nearest.IsZero() || exp.Before(nearest) {
			nearest = exp
		}
	}
	var ladder []domain.Instrument
	for _, inst := range candidates {
		if dateOnly(inst.Expiry).Equal(nearest) {
			ladder = append(ladder, inst)
		}
	}
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].Strike < ladder[j].Strike })

	s.Log.Info("strike ladder resolved",
		"expiry", nearest.Format(domain.DateLayout),
		"option_type", string(optType),
		"strikes", len(ladder))
	return ladder, nil
}

func (s *Selector) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// dateOnly strips the clock so expiry comparisons work on calendar days
// regardless of the zone the instrument dump was parsed in.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
