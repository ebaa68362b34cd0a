package broker

import (
	"fmt"
	"strings"
	"time"

	"saros/internal/domain"
)

// SeedDemoChain fills a simulator with a plausible option chain for dry
// runs: one monthly expiry at least minDays out, strikes every 50 points
// around a fixed spot, premiums sloped so a strike sits near targetPremium
// for both option types.
func SeedDemoChain(s *Simulator, underlying, exchange string, targetPremium float64, now time.Time, minDays int) {
	const spot = 22500.0
	expiry := demoExpiry(now, minDays)
	tag := strings.ToUpper(expiry.Format("06Jan"))

	var (
		instruments []domain.Instrument
		token       uint32 = 1000
	)
	for strike := spot - 500; strike <= spot+500; strike += 50 {
		for _, optType := range []domain.OptionType{domain.OptionTypeCall, domain.OptionTypePut} {
			token++
			sym := fmt.Sprintf("%s%s%d%s", underlying, tag, int(strike), optType)
			instruments = append(instruments, domain.Instrument{
				Symbol:   sym,
				Name:     underlying,
				Exchange: exchange,
				Token:    token,
				Type:     optType,
				Expiry:   expiry,
				Strike:   strike,
				LotSize:  75,
				TickSize: 0.05,
			})

			moneyness := spot - strike
			if optType == domain.OptionTypePut {
				moneyness = -moneyness
			}
			premium := targetPremium + moneyness*0.9
			if premium < 5 {
				premium = 5
			}
			s.SetPrice(sym, domain.RoundToTick(premium, 0.05))
		}
	}
	s.SetInstruments(instruments)
}

// demoExpiry returns the last Thursday of the first month whose monthly
// expiry is at least minDays out.
func demoExpiry(now time.Time, minDays int) time.Time {
	cutoff := now.AddDate(0, 0, minDays)
	exp := lastThursday(cutoff.Year(), cutoff.Month())
	if exp.Before(cutoff) {
		next := cutoff.AddDate(0, 1, 0)
		exp = lastThursday(next.Year(), next.Month())
	}
	return exp
}

func lastThursday(year int, month time.Month) time.Time {
	d := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Thursday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
