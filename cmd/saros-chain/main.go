// saros-chain dumps the strike ladder the engine would trade from: every
// contract of the selected expiry with its last price, marking the strike
// whose premium sits closest to the configured target.
//
// Usage:
//
//	saros-chain [CE|PE]
//
// Both option types print by default. Config comes from SAROS_CONFIG
// (default config/saros.yaml); in simulated mode a demo chain is generated.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"saros/internal/broker"
	"saros/internal/broker/kite"
	"saros/internal/config"
	"saros/internal/domain"
	"saros/internal/selector"
	"saros/internal/store"
	"saros/internal/util"
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

	optTypes := []domain.OptionType{domain.OptionTypeCall, domain.OptionTypePut}
	if len(os.Args) > 1 {
		switch strings.ToUpper(os.Args[1]) {
		case "CE":
			optTypes = optTypes[:1]
		case "PE":
			optTypes = optTypes[1:]
		default:
			log.Fatalf("argument %q: want CE or PE", os.Args[1])
		}
	}

	logger := util.NewLogger(util.LogConfig{Level: "warn"})
	loc := cfg.Location()
	ctx := context.Background()

	// The running engine's settings win over the config seed, so the marked
	// strike matches what the trader would actually pick.
	settings := domain.DefaultSettings()
	settings.Apply(cfg.Engine.Seed())
	if st, err := store.NewJSONStateStore(cfg.Storage.StateFile, logger).Load(ctx); err == nil && st != nil {
		settings = st.Settings
	}
	target := settings.TargetPremium

	var b broker.Broker
	if cfg.Trading.Simulated {
		sim := broker.NewSimulator()
		broker.SeedDemoChain(sim, cfg.Trading.Underlying, cfg.Trading.Exchange,
			target, time.Now().In(loc), cfg.Trading.MinDaysToExpiry)
		b = sim
	} else {
		b, err = kite.New(kite.Config{
			APIKey:      cfg.Kite.APIKey,
			AccessToken: cfg.Kite.AccessToken,
			TokenFile:   cfg.Kite.TokenFile,
			BaseURL:     cfg.Kite.BaseURL,
			WSURL:       cfg.Kite.WSURL,
			Exchange:    cfg.Trading.Exchange,
		}, logger)
		if err != nil {
			log.Fatalf("building kite client: %v", err)
		}
	}

	sel := selector.New(b, logger)
	sel.Exchange = cfg.Trading.Exchange
	sel.Underlying = cfg.Trading.Underlying
	sel.MinDaysToExpiry = cfg.Trading.MinDaysToExpiry
	sel.TargetTolerance = cfg.Trading.TargetTolerance
	sel.Now = func() time.Time { return time.Now().In(loc) }

	for _, optType := range optTypes {
		ladder, err := sel.Ladder(ctx, optType)
		if err != nil {
			log.Fatalf("resolving %s ladder: %v", optType, err)
		}
		symbols := make([]string, len(ladder))
		for i, inst := range ladder {
			symbols[i] = inst.Symbol
		}
		prices, err := b.LastPrice(ctx, symbols)
		if err != nil {
			log.Fatalf("fetching %s ladder prices: %v", optType, err)
		}

		// Same rule the selector applies: closest premium to target among
		// contracts with a valid price.
		pick := ""
		bestDiff := math.Inf(1)
		for _, inst := range ladder {
			p, ok := prices[inst.Symbol]
			if !ok || p <= 0 {
				continue
			}
			if diff := math.Abs(p - target); diff < bestDiff {
				bestDiff = diff
				pick = inst.Symbol
			}
		}

		fmt.Printf("\n=== %s %s  expiry %s  target premium %.2f ===\n",
			cfg.Trading.Underlying, optType,
			ladder[0].Expiry.Format(domain.DateLayout), target)
		fmt.Printf("  %8s  %-24s %10s\n", "Strike", "Symbol", "LTP")
		for _, inst := range ladder {
			ltp := "-"
			if p, ok := prices[inst.Symbol]; ok && p > 0 {
				ltp = fmt.Sprintf("%.2f", p)
			}
			marker := ""
			if inst.Symbol == pick {
				marker = "  <- would select"
			}
			fmt.Printf("  %8.0f  %-24s %10s%s\n", inst.Strike, inst.Symbol, ltp, marker)
		}
	}
}
