// saros-trader runs the intraday option-selling engine against the Kite
// venue, or against the in-memory simulator when trading.simulated is set.
//
// Usage:
//
//	saros-trader [config-path]
//
// The config path defaults to config/saros.yaml and can also be set through
// SAROS_CONFIG. Stop with SIGINT/SIGTERM; open positions are squared off on
// the way down.
package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saros/internal/broker"
	"saros/internal/broker/kite"
	"saros/internal/config"
	"saros/internal/domain"
	"saros/internal/engine"
	"saros/internal/policy"
	"saros/internal/policy/builtin"
	"saros/internal/selector"
	"saros/internal/store"
	"saros/internal/util"
)

func main() {
	cfgPath := "config/saros.yaml"
	if p := os.Getenv("SAROS_CONFIG"); p != "" {
		cfgPath = p
	}
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(util.LogConfig{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	util.SetDefault(logger)

	loc := cfg.Location()

	var (
		b   broker.Broker
		sim *broker.Simulator
	)
	if cfg.Trading.Simulated {
		seeded := domain.DefaultSettings()
		seeded.Apply(cfg.Engine.Seed())
		sim = broker.NewSimulator()
		broker.SeedDemoChain(sim, cfg.Trading.Underlying, cfg.Trading.Exchange,
			seeded.TargetPremium, time.Now().In(loc), cfg.Trading.MinDaysToExpiry)
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

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	states := store.NewJSONStateStore(cfg.Storage.StateFile, logger)

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

	var recorder *store.TickRecorder
	if cfg.Storage.RecordTicks {
		recorder = store.NewTickRecorder(cfg.Storage.TickDir, logger)
		defer recorder.Close()
	}

	sel := selector.New(b, logger)
	sel.Exchange = cfg.Trading.Exchange
	sel.Underlying = cfg.Trading.Underlying
	sel.MinDaysToExpiry = cfg.Trading.MinDaysToExpiry
	sel.TargetTolerance = cfg.Trading.TargetTolerance
	sel.Now = func() time.Time { return time.Now().In(loc) }

	eng, err := engine.New(engine.Options{
		Broker:   b,
		Selector: sel,
		Registry: policy.NewRegistry(builtin.All()...),
		States:   states,
		Ledger:   ledger,
		Recorder: recorder,
		Logger:   logger,
		Location: loc,
		Policy:   cfg.Trading.Policy,
		Seed:     cfg.Engine.Seed(),
	})
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if sim != nil {
		go walkPrices(ctx, sim)
	}

	if err := eng.Start(); err != nil {
		log.Fatalf("starting engine: %v", err)
	}
	logger.Info("trader started",
		"broker", b.Name(),
		"policy", eng.Snapshot().Policy,
		"config", cfgPath)

	<-ctx.Done()
	logger.Info("shutting down trader")
	eng.Stop()
}

// walkPrices random-walks every simulated premium once a second so the
// engine sees ticks, trailing, and stop fills in a dry run.
func walkPrices(ctx context.Context, sim *broker.Simulator) {
	instruments, _ := sim.Instruments(ctx, "")
	symbols := make([]string, len(instruments))
	for i, inst := range instruments {
		symbols[i] = inst.Symbol
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		prices, err := sim.LastPrice(ctx, symbols)
		if err != nil {
			continue
		}
		for _, sym := range symbols {
			p, ok := prices[sym]
			if !ok {
				continue
			}
			next := domain.RoundToTick(p+(rand.Float64()-0.5)*4, 0.05)
			if next < 0.05 {
				next = 0.05
			}
			sim.SetPrice(sym, next)
		}
	}
}
