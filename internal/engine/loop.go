package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"saros/internal/domain"
	"saros/internal/policy"
	"saros/internal/util"
)

// run is the trading loop goroutine. It owns all order placement; callbacks
// leave markers for it. The loop exits on market close, operator stop, lost
// session, repeated entry failures, or a policy stop decision.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer e.running.Store(false)

	e.log.Info("trading loop started")
	e.setStatus(domain.EngineStatusWaiting, "")

	e.mu.Lock()
	hasPosition := e.state.Position != nil
	e.mu.Unlock()
	if hasPosition && e.broker.SessionValid(ctx) {
		e.recoverPosition(ctx)
	}

	for e.running.Load() && ctx.Err() == nil {
		delay, exit := e.iterate(ctx)
		if exit {
			break
		}
		if delay > 0 && !sleep(ctx, delay) {
			break
		}
	}
	e.log.Info("trading loop exited")
}

// iterate performs one pass of the state machine and returns how long to
// sleep before the next pass, or exit=true to leave the loop for good.
func (e *Engine) iterate(ctx context.Context) (delay time.Duration, exit bool) {
	now := e.now()
	clock := util.MinutesOfDay(now)

	e.mu.Lock()
	if e.state.Rollover(now.Format(domain.DateLayout)) {
		e.log.Info("state rolled over to new day", "date", e.state.LastDate)
		e.persistLocked()
	}
	settings := e.state.Settings
	symbol := e.state.TradingSymbol
	status := e.state.Status
	hasPosition := e.state.Position != nil
	pendingExit := e.pendingExitLots > 0
	reselect := e.reselectPending
	dayStopped := e.dayStopped
	failures := e.entryFailures
	e.mu.Unlock()

	// Validated at every write, so the parses cannot fail here.
	startMin, _ := util.ClockMinutes(settings.StartTime)
	stopMin, _ := util.ClockMinutes(settings.StopTime)

	// Past the trading window: flatten and close out the day.
	if clock >= stopMin {
		e.squareOff(ctx)
		e.stopFeed()
		e.setStatus(domain.EngineStatusMarketClosed, "past stop time")
		return 0, true
	}

	// Before the window opens: idle.
	if clock < startMin {
		e.setStatus(domain.EngineStatusWaiting, "")
		return e.timings.Waiting, false
	}

	if !e.broker.SessionValid(ctx) {
		e.setStatus(domain.EngineStatusStopped, "venue session expired")
		return 0, true
	}

	if status != domain.EngineStatusActive {
		e.setStatus(domain.EngineStatusActive, "")
	}

	// A reselect decision tears the current instrument down first.
	if reselect {
		e.stopFeed()
		e.mu.Lock()
		e.state.TradingSymbol = ""
		e.state.InstrumentToken = 0
		e.state.LastPrice = 0
		e.reselectPending = false
		e.persistLocked()
		e.mu.Unlock()
		symbol = ""
		e.log.Info("instrument released for reselection")
	}

	if symbol == "" {
		if err := e.selectInstrument(ctx); err != nil {
			e.log.Error("instrument selection failed", "error", err)
			e.setStatus(domain.EngineStatusStopped, "instrument selection failed")
			return 0, true
		}
	}

	if !e.feedRunning() {
		if err := e.startFeed(ctx); err != nil {
			e.log.Error("starting market feed", "error", err)
			return e.timings.Loop, false
		}
		// Let a few ticks land before trading decisions.
		if !sleep(ctx, e.timings.FeedWarmup) {
			return 0, true
		}
	}

	// Scale-out exits drain one lot per pass so each venue round trip
	// completes before the next begins.
	if pendingExit {
		e.executePartialExit(ctx)
		return 0, false
	}

	if dayStopped {
		e.setStatus(domain.EngineStatusStopped, "stopped by policy after stop-loss")
		return 0, true
	}

	if !hasPosition {
		if failures >= maxEntryFailures {
			e.log.Error("too many entry failures, stopping for the day", "failures", failures)
			e.setStatus(domain.EngineStatusStopped, fmt.Sprintf("%d consecutive entry failures", failures))
			return 0, true
		}

		e.mu.Lock()
		var dir domain.Direction
		if e.pendingDirection != nil {
			dir = *e.pendingDirection
		} else {
			scratch := e.scratchLocked()
			dir = e.pol.InitialDirection(scratch)
			e.persistLocked()
		}
		e.mu.Unlock()

		if err := e.enterPosition(ctx, dir); err != nil {
			e.mu.Lock()
			e.entryFailures++
			n := e.entryFailures
			e.mu.Unlock()
			e.log.Warn("entry attempt failed",
				"attempt", n, "max", maxEntryFailures, "direction", string(dir), "error", err)
			return e.timings.EntryRetry, false
		}
		e.mu.Lock()
		e.entryFailures = 0
		e.pendingDirection = nil
		e.mu.Unlock()
	}

	return e.timings.Loop, false
}

// selectInstrument asks the policy for a contract and records the choice.
// Far-dated expiries force the overnight product: the venue rejects intraday
// margin on contracts past the next monthly cycle.
func (e *Engine) selectInstrument(ctx context.Context) error {
	e.mu.Lock()
	pctx := policy.Context{
		Selector:      e.selector,
		Settings:      e.state.Settings,
		TradingSymbol: e.state.TradingSymbol,
	}
	scratch := policy.Scratch(maps.Clone(e.state.PolicyData))
	if scratch == nil {
		scratch = policy.Scratch{}
	}
	pol := e.pol
	e.mu.Unlock()

	inst, err := pol.SelectInstrument(ctx, pctx, scratch)
	if err != nil {
		return err
	}

	today := e.now()
	nextCycle := time.Date(today.Year(), today.Month()+2, 1, 0, 0, 0, 0, time.UTC)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.PolicyData = map[string]string(scratch)
	e.state.TradingSymbol = inst.Symbol
	e.state.InstrumentToken = inst.Token
	e.state.LotSize = inst.LotSize
	if !dateOnly(inst.Expiry).Before(nextCycle) && e.state.Settings.Product != domain.ProductNRML {
		e.log.Info("far expiry, switching to overnight product",
			"expiry", inst.Expiry.Format(domain.DateLayout), "product", string(domain.ProductNRML))
		e.state.Settings.Product = domain.ProductNRML
	}
	e.persistLocked()
	return nil
}

// scratchLocked returns the policy scratch map, allocating on first use.
// The caller holds mu; the map aliases state.PolicyData so writes persist
// with the next save.
func (e *Engine) scratchLocked() policy.Scratch {
	if e.state.PolicyData == nil {
		e.state.PolicyData = map[string]string{}
	}
	return policy.Scratch(e.state.PolicyData)
}

// sleep pauses for d, returning false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
