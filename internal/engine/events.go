package engine

import (
	"context"
	"fmt"

	"saros/internal/domain"
	"saros/internal/policy"
)

// startFeed opens a market-data stream subscribed to the selected contract.
func (e *Engine) startFeed(ctx context.Context) error {
	e.mu.Lock()
	token := e.state.InstrumentToken
	symbol := e.state.TradingSymbol
	e.mu.Unlock()
	if token == 0 || symbol == "" {
		return fmt.Errorf("no instrument to stream")
	}

	feed, err := e.broker.Stream()
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	feed.OnTick(e.handleTick)
	feed.OnOrderUpdate(e.handleOrderUpdate)
	feed.OnConnect(func() {
		e.log.Info("feed connected", "symbol", symbol, "token", token)
	})
	feed.OnError(func(err error) {
		e.log.Error("feed error", "error", err)
	})
	feed.Subscribe(token, symbol)
	if err := feed.Start(ctx); err != nil {
		feed.Close()
		return fmt.Errorf("starting stream: %w", err)
	}

	e.mu.Lock()
	e.feed = feed
	e.mu.Unlock()
	return nil
}

func (e *Engine) stopFeed() {
	e.mu.Lock()
	feed := e.feed
	e.feed = nil
	e.mu.Unlock()
	if feed == nil {
		return
	}
	if err := feed.Close(); err != nil {
		e.log.Warn("closing feed", "error", err)
	}
}

func (e *Engine) feedRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feed != nil
}

// handleTick caches the price and walks the trailing ladder. Each favorable
// crossing shifts target and stop one step and asks the policy what to do at
// that level; exits it requests are queued for the loop. The protective
// modify is the one venue call made here, after the lock is released, and
// only when no exit is queued (the loop is about to cancel and re-place the
// stop in that case).
func (e *Engine) handleTick(t domain.Tick) {
	e.mu.Lock()
	if t.Token != e.state.InstrumentToken {
		e.mu.Unlock()
		return
	}
	e.state.LastPrice = t.Price
	rec := e.recorder
	pos := e.state.Position
	if pos == nil {
		e.mu.Unlock()
		if rec != nil {
			rec.Record(t)
		}
		return
	}

	settings := e.state.Settings
	pctx := policy.Context{
		Selector:      e.selector,
		Settings:      settings,
		TradingSymbol: e.state.TradingSymbol,
		Direction:     pos.Direction,
	}
	scratch := e.scratchLocked()

	trailed := false
	for crossed(pos, t.Price) {
		if pos.Direction == domain.DirectionSell {
			pos.TargetPrice = domain.RoundToTick(pos.TargetPrice-settings.TargetPoints, tickSize)
			pos.SLPrice = domain.RoundToTick(pos.SLPrice-settings.SLPoints, tickSize)
		} else {
			pos.TargetPrice = domain.RoundToTick(pos.TargetPrice+settings.TargetPoints, tickSize)
			pos.SLPrice = domain.RoundToTick(pos.SLPrice+settings.SLPoints, tickSize)
		}
		trailed = true

		d := e.pol.OnTargetHit(pctx, scratch, pos.LotsRemaining)
		if d.ExitLots > 0 && pos.LotsRemaining > 1 {
			exit := d.ExitLots
			if exit >= pos.LotsRemaining {
				exit = pos.LotsRemaining - 1
			}
			pos.LotsRemaining -= exit
			e.pendingExitLots += exit
			e.log.Info("scale-out queued", "lots", exit,
				"lots_remaining", pos.LotsRemaining, "pending_exits", e.pendingExitLots)
		}
	}

	var modifyID string
	var newTrigger, newLimit float64
	if trailed {
		e.log.Info("levels trailed", "price", t.Price,
			"target", pos.TargetPrice, "sl", pos.SLPrice)
		if e.pendingExitLots == 0 && pos.SLOrderID != "" {
			modifyID = pos.SLOrderID
			newTrigger = pos.SLPrice
			newLimit = slLimit(pos.Direction.Opposite(), newTrigger)
		}
		e.persistLocked()
	}
	e.mu.Unlock()

	if rec != nil {
		rec.Record(t)
	}

	if modifyID != "" {
		if err := e.broker.ModifyOrder(context.Background(), modifyID, newLimit, newTrigger); err != nil {
			e.log.Error("trailing protective order", "order_id", modifyID, "error", err)
		} else {
			e.log.Info("protective order trailed", "trigger", newTrigger, "limit", newLimit)
		}
	}
}

// crossed reports whether price reached the position's current target.
func crossed(pos *domain.Position, price float64) bool {
	if pos.Direction == domain.DirectionSell {
		return price <= pos.TargetPrice
	}
	return price >= pos.TargetPrice
}

// handleOrderUpdate reacts to the protective stop filling. The position is
// realized and the policy consulted here, under the lock; the decision
// becomes markers the loop acts on. No orders are placed from this path.
func (e *Engine) handleOrderUpdate(u domain.OrderUpdate) {
	if u.Status != domain.OrderStatusComplete {
		return
	}
	e.mu.Lock()
	pos := e.state.Position
	if pos == nil || pos.SLOrderID != u.OrderID {
		e.mu.Unlock()
		return
	}
	e.log.Info("protective order filled", "order_id", u.OrderID, "price", u.AveragePrice)
	direction := pos.Direction
	rec := e.closePositionLocked(u.AveragePrice)

	pctx := policy.Context{
		Selector:      e.selector,
		Settings:      e.state.Settings,
		TradingSymbol: e.state.TradingSymbol,
		Direction:     direction,
	}
	decision := e.pol.OnStopLossHit(pctx, e.scratchLocked())
	switch decision.Action {
	case policy.ActionStop:
		e.dayStopped = true
	case policy.ActionReverse:
		d := decision.Direction
		e.pendingDirection = &d
	case policy.ActionReselectAndEnter:
		d := decision.Direction
		e.pendingDirection = &d
		e.reselectPending = true
	default:
		e.log.Error("unknown stop-loss action, stopping for the day",
			"action", string(decision.Action))
		e.dayStopped = true
	}
	e.persistLocked()
	e.mu.Unlock()

	if rec != nil {
		e.appendTrade(*rec)
	}
	e.log.Info("stop-loss decision",
		"action", string(decision.Action), "direction", string(decision.Direction))
}
