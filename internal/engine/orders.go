package engine

import (
	"context"
	"fmt"
	"time"

	"saros/internal/broker"
	"saros/internal/domain"
)

// entryLimit prices an aggressive limit a buffer through the touch, so the
// order fills like a market order but with a worst-case bound.
func entryLimit(side domain.Direction, ltp float64) float64 {
	if side == domain.DirectionSell {
		return domain.RoundToTick(ltp-entryBuffer, tickSize)
	}
	return domain.RoundToTick(ltp+entryBuffer, tickSize)
}

// slLimit prices the protective order's limit a buffer past its trigger.
func slLimit(side domain.Direction, trigger float64) float64 {
	if side == domain.DirectionBuy {
		return domain.RoundToTick(trigger+slBuffer, tickSize)
	}
	return domain.RoundToTick(trigger-slBuffer, tickSize)
}

// lastPrice returns the freshest known price for the selected instrument,
// preferring the feed cache and falling back to a quote call.
func (e *Engine) lastPrice(ctx context.Context) (float64, error) {
	e.mu.Lock()
	cached := e.state.LastPrice
	symbol := e.state.TradingSymbol
	e.mu.Unlock()

	if cached > 0 {
		return cached, nil
	}
	if symbol == "" {
		return 0, fmt.Errorf("no instrument selected")
	}
	prices, err := e.broker.LastPrice(ctx, []string{symbol})
	if err != nil {
		return 0, fmt.Errorf("quoting %s: %w", symbol, err)
	}
	p, ok := prices[symbol]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("no valid quote for %s", symbol)
	}
	return p, nil
}

// placeLimit submits an aggressive limit order and returns the order id.
func (e *Engine) placeLimit(ctx context.Context, side domain.Direction, qty int, price float64) (string, error) {
	e.mu.Lock()
	p := broker.OrderParams{
		Exchange: e.exchange,
		Symbol:   e.state.TradingSymbol,
		Side:     side,
		Quantity: qty,
		Product:  e.state.Settings.Product,
		Type:     broker.OrderTypeLimit,
		Price:    price,
	}
	e.mu.Unlock()
	return e.broker.PlaceOrder(ctx, p)
}

// placeSL submits the protective stop for a position held in posSide and
// returns the order id. The order sits on the opposite side.
func (e *Engine) placeSL(ctx context.Context, posSide domain.Direction, trigger float64, qty int) (string, error) {
	side := posSide.Opposite()
	limit := slLimit(side, trigger)
	e.mu.Lock()
	p := broker.OrderParams{
		Exchange:     e.exchange,
		Symbol:       e.state.TradingSymbol,
		Side:         side,
		Quantity:     qty,
		Product:      e.state.Settings.Product,
		Type:         broker.OrderTypeSL,
		Price:        limit,
		TriggerPrice: trigger,
	}
	e.mu.Unlock()
	id, err := e.broker.PlaceOrder(ctx, p)
	if err != nil {
		return "", err
	}
	e.log.Info("protective order placed",
		"side", string(side), "trigger", trigger, "limit", limit, "quantity", qty, "order_id", id)
	return id, nil
}

// waitForFill polls an order until it completes, dies, or the fill window
// closes. A timed-out order is cancelled best effort so it cannot fill later
// behind the engine's back.
func (e *Engine) waitForFill(ctx context.Context, orderID string) (float64, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.timings.FillTimeout)
	defer cancel()

	for {
		events, err := e.broker.OrderHistory(pollCtx, orderID)
		if err != nil {
			e.log.Warn("polling order history", "order_id", orderID, "error", err)
		}
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			switch ev.Status {
			case domain.OrderStatusComplete:
				return ev.AveragePrice, nil
			case domain.OrderStatusCancelled, domain.OrderStatusRejected:
				return 0, fmt.Errorf("order %s %s: %s", orderID, ev.Status, ev.StatusMessage)
			}
		}
		if !sleep(pollCtx, e.timings.FillPoll) {
			break
		}
	}

	cancelCtx, cancelC := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelC()
	if err := e.broker.CancelOrder(cancelCtx, orderID); err != nil {
		e.log.Warn("cancelling unfilled order", "order_id", orderID, "error", err)
	} else {
		e.log.Info("cancelled unfilled order", "order_id", orderID)
	}
	return 0, fmt.Errorf("order %s did not fill within %s", orderID, e.timings.FillTimeout)
}

// cancelStaleOrders sweeps pending orders on the selected symbol before a
// fresh entry. Leftovers from a crashed run or an abandoned entry would
// otherwise fill against the new position.
func (e *Engine) cancelStaleOrders(ctx context.Context) {
	e.mu.Lock()
	symbol := e.state.TradingSymbol
	e.mu.Unlock()
	if symbol == "" {
		return
	}
	orders, err := e.broker.OpenOrders(ctx)
	if err != nil {
		e.log.Warn("listing open orders", "error", err)
		return
	}
	for _, o := range orders {
		if o.Symbol != symbol {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.OrderID); err != nil {
			e.log.Warn("cancelling stale order", "order_id", o.OrderID, "error", err)
			continue
		}
		e.log.Info("cancelled stale order",
			"order_id", o.OrderID, "side", string(o.Side), "status", string(o.Status))
	}
}

// enterPosition runs the full entry protocol: sweep stale orders, fill an
// aggressive limit, then arm the protective stop. The position is recorded
// only once protection is live; if the stop cannot be placed the fresh
// entry is flattened immediately.
func (e *Engine) enterPosition(ctx context.Context, side domain.Direction) error {
	e.mu.Lock()
	if e.state.Position != nil {
		e.mu.Unlock()
		return nil
	}
	symbol := e.state.TradingSymbol
	settings := e.state.Settings
	lotSize := e.state.LotSize
	e.mu.Unlock()

	if symbol == "" {
		return fmt.Errorf("no instrument selected")
	}
	qty := settings.Lots * lotSize
	if qty <= 0 {
		return fmt.Errorf("entry quantity %d from %d lots of %d", qty, settings.Lots, lotSize)
	}

	e.cancelStaleOrders(ctx)

	ltp, err := e.lastPrice(ctx)
	if err != nil {
		return err
	}
	price := entryLimit(side, ltp)
	orderID, err := e.placeLimit(ctx, side, qty, price)
	if err != nil {
		return fmt.Errorf("placing entry order: %w", err)
	}
	e.log.Info("entry order placed",
		"direction", string(side), "symbol", symbol, "price", price, "quantity", qty, "order_id", orderID)

	fill, err := e.waitForFill(ctx, orderID)
	if err != nil {
		return fmt.Errorf("entry fill: %w", err)
	}

	var slPrice, targetPrice float64
	if side == domain.DirectionSell {
		slPrice = domain.RoundToTick(fill+settings.SLPoints, tickSize)
		targetPrice = domain.RoundToTick(fill-settings.TargetPoints, tickSize)
	} else {
		slPrice = domain.RoundToTick(fill-settings.SLPoints, tickSize)
		targetPrice = domain.RoundToTick(fill+settings.TargetPoints, tickSize)
	}

	slOrderID, err := e.placeSL(ctx, side, slPrice, qty)
	if err != nil {
		e.log.Error("protective order rejected, flattening entry", "error", err)
		if exit, cerr := e.closeLots(ctx, side.Opposite(), qty); cerr != nil {
			e.log.Error("flattening unprotected entry", "error", cerr)
		} else {
			e.log.Info("unprotected entry flattened", "exit", exit)
		}
		return fmt.Errorf("placing protective order: %w", err)
	}

	e.mu.Lock()
	e.state.Position = &domain.Position{
		Direction:     side,
		EntryPrice:    fill,
		SLPrice:       slPrice,
		TargetPrice:   targetPrice,
		SLOrderID:     slOrderID,
		OrderID:       orderID,
		EntryTime:     e.now(),
		LotsRemaining: settings.Lots,
	}
	e.persistLocked()
	e.mu.Unlock()

	e.log.Info("position entered",
		"direction", string(side), "symbol", symbol, "entry", fill,
		"sl", slPrice, "target", targetPrice, "lots", settings.Lots)
	return nil
}

// closeLots fills an aggressive limit against qty units and returns the exit
// price.
func (e *Engine) closeLots(ctx context.Context, side domain.Direction, qty int) (float64, error) {
	ltp, err := e.lastPrice(ctx)
	if err != nil {
		return 0, err
	}
	orderID, err := e.placeLimit(ctx, side, qty, entryLimit(side, ltp))
	if err != nil {
		return 0, fmt.Errorf("placing close order: %w", err)
	}
	return e.waitForFill(ctx, orderID)
}

// executePartialExit books one queued scale-out lot: protection comes down,
// one lot closes, protection goes back up sized to what remains. A failed
// close restores the lot; a failed re-protect flattens everything rather
// than leave the position naked.
func (e *Engine) executePartialExit(ctx context.Context) {
	e.mu.Lock()
	pos := e.state.Position
	if pos == nil || e.pendingExitLots <= 0 {
		e.pendingExitLots = 0
		e.mu.Unlock()
		return
	}
	side := pos.Direction
	slOrderID := pos.SLOrderID
	slPrice := pos.SLPrice
	lotSize := e.state.LotSize
	e.mu.Unlock()

	// Protection must be down while the exit order works, or the venue
	// could fill both against the same quantity.
	if slOrderID != "" {
		if err := e.broker.CancelOrder(ctx, slOrderID); err != nil {
			// Most likely the stop just filled; the order-update handler
			// owns the position now.
			e.log.Warn("scale-out skipped, protective order not cancellable",
				"order_id", slOrderID, "error", err)
			return
		}
	}

	fill, err := e.closeLots(ctx, side.Opposite(), lotSize)

	e.mu.Lock()
	if e.state.Position == nil {
		e.mu.Unlock()
		return
	}
	var rec *domain.TradeRecord
	if err != nil {
		// The lot stays in the position; drop the marker so the loop does
		// not retry a close the venue would not take.
		e.state.Position.LotsRemaining++
		e.pendingExitLots--
		e.log.Error("scale-out close failed, lot restored", "error", err)
	} else {
		e.pendingExitLots--
		rec = e.recordTradeLocked(fill, 1)
		e.log.Info("scale-out lot closed", "exit", fill,
			"lots_remaining", e.state.Position.LotsRemaining, "pending_exits", e.pendingExitLots)
	}
	slQty := (e.state.Position.LotsRemaining + e.pendingExitLots) * lotSize
	e.persistLocked()
	e.mu.Unlock()

	if rec != nil {
		e.appendTrade(*rec)
	}

	newID, serr := e.placeSL(ctx, side, slPrice, slQty)
	if serr != nil {
		e.log.Error("re-protect after scale-out failed, flattening position", "error", serr)
		e.mu.Lock()
		if e.state.Position != nil {
			e.state.Position.SLOrderID = ""
			e.persistLocked()
		}
		e.mu.Unlock()
		e.squareOff(ctx)
		return
	}
	e.mu.Lock()
	if e.state.Position != nil {
		e.state.Position.SLOrderID = newID
		e.persistLocked()
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	// Position vanished while re-protecting; do not leave a naked trigger.
	if err := e.broker.CancelOrder(ctx, newID); err != nil {
		e.log.Warn("cancelling orphaned protective order", "order_id", newID, "error", err)
	}
}

// squareOff cancels protection and closes the full remaining quantity. When
// the close cannot be confirmed, the position is still cleared, at exit
// price zero, so the books never carry a phantom position overnight.
func (e *Engine) squareOff(ctx context.Context) {
	e.mu.Lock()
	pos := e.state.Position
	if pos == nil {
		e.mu.Unlock()
		return
	}
	side := pos.Direction
	slOrderID := pos.SLOrderID
	qty := (pos.LotsRemaining + e.pendingExitLots) * e.state.LotSize
	e.mu.Unlock()

	e.log.Info("squaring off", "direction", string(side), "quantity", qty)

	if slOrderID != "" {
		if err := e.broker.CancelOrder(ctx, slOrderID); err != nil {
			e.log.Warn("cancelling protective order", "order_id", slOrderID, "error", err)
		}
	}

	// The stop may have filled in the same instant; its handler closes the
	// books then and a second close order would open a fresh exposure.
	e.mu.Lock()
	stillOpen := e.state.Position != nil
	e.mu.Unlock()
	if !stillOpen {
		return
	}

	exit, err := e.closeLots(ctx, side.Opposite(), qty)
	if err != nil {
		e.log.Error("square-off close unconfirmed, recording zero exit", "error", err)
		exit = 0
	}

	e.mu.Lock()
	rec := e.closePositionLocked(exit)
	e.mu.Unlock()
	if rec != nil {
		e.appendTrade(*rec)
	}
}

// recordTradeLocked books a realized trade of lots against the open position
// without clearing it. The caller holds mu and persists afterwards.
func (e *Engine) recordTradeLocked(exitPrice float64, lots int) *domain.TradeRecord {
	pos := e.state.Position
	if pos == nil {
		return nil
	}
	qty := lots * e.state.LotSize
	now := e.now()
	rec := domain.TradeRecord{
		Date:       now.Format(domain.DateLayout),
		Symbol:     e.state.TradingSymbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  pos.EntryTime,
		ExitTime:   now,
		Quantity:   qty,
		PNL:        domain.RealizedPNL(pos.Direction, pos.EntryPrice, exitPrice, qty),
	}
	e.state.TradesToday = append(e.state.TradesToday, rec)
	e.state.TotalPNL = round2(e.state.TotalPNL + rec.PNL)
	return &rec
}

// closePositionLocked realizes everything still open, queued exits included,
// then clears the position and persists. The caller holds mu.
func (e *Engine) closePositionLocked(exitPrice float64) *domain.TradeRecord {
	pos := e.state.Position
	if pos == nil {
		return nil
	}
	rec := e.recordTradeLocked(exitPrice, pos.LotsRemaining+e.pendingExitLots)
	e.state.Position = nil
	e.pendingExitLots = 0
	e.persistLocked()
	return rec
}

// appendTrade writes a realized trade to the ledger. Runs outside the lock;
// uses a background context so shutdown cannot drop the record.
func (e *Engine) appendTrade(rec domain.TradeRecord) {
	if err := e.ledger.Append(context.Background(), rec); err != nil {
		e.log.Error("appending trade to ledger", "error", err)
	}
	e.log.Info("trade closed",
		"symbol", rec.Symbol, "direction", string(rec.Direction),
		"entry", rec.EntryPrice, "exit", rec.ExitPrice,
		"quantity", rec.Quantity, "pnl", rec.PNL)
}
