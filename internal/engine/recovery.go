package engine

import (
	"context"

	"saros/internal/domain"
)

// recoverPosition reconciles a persisted open position with the venue after
// a restart. The protective order may have filled, died, or survived while
// the process was down; anything ambiguous is squared off rather than left
// running unwatched.
func (e *Engine) recoverPosition(ctx context.Context) {
	e.mu.Lock()
	pos := e.state.Position
	if pos == nil {
		e.mu.Unlock()
		return
	}
	slOrderID := pos.SLOrderID
	direction := pos.Direction
	entry := pos.EntryPrice
	e.mu.Unlock()

	e.log.Info("recovering open position",
		"direction", string(direction), "entry", entry, "sl_order_id", slOrderID)

	events, err := e.broker.OrderHistory(ctx, slOrderID)
	if err != nil || len(events) == 0 {
		e.log.Error("protective order state unknown, squaring off", "error", err)
		e.squareOff(ctx)
		return
	}

	latest := events[len(events)-1]
	switch latest.Status {
	case domain.OrderStatusComplete:
		// Stopped out while down. Run the normal fill path so the trade is
		// booked and the policy's decision still happens.
		e.log.Info("protective order filled during downtime", "price", latest.AveragePrice)
		e.handleOrderUpdate(domain.OrderUpdate{
			OrderID:      slOrderID,
			Status:       domain.OrderStatusComplete,
			AveragePrice: latest.AveragePrice,
		})
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		e.log.Warn("protective order dead, squaring off", "status", string(latest.Status))
		e.squareOff(ctx)
	default:
		e.log.Info("protective order still working, resuming",
			"status", string(latest.Status))
		if err := e.startFeed(ctx); err != nil {
			e.log.Error("starting feed for recovered position", "error", err)
		}
		e.setStatus(domain.EngineStatusActive, "recovered open position")
	}
}
