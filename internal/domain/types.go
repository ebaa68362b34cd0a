// Package domain defines the shared data model for the options trading
// engine: instruments, ticks, order events, positions, trade records, and
// the persisted engine state.
package domain

import (
	"math"
	"time"
)

// DateLayout is the calendar-day format used in state and trade records.
const DateLayout = "2006-01-02"

// Direction is the side of a position or order.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the reversing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// OptionType distinguishes calls from puts, in venue notation.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// Toggle returns the other option type.
func (o OptionType) Toggle() OptionType {
	if o == OptionTypeCall {
		return OptionTypePut
	}
	return OptionTypeCall
}

// Product is the venue margin product an order is booked under.
type Product string

const (
	ProductMIS  Product = "MIS"  // intraday, auto squared off by the venue
	ProductNRML Product = "NRML" // overnight margin
)

// OrderStatus is an order state as reported by the venue.
type OrderStatus string

const (
	OrderStatusOpen           OrderStatus = "OPEN"
	OrderStatusTriggerPending OrderStatus = "TRIGGER PENDING"
	OrderStatusComplete       OrderStatus = "COMPLETE"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusRejected       OrderStatus = "REJECTED"
)

// Terminal reports whether the status is final: the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusComplete || s == OrderStatusCancelled || s == OrderStatusRejected
}

// EngineStatus is the engine lifecycle state.
type EngineStatus string

const (
	EngineStatusStopped      EngineStatus = "STOPPED"
	EngineStatusWaiting      EngineStatus = "WAITING"
	EngineStatusActive       EngineStatus = "ACTIVE"
	EngineStatusMarketClosed EngineStatus = "MARKET_CLOSED"
)

// Instrument is one tradable option contract.
type Instrument struct {
	Symbol   string     `json:"symbol"`
	Name     string     `json:"name"` // underlying, e.g. "NIFTY"
	Exchange string     `json:"exchange"`
	Token    uint32     `json:"instrument_token"`
	Type     OptionType `json:"instrument_type"`
	Expiry   time.Time  `json:"expiry"`
	Strike   float64    `json:"strike"`
	LotSize  int        `json:"lot_size"`
	TickSize float64    `json:"tick_size"`
}

// Tick is one streamed last-traded-price update.
type Tick struct {
	Token  uint32    `json:"instrument_token"`
	Symbol string    `json:"symbol,omitempty"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// OrderUpdate is a streamed order-status change.
type OrderUpdate struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	AveragePrice float64     `json:"average_price"`
}

// Position is the single open position. The engine holds at most one.
type Position struct {
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	SLPrice       float64   `json:"sl_price"`
	TargetPrice   float64   `json:"target_price"`
	SLOrderID     string    `json:"sl_order_id"`
	OrderID       string    `json:"order_id"`
	EntryTime     time.Time `json:"entry_time"`
	LotsRemaining int       `json:"lots_remaining"`
}

// TradeRecord is one realized trade. Records are append-only and never
// mutated after creation. Quantity is in venue units (lots times lot size).
type TradeRecord struct {
	Date       string    `json:"date"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Quantity   int       `json:"quantity"`
	PNL        float64   `json:"pnl"`
}

// RealizedPNL computes direction-adjusted profit for quantity units, rounded
// to two decimals. A short earns when exit is below entry.
func RealizedPNL(d Direction, entry, exit float64, quantity int) float64 {
	diff := exit - entry
	if d == DirectionSell {
		diff = entry - exit
	}
	return math.Round(diff*float64(quantity)*100) / 100
}

// RoundToTick snaps price to the nearest multiple of tick. Venues reject
// prices off the tick grid.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	steps := math.Round(price / tick)
	// Round once more to shed float artifacts like 100.05000000000001.
	return math.Round(steps*tick*100) / 100
}
