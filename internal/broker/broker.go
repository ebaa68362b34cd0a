// Package broker defines the venue gateway contract the engine trades
// through, plus an in-memory simulator implementation. The concrete Kite
// gateway lives in the kite subpackage.
package broker

import (
	"context"
	"errors"

	"saros/internal/domain"
)

// Sentinel errors shared by gateway implementations.
var (
	// ErrSessionExpired marks venue calls rejected for a stale or missing
	// access token. The engine stops trading when it sees this.
	ErrSessionExpired = errors.New("broker: session expired")

	// ErrOrderNotFound marks operations on an order id the venue does not
	// know.
	ErrOrderNotFound = errors.New("broker: order not found")
)

// OrderType is the venue execution style for an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL" // stop order with trigger and limit
)

// ValidityDay keeps an order live until the venue's end of day.
const ValidityDay = "DAY"

// OrderParams describes one order submission. Quantity is in venue units,
// not lots.
type OrderParams struct {
	Exchange     string
	Symbol       string
	Side         domain.Direction
	Quantity     int
	Product      domain.Product
	Type         OrderType
	Price        float64 // limit price, unused for MARKET
	TriggerPrice float64 // SL orders only
	Validity     string  // empty means DAY
}

// OrderSummary is one row of the venue's order book listing.
type OrderSummary struct {
	OrderID string
	Symbol  string
	Status  domain.OrderStatus
	Side    domain.Direction
	Variety string
}

// OrderEvent is one entry of an order's status history, oldest first.
type OrderEvent struct {
	Status        domain.OrderStatus
	AveragePrice  float64
	StatusMessage string
}

// Broker abstracts the venue operations the engine consumes. All methods are
// safe for concurrent use.
type Broker interface {
	// Name returns the gateway identifier (e.g. "kite", "simulator").
	Name() string

	// SessionValid reports whether the venue session is usable. The engine
	// checks this once per loop iteration and stops on loss.
	SessionValid(ctx context.Context) bool

	// Instruments returns the tradable contract dump for an exchange
	// segment.
	Instruments(ctx context.Context, exchange string) ([]domain.Instrument, error)

	// LastPrice returns last traded prices for the given symbols in one
	// batched call. Unknown symbols are absent from the result.
	LastPrice(ctx context.Context, symbols []string) (map[string]float64, error)

	// PlaceOrder submits an order and returns the venue order id.
	PlaceOrder(ctx context.Context, p OrderParams) (string, error)

	// ModifyOrder updates the limit and trigger prices of a pending order.
	ModifyOrder(ctx context.Context, orderID string, price, triggerPrice float64) error

	// CancelOrder cancels a pending order.
	CancelOrder(ctx context.Context, orderID string) error

	// OpenOrders lists today's orders that can still fill.
	OpenOrders(ctx context.Context) ([]OrderSummary, error)

	// OrderHistory returns the status history of one order, ascending,
	// latest last.
	OrderHistory(ctx context.Context, orderID string) ([]OrderEvent, error)

	// Stream returns a fresh market-data feed. Callers own its lifecycle;
	// tearing one down and requesting another is how the engine switches
	// instruments.
	Stream() (Feed, error)
}

// Feed streams price ticks and order-status updates. Handlers must be
// registered before Start and are invoked from the feed's reader goroutine.
// Subscribe may be called at any time; implementations replay subscriptions
// after reconnects.
type Feed interface {
	OnTick(func(domain.Tick))
	OnOrderUpdate(func(domain.OrderUpdate))
	OnConnect(func())
	OnError(func(error))
	Subscribe(token uint32, symbol string)
	Start(ctx context.Context) error
	Close() error
}
