package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"saros/internal/domain"
)

// Compile-time interface checks.
var (
	_ Broker = (*Simulator)(nil)
	_ Feed   = (*simFeed)(nil)
)

// Simulator implements Broker against in-memory venue state, for tests and
// dry runs. Market and limit orders fill immediately; SL orders sit in
// TRIGGER PENDING until a price set through SetPrice crosses their trigger
// (or CompleteOrder forces them). Fills and ticks are pushed to every feed
// obtained from Stream.
type Simulator struct {
	mu          sync.Mutex
	instruments []domain.Instrument
	prices      map[string]float64
	tokens      map[string]uint32 // symbol -> instrument token
	orders      map[string]*simOrder
	feeds       map[*simFeed]struct{}
	session     bool
	holdFills   bool
	rejectAll   bool
}

type simOrder struct {
	id     string
	params OrderParams
	status domain.OrderStatus
	avg    float64
	events []OrderEvent
}

// NewSimulator creates an empty simulated venue with a valid session.
func NewSimulator() *Simulator {
	return &Simulator{
		prices:  make(map[string]float64),
		tokens:  make(map[string]uint32),
		orders:  make(map[string]*simOrder),
		feeds:   make(map[*simFeed]struct{}),
		session: true,
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// SetInstruments replaces the simulated contract dump.
func (s *Simulator) SetInstruments(list []domain.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments = append([]domain.Instrument(nil), list...)
	for _, in := range list {
		s.tokens[in.Symbol] = in.Token
	}
}

// SetSession flips the simulated session validity.
func (s *Simulator) SetSession(valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = valid
}

// HoldFills stops limit and market orders from filling, so fill polls time
// out. SL orders already rest until triggered.
func (s *Simulator) HoldFills(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdFills = hold
}

// RejectOrders makes every subsequent placement land in REJECTED.
func (s *Simulator) RejectOrders(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

// SessionValid reports the simulated session state.
func (s *Simulator) SessionValid(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Instruments returns the simulated contract dump for an exchange segment.
func (s *Simulator) Instruments(_ context.Context, exchange string) ([]domain.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		if exchange == "" || in.Exchange == exchange {
			out = append(out, in)
		}
	}
	return out, nil
}

// LastPrice returns the current simulated prices for the requested symbols.
func (s *Simulator) LastPrice(_ context.Context, symbols []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

// PlaceOrder records the order and fills it per the simulator's fill policy.
func (s *Simulator) PlaceOrder(_ context.Context, p OrderParams) (string, error) {
	if p.Quantity <= 0 {
		return "", fmt.Errorf("simulator: quantity must be positive, got %d", p.Quantity)
	}
	if !p.Side.Valid() {
		return "", fmt.Errorf("simulator: unknown side %q", p.Side)
	}

	s.mu.Lock()
	if !s.session {
		s.mu.Unlock()
		return "", ErrSessionExpired
	}

	o := &simOrder{id: uuid.NewString(), params: p}
	s.orders[o.id] = o

	var update *domain.OrderUpdate
	switch {
	case s.rejectAll:
		s.transition(o, domain.OrderStatusRejected, 0, "rejected by rms")
	case p.Type == OrderTypeSL:
		s.transition(o, domain.OrderStatusTriggerPending, 0, "")
	case s.holdFills:
		s.transition(o, domain.OrderStatusOpen, 0, "")
	default:
		fill := p.Price
		if fill == 0 {
			fill = s.prices[p.Symbol]
		}
		s.transition(o, domain.OrderStatusComplete, fill, "")
		update = &domain.OrderUpdate{OrderID: o.id, Status: o.status, AveragePrice: o.avg}
	}
	feeds := s.feedList()
	s.mu.Unlock()

	if update != nil {
		dispatchOrderUpdate(feeds, *update)
	}
	return o.id, nil
}

// ModifyOrder updates limit and trigger prices on a pending order.
func (s *Simulator) ModifyOrder(_ context.Context, orderID string, price, triggerPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("simulator: cannot modify %s order %s", o.status, orderID)
	}
	if price > 0 {
		o.params.Price = price
	}
	if triggerPrice > 0 {
		o.params.TriggerPrice = triggerPrice
	}
	return nil
}

// CancelOrder cancels a pending order.
func (s *Simulator) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("simulator: cannot cancel %s order %s", o.status, orderID)
	}
	s.transition(o, domain.OrderStatusCancelled, 0, "cancelled")
	return nil
}

// OpenOrders lists orders that can still fill.
func (s *Simulator) OpenOrders(context.Context) ([]OrderSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OrderSummary
	for _, o := range s.orders {
		if o.status.Terminal() {
			continue
		}
		out = append(out, OrderSummary{
			OrderID: o.id,
			Symbol:  o.params.Symbol,
			Status:  o.status,
			Side:    o.params.Side,
			Variety: "regular",
		})
	}
	return out, nil
}

// OrderHistory returns the status history of one order, oldest first.
func (s *Simulator) OrderHistory(_ context.Context, orderID string) ([]OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return append([]OrderEvent(nil), o.events...), nil
}

// Stream returns a fresh feed wired to the simulator's broadcasts.
func (s *Simulator) Stream() (Feed, error) {
	f := &simFeed{sim: s, tokens: make(map[uint32]string)}
	s.mu.Lock()
	s.feeds[f] = struct{}{}
	s.mu.Unlock()
	return f, nil
}

// SetPrice moves a symbol's last traded price, broadcasting a tick and
// firing any resting SL order whose trigger the move crossed.
func (s *Simulator) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = price
	tick := domain.Tick{Token: s.tokens[symbol], Symbol: symbol, Price: price, Time: time.Now()}

	var updates []domain.OrderUpdate
	for _, o := range s.orders {
		if o.status != domain.OrderStatusTriggerPending || o.params.Symbol != symbol {
			continue
		}
		crossed := (o.params.Side == domain.DirectionBuy && price >= o.params.TriggerPrice) ||
			(o.params.Side == domain.DirectionSell && price <= o.params.TriggerPrice)
		if crossed {
			s.transition(o, domain.OrderStatusComplete, o.params.TriggerPrice, "trigger hit")
			updates = append(updates, domain.OrderUpdate{OrderID: o.id, Status: o.status, AveragePrice: o.avg})
		}
	}
	feeds := s.feedList()
	s.mu.Unlock()

	dispatchTick(feeds, tick)
	for _, u := range updates {
		dispatchOrderUpdate(feeds, u)
	}
}

// CompleteOrder force-fills a pending order at the given price, as if the
// venue executed it while nobody was watching. Used by recovery tests.
func (s *Simulator) CompleteOrder(orderID string, fillPrice float64) error {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return ErrOrderNotFound
	}
	if o.status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("simulator: cannot fill %s order %s", o.status, orderID)
	}
	s.transition(o, domain.OrderStatusComplete, fillPrice, "")
	update := domain.OrderUpdate{OrderID: o.id, Status: o.status, AveragePrice: o.avg}
	feeds := s.feedList()
	s.mu.Unlock()

	dispatchOrderUpdate(feeds, update)
	return nil
}

// transition moves an order to a new status and appends the history event.
// Must be called with mu held.
func (s *Simulator) transition(o *simOrder, status domain.OrderStatus, avg float64, msg string) {
	o.status = status
	if avg > 0 {
		o.avg = avg
	}
	o.events = append(o.events, OrderEvent{Status: status, AveragePrice: o.avg, StatusMessage: msg})
}

// feedList snapshots registered feeds. Must be called with mu held.
func (s *Simulator) feedList() []*simFeed {
	out := make([]*simFeed, 0, len(s.feeds))
	for f := range s.feeds {
		out = append(out, f)
	}
	return out
}

func (s *Simulator) dropFeed(f *simFeed) {
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
}

func dispatchTick(feeds []*simFeed, t domain.Tick) {
	for _, f := range feeds {
		f.deliverTick(t)
	}
}

func dispatchOrderUpdate(feeds []*simFeed, u domain.OrderUpdate) {
	for _, f := range feeds {
		f.deliverOrderUpdate(u)
	}
}

// ---------------------------------------------------------------------------
// Simulated feed
// ---------------------------------------------------------------------------

// simFeed delivers simulator broadcasts synchronously on the caller's
// goroutine, which keeps tests deterministic.
type simFeed struct {
	sim *Simulator

	mu            sync.Mutex
	tokens        map[uint32]string
	started       bool
	closed        bool
	onTick        func(domain.Tick)
	onOrderUpdate func(domain.OrderUpdate)
	onConnect     func()
	onError       func(error)
}

func (f *simFeed) OnTick(fn func(domain.Tick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = fn
}

func (f *simFeed) OnOrderUpdate(fn func(domain.OrderUpdate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOrderUpdate = fn
}

func (f *simFeed) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = fn
}

func (f *simFeed) OnError(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = fn
}

func (f *simFeed) Subscribe(token uint32, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = symbol
}

func (f *simFeed) Start(context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("simulator: feed is closed")
	}
	f.started = true
	connect := f.onConnect
	f.mu.Unlock()

	if connect != nil {
		connect()
	}
	return nil
}

func (f *simFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.started = false
	f.mu.Unlock()
	f.sim.dropFeed(f)
	return nil
}

func (f *simFeed) deliverTick(t domain.Tick) {
	f.mu.Lock()
	fn := f.onTick
	_, subscribed := f.tokens[t.Token]
	started := f.started
	f.mu.Unlock()

	if started && subscribed && fn != nil {
		fn(t)
	}
}

func (f *simFeed) deliverOrderUpdate(u domain.OrderUpdate) {
	f.mu.Lock()
	fn := f.onOrderUpdate
	started := f.started
	f.mu.Unlock()

	if started && fn != nil {
		fn(u)
	}
}
