package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"saros/internal/broker"
	"saros/internal/domain"
)

var _ broker.Feed = (*feed)(nil)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// feed streams ticks and order postbacks over the venue websocket. One
// reader goroutine owns the connection; on read errors it redials with
// capped exponential backoff and replays subscriptions.
type feed struct {
	wsURL  string
	apiKey string
	token  string
	log    *slog.Logger

	writeMu sync.Mutex // serializes websocket writes

	mu            sync.Mutex
	conn          *websocket.Conn
	tokens        map[uint32]string // instrument token -> trading symbol
	onTick        func(domain.Tick)
	onOrderUpdate func(domain.OrderUpdate)
	onConnect     func()
	onError       func(error)
	started       bool
	closed        bool

	done chan struct{} // closed when the reader goroutine exits
}

func newFeed(c *Client) *feed {
	return &feed{
		wsURL:  c.wsURL,
		apiKey: c.apiKey,
		token:  c.accessToken,
		log:    c.log,
		tokens: make(map[uint32]string),
		done:   make(chan struct{}),
	}
}

func (f *feed) OnTick(fn func(domain.Tick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = fn
}

func (f *feed) OnOrderUpdate(fn func(domain.OrderUpdate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOrderUpdate = fn
}

func (f *feed) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = fn
}

func (f *feed) OnError(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = fn
}

// Subscribe registers an instrument. If the feed is already connected the
// subscription is sent immediately; otherwise it is replayed on connect.
func (f *feed) Subscribe(token uint32, symbol string) {
	f.mu.Lock()
	f.tokens[token] = symbol
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		if err := f.sendSubscribe(conn, []uint32{token}); err != nil {
			f.emitError(err)
		}
	}
}

// Start dials the venue and launches the reader goroutine. It returns an
// error only when the initial dial fails; later disconnects are handled by
// the reader's reconnect loop.
func (f *feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("kite: feed is closed")
	}
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("kite: feed already started")
	}
	f.started = true
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		f.mu.Lock()
		f.started = false
		f.mu.Unlock()
		return err
	}
	if err := f.afterConnect(conn); err != nil {
		conn.Close()
		f.mu.Lock()
		f.started = false
		f.conn = nil
		f.mu.Unlock()
		return err
	}
	go f.readLoop(ctx)
	return nil
}

// Close tears the connection down and waits briefly for the reader to exit.
func (f *feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	started := f.started
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if started {
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			f.log.Warn("feed reader did not exit in time")
		}
	}
	return nil
}

func (f *feed) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(f.wsURL)
	if err != nil {
		return nil, fmt.Errorf("kite: feed url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", f.apiKey)
	q.Set("access_token", f.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("kite: dialing feed: %w", err)
	}
	conn.SetReadLimit(2 << 20)
	return conn, nil
}

// afterConnect installs the new connection, replays subscriptions in LTP
// mode, and fires the connect callback.
func (f *feed) afterConnect(conn *websocket.Conn) error {
	f.mu.Lock()
	old := f.conn
	f.conn = conn
	toks := make([]uint32, 0, len(f.tokens))
	for t := range f.tokens {
		toks = append(toks, t)
	}
	onConnect := f.onConnect
	f.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
	if len(toks) > 0 {
		if err := f.sendSubscribe(conn, toks); err != nil {
			return err
		}
	}
	if onConnect != nil {
		onConnect()
	}
	return nil
}

// sendSubscribe subscribes the tokens and pins them to LTP mode, which keeps
// tick packets at their minimal eight-byte form.
func (f *feed) sendSubscribe(conn *websocket.Conn, tokens []uint32) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := conn.WriteJSON(map[string]any{"a": "subscribe", "v": tokens}); err != nil {
		return fmt.Errorf("kite: subscribing: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"a": "mode", "v": []any{"ltp", tokens}}); err != nil {
		return fmt.Errorf("kite: setting feed mode: %w", err)
	}
	return nil
}

func (f *feed) readLoop(ctx context.Context) {
	defer close(f.done)
	for {
		f.mu.Lock()
		conn := f.conn
		closed := f.closed
		f.mu.Unlock()
		if closed || ctx.Err() != nil || conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if f.isClosed() || ctx.Err() != nil {
				return
			}
			f.emitError(fmt.Errorf("kite: feed read: %w", err))
			if !f.reconnect(ctx) {
				return
			}
			continue
		}

		switch msgType {
		case websocket.BinaryMessage:
			f.handleBinary(data)
		case websocket.TextMessage:
			f.handleText(data)
		}
	}
}

// reconnect redials with capped exponential backoff until it succeeds or the
// feed is closed. It reports whether the reader should keep going.
func (f *feed) reconnect(ctx context.Context) bool {
	backoff := reconnectMin
	for {
		if f.isClosed() {
			return false
		}
		f.log.Info("feed disconnected, reconnecting", "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := f.dial(ctx)
		if err != nil {
			f.emitError(err)
			backoff = nextBackoff(backoff)
			continue
		}
		if err := f.afterConnect(conn); err != nil {
			conn.Close()
			f.emitError(err)
			backoff = nextBackoff(backoff)
			continue
		}
		f.log.Info("feed reconnected")
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}

// handleBinary decodes a binary tick frame and dispatches ticks for
// subscribed tokens. One-byte frames are venue heartbeats.
func (f *feed) handleBinary(data []byte) {
	ticks := parseBinaryTicks(data)
	if len(ticks) == 0 {
		return
	}

	f.mu.Lock()
	fn := f.onTick
	for i := range ticks {
		ticks[i].Symbol = f.tokens[ticks[i].Token]
	}
	f.mu.Unlock()
	if fn == nil {
		return
	}
	for _, t := range ticks {
		if t.Symbol != "" {
			fn(t)
		}
	}
}

// parseBinaryTicks decodes the venue's binary frame layout: a two-byte
// big-endian packet count, then per packet a two-byte length and the packet
// bytes. An LTP packet is eight bytes, instrument token then last price in
// paise.
func parseBinaryTicks(data []byte) []domain.Tick {
	if len(data) < 4 {
		return nil // heartbeat or junk
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	now := time.Now()
	out := make([]domain.Tick, 0, count)
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			break
		}
		plen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if plen < 8 || offset+plen > len(data) {
			break
		}
		packet := data[offset : offset+plen]
		offset += plen
		out = append(out, domain.Tick{
			Token: binary.BigEndian.Uint32(packet[0:4]),
			Price: float64(int32(binary.BigEndian.Uint32(packet[4:8]))) / 100,
			Time:  now,
		})
	}
	return out
}

// wsMessage is the JSON wrapper on text frames: order postbacks, errors, and
// informational messages.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (f *feed) handleText(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Warn("unparseable feed message", "error", err)
		return
	}
	switch msg.Type {
	case "order":
		var row struct {
			OrderID      string  `json:"order_id"`
			Status       string  `json:"status"`
			AveragePrice float64 `json:"average_price"`
		}
		if err := json.Unmarshal(msg.Data, &row); err != nil {
			f.log.Warn("unparseable order postback", "error", err)
			return
		}
		f.mu.Lock()
		fn := f.onOrderUpdate
		f.mu.Unlock()
		if fn != nil {
			fn(domain.OrderUpdate{
				OrderID:      row.OrderID,
				Status:       domain.OrderStatus(row.Status),
				AveragePrice: row.AveragePrice,
			})
		}
	case "error":
		var s string
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			s = string(msg.Data)
		}
		f.emitError(fmt.Errorf("kite: feed error: %s", s))
	}
}

func (f *feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *feed) emitError(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	} else {
		f.log.Error("feed error", "error", err)
	}
}
