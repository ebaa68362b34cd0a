package kite

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"saros/internal/broker"
	"saros/internal/domain"
	"saros/internal/util"
)

// apiEnvelope is the venue's uniform JSON response wrapper.
type apiEnvelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// orderRow is one order record as the venue returns it, in listings and in
// per-order history.
type orderRow struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Variety         string  `json:"variety"`
	AveragePrice    float64 `json:"average_price"`
}

// do performs one authenticated venue call and decodes the response envelope
// into out. Form bodies are URL-encoded per the venue's API. A token error
// marks the session dead and maps to broker.ErrSessionExpired.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("kite: building request: %w", err)
	}
	c.authorize(req)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("kite: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kite: reading response: %w", err)
	}
	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("kite: %s %s: http %d: %w", method, path, resp.StatusCode, err)
	}
	if env.Status != "success" {
		if env.ErrorType == "TokenException" || resp.StatusCode == http.StatusForbidden {
			c.sessionOK.Store(false)
			return fmt.Errorf("kite: %s: %w", env.Message, broker.ErrSessionExpired)
		}
		return fmt.Errorf("kite: %s %s: %s (%s)", method, path, env.Message, env.ErrorType)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("kite: decoding %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.apiKey+":"+c.accessToken)
}

// getJSON is do for idempotent reads, retried with backoff because quote and
// order-book GETs flake under venue load. Mutating calls never retry; a
// replayed placement would duplicate an order.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var sessionErr error
	err := util.Retry(ctx, 3, 250*time.Millisecond, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if errors.Is(err, broker.ErrSessionExpired) {
			// A dead session will not heal between attempts.
			sessionErr = err
			return nil
		}
		return err
	})
	if sessionErr != nil {
		return sessionErr
	}
	return err
}

// SessionValid reports whether the venue session is believed usable. The
// flag drops on the first token error; tokens also die overnight at the
// venue, which LoadTokenFile guards against at startup.
func (c *Client) SessionValid(context.Context) bool {
	return c.sessionOK.Load()
}

// Instruments downloads and parses the venue's CSV contract dump for an
// exchange segment. The dump runs to tens of thousands of rows, so callers
// should fetch it once per day, not per decision.
func (c *Client) Instruments(ctx context.Context, exchange string) ([]domain.Instrument, error) {
	if exchange == "" {
		exchange = c.exchange
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instruments/"+exchange, nil)
	if err != nil {
		return nil, fmt.Errorf("kite: building request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kite: fetching instruments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		var env apiEnvelope
		if json.Unmarshal(data, &env) == nil && env.ErrorType == "TokenException" {
			c.sessionOK.Store(false)
			return nil, fmt.Errorf("kite: %s: %w", env.Message, broker.ErrSessionExpired)
		}
		return nil, fmt.Errorf("kite: instruments dump: http %d", resp.StatusCode)
	}
	return parseInstrumentsCSV(resp.Body, exchange)
}

// parseInstrumentsCSV decodes the contract dump. Columns are resolved by
// header name so the venue can reorder or extend the dump without breaking
// the parse.
func parseInstrumentsCSV(r io.Reader, exchange string) ([]domain.Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("kite: reading dump header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.TrimSpace(col)] = i
	}
	col := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var out []domain.Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("kite: reading dump row: %w", err)
		}
		token, err := strconv.ParseUint(col(rec, "instrument_token"), 10, 32)
		if err != nil {
			continue
		}
		strike, _ := strconv.ParseFloat(col(rec, "strike"), 64)
		tick, _ := strconv.ParseFloat(col(rec, "tick_size"), 64)
		lot, _ := strconv.Atoi(col(rec, "lot_size"))
		var expiry time.Time
		if raw := col(rec, "expiry"); raw != "" {
			expiry, _ = time.Parse("2006-01-02", raw)
		}
		out = append(out, domain.Instrument{
			Symbol:   col(rec, "tradingsymbol"),
			Name:     strings.Trim(col(rec, "name"), `"`),
			Exchange: exchange,
			Token:    uint32(token),
			Type:     domain.OptionType(col(rec, "instrument_type")),
			Expiry:   expiry,
			Strike:   strike,
			LotSize:  lot,
			TickSize: tick,
		})
	}
	return out, nil
}

// LastPrice fetches last traded prices for the given symbols in one batched
// quote call. Bare symbols get the client's default exchange prefix; result
// keys have prefixes stripped back off.
func (c *Client) LastPrice(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	q := url.Values{}
	for _, s := range symbols {
		if !strings.Contains(s, ":") {
			s = c.exchange + ":" + s
		}
		q.Add("i", s)
	}

	var data map[string]struct {
		InstrumentToken uint32  `json:"instrument_token"`
		LastPrice       float64 `json:"last_price"`
	}
	if err := c.getJSON(ctx, "/quote/ltp?"+q.Encode(), &data); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(data))
	for key, v := range data {
		sym := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			sym = key[i+1:]
		}
		out[sym] = v.LastPrice
	}
	return out, nil
}

// PlaceOrder submits a regular-variety order and returns the venue order id.
func (c *Client) PlaceOrder(ctx context.Context, p broker.OrderParams) (string, error) {
	exchange := p.Exchange
	if exchange == "" {
		exchange = c.exchange
	}
	validity := p.Validity
	if validity == "" {
		validity = broker.ValidityDay
	}
	form := url.Values{
		"exchange":         {exchange},
		"tradingsymbol":    {p.Symbol},
		"transaction_type": {string(p.Side)},
		"quantity":         {strconv.Itoa(p.Quantity)},
		"product":          {string(p.Product)},
		"order_type":       {string(p.Type)},
		"validity":         {validity},
	}
	if p.Price > 0 {
		form.Set("price", formatPrice(p.Price))
	}
	if p.TriggerPrice > 0 {
		form.Set("trigger_price", formatPrice(p.TriggerPrice))
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders/regular", form, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// ModifyOrder updates the limit and trigger prices of a pending order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, price, triggerPrice float64) error {
	form := url.Values{}
	if price > 0 {
		form.Set("price", formatPrice(price))
	}
	if triggerPrice > 0 {
		form.Set("trigger_price", formatPrice(triggerPrice))
	}
	return c.do(ctx, http.MethodPut, "/orders/regular/"+orderID, form, nil)
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/orders/regular/"+orderID, nil, nil)
}

// OpenOrders lists today's orders that can still fill.
func (c *Client) OpenOrders(ctx context.Context) ([]broker.OrderSummary, error) {
	var rows []orderRow
	if err := c.getJSON(ctx, "/orders", &rows); err != nil {
		return nil, err
	}
	var out []broker.OrderSummary
	for _, r := range rows {
		status := domain.OrderStatus(r.Status)
		if status.Terminal() {
			continue
		}
		out = append(out, broker.OrderSummary{
			OrderID: r.OrderID,
			Symbol:  r.TradingSymbol,
			Status:  status,
			Side:    domain.Direction(r.TransactionType),
			Variety: r.Variety,
		})
	}
	return out, nil
}

// OrderHistory returns the status history of one order, oldest first.
func (c *Client) OrderHistory(ctx context.Context, orderID string) ([]broker.OrderEvent, error) {
	var rows []orderRow
	if err := c.getJSON(ctx, "/orders/"+orderID, &rows); err != nil {
		return nil, err
	}
	out := make([]broker.OrderEvent, len(rows))
	for i, r := range rows {
		out[i] = broker.OrderEvent{
			Status:        domain.OrderStatus(r.Status),
			AveragePrice:  r.AveragePrice,
			StatusMessage: r.StatusMessage,
		}
	}
	return out, nil
}

// Stream returns a fresh websocket feed bound to this client's credentials.
func (c *Client) Stream() (broker.Feed, error) {
	if c.accessToken == "" {
		return nil, fmt.Errorf("kite: no access token for feed")
	}
	return newFeed(c), nil
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
