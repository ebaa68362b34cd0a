package kite

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"saros/internal/broker"
	"saros/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "k1", AccessToken: "tok1", BaseURL: baseURL}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func ltpPacket(token, paise uint32) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint32(p[0:4], token)
	binary.BigEndian.PutUint32(p[4:8], paise)
	return p
}

func tickFrame(packets ...[]byte) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(packets)))
	for _, p := range packets {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(p)))
		buf = append(buf, l[:]...)
		buf = append(buf, p...)
	}
	return buf
}

func TestParseBinaryTicks(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want []struct {
			token uint32
			price float64
		}
	}{
		{
			name: "single ltp packet",
			data: tickFrame(ltpPacket(256265, 2254535)),
			want: []struct {
				token uint32
				price float64
			}{{256265, 22545.35}},
		},
		{
			name: "two packets",
			data: tickFrame(ltpPacket(101, 9805), ltpPacket(202, 12340)),
			want: []struct {
				token uint32
				price float64
			}{{101, 98.05}, {202, 123.40}},
		},
		{
			name: "heartbeat",
			data: []byte{0},
		},
		{
			name: "truncated frame",
			data: tickFrame(ltpPacket(101, 9805))[:7],
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseBinaryTicks(tc.data)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d ticks, want %d", len(got), len(tc.want))
			}
			for i, w := range tc.want {
				if got[i].Token != w.token {
					t.Errorf("tick %d token = %d, want %d", i, got[i].Token, w.token)
				}
				if got[i].Price != w.price {
					t.Errorf("tick %d price = %v, want %v", i, got[i].Price, w.price)
				}
			}
		})
	}
}

func TestFeedDispatchesSubscribedTicksOnly(t *testing.T) {
	f := &feed{log: testLogger(), tokens: map[uint32]string{101: "NIFTY25MAY22500CE"}}
	var got []domain.Tick
	f.onTick = func(tk domain.Tick) { got = append(got, tk) }

	f.handleBinary(tickFrame(ltpPacket(101, 9805), ltpPacket(999, 500)))

	if len(got) != 1 {
		t.Fatalf("got %d ticks, want 1", len(got))
	}
	if got[0].Symbol != "NIFTY25MAY22500CE" || got[0].Price != 98.05 {
		t.Errorf("tick = %+v, want symbol NIFTY25MAY22500CE price 98.05", got[0])
	}
}

func TestFeedParsesOrderPostback(t *testing.T) {
	f := &feed{log: testLogger(), tokens: map[uint32]string{}}
	var got []domain.OrderUpdate
	f.onOrderUpdate = func(u domain.OrderUpdate) { got = append(got, u) }

	f.handleText([]byte(`{"type":"order","data":{"order_id":"250407000123","status":"COMPLETE","average_price":108.15}}`))
	f.handleText([]byte(`{"type":"instruments_meta","data":{"count":1}}`))

	if len(got) != 1 {
		t.Fatalf("got %d updates, want 1", len(got))
	}
	want := domain.OrderUpdate{OrderID: "250407000123", Status: domain.OrderStatusComplete, AveragePrice: 108.15}
	if got[0] != want {
		t.Errorf("update = %+v, want %+v", got[0], want)
	}
}

func TestPlaceOrderSubmitsForm(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/regular" {
			t.Errorf("request = %s %s, want POST /orders/regular", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token k1:tok1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Kite-Version"); got != "3" {
			t.Errorf("X-Kite-Version = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		form = r.PostForm
		fmt.Fprint(w, `{"status":"success","data":{"order_id":"250407000123"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.PlaceOrder(context.Background(), broker.OrderParams{
		Symbol:       "NIFTY25MAY22500CE",
		Side:         domain.DirectionSell,
		Quantity:     75,
		Product:      domain.ProductMIS,
		Type:         broker.OrderTypeSL,
		Price:        118,
		TriggerPrice: 108,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "250407000123" {
		t.Errorf("order id = %q, want 250407000123", id)
	}

	want := map[string]string{
		"exchange":         "NFO",
		"tradingsymbol":    "NIFTY25MAY22500CE",
		"transaction_type": "SELL",
		"quantity":         "75",
		"product":          "MIS",
		"order_type":       "SL",
		"validity":         "DAY",
		"price":            "118.00",
		"trigger_price":    "108.00",
	}
	for k, w := range want {
		if got := form.Get(k); got != w {
			t.Errorf("form[%s] = %q, want %q", k, got, w)
		}
	}
}

func TestTokenErrorExpiresSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"status":"error","message":"Token is invalid","error_type":"TokenException"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if !c.SessionValid(context.Background()) {
		t.Fatal("session should start valid")
	}
	_, err := c.LastPrice(context.Background(), []string{"NIFTY25MAY22500CE"})
	if !errors.Is(err, broker.ErrSessionExpired) {
		t.Fatalf("LastPrice error = %v, want ErrSessionExpired", err)
	}
	if c.SessionValid(context.Background()) {
		t.Error("session still marked valid after token error")
	}
}

func TestLastPriceStripsExchangePrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query()["i"]
		if len(got) != 2 || got[0] != "NFO:NIFTY25MAY22500CE" || got[1] != "NSE:NIFTY 50" {
			t.Errorf("quote params = %v", got)
		}
		fmt.Fprint(w, `{"status":"success","data":{
			"NFO:NIFTY25MAY22500CE":{"instrument_token":101,"last_price":98.05},
			"NSE:NIFTY 50":{"instrument_token":256265,"last_price":22545.35}}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	prices, err := c.LastPrice(context.Background(), []string{"NIFTY25MAY22500CE", "NSE:NIFTY 50"})
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if got := prices["NIFTY25MAY22500CE"]; got != 98.05 {
		t.Errorf("CE price = %v, want 98.05", got)
	}
	if got := prices["NIFTY 50"]; got != 22545.35 {
		t.Errorf("index price = %v, want 22545.35", got)
	}
}

func TestInstrumentsParsesContractDump(t *testing.T) {
	const dump = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
9604354,37517,NIFTY25MAY22500CE,"NIFTY",0,2025-05-29,22500,0.05,75,CE,NFO-OPT,NFO
9604610,37518,NIFTY25MAY22500PE,"NIFTY",0,2025-05-29,22500,0.05,75,PE,NFO-OPT,NFO
not-a-token,0,JUNK,"JUNK",0,,0,0,0,EQ,NFO,NFO
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instruments/NFO" {
			t.Errorf("path = %s, want /instruments/NFO", r.URL.Path)
		}
		fmt.Fprint(w, dump)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ins, err := c.Instruments(context.Background(), "NFO")
	if err != nil {
		t.Fatalf("Instruments: %v", err)
	}
	if len(ins) != 2 {
		t.Fatalf("got %d instruments, want 2 (junk row skipped)", len(ins))
	}
	ce := ins[0]
	if ce.Symbol != "NIFTY25MAY22500CE" || ce.Name != "NIFTY" || ce.Token != 9604354 {
		t.Errorf("first instrument = %+v", ce)
	}
	if ce.Type != domain.OptionTypeCall || ce.Strike != 22500 || ce.LotSize != 75 || ce.TickSize != 0.05 {
		t.Errorf("first instrument contract terms = %+v", ce)
	}
	if want := time.Date(2025, 5, 29, 0, 0, 0, 0, time.UTC); !ce.Expiry.Equal(want) {
		t.Errorf("expiry = %v, want %v", ce.Expiry, want)
	}
	if ins[1].Type != domain.OptionTypePut {
		t.Errorf("second instrument type = %s, want PE", ins[1].Type)
	}
}

func TestOpenOrdersFiltersTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			t.Errorf("path = %s, want /orders", r.URL.Path)
		}
		fmt.Fprint(w, `{"status":"success","data":[
			{"order_id":"1","status":"COMPLETE","tradingsymbol":"A","transaction_type":"SELL","variety":"regular"},
			{"order_id":"2","status":"TRIGGER PENDING","tradingsymbol":"B","transaction_type":"BUY","variety":"regular"},
			{"order_id":"3","status":"CANCELLED","tradingsymbol":"C","transaction_type":"BUY","variety":"regular"},
			{"order_id":"4","status":"OPEN","tradingsymbol":"D","transaction_type":"SELL","variety":"regular"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	orders, err := c.OpenOrders(context.Background())
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d open orders, want 2", len(orders))
	}
	if orders[0].OrderID != "2" || orders[0].Status != domain.OrderStatusTriggerPending {
		t.Errorf("first open order = %+v", orders[0])
	}
	if orders[1].OrderID != "4" || orders[1].Side != domain.DirectionSell {
		t.Errorf("second open order = %+v", orders[1])
	}
}

func TestOrderHistoryMapsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/250407000123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"status":"success","data":[
			{"order_id":"250407000123","status":"OPEN","average_price":0},
			{"order_id":"250407000123","status":"COMPLETE","average_price":98.1,"status_message":"filled"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	events, err := c.OrderHistory(context.Background(), "250407000123")
	if err != nil {
		t.Fatalf("OrderHistory: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	last := events[len(events)-1]
	if last.Status != domain.OrderStatusComplete || last.AveragePrice != 98.1 {
		t.Errorf("latest event = %+v", last)
	}
}

func TestModifyAndCancelOrder(t *testing.T) {
	var gotMethod, gotPath, gotTrigger string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		r.ParseForm()
		gotTrigger = r.PostForm.Get("trigger_price")
		fmt.Fprint(w, `{"status":"success","data":{"order_id":"250407000123"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.ModifyOrder(context.Background(), "250407000123", 88.0, 78.0); err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/orders/regular/250407000123" {
		t.Errorf("modify request = %s %s", gotMethod, gotPath)
	}
	if gotTrigger != "78.00" {
		t.Errorf("trigger_price = %q, want 78.00", gotTrigger)
	}

	if err := c.CancelOrder(context.Background(), "250407000123"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/orders/regular/250407000123" {
		t.Errorf("cancel request = %s %s", gotMethod, gotPath)
	}
}

func TestLoadTokenFile(t *testing.T) {
	dir := t.TempDir()
	today := time.Now().In(istOrUTC()).Format("2006-01-02")

	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
		return path
	}

	fresh := write("fresh.json", `{"access_token":"tok99","user_id":"AB1234","date":"`+today+`"}`)
	tok, err := LoadTokenFile(fresh)
	if err != nil {
		t.Fatalf("LoadTokenFile(fresh): %v", err)
	}
	if tok != "tok99" {
		t.Errorf("token = %q, want tok99", tok)
	}

	stale := write("stale.json", `{"access_token":"tok98","date":"2025-01-02"}`)
	if _, err := LoadTokenFile(stale); err == nil {
		t.Error("stale token accepted")
	}

	empty := write("empty.json", `{"date":"`+today+`"}`)
	if _, err := LoadTokenFile(empty); err == nil {
		t.Error("token file without access_token accepted")
	}
}

func istOrUTC() *time.Location {
	if loc, err := time.LoadLocation("Asia/Kolkata"); err == nil {
		return loc
	}
	return time.UTC
}
