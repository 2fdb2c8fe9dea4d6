package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"papertrade/internal/domain"
	"papertrade/internal/engine"
	"papertrade/internal/feed"
	"papertrade/internal/store"
)

type testGate struct{ open atomic.Bool }

func (g *testGate) IsTradingWindowOpen() bool { return g.open.Load() }

type fixture struct {
	srv    *Server
	http   *httptest.Server
	engine *engine.Engine
	prices *feed.Hub
	gate   *testGate
}

func newFixture(t *testing.T, archive *store.ParquetArchive) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	prices := feed.NewHub()
	prices.Publish("TCS", decimal.NewFromInt(100), time.Now())
	prices.Publish("INFY", decimal.NewFromInt(50), time.Now())

	g := &testGate{}
	g.open.Store(true)
	e := engine.NewEngine(store.NewMemoryStore(), prices, engine.Options{
		StartingBalance: decimal.NewFromInt(10000),
		Gate:            g,
		Logger:          log,
	})
	srv := NewServer(e, prices, g, Options{Archive: archive, Logger: log})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, engine: e, prices: prices, gate: g}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestPlaceOrderAndPortfolio(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/orders", "alice", PlaceOrderBody{
		Symbol: "tcs", Side: "buy", Quantity: 10, Kind: "market", StopLossPrice: dec("90"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[domain.Order](t, resp)
	assert.Equal(t, "TCS", order.Symbol)
	assert.Equal(t, domain.OrderStatusExecuted, order.Status)
	assert.True(t, order.ExecutionPrice.Equal(decimal.NewFromInt(100)))

	resp = f.do(t, http.MethodGet, "/api/portfolio", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pf := decode[domain.Portfolio](t, resp)
	assert.True(t, pf.CashBalance.Equal(decimal.NewFromInt(9000)), "cash %s", pf.CashBalance)
	require.Len(t, pf.Positions, 1)
	assert.Equal(t, int64(10), pf.Positions[0].Quantity)
	require.NotNil(t, pf.Positions[0].StopLossPrice)
	assert.True(t, pf.Positions[0].StopLossPrice.Equal(decimal.NewFromInt(90)))

	resp = f.do(t, http.MethodGet, "/api/orders", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]domain.Order](t, resp)
	require.Len(t, history, 1)
	assert.Equal(t, order.ID, history[0].ID)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   string
	}{
		{"missing user", http.MethodGet, "/api/portfolio", "", nil, http.StatusBadRequest, CodeInvalidRequest},
		{"bad body", http.MethodPost, "/api/orders", "alice", map[string]any{"qty": "ten"}, http.StatusBadRequest, CodeInvalidRequest},
		{"invalid quantity", http.MethodPost, "/api/orders", "alice",
			PlaceOrderBody{Symbol: "TCS", Side: "BUY", Kind: "MARKET"}, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown symbol", http.MethodPost, "/api/orders", "alice",
			PlaceOrderBody{Symbol: "NOPE", Side: "BUY", Quantity: 1, Kind: "MARKET"}, http.StatusBadRequest, CodeInvalidRequest},
		{"insufficient funds", http.MethodPost, "/api/orders", "alice",
			PlaceOrderBody{Symbol: "TCS", Side: "BUY", Quantity: 1000, Kind: "MARKET"}, http.StatusBadRequest, CodeInsufficientFunds},
		{"insufficient holdings", http.MethodPost, "/api/orders", "alice",
			PlaceOrderBody{Symbol: "TCS", Side: "SELL", Quantity: 1, Kind: "MARKET"}, http.StatusBadRequest, CodeInsufficientHoldings},
		{"no position for stop", http.MethodPut, "/api/positions/TCS/stop-loss", "alice",
			StopLossBody{StopLossPrice: dec("90")}, http.StatusNotFound, CodeNotFound},
		{"archive disabled", http.MethodPost, "/api/orders/archive", "alice", nil, http.StatusServiceUnavailable, CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[ErrorBody](t, resp)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestMarketClosed(t *testing.T) {
	f := newFixture(t, nil)
	f.gate.open.Store(false)

	resp := f.do(t, http.MethodGet, "/api/market", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[MarketStatus](t, resp).Open)

	resp = f.do(t, http.MethodPost, "/api/orders", "alice", PlaceOrderBody{
		Symbol: "TCS", Side: "BUY", Quantity: 1, Kind: "MARKET",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeMarketClosed, decode[ErrorBody](t, resp).Code)
}

func TestStopLossAndReset(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/api/orders", "bob", PlaceOrderBody{
		Symbol: "INFY", Side: "BUY", Quantity: 4, Kind: "MARKET",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/positions/infy/stop-loss", "bob", StopLossBody{StopLossPrice: dec("45.5")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pos := decode[domain.Position](t, resp)
	require.NotNil(t, pos.StopLossPrice)
	assert.True(t, pos.StopLossPrice.Equal(decimal.RequireFromString("45.5")))

	resp = f.do(t, http.MethodPut, "/api/positions/INFY/stop-loss", "bob", StopLossBody{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, decode[domain.Position](t, resp).StopLossPrice)

	resp = f.do(t, http.MethodPost, "/api/account/reset", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acct := decode[domain.Account](t, resp)
	assert.True(t, acct.CashBalance.Equal(decimal.NewFromInt(10000)))

	resp = f.do(t, http.MethodGet, "/api/portfolio", "bob", nil)
	assert.Empty(t, decode[domain.Portfolio](t, resp).Positions)
}

func TestPricesAndHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/prices", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticks := decode[[]domain.Tick](t, resp)
	require.Len(t, ticks, 2)
	assert.Equal(t, "INFY", ticks[0].Symbol)
	assert.Equal(t, "TCS", ticks[1].Symbol)

	resp = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodOptions, "/api/orders", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), userHeader)
}

func TestSearchSymbols(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/symbols?q=inf", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticks := decode[[]domain.Tick](t, resp)
	require.Len(t, ticks, 1)
	assert.Equal(t, "INFY", ticks[0].Symbol)

	resp = f.do(t, http.MethodGet, "/api/symbols?q=zzz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]domain.Tick](t, resp))

	resp = f.do(t, http.MethodGet, "/api/symbols?q=%20", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, decode[ErrorBody](t, resp).Code)
}

func TestArchiveOrders(t *testing.T) {
	dir := t.TempDir()
	archive := store.NewParquetArchive(dir)
	f := newFixture(t, archive)

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodPost, "/api/orders", "carol", PlaceOrderBody{
			Symbol: "TCS", Side: "BUY", Quantity: 1, Kind: "MARKET",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := f.do(t, http.MethodPost, "/api/orders/archive", "carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[ArchiveResult](t, resp)
	assert.Equal(t, 2, res.Orders)
	assert.Equal(t, 1, res.Files)

	now := time.Now().UTC()
	orders, err := archive.ReadOrders(context.Background(), "carol", now.Add(-48*time.Hour), now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestEventStreamSSE(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set(userHeader, "dave")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line, "subscription is registered before this line is sent")

	// Another user's event is filtered out.
	f.do(t, http.MethodPost, "/api/orders", "eve", PlaceOrderBody{Symbol: "TCS", Side: "BUY", Quantity: 1, Kind: "MARKET"})
	f.do(t, http.MethodPost, "/api/orders", "dave", PlaceOrderBody{
		Symbol: "TCS", Side: "BUY", Quantity: 2, Kind: "LIMIT", LimitPrice: dec("95"),
	})

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, string(domain.EventOrderPlaced), event)
	var ev domain.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "dave", ev.UserID)
	require.NotNil(t, ev.Order)
	assert.Equal(t, domain.OrderStatusPending, ev.Order.Status)
}

// dialGRPC serves f's gRPC services over an in-memory listener.
func dialGRPC(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	f.srv.RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStreamGRPCRequiresUser(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialGRPC(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, user := range []string{"", "   "} {
		err := NewEventClient(conn).Stream(ctx, user, func(domain.Event) error {
			t.Errorf("unexpected event for user %q", user)
			return nil
		})
		require.Error(t, err)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "user %q: %v", user, err)
	}
}

func TestEventStreamGRPC(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialGRPC(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan domain.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- NewEventClient(conn).Stream(ctx, "frank", func(ev domain.Event) error {
			got <- ev
			return io.EOF // stop after the first event
		})
	}()

	// The subscription is asynchronous; keep producing until one arrives.
	var ev domain.Event
	require.Eventually(t, func() bool {
		if _, err := f.engine.ResetAccount(context.Background(), "frank"); err != nil {
			return false
		}
		select {
		case ev = <-got:
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, domain.EventAccountReset, ev.Type)
	assert.Equal(t, "frank", ev.UserID)
	assert.ErrorIs(t, <-done, io.EOF)
}

func TestEventStreamWebSocket(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/ws?user=gina"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	f.do(t, http.MethodPost, "/api/orders", "eve", PlaceOrderBody{Symbol: "INFY", Side: "BUY", Quantity: 1, Kind: "MARKET"})
	f.do(t, http.MethodPost, "/api/orders", "gina", PlaceOrderBody{Symbol: "INFY", Side: "BUY", Quantity: 3, Kind: "MARKET"})

	var ev domain.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, domain.EventOrderExecuted, ev.Type)
	assert.Equal(t, "gina", ev.UserID)
	require.NotNil(t, ev.Order)
	assert.Equal(t, int64(3), ev.Order.Quantity)
	require.NotNil(t, ev.Price)
	assert.True(t, ev.Price.Equal(decimal.NewFromInt(50)))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	resp := f.do(t, http.MethodGet, "/api/ws", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
