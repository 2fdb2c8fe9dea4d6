// Package papertrade is a Go client for the papertrade-server REST API.
package papertrade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"

	"papertrade/internal/api"
	"papertrade/internal/domain"
)

// APIError is a non-2xx response from the server. It matches the domain
// error sentinels with errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("papertrade: %d %s: %s", e.Status, e.Code, e.Message)
}

var codeErrors = map[string]error{
	api.CodeInvalidRequest:       domain.ErrInvalidRequest,
	api.CodeInsufficientFunds:    domain.ErrInsufficientFunds,
	api.CodeInsufficientHoldings: domain.ErrInsufficientHoldings,
	api.CodeMarketClosed:         domain.ErrMarketClosed,
	api.CodeOrderNotPending:      domain.ErrOrderNotPending,
	api.CodeNotFound:             domain.ErrNotFound,
}

// Unwrap returns the domain sentinel for the response code, if any.
func (e *APIError) Unwrap() error { return codeErrors[e.Code] }

// OrderRequest describes an order to place. LimitPrice is required for
// LIMIT orders; StopLossPrice is optional and only valid on BUY.
type OrderRequest = api.PlaceOrderBody

// Client provides a Go SDK for interacting with the papertrade-server API on
// behalf of one user.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a new papertrade API client acting as userID.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*domain.Order, error) {
	var out domain.Order
	if err := c.do(ctx, http.MethodPost, "/api/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Orders retrieves the order history, newest first.
func (c *Client) Orders(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	if err := c.do(ctx, http.MethodGet, "/api/orders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveOrders asks the server to export the order history to its Parquet
// archive.
func (c *Client) ArchiveOrders(ctx context.Context) (*api.ArchiveResult, error) {
	var out api.ArchiveResult
	if err := c.do(ctx, http.MethodPost, "/api/orders/archive", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetStopLoss attaches a stop-loss to the position in symbol, or clears it
// when price is nil.
func (c *Client) SetStopLoss(ctx context.Context, symbol string, price *decimal.Decimal) (*domain.Position, error) {
	var out domain.Position
	path := "/api/positions/" + url.PathEscape(symbol) + "/stop-loss"
	if err := c.do(ctx, http.MethodPut, path, api.StopLossBody{StopLossPrice: price}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Portfolio retrieves cash and valued positions.
func (c *Client) Portfolio(ctx context.Context) (*domain.Portfolio, error) {
	var out domain.Portfolio
	if err := c.do(ctx, http.MethodGet, "/api/portfolio", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetAccount wipes positions and pending orders and restores the starting
// balance.
func (c *Client) ResetAccount(ctx context.Context) (*domain.Account, error) {
	var out domain.Account
	if err := c.do(ctx, http.MethodPost, "/api/account/reset", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Prices retrieves the latest quote for every symbol the server tracks.
func (c *Client) Prices(ctx context.Context) ([]domain.Tick, error) {
	var out []domain.Tick
	if err := c.do(ctx, http.MethodGet, "/api/prices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchSymbols returns the quotes whose symbol contains query, ignoring case.
func (c *Client) SearchSymbols(ctx context.Context, query string) ([]domain.Tick, error) {
	var out []domain.Tick
	if err := c.do(ctx, http.MethodGet, "/api/symbols?q="+url.QueryEscape(query), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarketOpen reports whether the server currently accepts orders.
func (c *Client) MarketOpen(ctx context.Context) (bool, error) {
	var out api.MarketStatus
	if err := c.do(ctx, http.MethodGet, "/api/market", nil, &out); err != nil {
		return false, err
	}
	return out.Open, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// StreamEvents calls fn for each of the user's engine events received over
// the server's WebSocket endpoint. It blocks until ctx is cancelled, the
// server closes the stream or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, fn func(domain.Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": []string{c.userID}},
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.CloseNow()

	for {
		var ev domain.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		if err := fn(ev); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb api.ErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
