package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/engine"
)

// userHeader carries the caller's identity, supplied by whatever sits in
// front of the API.
const userHeader = "X-User-ID"

// Error codes returned in the "code" field of error responses.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInsufficientFunds    = "insufficient_funds"
	CodeInsufficientHoldings = "insufficient_holdings"
	CodeMarketClosed         = "market_closed"
	CodeOrderNotPending      = "order_not_pending"
	CodeNotFound             = "not_found"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal"
)

// PlaceOrderBody is the JSON body of POST /api/orders.
type PlaceOrderBody struct {
	Symbol        string           `json:"symbol"`
	Instrument    string           `json:"instrument,omitempty"`
	Side          string           `json:"side"`
	Quantity      int64            `json:"quantity"`
	Kind          string           `json:"kind"`
	LimitPrice    *decimal.Decimal `json:"limitPrice,omitempty"`
	StopLossPrice *decimal.Decimal `json:"stopLossPrice,omitempty"`
}

// StopLossBody is the JSON body of PUT /api/positions/{symbol}/stop-loss.
// A null or missing price clears the stop.
type StopLossBody struct {
	StopLossPrice *decimal.Decimal `json:"stopLossPrice"`
}

// ErrorBody is returned with every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// MarketStatus is returned by GET /api/market.
type MarketStatus struct {
	Open bool `json:"open"`
}

// ArchiveResult is returned by POST /api/orders/archive.
type ArchiveResult struct {
	Orders int `json:"orders"`
	Files  int `json:"files"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body PlaceOrderBody
	if !decodeBody(w, r, &body) {
		return
	}
	order, err := s.engine.PlaceOrder(r.Context(), engine.PlaceOrderRequest{
		UserID:        user,
		Symbol:        body.Symbol,
		Instrument:    body.Instrument,
		Side:          domain.OrderSide(strings.ToUpper(strings.TrimSpace(body.Side))),
		Quantity:      body.Quantity,
		Kind:          domain.OrderKind(strings.ToUpper(strings.TrimSpace(body.Kind))),
		LimitPrice:    body.LimitPrice,
		StopLossPrice: body.StopLossPrice,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	orders, err := s.engine.GetOrderHistory(r.Context(), user)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleArchiveOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "order archive is not configured")
		return
	}
	orders, err := s.engine.GetOrderHistory(r.Context(), user)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	files, err := s.archive.ExportOrders(r.Context(), orders)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.Info("orders archived", "user", user, "orders", len(orders), "files", files)
	writeJSON(w, http.StatusOK, ArchiveResult{Orders: len(orders), Files: files})
}

func (s *Server) handleSetStopLoss(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body StopLossBody
	if !decodeBody(w, r, &body) {
		return
	}
	pos, err := s.engine.SetStopLoss(r.Context(), user, r.PathValue("symbol"), body.StopLossPrice)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	pf, err := s.engine.GetPortfolio(r.Context(), user)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *Server) handleResetAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	acct, err := s.engine.ResetAccount(r.Context(), user)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	ticks := []domain.Tick{}
	if s.quotes != nil {
		ticks = append(ticks, s.quotes.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, ticks)
}

// handleSearchSymbols lists quoted symbols containing the q parameter,
// ignoring case.
func (s *Server) handleSearchSymbols(w http.ResponseWriter, r *http.Request) {
	q := domain.NormalizeSymbol(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "query parameter q is required")
		return
	}
	matches := []domain.Tick{}
	if s.quotes != nil {
		for _, t := range s.quotes.Snapshot() {
			if strings.Contains(t.Symbol, q) {
				matches = append(matches, t)
			}
		}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleMarket(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MarketStatus{Open: s.gate.IsTradingWindowOpen()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "missing "+userHeader+" header")
		return "", false
	}
	return user, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// errorStatus maps engine errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest, CodeInsufficientFunds
	case errors.Is(err, domain.ErrInsufficientHoldings):
		return http.StatusBadRequest, CodeInsufficientHoldings
	case errors.Is(err, domain.ErrMarketClosed):
		return http.StatusForbidden, CodeMarketClosed
	case errors.Is(err, domain.ErrOrderNotPending):
		return http.StatusConflict, CodeOrderNotPending
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}
