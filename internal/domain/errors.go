package domain

import "errors"

// Engine error taxonomy. Callers match with errors.Is; the engine wraps these
// with context via fmt.Errorf("...: %w").
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrMarketClosed         = errors.New("market closed")
	ErrOrderNotPending      = errors.New("order not pending")
	ErrNotFound             = errors.New("not found")
)
