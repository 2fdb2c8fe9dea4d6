// Package store defines the ledger storage interfaces for accounts,
// positions and the order log, and provides in-memory, SQLite and Postgres
// implementations plus a Parquet archive for exported order history.
package store

import (
	"context"

	"papertrade/internal/domain"
)

// AccountStore persists per-user cash balances.
type AccountStore interface {
	// GetAccount returns the account for userID or domain.ErrNotFound.
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)

	// SaveAccount inserts or replaces an account.
	SaveAccount(ctx context.Context, acct *domain.Account) error
}

// PositionStore persists per-(user, symbol) holdings.
type PositionStore interface {
	// GetPosition returns the position or domain.ErrNotFound.
	GetPosition(ctx context.Context, userID, symbol string) (*domain.Position, error)

	// ListPositions returns a user's positions ordered by symbol.
	ListPositions(ctx context.Context, userID string) ([]domain.Position, error)

	// ListStopLossPositions returns every position on symbol that carries a
	// stop-loss, across all users.
	ListStopLossPositions(ctx context.Context, symbol string) ([]domain.Position, error)

	// SavePosition inserts or replaces a position. Quantity must be > 0.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// DeletePosition removes one position. Missing rows are not an error.
	DeletePosition(ctx context.Context, userID, symbol string) error

	// DeletePositions removes all of a user's positions.
	DeletePositions(ctx context.Context, userID string) error
}

// OrderStore persists the append-only order log.
type OrderStore interface {
	// SaveOrder appends a new order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder returns a single order or domain.ErrNotFound.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns a user's orders, newest first.
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)

	// ListPendingOrders returns PENDING orders on symbol across all users,
	// oldest first.
	ListPendingOrders(ctx context.Context, symbol string) ([]domain.Order, error)

	// UpdateOrderStatus writes order's status, execution price, execution
	// time and cancel reason, but only if the stored status is still from.
	// Otherwise it returns domain.ErrOrderNotPending and changes nothing.
	UpdateOrderStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus) error

	// DeletePendingOrders removes a user's non-terminal orders and reports
	// how many were removed.
	DeletePendingOrders(ctx context.Context, userID string) (int, error)
}

// Tx is the set of operations available inside a ledger transaction.
type Tx interface {
	AccountStore
	PositionStore
	OrderStore
}

// Ledger is the durable state behind the order engine. Every engine
// mutation runs inside a single RunInTx call so that balance, position and
// order status change together or not at all.
type Ledger interface {
	Tx

	// RunInTx executes fn in a transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases underlying resources.
	Close() error
}
