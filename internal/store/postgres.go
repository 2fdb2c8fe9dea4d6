package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// Compile-time interface check.
var _ Ledger = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id      TEXT PRIMARY KEY,
	cash_balance NUMERIC     NOT NULL CHECK (cash_balance >= 0),
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id             TEXT        NOT NULL,
	symbol              TEXT        NOT NULL,
	instrument          TEXT        NOT NULL,
	quantity            BIGINT      NOT NULL CHECK (quantity > 0),
	average_entry_price NUMERIC     NOT NULL,
	buy_cost            NUMERIC     NOT NULL DEFAULT 0,
	buy_quantity        BIGINT      NOT NULL DEFAULT 0,
	stop_loss_price     NUMERIC,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, symbol)
);
CREATE INDEX IF NOT EXISTS idx_positions_stop ON positions (symbol) WHERE stop_loss_price IS NOT NULL;

CREATE TABLE IF NOT EXISTS orders (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT        NOT NULL UNIQUE,
	user_id         TEXT        NOT NULL,
	symbol          TEXT        NOT NULL,
	instrument      TEXT        NOT NULL,
	side            TEXT        NOT NULL,
	quantity        BIGINT      NOT NULL,
	kind            TEXT        NOT NULL,
	limit_price     NUMERIC,
	status          TEXT        NOT NULL,
	execution_price NUMERIC,
	stop_loss_price NUMERIC,
	trigger_source  TEXT        NOT NULL,
	cancel_reason   TEXT        NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	executed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, seq);
CREATE INDEX IF NOT EXISTS idx_orders_pending ON orders (symbol, seq) WHERE status = 'PENDING';
`

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Ledger backed by PostgreSQL through a pgx pool.
type PostgresStore struct {
	pgOps
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dbURL, registers the decimal codec on every
// connection, verifies connectivity and applies the schema.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying postgres schema: %w", err)
	}
	return &PostgresStore{pgOps: pgOps{q: pool}, pool: pool}, nil
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RunInTx executes fn inside a transaction. Account reads made through the
// transaction take a row lock that is held until commit.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgOps{q: tx, inTx: true})
	})
}

type pgOps struct {
	q    pgQuerier
	inTx bool
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

func (o pgOps) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	query := `SELECT user_id, cash_balance, created_at, updated_at FROM accounts WHERE user_id = $1`
	if o.inTx {
		query += ` FOR UPDATE`
	}
	var acct domain.Account
	err := o.q.QueryRow(ctx, query, userID).Scan(&acct.UserID, &acct.CashBalance, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

func (o pgOps) SaveAccount(ctx context.Context, acct *domain.Account) error {
	_, err := o.q.Exec(ctx, `
		INSERT INTO accounts (user_id, cash_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			cash_balance = EXCLUDED.cash_balance,
			updated_at   = EXCLUDED.updated_at`,
		acct.UserID, acct.CashBalance, acct.CreatedAt, acct.UpdatedAt)
	return err
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

func scanPgPosition(row pgx.Row) (domain.Position, error) {
	var (
		pos  domain.Position
		inst string
		stop decimal.NullDecimal
	)
	if err := row.Scan(&pos.UserID, &pos.Symbol, &inst, &pos.Quantity, &pos.AverageEntryPrice,
		&pos.BuyCost, &pos.BuyQuantity, &stop, &pos.UpdatedAt); err != nil {
		return pos, err
	}
	pos.Instrument = domain.Instrument(inst)
	pos.StopLossPrice = decimalPtr(stop)
	pos.UpdatedAt = pos.UpdatedAt.UTC()
	return pos, nil
}

func (o pgOps) GetPosition(ctx context.Context, userID, symbol string) (*domain.Position, error) {
	row := o.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	pos, err := scanPgPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (o pgOps) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := o.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		pos, err := scanPgPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (o pgOps) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	return o.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
}

func (o pgOps) ListStopLossPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return o.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE symbol = $1 AND stop_loss_price IS NOT NULL ORDER BY user_id`, symbol)
}

func (o pgOps) SavePosition(ctx context.Context, pos *domain.Position) error {
	if pos.Quantity <= 0 {
		return fmt.Errorf("position %s/%s quantity %d: %w", pos.UserID, pos.Symbol, pos.Quantity, domain.ErrInvalidRequest)
	}
	_, err := o.q.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			instrument          = EXCLUDED.instrument,
			quantity            = EXCLUDED.quantity,
			average_entry_price = EXCLUDED.average_entry_price,
			buy_cost            = EXCLUDED.buy_cost,
			buy_quantity        = EXCLUDED.buy_quantity,
			stop_loss_price     = EXCLUDED.stop_loss_price,
			updated_at          = EXCLUDED.updated_at`,
		pos.UserID, pos.Symbol, string(pos.Instrument), pos.Quantity, pos.AverageEntryPrice,
		pos.BuyCost, pos.BuyQuantity, nullDecimal(pos.StopLossPrice), pos.UpdatedAt)
	return err
}

func (o pgOps) DeletePosition(ctx context.Context, userID, symbol string) error {
	_, err := o.q.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	return err
}

func (o pgOps) DeletePositions(ctx context.Context, userID string) error {
	_, err := o.q.Exec(ctx, `DELETE FROM positions WHERE user_id = $1`, userID)
	return err
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

func scanPgOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                              domain.Order
		inst, side, kind, status, trig string
		limit, exec, stop              decimal.NullDecimal
		executed                       *time.Time
	)
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &inst, &side, &o.Quantity, &kind, &limit, &status,
		&exec, &stop, &trig, &o.CancelReason, &o.CreatedAt, &executed)
	if err != nil {
		return o, err
	}
	o.Instrument = domain.Instrument(inst)
	o.Side = domain.OrderSide(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.Trigger = domain.TriggerSource(trig)
	o.LimitPrice = decimalPtr(limit)
	o.ExecutionPrice = decimalPtr(exec)
	o.StopLossPrice = decimalPtr(stop)
	o.CreatedAt = o.CreatedAt.UTC()
	if executed != nil {
		t := executed.UTC()
		o.ExecutedAt = &t
	}
	return o, nil
}

func (o pgOps) SaveOrder(ctx context.Context, order *domain.Order) error {
	_, err := o.q.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		order.ID, order.UserID, order.Symbol, string(order.Instrument), string(order.Side), order.Quantity,
		string(order.Kind), nullDecimal(order.LimitPrice), string(order.Status), nullDecimal(order.ExecutionPrice),
		nullDecimal(order.StopLossPrice), string(order.Trigger), order.CancelReason,
		order.CreatedAt, order.ExecutedAt)
	return err
}

func (o pgOps) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := o.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanPgOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (o pgOps) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := o.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanPgOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (o pgOps) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return o.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY seq DESC`, userID)
}

func (o pgOps) ListPendingOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	return o.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE symbol = $1 AND status = $2 ORDER BY seq`,
		symbol, string(domain.OrderStatusPending))
}

func (o pgOps) UpdateOrderStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus) error {
	if !from.CanTransition(order.Status) {
		return fmt.Errorf("order %s %s -> %s: %w", order.ID, from, order.Status, domain.ErrOrderNotPending)
	}
	tag, err := o.q.Exec(ctx, `
		UPDATE orders SET status = $1, execution_price = $2, executed_at = $3, cancel_reason = $4
		WHERE id = $5 AND status = $6`,
		string(order.Status), nullDecimal(order.ExecutionPrice), order.ExecutedAt,
		order.CancelReason, order.ID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := o.GetOrder(ctx, order.ID); err != nil {
		return err
	}
	return fmt.Errorf("order %s: %w", order.ID, domain.ErrOrderNotPending)
}

func (o pgOps) DeletePendingOrders(ctx context.Context, userID string) (int, error) {
	tag, err := o.q.Exec(ctx, `DELETE FROM orders WHERE user_id = $1 AND status = $2`,
		userID, string(domain.OrderStatusPending))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
