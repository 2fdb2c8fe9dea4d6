package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Ledger = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id      TEXT PRIMARY KEY,
	cash_balance TEXT    NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id             TEXT    NOT NULL,
	symbol              TEXT    NOT NULL,
	instrument          TEXT    NOT NULL,
	quantity            INTEGER NOT NULL CHECK (quantity > 0),
	average_entry_price TEXT    NOT NULL,
	buy_cost            TEXT    NOT NULL DEFAULT '0',
	buy_quantity        INTEGER NOT NULL DEFAULT 0,
	stop_loss_price     TEXT,
	updated_at          INTEGER NOT NULL,
	PRIMARY KEY (user_id, symbol)
);
CREATE INDEX IF NOT EXISTS idx_positions_stop ON positions (symbol) WHERE stop_loss_price IS NOT NULL;

CREATE TABLE IF NOT EXISTS orders (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT    NOT NULL UNIQUE,
	user_id         TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	instrument      TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	quantity        INTEGER NOT NULL,
	kind            TEXT    NOT NULL,
	limit_price     TEXT,
	status          TEXT    NOT NULL,
	execution_price TEXT,
	stop_loss_price TEXT,
	trigger_source  TEXT    NOT NULL,
	cancel_reason   TEXT    NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	executed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, seq);
CREATE INDEX IF NOT EXISTS idx_orders_pending ON orders (symbol, status);
`

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Ledger backed by a SQLite database.
type SQLiteStore struct {
	sqliteOps
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}
	// _txlock=immediate takes the write lock at BEGIN so read-then-write
	// transactions cannot fail to upgrade.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return &SQLiteStore{sqliteOps: sqliteOps{q: db}, db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunInTx executes fn inside a database transaction.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqliteOps{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sqliteOps implements Tx on top of either the database or a transaction.
type sqliteOps struct {
	q sqlQuerier
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

func (o sqliteOps) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	var (
		acct             domain.Account
		created, updated int64
	)
	err := o.q.QueryRowContext(ctx,
		`SELECT user_id, cash_balance, created_at, updated_at FROM accounts WHERE user_id = ?`, userID,
	).Scan(&acct.UserID, &acct.CashBalance, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	acct.CreatedAt = time.Unix(0, created).UTC()
	acct.UpdatedAt = time.Unix(0, updated).UTC()
	return &acct, nil
}

func (o sqliteOps) SaveAccount(ctx context.Context, acct *domain.Account) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO accounts (user_id, cash_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			cash_balance = excluded.cash_balance,
			updated_at   = excluded.updated_at`,
		acct.UserID, acct.CashBalance, acct.CreatedAt.UnixNano(), acct.UpdatedAt.UnixNano())
	return err
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

const positionColumns = `user_id, symbol, instrument, quantity, average_entry_price, buy_cost, buy_quantity, stop_loss_price, updated_at`

func scanSQLitePosition(sc interface{ Scan(...any) error }) (domain.Position, error) {
	var (
		pos     domain.Position
		inst    string
		stop    decimal.NullDecimal
		updated int64
	)
	if err := sc.Scan(&pos.UserID, &pos.Symbol, &inst, &pos.Quantity, &pos.AverageEntryPrice,
		&pos.BuyCost, &pos.BuyQuantity, &stop, &updated); err != nil {
		return pos, err
	}
	pos.Instrument = domain.Instrument(inst)
	pos.StopLossPrice = decimalPtr(stop)
	pos.UpdatedAt = time.Unix(0, updated).UTC()
	return pos, nil
}

func (o sqliteOps) GetPosition(ctx context.Context, userID, symbol string) (*domain.Position, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	pos, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (o sqliteOps) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		pos, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (o sqliteOps) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	return o.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY symbol`, userID)
}

func (o sqliteOps) ListStopLossPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return o.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE symbol = ? AND stop_loss_price IS NOT NULL ORDER BY user_id`, symbol)
}

func (o sqliteOps) SavePosition(ctx context.Context, pos *domain.Position) error {
	if pos.Quantity <= 0 {
		return fmt.Errorf("position %s/%s quantity %d: %w", pos.UserID, pos.Symbol, pos.Quantity, domain.ErrInvalidRequest)
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			instrument          = excluded.instrument,
			quantity            = excluded.quantity,
			average_entry_price = excluded.average_entry_price,
			buy_cost            = excluded.buy_cost,
			buy_quantity        = excluded.buy_quantity,
			stop_loss_price     = excluded.stop_loss_price,
			updated_at          = excluded.updated_at`,
		pos.UserID, pos.Symbol, string(pos.Instrument), pos.Quantity, pos.AverageEntryPrice,
		pos.BuyCost, pos.BuyQuantity, nullDecimal(pos.StopLossPrice), pos.UpdatedAt.UnixNano())
	return err
}

func (o sqliteOps) DeletePosition(ctx context.Context, userID, symbol string) error {
	_, err := o.q.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	return err
}

func (o sqliteOps) DeletePositions(ctx context.Context, userID string) error {
	_, err := o.q.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, userID)
	return err
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, user_id, symbol, instrument, side, quantity, kind, limit_price, status,
	execution_price, stop_loss_price, trigger_source, cancel_reason, created_at, executed_at`

func scanSQLiteOrder(sc interface{ Scan(...any) error }) (domain.Order, error) {
	var (
		o                              domain.Order
		inst, side, kind, status, trig string
		limit, exec, stop              decimal.NullDecimal
		created                        int64
		executed                       sql.NullInt64
	)
	err := sc.Scan(&o.ID, &o.UserID, &o.Symbol, &inst, &side, &o.Quantity, &kind, &limit, &status,
		&exec, &stop, &trig, &o.CancelReason, &created, &executed)
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
	o.CreatedAt = time.Unix(0, created).UTC()
	if executed.Valid {
		t := time.Unix(0, executed.Int64).UTC()
		o.ExecutedAt = &t
	}
	return o, nil
}

func nullUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (o sqliteOps) SaveOrder(ctx context.Context, order *domain.Order) error {
	_, err := o.q.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.Symbol, string(order.Instrument), string(order.Side), order.Quantity,
		string(order.Kind), nullDecimal(order.LimitPrice), string(order.Status), nullDecimal(order.ExecutionPrice),
		nullDecimal(order.StopLossPrice), string(order.Trigger), order.CancelReason,
		order.CreatedAt.UnixNano(), nullUnixNano(order.ExecutedAt))
	return err
}

func (o sqliteOps) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanSQLiteOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (o sqliteOps) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (o sqliteOps) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return o.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY seq DESC`, userID)
}

func (o sqliteOps) ListPendingOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	return o.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE symbol = ? AND status = ? ORDER BY seq`,
		symbol, string(domain.OrderStatusPending))
}

func (o sqliteOps) UpdateOrderStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus) error {
	if !from.CanTransition(order.Status) {
		return fmt.Errorf("order %s %s -> %s: %w", order.ID, from, order.Status, domain.ErrOrderNotPending)
	}
	res, err := o.q.ExecContext(ctx, `
		UPDATE orders SET status = ?, execution_price = ?, executed_at = ?, cancel_reason = ?
		WHERE id = ? AND status = ?`,
		string(order.Status), nullDecimal(order.ExecutionPrice), nullUnixNano(order.ExecutedAt),
		order.CancelReason, order.ID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := o.GetOrder(ctx, order.ID); err != nil {
		return err
	}
	return fmt.Errorf("order %s: %w", order.ID, domain.ErrOrderNotPending)
}

func (o sqliteOps) DeletePendingOrders(ctx context.Context, userID string) (int, error) {
	res, err := o.q.ExecContext(ctx, `DELETE FROM orders WHERE user_id = ? AND status = ?`,
		userID, string(domain.OrderStatusPending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
