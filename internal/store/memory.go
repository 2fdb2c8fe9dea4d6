package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"papertrade/internal/domain"
)

// Compile-time interface check.
var _ Ledger = (*MemoryStore)(nil)

type positionKey struct {
	userID string
	symbol string
}

type orderEntry struct {
	seq   int64
	order domain.Order
}

// MemoryStore is a Ledger kept entirely in process memory. Transactions are
// serialized by a single mutex and rolled back with an undo log.
type MemoryStore struct {
	mu sync.Mutex

	accounts  map[string]domain.Account
	positions map[positionKey]domain.Position
	orders    map[string]*orderEntry
	seq       int64

	// Symbol indexes for the trigger monitor.
	pendingBySymbol map[string]map[string]struct{}
	stopsBySymbol   map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[string]domain.Account),
		positions:       make(map[positionKey]domain.Position),
		orders:          make(map[string]*orderEntry),
		pendingBySymbol: make(map[string]map[string]struct{}),
		stopsBySymbol:   make(map[string]map[string]struct{}),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// RunInTx runs fn while holding the store lock. Writes made by fn are undone
// in reverse order if fn fails.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// Non-transactional access runs each call as its own transaction.

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (acct *domain.Account, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		acct, err = tx.GetAccount(ctx, userID)
		return err
	})
	return acct, err
}

func (s *MemoryStore) SaveAccount(ctx context.Context, acct *domain.Account) error {
	return s.RunInTx(ctx, func(tx Tx) error { return tx.SaveAccount(ctx, acct) })
}

func (s *MemoryStore) GetPosition(ctx context.Context, userID, symbol string) (pos *domain.Position, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		pos, err = tx.GetPosition(ctx, userID, symbol)
		return err
	})
	return pos, err
}

func (s *MemoryStore) ListPositions(ctx context.Context, userID string) (out []domain.Position, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		out, err = tx.ListPositions(ctx, userID)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListStopLossPositions(ctx context.Context, symbol string) (out []domain.Position, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		out, err = tx.ListStopLossPositions(ctx, symbol)
		return err
	})
	return out, err
}

func (s *MemoryStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	return s.RunInTx(ctx, func(tx Tx) error { return tx.SavePosition(ctx, pos) })
}

func (s *MemoryStore) DeletePosition(ctx context.Context, userID, symbol string) error {
	return s.RunInTx(ctx, func(tx Tx) error { return tx.DeletePosition(ctx, userID, symbol) })
}

func (s *MemoryStore) DeletePositions(ctx context.Context, userID string) error {
	return s.RunInTx(ctx, func(tx Tx) error { return tx.DeletePositions(ctx, userID) })
}

func (s *MemoryStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	return s.RunInTx(ctx, func(tx Tx) error { return tx.SaveOrder(ctx, order) })
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (o *domain.Order, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		o, err = tx.GetOrder(ctx, id)
		return err
	})
	return o, err
}

func (s *MemoryStore) ListOrders(ctx context.Context, userID string) (out []domain.Order, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		out, err = tx.ListOrders(ctx, userID)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListPendingOrders(ctx context.Context, symbol string) (out []domain.Order, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		out, err = tx.ListPendingOrders(ctx, symbol)
		return err
	})
	return out, err
}

func (s *MemoryStore) UpdateOrderStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus) error {
	return s.RunInTx(ctx, func(tx Tx) error { return tx.UpdateOrderStatus(ctx, order, from) })
}

func (s *MemoryStore) DeletePendingOrders(ctx context.Context, userID string) (n int, err error) {
	err = s.RunInTx(ctx, func(tx Tx) error {
		n, err = tx.DeletePendingOrders(ctx, userID)
		return err
	})
	return n, err
}

// ---------------------------------------------------------------------------
// Index maintenance. Must be called with mu held.
// ---------------------------------------------------------------------------

func (s *MemoryStore) putPosition(p domain.Position) {
	key := positionKey{p.UserID, p.Symbol}
	s.positions[key] = p
	if p.HasStopLoss() {
		addIndex(s.stopsBySymbol, p.Symbol, p.UserID)
	} else {
		removeIndex(s.stopsBySymbol, p.Symbol, p.UserID)
	}
}

func (s *MemoryStore) removePosition(userID, symbol string) {
	delete(s.positions, positionKey{userID, symbol})
	removeIndex(s.stopsBySymbol, symbol, userID)
}

func (s *MemoryStore) putOrder(e *orderEntry) {
	s.orders[e.order.ID] = e
	if e.order.Status == domain.OrderStatusPending {
		addIndex(s.pendingBySymbol, e.order.Symbol, e.order.ID)
	} else {
		removeIndex(s.pendingBySymbol, e.order.Symbol, e.order.ID)
	}
}

func (s *MemoryStore) removeOrder(id string) {
	e, ok := s.orders[id]
	if !ok {
		return
	}
	delete(s.orders, id)
	removeIndex(s.pendingBySymbol, e.order.Symbol, id)
}

func addIndex(idx map[string]map[string]struct{}, symbol, key string) {
	set, ok := idx[symbol]
	if !ok {
		set = make(map[string]struct{})
		idx[symbol] = set
	}
	set[key] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, symbol, key string) {
	set, ok := idx[symbol]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx, symbol)
	}
}

// ---------------------------------------------------------------------------
// memTx
// ---------------------------------------------------------------------------

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memTx) GetAccount(_ context.Context, userID string) (*domain.Account, error) {
	acct, ok := tx.s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, domain.ErrNotFound)
	}
	return &acct, nil
}

func (tx *memTx) SaveAccount(_ context.Context, acct *domain.Account) error {
	prev, existed := tx.s.accounts[acct.UserID]
	tx.s.accounts[acct.UserID] = *acct
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.accounts[acct.UserID] = prev
		} else {
			delete(tx.s.accounts, acct.UserID)
		}
	})
	return nil
}

func (tx *memTx) GetPosition(_ context.Context, userID, symbol string) (*domain.Position, error) {
	pos, ok := tx.s.positions[positionKey{userID, symbol}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, domain.ErrNotFound)
	}
	cp := copyPosition(pos)
	return &cp, nil
}

func (tx *memTx) ListPositions(_ context.Context, userID string) ([]domain.Position, error) {
	var out []domain.Position
	for key, pos := range tx.s.positions {
		if key.userID == userID {
			out = append(out, copyPosition(pos))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (tx *memTx) ListStopLossPositions(_ context.Context, symbol string) ([]domain.Position, error) {
	var out []domain.Position
	for userID := range tx.s.stopsBySymbol[symbol] {
		if pos, ok := tx.s.positions[positionKey{userID, symbol}]; ok {
			out = append(out, copyPosition(pos))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (tx *memTx) SavePosition(_ context.Context, pos *domain.Position) error {
	if pos.Quantity <= 0 {
		return fmt.Errorf("position %s/%s quantity %d: %w", pos.UserID, pos.Symbol, pos.Quantity, domain.ErrInvalidRequest)
	}
	tx.recordPosition(pos.UserID, pos.Symbol)
	tx.s.putPosition(copyPosition(*pos))
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, userID, symbol string) error {
	tx.recordPosition(userID, symbol)
	tx.s.removePosition(userID, symbol)
	return nil
}

func (tx *memTx) DeletePositions(ctx context.Context, userID string) error {
	for key := range tx.s.positions {
		if key.userID == userID {
			_ = tx.DeletePosition(ctx, key.userID, key.symbol)
		}
	}
	return nil
}

// recordPosition stores an undo step that restores the current state of
// (userID, symbol).
func (tx *memTx) recordPosition(userID, symbol string) {
	prev, existed := tx.s.positions[positionKey{userID, symbol}]
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.putPosition(prev)
		} else {
			tx.s.removePosition(userID, symbol)
		}
	})
}

func (tx *memTx) SaveOrder(_ context.Context, order *domain.Order) error {
	if _, exists := tx.s.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists: %w", order.ID, domain.ErrInvalidRequest)
	}
	tx.s.seq++
	e := &orderEntry{seq: tx.s.seq, order: copyOrder(*order)}
	tx.s.putOrder(e)
	tx.undo = append(tx.undo, func() { tx.s.removeOrder(order.ID) })
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	e, ok := tx.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	o := copyOrder(e.order)
	return &o, nil
}

func (tx *memTx) ListOrders(_ context.Context, userID string) ([]domain.Order, error) {
	var entries []*orderEntry
	for _, e := range tx.s.orders {
		if e.order.UserID == userID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	out := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyOrder(e.order))
	}
	return out, nil
}

func (tx *memTx) ListPendingOrders(_ context.Context, symbol string) ([]domain.Order, error) {
	var entries []*orderEntry
	for id := range tx.s.pendingBySymbol[symbol] {
		if e, ok := tx.s.orders[id]; ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyOrder(e.order))
	}
	return out, nil
}

func (tx *memTx) UpdateOrderStatus(_ context.Context, order *domain.Order, from domain.OrderStatus) error {
	e, ok := tx.s.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrNotFound)
	}
	if e.order.Status != from || !from.CanTransition(order.Status) {
		return fmt.Errorf("order %s is %s: %w", order.ID, e.order.Status, domain.ErrOrderNotPending)
	}
	prev := *e
	updated := *e
	updated.order.Status = order.Status
	updated.order.ExecutionPrice = copyDecimal(order.ExecutionPrice)
	updated.order.ExecutedAt = copyTime(order.ExecutedAt)
	updated.order.CancelReason = order.CancelReason
	tx.s.putOrder(&updated)
	tx.undo = append(tx.undo, func() { tx.s.putOrder(&prev) })
	return nil
}

func (tx *memTx) DeletePendingOrders(_ context.Context, userID string) (int, error) {
	n := 0
	for id, e := range tx.s.orders {
		if e.order.UserID != userID || e.order.Status.Terminal() {
			continue
		}
		prev := e
		tx.s.removeOrder(id)
		tx.undo = append(tx.undo, func() { tx.s.putOrder(prev) })
		n++
	}
	return n, nil
}
