package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// ledgerFactories returns a constructor per backend available in this
// environment. Postgres runs only when PAPERTRADE_TEST_POSTGRES_URL is set.
func ledgerFactories(t *testing.T) map[string]func(t *testing.T) Ledger {
	t.Helper()
	f := map[string]func(t *testing.T) Ledger{
		"memory": func(t *testing.T) Ledger { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Ledger {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
	}
	if url := os.Getenv("PAPERTRADE_TEST_POSTGRES_URL"); url != "" {
		f["postgres"] = func(t *testing.T) Ledger {
			s, err := NewPostgresStore(context.Background(), url)
			if err != nil {
				t.Fatalf("NewPostgresStore: %v", err)
			}
			return s
		}
	}
	return f
}

// eachLedger runs fn as a subtest against every available backend.
func eachLedger(t *testing.T, fn func(t *testing.T, l Ledger, user string)) {
	for name, newLedger := range ledgerFactories(t) {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t)
			t.Cleanup(func() { l.Close() })
			// Unique user ids keep a shared Postgres database isolated.
			fn(t, l, "u-"+uuid.NewString())
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

var testNow = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func newOrder(user, symbol string, side domain.OrderSide, kind domain.OrderKind, qty int64, limit *decimal.Decimal, created time.Time) *domain.Order {
	status := domain.OrderStatusExecuted
	if kind == domain.OrderKindLimit {
		status = domain.OrderStatusPending
	}
	return &domain.Order{
		ID:         uuid.NewString(),
		UserID:     user,
		Symbol:     symbol,
		Instrument: domain.InstrumentEquity,
		Side:       side,
		Quantity:   qty,
		Kind:       kind,
		LimitPrice: limit,
		Status:     status,
		Trigger:    domain.TriggerManual,
		CreatedAt:  created,
	}
}

func TestLedgerAccounts(t *testing.T) {
	eachLedger(t, func(t *testing.T, l Ledger, user string) {
		ctx := context.Background()

		if _, err := l.GetAccount(ctx, user); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetAccount on missing user: got %v, want ErrNotFound", err)
		}

		acct := &domain.Account{UserID: user, CashBalance: dec("1000000"), CreatedAt: testNow, UpdatedAt: testNow}
		if err := l.SaveAccount(ctx, acct); err != nil {
			t.Fatalf("SaveAccount: %v", err)
		}
		acct.CashBalance = dec("999000.25")
		acct.UpdatedAt = testNow.Add(time.Minute)
		if err := l.SaveAccount(ctx, acct); err != nil {
			t.Fatalf("SaveAccount update: %v", err)
		}

		got, err := l.GetAccount(ctx, user)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if !got.CashBalance.Equal(dec("999000.25")) {
			t.Errorf("CashBalance = %s, want 999000.25", got.CashBalance)
		}
		if !got.CreatedAt.Equal(testNow) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testNow)
		}
	})
}

func TestLedgerPositions(t *testing.T) {
	eachLedger(t, func(t *testing.T, l Ledger, user string) {
		ctx := context.Background()
		sym := "SYM" + strings.ToUpper(user[len(user)-6:])

		pos := &domain.Position{
			UserID: user, Symbol: sym, Instrument: domain.InstrumentStock,
			Quantity: 10, AverageEntryPrice: dec("100.5"), UpdatedAt: testNow,
			BuyCost: dec("1407.0000000000000000001"), BuyQuantity: 14,
		}
		if err := l.SavePosition(ctx, pos); err != nil {
			t.Fatalf("SavePosition: %v", err)
		}
		if err := l.SavePosition(ctx, &domain.Position{UserID: user, Symbol: "ZERO", Quantity: 0}); !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("SavePosition qty 0: got %v, want ErrInvalidRequest", err)
		}

		stops, err := l.ListStopLossPositions(ctx, sym)
		if err != nil {
			t.Fatalf("ListStopLossPositions: %v", err)
		}
		if len(stops) != 0 {
			t.Fatalf("expected no stop-loss positions, got %d", len(stops))
		}

		pos.StopLossPrice = decPtr("95")
		if err := l.SavePosition(ctx, pos); err != nil {
			t.Fatalf("SavePosition with stop: %v", err)
		}
		stops, err = l.ListStopLossPositions(ctx, sym)
		if err != nil {
			t.Fatalf("ListStopLossPositions: %v", err)
		}
		if len(stops) != 1 || !stops[0].StopLossPrice.Equal(dec("95")) {
			t.Fatalf("stop-loss positions = %+v, want one at 95", stops)
		}

		got, err := l.GetPosition(ctx, user, sym)
		if err != nil {
			t.Fatalf("GetPosition: %v", err)
		}
		if got.Quantity != 10 || !got.AverageEntryPrice.Equal(dec("100.5")) || got.Instrument != domain.InstrumentStock {
			t.Errorf("GetPosition = %+v", got)
		}
		if !got.BuyCost.Equal(dec("1407.0000000000000000001")) || got.BuyQuantity != 14 {
			t.Errorf("cost basis = %s over %d, want 1407.0000000000000000001 over 14", got.BuyCost, got.BuyQuantity)
		}

		if err := l.SavePosition(ctx, &domain.Position{UserID: user, Symbol: "AAA", Quantity: 1, AverageEntryPrice: dec("1"), UpdatedAt: testNow}); err != nil {
			t.Fatalf("SavePosition AAA: %v", err)
		}
		list, err := l.ListPositions(ctx, user)
		if err != nil {
			t.Fatalf("ListPositions: %v", err)
		}
		if len(list) != 2 || list[0].Symbol != "AAA" {
			t.Fatalf("ListPositions = %+v, want AAA first", list)
		}

		if err := l.DeletePosition(ctx, user, "AAA"); err != nil {
			t.Fatalf("DeletePosition: %v", err)
		}
		if _, err := l.GetPosition(ctx, user, "AAA"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetPosition after delete: got %v, want ErrNotFound", err)
		}

		if err := l.DeletePositions(ctx, user); err != nil {
			t.Fatalf("DeletePositions: %v", err)
		}
		stops, _ = l.ListStopLossPositions(ctx, sym)
		if len(stops) != 0 {
			t.Fatalf("stop index not cleared after DeletePositions: %+v", stops)
		}
	})
}

func TestLedgerOrders(t *testing.T) {
	eachLedger(t, func(t *testing.T, l Ledger, user string) {
		ctx := context.Background()
		sym := "ORD" + strings.ToUpper(user[len(user)-6:])

		first := newOrder(user, sym, domain.OrderSideBuy, domain.OrderKindLimit, 5, decPtr("90"), testNow)
		second := newOrder(user, sym, domain.OrderSideSell, domain.OrderKindLimit, 3, decPtr("120"), testNow.Add(time.Second))
		market := newOrder(user, sym, domain.OrderSideBuy, domain.OrderKindMarket, 1, nil, testNow.Add(2*time.Second))
		exec := testNow.Add(2 * time.Second)
		market.ExecutionPrice = decPtr("100")
		market.ExecutedAt = &exec

		for _, o := range []*domain.Order{first, second, market} {
			if err := l.SaveOrder(ctx, o); err != nil {
				t.Fatalf("SaveOrder: %v", err)
			}
		}

		history, err := l.ListOrders(ctx, user)
		if err != nil {
			t.Fatalf("ListOrders: %v", err)
		}
		if len(history) != 3 || history[0].ID != market.ID || history[2].ID != first.ID {
			t.Fatalf("ListOrders not newest first: %v", ids(history))
		}
		if history[0].ExecutedAt == nil || !history[0].ExecutedAt.Equal(exec) {
			t.Errorf("ExecutedAt round trip = %v, want %v", history[0].ExecutedAt, exec)
		}
		if history[2].LimitPrice == nil || !history[2].LimitPrice.Equal(dec("90")) {
			t.Errorf("LimitPrice round trip = %v", history[2].LimitPrice)
		}

		pending, err := l.ListPendingOrders(ctx, sym)
		if err != nil {
			t.Fatalf("ListPendingOrders: %v", err)
		}
		if len(pending) != 2 || pending[0].ID != first.ID {
			t.Fatalf("ListPendingOrders = %v, want oldest first", ids(pending))
		}

		filled := *first
		filled.Status = domain.OrderStatusExecuted
		filled.ExecutionPrice = decPtr("85")
		filled.ExecutedAt = &exec
		if err := l.UpdateOrderStatus(ctx, &filled, domain.OrderStatusPending); err != nil {
			t.Fatalf("UpdateOrderStatus: %v", err)
		}
		if err := l.UpdateOrderStatus(ctx, &filled, domain.OrderStatusPending); !errors.Is(err, domain.ErrOrderNotPending) {
			t.Fatalf("second UpdateOrderStatus: got %v, want ErrOrderNotPending", err)
		}
		got, err := l.GetOrder(ctx, first.ID)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if got.Status != domain.OrderStatusExecuted || !got.ExecutionPrice.Equal(dec("85")) {
			t.Errorf("GetOrder after fill = %+v", got)
		}

		missing := filled
		missing.ID = uuid.NewString()
		if err := l.UpdateOrderStatus(ctx, &missing, domain.OrderStatusPending); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("UpdateOrderStatus unknown id: got %v, want ErrNotFound", err)
		}

		n, err := l.DeletePendingOrders(ctx, user)
		if err != nil {
			t.Fatalf("DeletePendingOrders: %v", err)
		}
		if n != 1 {
			t.Errorf("DeletePendingOrders removed %d, want 1", n)
		}
		history, _ = l.ListOrders(ctx, user)
		if len(history) != 2 {
			t.Errorf("terminal orders must survive reset, have %v", ids(history))
		}
		pending, _ = l.ListPendingOrders(ctx, sym)
		if len(pending) != 0 {
			t.Errorf("pending index not cleared: %v", ids(pending))
		}
	})
}

func TestLedgerRunInTxRollback(t *testing.T) {
	eachLedger(t, func(t *testing.T, l Ledger, user string) {
		ctx := context.Background()
		acct := &domain.Account{UserID: user, CashBalance: dec("500"), CreatedAt: testNow, UpdatedAt: testNow}
		if err := l.SaveAccount(ctx, acct); err != nil {
			t.Fatalf("SaveAccount: %v", err)
		}

		boom := errors.New("boom")
		order := newOrder(user, "TCS", domain.OrderSideBuy, domain.OrderKindLimit, 1, decPtr("100"), testNow)
		err := l.RunInTx(ctx, func(tx Tx) error {
			a, err := tx.GetAccount(ctx, user)
			if err != nil {
				return err
			}
			a.CashBalance = a.CashBalance.Sub(dec("100"))
			if err := tx.SaveAccount(ctx, a); err != nil {
				return err
			}
			if err := tx.SavePosition(ctx, &domain.Position{UserID: user, Symbol: "TCS", Quantity: 1, AverageEntryPrice: dec("100"), StopLossPrice: decPtr("90"), UpdatedAt: testNow}); err != nil {
				return err
			}
			if err := tx.SaveOrder(ctx, order); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("RunInTx error = %v, want boom", err)
		}

		got, err := l.GetAccount(ctx, user)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if !got.CashBalance.Equal(dec("500")) {
			t.Errorf("balance after rollback = %s, want 500", got.CashBalance)
		}
		if _, err := l.GetPosition(ctx, user, "TCS"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("position survived rollback: %v", err)
		}
		if _, err := l.GetOrder(ctx, order.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("order survived rollback: %v", err)
		}
		orders, _ := l.ListOrders(ctx, user)
		if len(orders) != 0 {
			t.Errorf("order log has %d entries after rollback", len(orders))
		}
	})
}

func TestLedgerConcurrentStatusUpdate(t *testing.T) {
	eachLedger(t, func(t *testing.T, l Ledger, user string) {
		ctx := context.Background()
		order := newOrder(user, "INFY", domain.OrderSideBuy, domain.OrderKindLimit, 2, decPtr("1500"), testNow)
		if err := l.SaveOrder(ctx, order); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := l.RunInTx(ctx, func(tx Tx) error {
					o, err := tx.GetOrder(ctx, order.ID)
					if err != nil {
						return err
					}
					o.Status = domain.OrderStatusExecuted
					o.ExecutionPrice = decPtr(fmt.Sprintf("%d", 1400+i))
					return tx.UpdateOrderStatus(ctx, o, domain.OrderStatusPending)
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, domain.ErrOrderNotPending) {
					t.Errorf("worker %d: unexpected error %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("status transitions applied %d times, want exactly 1", wins)
		}
	})
}

func ids(orders []domain.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// Parquet archive
// ---------------------------------------------------------------------------

func TestParquetArchivePath(t *testing.T) {
	a := NewParquetArchive("/data")

	got := a.orderPath("alice", "2025-03-10")
	want := filepath.Join("/data", "orders", "alice", "2025-03-10.parquet")
	if got != want {
		t.Errorf("orderPath mismatch:\n  got  %s\n  want %s", got, want)
	}

	got = a.orderPath("../etc", "2025-03-10")
	if !strings.HasPrefix(got, filepath.Join("/data", "orders")) || strings.Contains(got, "..") {
		t.Errorf("orderPath escaped archive root: %s", got)
	}
}

func TestParquetArchiveExportRead(t *testing.T) {
	dir := t.TempDir()
	a := NewParquetArchive(dir)
	ctx := context.Background()

	day1 := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	exec := day1.Add(time.Minute)

	market := newOrder("alice", "TCS", domain.OrderSideBuy, domain.OrderKindMarket, 5, nil, day1)
	market.ExecutionPrice = decPtr("4000.05")
	market.ExecutedAt = &exec
	limit := newOrder("alice", "INFY", domain.OrderSideBuy, domain.OrderKindLimit, 2, decPtr("1500"), day2)

	files, err := a.ExportOrders(ctx, []domain.Order{*market, *limit})
	if err != nil {
		t.Fatalf("ExportOrders: %v", err)
	}
	if files != 2 {
		t.Errorf("ExportOrders wrote %d files, want 2", files)
	}

	// Re-export the limit order after it filled; the newer version wins.
	limit.Status = domain.OrderStatusExecuted
	limit.ExecutionPrice = decPtr("1490")
	fillTime := day2.Add(time.Hour)
	limit.ExecutedAt = &fillTime
	if _, err := a.ExportOrders(ctx, []domain.Order{*limit}); err != nil {
		t.Fatalf("ExportOrders again: %v", err)
	}

	got, err := a.ReadOrders(ctx, "alice", day1.Add(-time.Hour), day2.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ReadOrders: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadOrders returned %d orders, want 2", len(got))
	}
	if got[0].ID != market.ID || got[1].ID != limit.ID {
		t.Fatalf("ReadOrders order = %v", ids(got))
	}
	if !got[0].ExecutionPrice.Equal(dec("4000.05")) || got[0].LimitPrice != nil {
		t.Errorf("market order prices = exec %v limit %v", got[0].ExecutionPrice, got[0].LimitPrice)
	}
	if got[1].Status != domain.OrderStatusExecuted || !got[1].ExecutionPrice.Equal(dec("1490")) {
		t.Errorf("limit order not merged: %+v", got[1])
	}

	only, err := a.ReadOrders(ctx, "alice", day2, day2.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ReadOrders day2: %v", err)
	}
	if len(only) != 1 || only[0].ID != limit.ID {
		t.Errorf("ReadOrders day2 = %v", ids(only))
	}

	none, err := a.ReadOrders(ctx, "bob", day1, day2)
	if err != nil || len(none) != 0 {
		t.Errorf("ReadOrders unknown user = %v, %v", none, err)
	}
}

// Two stores on one file are separate connections. Read-then-write
// transactions must queue on the write lock instead of failing to upgrade.
func TestSQLiteConcurrentReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	stores := make([]*SQLiteStore, 2)
	for i := range stores {
		s, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}
	if err := stores[0].SaveAccount(ctx, &domain.Account{UserID: "u", CashBalance: dec("0"), CreatedAt: testNow, UpdatedAt: testNow}); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	const perStore = 10
	var wg sync.WaitGroup
	for _, s := range stores {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(s *SQLiteStore) {
				defer wg.Done()
				err := s.RunInTx(ctx, func(tx Tx) error {
					acct, err := tx.GetAccount(ctx, "u")
					if err != nil {
						return err
					}
					acct.CashBalance = acct.CashBalance.Add(dec("1"))
					return tx.SaveAccount(ctx, acct)
				})
				if err != nil {
					t.Errorf("RunInTx: %v", err)
				}
			}(s)
		}
	}
	wg.Wait()

	acct, err := stores[1].GetAccount(ctx, "u")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if want := dec(fmt.Sprint(2 * perStore)); !acct.CashBalance.Equal(want) {
		t.Fatalf("balance = %s, want %s", acct.CashBalance, want)
	}
}
