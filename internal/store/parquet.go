package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// ParquetArchive writes snapshots of the order log to Parquet files on disk
// for offline analysis. It is not part of the transactional ledger.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a new ParquetArchive rooted at the given directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// OrderRecord is the Parquet schema for an archived order. Prices are kept as
// decimal strings so no precision is lost; empty means unset.
type OrderRecord struct {
	ID             string `parquet:"id"`
	UserID         string `parquet:"user_id"`
	Symbol         string `parquet:"symbol"`
	Instrument     string `parquet:"instrument"`
	Side           string `parquet:"side"`
	Quantity       int64  `parquet:"quantity"`
	Kind           string `parquet:"kind"`
	LimitPrice     string `parquet:"limit_price"`
	Status         string `parquet:"status"`
	ExecutionPrice string `parquet:"execution_price"`
	StopLossPrice  string `parquet:"stop_loss_price"`
	Trigger        string `parquet:"trigger"`
	CancelReason   string `parquet:"cancel_reason"`
	CreatedAt      int64  `parquet:"created_at,timestamp(millisecond)"` // Unix ms
	ExecutedAt     int64  `parquet:"executed_at,timestamp(millisecond)"` // Unix ms, 0 if unset
}

// ExportOrders writes orders grouped by user and creation date. Records
// already present in a file are merged by order id, with the incoming
// version winning, so repeated exports are idempotent.
//
//	<DataDir>/orders/<USER>/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) ExportOrders(_ context.Context, orders []domain.Order) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}

	type key struct {
		user string
		date string
	}
	groups := make(map[key][]OrderRecord)
	for _, o := range orders {
		k := key{user: o.UserID, date: o.CreatedAt.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], toOrderRecord(o))
	}

	files := 0
	for k, records := range groups {
		path := a.orderPath(k.user, k.date)

		existing, _ := readParquetFile[OrderRecord](path)
		merged := mergeOrderRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return files, fmt.Errorf("writing orders for %s/%s: %w", k.user, k.date, err)
		}
		files++
	}
	return files, nil
}

// ReadOrders reads every archived order for userID created within
// [start, end], oldest first.
func (a *ParquetArchive) ReadOrders(_ context.Context, userID string, start, end time.Time) ([]domain.Order, error) {
	dir := filepath.Join(a.DataDir, "orders", sanitizeUser(userID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	startDay := start.UTC().Format("2006-01-02")
	endDay := end.UTC().Format("2006-01-02")

	var out []domain.Order
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		day := strings.TrimSuffix(name, ".parquet")
		if day < startDay || day > endDay {
			continue
		}
		records, err := readParquetFile[OrderRecord](filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		for _, r := range records {
			o, err := fromOrderRecord(r)
			if err != nil {
				return nil, fmt.Errorf("decoding order %s: %w", r.ID, err)
			}
			if o.CreatedAt.Before(start) || o.CreatedAt.After(end) {
				continue
			}
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// orderPath returns the filesystem path for one user's orders on one day.
func (a *ParquetArchive) orderPath(userID, date string) string {
	return filepath.Join(a.DataDir, "orders", sanitizeUser(userID), date+".parquet")
}

// sanitizeUser keeps user ids from escaping the archive directory.
func sanitizeUser(userID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	s := r.Replace(userID)
	if s == "" {
		return "_"
	}
	return s
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func parseDecimalString(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func toOrderRecord(o domain.Order) OrderRecord {
	r := OrderRecord{
		ID:             o.ID,
		UserID:         o.UserID,
		Symbol:         o.Symbol,
		Instrument:     string(o.Instrument),
		Side:           string(o.Side),
		Quantity:       o.Quantity,
		Kind:           string(o.Kind),
		LimitPrice:     decimalString(o.LimitPrice),
		Status:         string(o.Status),
		ExecutionPrice: decimalString(o.ExecutionPrice),
		StopLossPrice:  decimalString(o.StopLossPrice),
		Trigger:        string(o.Trigger),
		CancelReason:   o.CancelReason,
		CreatedAt:      o.CreatedAt.UnixMilli(),
	}
	if o.ExecutedAt != nil {
		r.ExecutedAt = o.ExecutedAt.UnixMilli()
	}
	return r
}

func fromOrderRecord(r OrderRecord) (domain.Order, error) {
	o := domain.Order{
		ID:           r.ID,
		UserID:       r.UserID,
		Symbol:       r.Symbol,
		Instrument:   domain.Instrument(r.Instrument),
		Side:         domain.OrderSide(r.Side),
		Quantity:     r.Quantity,
		Kind:         domain.OrderKind(r.Kind),
		Status:       domain.OrderStatus(r.Status),
		Trigger:      domain.TriggerSource(r.Trigger),
		CancelReason: r.CancelReason,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
	}
	var err error
	if o.LimitPrice, err = parseDecimalString(r.LimitPrice); err != nil {
		return o, err
	}
	if o.ExecutionPrice, err = parseDecimalString(r.ExecutionPrice); err != nil {
		return o, err
	}
	if o.StopLossPrice, err = parseDecimalString(r.StopLossPrice); err != nil {
		return o, err
	}
	if r.ExecutedAt != 0 {
		t := time.UnixMilli(r.ExecutedAt).UTC()
		o.ExecutedAt = &t
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeOrderRecords deduplicates order records by id, preferring incoming
// records over existing ones. Results are sorted by creation time.
func mergeOrderRecords(existing, incoming []OrderRecord) []OrderRecord {
	seen := make(map[string]OrderRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]OrderRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
