package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// LedgerArchive writes the executed-trade ledger to Parquet files on disk,
// one file per trading day. The archive is an offline-analysis artifact; the
// SQLite store remains the durable system of record.
type LedgerArchive struct {
	DataDir string
}

// NewLedgerArchive creates a LedgerArchive rooted at the given directory.
func NewLedgerArchive(dataDir string) *LedgerArchive {
	return &LedgerArchive{DataDir: dataDir}
}

// LedgerRecord is the Parquet schema for an executed trade. Prices and fees
// are serialized as decimal strings to keep them exact.
type LedgerRecord struct {
	ID         string `parquet:"id"`
	OrderID    string `parquet:"order_id"`
	UserID     string `parquet:"user_id"`
	Symbol     string `parquet:"symbol"`
	Side       string `parquet:"side"`
	Price      string `parquet:"price"`
	Quantity   int64  `parquet:"quantity"`
	Fees       string `parquet:"fees"`
	ExecutedAt int64  `parquet:"executed_at,timestamp(millisecond)"`
}

// WriteDay writes (or merges into) the archive file for the given trading
// day. Re-archiving a day is idempotent: records are deduplicated by trade id.
func (a *LedgerArchive) WriteDay(_ context.Context, day string, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	records := make([]LedgerRecord, 0, len(trades))
	for _, tr := range trades {
		records = append(records, LedgerRecord{
			ID:         tr.ID,
			OrderID:    tr.OrderID,
			UserID:     tr.UserID,
			Symbol:     tr.Symbol,
			Side:       string(tr.Side),
			Price:      tr.Price.String(),
			Quantity:   tr.Quantity,
			Fees:       tr.Fees.String(),
			ExecutedAt: tr.ExecutedAt.UnixMilli(),
		})
	}

	path := a.dayPath(day)
	existing, _ := readLedgerFile(path)
	merged := mergeLedgerRecords(existing, records)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, merged); err != nil {
		return fmt.Errorf("writing ledger for %s: %w", day, err)
	}
	return nil
}

// ReadDay reads the archived trades for a trading day. A missing file yields
// an empty slice.
func (a *LedgerArchive) ReadDay(_ context.Context, day string) ([]domain.Trade, error) {
	records, err := readLedgerFile(a.dayPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(records))
	for _, r := range records {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("ledger record %s price: %w", r.ID, err)
		}
		fees, err := decimal.NewFromString(r.Fees)
		if err != nil {
			return nil, fmt.Errorf("ledger record %s fees: %w", r.ID, err)
		}
		trades = append(trades, domain.Trade{
			ID:         r.ID,
			OrderID:    r.OrderID,
			UserID:     r.UserID,
			Symbol:     r.Symbol,
			Side:       domain.OrderSide(r.Side),
			Price:      price,
			Quantity:   r.Quantity,
			Fees:       fees,
			ExecutedAt: time.UnixMilli(r.ExecutedAt),
		})
	}
	return trades, nil
}

// dayPath returns the archive file path for a trading day.
// Layout: <dataDir>/ledger/<YYYY-MM-DD>.parquet
func (a *LedgerArchive) dayPath(day string) string {
	return filepath.Join(a.DataDir, "ledger", day+".parquet")
}

func readLedgerFile(path string) ([]LedgerRecord, error) {
	return parquet.ReadFile[LedgerRecord](path)
}

// mergeLedgerRecords deduplicates by trade id, preferring incoming records.
// Results are sorted by execution time.
func mergeLedgerRecords(existing, incoming []LedgerRecord) []LedgerRecord {
	seen := make(map[string]LedgerRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]LedgerRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ExecutedAt < merged[j].ExecutedAt
	})
	return merged
}
