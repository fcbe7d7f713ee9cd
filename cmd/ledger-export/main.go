// Command ledger-export archives executed trades from the SQLite store into
// the per-day Parquet ledger, for days the maintenance job missed or for
// backfilling an analysis dataset.
//
// Usage:
//
//	ledger-export -day 2026-08-28
//	ledger-export -from 2026-08-01 -to 2026-08-28
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/store"
)

func main() {
	day := flag.String("day", "", "single trading day to export (YYYY-MM-DD)")
	from := flag.String("from", "", "start of day range (YYYY-MM-DD)")
	to := flag.String("to", "", "end of day range, inclusive (YYYY-MM-DD)")
	flag.Parse()

	cfgPath := "config/papertrade.yaml"
	if p := os.Getenv("PAPERTRADE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	days, err := resolveDays(*day, *from, *to)
	if err != nil {
		log.Fatalf("%v", err)
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer st.Close()

	archive := store.NewLedgerArchive(cfg.Storage.DataDir)
	ctx := context.Background()

	exported := 0
	for _, d := range days {
		trades, err := st.TradesOn(ctx, d)
		if err != nil {
			log.Fatalf("loading trades for %s: %v", d, err)
		}
		if len(trades) == 0 {
			continue
		}
		if err := archive.WriteDay(ctx, d, trades); err != nil {
			log.Fatalf("writing ledger for %s: %v", d, err)
		}
		fmt.Printf("%s: %d trades\n", d, len(trades))
		exported++
	}
	fmt.Printf("exported %d day(s)\n", exported)
}

// resolveDays turns the -day or -from/-to flags into a list of days.
func resolveDays(day, from, to string) ([]string, error) {
	const layout = "2006-01-02"

	if day != "" {
		if _, err := time.Parse(layout, day); err != nil {
			return nil, fmt.Errorf("invalid -day %q: %w", day, err)
		}
		return []string{day}, nil
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("either -day or both -from and -to are required")
	}

	start, err := time.Parse(layout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid -from %q: %w", from, err)
	}
	end, err := time.Parse(layout, to)
	if err != nil {
		return nil, fmt.Errorf("invalid -to %q: %w", to, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("-to %s is before -from %s", to, from)
	}

	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(layout))
	}
	return days, nil
}
