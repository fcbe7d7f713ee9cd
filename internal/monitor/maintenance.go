package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"papertrade/internal/domain"
	"papertrade/internal/quotes"
	"papertrade/internal/store"
	"papertrade/internal/trade"
	"papertrade/internal/util"
)

// Maintenance runs the once-per-trading-day housekeeping before market
// open: T+1 settlement rollover, limit-band refresh, stale-order expiry,
// and trade-ledger archival.
type Maintenance struct {
	coord    *trade.Coordinator
	quotes   quotes.Service
	archive  *store.LedgerArchive
	calendar *util.TradingCalendar
	runAt    time.Duration // offset from exchange-local midnight, e.g. 9h
	ttl      time.Duration // pending orders older than this expire; 0 disables
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaintenance creates a Maintenance job. archive may be nil to skip
// ledger archival.
func NewMaintenance(
	coord *trade.Coordinator,
	qs quotes.Service,
	archive *store.LedgerArchive,
	calendar *util.TradingCalendar,
	runAt time.Duration,
	orderTTL time.Duration,
	log *slog.Logger,
) *Maintenance {
	if log == nil {
		log = slog.Default()
	}
	return &Maintenance{
		coord:    coord,
		quotes:   qs,
		archive:  archive,
		calendar: calendar,
		runAt:    runAt,
		ttl:      orderTTL,
		log:      log.With("component", "maintenance"),
	}
}

// Start schedules RunOnce before each trading day's open.
func (m *Maintenance) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for {
			next := m.nextRun(time.Now())
			m.log.Info("next maintenance scheduled", "at", next)

			select {
			case <-ctx.Done():
				m.log.Info("stopped")
				return
			case <-time.After(time.Until(next)):
				if err := m.RunOnce(ctx, time.Now()); err != nil {
					m.log.Error("maintenance run failed", "err", err)
				}
			}
		}
	}()
}

// Stop drains the job: an in-flight run completes, no new run starts.
func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// nextRun returns the next trading day's run time strictly after now.
func (m *Maintenance) nextRun(now time.Time) time.Time {
	loc := m.calendar.Location()
	local := now.In(loc)
	for day := 0; day < 15; day++ {
		d := local.AddDate(0, 0, day)
		if !m.calendar.IsTradingDay(d) {
			continue
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc).Add(m.runAt)
		if at.After(now) {
			return at
		}
	}
	// Unreachable with a sane calendar; back off a day rather than spin.
	return local.AddDate(0, 0, 1)
}

// RunOnce performs one maintenance pass for the trading day containing now:
//
//  1. applies the T+1 settlement rollover (idempotent per day),
//  2. refreshes the daily limit band for every active symbol from its
//     previous close (symbols with no quote are skipped, their old band
//     goes stale and stops binding),
//  3. expires pending orders older than the configured TTL,
//  4. archives the previous day's trades to the Parquet ledger.
func (m *Maintenance) RunOnce(ctx context.Context, now time.Time) error {
	eng := m.coord.Engine()
	today := domain.Day(now.In(m.calendar.Location()))

	if err := m.coord.SettleDay(ctx, today); err != nil {
		return err
	}

	refreshed, unavailable := 0, 0
	for _, sym := range eng.ActiveSymbols() {
		q, err := m.quotes.GetQuote(ctx, sym)
		if err != nil {
			unavailable++
			continue
		}
		if _, err := eng.RefreshLimitState(ctx, sym, today, q.PrevClose); err != nil {
			if errors.Is(err, domain.ErrDataUnavailable) {
				unavailable++
				continue
			}
			return err
		}
		refreshed++
	}

	expired := 0
	if m.ttl > 0 {
		var err error
		expired, err = m.coord.ExpireOrders(ctx, now.Add(-m.ttl))
		if err != nil {
			return err
		}
	}

	if m.archive != nil {
		prev := domain.Day(now.In(m.calendar.Location()).AddDate(0, 0, -1))
		trades, err := eng.TradesOn(ctx, prev)
		if err != nil {
			return err
		}
		if err := m.archive.WriteDay(ctx, prev, trades); err != nil {
			return err
		}
	}

	m.log.Info("maintenance done",
		"day", today, "bandsRefreshed", refreshed, "bandsUnavailable", unavailable, "ordersExpired", expired)
	return nil
}
