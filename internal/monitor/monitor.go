// Package monitor runs the background services that drive the trading core
// without user interaction: the order monitor polls pending orders against
// live prices on a fixed interval, and the daily maintenance job applies
// T+1 settlement, refreshes limit bands, expires stale orders, and archives
// the trade ledger. Both support a clean stop/drain: in-flight work
// completes, no new run starts.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"papertrade/internal/domain"
	"papertrade/internal/engine"
	"papertrade/internal/quotes"
	"papertrade/internal/trade"
)

// Monitor polls pending orders on an interval and routes triggerable ones
// through the coordinator's serialized fill path.
type Monitor struct {
	coord      *trade.Coordinator
	quotes     quotes.Service
	interval   time.Duration
	maxWorkers int
	log        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor. interval must be non-zero; maxWorkers
// bounds concurrent per-symbol quote fetches (minimum 1).
func NewMonitor(coord *trade.Coordinator, qs quotes.Service, interval time.Duration, maxWorkers int, log *slog.Logger) *Monitor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		coord:      coord,
		quotes:     qs,
		interval:   interval,
		maxWorkers: maxWorkers,
		log:        log.With("component", "order-monitor"),
	}
}

// Start launches the polling loop on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.log.Info("started", "interval", m.interval)
		for {
			select {
			case <-ctx.Done():
				m.log.Info("stopped")
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Stop drains the monitor: the in-flight tick completes, no new tick
// starts. Safe to call once after Start.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Tick evaluates every pending order once. Orders are grouped by symbol so
// each symbol's price is fetched once per tick; fetches run on a bounded
// worker pool so one slow feed does not stall unrelated symbols. Individual
// order failures are logged and isolated; they never abort the tick.
func (m *Monitor) Tick(ctx context.Context) {
	pending := m.coord.Engine().PendingOrders()
	if len(pending) == 0 {
		return
	}

	bySymbol := make(map[string][]*domain.Order)
	for _, o := range pending {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}

	symbolCh := make(chan string, len(bySymbol))
	for sym := range bySymbol {
		symbolCh <- sym
	}
	close(symbolCh)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		filled  int
		skipped int
	)

	workers := m.maxWorkers
	if len(bySymbol) < workers {
		workers = len(bySymbol)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range symbolCh {
				if ctx.Err() != nil {
					return
				}
				f, s := m.processSymbol(ctx, sym, bySymbol[sym])
				mu.Lock()
				filled += f
				skipped += s
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if filled > 0 || skipped > 0 {
		m.log.Info("tick done", "pending", len(pending), "filled", filled, "skipped", skipped)
	}
}

// processSymbol fetches one quote and attempts every pending order on the
// symbol. The quote fetch runs outside any account lock.
func (m *Monitor) processSymbol(ctx context.Context, symbol string, orders []*domain.Order) (filled, skipped int) {
	q, err := m.quotes.GetQuote(ctx, symbol)
	if err != nil {
		// Transient: leave the orders untouched and retry next tick.
		m.log.Debug("quote unavailable, retrying next tick", "symbol", symbol, "err", err)
		return 0, len(orders)
	}

	for _, o := range orders {
		res, err := m.coord.TriggerFill(ctx, o, q)
		switch {
		case errors.Is(err, domain.ErrInvalidState):
			// Raced a cancel or expiry; the order found its terminal state.
			skipped++
		case err != nil:
			m.log.Error("fill attempt failed", "order", o.ID, "symbol", symbol, "err", err)
		case res.Outcome == engine.OutcomeFilled:
			filled++
		case res.Outcome == engine.OutcomeRejected:
			m.log.Warn("order rejected at fill", "order", o.ID, "reason", res.Reason)
		case res.Outcome == engine.OutcomeDeferred:
			m.log.Debug("fill deferred", "order", o.ID, "reason", res.Reason)
		}
	}
	return filled, skipped
}
