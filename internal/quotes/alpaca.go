package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/util"
)

// Compile-time interface check.
var _ Service = (*AlpacaService)(nil)

// AlpacaService fetches quotes from the Alpaca market-data API. Session
// status is derived from the exchange calendar; price and previous close
// come from the latest-trade/previous-bar snapshot.
type AlpacaService struct {
	client   *marketdata.Client
	calendar *util.TradingCalendar
	limiter  *util.RateLimiter
	attempts int
	log      *slog.Logger
}

// NewAlpacaService creates an AlpacaService with the given credentials and
// rate limit.
func NewAlpacaService(apiKey, apiSecret, dataURL string, ratePerMin int) *AlpacaService {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaService{
		client:   marketdata.NewClient(opts),
		calendar: util.NewTradingCalendar(util.MarketUS),
		limiter:  util.NewRateLimiter(ratePerMin, 5),
		attempts: 3,
		log:      slog.Default().With("component", "quotes-alpaca"),
	}
}

// GetQuote fetches a snapshot for symbol. All upstream failures are
// reported as domain.ErrDataUnavailable so callers skip and retry.
func (s *AlpacaService) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var snap *marketdata.Snapshot
	err := util.Retry(ctx, s.attempts, 200*time.Millisecond, func() error {
		var ferr error
		snap, ferr = s.client.GetSnapshot(symbol, marketdata.GetSnapshotRequest{})
		return ferr
	})
	if err != nil {
		s.log.Warn("snapshot fetch failed", "symbol", symbol, "err", err)
		return nil, fmt.Errorf("alpaca snapshot %s: %w", symbol, domain.ErrDataUnavailable)
	}
	if snap == nil || snap.LatestTrade == nil {
		return nil, fmt.Errorf("alpaca snapshot %s: no trade data: %w", symbol, domain.ErrDataUnavailable)
	}

	q := &domain.Quote{
		Symbol:  symbol,
		Price:   decimal.NewFromFloat(snap.LatestTrade.Price).Round(4),
		Session: s.calendar.SessionAt(time.Now()),
		AsOf:    snap.LatestTrade.Timestamp,
	}
	if snap.PrevDailyBar != nil {
		q.PrevClose = decimal.NewFromFloat(snap.PrevDailyBar.Close).Round(4)
	}
	return q, nil
}
