package quotes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// Compile-time interface check.
var _ Service = (*StaticService)(nil)

// StaticService serves quotes from an in-memory table. It backs paper
// sessions without an upstream feed and all tests. Prices and session
// status are settable at runtime.
type StaticService struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	closes  map[string]decimal.Decimal
	session domain.SessionStatus
	down    bool
}

// NewStaticService creates a StaticService with an empty price table and an
// open session.
func NewStaticService() *StaticService {
	return &StaticService{
		prices:  make(map[string]decimal.Decimal),
		closes:  make(map[string]decimal.Decimal),
		session: domain.SessionOpen,
	}
}

// SetPrice sets the current price for a symbol.
func (s *StaticService) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	if _, ok := s.closes[symbol]; !ok {
		s.closes[symbol] = price
	}
}

// SetPrevClose sets the previous close for a symbol.
func (s *StaticService) SetPrevClose(symbol string, close decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes[symbol] = close
}

// SetSession sets the session status reported with every quote.
func (s *StaticService) SetSession(session domain.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

// SetUnavailable makes GetQuote fail with domain.ErrDataUnavailable.
func (s *StaticService) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// GetQuote returns the configured quote for symbol.
func (s *StaticService) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.down {
		return nil, fmt.Errorf("static feed offline: %w", domain.ErrDataUnavailable)
	}
	price, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no price for %s: %w", symbol, domain.ErrDataUnavailable)
	}
	return &domain.Quote{
		Symbol:    symbol,
		Price:     price,
		PrevClose: s.closes[symbol],
		Session:   s.session,
		AsOf:      time.Now(),
	}, nil
}
