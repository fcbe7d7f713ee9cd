package store

import (
	"context"
	"sync"

	"papertrade/internal/domain"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store entirely in memory. It is used by tests and
// by paper sessions that do not need durability. Records are deep-copied on
// the way in so later engine mutations cannot leak into the "persisted"
// state.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	orders   map[string]*domain.Order
	trades   []domain.Trade
	limits   map[string]*domain.LimitState
	settled  string

	// FailWrites makes every write return the given error, for exercising
	// the persistence-failure path.
	FailWrites error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*domain.Account),
		orders:   make(map[string]*domain.Order),
		limits:   make(map[string]*domain.LimitState),
	}
}

// LoadState returns a deep copy of everything recorded so far.
func (m *MemoryStore) LoadState(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &State{
		Accounts:       make(map[string]*domain.Account, len(m.accounts)),
		Orders:         make(map[string]*domain.Order, len(m.orders)),
		LimitStates:    make(map[string]*domain.LimitState, len(m.limits)),
		LastSettledDay: m.settled,
	}
	for id, a := range m.accounts {
		st.Accounts[id] = a.Clone()
	}
	for id, o := range m.orders {
		oc := *o
		st.Orders[id] = &oc
	}
	for sym, ls := range m.limits {
		lc := *ls
		st.LimitStates[sym] = &lc
	}
	return st, nil
}

func (m *MemoryStore) SaveAccount(_ context.Context, acct *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.accounts[acct.UserID] = acct.Clone()
	return nil
}

func (m *MemoryStore) ApplyPlacement(_ context.Context, acct *domain.Account, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.accounts[acct.UserID] = acct.Clone()
	oc := *order
	m.orders[order.ID] = &oc
	return nil
}

func (m *MemoryStore) ApplyFill(_ context.Context, delta FillDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.accounts[delta.Account.UserID] = delta.Account.Clone()
	oc := *delta.Order
	m.orders[delta.Order.ID] = &oc
	m.trades = append(m.trades, *delta.Trade)
	return nil
}

func (m *MemoryStore) ApplyOrderClose(_ context.Context, acct *domain.Account, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.accounts[acct.UserID] = acct.Clone()
	oc := *order
	m.orders[order.ID] = &oc
	return nil
}

func (m *MemoryStore) ApplySettlement(_ context.Context, day string, accounts []*domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, acct := range accounts {
		m.accounts[acct.UserID] = acct.Clone()
	}
	m.settled = day
	return nil
}

func (m *MemoryStore) SaveLimitState(_ context.Context, ls *domain.LimitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	lc := *ls
	m.limits[ls.Symbol] = &lc
	return nil
}

func (m *MemoryStore) TradesOn(_ context.Context, day string) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trade
	for _, tr := range m.trades {
		if domain.Day(tr.ExecutedAt) == day {
			out = append(out, tr)
		}
	}
	return out, nil
}

// TradeCount returns the number of trades recorded. Test helper.
func (m *MemoryStore) TradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

func (m *MemoryStore) Close() error { return nil }
