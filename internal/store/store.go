// Package store defines the persistence capability for the trading core and
// provides SQLite, in-memory, and Parquet-archive implementations.
//
// The contract is write-ahead: the engine hands a Store the complete outcome
// of a transaction (the mutated account, the order, any trade) and only
// reports success to its caller after the Store has durably committed it. A
// process restart recovers all accounts, non-terminal orders, limit states,
// and the settlement watermark via LoadState, with no double-application of
// trades already recorded.
package store

import (
	"context"

	"papertrade/internal/domain"
)

// State is the full recovered state handed to the engine at startup.
type State struct {
	Accounts    map[string]*domain.Account    // by user id
	Orders      map[string]*domain.Order      // by order id, terminal included
	LimitStates map[string]*domain.LimitState // by symbol, most recent day
	// LastSettledDay is the settlement watermark: the last trading day for
	// which the T+1 rollover has been applied. Empty if never run.
	LastSettledDay string
}

// FillDelta groups the records committed together by a successful fill.
type FillDelta struct {
	Account *domain.Account
	Order   *domain.Order
	Trade   *domain.Trade
}

// Store is the durable record of accounts, orders, trades, and limit states.
// Each Apply* call commits its mutations in a single transaction; an error
// means nothing was recorded.
type Store interface {
	// LoadState reads the full persisted state at startup.
	LoadState(ctx context.Context) (*State, error)

	// SaveAccount records a new or reset account.
	SaveAccount(ctx context.Context, acct *domain.Account) error

	// ApplyPlacement commits a newly placed pending order together with the
	// account's post-hold balance.
	ApplyPlacement(ctx context.Context, acct *domain.Account, order *domain.Order) error

	// ApplyFill commits a fill: account balance and positions, the order's
	// terminal status, and the appended trade.
	ApplyFill(ctx context.Context, delta FillDelta) error

	// ApplyOrderClose commits a non-fill terminal transition (cancelled,
	// rejected, expired) together with any hold released back to the account.
	ApplyOrderClose(ctx context.Context, acct *domain.Account, order *domain.Order) error

	// ApplySettlement commits the T+1 rollover for the given accounts and
	// advances the settlement watermark to day.
	ApplySettlement(ctx context.Context, day string, accounts []*domain.Account) error

	// SaveLimitState records a symbol's daily limit band.
	SaveLimitState(ctx context.Context, ls *domain.LimitState) error

	// TradesOn returns all trades executed on the given trading day.
	TradesOn(ctx context.Context, day string) ([]domain.Trade, error)

	// Close releases the underlying resources.
	Close() error
}
