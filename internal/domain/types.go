// Package domain defines the core data model shared across the trading
// simulator: accounts, positions, orders, trades, daily limit states, and
// quotes. All monetary values use decimal fixed-point arithmetic; float64 is
// never used for currency.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind determines how an order's trigger condition is evaluated.
type OrderKind string

const (
	// OrderKindMarket fills at the current price on the next evaluation.
	OrderKindMarket OrderKind = "market"
	// OrderKindLimit fills at or better than the trigger price
	// (buy: price <= trigger, sell: price >= trigger).
	OrderKindLimit OrderKind = "limit"
	// OrderKindStop fills once the price crosses the trigger
	// (buy: price >= trigger, sell: price <= trigger).
	OrderKindStop OrderKind = "stop"
)

// OrderStatus is the lifecycle state of an order. Pending is the only
// non-terminal status; no transition ever leaves a terminal status.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusPending
}

// SessionStatus is the upstream-reported state of a trading session.
type SessionStatus string

const (
	SessionOpen    SessionStatus = "open"
	SessionClosed  SessionStatus = "closed"
	SessionAuction SessionStatus = "auction"
)

// Account holds a user's cash balance and positions. Accounts are created on
// first interaction and never deleted. The balance is the available cash:
// holds reserved for pending buy orders have already been deducted from it.
type Account struct {
	UserID    string
	Balance   decimal.Decimal
	Positions map[string]*Position // keyed by symbol
	CreatedAt time.Time
}

// Position returns the position for symbol, or nil if the account holds none.
func (a *Account) Position(symbol string) *Position {
	return a.Positions[symbol]
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Positions = make(map[string]*Position, len(a.Positions))
	for sym, p := range a.Positions {
		pc := *p
		cp.Positions[sym] = &pc
	}
	return &cp
}

// Position tracks a holding in a single symbol.
//
// Invariant: Quantity == Settled + Unsettled, all three >= 0. Shares bought
// today accumulate in Unsettled and become sellable only after the T+1
// settlement rollover moves them into Settled.
type Position struct {
	Symbol    string
	Quantity  int64
	Settled   int64
	Unsettled int64
	AvgCost   decimal.Decimal
	UpdatedAt time.Time
}

// Empty reports whether the position holds no shares.
func (p *Position) Empty() bool {
	return p == nil || p.Quantity == 0
}

// Order is a buy or sell instruction. Orders are immutable once they reach a
// terminal status and are retained for history.
type Order struct {
	ID        string
	UserID    string
	Symbol    string
	Side      OrderSide
	Kind      OrderKind
	Quantity  int64
	Trigger   decimal.Decimal // trigger/limit price; zero for market orders
	Reserved  decimal.Decimal // cash hold taken at placement (buys only)
	Status    OrderStatus
	CreatedAt time.Time
	CheckedAt time.Time // last time the monitor evaluated this order
	ClosedAt  time.Time // when a terminal status was reached
}

// Trade records a single fill. The ledger is append-only; exactly one Trade
// is produced per successful fill.
type Trade struct {
	ID         string
	OrderID    string
	UserID     string
	Symbol     string
	Side       OrderSide
	Price      decimal.Decimal
	Quantity   int64
	Fees       decimal.Decimal
	ExecutedAt time.Time
}

// LimitState is the per-symbol daily price-limit band, derived from the
// previous close at session-open maintenance and read-only for the rest of
// the trading day. Bounds are inclusive.
type LimitState struct {
	Symbol    string
	Day       string // trading day, YYYY-MM-DD
	PrevClose decimal.Decimal
	Upper     decimal.Decimal
	Lower     decimal.Decimal
}

// Contains reports whether price falls within the band (boundary inclusive).
func (ls *LimitState) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(ls.Lower) && price.LessThanOrEqual(ls.Upper)
}

// Quote is a point-in-time price observation for a symbol.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	PrevClose decimal.Decimal
	Session   SessionStatus
	AsOf      time.Time
}

// Day formats t as a trading-day key.
func Day(t time.Time) string {
	return t.Format("2006-01-02")
}
