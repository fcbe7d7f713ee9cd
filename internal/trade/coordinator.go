// Package trade provides the single entry point for every mutating
// operation on the trading state. The coordinator serializes operations per
// account: calls touching the same account apply in arrival order, while
// unrelated accounts never wait on each other. Price lookups happen before
// the account lock is taken; only the validate-and-mutate step is exclusive.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/engine"
	"papertrade/internal/quotes"
)

// Coordinator funnels user commands and monitor-triggered fills into the
// engine under a per-account locking discipline.
type Coordinator struct {
	engine *engine.Engine
	quotes quotes.Service
	log    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // one lock per account, created on demand
}

// NewCoordinator creates a Coordinator over the given engine and quote
// source.
func NewCoordinator(eng *engine.Engine, qs quotes.Service, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		engine: eng,
		quotes: qs,
		log:    log.With("component", "coordinator"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex for userID, creating it on first use.
// Account locks are never removed; the population is bounded by the number
// of accounts ever seen.
func (c *Coordinator) accountLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[userID] = l
	}
	return l
}

// SubmitRequest describes a user order submission.
type SubmitRequest struct {
	UserID   string
	Symbol   string
	Side     domain.OrderSide
	Kind     domain.OrderKind
	Quantity int64
	Trigger  decimal.Decimal
}

// SubmitOrder places a new order for the user, creating the account on
// first interaction. The current quote is fetched outside the account lock;
// when the order is immediately marketable (trigger satisfied, session
// open), the fill is attempted in the same serialized section so the caller
// sees the executed result at once. Engine failures surface unchanged.
func (c *Coordinator) SubmitOrder(ctx context.Context, req SubmitRequest) (*domain.Order, *engine.FillResult, error) {
	if _, err := c.engine.EnsureAccount(ctx, req.UserID); err != nil {
		return nil, nil, err
	}

	// Price lookup happens before the lock; a dead feed only blocks market
	// orders, which cannot size their hold without a price.
	var price decimal.Decimal
	q, qerr := c.quotes.GetQuote(ctx, req.Symbol)
	if qerr == nil {
		price = q.Price
	} else if req.Kind == domain.OrderKindMarket {
		return nil, nil, fmt.Errorf("market order needs a live price: %w", qerr)
	}

	lock := c.accountLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.engine.PlaceOrder(ctx, engine.PlaceRequest{
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Kind:     req.Kind,
		Quantity: req.Quantity,
		Trigger:  req.Trigger,
		Price:    price,
	})
	if err != nil {
		return nil, nil, err
	}

	// Marketable right now? Fill in the same serialized section.
	if qerr == nil {
		res, ferr := c.engine.AttemptFill(ctx, order.ID, q)
		if ferr != nil {
			// The order is placed; an immediate-fill failure is reported but
			// does not undo the placement.
			c.log.Warn("immediate fill attempt failed", "order", order.ID, "err", ferr)
			return order, nil, nil
		}
		if res.Outcome == engine.OutcomeFilled || res.Outcome == engine.OutcomeRejected {
			refreshed, gerr := c.engine.Order(order.ID)
			if gerr == nil {
				order = refreshed
			}
			return order, res, nil
		}
	}
	return order, nil, nil
}

// Cancel cancels the user's pending order, releasing any cash hold. A
// cancel racing a monitor fill resolves deterministically: whichever
// transition lands first wins and the loser observes ErrInvalidState or
// ErrAlreadyFilled.
func (c *Coordinator) Cancel(ctx context.Context, userID, orderID string) error {
	lock := c.accountLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return c.engine.CancelOrder(ctx, orderID, userID)
}

// TriggerFill is the monitor's fill path: it serializes the fill attempt
// against the order owner's other operations. The quote was fetched by the
// caller outside any lock.
func (c *Coordinator) TriggerFill(ctx context.Context, order *domain.Order, q *domain.Quote) (*engine.FillResult, error) {
	lock := c.accountLock(order.UserID)
	lock.Lock()
	defer lock.Unlock()
	return c.engine.AttemptFill(ctx, order.ID, q)
}

// lockAccounts acquires the locks for the given accounts in sorted order
// and returns the release function. Sorting keeps concurrent multi-account
// holders from deadlocking against each other.
func (c *Coordinator) lockAccounts(ids []string) func() {
	sort.Strings(ids)
	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		l := c.accountLock(id)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// SettleDay applies the T+1 rollover while holding every known account's
// lock, so no fill or cancel interleaves with the settlement snapshot. An
// account created after the lock sweep cannot be part of the snapshot and
// is untouched by the swap.
func (c *Coordinator) SettleDay(ctx context.Context, today string) error {
	unlock := c.lockAccounts(c.engine.AccountIDs())
	defer unlock()
	return c.engine.SettleDay(ctx, today)
}

// ExpireOrders expires pending orders created before cutoff, taking each
// owner's lock for the transition. Orders that reach a terminal state
// between the scan and the lock are skipped, not counted.
func (c *Coordinator) ExpireOrders(ctx context.Context, cutoff time.Time) (int, error) {
	expired := 0
	for _, o := range c.engine.StaleOrders(cutoff) {
		lock := c.accountLock(o.UserID)
		lock.Lock()
		err := c.engine.ExpireOrder(ctx, o.ID)
		lock.Unlock()
		if errors.Is(err, domain.ErrInvalidState) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Portfolio is the read model served to the command layer.
type Portfolio struct {
	Account       *domain.Account
	MarketValue   decimal.Decimal
	TotalAssets   decimal.Decimal
	UnrealizedPnL decimal.Decimal // market value minus cost basis of open positions
	PendingOrders []*domain.Order
}

// GetPortfolio returns the user's balance, positions valued at the latest
// quotes, and pending orders. Symbols whose quotes are unavailable are
// valued at cost.
func (c *Coordinator) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	acct, err := c.engine.Account(userID)
	if err != nil {
		return nil, err
	}

	marketValue := decimal.Zero
	costBasis := decimal.Zero
	for sym, pos := range acct.Positions {
		price := pos.AvgCost
		if q, qerr := c.quotes.GetQuote(ctx, sym); qerr == nil {
			price = q.Price
		}
		qty := decimal.NewFromInt(pos.Quantity)
		marketValue = marketValue.Add(price.Mul(qty))
		costBasis = costBasis.Add(pos.AvgCost.Mul(qty))
	}

	var pending []*domain.Order
	for _, o := range c.engine.OrdersFor(userID) {
		if o.Status == domain.OrderStatusPending {
			pending = append(pending, o)
		}
	}

	return &Portfolio{
		Account:       acct,
		MarketValue:   marketValue,
		TotalAssets:   acct.Balance.Add(marketValue),
		UnrealizedPnL: marketValue.Sub(costBasis),
		PendingOrders: pending,
	}, nil
}

// Engine exposes the underlying engine for read paths and maintenance.
func (c *Coordinator) Engine() *engine.Engine {
	return c.engine
}
