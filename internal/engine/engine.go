// Package engine implements the order lifecycle: placement with cash holds,
// trigger-driven fills, cancellation, T+1 settlement, and order expiry. Each
// public operation is a single atomic transaction: state is mutated on
// private copies, committed to the durable store, and only then swapped into
// the in-memory view, so a failed persistence never leaves a half-applied
// account and a process crash never loses an acknowledged operation.
//
// The engine does not serialize callers itself; the trade coordinator
// guarantees that operations touching the same account never interleave.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/rules"
	"papertrade/internal/store"
)

// Options configures an Engine.
type Options struct {
	Fees           rules.FeeSchedule
	LotSize        int64           // order quantity granularity; <=1 disables the lot rule
	BandPct        decimal.Decimal // daily limit band as a fraction of prev close, e.g. 0.10
	InitialBalance decimal.Decimal // starting cash for accounts created on first interaction
	Logger         *slog.Logger
	Clock          func() time.Time // defaults to time.Now
}

// Engine owns the account/order/position data model and applies every
// mutation as one durable transaction.
type Engine struct {
	store store.Store
	fees  rules.FeeSchedule
	lot   int64
	band  decimal.Decimal
	seed  decimal.Decimal
	log   *slog.Logger
	now   func() time.Time

	mu       sync.RWMutex
	accounts map[string]*domain.Account
	orders   map[string]*domain.Order
	limits   map[string]*domain.LimitState
	settled  string // settlement watermark (trading day)
}

// NewEngine recovers persisted state from s and returns a ready engine.
func NewEngine(ctx context.Context, s store.Store, opts Options) (*Engine, error) {
	st, err := s.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering state: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		store:    s,
		fees:     opts.Fees,
		lot:      opts.LotSize,
		band:     opts.BandPct,
		seed:     opts.InitialBalance,
		log:      log.With("component", "engine"),
		now:      now,
		accounts: st.Accounts,
		orders:   st.Orders,
		limits:   st.LimitStates,
		settled:  st.LastSettledDay,
	}

	pending := 0
	for _, o := range e.orders {
		if o.Status == domain.OrderStatusPending {
			pending++
		}
	}
	e.log.Info("state recovered",
		"accounts", len(e.accounts),
		"orders", len(e.orders),
		"pending", pending,
		"lastSettledDay", e.settled,
	)
	return e, nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// EnsureAccount returns the account for userID, creating and persisting it
// with the configured starting balance on first interaction.
func (e *Engine) EnsureAccount(ctx context.Context, userID string) (*domain.Account, error) {
	e.mu.RLock()
	acct, ok := e.accounts[userID]
	e.mu.RUnlock()
	if ok {
		return acct.Clone(), nil
	}

	acct = &domain.Account{
		UserID:    userID,
		Balance:   e.seed,
		Positions: make(map[string]*domain.Position),
		CreatedAt: e.now(),
	}
	if err := e.store.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("persisting new account %s: %w", userID, err)
	}

	e.mu.Lock()
	// A concurrent first interaction may have won; keep the committed one.
	if existing, ok := e.accounts[userID]; ok {
		e.mu.Unlock()
		return existing.Clone(), nil
	}
	e.accounts[userID] = acct
	e.mu.Unlock()

	e.log.Info("account created", "user", userID, "balance", e.seed.String())
	return acct.Clone(), nil
}

// Account returns a copy of the account, or ErrUnknownAccount.
func (e *Engine) Account(userID string) (*domain.Account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acct, ok := e.accounts[userID]
	if !ok {
		return nil, domain.ErrUnknownAccount
	}
	return acct.Clone(), nil
}

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

// PlaceRequest describes a new order.
type PlaceRequest struct {
	UserID   string
	Symbol   string
	Side     domain.OrderSide
	Kind     domain.OrderKind
	Quantity int64
	Trigger  decimal.Decimal // ignored for market orders
	// Price is the current market price, used to size the cash hold for
	// market and stop buys. Required for market orders.
	Price decimal.Decimal
}

// PlaceOrder validates the request, reserves cash for buys, persists the
// pending order, and returns it. Sell orders are validated against the
// current settled position; no shares are frozen (the fill re-checks).
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*domain.Order, error) {
	if err := rules.ValidateQuantity(req.Quantity, e.lot); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidState, err)
	}
	if req.Kind != domain.OrderKindMarket && req.Trigger.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: trigger price must be positive", domain.ErrInvalidState)
	}

	e.mu.RLock()
	acct, ok := e.accounts[req.UserID]
	today := domain.Day(e.now())
	settledDay := e.settled
	e.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUnknownAccount
	}

	order := &domain.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Quantity:  req.Quantity,
		Trigger:   req.Trigger,
		Status:    domain.OrderStatusPending,
		CreatedAt: e.now(),
	}

	next := acct.Clone()
	switch req.Side {
	case domain.OrderSideSell:
		// Sell validation is only trustworthy once today's T+1 rollover ran.
		if settledDay != today {
			return nil, fmt.Errorf("%w: watermark %q, today %s", domain.ErrSettlementPending, settledDay, today)
		}
		pos := next.Position(req.Symbol)
		if !rules.CanSell(pos, req.Quantity) {
			return nil, sellShortfallError(pos, req.Quantity)
		}

	case domain.OrderSideBuy:
		reservePrice := e.holdPrice(order, req.Price)
		if reservePrice.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: no price available to size the buy hold", domain.ErrDataUnavailable)
		}
		hold, _ := e.fees.BuyCost(req.Quantity, reservePrice)
		if next.Balance.LessThan(hold) {
			return nil, fmt.Errorf("%w: need %s, available %s",
				domain.ErrInsufficientFunds, hold, next.Balance)
		}
		next.Balance = next.Balance.Sub(hold)
		order.Reserved = hold

	default:
		return nil, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidState, req.Side)
	}

	if err := e.store.ApplyPlacement(ctx, next, order); err != nil {
		return nil, fmt.Errorf("persisting order: %w", err)
	}

	e.mu.Lock()
	e.accounts[req.UserID] = next
	oc := *order
	e.orders[order.ID] = &oc
	e.mu.Unlock()

	e.log.Info("order placed",
		"order", order.ID, "user", req.UserID, "symbol", req.Symbol,
		"side", order.Side, "kind", order.Kind, "qty", order.Quantity,
		"trigger", order.Trigger.String(), "reserved", order.Reserved.String(),
	)
	return order, nil
}

// holdPrice picks the price used to size a buy hold: the trigger bounds the
// fill for limit buys; stop and market buys fill at market, so the hold uses
// the larger of trigger and current price.
func (e *Engine) holdPrice(order *domain.Order, current decimal.Decimal) decimal.Decimal {
	switch order.Kind {
	case domain.OrderKindLimit:
		return order.Trigger
	case domain.OrderKindStop:
		if current.GreaterThan(order.Trigger) {
			return current
		}
		return order.Trigger
	default:
		return current
	}
}

func sellShortfallError(pos *domain.Position, quantity int64) error {
	if pos.Empty() {
		return fmt.Errorf("%w: no position held", domain.ErrInsufficientShares)
	}
	return fmt.Errorf("%w: want %d, settled %d of %d held",
		domain.ErrInsufficientShares, quantity, pos.Settled, pos.Quantity)
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// FillOutcome classifies the result of a fill attempt.
type FillOutcome string

const (
	// OutcomeFilled: the order executed and a trade was recorded.
	OutcomeFilled FillOutcome = "filled"
	// OutcomeAlreadyFilled: idempotent no-op on a filled order.
	OutcomeAlreadyFilled FillOutcome = "already_filled"
	// OutcomeNotTriggered: the price does not satisfy the trigger condition.
	OutcomeNotTriggered FillOutcome = "not_triggered"
	// OutcomeDeferred: a transient rule failed (market closed, outside the
	// limit band, settlement pending); the order stays pending.
	OutcomeDeferred FillOutcome = "deferred"
	// OutcomeRejected: a permanent failure; the order reached Rejected and
	// any hold was released.
	OutcomeRejected FillOutcome = "rejected"
)

// FillResult reports what a fill attempt did. Reason is set for deferred and
// rejected outcomes.
type FillResult struct {
	Outcome FillOutcome
	Trade   *domain.Trade
	Reason  error
}

// AttemptFill re-validates the trigger condition and every market rule
// against the supplied quote and, if all pass, executes the order
// atomically: cash, position, order status, and the appended trade commit
// together. Idempotent per order: a repeat call on a filled order returns
// OutcomeAlreadyFilled with no second trade and no balance mutation. Calls
// on other terminal orders return ErrInvalidState.
func (e *Engine) AttemptFill(ctx context.Context, orderID string, q *domain.Quote) (*FillResult, error) {
	e.mu.RLock()
	order, ok := e.orders[orderID]
	var acct *domain.Account
	if ok {
		acct = e.accounts[order.UserID]
	}
	ls := e.limits[q.Symbol]
	today := domain.Day(e.now())
	settledDay := e.settled
	e.mu.RUnlock()

	if !ok {
		return nil, domain.ErrUnknownOrder
	}
	switch order.Status {
	case domain.OrderStatusFilled:
		return &FillResult{Outcome: OutcomeAlreadyFilled, Reason: domain.ErrAlreadyFilled}, nil
	case domain.OrderStatusPending:
		// fall through
	default:
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidState, orderID, order.Status)
	}

	// Advisory; persisted with the next status change.
	e.mu.Lock()
	if cur, ok := e.orders[orderID]; ok {
		cur.CheckedAt = e.now()
	}
	e.mu.Unlock()

	if !rules.Triggered(order, q.Price) {
		return &FillResult{Outcome: OutcomeNotTriggered}, nil
	}
	if !rules.IsTradeableNow(q.Session) {
		return &FillResult{Outcome: OutcomeDeferred, Reason: domain.ErrMarketClosed}, nil
	}
	// A band from a previous day is stale, not binding.
	if ls != nil && ls.Day != today {
		ls = nil
	}
	if !rules.WithinLimitBand(q.Price, ls) {
		return &FillResult{Outcome: OutcomeDeferred, Reason: domain.ErrOutsideLimitBand}, nil
	}

	next := acct.Clone()
	now := e.now()

	trade := &domain.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		UserID:     order.UserID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      q.Price,
		Quantity:   order.Quantity,
		ExecutedAt: now,
	}

	switch order.Side {
	case domain.OrderSideSell:
		if settledDay != today {
			return &FillResult{Outcome: OutcomeDeferred, Reason: domain.ErrSettlementPending}, nil
		}
		pos := next.Position(order.Symbol)
		if !rules.CanSell(pos, order.Quantity) {
			// Shares are gone for good (sold or never settled enough):
			// permanent, the order is rejected.
			return e.rejectOrder(ctx, next, order, sellShortfallError(pos, order.Quantity))
		}
		net, fees := e.fees.SellProceeds(order.Quantity, q.Price)
		if next.Balance.Add(net).IsNegative() {
			// Minimum fees above the proceeds would overdraw the account:
			// permanent at this price, the order is rejected.
			return e.rejectOrder(ctx, next, order,
				fmt.Errorf("%w: fees %s exceed proceeds %s plus balance %s",
					domain.ErrInsufficientFunds, fees, net.Add(fees), next.Balance))
		}
		trade.Fees = fees
		pos.Settled -= order.Quantity
		pos.Quantity -= order.Quantity
		pos.UpdatedAt = now
		if pos.Quantity == 0 {
			delete(next.Positions, order.Symbol)
		}
		next.Balance = next.Balance.Add(net)

	case domain.OrderSideBuy:
		cost, fees := e.fees.BuyCost(order.Quantity, q.Price)
		trade.Fees = fees
		available := next.Balance.Add(order.Reserved)
		if available.LessThan(cost) {
			// The hold cannot cover a fill above the reserve price and the
			// free balance cannot make up the difference: permanent.
			return e.rejectOrder(ctx, next, order,
				fmt.Errorf("%w: need %s, available %s", domain.ErrInsufficientFunds, cost, available))
		}
		next.Balance = available.Sub(cost)

		pos := next.Position(order.Symbol)
		if pos == nil {
			pos = &domain.Position{Symbol: order.Symbol}
			next.Positions[order.Symbol] = pos
		}
		notional := q.Price.Mul(decimal.NewFromInt(order.Quantity))
		oldNotional := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity))
		pos.Quantity += order.Quantity
		pos.Unsettled += order.Quantity
		pos.AvgCost = oldNotional.Add(notional).Div(decimal.NewFromInt(pos.Quantity)).Round(4)
		pos.UpdatedAt = now
	}

	filled := *order
	filled.Status = domain.OrderStatusFilled
	filled.Reserved = decimal.Zero
	filled.ClosedAt = now

	if err := e.store.ApplyFill(ctx, store.FillDelta{Account: next, Order: &filled, Trade: trade}); err != nil {
		return nil, fmt.Errorf("persisting fill for %s: %w", order.ID, err)
	}

	e.mu.Lock()
	e.accounts[order.UserID] = next
	e.orders[order.ID] = &filled
	e.mu.Unlock()

	e.log.Info("order filled",
		"order", order.ID, "user", order.UserID, "symbol", order.Symbol,
		"side", order.Side, "qty", order.Quantity, "price", q.Price.String(),
		"fees", trade.Fees.String(), "trade", trade.ID,
	)
	return &FillResult{Outcome: OutcomeFilled, Trade: trade}, nil
}

// rejectOrder transitions a pending order to Rejected, releasing any hold.
func (e *Engine) rejectOrder(ctx context.Context, next *domain.Account, order *domain.Order, reason error) (*FillResult, error) {
	next.Balance = next.Balance.Add(order.Reserved)

	rejected := *order
	rejected.Status = domain.OrderStatusRejected
	rejected.Reserved = decimal.Zero
	rejected.ClosedAt = e.now()

	if err := e.store.ApplyOrderClose(ctx, next, &rejected); err != nil {
		return nil, fmt.Errorf("persisting rejection for %s: %w", order.ID, err)
	}

	e.mu.Lock()
	e.accounts[order.UserID] = next
	e.orders[order.ID] = &rejected
	e.mu.Unlock()

	e.log.Warn("order rejected", "order", order.ID, "reason", reason)
	return &FillResult{Outcome: OutcomeRejected, Reason: reason}, nil
}

// ---------------------------------------------------------------------------
// Cancel / expire
// ---------------------------------------------------------------------------

// CancelOrder transitions a pending order to Cancelled and releases its cash
// hold. userID, when non-empty, must match the order's owner. Fails with
// ErrInvalidState if the order is already terminal.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) error {
	return e.closeOrder(ctx, orderID, userID, domain.OrderStatusCancelled)
}

// StaleOrders returns copies of the pending orders created before cutoff.
// The caller transitions each through ExpireOrder under the owner's
// serialization.
func (e *Engine) StaleOrders(cutoff time.Time) []*domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var stale []*domain.Order
	for _, o := range e.orders {
		if o.Status == domain.OrderStatusPending && o.CreatedAt.Before(cutoff) {
			oc := *o
			stale = append(stale, &oc)
		}
	}
	return stale
}

// ExpireOrder transitions a pending order to Expired, releasing its cash
// hold. Fails with ErrInvalidState if the order reached a terminal state
// since it was scanned.
func (e *Engine) ExpireOrder(ctx context.Context, orderID string) error {
	return e.closeOrder(ctx, orderID, "", domain.OrderStatusExpired)
}

func (e *Engine) closeOrder(ctx context.Context, orderID, userID string, status domain.OrderStatus) error {
	e.mu.RLock()
	order, ok := e.orders[orderID]
	var acct *domain.Account
	if ok {
		acct = e.accounts[order.UserID]
	}
	e.mu.RUnlock()

	if !ok {
		return domain.ErrUnknownOrder
	}
	if userID != "" && order.UserID != userID {
		return fmt.Errorf("%w: order %s belongs to another account", domain.ErrInvalidState, orderID)
	}
	if order.Status != domain.OrderStatusPending {
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidState, orderID, order.Status)
	}

	next := acct.Clone()
	next.Balance = next.Balance.Add(order.Reserved)

	closed := *order
	closed.Status = status
	closed.Reserved = decimal.Zero
	closed.ClosedAt = e.now()

	if err := e.store.ApplyOrderClose(ctx, next, &closed); err != nil {
		return fmt.Errorf("persisting %s for %s: %w", status, orderID, err)
	}

	e.mu.Lock()
	e.accounts[order.UserID] = next
	e.orders[order.ID] = &closed
	e.mu.Unlock()

	e.log.Info("order closed", "order", orderID, "status", status)
	return nil
}

// ---------------------------------------------------------------------------
// Settlement and limit bands
// ---------------------------------------------------------------------------

// SettleDay applies the T+1 rollover for the given trading day: every
// position's unsettled shares become settled. Idempotent per day; the
// watermark advances with the same transaction and never moves backwards.
func (e *Engine) SettleDay(ctx context.Context, today string) error {
	e.mu.RLock()
	if e.settled == today {
		e.mu.RUnlock()
		return nil
	}
	if today < e.settled {
		settled := e.settled
		e.mu.RUnlock()
		return fmt.Errorf("%w: day %s is before the settlement watermark %s",
			domain.ErrInvalidState, today, settled)
	}
	var changed []*domain.Account
	for _, acct := range e.accounts {
		dirty := false
		for _, pos := range acct.Positions {
			if pos.Unsettled > 0 {
				dirty = true
				break
			}
		}
		if dirty {
			next := acct.Clone()
			for _, pos := range next.Positions {
				pos.Settled += pos.Unsettled
				pos.Unsettled = 0
				pos.UpdatedAt = e.now()
			}
			changed = append(changed, next)
		}
	}
	e.mu.RUnlock()

	if err := e.store.ApplySettlement(ctx, today, changed); err != nil {
		return fmt.Errorf("persisting settlement for %s: %w", today, err)
	}

	e.mu.Lock()
	for _, next := range changed {
		e.accounts[next.UserID] = next
	}
	e.settled = today
	e.mu.Unlock()

	e.log.Info("settlement applied", "day", today, "accounts", len(changed))
	return nil
}

// AccountIDs returns the IDs of every known account.
func (e *Engine) AccountIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	return ids
}

// LastSettledDay returns the settlement watermark.
func (e *Engine) LastSettledDay() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settled
}

// RefreshLimitState computes and persists the daily limit band for a symbol
// from the previous close.
func (e *Engine) RefreshLimitState(ctx context.Context, symbol, day string, prevClose decimal.Decimal) (*domain.LimitState, error) {
	if prevClose.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: no previous close for %s", domain.ErrDataUnavailable, symbol)
	}
	ls := rules.ComputeLimitBand(symbol, day, prevClose, e.band)
	if err := e.store.SaveLimitState(ctx, ls); err != nil {
		return nil, fmt.Errorf("persisting limit state for %s: %w", symbol, err)
	}

	e.mu.Lock()
	e.limits[symbol] = ls
	e.mu.Unlock()
	return ls, nil
}

// LimitState returns the current band for symbol, or nil.
func (e *Engine) LimitState(symbol string) *domain.LimitState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ls, ok := e.limits[symbol]; ok {
		lc := *ls
		return &lc
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Order returns a copy of the order, or ErrUnknownOrder.
func (e *Engine) Order(orderID string) (*domain.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, domain.ErrUnknownOrder
	}
	oc := *o
	return &oc, nil
}

// PendingOrders returns a snapshot of all pending orders. The set may change
// between calls; callers must tolerate orders turning terminal under them.
func (e *Engine) PendingOrders() []*domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*domain.Order
	for _, o := range e.orders {
		if o.Status == domain.OrderStatusPending {
			oc := *o
			out = append(out, &oc)
		}
	}
	return out
}

// OrdersFor returns copies of all orders belonging to userID.
func (e *Engine) OrdersFor(userID string) []*domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*domain.Order
	for _, o := range e.orders {
		if o.UserID == userID {
			oc := *o
			out = append(out, &oc)
		}
	}
	return out
}

// ActiveSymbols returns every symbol referenced by an open position or a
// pending order. Daily maintenance refreshes limit bands for exactly these.
func (e *Engine) ActiveSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, acct := range e.accounts {
		for sym := range acct.Positions {
			seen[sym] = struct{}{}
		}
	}
	for _, o := range e.orders {
		if o.Status == domain.OrderStatusPending {
			seen[o.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	return out
}

// TradesOn returns the trades executed on the given trading day.
func (e *Engine) TradesOn(ctx context.Context, day string) ([]domain.Trade, error) {
	return e.store.TradesOn(ctx, day)
}
