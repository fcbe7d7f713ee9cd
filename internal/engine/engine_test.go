package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/rules"
	"papertrade/internal/store"
)

var testClock = func() time.Time {
	// A Friday, mid trading session.
	return time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T, mem *store.MemoryStore, balance string) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), mem, Options{
		InitialBalance: decimal.RequireFromString(balance),
		BandPct:        decimal.RequireFromString("0.10"),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:          testClock,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func openQuote(symbol, price string) *domain.Quote {
	return &domain.Quote{
		Symbol:  symbol,
		Price:   decimal.RequireFromString(price),
		Session: domain.SessionOpen,
		AsOf:    testClock(),
	}
}

func mustPlace(t *testing.T, e *Engine, req PlaceRequest) *domain.Order {
	t.Helper()
	order, err := e.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return order
}

func ensure(t *testing.T, e *Engine, user string) {
	t.Helper()
	if _, err := e.EnsureAccount(context.Background(), user); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Buy lifecycle
// ---------------------------------------------------------------------------

func TestLimitBuyFillsBelowTrigger(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	e := newTestEngine(t, mem, "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID:   "alice",
		Symbol:   "AAPL",
		Side:     domain.OrderSideBuy,
		Kind:     domain.OrderKindLimit,
		Quantity: 10,
		Trigger:  decimal.RequireFromString("50"),
	})

	// The hold reserves trigger * quantity.
	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("balance after hold = %s, want 500", acct.Balance)
	}
	if !order.Reserved.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("reserved = %s, want 500", order.Reserved)
	}

	res, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "48"))
	if err != nil {
		t.Fatalf("AttemptFill: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Fatalf("outcome = %s, want filled", res.Outcome)
	}
	if !res.Trade.Price.Equal(decimal.RequireFromString("48")) {
		t.Errorf("trade price = %s, want 48", res.Trade.Price)
	}

	// Fill at 48 costs 480; the unused 20 from the hold comes back.
	acct, _ = e.Account("alice")
	if !acct.Balance.Equal(decimal.RequireFromString("520")) {
		t.Errorf("balance after fill = %s, want 520", acct.Balance)
	}
	pos := acct.Position("AAPL")
	if pos == nil || pos.Quantity != 10 || pos.Unsettled != 10 || pos.Settled != 0 {
		t.Errorf("position = %+v, want qty 10 all unsettled", pos)
	}
	if !pos.AvgCost.Equal(decimal.RequireFromString("48")) {
		t.Errorf("avg cost = %s, want 48", pos.AvgCost)
	}

	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusFilled || !got.Reserved.IsZero() {
		t.Errorf("stored order = %+v, want filled with zero reserve", got)
	}
}

func TestLimitBuyNotTriggeredAboveTrigger(t *testing.T) {
	mem := store.NewMemoryStore()
	e := newTestEngine(t, mem, "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})

	res, err := e.AttemptFill(context.Background(), order.ID, openQuote("AAPL", "50.01"))
	if err != nil {
		t.Fatalf("AttemptFill: %v", err)
	}
	if res.Outcome != OutcomeNotTriggered {
		t.Fatalf("outcome = %s, want not_triggered", res.Outcome)
	}
	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusPending {
		t.Errorf("order status = %s, want pending", got.Status)
	}
	if mem.TradeCount() != 0 {
		t.Errorf("trades recorded = %d, want 0", mem.TradeCount())
	}
}

func TestPlaceBuyInsufficientFunds(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), "100")
	ensure(t, e, "alice")

	_, err := e.PlaceOrder(context.Background(), PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// Nothing placed, nothing held.
	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.RequireFromString("100")) {
		t.Errorf("balance = %s, want untouched 100", acct.Balance)
	}
	if n := len(e.OrdersFor("alice")); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}

func TestFillIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	e := newTestEngine(t, mem, "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})
	q := openQuote("AAPL", "48")

	if res, err := e.AttemptFill(ctx, order.ID, q); err != nil || res.Outcome != OutcomeFilled {
		t.Fatalf("first fill: res=%+v err=%v", res, err)
	}
	res, err := e.AttemptFill(ctx, order.ID, q)
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if res.Outcome != OutcomeAlreadyFilled {
		t.Fatalf("second fill outcome = %s, want already_filled", res.Outcome)
	}
	if mem.TradeCount() != 1 {
		t.Errorf("trades recorded = %d, want 1", mem.TradeCount())
	}
	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.RequireFromString("520")) {
		t.Errorf("balance = %s, want 520 after single debit", acct.Balance)
	}
}

func TestFillOnCancelledOrderFails(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})
	if err := e.CancelOrder(ctx, order.ID, "alice"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	_, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "48"))
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

// ---------------------------------------------------------------------------
// Sell lifecycle and T+1
// ---------------------------------------------------------------------------

// buyAndFill seeds alice with a filled position of 10 AAPL at 48.
func buyAndFill(t *testing.T, e *Engine) {
	t.Helper()
	ensure(t, e, "alice")
	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})
	res, err := e.AttemptFill(context.Background(), order.ID, openQuote("AAPL", "48"))
	if err != nil || res.Outcome != OutcomeFilled {
		t.Fatalf("seed fill: res=%+v err=%v", res, err)
	}
}

func TestSellBeforeSettlementRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	buyAndFill(t, e)

	// Watermark is stale (no rollover ran yet); placement refuses.
	_, err := e.PlaceOrder(ctx, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideSell, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrSettlementPending) {
		t.Fatalf("err = %v, want ErrSettlementPending", err)
	}

	// After the rollover of a previous day the watermark matches today but
	// today's purchases have not settled: the shares are not yet sellable.
	if err := e.SettleDay(ctx, domain.Day(testClock())); err != nil {
		t.Fatalf("SettleDay: %v", err)
	}
	// That rollover settled the seeded shares, so sell down to a fresh buy.
	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 1, Trigger: decimal.RequireFromString("50"),
	})
	if res, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "48")); err != nil || res.Outcome != OutcomeFilled {
		t.Fatalf("second buy: res=%+v err=%v", res, err)
	}

	_, err = e.PlaceOrder(ctx, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideSell, Kind: domain.OrderKindLimit,
		Quantity: 11, Trigger: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrInsufficientShares) {
		t.Fatalf("err = %v, want ErrInsufficientShares for unsettled shares", err)
	}
}

func TestSellAfterSettlement(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	buyAndFill(t, e)

	if err := e.SettleDay(ctx, domain.Day(testClock())); err != nil {
		t.Fatalf("SettleDay: %v", err)
	}
	acct, _ := e.Account("alice")
	pos := acct.Position("AAPL")
	if pos.Settled != 10 || pos.Unsettled != 0 {
		t.Fatalf("after settlement position = %+v, want 10 settled", pos)
	}

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideSell, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("52"),
	})
	res, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "52"))
	if err != nil {
		t.Fatalf("AttemptFill: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Fatalf("outcome = %s, want filled", res.Outcome)
	}

	acct, _ = e.Account("alice")
	// 520 left after the buy, plus 10 * 52.
	if !acct.Balance.Equal(decimal.RequireFromString("1040")) {
		t.Errorf("balance = %s, want 1040", acct.Balance)
	}
	if acct.Position("AAPL") != nil {
		t.Errorf("position remains after selling out: %+v", acct.Position("AAPL"))
	}
}

func TestSettleDayIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	buyAndFill(t, e)

	today := domain.Day(testClock())
	if err := e.SettleDay(ctx, today); err != nil {
		t.Fatalf("first SettleDay: %v", err)
	}
	if err := e.SettleDay(ctx, today); err != nil {
		t.Fatalf("second SettleDay: %v", err)
	}
	acct, _ := e.Account("alice")
	pos := acct.Position("AAPL")
	if pos.Settled != 10 || pos.Unsettled != 0 || pos.Quantity != 10 {
		t.Errorf("position after repeated settlement = %+v", pos)
	}
	if e.LastSettledDay() != today {
		t.Errorf("watermark = %q, want %s", e.LastSettledDay(), today)
	}
}

func TestSettleDayRejectsEarlierDay(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	buyAndFill(t, e)

	today := domain.Day(testClock())
	if err := e.SettleDay(ctx, today); err != nil {
		t.Fatalf("SettleDay: %v", err)
	}

	err := e.SettleDay(ctx, "2026-08-27")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if e.LastSettledDay() != today {
		t.Errorf("watermark = %q, want unchanged %s", e.LastSettledDay(), today)
	}
	acct, _ := e.Account("alice")
	pos := acct.Position("AAPL")
	if pos.Settled != 10 || pos.Unsettled != 0 {
		t.Errorf("position after rejected rollback = %+v", pos)
	}
}

// ---------------------------------------------------------------------------
// Limit band
// ---------------------------------------------------------------------------

func TestFillRespectsLimitBand(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	ensure(t, e, "alice")

	today := domain.Day(testClock())
	ls, err := e.RefreshLimitState(ctx, "AAPL", today, decimal.RequireFromString("10"))
	if err != nil {
		t.Fatalf("RefreshLimitState: %v", err)
	}
	if !ls.Upper.Equal(decimal.RequireFromString("11")) || !ls.Lower.Equal(decimal.RequireFromString("9")) {
		t.Fatalf("band = [%s, %s], want [9, 11]", ls.Lower, ls.Upper)
	}

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindStop,
		Quantity: 10, Trigger: decimal.RequireFromString("10.50"),
	})

	// Above the band: the order waits.
	res, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "11.01"))
	if err != nil {
		t.Fatalf("AttemptFill above band: %v", err)
	}
	if res.Outcome != OutcomeDeferred || !errors.Is(res.Reason, domain.ErrOutsideLimitBand) {
		t.Fatalf("res = %+v, want deferred on ErrOutsideLimitBand", res)
	}

	// Exactly on the bound: fills.
	res, err = e.AttemptFill(ctx, order.ID, openQuote("AAPL", "11.00"))
	if err != nil {
		t.Fatalf("AttemptFill at bound: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Fatalf("outcome at bound = %s, want filled", res.Outcome)
	}
}

func TestStaleBandNotBinding(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	ensure(t, e, "alice")

	// Band computed for a past day must not constrain today's fills.
	if _, err := e.RefreshLimitState(ctx, "AAPL", "2026-08-27", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("RefreshLimitState: %v", err)
	}
	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindStop,
		Quantity: 10, Trigger: decimal.RequireFromString("10"),
	})
	res, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "15"))
	if err != nil {
		t.Fatalf("AttemptFill: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Errorf("outcome = %s, want filled despite yesterday's band", res.Outcome)
	}
}

func TestFillDeferredWhenMarketClosed(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})
	q := openQuote("AAPL", "48")
	q.Session = domain.SessionClosed

	res, err := e.AttemptFill(context.Background(), order.ID, q)
	if err != nil {
		t.Fatalf("AttemptFill: %v", err)
	}
	if res.Outcome != OutcomeDeferred || !errors.Is(res.Reason, domain.ErrMarketClosed) {
		t.Fatalf("res = %+v, want deferred on ErrMarketClosed", res)
	}
}

// ---------------------------------------------------------------------------
// Cancel, expiry, holds
// ---------------------------------------------------------------------------

func TestCancelReleasesHold(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})
	if err := e.CancelOrder(ctx, order.ID, "alice"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("balance = %s, want full 1000 restored", acct.Balance)
	}
	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusCancelled || !got.Reserved.IsZero() {
		t.Errorf("order = %+v, want cancelled with zero reserve", got)
	}

	// A second cancel is an invalid transition.
	if err := e.CancelOrder(ctx, order.ID, "alice"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("repeat cancel err = %v, want ErrInvalidState", err)
	}
}

func TestCancelWrongOwner(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})
	if err := e.CancelOrder(ctx, order.ID, "mallory"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusPending {
		t.Errorf("order status = %s, want still pending", got.Status)
	}
}

func TestStaleOrderExpiry(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore(), "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})

	// Cutoff before creation: nothing is stale.
	if stale := e.StaleOrders(testClock().Add(-time.Hour)); len(stale) != 0 {
		t.Fatalf("stale orders with early cutoff = %d, want 0", len(stale))
	}

	stale := e.StaleOrders(testClock().Add(time.Hour))
	if len(stale) != 1 {
		t.Fatalf("stale orders = %d, want 1", len(stale))
	}
	if err := e.ExpireOrder(ctx, stale[0].ID); err != nil {
		t.Fatalf("ExpireOrder: %v", err)
	}
	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusExpired {
		t.Errorf("order status = %s, want expired", got.Status)
	}
	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("balance = %s, want hold released", acct.Balance)
	}

	// A second close on the same order reports the terminal state.
	if err := e.ExpireOrder(ctx, order.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("repeat ExpireOrder err = %v, want ErrInvalidState", err)
	}
}

// ---------------------------------------------------------------------------
// Persistence failure
// ---------------------------------------------------------------------------

func TestWriteFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	e := newTestEngine(t, mem, "1000")
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 10, Trigger: decimal.RequireFromString("50"),
	})

	mem.FailWrites = errors.New("disk full")
	_, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "48"))
	if err == nil {
		t.Fatal("AttemptFill succeeded despite write failure")
	}

	// The in-memory view still shows the pre-fill state.
	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.RequireFromString("500")) {
		t.Errorf("balance = %s, want 500 (hold intact, no debit)", acct.Balance)
	}
	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusPending {
		t.Errorf("order status = %s, want pending", got.Status)
	}

	// Once writes recover the same fill goes through cleanly.
	mem.FailWrites = nil
	res, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "48"))
	if err != nil || res.Outcome != OutcomeFilled {
		t.Fatalf("retry fill: res=%+v err=%v", res, err)
	}
	if mem.TradeCount() != 1 {
		t.Errorf("trades = %d, want 1", mem.TradeCount())
	}
}

// ---------------------------------------------------------------------------
// Recovery and fees
// ---------------------------------------------------------------------------

func TestRecoveryFromStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	e := newTestEngine(t, mem, "1000")
	buyAndFill(t, e)
	if err := e.SettleDay(ctx, domain.Day(testClock())); err != nil {
		t.Fatalf("SettleDay: %v", err)
	}

	// A fresh engine over the same store sees identical state.
	e2 := newTestEngine(t, mem, "1000")
	acct, err := e2.Account("alice")
	if err != nil {
		t.Fatalf("Account after recovery: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("520")) {
		t.Errorf("recovered balance = %s, want 520", acct.Balance)
	}
	pos := acct.Position("AAPL")
	if pos == nil || pos.Settled != 10 {
		t.Errorf("recovered position = %+v, want 10 settled", pos)
	}
	if e2.LastSettledDay() != domain.Day(testClock()) {
		t.Errorf("recovered watermark = %q", e2.LastSettledDay())
	}
}

func TestFeesAppliedOnFill(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	e, err := NewEngine(ctx, mem, Options{
		InitialBalance: decimal.NewFromInt(10000),
		Fees: rules.FeeSchedule{
			CommissionRate: decimal.RequireFromString("0.0003"),
			MinCommission:  decimal.NewFromInt(5),
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  testClock,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ensure(t, e, "alice")

	order := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 100, Trigger: decimal.RequireFromString("10"),
	})
	res, err := e.AttemptFill(ctx, order.ID, openQuote("AAPL", "10"))
	if err != nil || res.Outcome != OutcomeFilled {
		t.Fatalf("fill: res=%+v err=%v", res, err)
	}
	// Notional 1000, commission floors at 5.
	if !res.Trade.Fees.Equal(decimal.NewFromInt(5)) {
		t.Errorf("fees = %s, want 5", res.Trade.Fees)
	}
	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.NewFromInt(8995)) {
		t.Errorf("balance = %s, want 8995", acct.Balance)
	}
}

func TestSellRejectedWhenFeesOverdraw(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	e, err := NewEngine(ctx, mem, Options{
		InitialBalance: decimal.NewFromInt(55),
		Fees: rules.FeeSchedule{
			CommissionRate:  decimal.RequireFromString("0.0003"),
			MinCommission:   decimal.NewFromInt(5),
			StampTaxRate:    decimal.RequireFromString("0.001"),
			TransferFeeRate: decimal.RequireFromString("0.00001"),
			MinTransferFee:  decimal.NewFromInt(1),
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  testClock,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ensure(t, e, "alice")

	buy := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 1, Trigger: decimal.RequireFromString("48"),
	})
	// Notional 48 plus minimum commission 5 and minimum transfer fee 1.
	if res, err := e.AttemptFill(ctx, buy.ID, openQuote("AAPL", "48")); err != nil || res.Outcome != OutcomeFilled {
		t.Fatalf("buy fill: res=%+v err=%v", res, err)
	}
	if err := e.SettleDay(ctx, domain.Day(testClock())); err != nil {
		t.Fatalf("SettleDay: %v", err)
	}

	sell := mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "AAPL",
		Side: domain.OrderSideSell, Kind: domain.OrderKindLimit,
		Quantity: 1, Trigger: decimal.RequireFromString("2"),
	})
	// Proceeds 2 against minimum fees 6.002 would leave the balance of 1
	// below zero.
	res, err := e.AttemptFill(ctx, sell.ID, openQuote("AAPL", "2"))
	if err != nil {
		t.Fatalf("sell fill: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if !errors.Is(res.Reason, domain.ErrInsufficientFunds) {
		t.Errorf("reason = %v, want ErrInsufficientFunds", res.Reason)
	}

	acct, _ := e.Account("alice")
	if !acct.Balance.Equal(decimal.NewFromInt(1)) {
		t.Errorf("balance = %s, want untouched 1", acct.Balance)
	}
	pos := acct.Position("AAPL")
	if pos == nil || pos.Quantity != 1 || pos.Settled != 1 {
		t.Errorf("position = %+v, want 1 settled share kept", pos)
	}
	got, _ := e.Order(sell.ID)
	if got.Status != domain.OrderStatusRejected {
		t.Errorf("order status = %s, want rejected", got.Status)
	}
}

func TestActiveSymbols(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), "10000")
	buyAndFill(t, e)
	mustPlace(t, e, PlaceRequest{
		UserID: "alice", Symbol: "MSFT",
		Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 1, Trigger: decimal.RequireFromString("100"),
	})

	syms := e.ActiveSymbols()
	seen := make(map[string]bool, len(syms))
	for _, s := range syms {
		seen[s] = true
	}
	if !seen["AAPL"] || !seen["MSFT"] || len(syms) != 2 {
		t.Errorf("active symbols = %v, want [AAPL MSFT]", syms)
	}
}
