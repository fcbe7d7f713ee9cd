// Package rules implements the market-rule predicates the trading engine
// consults before letting an order fill: T+1 sell eligibility, daily
// price-limit bands, session gating, trigger-condition evaluation, and the
// exchange fee schedule. Every function is pure: no I/O, no stored state
// beyond the configured rates.
package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// CanSell reports whether the position has enough settled shares to cover a
// sell of quantity. Shares bought today sit in Unsettled and only become
// sellable after the daily settlement rollover (T+1).
func CanSell(pos *domain.Position, quantity int64) bool {
	if pos == nil {
		return false
	}
	return pos.Settled >= quantity
}

// WithinLimitBand reports whether price falls inside the symbol's daily
// limit band. Bounds are inclusive: a fill exactly at the upper or lower
// bound is legal. A nil limit state means no band is in force for the
// symbol today and the check passes.
func WithinLimitBand(price decimal.Decimal, ls *domain.LimitState) bool {
	if ls == nil {
		return true
	}
	return ls.Contains(price)
}

// IsTradeableNow reports whether orders may execute in the given session.
func IsTradeableNow(session domain.SessionStatus) bool {
	return session == domain.SessionOpen
}

// Triggered reports whether the market price satisfies the order's trigger
// condition.
//
//	buy  limit: price <= trigger    buy  stop: price >= trigger
//	sell limit: price >= trigger    sell stop: price <= trigger
//	market:     always
func Triggered(order *domain.Order, price decimal.Decimal) bool {
	switch order.Kind {
	case domain.OrderKindMarket:
		return true
	case domain.OrderKindLimit:
		if order.Side == domain.OrderSideBuy {
			return price.LessThanOrEqual(order.Trigger)
		}
		return price.GreaterThanOrEqual(order.Trigger)
	case domain.OrderKindStop:
		if order.Side == domain.OrderSideBuy {
			return price.GreaterThanOrEqual(order.Trigger)
		}
		return price.LessThanOrEqual(order.Trigger)
	}
	return false
}

// ComputeLimitBand derives a daily limit state from the previous close.
// Bounds are prevClose ± bandPct, rounded to 2 decimal places.
func ComputeLimitBand(symbol, day string, prevClose, bandPct decimal.Decimal) *domain.LimitState {
	delta := prevClose.Mul(bandPct)
	return &domain.LimitState{
		Symbol:    symbol,
		Day:       day,
		PrevClose: prevClose,
		Upper:     prevClose.Add(delta).Round(2),
		Lower:     prevClose.Sub(delta).Round(2),
	}
}

// FeeSchedule holds the exchange fee rates applied to fills. The zero value
// charges nothing, which keeps the plain simulator's arithmetic exact.
type FeeSchedule struct {
	CommissionRate  decimal.Decimal // fraction of notional, both sides
	MinCommission   decimal.Decimal // per-order floor when a commission applies
	StampTaxRate    decimal.Decimal // fraction of notional, sells only
	TransferFeeRate decimal.Decimal
	MinTransferFee  decimal.Decimal
}

// Commission returns the commission on a trade of the given notional amount.
func (f FeeSchedule) Commission(notional decimal.Decimal) decimal.Decimal {
	if f.CommissionRate.IsZero() {
		return decimal.Zero
	}
	c := notional.Mul(f.CommissionRate)
	if c.LessThan(f.MinCommission) {
		return f.MinCommission
	}
	return c
}

// transferFee returns the share-transfer fee on the given notional amount.
func (f FeeSchedule) transferFee(notional decimal.Decimal) decimal.Decimal {
	if f.TransferFeeRate.IsZero() {
		return decimal.Zero
	}
	t := notional.Mul(f.TransferFeeRate)
	if t.LessThan(f.MinTransferFee) {
		return f.MinTransferFee
	}
	return t
}

// BuyCost returns the total cash required to buy quantity shares at price,
// along with the fee portion. Stamp tax is not levied on buys.
func (f FeeSchedule) BuyCost(quantity int64, price decimal.Decimal) (total, fees decimal.Decimal) {
	notional := price.Mul(decimal.NewFromInt(quantity))
	fees = f.Commission(notional).Add(f.transferFee(notional))
	return notional.Add(fees), fees
}

// SellProceeds returns the net cash credited for selling quantity shares at
// price, along with the fee portion (commission, stamp tax, transfer fee).
func (f FeeSchedule) SellProceeds(quantity int64, price decimal.Decimal) (net, fees decimal.Decimal) {
	notional := price.Mul(decimal.NewFromInt(quantity))
	fees = f.Commission(notional).
		Add(notional.Mul(f.StampTaxRate)).
		Add(f.transferFee(notional))
	return notional.Sub(fees), fees
}

// ValidateQuantity checks that quantity is positive and, when lotSize > 1,
// a whole multiple of the lot size.
func ValidateQuantity(quantity, lotSize int64) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if lotSize > 1 && quantity%lotSize != 0 {
		return fmt.Errorf("quantity %d is not a multiple of the %d-share lot", quantity, lotSize)
	}
	return nil
}
