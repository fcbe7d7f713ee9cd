package domain

import "errors"

// Typed failures surfaced by the trading core. Callers match with errors.Is;
// wrapped messages carry the specifics.
var (
	// ErrInsufficientFunds: the account's available cash cannot cover the
	// order cost (including any fees) or the required hold.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares: the sell quantity exceeds the settled holding,
	// either outright or because of the T+1 rule.
	ErrInsufficientShares = errors.New("insufficient sellable shares")

	// ErrOutsideLimitBand: the candidate price falls outside the symbol's
	// daily price-limit band.
	ErrOutsideLimitBand = errors.New("price outside daily limit band")

	// ErrMarketClosed: the trading session is not open.
	ErrMarketClosed = errors.New("market closed")

	// ErrInvalidState: the operation is not valid for the order's current
	// status (e.g. cancelling a filled order).
	ErrInvalidState = errors.New("invalid order state")

	// ErrAlreadyFilled: an idempotent no-op, not a true failure. A repeated
	// fill attempt on a filled order observes this.
	ErrAlreadyFilled = errors.New("order already filled")

	// ErrDataUnavailable: the upstream price source cannot be reached.
	// Transient; callers skip and retry.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrSettlementPending: sell validation was attempted before the daily
	// settlement rollover has run for the current trading day.
	ErrSettlementPending = errors.New("daily settlement has not run")

	// ErrUnknownOrder: no order exists with the given id.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrUnknownAccount: no account exists for the given user id.
	ErrUnknownAccount = errors.New("unknown account")
)
