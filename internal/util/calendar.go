package util

import (
	"time"

	"papertrade/internal/domain"
)

// Market identifies the exchange calendar in force.
type Market string

const (
	MarketCN Market = "cn" // Shanghai/Shenzhen
	MarketUS Market = "us" // NYSE/Nasdaq
)

// session is a half-open daily window in exchange-local wall time.
type session struct {
	startH, startM int
	endH, endM     int
}

var (
	cnTrading = []session{{9, 30, 11, 30}, {13, 0, 15, 0}}
	cnAuction = []session{{9, 15, 9, 25}, {14, 57, 15, 0}}
	usTrading = []session{{9, 30, 16, 0}}

	// Fixed-date holidays. A production feed would come from the exchange;
	// for the simulator a static list covering the majors is enough.
	cnHolidays = []string{
		"01-01", // New Year
		"05-01", // Labour Day
		"10-01", "10-02", "10-03", // National Day
	}
	usHolidays = []string{
		"01-01", // New Year
		"07-04", // Independence Day
		"12-25", // Christmas
	}
)

// TradingCalendar provides market-hours awareness for a specific market.
type TradingCalendar struct {
	market Market
	loc    *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market. The
// exchange timezone is resolved from the system zone database; if that
// fails, UTC is used and sessions will be skewed, so callers should treat a
// missing zone database as a deployment error.
func NewTradingCalendar(market Market) *TradingCalendar {
	name := "Asia/Shanghai"
	if market == MarketUS {
		name = "America/New_York"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	return &TradingCalendar{market: market, loc: loc}
}

// Location returns the exchange timezone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	local := t.In(tc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	monthDay := local.Format("01-02")
	holidays := cnHolidays
	if tc.market == MarketUS {
		holidays = usHolidays
	}
	for _, h := range holidays {
		if h == monthDay {
			return false
		}
	}
	return true
}

// SessionAt returns the session status at time t: open during continuous
// trading, auction during call-auction windows (CN only), closed otherwise.
func (tc *TradingCalendar) SessionAt(t time.Time) domain.SessionStatus {
	if !tc.IsTradingDay(t) {
		return domain.SessionClosed
	}
	local := t.In(tc.loc)

	trading := cnTrading
	var auction []session
	if tc.market == MarketUS {
		trading = usTrading
	} else {
		auction = cnAuction
	}

	for _, s := range trading {
		if inSession(local, s) {
			return domain.SessionOpen
		}
	}
	for _, s := range auction {
		if inSession(local, s) {
			return domain.SessionAuction
		}
	}
	return domain.SessionClosed
}

// IsMarketOpen reports whether continuous trading is in session at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.SessionAt(t) == domain.SessionOpen
}

// NextOpen returns the next continuous-trading open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	trading := cnTrading
	if tc.market == MarketUS {
		trading = usTrading
	}

	// Bounded scan: two weeks covers any weekend/holiday run in the list.
	for day := 0; day < 14; day++ {
		d := local.AddDate(0, 0, day)
		if !tc.IsTradingDay(d) {
			continue
		}
		for _, s := range trading {
			open := time.Date(d.Year(), d.Month(), d.Day(), s.startH, s.startM, 0, 0, tc.loc)
			if !open.Before(local) {
				return open
			}
		}
	}
	return time.Time{}
}

func inSession(local time.Time, s session) bool {
	minute := local.Hour()*60 + local.Minute()
	return minute >= s.startH*60+s.startM && minute < s.endH*60+s.endM
}
