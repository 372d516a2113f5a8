// Package marketclock turns wall-clock time into trading-session state for
// the US and KR markets. All answers are pure functions of the passed-in
// time, so ticks are deterministic and testable.
package marketclock

import (
	"fmt"
	"time"

	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

// Trading sessions.
const (
	SessionPreMarket   = "PRE_MARKET"
	SessionRegular     = "REGULAR"
	SessionAfterMarket = "AFTER_MARKET"
	SessionClosed      = "CLOSED"
)

// US session boundaries in New York local minutes-of-day. Boundaries are
// inclusive at the opening minute of each session.
const (
	usPreOpenMin  = 4 * 60    // 04:00
	usRegOpenMin  = 9*60 + 30 // 09:30
	usRegCloseMin = 16 * 60   // 16:00
	usAfterEndMin = 20 * 60   // 20:00
)

// End of the KR regular session, in KST minutes-of-day.
const krCloseMin = 15*60 + 30

// Status is the session snapshot the executors act on.
type Status struct {
	Session                 string
	IsDST                   bool
	CanSubmitOpeningLimit   bool
	CanSubmitClosingLimit   bool
	MinutesSinceRegularOpen int
}

// Clock computes session state from the tz database rather than fixed UTC
// offsets, so DST transitions track the civil rules.
type Clock struct {
	ny       *time.Location
	kst      *time.Location
	debounce time.Duration
	holidays *Calendar
}

// New builds a Clock. debounce is how long after the regular open the
// close-side logic stays suppressed; holidayFile is optional.
func New(debounce time.Duration, holidayFile string) (*Clock, error) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load tz America/New_York: %w", err)
	}
	kst, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return nil, fmt.Errorf("load tz Asia/Seoul: %w", err)
	}
	cal, err := LoadCalendar(holidayFile)
	if err != nil {
		return nil, err
	}
	return &Clock{ny: ny, kst: kst, debounce: debounce, holidays: cal}, nil
}

// Status reports the US market session for the given instant. The calendar
// day (weekend, holiday) is judged in New York, not in the reference
// timezone, because the US session crosses midnight KST.
func (c *Clock) Status(now time.Time) Status {
	local := now.In(c.ny)
	st := Status{Session: SessionClosed, IsDST: local.IsDST()}

	if c.offDay(db.MarketUS, local) {
		return st
	}

	minutes := local.Hour()*60 + local.Minute()
	st.MinutesSinceRegularOpen = minutes - usRegOpenMin

	switch {
	case minutes >= usPreOpenMin && minutes < usRegOpenMin:
		st.Session = SessionPreMarket
		st.CanSubmitOpeningLimit = true
	case minutes >= usRegOpenMin && minutes < usRegCloseMin:
		st.Session = SessionRegular
		st.CanSubmitClosingLimit = true
	case minutes >= usRegCloseMin && minutes < usAfterEndMin:
		st.Session = SessionAfterMarket
	}
	return st
}

// CanEvaluateClosingCondition is true once the regular session has been open
// for the debounce interval, letting the opening print stabilize before any
// close-side decision.
func (c *Clock) CanEvaluateClosingCondition(now time.Time) bool {
	st := c.Status(now)
	return st.Session == SessionRegular &&
		time.Duration(st.MinutesSinceRegularOpen)*time.Minute >= c.debounce
}

// DayStart returns the start of the current trading-calendar day for a
// market, in that market's local timezone. Used as the "today" boundary for
// duplicate prevention and the stale-order sweep.
func (c *Clock) DayStart(market string, now time.Time) time.Time {
	loc := c.ny
	if market == db.MarketKR {
		loc = c.kst
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// ClosedForDay reports whether a market has finished trading for its current
// calendar day, which is when stale submitted orders become sweepable.
func (c *Clock) ClosedForDay(market string, now time.Time) bool {
	switch market {
	case db.MarketKR:
		local := now.In(c.kst)
		if c.offDay(db.MarketKR, local) {
			return true
		}
		return local.Hour()*60+local.Minute() >= krCloseMin
	default:
		local := now.In(c.ny)
		if c.offDay(db.MarketUS, local) {
			return true
		}
		return local.Hour()*60+local.Minute() >= usAfterEndMin
	}
}

// Weekend reports whether the market's local calendar day is a weekend.
func (c *Clock) Weekend(market string, now time.Time) bool {
	loc := c.ny
	if market == db.MarketKR {
		loc = c.kst
	}
	wd := now.In(loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// offDay combines weekend and holiday checks for a market-local time.
func (c *Clock) offDay(market string, local time.Time) bool {
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	return c.holidays.Holiday(market, local)
}
