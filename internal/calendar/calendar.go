// Package calendar answers pure questions about the US equity trading
// calendar: whether a date is a trading day, whether the market is open at
// an instant, and how to walk between trading days. It owns the only
// calendar-date value type used across the codebase.
package calendar

import "time"

// Session hours, minutes from midnight in the market's local zone.
const (
	sessionOpenMinutes  = 9*60 + 30 // 09:30
	sessionCloseMinutes = 16 * 60   // 16:00
)

// marketLocation is the exchange's operating timezone. The fallback keeps
// classification deterministic on hosts without a tz database, at the cost
// of a one-hour session shift during DST.
var marketLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}()

// holidays lists full-day US market closures. The list is finite and must be
// extended each year; dates beyond the last covered year fall back to
// weekend-only classification rather than failing.
var holidays = map[string]bool{
	// 2022
	"2022-01-17": true, // Martin Luther King Jr. Day
	"2022-02-21": true, // Presidents' Day
	"2022-04-15": true, // Good Friday
	"2022-05-30": true, // Memorial Day
	"2022-06-20": true, // Juneteenth (observed)
	"2022-07-04": true, // Independence Day
	"2022-09-05": true, // Labor Day
	"2022-11-24": true, // Thanksgiving
	"2022-12-26": true, // Christmas (observed)
	// 2023
	"2023-01-02": true, // New Year's Day (observed)
	"2023-01-16": true, // Martin Luther King Jr. Day
	"2023-02-20": true, // Presidents' Day
	"2023-04-07": true, // Good Friday
	"2023-05-29": true, // Memorial Day
	"2023-06-19": true, // Juneteenth
	"2023-07-04": true, // Independence Day
	"2023-09-04": true, // Labor Day
	"2023-11-23": true, // Thanksgiving
	"2023-12-25": true, // Christmas
	// 2024
	"2024-01-01": true, // New Year's Day
	"2024-01-15": true, // Martin Luther King Jr. Day
	"2024-02-19": true, // Presidents' Day
	"2024-03-29": true, // Good Friday
	"2024-05-27": true, // Memorial Day
	"2024-06-19": true, // Juneteenth
	"2024-07-04": true, // Independence Day
	"2024-09-02": true, // Labor Day
	"2024-11-28": true, // Thanksgiving
	"2024-12-25": true, // Christmas
	// 2025
	"2025-01-01": true, // New Year's Day
	"2025-01-09": true, // National Day of Mourning
	"2025-01-20": true, // Martin Luther King Jr. Day
	"2025-02-17": true, // Presidents' Day
	"2025-04-18": true, // Good Friday
	"2025-05-26": true, // Memorial Day
	"2025-06-19": true, // Juneteenth
	"2025-07-04": true, // Independence Day
	"2025-09-01": true, // Labor Day
	"2025-11-27": true, // Thanksgiving
	"2025-12-25": true, // Christmas
	// 2026
	"2026-01-01": true, // New Year's Day
	"2026-01-19": true, // Martin Luther King Jr. Day
	"2026-02-16": true, // Presidents' Day
	"2026-04-03": true, // Good Friday
	"2026-05-25": true, // Memorial Day
	"2026-06-19": true, // Juneteenth
	"2026-07-03": true, // Independence Day (observed)
	"2026-09-07": true, // Labor Day
	"2026-11-26": true, // Thanksgiving
	"2026-12-25": true, // Christmas
}

// RegisterHolidays adds extra closure dates, typically from configuration
// when a new year's schedule is published before a release carries it.
func RegisterHolidays(dates []Date) {
	for _, d := range dates {
		holidays[d.String()] = true
	}
}

// IsWeekend reports whether the date falls on Saturday or Sunday.
func IsWeekend(d Date) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsHoliday reports whether the date is a listed full-day market closure.
func IsHoliday(d Date) bool {
	return holidays[d.String()]
}

// IsTradingDay reports whether the market is scheduled to open on the date.
func IsTradingDay(d Date) bool {
	return !IsWeekend(d) && !IsHoliday(d)
}

// MostRecentTradingDay returns d when it is a trading day, otherwise the
// closest trading day before it.
func MostRecentTradingDay(d Date) Date {
	for !IsTradingDay(d) {
		d = d.Add(-1)
	}
	return d
}

// PreviousTradingDay returns the closest trading day strictly before d.
func PreviousTradingDay(d Date) Date {
	return MostRecentTradingDay(d.Add(-1))
}

// NextTradingDay returns the closest trading day strictly after d.
func NextTradingDay(d Date) Date {
	d = d.Add(1)
	for !IsTradingDay(d) {
		d = d.Add(1)
	}
	return d
}

// marketDate returns the calendar date of now as seen from the exchange
// floor, which is the date session checks must use.
func marketDate(now time.Time) Date {
	local := now.In(marketLocation)
	return New(local.Date())
}

// MarketDate is the exported form of marketDate for callers that need to
// know what "today" means to the exchange.
func MarketDate(now time.Time) Date { return marketDate(now) }

// IsMarketOpen reports whether the market session is in progress at now.
func IsMarketOpen(now time.Time) bool {
	if !IsTradingDay(marketDate(now)) {
		return false
	}
	local := now.In(marketLocation)
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= sessionOpenMinutes && minutes < sessionCloseMinutes
}

// IsAfterClose reports whether now falls after the session close on a
// trading day, the window in which today's completed bar becomes available.
func IsAfterClose(now time.Time) bool {
	if !IsTradingDay(marketDate(now)) {
		return false
	}
	local := now.In(marketLocation)
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= sessionCloseMinutes
}
