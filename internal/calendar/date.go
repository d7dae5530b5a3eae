package calendar

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateFormat is the format used to represent dates as strings in ISO-8601 form.
const DateFormat = "2006-01-02"

// Date represents a market calendar date with day-level granularity.
// Daily bars are labelled by calendar date, not by wall-clock instant, so
// every comparison in this codebase goes through this type. Construct a Date
// only via New, FromTime, Parse or ParseFeedTimestamp; comparing raw
// time.Time values shifts bars across days depending on the runtime zone.
type Date struct {
	y int
	m time.Month
	d int
}

// New returns a normalized Date for the given year, month, and day.
func New(year int, month time.Month, day int) Date {
	d := Date{year, month, day}
	d.y, d.m, d.d = d.time().Date()
	return d
}

// FromTime returns the Date holding the calendar date of t, evaluated in UTC.
func FromTime(t time.Time) Date {
	return New(t.UTC().Date())
}

// Today returns the current date.
func Today() Date { return FromTime(time.Now()) }

// time returns the canonical representation of the date: noon UTC. Noon keeps
// the calendar day stable under any offset a caller might apply.
func (d Date) time() time.Time {
	return time.Date(d.y, d.m, d.d, 12, 0, 0, 0, time.UTC)
}

// Time exposes the canonical noon-UTC instant, used for persistence.
func (d Date) Time() time.Time { return d.time() }

// Year returns the year of the date.
func (d Date) Year() int { return d.y }

// Month returns the month of the date.
func (d Date) Month() time.Month { return d.m }

// Day returns the day of the month.
func (d Date) Day() int { return d.d }

// Weekday returns the day of the week for the date.
func (d Date) Weekday() time.Weekday { return d.time().Weekday() }

// Add returns a new Date with the given number of days added.
func (d Date) Add(days int) Date { return New(d.y, d.m, d.d+days) }

// Before reports whether the day d is before x.
func (d Date) Before(x Date) bool { return d.time().Before(x.time()) }

// After reports whether the day d is after x.
func (d Date) After(x Date) bool { return d.time().After(x.time()) }

// Equal reports whether d and x are the same calendar day.
func (d Date) Equal(x Date) bool { return d == x }

// IsZero reports whether the date is the zero value.
func (d Date) IsZero() bool { return d == Date{} }

// DaysUntil returns the number of calendar days from d to x.
// Negative when x is before d.
func (d Date) DaysUntil(x Date) int {
	return int(x.time().Sub(d.time()) / (24 * time.Hour))
}

// String formats the date in its standard format.
func (d Date) String() string { return d.time().Format(DateFormat) }

// Parse parses a Date from a strict "2006-01-02" string.
func Parse(str string) (Date, error) {
	t, err := time.Parse(DateFormat, str)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q want format %q: %w", str, DateFormat, err)
	}
	return New(t.Date()), nil
}

// MustParse is like Parse but panics on error.
func MustParse(str string) Date {
	d, err := Parse(str)
	if err != nil {
		panic(err.Error())
	}
	return d
}

// ParseFeedTimestamp extracts the calendar-date component from an upstream
// bar timestamp such as "2024-01-02T05:00:00Z" or "2024-01-02". Only the
// leading date is read; any time-of-day and zone suffix is discarded so the
// bar keeps the day label the feed assigned it.
func ParseFeedTimestamp(raw string) (Date, error) {
	if len(raw) < len(DateFormat) {
		return Date{}, fmt.Errorf("invalid feed timestamp %q: too short", raw)
	}
	t, err := time.Parse(DateFormat, raw[:len(DateFormat)])
	if err != nil {
		return Date{}, fmt.Errorf("invalid feed timestamp %q: %w", raw, err)
	}
	return New(t.Date()), nil
}

// UnmarshalJSON implements json.Unmarshaler for a "2006-01-02" string.
func (d *Date) UnmarshalJSON(bytes []byte) error {
	var str string
	if err := json.Unmarshal(bytes, &str); err != nil {
		return err
	}
	parsed, err := Parse(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	str := d.String()
	return json.Marshal(&str)
}

var _ json.Marshaler = (*Date)(nil)
var _ json.Unmarshaler = (*Date)(nil)
