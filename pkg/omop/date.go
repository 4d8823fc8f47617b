package omop

import (
	"time"

	"cloud.google.com/go/civil"
)

// NullDate is a calendar date that may be absent. Every comparison and
// subtraction involving an invalid operand is "incomparable": it reports
// ok=false or false, never a zero-valued result.
type NullDate struct {
	Date  civil.Date
	Valid bool
}

// DateFrom wraps a valid date.
func DateFrom(d civil.Date) NullDate {
	return NullDate{Date: d, Valid: true}
}

// DateOf wraps the calendar date of t.
func DateOf(t time.Time) NullDate {
	return DateFrom(civil.DateOf(t))
}

// MustParseDate parses a YYYY-MM-DD date; it panics on malformed input and is
// meant for literals in code and tests.
func MustParseDate(s string) NullDate {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return DateFrom(d)
}

// DaysSince returns n - o in days.
func (n NullDate) DaysSince(o NullDate) (int, bool) {
	if !n.Valid || !o.Valid {
		return 0, false
	}
	return n.Date.DaysSince(o.Date), true
}

// On reports whether n is valid and falls on d.
func (n NullDate) On(d civil.Date) bool {
	return n.Valid && n.Date == d
}

// Before reports whether both dates are valid and n is strictly earlier.
func (n NullDate) Before(o NullDate) bool {
	return n.Valid && o.Valid && n.Date.Before(o.Date)
}

// Covers reports whether d falls within [start, end], both ends inclusive.
// An open end on either side makes the interval incomparable.
func Covers(start, end NullDate, d civil.Date) bool {
	if !start.Valid || !end.Valid {
		return false
	}
	return !d.Before(start.Date) && !d.After(end.Date)
}

// EarlierOf returns the earlier valid date, ignoring a null side.
func EarlierOf(a, b NullDate) NullDate {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	case b.Date.Before(a.Date):
		return b
	}
	return a
}

func (n NullDate) String() string {
	if !n.Valid {
		return ""
	}
	return n.Date.String()
}
