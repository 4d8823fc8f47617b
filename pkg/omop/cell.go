package omop

import "gopkg.in/guregu/null.v3"

// Output table cells are nil, int64, float64, string or civil.Date.

// Flag renders a boolean indicator as 0 or 1.
func Flag(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Cell returns the date or nil.
func (n NullDate) Cell() any {
	if !n.Valid {
		return nil
	}
	return n.Date
}

// IntCell returns the value or nil.
func IntCell(v null.Int) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

// StringCell returns the value or nil.
func StringCell(v null.String) any {
	if !v.Valid {
		return nil
	}
	return v.String
}
