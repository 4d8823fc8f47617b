package source

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/araddon/dateparse"
	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/pkg/omop"
)

// decoder converts text cells of one table. Malformed cells decode as null
// and are counted per column; rows without a usable key are skipped.
type decoder struct {
	table   string
	columns []string

	mu        sync.Mutex
	malformed map[string]int
}

func (d *decoder) bad(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.malformed == nil {
		d.malformed = make(map[string]int)
	}
	d.malformed[d.columns[i]]++
}

func (d *decoder) log(logger zerolog.Logger) {
	for col, n := range d.malformed {
		logger.Warn().Str("table", d.table).Str("column", col).Int("cells", n).Msg("malformed cells read as null")
	}
}

func (d *decoder) str(v []null.String, i int) string {
	return strings.TrimSpace(v[i].String)
}

func (d *decoder) int(v []null.String, i int) null.Int {
	s := d.str(v, i)
	if !v[i].Valid || s == "" {
		return null.Int{}
	}
	n, ok := parseInt(s)
	if !ok {
		d.bad(i)
		return null.Int{}
	}
	return null.IntFrom(n)
}

// id is int for key columns; the bool reports a usable value.
func (d *decoder) id(v []null.String, i int) (int64, bool) {
	n := d.int(v, i)
	return n.Int64, n.Valid
}

func (d *decoder) float(v []null.String, i int) null.Float {
	s := d.str(v, i)
	if !v[i].Valid || s == "" {
		return null.Float{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		d.bad(i)
		return null.Float{}
	}
	return null.FloatFrom(f)
}

func (d *decoder) date(v []null.String, i int) omop.NullDate {
	s := d.str(v, i)
	if !v[i].Valid || s == "" {
		return omop.NullDate{}
	}
	nd, ok := parseDate(s)
	if !ok {
		d.bad(i)
	}
	return nd
}

func (d *decoder) bool(v []null.String, i int) bool {
	switch strings.ToLower(d.str(v, i)) {
	case "t", "true", "1", "y", "yes":
		return true
	}
	return false
}

// parseInt accepts integral floats such as "8532.0" written by
// spreadsheet exports.
func parseInt(s string) (int64, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// parseDate reads ISO dates directly and falls back to dateparse for the
// other layouts sites export (timestamps, US style, month names).
func parseDate(s string) (omop.NullDate, bool) {
	if d, err := civil.ParseDate(s); err == nil {
		return omop.DateFrom(d), true
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return omop.NullDate{}, false
	}
	return omop.DateOf(t), true
}
