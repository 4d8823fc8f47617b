package extract

import (
	"sort"

	"cloud.google.com/go/civil"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/pkg/omop"
)

// Lab and anthropometric indicator names raised by the measurement extractor.
const (
	FlagPCRAGPositive    = "PCR_AG_Pos"
	FlagPCRAGNegative    = "PCR_AG_Neg"
	FlagAntibodyPositive = "Antibody_Pos"
	FlagAntibodyNegative = "Antibody_Neg"
	FlagObesity          = "OBESITY"
)

// MeasurementIndicators lists the flags a measurement day row can carry.
var MeasurementIndicators = []string{
	FlagPCRAGPositive,
	FlagPCRAGNegative,
	FlagAntibodyPositive,
	FlagAntibodyNegative,
	FlagObesity,
}

// Members reports cohort membership.
type Members interface {
	Has(personID int64) bool
}

// DayRow is one (person, date) row of a day-level indicator table. Flags
// holds only the indicators raised that day.
type DayRow struct {
	PersonID   int64
	Date       civil.Date
	Flags      map[string]bool
	BMIRounded null.Int
}

// DayTable is the reduced output of one extractor. Rows are unique on
// (person, date) and sorted on that key. Indicators names every flag the
// extractor could raise, raised or not.
type DayTable struct {
	Domain     omop.Domain
	Indicators []string
	Rows       []DayRow
}

// Len returns the number of rows.
func (t *DayTable) Len() int { return len(t.Rows) }

type dayKey struct {
	person int64
	date   civil.Date
}

// reducer OR-reduces flags onto one row per (person, date).
type reducer struct {
	rows map[dayKey]*DayRow
}

func newReducer() *reducer {
	return &reducer{rows: make(map[dayKey]*DayRow)}
}

func (r *reducer) row(person int64, date civil.Date) *DayRow {
	k := dayKey{person, date}
	row, ok := r.rows[k]
	if !ok {
		row = &DayRow{PersonID: person, Date: date, Flags: make(map[string]bool)}
		r.rows[k] = row
	}
	return row
}

func (r *reducer) table(domain omop.Domain, indicators []string) *DayTable {
	t := &DayTable{Domain: domain, Indicators: indicators, Rows: make([]DayRow, 0, len(r.rows))}
	for _, row := range r.rows {
		t.Rows = append(t.Rows, *row)
	}
	sort.Slice(t.Rows, func(i, j int) bool {
		a, b := t.Rows[i], t.Rows[j]
		if a.PersonID != b.PersonID {
			return a.PersonID < b.PersonID
		}
		return a.Date.Before(b.Date)
	})
	return t
}
