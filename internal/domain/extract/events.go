package extract

import (
	"sort"

	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/pkg/omop"
)

// Events reduces one event table to a day-level indicator table. Rows
// outside the cohort, without a date, or whose concept raises no indicator
// are dropped. An empty result is still a valid, typed table.
func Events(domain omop.Domain, events []omop.Event, members Members, ind concept.Indicators) *DayTable {
	r := newReducer()
	for _, e := range events {
		if !e.Date.Valid || !members.Has(e.PersonID) {
			continue
		}
		names, ok := ind[e.ConceptID]
		if !ok {
			continue
		}
		row := r.row(e.PersonID, e.Date.Date)
		for _, n := range names {
			row.Flags[n] = true
		}
	}
	return r.table(domain, indicatorNames(ind))
}

func indicatorNames(ind concept.Indicators) []string {
	seen := make(map[string]bool)
	var out []string
	for _, names := range ind {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}
