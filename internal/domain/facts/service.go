package facts

import (
	"sort"

	"cloud.google.com/go/civil"

	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/encounter"
	"github.com/ehr/cohort/internal/domain/extract"
	"github.com/ehr/cohort/internal/domain/mortality"
	"github.com/ehr/cohort/pkg/omop"
)

// Inputs are the upstream stage outputs the aggregator joins.
type Inputs struct {
	Cohort     *cohort.Cohort
	Days       []*extract.DayTable
	Encounters map[int64]encounter.COVIDVisits
	Deaths     map[int64]mortality.Death
	// Visits is the complete visit history; every start date seeds a row
	// and every closed stay feeds DuringVisitHospitalization.
	Visits []omop.Visit
}

type key struct {
	person int64
	date   civil.Date
}

type interval struct {
	start, end civil.Date
}

// Build joins the extractor tables, visit start dates and plausible dated
// deaths into one row per cohort patient-day, then derives the reinfection,
// death-window, index and encounter flags. Any subset of Days may be empty.
func Build(in Inputs, p Params) *Table {
	rows := make(map[key]*Row)
	row := func(person int64, date civil.Date) *Row {
		k := key{person, date}
		r, ok := rows[k]
		if !ok {
			r = &Row{PersonID: person, Date: date, Flags: make(map[string]bool)}
			rows[k] = r
		}
		return r
	}

	stays := make(map[int64][]interval)
	for _, v := range in.Visits {
		if !in.Cohort.Has(v.PersonID) || !v.Start.Valid {
			continue
		}
		row(v.PersonID, v.Start.Date)
		if v.End.Valid {
			stays[v.PersonID] = append(stays[v.PersonID], interval{v.Start.Date, v.End.Date})
		}
	}

	var indicators []string
	seen := make(map[string]bool)
	addIndicator := func(name string) {
		if !seen[name] {
			seen[name] = true
			indicators = append(indicators, name)
		}
	}

	for _, tbl := range in.Days {
		if tbl == nil {
			continue
		}
		for _, name := range tbl.Indicators {
			addIndicator(name)
		}
		for _, dr := range tbl.Rows {
			if !in.Cohort.Has(dr.PersonID) {
				continue
			}
			r := row(dr.PersonID, dr.Date)
			for name, v := range dr.Flags {
				if v {
					r.Flags[name] = true
				}
			}
			if dr.BMIRounded.Valid && (!r.BMIRounded.Valid || dr.BMIRounded.Int64 > r.BMIRounded.Int64) {
				r.BMIRounded = dr.BMIRounded
			}
		}
	}

	addIndicator(FlagDeath)
	for _, d := range in.Deaths {
		if !in.Cohort.Has(d.PersonID) || !plausibleDeath(d, p) {
			continue
		}
		row(d.PersonID, d.Date.Date).Flags[FlagDeath] = true
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PersonID != out[j].PersonID {
			return out[i].PersonID < out[j].PersonID
		}
		return out[i].Date.Before(out[j].Date)
	})

	reinfected := make(map[int64]bool)
	for i := range out {
		r := &out[i]
		index := in.Cohort.IndexDate(r.PersonID)
		if delta, ok := omop.DateFrom(r.Date).DaysSince(index); ok {
			r.PreCOVID = delta <= 0
			r.PostCOVID = delta > 0
			r.DeathWithinWindow = r.Death() && delta > 0 && delta < p.ReinfectionDays
			// rows are date-ordered within a patient
			if r.Flags[extract.FlagPCRAGPositive] && delta > p.ReinfectionDays && !reinfected[r.PersonID] {
				r.IsFirstReinfection = true
				reinfected[r.PersonID] = true
			}
		}
		if enc, ok := in.Encounters[r.PersonID]; ok {
			r.DuringFirstCOVIDHospitalization = omop.Covers(enc.FirstHospStart, enc.FirstHospEnd, r.Date)
			r.DuringFirstCOVIDEDVisit = enc.FirstEDStart.On(r.Date)
		}
		for _, s := range stays[r.PersonID] {
			if !r.Date.Before(s.start) && !r.Date.After(s.end) {
				r.DuringVisitHospitalization = true
				break
			}
		}
	}

	return &Table{indicators: indicators, rows: out, cohort: in.Cohort}
}

func plausibleDeath(d mortality.Death, p Params) bool {
	if !d.Date.Valid || !d.DataExtractionDate.Valid {
		return false
	}
	horizon := d.DataExtractionDate.Date.AddDays(p.DeathHorizonDays)
	return !d.Date.Date.Before(p.EarliestDeath) && d.Date.Date.Before(horizon)
}
