package facts

import (
	"time"

	"cloud.google.com/go/civil"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/pkg/omop"
)

// Indicator names referenced by fixed rules.
const (
	FlagDeath = "COVID_patient_death"
	FlagECMO  = "LL_ECMO"
	FlagIMV   = "LL_IMV"
)

// Params holds the fact-table windows.
type Params struct {
	// ReinfectionDays is the minimum gap after the index date for a positive
	// test to count as a reinfection. It also bounds the post-index death
	// window.
	ReinfectionDays int
	// Dated deaths outside [EarliestDeath, extraction date + DeathHorizonDays)
	// are treated as implausible.
	EarliestDeath    civil.Date
	DeathHorizonDays int
}

func DefaultParams() Params {
	return Params{
		ReinfectionDays:  60,
		EarliestDeath:    civil.Date{Year: 2018, Month: time.January, Day: 1},
		DeathHorizonDays: 730,
	}
}

// Row is one (person, date) row of the all-facts table.
type Row struct {
	PersonID   int64
	Date       civil.Date
	Flags      map[string]bool
	BMIRounded null.Int

	IsFirstReinfection              bool
	DeathWithinWindow               bool
	PreCOVID                        bool
	PostCOVID                       bool
	DuringFirstCOVIDHospitalization bool
	DuringFirstCOVIDEDVisit         bool
	DuringVisitHospitalization      bool
}

// Flag reports an indicator; indicators never raised read as false.
func (r *Row) Flag(name string) bool { return r.Flags[name] }

func (r *Row) ECMO() bool  { return r.Flags[FlagECMO] }
func (r *Row) IMV() bool   { return r.Flags[FlagIMV] }
func (r *Row) Death() bool { return r.Flags[FlagDeath] }

// Table is the day-level all-facts table, sorted by (person, date).
type Table struct {
	indicators []string
	rows       []Row
	cohort     *cohort.Cohort
}

// Indicators lists every indicator column in output order.
func (t *Table) Indicators() []string { return t.indicators }

// Rows returns the rows; callers must not modify them.
func (t *Table) Rows() []Row { return t.rows }

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Name() string { return "cohort_all_facts_table" }

// Columns returns the flat output header.
func (t *Table) Columns() []string {
	cols := []string{
		"person_id",
		"date",
		"COVID_first_PCR_or_AG_lab_positive",
		"COVID_first_diagnosis_date",
		"COVID_first_poslab_or_diagnosis_date",
	}
	cols = append(cols, t.indicators...)
	return append(cols,
		"BMI_rounded",
		"is_first_reinfection",
		"death_within_specified_window_post_covid",
		"pre_COVID",
		"post_COVID",
		"during_first_COVID_hospitalization",
		"during_first_COVID_ED_visit",
		"during_visit_hospitalization",
	)
}

// Row returns row i as output cells aligned with Columns.
func (t *Table) Row(i int) []any {
	r := &t.rows[i]
	out := make([]any, 0, len(t.indicators)+13)
	out = append(out, r.PersonID, r.Date)
	if p, ok := t.cohort.Get(r.PersonID); ok {
		out = append(out, p.FirstLabPositive.Cell(), p.FirstDiagnosis.Cell(), p.IndexDate.Cell())
	} else {
		out = append(out, nil, nil, nil)
	}
	for _, name := range t.indicators {
		out = append(out, omop.Flag(r.Flags[name]))
	}
	return append(out,
		omop.IntCell(r.BMIRounded),
		omop.Flag(r.IsFirstReinfection),
		omop.Flag(r.DeathWithinWindow),
		omop.Flag(r.PreCOVID),
		omop.Flag(r.PostCOVID),
		omop.Flag(r.DuringFirstCOVIDHospitalization),
		omop.Flag(r.DuringFirstCOVIDEDVisit),
		omop.Flag(r.DuringVisitHospitalization),
	)
}
