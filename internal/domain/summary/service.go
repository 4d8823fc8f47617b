package summary

import (
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/internal/domain/encounter"
	"github.com/ehr/cohort/internal/domain/extract"
	"github.com/ehr/cohort/internal/domain/facts"
	"github.com/ehr/cohort/internal/domain/mortality"
	"github.com/ehr/cohort/pkg/omop"
)

// Inputs are the stage outputs the reducer reads.
type Inputs struct {
	Facts      *facts.Table
	Cohort     *cohort.Cohort
	Encounters map[int64]encounter.COVIDVisits
	Deaths     map[int64]mortality.Death
	Fusion     *concept.Fusion
}

// window is one aggregation partition of the all-facts table.
type window struct {
	suffix  string
	columns []string
	in      func(r *facts.Row) bool
}

func windows(f *concept.Fusion) []window {
	return []window{
		{
			suffix:  SuffixPre,
			columns: withFixed(f.WindowIndicators(concept.WindowPre), extract.FlagAntibodyPositive, extract.FlagAntibodyNegative),
			in:      func(r *facts.Row) bool { return r.PreCOVID },
		},
		{
			suffix:  SuffixDuring,
			columns: withFixed(f.WindowIndicators(concept.WindowDuring), facts.FlagDeath),
			in:      func(r *facts.Row) bool { return r.DuringFirstCOVIDHospitalization },
		},
		{
			suffix: SuffixPost,
			columns: withFixed(f.WindowIndicators(concept.WindowPost),
				extract.FlagPCRAGPositive, extract.FlagPCRAGNegative,
				extract.FlagAntibodyPositive, extract.FlagAntibodyNegative),
			in: func(r *facts.Row) bool { return r.PostCOVID },
		},
	}
}

func withFixed(cols []string, fixed ...string) []string {
	out := append([]string{}, cols...)
	for _, f := range fixed {
		dup := false
		for _, c := range out {
			if c == f {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	return out
}

func maxInt(a, b null.Int) null.Int {
	if !b.Valid || (a.Valid && a.Int64 >= b.Int64) {
		return a
	}
	return b
}

// Build reduces the all-facts table to exactly one row per cohort patient
// and assigns each a severity category.
func Build(in Inputs) *Table {
	wins := windows(in.Fusion)
	rows := make([]Row, 0, in.Cohort.Len())
	index := make(map[int64]int, in.Cohort.Len())
	for _, p := range in.Cohort.Patients() {
		r := Row{Patient: p, Indicators: make(map[string]bool)}
		if enc, ok := in.Encounters[p.PersonID]; ok {
			r.Encounter = enc
			if los, ok := enc.LengthOfStay(); ok {
				r.LengthOfStay = null.IntFrom(int64(los))
			}
		}
		if d, ok := in.Deaths[p.PersonID]; ok {
			r.Died = d.Died
		}
		index[p.PersonID] = len(rows)
		rows = append(rows, r)
	}

	for _, fr := range in.Facts.Rows() {
		i, ok := index[fr.PersonID]
		if !ok {
			continue
		}
		r := &rows[i]
		for _, w := range wins {
			if !w.in(&fr) {
				continue
			}
			for _, col := range w.columns {
				if fr.Flag(col) {
					r.Indicators[col+w.suffix] = true
				}
			}
		}
		if fr.PreCOVID {
			r.BMIMaxPre = maxInt(r.BMIMaxPre, fr.BMIRounded)
		}
		if fr.PostCOVID {
			r.BMIMaxPost = maxInt(r.BMIMaxPost, fr.BMIRounded)
			if fr.IsFirstReinfection {
				r.Indicators[ColReinfection] = true
			}
		}
		if fr.DuringFirstCOVIDHospitalization && (fr.ECMO() || fr.IMV()) {
			r.SevereInHospital = true
		}
		if fr.DeathWithinWindow {
			r.DeathWithinWindow = true
		}
	}

	for i := range rows {
		rows[i].Severity = Classify(&rows[i])
	}
	return &Table{rows: rows, windows: wins}
}

// Table is the patient summary table in person id order.
type Table struct {
	rows    []Row
	windows []window
}

func (t *Table) Rows() []Row { return t.rows }

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Name() string { return "COVID_Patient_Summary_Table_LDS" }

var cohortColumns = []string{
	"person_id",
	"COVID_first_PCR_or_AG_lab_positive",
	"COVID_first_diagnosis_date",
	"COVID_first_poslab_or_diagnosis_date",
	"number_of_visits_before_covid",
	"observation_period_before_covid",
	"number_of_visits_post_covid",
	"observation_period_post_covid",
	"sex",
	"city",
	"state",
	"postal_code",
	"county",
	"age_at_covid",
	"race",
	"race_ethnicity",
	"data_partner_id",
	"data_extraction_date",
	"cdm_name",
	"cdm_version",
	"shift_date_yn",
	"max_num_shift_days",
}

var outcomeColumns = []string{
	"first_COVID_ED_only_start_date",
	"first_COVID_hospitalization_start_date",
	"first_COVID_hospitalization_end_date",
	"COVID_hospitalization_length_of_stay",
	"COVID_associated_ED_only_visit_indicator",
	"COVID_associated_hospitalization_indicator",
	"COVID_patient_death_indicator",
	"death_within_specified_window_post_covid",
	"Severity_Type",
}

// indicatorColumns lists the windowed columns in output order; each window
// column is emitted even when no patient raised it.
func (t *Table) indicatorColumns() []string {
	var out []string
	for i, w := range t.windows {
		if i == 0 {
			out = append(out, ColBMIPre)
		}
		if w.suffix == SuffixPost {
			out = append(out, ColBMIPost, ColReinfection)
		}
		for _, c := range w.columns {
			out = append(out, c+w.suffix)
		}
	}
	return out
}

// Columns returns the flat output header.
func (t *Table) Columns() []string {
	cols := append([]string{}, cohortColumns...)
	cols = append(cols, t.indicatorColumns()...)
	return append(cols, outcomeColumns...)
}

// Row returns row i as output cells aligned with Columns. Counts and
// indicators are zero-filled; BMI, age, postal code and dates stay null.
func (t *Table) Row(i int) []any {
	r := &t.rows[i]
	p := &r.Patient
	out := []any{
		p.PersonID,
		p.FirstLabPositive.Cell(),
		p.FirstDiagnosis.Cell(),
		p.IndexDate.Cell(),
		p.VisitsBefore.ValueOrZero(),
		p.ObservationBefore.ValueOrZero(),
		p.VisitsPost.ValueOrZero(),
		p.ObservationPost.ValueOrZero(),
		p.Sex,
		omop.StringCell(p.City),
		omop.StringCell(p.State),
		omop.StringCell(p.PostalCode),
		omop.StringCell(p.County),
		omop.IntCell(p.AgeAtCOVID),
		p.Race,
		p.RaceEthnicity,
		p.DataPartnerID,
		p.DataExtractionDate.Cell(),
		p.CDMName,
		p.CDMVersion,
		p.ShiftDateYN,
		p.MaxNumShiftDays,
	}
	for _, col := range t.indicatorColumns() {
		switch col {
		case ColBMIPre:
			out = append(out, omop.IntCell(r.BMIMaxPre))
		case ColBMIPost:
			out = append(out, omop.IntCell(r.BMIMaxPost))
		default:
			out = append(out, omop.Flag(r.Indicators[col]))
		}
	}
	return append(out,
		r.Encounter.FirstEDStart.Cell(),
		r.Encounter.FirstHospStart.Cell(),
		r.Encounter.FirstHospEnd.Cell(),
		omop.IntCell(r.LengthOfStay),
		omop.Flag(r.Encounter.HasED()),
		omop.Flag(r.Encounter.HasHospitalization()),
		omop.Flag(r.Died),
		omop.Flag(r.DeathWithinWindow),
		string(r.Severity),
	)
}
