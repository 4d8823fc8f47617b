package summary

import (
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/encounter"
)

// Severity is the mutually exclusive outcome category of one patient.
type Severity string

const (
	SeverityNoIndex  Severity = "No_COVID_index"
	SeverityDeath    Severity = "Death_within_n_days_after_COVID_index"
	SeveritySevere   Severity = "Severe_ECMO_IMV_in_Hosp_around_COVID_index"
	SeverityModerate Severity = "Moderate_Hosp_around_COVID_index"
	SeverityMildED   Severity = "Mild_ED_around_COVID_index"
	SeverityMild     Severity = "Mild_No_ED_or_Hosp_around_COVID_index"
)

// Severities lists every category in precedence order.
var Severities = []Severity{
	SeverityNoIndex,
	SeverityDeath,
	SeveritySevere,
	SeverityModerate,
	SeverityMildED,
	SeverityMild,
}

// Output column name suffixes per aggregation window.
const (
	SuffixPre    = "_before_or_day_of_covid_indicator"
	SuffixDuring = "_during_covid_hospitalization_indicator"
	SuffixPost   = "_post_covid_indicator"
)

const (
	ColBMIPre      = "BMI_max_observed_or_calculated_before_or_day_of_covid"
	ColBMIPost     = "BMI_max_observed_or_calculated_post_covid"
	ColReinfection = "had_at_least_one_reinfection_post_covid_indicator"
)

// Row is one patient of the summary table.
type Row struct {
	Patient cohort.Patient

	// Indicators holds the windowed indicator columns that were observed,
	// keyed by output column name. Absent columns read as 0.
	Indicators map[string]bool
	BMIMaxPre  null.Int
	BMIMaxPost null.Int

	Encounter         encounter.COVIDVisits
	LengthOfStay      null.Int
	Died              bool
	DeathWithinWindow bool
	// SevereInHospital is ECMO or IMV on any day of the first COVID
	// hospitalization.
	SevereInHospital bool

	Severity Severity
}

// Indicator reads one windowed indicator column.
func (r *Row) Indicator(column string) bool { return r.Indicators[column] }

// severityRules are evaluated in order; the first match wins.
var severityRules = []struct {
	label Severity
	match func(r *Row) bool
}{
	{SeverityNoIndex, func(r *Row) bool { return !r.Patient.FirstLabPositive.Valid && !r.Patient.FirstDiagnosis.Valid }},
	{SeverityDeath, func(r *Row) bool { return r.DeathWithinWindow }},
	{SeveritySevere, func(r *Row) bool { return r.SevereInHospital }},
	{SeverityModerate, func(r *Row) bool { return r.Encounter.HasHospitalization() }},
	{SeverityMildED, func(r *Row) bool { return r.Encounter.HasED() }},
}

// Classify assigns the severity category.
func Classify(r *Row) Severity {
	for _, rule := range severityRules {
		if rule.match(r) {
			return rule.label
		}
	}
	return SeverityMild
}
