// Package report evaluates descriptive measures over a finished run.
package report

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ehr/cohort/internal/domain/summary"
	"github.com/ehr/cohort/internal/pipeline"
)

// Value is one named number produced by a measure.
type Value struct {
	Key   string
	Value float64
}

// MeasureDefinition defines a run measure.
type MeasureDefinition struct {
	ID          string
	Name        string
	Description string
	Evaluate    func(res *pipeline.Result) []Value
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string
	MeasureName string
	Results     []Value
}

// PredefinedMeasures is the list of measures evaluated for every run.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "patient-count",
		Name:        "Patient Count",
		Description: "Cohort size and number of patients with a COVID index date",
		Evaluate: func(res *pipeline.Result) []Value {
			indexed := 0
			for _, p := range res.Cohort.Patients() {
				if p.HasIndex() {
					indexed++
				}
			}
			return []Value{
				{"patients", float64(res.Cohort.Len())},
				{"indexed", float64(indexed)},
			}
		},
	},
	{
		ID:          "severity-distribution",
		Name:        "Severity Distribution",
		Description: "Number of patients per severity category",
		Evaluate: func(res *pipeline.Result) []Value {
			counts := make(map[summary.Severity]int)
			for _, r := range res.Summary.Rows() {
				counts[r.Severity]++
			}
			out := make([]Value, 0, len(summary.Severities))
			for _, s := range summary.Severities {
				out = append(out, Value{string(s), float64(counts[s])})
			}
			return out
		},
	},
	{
		ID:          "age-at-covid",
		Name:        "Age at COVID Index",
		Description: "Distribution of age in years at the index date",
		Evaluate: func(res *pipeline.Result) []Value {
			var xs []float64
			for _, p := range res.Cohort.Patients() {
				if p.AgeAtCOVID.Valid {
					xs = append(xs, float64(p.AgeAtCOVID.Int64))
				}
			}
			return Describe(xs)
		},
	},
	{
		ID:          "covid-length-of-stay",
		Name:        "COVID Hospitalization Length of Stay",
		Description: "Distribution of the first COVID-associated hospitalization length in days",
		Evaluate: func(res *pipeline.Result) []Value {
			var xs []float64
			for _, r := range res.Summary.Rows() {
				if r.LengthOfStay.Valid {
					xs = append(xs, float64(r.LengthOfStay.Int64))
				}
			}
			return Describe(xs)
		},
	},
	{
		ID:          "bmi-before-covid",
		Name:        "BMI Before COVID",
		Description: "Distribution of the maximum BMI on or before the index date",
		Evaluate: func(res *pipeline.Result) []Value {
			var xs []float64
			for _, r := range res.Summary.Rows() {
				if r.BMIMaxPre.Valid {
					xs = append(xs, float64(r.BMIMaxPre.Int64))
				}
			}
			return Describe(xs)
		},
	},
	{
		ID:          "fact-volume",
		Name:        "Fact Table Volume",
		Description: "Day-level fact rows and indicator columns",
		Evaluate: func(res *pipeline.Result) []Value {
			return []Value{
				{"rows", float64(res.Facts.Len())},
				{"indicators", float64(len(res.Facts.Indicators()))},
			}
		},
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// Describe summarizes a sample. An empty sample reports only n.
func Describe(xs []float64) []Value {
	out := []Value{{"n", float64(len(xs))}}
	if len(xs) == 0 {
		return out
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return append(out,
		Value{"mean", mean},
		Value{"std", std},
		Value{"min", floats.Min(sorted)},
		Value{"p25", stat.Quantile(0.25, stat.Empirical, sorted, nil)},
		Value{"median", stat.Quantile(0.5, stat.Empirical, sorted, nil)},
		Value{"p75", stat.Quantile(0.75, stat.Empirical, sorted, nil)},
		Value{"max", floats.Max(sorted)},
	)
}

// Report is every measure evaluated for one run.
type Report struct {
	RunID       uuid.UUID
	GeneratedAt time.Time
	Measures    []MeasureReport
}

func Build(res *pipeline.Result) *Report {
	r := &Report{RunID: res.RunID, GeneratedAt: time.Now()}
	for _, m := range PredefinedMeasures {
		r.Measures = append(r.Measures, MeasureReport{
			MeasureID:   m.ID,
			MeasureName: m.Name,
			Results:     m.Evaluate(res),
		})
	}
	return r
}

// Lookup returns one value of one measure.
func (r *Report) Lookup(measureID, key string) (float64, bool) {
	for _, m := range r.Measures {
		if m.MeasureID != measureID {
			continue
		}
		for _, v := range m.Results {
			if v.Key == key {
				return v.Value, true
			}
		}
	}
	return 0, false
}

// flat lists (measure, value) pairs in output order.
func (r *Report) flat() [][2]int {
	var out [][2]int
	for i, m := range r.Measures {
		for j := range m.Results {
			out = append(out, [2]int{i, j})
		}
	}
	return out
}

func (r *Report) Name() string { return "run_report" }

func (r *Report) Columns() []string {
	return []string{"run_id", "measure_id", "key", "value"}
}

func (r *Report) Len() int { return len(r.flat()) }

func (r *Report) Row(i int) []any {
	p := r.flat()[i]
	m := r.Measures[p[0]]
	v := m.Results[p[1]]
	return []any{r.RunID.String(), m.MeasureID, v.Key, v.Value}
}
