package extract

import (
	"fmt"
	"math"

	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/pkg/omop"
)

// BMIParams holds the anthropometric plausibility bounds. Weight and height
// bounds are stated in the source units.
type BMIParams struct {
	BMIMin     float64
	BMIMax     float64
	WeightMin  float64
	WeightMax  float64
	WeightUnit string
	HeightMin  float64
	HeightMax  float64
	HeightUnit string
}

// DefaultBMIParams are adult bounds for a source recording ounces and inches.
func DefaultBMIParams() BMIParams {
	return BMIParams{
		BMIMin:     10,
		BMIMax:     100,
		WeightMin:  176.37,
		WeightMax:  10582.2,
		WeightUnit: "oz",
		HeightMin:  23.622,
		HeightMax:  95.66929,
		HeightUnit: "in",
	}
}

// pounds per source weight unit
var weightToLb = map[string]float64{
	"oz": 0.0625,
	"lb": 1,
	"kg": 2.20462262,
}

// inches per source height unit
var heightToIn = map[string]float64{
	"in": 1,
	"cm": 1 / 2.54,
}

// Validate checks units and bound ordering.
func (p BMIParams) Validate() error {
	if _, ok := weightToLb[p.WeightUnit]; !ok {
		return fmt.Errorf("unsupported weight unit %q", p.WeightUnit)
	}
	if _, ok := heightToIn[p.HeightUnit]; !ok {
		return fmt.Errorf("unsupported height unit %q", p.HeightUnit)
	}
	if p.BMIMin > p.BMIMax || p.WeightMin > p.WeightMax || p.HeightMin > p.HeightMax {
		return fmt.Errorf("bmi bounds: min exceeds max")
	}
	return nil
}

func between(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

// anthro keeps the largest in-bounds value of each kind seen on one day.
type anthro struct {
	recorded, height, weight float64
}

// bmi prefers the recorded value and falls back to weight and height.
func (a anthro) bmi(p BMIParams) (float64, bool) {
	v := a.recorded
	if v <= 0 {
		if a.height <= 0 || a.weight <= 0 {
			return 0, false
		}
		h := a.height * heightToIn[p.HeightUnit]
		v = a.weight * weightToLb[p.WeightUnit] / (h * h) * 703
	}
	return v, between(v, p.BMIMin, p.BMIMax)
}

// Measurements reduces the measurement table. Every dated cohort
// measurement yields a row carrying the four lab result flags; BMIRounded
// and OBESITY are set when a plausible BMI is recorded or can be
// calculated for that day.
func Measurements(ms []omop.Measurement, members Members, r *concept.Resolver, p BMIParams) (*DayTable, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("measurement extractor: %w", err)
	}

	var (
		bmiIDs    = r.Resolve(concept.SetBMI)
		weightIDs = r.Resolve(concept.SetBodyWeight)
		heightIDs = r.Resolve(concept.SetBodyHeight)
		pcrIDs    = r.Resolve(concept.SetPCRAGTests)
		abIDs     = r.Resolve(concept.SetAntibodyTests)
		posIDs    = r.Resolve(concept.SetResultPositive)
		negIDs    = r.Resolve(concept.SetResultNegative)
	)

	red := newReducer()
	vitals := make(map[dayKey]*anthro)
	for _, m := range ms {
		if !m.Date.Valid || !members.Has(m.PersonID) {
			continue
		}
		row := red.row(m.PersonID, m.Date.Date)

		if m.ValueAsConceptID.Valid {
			result := m.ValueAsConceptID.Int64
			pcr, ab := pcrIDs.Has(m.ConceptID), abIDs.Has(m.ConceptID)
			pos, neg := posIDs.Has(result), negIDs.Has(result)
			setIf(row, FlagPCRAGPositive, pcr && pos)
			setIf(row, FlagPCRAGNegative, pcr && neg)
			setIf(row, FlagAntibodyPositive, ab && pos)
			setIf(row, FlagAntibodyNegative, ab && neg)
		}

		if !m.ValueAsNumber.Valid {
			continue
		}
		v := m.ValueAsNumber.Float64
		k := dayKey{m.PersonID, m.Date.Date}
		a := vitals[k]
		if a == nil {
			a = &anthro{}
			vitals[k] = a
		}
		if bmiIDs.Has(m.ConceptID) && between(v, p.BMIMin, p.BMIMax) {
			a.recorded = math.Max(a.recorded, v)
		}
		if heightIDs.Has(m.ConceptID) && between(v, p.HeightMin, p.HeightMax) {
			a.height = math.Max(a.height, v)
		}
		if weightIDs.Has(m.ConceptID) && between(v, p.WeightMin, p.WeightMax) {
			a.weight = math.Max(a.weight, v)
		}
	}

	for k, a := range vitals {
		v, ok := a.bmi(p)
		if !ok {
			continue
		}
		rounded := int64(math.RoundToEven(v))
		row := red.row(k.person, k.date)
		row.BMIRounded = null.IntFrom(rounded)
		if rounded >= 30 {
			row.Flags[FlagObesity] = true
		}
	}

	return red.table(omop.DomainMeasurement, MeasurementIndicators), nil
}

func setIf(row *DayRow, flag string, cond bool) {
	if cond {
		row.Flags[flag] = true
	}
}
