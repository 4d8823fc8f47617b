package encounter

import (
	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/pkg/omop"
)

// Params is the COVID-associated encounter case definition.
type Params struct {
	// RequiresLabAndDiagnosis anchors the window on the first positive lab
	// and also requires the first diagnosis inside the same window of it.
	// Otherwise the window is anchored on the index date.
	RequiresLabAndDiagnosis bool
	DaysBefore              int
	DaysAfter               int
}

// DefaultParams is the CDC definition: lab and diagnosis, one day before to
// sixteen days after.
func DefaultParams() Params {
	return Params{RequiresLabAndDiagnosis: true, DaysBefore: 1, DaysAfter: 16}
}

// COVIDVisits holds a patient's first COVID-associated encounters.
type COVIDVisits struct {
	PersonID       int64
	FirstEDStart   omop.NullDate
	FirstHospStart omop.NullDate
	FirstHospEnd   omop.NullDate
}

// HasHospitalization reports a qualifying hospitalization.
func (v COVIDVisits) HasHospitalization() bool { return v.FirstHospStart.Valid }

// HasED reports a qualifying ED visit.
func (v COVIDVisits) HasED() bool { return v.FirstEDStart.Valid }

// LengthOfStay returns hospitalization end minus start in days.
func (v COVIDVisits) LengthOfStay() (int, bool) {
	return v.FirstHospEnd.DaysSince(v.FirstHospStart)
}

// within reports whether anchor - d falls inside [-DaysAfter, DaysBefore].
func (p Params) within(anchor, d omop.NullDate) bool {
	delta, ok := anchor.DaysSince(d)
	return ok && delta >= -p.DaysAfter && delta <= p.DaysBefore
}

// anchor returns the date encounters are measured against, or an invalid
// date when the patient cannot qualify.
func (p Params) anchor(pt *cohort.Patient) omop.NullDate {
	if !p.RequiresLabAndDiagnosis {
		return pt.IndexDate
	}
	if !p.within(pt.FirstLabPositive, pt.FirstDiagnosis) {
		return omop.NullDate{}
	}
	return pt.FirstLabPositive
}

// Classify finds each cohort patient's first COVID-associated ED visit and
// hospitalization. Only patients with at least one qualifying encounter
// appear in the result. The hospitalization end date is that of the
// earliest qualifying stay; ties on start keep the earlier end.
func Classify(c *cohort.Cohort, visits []omop.Visit, r *concept.Resolver, p Params) map[int64]COVIDVisits {
	ed := r.Resolve(concept.SetEDVisits)
	hosp := r.Resolve(concept.SetHospitalization)

	out := make(map[int64]COVIDVisits)
	for _, v := range visits {
		if !v.Start.Valid {
			continue
		}
		pt, ok := c.Get(v.PersonID)
		if !ok {
			continue
		}
		a := p.anchor(pt)
		if !p.within(a, v.Start) {
			continue
		}
		isED, isHosp := ed.Has(v.VisitConceptID), hosp.Has(v.VisitConceptID)
		if !isED && !isHosp {
			continue
		}

		cv, seen := out[v.PersonID]
		if !seen {
			cv.PersonID = v.PersonID
		}
		if isED {
			cv.FirstEDStart = omop.EarlierOf(cv.FirstEDStart, v.Start)
		}
		if isHosp && earlierStay(v, cv) {
			cv.FirstHospStart, cv.FirstHospEnd = v.Start, v.End
		}
		out[v.PersonID] = cv
	}
	return out
}

func earlierStay(v omop.Visit, cv COVIDVisits) bool {
	switch {
	case !cv.FirstHospStart.Valid:
		return true
	case v.Start.Before(cv.FirstHospStart):
		return true
	case v.Start == cv.FirstHospStart:
		return v.End.Before(cv.FirstHospEnd) || (v.End.Valid && !cv.FirstHospEnd.Valid)
	}
	return false
}

// LabMinusDiagnosisDays returns first positive lab minus first diagnosis in
// days, when both are present.
func LabMinusDiagnosisDays(pt *cohort.Patient) (int, bool) {
	return pt.FirstLabPositive.DaysSince(pt.FirstDiagnosis)
}
