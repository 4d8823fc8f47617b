package cohort

import (
	"fmt"
	"math/rand"
	"time"

	"cloud.google.com/go/civil"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/pkg/omop"
)

var minReasonableBirthDate = civil.Date{Year: 1902, Month: time.January, Day: 1}

// Build derives the cohort table: index events, demographics, site facts and
// visit statistics for every sampled person. Persons with no lab or
// diagnosis evidence are kept with null index dates.
func Build(t *omop.Tables, r *concept.Resolver, p Params) (*Cohort, error) {
	if p.SampleFraction <= 0 || p.SampleFraction > 1 {
		return nil, fmt.Errorf("sample fraction must be in (0, 1], got %v", p.SampleFraction)
	}
	today := p.Today
	if !today.IsValid() {
		today = civil.DateOf(time.Now())
	}

	persons := samplePersons(uniquePersons(t.Persons), p.SampleFraction, p.SampleSeed)
	inSample := make(map[int64]bool, len(persons))
	for _, ps := range persons {
		inSample[ps.PersonID] = true
	}

	firstLab := firstPositiveLab(t.Measurements, r, inSample)
	firstDx := firstDiagnosis(t.Conditions, r, inSample)

	locations := make(map[int64]omop.Location, len(t.Locations))
	for _, l := range t.Locations {
		if _, dup := locations[l.LocationID]; !dup {
			locations[l.LocationID] = l
		}
	}
	manifests := make(map[int64]omop.Manifest, len(t.Manifests))
	for _, m := range t.Manifests {
		if _, dup := manifests[m.DataPartnerID]; !dup {
			manifests[m.DataPartnerID] = m
		}
	}

	patients := make([]Patient, 0, len(persons))
	for _, ps := range persons {
		pt := Patient{
			PersonID:         ps.PersonID,
			FirstLabPositive: firstLab[ps.PersonID],
			FirstDiagnosis:   firstDx[ps.PersonID],
			Sex:              ps.Sex,
			Race:             Race(ps.RaceSourceValue),
			RaceEthnicity:    RaceEthnicity(ps.RaceSourceValue),
			DataPartnerID:    ps.DataPartnerID,
		}
		pt.IndexDate = omop.EarlierOf(pt.FirstLabPositive, pt.FirstDiagnosis)

		if ps.LocationID.Valid {
			if l, ok := locations[ps.LocationID.Int64]; ok {
				pt.City, pt.State, pt.PostalCode, pt.County = l.City, l.State, l.PostalCode, l.County
			}
		}
		if m, ok := manifests[ps.DataPartnerID]; ok {
			pt.DataExtractionDate = m.RunDate
			pt.CDMName = m.CDMName
			pt.CDMVersion = m.CDMVersion
			pt.ShiftDateYN = m.ShiftDateYN
			pt.MaxNumShiftDays = m.MaxNumShiftDays.ValueOrZero()
		}

		pt.DateOfBirth = dateOfBirth(ps.YearOfBirth, ps.MonthOfBirth, today.AddDays(int(pt.MaxNumShiftDays)))
		if pt.DateOfBirth.Valid && pt.IndexDate.Valid {
			pt.AgeAtCOVID = null.IntFrom(int64(yearsBetween(pt.DateOfBirth.Date, pt.IndexDate.Date)))
		}
		patients = append(patients, pt)
	}

	applyVisitStats(patients, t.Visits)
	return newCohort(patients), nil
}

func uniquePersons(persons []omop.Person) []omop.Person {
	seen := make(map[int64]bool, len(persons))
	out := make([]omop.Person, 0, len(persons))
	for _, p := range persons {
		if seen[p.PersonID] {
			continue
		}
		seen[p.PersonID] = true
		out = append(out, p)
	}
	return out
}

// samplePersons keeps int(fraction*n) persons chosen uniformly at random.
func samplePersons(persons []omop.Person, fraction float64, seed int64) []omop.Person {
	if fraction >= 1 {
		return persons
	}
	n := int(fraction * float64(len(persons)))
	shuffled := make([]omop.Person, len(persons))
	copy(shuffled, persons)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

func firstPositiveLab(ms []omop.Measurement, r *concept.Resolver, keep map[int64]bool) map[int64]omop.NullDate {
	tests := r.Resolve(concept.SetPCRAGTests)
	positive := r.Resolve(concept.SetResultPositive)
	out := make(map[int64]omop.NullDate)
	for _, m := range ms {
		if !keep[m.PersonID] || !m.Date.Valid || !tests.Has(m.ConceptID) {
			continue
		}
		if !m.ValueAsConceptID.Valid || !positive.Has(m.ValueAsConceptID.Int64) {
			continue
		}
		out[m.PersonID] = omop.EarlierOf(out[m.PersonID], m.Date)
	}
	return out
}

func firstDiagnosis(conds []omop.Event, r *concept.Resolver, keep map[int64]bool) map[int64]omop.NullDate {
	covid := r.Resolve(concept.SetCOVIDDiagnosis)
	out := make(map[int64]omop.NullDate)
	for _, c := range conds {
		if !keep[c.PersonID] || !c.Date.Valid || !covid.Has(c.ConceptID) {
			continue
		}
		out[c.PersonID] = omop.EarlierOf(out[c.PersonID], c.Date)
	}
	return out
}

// dateOfBirth synthesizes a birth date on the first of the month. A missing
// year defaults to 1 and a missing or zero month to July; results outside
// [1902-01-01, latest] are rejected.
func dateOfBirth(year, month null.Int, latest civil.Date) omop.NullDate {
	y := int64(1)
	if year.Valid {
		y = year.Int64
	}
	m := int64(7)
	if month.Valid && month.Int64 != 0 {
		m = month.Int64
	}
	dob := civil.Date{Year: int(y), Month: time.Month(m), Day: 1}
	if !dob.IsValid() || dob.Before(minReasonableBirthDate) || dob.After(latest) {
		return omop.NullDate{}
	}
	return omop.DateFrom(dob)
}

// yearsBetween counts completed years from born to at.
func yearsBetween(born, at civil.Date) int {
	years := at.Year - born.Year
	if at.Month < born.Month || (at.Month == born.Month && at.Day < born.Day) {
		years--
	}
	return years
}
