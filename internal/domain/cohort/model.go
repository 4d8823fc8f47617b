package cohort

import (
	"sort"

	"cloud.google.com/go/civil"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/pkg/omop"
)

// Params controls cohort construction.
type Params struct {
	// SampleFraction in (0, 1]; 1 keeps every patient.
	SampleFraction float64
	// SampleSeed seeds the subsampling shuffle.
	SampleSeed int64
	// Today bounds plausible birth dates; zero means the current date.
	Today civil.Date
}

// DefaultParams keeps every patient.
func DefaultParams() Params {
	return Params{SampleFraction: 1.0}
}

// Patient is one row of the cohort table.
type Patient struct {
	PersonID int64

	FirstLabPositive omop.NullDate
	FirstDiagnosis   omop.NullDate
	IndexDate        omop.NullDate

	VisitsBefore      null.Int
	ObservationBefore null.Int
	VisitsPost        null.Int
	ObservationPost   null.Int

	Sex        string
	City       null.String
	State      null.String
	PostalCode null.String
	County     null.String

	DateOfBirth   omop.NullDate
	AgeAtCOVID    null.Int
	Race          string
	RaceEthnicity string

	DataPartnerID      int64
	DataExtractionDate omop.NullDate
	CDMName            string
	CDMVersion         string
	ShiftDateYN        string
	MaxNumShiftDays    int64
}

// HasIndex reports whether either index source is present.
func (p *Patient) HasIndex() bool {
	return p.IndexDate.Valid
}

// Cohort is the immutable set of patients, ordered by person id.
type Cohort struct {
	patients []Patient
	byID     map[int64]int
}

func newCohort(patients []Patient) *Cohort {
	sort.Slice(patients, func(i, j int) bool {
		return patients[i].PersonID < patients[j].PersonID
	})
	byID := make(map[int64]int, len(patients))
	for i, p := range patients {
		byID[p.PersonID] = i
	}
	return &Cohort{patients: patients, byID: byID}
}

// Len returns the number of patients.
func (c *Cohort) Len() int { return len(c.patients) }

// Patients returns the patients in person id order. Callers must not modify
// the returned slice.
func (c *Cohort) Patients() []Patient { return c.patients }

// Get returns the patient with the given id.
func (c *Cohort) Get(personID int64) (*Patient, bool) {
	i, ok := c.byID[personID]
	if !ok {
		return nil, false
	}
	return &c.patients[i], true
}

// Has reports cohort membership.
func (c *Cohort) Has(personID int64) bool {
	_, ok := c.byID[personID]
	return ok
}

// IndexDate returns the patient's index date, null for non-members.
func (c *Cohort) IndexDate(personID int64) omop.NullDate {
	if p, ok := c.Get(personID); ok {
		return p.IndexDate
	}
	return omop.NullDate{}
}

// ExtractionDate returns the site run date of the patient's data partner.
func (c *Cohort) ExtractionDate(personID int64) omop.NullDate {
	if p, ok := c.Get(personID); ok {
		return p.DataExtractionDate
	}
	return omop.NullDate{}
}
