package mortality

import (
	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/pkg/omop"
)

// Death is the resolved death record of one cohort patient.
type Death struct {
	PersonID int64
	// Date is the earliest known death date; hospice-only and undated
	// records leave it null.
	Date omop.NullDate
	Died bool
	// DataExtractionDate is the site's run date, used to bound plausible
	// death dates downstream.
	DataExtractionDate omop.NullDate
}

// Cohort is the subset of the cohort the resolver reads.
type Cohort interface {
	Has(personID int64) bool
	ExtractionDate(personID int64) omop.NullDate
}

// Resolve unions death-table rows, visits discharged to a DECEASED
// disposition (dated by the visit end) and visits discharged to HOSPICE
// (undated) into one record per cohort patient.
func Resolve(c Cohort, deaths []omop.Death, visits []omop.Visit, r *concept.Resolver) map[int64]Death {
	deceased := r.Resolve(concept.SetDeceased)
	hospice := r.Resolve(concept.SetHospice)

	out := make(map[int64]Death)
	record := func(person int64, date omop.NullDate) {
		if !c.Has(person) {
			return
		}
		d, ok := out[person]
		if !ok {
			d = Death{PersonID: person, Died: true, DataExtractionDate: c.ExtractionDate(person)}
		}
		d.Date = omop.EarlierOf(d.Date, date)
		out[person] = d
	}

	for _, d := range deaths {
		record(d.PersonID, d.Date)
	}
	for _, v := range visits {
		if !v.DischargeToConceptID.Valid {
			continue
		}
		switch to := v.DischargeToConceptID.Int64; {
		case deceased.Has(to):
			record(v.PersonID, v.End)
		case hospice.Has(to):
			record(v.PersonID, omop.NullDate{})
		}
	}
	return out
}
