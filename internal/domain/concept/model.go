package concept

import "errors"

// Concept set names referenced by fixed business rules.
const (
	SetPCRAGTests      = "ATLAS SARS-CoV-2 rt-PCR and AG"
	SetResultPositive  = "ResultPos"
	SetResultNegative  = "ResultNeg"
	SetCOVIDDiagnosis  = "N3C Covid Diagnosis"
	SetAntibodyTests   = "Atlas #818 [N3C] CovidAntibody retry"
	SetBMI             = "body mass index"
	SetBodyWeight      = "Body weight (LG34372-9 and SNOMED)"
	SetBodyHeight      = "Height (LG34373-7 + SNOMED)"
	SetEDVisits        = "[PASC] ED Visits"
	SetHospitalization = "Hospitalization"
	SetDeceased        = "DECEASED"
	SetHospice         = "HOSPICE"
)

// Window is a summary aggregation window a fusion indicator can be tagged with.
type Window string

const (
	WindowPre    Window = "pre"
	WindowDuring Window = "during"
	WindowPost   Window = "post"
)

// ErrAmbiguousConceptSet is returned when one concept set is bound to more
// than one indicator within a domain.
var ErrAmbiguousConceptSet = errors.New("concept set bound to more than one indicator")

// Set is a resolved set of concept ids.
type Set map[int64]struct{}

// Has reports membership; a nil set has no members.
func (s Set) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Indicators maps a concept id to the indicator names it raises.
type Indicators map[int64][]string
