package omop

import (
	"gopkg.in/guregu/null.v3"
)

// Domain names one OMOP event table as it appears in the fusion sheet.
type Domain string

// Event domains handled by the extractors.
const (
	DomainCondition   Domain = "condition"
	DomainObservation Domain = "observation"
	DomainProcedure   Domain = "procedure"
	DomainDevice      Domain = "device"
	DomainDrug        Domain = "drug"
	DomainMeasurement Domain = "measurement"
)

// EventDomains lists the domains served by the shared extractor, in output order.
var EventDomains = []Domain{
	DomainCondition,
	DomainObservation,
	DomainProcedure,
	DomainDevice,
	DomainDrug,
}

// AllDomains is EventDomains plus the measurement domain.
var AllDomains = []Domain{
	DomainCondition,
	DomainObservation,
	DomainProcedure,
	DomainDevice,
	DomainDrug,
	DomainMeasurement,
}

// Person is one row of the person table.
type Person struct {
	PersonID        int64
	YearOfBirth     null.Int
	MonthOfBirth    null.Int
	Sex             string
	LocationID      null.Int
	DataPartnerID   int64
	RaceSourceValue string
}

// Location is one row of the location table.
type Location struct {
	LocationID int64
	City       null.String
	State      null.String
	PostalCode null.String
	County     null.String
}

// Manifest describes one data partner's extract.
type Manifest struct {
	DataPartnerID   int64
	RunDate         NullDate
	CDMName         string
	CDMVersion      string
	ShiftDateYN     string
	MaxNumShiftDays null.Int
}

// Event is a dated concept occurrence from condition_occurrence,
// observation, procedure_occurrence, device_exposure or drug_exposure.
type Event struct {
	PersonID  int64
	Date      NullDate
	ConceptID int64
}

// Measurement is one row of the measurement table.
type Measurement struct {
	PersonID         int64
	Date             NullDate
	ConceptID        int64
	ValueAsNumber    null.Float
	ValueAsConceptID null.Int
}

// Visit is one row of visit_occurrence.
type Visit struct {
	PersonID             int64
	VisitConceptID       int64
	Start                NullDate
	End                  NullDate
	DischargeToConceptID null.Int
}

// Death is one row of the death table.
type Death struct {
	PersonID int64
	Date     NullDate
}

// ConceptSetMember binds a concept id to a versioned concept set.
type ConceptSetMember struct {
	ConceptSetName      string
	ConceptID           int64
	IsMostRecentVersion bool
}

// FusionEntry is one row of a fusion sheet.
type FusionEntry struct {
	ConceptSetName  string
	Domain          string
	IndicatorPrefix string
	PreDuringPost   string
}

// Tables is a fully loaded snapshot of every input the pipeline reads.
type Tables struct {
	Persons           []Person
	Locations         []Location
	Manifests         []Manifest
	Conditions        []Event
	Observations      []Event
	Procedures        []Event
	Devices           []Event
	Drugs             []Event
	Measurements      []Measurement
	Visits            []Visit
	Deaths            []Death
	ConceptSetMembers []ConceptSetMember
	RequiredFusion    []FusionEntry
	CustomFusion      []FusionEntry
}

// EventsFor returns the event rows backing an extractor domain.
func (t *Tables) EventsFor(d Domain) []Event {
	switch d {
	case DomainCondition:
		return t.Conditions
	case DomainObservation:
		return t.Observations
	case DomainProcedure:
		return t.Procedures
	case DomainDevice:
		return t.Devices
	case DomainDrug:
		return t.Drugs
	}
	return nil
}

// Rows counts the loaded rows across every table.
func (t *Tables) Rows() int {
	return len(t.Persons) + len(t.Locations) + len(t.Manifests) +
		len(t.Conditions) + len(t.Observations) + len(t.Procedures) + len(t.Devices) + len(t.Drugs) +
		len(t.Measurements) + len(t.Visits) + len(t.Deaths) +
		len(t.ConceptSetMembers) + len(t.RequiredFusion) + len(t.CustomFusion)
}
