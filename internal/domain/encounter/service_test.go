package encounter

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/pkg/omop"
)

const (
	pcrTest   = 100
	positive  = 200
	covidDx   = 300
	edVisit   = 9203
	inpatient = 9201
	office    = 9202
)

func d(s string) omop.NullDate { return omop.MustParseDate(s) }

func resolver() *concept.Resolver {
	var rows []omop.ConceptSetMember
	for set, id := range map[string]int64{
		concept.SetPCRAGTests:      pcrTest,
		concept.SetResultPositive:  positive,
		concept.SetCOVIDDiagnosis:  covidDx,
		concept.SetEDVisits:        edVisit,
		concept.SetHospitalization: inpatient,
	} {
		rows = append(rows, omop.ConceptSetMember{ConceptSetName: set, ConceptID: id, IsMostRecentVersion: true})
	}
	return concept.NewResolver(rows)
}

type patient struct {
	id      int64
	lab, dx string
}

func buildCohort(t *testing.T, r *concept.Resolver, patients ...patient) *cohort.Cohort {
	t.Helper()
	tables := &omop.Tables{}
	for _, p := range patients {
		tables.Persons = append(tables.Persons, omop.Person{PersonID: p.id})
		if p.lab != "" {
			tables.Measurements = append(tables.Measurements, omop.Measurement{
				PersonID: p.id, Date: d(p.lab), ConceptID: pcrTest, ValueAsConceptID: null.IntFrom(positive),
			})
		}
		if p.dx != "" {
			tables.Conditions = append(tables.Conditions, omop.Event{PersonID: p.id, Date: d(p.dx), ConceptID: covidDx})
		}
	}
	params := cohort.DefaultParams()
	params.Today = civil.Date{Year: 2024, Month: time.January, Day: 1}
	c, err := cohort.Build(tables, r, params)
	if err != nil {
		t.Fatalf("cohort.Build() error: %v", err)
	}
	return c
}

func visit(person int64, kind int64, start, end string) omop.Visit {
	v := omop.Visit{PersonID: person, VisitConceptID: kind, Start: d(start)}
	if end != "" {
		v.End = d(end)
	}
	return v
}

func TestClassify_StrictDefinition(t *testing.T) {
	r := resolver()
	c := buildCohort(t, r,
		patient{id: 1, lab: "2021-01-10", dx: "2021-01-12"},
		patient{id: 2, lab: "2021-01-10"},
		patient{id: 3, lab: "2021-01-10", dx: "2021-01-30"},
		patient{id: 4, dx: "2021-01-10"},
	)
	visits := []omop.Visit{
		visit(1, inpatient, "2021-01-09", "2021-01-15"), // delta 1
		visit(1, edVisit, "2021-01-08", "2021-01-08"),   // delta 2
		visit(1, edVisit, "2021-01-26", "2021-01-26"),   // delta -16
		visit(1, inpatient, "2021-01-27", "2021-02-01"), // delta -17
		visit(1, office, "2021-01-10", "2021-01-10"),
		visit(2, inpatient, "2021-01-10", "2021-01-12"),
		visit(3, inpatient, "2021-01-10", "2021-01-12"),
		visit(4, inpatient, "2021-01-10", "2021-01-12"),
		visit(5, inpatient, "2021-01-10", "2021-01-12"),
	}

	got := Classify(c, visits, r, DefaultParams())
	if len(got) != 1 {
		t.Fatalf("expected only patient 1 to qualify, got %+v", got)
	}
	cv := got[1]
	if cv.FirstHospStart != d("2021-01-09") || cv.FirstHospEnd != d("2021-01-15") {
		t.Errorf("unexpected hospitalization: %v..%v", cv.FirstHospStart, cv.FirstHospEnd)
	}
	if cv.FirstEDStart != d("2021-01-26") {
		t.Errorf("expected ED 2021-01-26, got %v", cv.FirstEDStart)
	}
	if los, ok := cv.LengthOfStay(); !ok || los != 6 {
		t.Errorf("expected length of stay 6, got %d (%v)", los, ok)
	}
}

func TestClassify_IndexDefinition(t *testing.T) {
	r := resolver()
	c := buildCohort(t, r,
		patient{id: 2, lab: "2021-01-10"},
		patient{id: 4, dx: "2021-03-01"},
		patient{id: 6},
	)
	visits := []omop.Visit{
		visit(2, inpatient, "2021-01-11", "2021-01-20"),
		visit(4, edVisit, "2021-02-28", "2021-02-28"),
		visit(4, edVisit, "2021-02-27", "2021-02-27"),
		visit(6, inpatient, "2021-01-10", "2021-01-12"),
	}
	params := DefaultParams()
	params.RequiresLabAndDiagnosis = false

	got := Classify(c, visits, r, params)
	if got[2].FirstHospStart != d("2021-01-11") {
		t.Errorf("patient 2: expected hospitalization 2021-01-11, got %v", got[2].FirstHospStart)
	}
	if got[4].FirstEDStart != d("2021-02-28") || got[4].HasHospitalization() {
		t.Errorf("patient 4: unexpected %+v", got[4])
	}
	if _, ok := got[6]; ok {
		t.Error("patient without index date must not qualify")
	}
}

func TestClassify_FirstStayKeepsItsEnd(t *testing.T) {
	r := resolver()
	c := buildCohort(t, r, patient{id: 1, lab: "2021-01-10", dx: "2021-01-10"})

	tests := []struct {
		name       string
		visits     []omop.Visit
		start, end omop.NullDate
	}{
		{
			name: "earliest start wins",
			visits: []omop.Visit{
				visit(1, inpatient, "2021-01-12", "2021-01-13"),
				visit(1, inpatient, "2021-01-10", "2021-01-30"),
			},
			start: d("2021-01-10"), end: d("2021-01-30"),
		},
		{
			name: "tie keeps earlier end",
			visits: []omop.Visit{
				visit(1, inpatient, "2021-01-10", "2021-01-20"),
				visit(1, inpatient, "2021-01-10", "2021-01-15"),
			},
			start: d("2021-01-10"), end: d("2021-01-15"),
		},
		{
			name: "open stay",
			visits: []omop.Visit{
				visit(1, inpatient, "2021-01-10", ""),
			},
			start: d("2021-01-10"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := Classify(c, tt.visits, r, DefaultParams())[1]
			if cv.FirstHospStart != tt.start || cv.FirstHospEnd != tt.end {
				t.Errorf("got %v..%v, want %v..%v", cv.FirstHospStart, cv.FirstHospEnd, tt.start, tt.end)
			}
		})
	}
}

func TestLabMinusDiagnosisDays(t *testing.T) {
	r := resolver()
	c := buildCohort(t, r,
		patient{id: 1, lab: "2021-01-10", dx: "2021-01-12"},
		patient{id: 2, lab: "2021-01-10"},
	)
	p1, _ := c.Get(1)
	if days, ok := LabMinusDiagnosisDays(p1); !ok || days != -2 {
		t.Errorf("expected -2, got %d (%v)", days, ok)
	}
	p2, _ := c.Get(2)
	if _, ok := LabMinusDiagnosisDays(p2); ok {
		t.Error("expected no value without a diagnosis date")
	}
}
