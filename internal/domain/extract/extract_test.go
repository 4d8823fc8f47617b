package extract

import (
	"reflect"
	"testing"

	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/pkg/omop"
)

type memberSet map[int64]bool

func (m memberSet) Has(id int64) bool { return m[id] }

func d(s string) omop.NullDate { return omop.MustParseDate(s) }

const (
	diabetesA = 11
	diabetesB = 12
	imvCode   = 13
	unrelated = 99

	pcrTest  = 100
	abTest   = 101
	positive = 200
	negative = 201
	bmiCode  = 300
	weightOz = 301
	heightIn = 302
)

func testIndicators() concept.Indicators {
	return concept.Indicators{
		diabetesA: {"DIABETES"},
		diabetesB: {"DIABETES"},
		imvCode:   {"LL_IMV"},
	}
}

func TestEvents_ReducesPerDay(t *testing.T) {
	members := memberSet{1: true, 2: true}
	events := []omop.Event{
		{PersonID: 1, Date: d("2021-01-02"), ConceptID: diabetesA},
		{PersonID: 1, Date: d("2021-01-02"), ConceptID: diabetesB},
		{PersonID: 1, Date: d("2021-01-02"), ConceptID: imvCode},
		{PersonID: 1, Date: d("2021-01-01"), ConceptID: imvCode},
		{PersonID: 1, Date: d("2021-01-03"), ConceptID: unrelated},
		{PersonID: 1, ConceptID: diabetesA},
		{PersonID: 3, Date: d("2021-01-02"), ConceptID: diabetesA},
		{PersonID: 2, Date: d("2020-12-31"), ConceptID: diabetesB},
	}

	got := Events(omop.DomainCondition, events, members, testIndicators())

	if got.Domain != omop.DomainCondition {
		t.Errorf("expected domain condition, got %s", got.Domain)
	}
	if !reflect.DeepEqual(got.Indicators, []string{"DIABETES", "LL_IMV"}) {
		t.Errorf("unexpected indicators: %v", got.Indicators)
	}
	if got.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d: %+v", got.Len(), got.Rows)
	}

	want := []struct {
		person int64
		date   string
		flags  map[string]bool
	}{
		{1, "2021-01-01", map[string]bool{"LL_IMV": true}},
		{1, "2021-01-02", map[string]bool{"DIABETES": true, "LL_IMV": true}},
		{2, "2020-12-31", map[string]bool{"DIABETES": true}},
	}
	for i, w := range want {
		row := got.Rows[i]
		if row.PersonID != w.person || row.Date != d(w.date).Date {
			t.Errorf("row %d: got (%d, %s), want (%d, %s)", i, row.PersonID, row.Date, w.person, w.date)
		}
		if !reflect.DeepEqual(row.Flags, w.flags) {
			t.Errorf("row %d: flags = %v, want %v", i, row.Flags, w.flags)
		}
	}
}

func TestEvents_IdempotentOnDuplicatedInput(t *testing.T) {
	members := memberSet{1: true, 2: true}
	events := []omop.Event{
		{PersonID: 1, Date: d("2021-01-02"), ConceptID: diabetesA},
		{PersonID: 1, Date: d("2021-01-05"), ConceptID: imvCode},
		{PersonID: 2, Date: d("2021-01-02"), ConceptID: diabetesB},
	}
	doubled := append(append([]omop.Event{}, events...), events...)

	once := Events(omop.DomainProcedure, events, members, testIndicators())
	twice := Events(omop.DomainProcedure, doubled, members, testIndicators())
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("duplicated input changed the output:\n%+v\n%+v", once, twice)
	}
}

func TestEvents_EmptyTable(t *testing.T) {
	got := Events(omop.DomainDevice, nil, memberSet{1: true}, concept.Indicators{})
	if got == nil {
		t.Fatal("expected a non-nil table")
	}
	if got.Len() != 0 || got.Rows == nil {
		t.Errorf("expected an empty, allocated row slice, got %+v", got.Rows)
	}
	if got.Domain != omop.DomainDevice {
		t.Errorf("expected domain device, got %s", got.Domain)
	}
}

func testResolver() *concept.Resolver {
	members := []struct {
		set string
		id  int64
	}{
		{concept.SetPCRAGTests, pcrTest},
		{concept.SetAntibodyTests, abTest},
		{concept.SetResultPositive, positive},
		{concept.SetResultNegative, negative},
		{concept.SetBMI, bmiCode},
		{concept.SetBodyWeight, weightOz},
		{concept.SetBodyHeight, heightIn},
	}
	var rows []omop.ConceptSetMember
	for _, m := range members {
		rows = append(rows, omop.ConceptSetMember{ConceptSetName: m.set, ConceptID: m.id, IsMostRecentVersion: true})
	}
	return concept.NewResolver(rows)
}

func num(person int64, date string, code int64, v float64) omop.Measurement {
	return omop.Measurement{PersonID: person, Date: d(date), ConceptID: code, ValueAsNumber: null.FloatFrom(v)}
}

func result(person int64, date string, code, value int64) omop.Measurement {
	return omop.Measurement{PersonID: person, Date: d(date), ConceptID: code, ValueAsConceptID: null.IntFrom(value)}
}

func findRow(t *testing.T, tbl *DayTable, person int64, date string) DayRow {
	t.Helper()
	for _, r := range tbl.Rows {
		if r.PersonID == person && r.Date == d(date).Date {
			return r
		}
	}
	t.Fatalf("no row for (%d, %s)", person, date)
	return DayRow{}
}

// 160 oz (10 lb) is below the weight bound, so 2880 oz (180 lb) at 70 in
// gives 180/4900*703 = 25.82.
func TestMeasurements_BMI(t *testing.T) {
	members := memberSet{1: true}
	ms := []omop.Measurement{
		// recorded BMI wins over the calculated 35
		num(1, "2021-01-01", bmiCode, 28),
		num(1, "2021-01-01", weightOz, 3904), // 244 lb
		num(1, "2021-01-01", heightIn, 70),

		// no recorded value: calculated
		num(1, "2021-01-02", weightOz, 2880),
		num(1, "2021-01-02", weightOz, 160),
		num(1, "2021-01-02", heightIn, 70),

		// recorded value out of bounds falls back to calculation
		num(1, "2021-01-03", bmiCode, 150),
		num(1, "2021-01-03", weightOz, 3904),
		num(1, "2021-01-03", heightIn, 70),

		// weight only: no BMI
		num(1, "2021-01-04", weightOz, 2880),

		// half rounds to even
		num(1, "2021-01-05", bmiCode, 30.5),
		num(1, "2021-01-06", bmiCode, 29.5),
	}

	tbl, err := Measurements(ms, members, testResolver(), DefaultBMIParams())
	if err != nil {
		t.Fatalf("Measurements() error: %v", err)
	}

	tests := []struct {
		date    string
		bmi     null.Int
		obesity bool
	}{
		{"2021-01-01", null.IntFrom(28), false},
		{"2021-01-02", null.IntFrom(26), false},
		{"2021-01-03", null.IntFrom(35), true},
		{"2021-01-04", null.Int{}, false},
		{"2021-01-05", null.IntFrom(30), true},
		{"2021-01-06", null.IntFrom(30), true},
	}
	for _, tt := range tests {
		row := findRow(t, tbl, 1, tt.date)
		if row.BMIRounded != tt.bmi {
			t.Errorf("%s: BMI = %v, want %v", tt.date, row.BMIRounded, tt.bmi)
		}
		if row.Flags[FlagObesity] != tt.obesity {
			t.Errorf("%s: obesity = %v, want %v", tt.date, row.Flags[FlagObesity], tt.obesity)
		}
	}
}

func TestMeasurements_MetricUnits(t *testing.T) {
	p := DefaultBMIParams()
	p.WeightUnit, p.WeightMin, p.WeightMax = "kg", 5, 300
	p.HeightUnit, p.HeightMin, p.HeightMax = "cm", 60, 243

	ms := []omop.Measurement{
		num(1, "2021-01-01", weightOz, 80),
		num(1, "2021-01-01", heightIn, 180),
	}
	tbl, err := Measurements(ms, memberSet{1: true}, testResolver(), p)
	if err != nil {
		t.Fatalf("Measurements() error: %v", err)
	}
	// 80 / 1.8^2 = 24.69
	if got := findRow(t, tbl, 1, "2021-01-01").BMIRounded; got != null.IntFrom(25) {
		t.Errorf("expected BMI 25, got %v", got)
	}
}

func TestMeasurements_LabFlags(t *testing.T) {
	members := memberSet{1: true}
	ms := []omop.Measurement{
		result(1, "2021-01-01", pcrTest, positive),
		result(1, "2021-01-01", pcrTest, negative),
		result(1, "2021-01-02", abTest, negative),
		result(1, "2021-01-03", abTest, 999),
		result(2, "2021-01-01", pcrTest, positive),
	}
	tbl, err := Measurements(ms, members, testResolver(), DefaultBMIParams())
	if err != nil {
		t.Fatalf("Measurements() error: %v", err)
	}
	if tbl.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", tbl.Len())
	}

	day1 := findRow(t, tbl, 1, "2021-01-01")
	if !day1.Flags[FlagPCRAGPositive] || !day1.Flags[FlagPCRAGNegative] || day1.Flags[FlagAntibodyPositive] {
		t.Errorf("unexpected day 1 flags: %v", day1.Flags)
	}
	day2 := findRow(t, tbl, 1, "2021-01-02")
	if !reflect.DeepEqual(day2.Flags, map[string]bool{FlagAntibodyNegative: true}) {
		t.Errorf("unexpected day 2 flags: %v", day2.Flags)
	}
	// unmatched results still produce a dated row
	day3 := findRow(t, tbl, 1, "2021-01-03")
	if len(day3.Flags) != 0 || day3.BMIRounded.Valid {
		t.Errorf("expected a bare row, got %+v", day3)
	}
}

func TestBMIParams_Validate(t *testing.T) {
	p := DefaultBMIParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	p.WeightUnit = "stone"
	if err := p.Validate(); err == nil {
		t.Error("expected error for unknown weight unit")
	}
	p = DefaultBMIParams()
	p.BMIMin = 200
	if err := p.Validate(); err == nil {
		t.Error("expected error for inverted bmi bounds")
	}
	if _, err := Measurements(nil, memberSet{}, testResolver(), p); err == nil {
		t.Error("Measurements must reject invalid params")
	}
}
