// Package source loads an OMOP snapshot and the fusion sheets from CSV
// files, Postgres or BigQuery into omop.Tables.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/pkg/omop"
)

// Source table names.
const (
	TablePerson             = "person"
	TableLocation           = "location"
	TableManifest           = "manifest"
	TableCondition          = "condition_occurrence"
	TableObservation        = "observation"
	TableProcedure          = "procedure_occurrence"
	TableDevice             = "device_exposure"
	TableDrug               = "drug_exposure"
	TableMeasurement        = "measurement"
	TableVisit              = "visit_occurrence"
	TableDeath              = "death"
	TableConceptSetMembers  = "concept_set_members"
	TableRequiredFusion     = "LL_DO_NOT_DELETE_REQUIRED_concept_sets_confirmed"
	TableCustomFusion       = "LL_concept_sets_fusion"
	TableCustomFusionLegacy = "New_Concepts_Table"
)

// ErrTableNotFound is returned by a Reader for a table it cannot locate.
var ErrTableNotFound = errors.New("table not found")

// SchemaError reports required columns absent from a source table.
type SchemaError struct {
	Table   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table %s: missing required columns %s", e.Table, strings.Join(e.Missing, ", "))
}

// Reader is one storage backend.
type Reader interface {
	// Columns lists a table's column names, lower-cased.
	Columns(ctx context.Context, table string) ([]string, error)
	// Scan calls fn once per row with the values of columns, in order.
	// Values are text; SQL NULL and empty CSV cells are invalid.
	Scan(ctx context.Context, table string, columns []string, fn func(vals []null.String) error) error
}

// tableSpec binds a source table to the Tables field it fills.
type tableSpec struct {
	name     string
	aliases  []string
	columns  []string
	optional bool
	assign   func(t *omop.Tables, d *decoder, vals []null.String) error
}

func eventSpec(name, dateCol, conceptCol string, field func(t *omop.Tables) *[]omop.Event) tableSpec {
	return tableSpec{
		name:    name,
		columns: []string{"person_id", dateCol, conceptCol},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			person, ok := d.id(v, 0)
			if !ok {
				return nil
			}
			concept, _ := d.id(v, 2)
			dst := field(t)
			*dst = append(*dst, omop.Event{PersonID: person, Date: d.date(v, 1), ConceptID: concept})
			return nil
		},
	}
}

func fusionSpec(name string, aliases []string, optional bool, field func(t *omop.Tables) *[]omop.FusionEntry) tableSpec {
	return tableSpec{
		name:     name,
		aliases:  aliases,
		columns:  []string{"concept_set_name", "domain", "indicator_prefix", "pre_during_post"},
		optional: optional,
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			dst := field(t)
			*dst = append(*dst, omop.FusionEntry{
				ConceptSetName:  d.str(v, 0),
				Domain:          d.str(v, 1),
				IndicatorPrefix: d.str(v, 2),
				PreDuringPost:   d.str(v, 3),
			})
			return nil
		},
	}
}

var tableSpecs = []tableSpec{
	{
		name: TablePerson,
		columns: []string{"person_id", "year_of_birth", "month_of_birth", "gender_source_value",
			"location_id", "data_partner_id", "race_source_value"},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			person, ok := d.id(v, 0)
			if !ok {
				return nil
			}
			partner, _ := d.id(v, 5)
			t.Persons = append(t.Persons, omop.Person{
				PersonID:        person,
				YearOfBirth:     d.int(v, 1),
				MonthOfBirth:    d.int(v, 2),
				Sex:             d.str(v, 3),
				LocationID:      d.int(v, 4),
				DataPartnerID:   partner,
				RaceSourceValue: d.str(v, 6),
			})
			return nil
		},
	},
	{
		name:    TableLocation,
		columns: []string{"location_id", "city", "state", "zip", "county"},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			id, ok := d.id(v, 0)
			if !ok {
				return nil
			}
			t.Locations = append(t.Locations, omop.Location{
				LocationID: id, City: v[1], State: v[2], PostalCode: v[3], County: v[4],
			})
			return nil
		},
	},
	{
		name:    TableManifest,
		columns: []string{"data_partner_id", "run_date", "cdm_name", "cdm_version", "shift_date_yn", "max_num_shift_days"},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			id, ok := d.id(v, 0)
			if !ok {
				return nil
			}
			t.Manifests = append(t.Manifests, omop.Manifest{
				DataPartnerID:   id,
				RunDate:         d.date(v, 1),
				CDMName:         d.str(v, 2),
				CDMVersion:      d.str(v, 3),
				ShiftDateYN:     d.str(v, 4),
				MaxNumShiftDays: d.int(v, 5),
			})
			return nil
		},
	},
	eventSpec(TableCondition, "condition_start_date", "condition_concept_id", func(t *omop.Tables) *[]omop.Event { return &t.Conditions }),
	eventSpec(TableObservation, "observation_date", "observation_concept_id", func(t *omop.Tables) *[]omop.Event { return &t.Observations }),
	eventSpec(TableProcedure, "procedure_date", "procedure_concept_id", func(t *omop.Tables) *[]omop.Event { return &t.Procedures }),
	eventSpec(TableDevice, "device_exposure_start_date", "device_concept_id", func(t *omop.Tables) *[]omop.Event { return &t.Devices }),
	eventSpec(TableDrug, "drug_exposure_start_date", "drug_concept_id", func(t *omop.Tables) *[]omop.Event { return &t.Drugs }),
	{
		name:    TableMeasurement,
		columns: []string{"person_id", "measurement_date", "measurement_concept_id", "value_as_number", "value_as_concept_id"},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			person, ok := d.id(v, 0)
			if !ok {
				return nil
			}
			concept, _ := d.id(v, 2)
			t.Measurements = append(t.Measurements, omop.Measurement{
				PersonID:         person,
				Date:             d.date(v, 1),
				ConceptID:        concept,
				ValueAsNumber:    d.float(v, 3),
				ValueAsConceptID: d.int(v, 4),
			})
			return nil
		},
	},
	{
		name:    TableVisit,
		columns: []string{"person_id", "visit_start_date", "visit_end_date", "visit_concept_id", "discharge_to_concept_id"},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			person, ok := d.id(v, 0)
			if !ok {
				return nil
			}
			concept, _ := d.id(v, 3)
			t.Visits = append(t.Visits, omop.Visit{
				PersonID:             person,
				Start:                d.date(v, 1),
				End:                  d.date(v, 2),
				VisitConceptID:       concept,
				DischargeToConceptID: d.int(v, 4),
			})
			return nil
		},
	},
	{
		name:    TableDeath,
		columns: []string{"person_id", "death_date"},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			person, ok := d.id(v, 0)
			if !ok {
				return nil
			}
			t.Deaths = append(t.Deaths, omop.Death{PersonID: person, Date: d.date(v, 1)})
			return nil
		},
	},
	{
		name:    TableConceptSetMembers,
		columns: []string{"concept_set_name", "concept_id", "is_most_recent_version"},
		assign: func(t *omop.Tables, d *decoder, v []null.String) error {
			id, ok := d.id(v, 1)
			if !ok {
				return nil
			}
			t.ConceptSetMembers = append(t.ConceptSetMembers, omop.ConceptSetMember{
				ConceptSetName:      d.str(v, 0),
				ConceptID:           id,
				IsMostRecentVersion: d.bool(v, 2),
			})
			return nil
		},
	},
	fusionSpec(TableRequiredFusion, nil, false, func(t *omop.Tables) *[]omop.FusionEntry { return &t.RequiredFusion }),
	fusionSpec(TableCustomFusion, []string{TableCustomFusionLegacy}, true, func(t *omop.Tables) *[]omop.FusionEntry { return &t.CustomFusion }),
}

// RequiredColumns lists, per source table, the columns the pipeline reads.
func RequiredColumns() map[string][]string {
	out := make(map[string][]string, len(tableSpecs))
	for _, s := range tableSpecs {
		out[s.name] = append([]string(nil), s.columns...)
	}
	return out
}

// Loader reads every source table through a Reader.
type Loader struct {
	reader      Reader
	logger      zerolog.Logger
	concurrency int
}

func NewLoader(r Reader, logger zerolog.Logger) *Loader {
	return &Loader{reader: r, logger: logger, concurrency: 4}
}

// resolve finds the table name the backend knows a table under and checks
// its columns. An absent optional table resolves to "".
func (l *Loader) resolve(ctx context.Context, s tableSpec) (string, error) {
	var cols []string
	var err error
	name := s.name
	for _, n := range append([]string{s.name}, s.aliases...) {
		name = n
		cols, err = l.reader.Columns(ctx, n)
		if !errors.Is(err, ErrTableNotFound) {
			break
		}
	}
	if errors.Is(err, ErrTableNotFound) {
		if s.optional {
			return "", nil
		}
		return "", &SchemaError{Table: s.name, Missing: s.columns}
	}
	if err != nil {
		return "", fmt.Errorf("read columns of %s: %w", name, err)
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[strings.ToLower(c)] = true
	}
	var missing []string
	for _, c := range s.columns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &SchemaError{Table: name, Missing: missing}
	}
	return name, nil
}

// Check validates every table's schema without reading rows. All schema
// errors are returned joined.
func (l *Loader) Check(ctx context.Context) error {
	var errs []error
	for _, s := range tableSpecs {
		if _, err := l.resolve(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load reads every table. A schema error on any table fails the load
// before rows are decoded.
func (l *Loader) Load(ctx context.Context) (*omop.Tables, error) {
	names := make([]string, len(tableSpecs))
	for i, s := range tableSpecs {
		name, err := l.resolve(ctx, s)
		if err != nil {
			return nil, err
		}
		names[i] = name
	}

	// Partial tables are merged after the group finishes, so each goroutine
	// only touches its own.
	parts := make([]*omop.Tables, len(tableSpecs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, s := range tableSpecs {
		i, s := i, s
		if names[i] == "" {
			l.logger.Info().Str("table", s.name).Msg("optional table absent")
			continue
		}
		g.Go(func() error {
			started := time.Now()
			part := &omop.Tables{}
			d := &decoder{table: names[i], columns: s.columns}
			rows := 0
			err := l.reader.Scan(gctx, names[i], s.columns, func(vals []null.String) error {
				rows++
				return s.assign(part, d, vals)
			})
			if err != nil {
				return fmt.Errorf("load %s: %w", names[i], err)
			}
			d.log(l.logger)
			l.logger.Info().
				Str("table", names[i]).
				Int("rows", rows).
				Dur("duration", time.Since(started)).
				Msg("table loaded")
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &omop.Tables{}
	for _, p := range parts {
		if p != nil {
			merge(out, p)
		}
	}
	return out, nil
}

func merge(dst, src *omop.Tables) {
	dst.Persons = append(dst.Persons, src.Persons...)
	dst.Locations = append(dst.Locations, src.Locations...)
	dst.Manifests = append(dst.Manifests, src.Manifests...)
	dst.Conditions = append(dst.Conditions, src.Conditions...)
	dst.Observations = append(dst.Observations, src.Observations...)
	dst.Procedures = append(dst.Procedures, src.Procedures...)
	dst.Devices = append(dst.Devices, src.Devices...)
	dst.Drugs = append(dst.Drugs, src.Drugs...)
	dst.Measurements = append(dst.Measurements, src.Measurements...)
	dst.Visits = append(dst.Visits, src.Visits...)
	dst.Deaths = append(dst.Deaths, src.Deaths...)
	dst.ConceptSetMembers = append(dst.ConceptSetMembers, src.ConceptSetMembers...)
	dst.RequiredFusion = append(dst.RequiredFusion, src.RequiredFusion...)
	dst.CustomFusion = append(dst.CustomFusion, src.CustomFusion...)
}
