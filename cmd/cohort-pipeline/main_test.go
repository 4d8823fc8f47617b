package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/internal/pipeline"
	"github.com/ehr/cohort/internal/platform/export"
	"github.com/ehr/cohort/internal/platform/source"
)

func TestReader(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{config.SourceCSV, false},
		{config.SourcePostgres, true},
		{config.SourceBigQuery, true},
		{"oracle", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			r, err := reader(&config.Config{SourceKind: tt.kind, SourceDir: "data"}, nil, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s without a connection", tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, ok := r.(*source.CSVReader); !ok {
				t.Errorf("expected *source.CSVReader, got %T", r)
			}
		})
	}
}

func TestWriters(t *testing.T) {
	w, err := writers(&config.Config{OutputDir: t.TempDir(), OutputFormats: []string{"xlsx", "csv"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(formats(w), ","); got != "csv,xlsx" {
		t.Errorf("formats = %s, want csv,xlsx", got)
	}
	if _, ok := w[export.FormatXLSX].(*export.XLSXWriter); !ok {
		t.Errorf("expected *export.XLSXWriter, got %T", w[export.FormatXLSX])
	}

	if _, err := writers(&config.Config{OutputFormats: []string{"postgres"}}, nil); err == nil {
		t.Error("expected error for postgres output without a pool")
	}
	if _, err := writers(&config.Config{OutputFormats: []string{"parquet"}}, nil); err == nil {
		t.Error("expected error for an unknown format")
	}
}

func TestStageRecords(t *testing.T) {
	got := stageRecords([]pipeline.StageStat{
		{Stage: "cohort", Rows: 3, Duration: time.Second},
		{Stage: "facts", Rows: 10, Duration: 2 * time.Millisecond},
	})
	if len(got) != 2 || got[0].Stage != "cohort" || got[1].Rows != 10 || got[1].Duration != 2*time.Millisecond {
		t.Errorf("unexpected stage records: %+v", got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeSnapshot writes a header-only file for every source table, then
// fills in one positive PCR test for person 1.
func writeSnapshot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for table, cols := range source.RequiredColumns() {
		writeFile(t, filepath.Join(dir, table+".csv"), strings.Join(cols, ",")+"\n")
	}
	writeFile(t, filepath.Join(dir, source.TablePerson+".csv"),
		"person_id,year_of_birth,month_of_birth,gender_source_value,location_id,data_partner_id,race_source_value\n"+
			"1,1960,6,F,,7,White\n"+
			"2,1980,2,M,,7,\n")
	writeFile(t, filepath.Join(dir, source.TableManifest+".csv"),
		"data_partner_id,run_date,cdm_name,cdm_version,shift_date_yn,max_num_shift_days\n7,2023-01-01,OMOP,5.3.1,N,0\n")
	writeFile(t, filepath.Join(dir, source.TableMeasurement+".csv"),
		"person_id,measurement_date,measurement_concept_id,value_as_number,value_as_concept_id\n1,2021-01-10,100,,200\n")
	writeFile(t, filepath.Join(dir, source.TableConceptSetMembers+".csv"),
		"concept_set_name,concept_id,is_most_recent_version\n"+
			concept.SetPCRAGTests+",100,true\n"+
			concept.SetResultPositive+",200,true\n")
	return dir
}

func TestExecute_CSV(t *testing.T) {
	out := t.TempDir()
	a := &app{
		cfg: &config.Config{
			SourceKind:    config.SourceCSV,
			SourceDir:     writeSnapshot(t),
			OutputDir:     out,
			OutputFormats: []string{export.FormatCSV},
		},
		logger: zerolog.Nop(),
	}
	params := pipeline.DefaultParams()
	params.Cohort.Today = civil.Date{Year: 2024, Month: time.January, Day: 1}

	runID := uuid.New()
	res, stages, err := a.execute(context.Background(), zerolog.Nop(), runID, params)
	if err != nil {
		t.Fatalf("execute() error: %v", err)
	}
	if res.RunID != runID {
		t.Errorf("run id = %s, want %s", res.RunID, runID)
	}
	if res.Summary.Len() != 2 {
		t.Errorf("expected 2 summary rows, got %d", res.Summary.Len())
	}
	if len(stages) < 3 || stages[0].Stage != "load" || stages[len(stages)-1].Stage != "export" {
		t.Errorf("unexpected stages: %+v", stages)
	}

	for _, name := range []string{res.Facts.Name(), res.Summary.Name(), "run_report"} {
		data, err := os.ReadFile(filepath.Join(out, name+".csv"))
		if err != nil {
			t.Errorf("expected %s.csv: %v", name, err)
			continue
		}
		if lines := strings.Count(string(data), "\n"); lines < 2 {
			t.Errorf("%s.csv has %d lines, want a header and rows", name, lines)
		}
	}
}

func TestExecute_MissingColumn(t *testing.T) {
	dir := writeSnapshot(t)
	writeFile(t, filepath.Join(dir, source.TableDeath+".csv"), "person_id\n")
	a := &app{
		cfg: &config.Config{
			SourceKind:    config.SourceCSV,
			SourceDir:     dir,
			OutputDir:     t.TempDir(),
			OutputFormats: []string{export.FormatCSV},
		},
		logger: zerolog.Nop(),
	}
	_, stages, err := a.execute(context.Background(), zerolog.Nop(), uuid.New(), pipeline.DefaultParams())
	if err == nil {
		t.Fatal("expected a schema error")
	}
	if stages != nil {
		t.Errorf("expected no stages before loading, got %+v", stages)
	}
}
