package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run states recorded in pipeline_runs.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// StageRecord is one row of pipeline_stages.
type StageRecord struct {
	Stage    string
	Rows     int
	Duration time.Duration
}

// RunRecord is one row of pipeline_runs.
type RunRecord struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	SourceKind string
	Patients   int
	FactRows   int
	Params     any
	Err        error
	Stages     []StageRecord
}

// RunLedger records pipeline runs in a migrated schema.
type RunLedger struct {
	pool   *pgxpool.Pool
	schema string
}

func NewRunLedger(pool *pgxpool.Pool, schema string) *RunLedger {
	return &RunLedger{pool: pool, schema: schema}
}

func (l *RunLedger) table(name string) string {
	return pgx.Identifier{l.schema, name}.Sanitize()
}

// Start inserts the run in the running state.
func (l *RunLedger) Start(ctx context.Context, r *RunRecord) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	_, err = l.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (run_id, started_at, status, source_kind, params) VALUES ($1, $2, $3, $4, $5)`,
			l.table("pipeline_runs")),
		r.RunID, r.StartedAt, RunRunning, r.SourceKind, params)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// Finish records the outcome and stage timings of a run.
func (l *RunLedger) Finish(ctx context.Context, r *RunRecord) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, msg := RunSucceeded, ""
	if r.Err != nil {
		status, msg = RunFailed, r.Err.Error()
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET finished_at = $2, status = $3, patients = $4, fact_rows = $5, error = NULLIF($6, '')
		 WHERE run_id = $1`, l.table("pipeline_runs")),
		r.RunID, r.FinishedAt, status, r.Patients, r.FactRows, msg)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}

	if len(r.Stages) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{l.schema, "pipeline_stages"},
			[]string{"run_id", "stage", "rows", "duration_ms"},
			pgx.CopyFromSlice(len(r.Stages), func(i int) ([]any, error) {
				s := r.Stages[i]
				return []any{r.RunID, s.Stage, s.Rows, s.Duration.Milliseconds()}, nil
			}))
		if err != nil {
			return fmt.Errorf("record stages of run %s: %w", r.RunID, err)
		}
	}
	return tx.Commit(ctx)
}
