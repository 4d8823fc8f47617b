package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/pipeline"
	"github.com/ehr/cohort/internal/platform/db"
	"github.com/ehr/cohort/internal/platform/export"
	"github.com/ehr/cohort/internal/platform/report"
	"github.com/ehr/cohort/internal/platform/source"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "cohort-pipeline",
		Short:        "OMOP COVID-19 cohort and fact-table pipeline",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schemaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the connections shared by the commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	bq     *bigquery.Client
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &app{cfg: cfg, logger: cfg.Logger()}

	if cfg.DatabaseURL != "" {
		a.pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			AppName:  "cohort-pipeline",
		})
		if err != nil {
			return nil, err
		}
		stats, err := db.Check(ctx, a.pool)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.logger.Info().
			Int32("total_conns", stats.TotalConns).
			Int32("max_conns", stats.MaxConns).
			Msg("connected to database")
	}

	if cfg.SourceKind == config.SourceBigQuery {
		a.bq, err = bigquery.NewClient(ctx, cfg.BQProject)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create bigquery client: %w", err)
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.bq != nil {
		if err := a.bq.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close bigquery client")
		}
	}
}

// reader opens the configured OMOP source.
func reader(cfg *config.Config, pool *pgxpool.Pool, bq *bigquery.Client) (source.Reader, error) {
	switch cfg.SourceKind {
	case config.SourceCSV:
		return source.NewCSVReader(cfg.SourceDir), nil
	case config.SourcePostgres:
		if pool == nil {
			return nil, errors.New("postgres source requires a database connection")
		}
		return source.NewPostgresReader(pool, cfg.SourceSchema), nil
	case config.SourceBigQuery:
		if bq == nil {
			return nil, errors.New("bigquery source requires a client")
		}
		return source.NewBigQueryReader(bq, cfg.BQDataset), nil
	}
	return nil, fmt.Errorf("unknown source kind %q", cfg.SourceKind)
}

// writers builds one writer per configured output format.
func writers(cfg *config.Config, pool *pgxpool.Pool) (map[string]export.Writer, error) {
	out := make(map[string]export.Writer, len(cfg.OutputFormats))
	for _, f := range cfg.OutputFormats {
		switch f {
		case export.FormatCSV:
			out[f] = export.NewCSVWriter(cfg.OutputDir)
		case export.FormatXLSX:
			out[f] = export.NewXLSXWriter(cfg.OutputDir)
		case export.FormatPostgres:
			if pool == nil {
				return nil, errors.New("postgres output requires a database connection")
			}
			out[f] = export.NewPostgresWriter(pool, cfg.OutputSchema)
		default:
			return nil, fmt.Errorf("unknown output format %q", f)
		}
	}
	return out, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Build the cohort, fact and summary tables and export them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(ctx)
		},
	}
}

// run executes one pipeline run, recording it in the run ledger when a
// database is configured.
func (a *app) run(ctx context.Context) error {
	params := a.cfg.PipelineParams()
	rec := &db.RunRecord{
		RunID:      uuid.New(),
		StartedAt:  time.Now(),
		SourceKind: a.cfg.SourceKind,
		Params:     params,
	}
	logger := a.logger.With().Str("run_id", rec.RunID.String()).Logger()

	var ledger *db.RunLedger
	if a.pool != nil {
		if _, err := db.NewMigrator(a.pool, db.Migrations()).Up(ctx, a.cfg.OutputSchema); err != nil {
			return fmt.Errorf("migrate run ledger: %w", err)
		}
		ledger = db.NewRunLedger(a.pool, a.cfg.OutputSchema)
		if err := ledger.Start(ctx, rec); err != nil {
			return err
		}
	}

	res, stages, err := a.execute(ctx, logger, rec.RunID, params)
	if ledger != nil {
		rec.FinishedAt = time.Now()
		rec.Err = err
		rec.Stages = stages
		if res != nil {
			rec.Patients = res.Cohort.Len()
			rec.FactRows = res.Facts.Len()
		}
		// The run may have been cancelled; its outcome is still recorded.
		if ferr := ledger.Finish(context.WithoutCancel(ctx), rec); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to record run")
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
		return err
	}
	logger.Info().
		Int("patients", res.Cohort.Len()).
		Int("fact_rows", res.Facts.Len()).
		Dur("duration", time.Since(rec.StartedAt)).
		Msg("run complete")
	return nil
}

func (a *app) execute(ctx context.Context, logger zerolog.Logger, runID uuid.UUID, params pipeline.Params) (*pipeline.Result, []db.StageRecord, error) {
	r, err := reader(a.cfg, a.pool, a.bq)
	if err != nil {
		return nil, nil, err
	}
	w, err := writers(a.cfg, a.pool)
	if err != nil {
		return nil, nil, err
	}

	started := time.Now()
	tables, err := source.NewLoader(r, logger).Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load source: %w", err)
	}
	stages := []db.StageRecord{{Stage: "load", Rows: tables.Rows(), Duration: time.Since(started)}}

	res, err := pipeline.NewRunner(params, logger).RunAs(ctx, runID, tables)
	if err != nil {
		return nil, stages, fmt.Errorf("run pipeline: %w", err)
	}
	stages = append(stages, stageRecords(res.Stages)...)

	rep := report.Build(res)
	logReport(logger, rep)

	logger.Info().Strs("formats", formats(w)).Str("dir", a.cfg.OutputDir).Msg("exporting")
	started = time.Now()
	if err := export.WriteAll(ctx, logger, w, res.Facts, res.Summary, rep); err != nil {
		return res, stages, fmt.Errorf("export: %w", err)
	}
	stages = append(stages, db.StageRecord{Stage: "export", Rows: res.Facts.Len() + res.Summary.Len(), Duration: time.Since(started)})
	return res, stages, nil
}

func stageRecords(stats []pipeline.StageStat) []db.StageRecord {
	out := make([]db.StageRecord, 0, len(stats))
	for _, s := range stats {
		out = append(out, db.StageRecord{Stage: s.Stage, Rows: s.Rows, Duration: s.Duration})
	}
	return out
}

func logReport(logger zerolog.Logger, rep *report.Report) {
	for _, m := range rep.Measures {
		ev := logger.Info().Str("measure", m.MeasureID)
		for _, v := range m.Results {
			ev = ev.Float64(v.Key, v.Value)
		}
		ev.Msg(m.MeasureName)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that every source table has its required columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := reader(a.cfg, a.pool, a.bq)
			if err != nil {
				return err
			}
			if err := source.NewLoader(r, a.logger).Check(ctx); err != nil {
				return err
			}
			fmt.Printf("Source %s is valid.\n", a.cfg.SourceKind)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run ledger schema",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setupDB(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			schema := schemaFlag(cmd, a.cfg)
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(a.pool, db.Migrations()).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default OUTPUT_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setupDB(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			schema := schemaFlag(cmd, a.cfg)
			statuses, err := db.NewMigrator(a.pool, db.Migrations()).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default OUTPUT_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage per-site result schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a result schema for one site",
		RunE: func(cmd *cobra.Command, args []string) error {
			site, _ := cmd.Flags().GetString("site")
			if site == "" {
				return fmt.Errorf("--site is required")
			}

			ctx := cmd.Context()
			a, err := setupDB(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			schema, err := db.CreateSiteSchema(ctx, a.pool, site, db.Migrations())
			if err != nil {
				return err
			}
			fmt.Printf("Created schema %s. Run with OUTPUT_SCHEMA=%s to write results there.\n", schema, schema)
			return nil
		},
	}
	createCmd.Flags().String("site", "", "Site (data partner) identifier, alphanumeric")

	cmd.AddCommand(createCmd)
	return cmd
}

// setupDB is setup for the database-only commands.
func setupDB(ctx context.Context) (*app, error) {
	a, err := setup(ctx)
	if err != nil {
		return nil, err
	}
	if a.pool == nil {
		a.Close()
		return nil, errors.New("DATABASE_URL is required")
	}
	return a, nil
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return cfg.OutputSchema
}

// formats lists the writers in a stable order.
func formats(w map[string]export.Writer) []string {
	out := make([]string, 0, len(w))
	for f := range w {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
