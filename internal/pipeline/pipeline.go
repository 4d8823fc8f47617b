// Package pipeline runs the cohort and fact-table stages over one loaded
// OMOP snapshot.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/concept"
	"github.com/ehr/cohort/internal/domain/encounter"
	"github.com/ehr/cohort/internal/domain/extract"
	"github.com/ehr/cohort/internal/domain/facts"
	"github.com/ehr/cohort/internal/domain/mortality"
	"github.com/ehr/cohort/internal/domain/summary"
	"github.com/ehr/cohort/pkg/omop"
)

// Params is every tunable of a run, passed into the stages explicitly.
type Params struct {
	Cohort    cohort.Params
	Encounter encounter.Params
	BMI       extract.BMIParams
	Facts     facts.Params
}

func DefaultParams() Params {
	return Params{
		Cohort:    cohort.DefaultParams(),
		Encounter: encounter.DefaultParams(),
		BMI:       extract.DefaultBMIParams(),
		Facts:     facts.DefaultParams(),
	}
}

// StageStat records one completed stage.
type StageStat struct {
	Stage    string
	Rows     int
	Duration time.Duration
}

// Result holds the outputs of one run.
type Result struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Cohort    *cohort.Cohort
	Facts     *facts.Table
	Summary   *summary.Table
	Stages    []StageStat
}

// Runner executes the stage graph.
type Runner struct {
	params Params
	logger zerolog.Logger
}

func NewRunner(p Params, logger zerolog.Logger) *Runner {
	return &Runner{params: p, logger: logger}
}

type stageLog struct {
	logger zerolog.Logger
	stats  []StageStat
}

func (s *stageLog) done(name string, rows int, started time.Time) {
	st := StageStat{Stage: name, Rows: rows, Duration: time.Since(started)}
	s.stats = append(s.stats, st)
	s.logger.Info().
		Str("stage", st.Stage).
		Int("rows", st.Rows).
		Dur("duration", st.Duration).
		Msg("stage complete")
}

// Run builds the cohort, runs the extractors, the encounter classifier and
// the mortality resolver concurrently, then aggregates facts and reduces
// them to the patient summary. A failing extractor does not cancel its
// siblings; the first error is returned once all of them finish.
func (r *Runner) Run(ctx context.Context, t *omop.Tables) (*Result, error) {
	return r.RunAs(ctx, uuid.New(), t)
}

// RunAs is Run under a caller-chosen run id.
func (r *Runner) RunAs(ctx context.Context, runID uuid.UUID, t *omop.Tables) (*Result, error) {
	res := &Result{RunID: runID, StartedAt: time.Now()}
	logger := r.logger.With().Str("run_id", res.RunID.String()).Logger()
	sl := &stageLog{logger: logger}
	p := r.params

	if err := p.BMI.Validate(); err != nil {
		return nil, fmt.Errorf("validate bmi params: %w", err)
	}

	started := time.Now()
	resolver := concept.NewResolver(t.ConceptSetMembers)
	fusion := concept.MergeFusion(t.RequiredFusion, t.CustomFusion)
	if err := fusion.Validate(); err != nil {
		return nil, fmt.Errorf("validate fusion sheet: %w", err)
	}
	logShared(logger, fusion)
	sl.done("concepts", resolver.Len(), started)

	started = time.Now()
	c, err := cohort.Build(t, resolver, p.Cohort)
	if err != nil {
		return nil, fmt.Errorf("build cohort: %w", err)
	}
	res.Cohort = c
	sl.done("cohort", c.Len(), started)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Each goroutine writes only its own slot.
	days := make([]*extract.DayTable, len(omop.AllDomains))
	durations := make([]time.Duration, len(omop.AllDomains)+2)
	var (
		encounters map[int64]encounter.COVIDVisits
		deaths     map[int64]mortality.Death
		g          errgroup.Group
	)
	for i, d := range omop.EventDomains {
		i, d := i, d
		g.Go(func() error {
			s := time.Now()
			days[i] = extract.Events(d, t.EventsFor(d), c, fusion.IndicatorsFor(resolver, d))
			durations[i] = time.Since(s)
			return nil
		})
	}
	mi := len(omop.EventDomains)
	g.Go(func() error {
		s := time.Now()
		tbl, err := extract.Measurements(t.Measurements, c, resolver, p.BMI)
		if err != nil {
			return fmt.Errorf("extract measurements: %w", err)
		}
		days[mi] = tbl
		durations[mi] = time.Since(s)
		return nil
	})
	g.Go(func() error {
		s := time.Now()
		encounters = encounter.Classify(c, t.Visits, resolver, p.Encounter)
		durations[mi+1] = time.Since(s)
		return nil
	})
	g.Go(func() error {
		s := time.Now()
		deaths = mortality.Resolve(c, t.Deaths, t.Visits, resolver)
		durations[mi+2] = time.Since(s)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, d := range omop.AllDomains {
		sl.record("extract_"+string(d), days[i].Len(), durations[i])
	}
	sl.record("encounters", len(encounters), durations[mi+1])
	sl.record("mortality", len(deaths), durations[mi+2])

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started = time.Now()
	res.Facts = facts.Build(facts.Inputs{
		Cohort:     c,
		Days:       days,
		Encounters: encounters,
		Deaths:     deaths,
		Visits:     t.Visits,
	}, p.Facts)
	sl.done("facts", res.Facts.Len(), started)

	started = time.Now()
	res.Summary = summary.Build(summary.Inputs{
		Facts:      res.Facts,
		Cohort:     c,
		Encounters: encounters,
		Deaths:     deaths,
		Fusion:     fusion,
	})
	sl.done("summary", res.Summary.Len(), started)

	res.Stages = sl.stats
	return res, nil
}

func (s *stageLog) record(name string, rows int, d time.Duration) {
	s.done(name, rows, time.Now().Add(-d))
}

func logShared(logger zerolog.Logger, f *concept.Fusion) {
	shared := f.SharedIndicators()
	names := make([]string, 0, len(shared))
	for name := range shared {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Warn().
			Str("indicator", name).
			Strs("concept_sets", shared[name]).
			Msg("indicator fed by several concept sets, flags are OR-merged")
	}
}
