package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ehr/cohort/internal/pipeline"
)

// Source kinds.
const (
	SourceCSV      = "csv"
	SourcePostgres = "postgres"
	SourceBigQuery = "bigquery"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	SourceKind   string `mapstructure:"SOURCE_KIND"`
	SourceDir    string `mapstructure:"SOURCE_DIR"`
	SourceSchema string `mapstructure:"SOURCE_SCHEMA"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`
	BQProject    string `mapstructure:"BQ_PROJECT"`
	BQDataset    string `mapstructure:"BQ_DATASET"`

	OutputDir     string   `mapstructure:"OUTPUT_DIR"`
	OutputFormats []string `mapstructure:"OUTPUT_FORMATS"`
	OutputSchema  string   `mapstructure:"OUTPUT_SCHEMA"`

	SampleFraction          float64 `mapstructure:"SAMPLE_FRACTION"`
	SampleSeed              int64   `mapstructure:"SAMPLE_SEED"`
	RequiresLabAndDiagnosis bool    `mapstructure:"REQUIRES_LAB_AND_DIAGNOSIS"`
	DaysBeforeIndex         int     `mapstructure:"DAYS_BEFORE_INDEX"`
	DaysAfterIndex          int     `mapstructure:"DAYS_AFTER_INDEX"`
	ReinfectionDays         int     `mapstructure:"REINFECTION_DAYS"`
	// Today overrides the current date, YYYY-MM-DD; used for reproducible runs.
	Today string `mapstructure:"TODAY"`

	BMIMin     float64 `mapstructure:"BMI_MIN"`
	BMIMax     float64 `mapstructure:"BMI_MAX"`
	WeightMin  float64 `mapstructure:"WEIGHT_MIN"`
	WeightMax  float64 `mapstructure:"WEIGHT_MAX"`
	WeightUnit string  `mapstructure:"WEIGHT_UNIT"`
	HeightMin  float64 `mapstructure:"HEIGHT_MIN"`
	HeightMax  float64 `mapstructure:"HEIGHT_MAX"`
	HeightUnit string  `mapstructure:"HEIGHT_UNIT"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"SOURCE_KIND", "SOURCE_DIR", "SOURCE_SCHEMA", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"BQ_PROJECT", "BQ_DATASET",
	"OUTPUT_DIR", "OUTPUT_FORMATS", "OUTPUT_SCHEMA",
	"SAMPLE_FRACTION", "SAMPLE_SEED", "REQUIRES_LAB_AND_DIAGNOSIS",
	"DAYS_BEFORE_INDEX", "DAYS_AFTER_INDEX", "REINFECTION_DAYS", "TODAY",
	"BMI_MIN", "BMI_MAX", "WEIGHT_MIN", "WEIGHT_MAX", "WEIGHT_UNIT",
	"HEIGHT_MIN", "HEIGHT_MAX", "HEIGHT_UNIT",
}

// Load reads the .env file, if any, and the environment.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	defaults := pipeline.DefaultParams()
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SOURCE_KIND", SourceCSV)
	v.SetDefault("SOURCE_DIR", "data")
	v.SetDefault("SOURCE_SCHEMA", "omop")
	v.SetDefault("DB_MAX_CONNS", 8)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("OUTPUT_DIR", "out")
	v.SetDefault("OUTPUT_FORMATS", SourceCSV)
	v.SetDefault("OUTPUT_SCHEMA", "results")
	v.SetDefault("SAMPLE_FRACTION", defaults.Cohort.SampleFraction)
	v.SetDefault("SAMPLE_SEED", 42)
	v.SetDefault("REQUIRES_LAB_AND_DIAGNOSIS", defaults.Encounter.RequiresLabAndDiagnosis)
	v.SetDefault("DAYS_BEFORE_INDEX", defaults.Encounter.DaysBefore)
	v.SetDefault("DAYS_AFTER_INDEX", defaults.Encounter.DaysAfter)
	v.SetDefault("REINFECTION_DAYS", defaults.Facts.ReinfectionDays)
	v.SetDefault("BMI_MIN", defaults.BMI.BMIMin)
	v.SetDefault("BMI_MAX", defaults.BMI.BMIMax)
	v.SetDefault("WEIGHT_MIN", defaults.BMI.WeightMin)
	v.SetDefault("WEIGHT_MAX", defaults.BMI.WeightMax)
	v.SetDefault("WEIGHT_UNIT", defaults.BMI.WeightUnit)
	v.SetDefault("HEIGHT_MIN", defaults.BMI.HeightMin)
	v.SetDefault("HEIGHT_MAX", defaults.BMI.HeightMax)
	v.SetDefault("HEIGHT_UNIT", defaults.BMI.HeightUnit)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated in the environment.
	cfg.OutputFormats = splitList(strings.Join(cfg.OutputFormats, ","))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	switch c.SourceKind {
	case SourceCSV:
		if c.SourceDir == "" {
			return fmt.Errorf("SOURCE_DIR is required when SOURCE_KIND is %q", c.SourceKind)
		}
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SOURCE_KIND is %q", c.SourceKind)
		}
	case SourceBigQuery:
		if c.BQProject == "" || c.BQDataset == "" {
			return fmt.Errorf("BQ_PROJECT and BQ_DATASET are required when SOURCE_KIND is %q", c.SourceKind)
		}
	default:
		return fmt.Errorf("SOURCE_KIND must be \"csv\", \"postgres\", or \"bigquery\", got %q", c.SourceKind)
	}

	if len(c.OutputFormats) == 0 {
		return fmt.Errorf("OUTPUT_FORMATS must name at least one format")
	}
	for _, f := range c.OutputFormats {
		switch f {
		case "csv", "xlsx":
		case "postgres":
			if c.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for postgres output")
			}
		default:
			return fmt.Errorf("unknown output format %q", f)
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.SampleFraction <= 0 || c.SampleFraction > 1 {
		return fmt.Errorf("SAMPLE_FRACTION must be in (0, 1], got %v", c.SampleFraction)
	}
	if c.DaysBeforeIndex < 0 || c.DaysAfterIndex < 0 || c.ReinfectionDays < 0 {
		return fmt.Errorf("DAYS_BEFORE_INDEX, DAYS_AFTER_INDEX and REINFECTION_DAYS must not be negative")
	}
	if c.Today != "" {
		if _, err := civil.ParseDate(c.Today); err != nil {
			return fmt.Errorf("TODAY: %w", err)
		}
	}

	p := c.PipelineParams()
	if err := p.BMI.Validate(); err != nil {
		return fmt.Errorf("BMI settings: %w", err)
	}
	return nil
}

// PipelineParams builds the explicit run parameters. Call Validate first.
func (c *Config) PipelineParams() pipeline.Params {
	p := pipeline.DefaultParams()
	p.Cohort.SampleFraction = c.SampleFraction
	p.Cohort.SampleSeed = c.SampleSeed
	if d, err := civil.ParseDate(c.Today); err == nil {
		p.Cohort.Today = d
	}
	p.Encounter.RequiresLabAndDiagnosis = c.RequiresLabAndDiagnosis
	p.Encounter.DaysBefore = c.DaysBeforeIndex
	p.Encounter.DaysAfter = c.DaysAfterIndex
	p.Facts.ReinfectionDays = c.ReinfectionDays
	p.BMI.BMIMin, p.BMI.BMIMax = c.BMIMin, c.BMIMax
	p.BMI.WeightMin, p.BMI.WeightMax, p.BMI.WeightUnit = c.WeightMin, c.WeightMax, c.WeightUnit
	p.BMI.HeightMin, p.BMI.HeightMax, p.BMI.HeightUnit = c.HeightMin, c.HeightMax, c.HeightUnit
	return p
}

// Logger builds the process logger: JSON to stdout, or the console writer
// in development.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
