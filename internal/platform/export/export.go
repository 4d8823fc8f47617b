// Package export writes pipeline output tables as CSV, XLSX or Postgres
// tables.
package export

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
)

// Tabular is a named table of cells. Cells are nil, int64, float64,
// string, bool or civil.Date.
type Tabular interface {
	Name() string
	Columns() []string
	Len() int
	Row(i int) []any
}

// Writer persists one table.
type Writer interface {
	Write(ctx context.Context, t Tabular) error
}

// Format names accepted in configuration.
const (
	FormatCSV      = "csv"
	FormatXLSX     = "xlsx"
	FormatPostgres = "postgres"
)

// WriteAll writes every table with every writer, logging each write.
func WriteAll(ctx context.Context, logger zerolog.Logger, writers map[string]Writer, tables ...Tabular) error {
	for format, w := range writers {
		for _, t := range tables {
			started := time.Now()
			if err := w.Write(ctx, t); err != nil {
				return fmt.Errorf("write %s as %s: %w", t.Name(), format, err)
			}
			logger.Info().
				Str("table", t.Name()).
				Str("format", format).
				Int("rows", t.Len()).
				Dur("duration", time.Since(started)).
				Msg("table written")
		}
	}
	return nil
}

// text renders a cell for text formats; nil is the empty string.
func text(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case int64:
		return strconv.FormatInt(c, 10)
	case int:
		return strconv.Itoa(c)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(c)
	case civil.Date:
		return c.String()
	default:
		return fmt.Sprint(c)
	}
}
