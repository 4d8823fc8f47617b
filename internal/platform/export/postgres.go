package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWriter replaces <schema>.<table name> with the table contents,
// loaded with COPY.
type PostgresWriter struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPostgresWriter(pool *pgxpool.Pool, schema string) *PostgresWriter {
	return &PostgresWriter{pool: pool, schema: schema}
}

// columnTypes infers each column's SQL type from its first non-null cell.
// All-null columns are TEXT.
func columnTypes(t Tabular) []string {
	n := len(t.Columns())
	types := make([]string, n)
	left := n
	for i := 0; i < t.Len() && left > 0; i++ {
		for j, v := range t.Row(i) {
			if types[j] != "" || v == nil {
				continue
			}
			types[j] = sqlType(v)
			left--
		}
	}
	for j := range types {
		if types[j] == "" {
			types[j] = "TEXT"
		}
	}
	return types
}

func sqlType(v any) string {
	switch v.(type) {
	case int64, int:
		return "BIGINT"
	case float64:
		return "DOUBLE PRECISION"
	case bool:
		return "BOOLEAN"
	case civil.Date:
		return "DATE"
	}
	return "TEXT"
}

func createTableSQL(table pgx.Identifier, columns, types []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgx.Identifier{c}.Sanitize() + " " + types[i]
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table.Sanitize(), strings.Join(defs, ", "))
}

func pgCell(v any) any {
	if d, ok := v.(civil.Date); ok {
		return d.In(time.UTC)
	}
	return v
}

func (w *PostgresWriter) Write(ctx context.Context, t Tabular) error {
	table := pgx.Identifier{w.schema, t.Name()}
	cols := t.Columns()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+table.Sanitize()); err != nil {
		return fmt.Errorf("drop %s: %w", t.Name(), err)
	}
	if _, err := tx.Exec(ctx, createTableSQL(table, cols, columnTypes(t))); err != nil {
		return fmt.Errorf("create %s: %w", t.Name(), err)
	}

	n, err := tx.CopyFrom(ctx, table, cols, pgx.CopyFromSlice(t.Len(), func(i int) ([]any, error) {
		src := t.Row(i)
		row := make([]any, len(src))
		for j, v := range src {
			row[j] = pgCell(v)
		}
		return row, nil
	}))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", t.Name(), err)
	}
	if int(n) != t.Len() {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", t.Name(), n, t.Len())
	}
	return tx.Commit(ctx)
}
