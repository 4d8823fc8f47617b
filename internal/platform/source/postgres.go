package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/guregu/null.v3"
)

// PostgresReader reads OMOP tables from one schema of a Postgres database.
// Table names are matched lower-cased.
type PostgresReader struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPostgresReader(pool *pgxpool.Pool, schema string) *PostgresReader {
	return &PostgresReader{pool: pool, schema: schema}
}

func (r *PostgresReader) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`,
		r.schema, strings.ToLower(table))
	if err != nil {
		return nil, fmt.Errorf("query columns of %s.%s: %w", r.schema, table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan columns of %s.%s: %w", r.schema, table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s.%s: %w", r.schema, table, ErrTableNotFound)
	}
	for i, c := range cols {
		cols[i] = strings.ToLower(c)
	}
	return cols, nil
}

// selectText builds a query returning every requested column cast to text,
// so all backends share one decoding path.
func selectText(from string, columns []string) string {
	exprs := make([]string, len(columns))
	for i, c := range columns {
		exprs[i] = pgx.Identifier{c}.Sanitize() + "::text"
	}
	return "SELECT " + strings.Join(exprs, ", ") + " FROM " + from
}

func (r *PostgresReader) Scan(ctx context.Context, table string, columns []string, fn func([]null.String) error) error {
	query := selectText(pgx.Identifier{r.schema, strings.ToLower(table)}.Sanitize(), columns)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query %s.%s: %w", r.schema, table, err)
	}
	defer rows.Close()

	vals := make([]null.String, len(columns))
	dest := make([]any, len(columns))
	for i := range vals {
		dest[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan %s.%s: %w", r.schema, table, err)
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s.%s: %w", r.schema, table, err)
	}
	return nil
}
