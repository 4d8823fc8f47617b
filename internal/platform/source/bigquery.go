package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"gopkg.in/guregu/null.v3"
)

// BigQueryReader reads OMOP tables from one BigQuery dataset.
type BigQueryReader struct {
	client  *bigquery.Client
	dataset string
}

func NewBigQueryReader(client *bigquery.Client, dataset string) *BigQueryReader {
	return &BigQueryReader{client: client, dataset: dataset}
}

func (r *BigQueryReader) Columns(ctx context.Context, table string) ([]string, error) {
	md, err := r.client.Dataset(r.dataset).Table(table).Metadata(ctx)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%s.%s: %w", r.dataset, table, ErrTableNotFound)
		}
		return nil, fmt.Errorf("read metadata of %s.%s: %w", r.dataset, table, err)
	}
	cols := make([]string, len(md.Schema))
	for i, f := range md.Schema {
		cols[i] = strings.ToLower(f.Name)
	}
	return cols, nil
}

func (r *BigQueryReader) query(table string, columns []string) string {
	exprs := make([]string, len(columns))
	for i, c := range columns {
		exprs[i] = fmt.Sprintf("CAST(`%s` AS STRING) AS `%s`", c, c)
	}
	return fmt.Sprintf("SELECT %s FROM `%s.%s.%s`",
		strings.Join(exprs, ", "), r.client.Project(), r.dataset, table)
}

func (r *BigQueryReader) Scan(ctx context.Context, table string, columns []string, fn func([]null.String) error) error {
	q := r.client.Query(r.query(table, columns))
	it, err := q.Read(ctx)
	if err != nil {
		return fmt.Errorf("query %s.%s: %w", r.dataset, table, err)
	}

	vals := make([]null.String, len(columns))
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("iterate %s.%s: %w", r.dataset, table, err)
		}
		for i := range vals {
			vals[i] = null.String{}
			if i < len(row) {
				if s, ok := row[i].(string); ok {
					vals[i] = null.StringFrom(s)
				}
			}
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
}
