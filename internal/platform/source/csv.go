package source

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/guregu/null.v3"
)

// CSVReader reads tables from a directory of CSV exports. A table is the
// file <table>.csv, optionally gzipped, or every CSV file inside the
// directory <table>/, which is how sites split large measurement extracts.
type CSVReader struct {
	dir string
}

func NewCSVReader(dir string) *CSVReader {
	return &CSVReader{dir: dir}
}

func (r *CSVReader) files(table string) ([]string, error) {
	var out []string
	for _, name := range unique(table, strings.ToLower(table)) {
		for _, pattern := range []string{
			filepath.Join(r.dir, name+".csv"),
			filepath.Join(r.dir, name+".csv.gz"),
			filepath.Join(r.dir, name, "*.csv"),
			filepath.Join(r.dir, name, "*.csv.gz"),
		} {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, fmt.Errorf("glob %s: %w", pattern, err)
			}
			out = append(out, matches...)
		}
		if len(out) > 0 {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s in %s: %w", table, r.dir, ErrTableNotFound)
	}
	sort.Strings(out)
	return out, nil
}

func unique(names ...string) []string {
	var out []string
	for _, n := range names {
		if !contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

type csvFile struct {
	f  *os.File
	gz *gzip.Reader
	r  *csv.Reader
}

func openCSV(path string) (*csvFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	cf := &csvFile{f: f}
	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		cf.gz = gz
		src = gz
	}
	cf.r = csv.NewReader(src)
	cf.r.FieldsPerRecord = -1
	cf.r.ReuseRecord = true
	return cf, nil
}

func (c *csvFile) Close() error {
	if c.gz != nil {
		c.gz.Close()
	}
	return c.f.Close()
}

func (c *csvFile) header() ([]string, error) {
	rec, err := c.r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(rec))
	for i, h := range rec {
		cols[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	return cols, nil
}

// Columns returns the header of the table's first file.
func (r *CSVReader) Columns(ctx context.Context, table string) ([]string, error) {
	files, err := r.files(table)
	if err != nil {
		return nil, err
	}
	cf, err := openCSV(files[0])
	if err != nil {
		return nil, err
	}
	defer cf.Close()
	cols, err := cf.header()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", files[0], err)
	}
	return cols, nil
}

// Scan reads every file of the table in name order. Each file must carry
// the requested columns; their position may differ between files.
func (r *CSVReader) Scan(ctx context.Context, table string, columns []string, fn func([]null.String) error) error {
	files, err := r.files(table)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := r.scanFile(ctx, table, path, columns, fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *CSVReader) scanFile(ctx context.Context, table, path string, columns []string, fn func([]null.String) error) error {
	cf, err := openCSV(path)
	if err != nil {
		return err
	}
	defer cf.Close()

	header, err := cf.header()
	if err != nil {
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
	}
	idx := make([]int, len(columns))
	var missing []string
	for i, c := range columns {
		p, ok := pos[c]
		if !ok {
			missing = append(missing, c)
		}
		idx[i] = p
	}
	if len(missing) > 0 {
		return &SchemaError{Table: table, Missing: missing}
	}

	vals := make([]null.String, len(columns))
	for line := 2; ; line++ {
		rec, err := cf.r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s line %d: %w", path, line, err)
		}
		if line%100000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for i, p := range idx {
			if p < len(rec) && rec[p] != "" {
				vals[i] = null.StringFrom(rec[p])
			} else {
				vals[i] = null.String{}
			}
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
}
