package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/civil"
	"github.com/xuri/excelize/v2"
)

// Sheet limits of the XLSX format.
const (
	maxSheetRows    = 1048576
	maxSheetNameLen = 31
)

// XLSXWriter writes <dir>/<table name>.xlsx. Tables longer than one sheet
// continue on numbered sheets.
type XLSXWriter struct {
	dir       string
	sheetRows int
}

func NewXLSXWriter(dir string) *XLSXWriter {
	return &XLSXWriter{dir: dir, sheetRows: maxSheetRows - 1}
}

func sheetName(table string, part int) string {
	suffix := ""
	if part > 0 {
		suffix = fmt.Sprintf("_%d", part+1)
	}
	if len(table)+len(suffix) > maxSheetNameLen {
		table = table[:maxSheetNameLen-len(suffix)]
	}
	return table + suffix
}

func xlsxCell(v any) any {
	if d, ok := v.(civil.Date); ok {
		return d.String()
	}
	return v
}

func (w *XLSXWriter) Write(ctx context.Context, t Tabular) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f := excelize.NewFile()
	defer f.Close()

	header := make([]any, len(t.Columns()))
	for i, c := range t.Columns() {
		header[i] = c
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	parts := (t.Len() + w.sheetRows - 1) / w.sheetRows
	if parts == 0 {
		parts = 1
	}
	for part := 0; part < parts; part++ {
		name := sheetName(t.Name(), part)
		if part == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}

		sw, err := f.NewStreamWriter(name)
		if err != nil {
			return fmt.Errorf("open stream writer: %w", err)
		}
		if err := sw.SetPanes(&excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
			return fmt.Errorf("freeze header: %w", err)
		}
		if err := sw.SetRow("A1", header, excelize.RowOpts{StyleID: style}); err != nil {
			return fmt.Errorf("write header: %w", err)
		}

		start := part * w.sheetRows
		end := min(start+w.sheetRows, t.Len())
		for i := start; i < end; i++ {
			if i%100000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			src := t.Row(i)
			row := make([]any, len(src))
			for j, v := range src {
				row[j] = xlsxCell(v)
			}
			cell, err := excelize.CoordinatesToCellName(1, i-start+2)
			if err != nil {
				return fmt.Errorf("convert coordinates: %w", err)
			}
			if err := sw.SetRow(cell, row); err != nil {
				return fmt.Errorf("write row %d: %w", i, err)
			}
		}
		if err := sw.Flush(); err != nil {
			return fmt.Errorf("flush sheet %s: %w", name, err)
		}
	}

	path := filepath.Join(w.dir, t.Name()+".xlsx")
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
