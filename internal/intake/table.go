package intake

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/prospect-waterfall/internal/model"
)

// ReadXLSX reads prospects from the first row-headed sheet of an XLSX file.
func ReadXLSX(path string, opts Options) ([]*model.Record, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		rows = append(rows, rowToStrings(row))
	}
	return fromTable(rows, opts)
}

func getSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// LoadCSV reads prospects from a CSV file with a header row.
func LoadCSV(path string, opts Options) ([]*model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(f, opts)
}

// ReadCSV reads prospects from CSV with a header row.
func ReadCSV(r io.Reader, opts Options) ([]*model.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "csv: read")
	}
	return fromTable(rows, opts)
}

// fromTable treats the first row as headers. Blank rows are skipped; a cell
// past the header width is ignored.
func fromTable(rows [][]string, opts Options) ([]*model.Record, error) {
	if len(rows) == 0 {
		return nil, eris.New("intake: no header row")
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = normalizeKey(strings.TrimPrefix(h, "\ufeff"))
	}

	b := newBuilder(opts)
	for i, cells := range rows[1:] {
		row := make(map[string]any, len(header))
		for j, v := range cells {
			if j >= len(header) || header[j] == "" {
				continue
			}
			if v = strings.TrimSpace(v); v != "" {
				row[header[j]] = v
			}
		}
		if len(row) == 0 {
			continue
		}
		// Line numbers count the header as row 1.
		if err := b.add(row, i+2); err != nil {
			return nil, err
		}
	}
	return b.out, nil
}
