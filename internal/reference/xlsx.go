package reference

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/customs-cli/internal/model"
)

// XLSXOptions selects the sheet holding the code list. The first row is a
// header naming the columns country, reference_type, code, label,
// local_matches (separated by ';' or '|') and optionally position.
type XLSXOptions struct {
	SheetIndex int
	SheetName  string // overrides SheetIndex
}

// ReadXLSX parses a code-list workbook.
func ReadXLSX(path string, opts XLSXOptions) ([]model.ReferenceCandidate, error) {
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
	return ParseRows(rows)
}

// ParseRows maps a header row plus data rows onto candidates. Blank rows are
// skipped.
func ParseRows(rows [][]string) ([]model.ReferenceCandidate, error) {
	if len(rows) == 0 {
		return nil, eris.New("reference: sheet is empty")
	}
	col := make(map[string]int)
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"country", "reference_type", "code"} {
		if _, ok := col[required]; !ok {
			return nil, eris.Errorf("reference: missing column %q", required)
		}
	}

	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []model.ReferenceCandidate
	for n, row := range rows[1:] {
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		c := model.ReferenceCandidate{
			Country:       get(row, "country"),
			ReferenceType: get(row, "reference_type"),
			Code:          get(row, "code"),
			Label:         get(row, "label"),
			LocalMatches:  splitMatches(get(row, "local_matches")),
		}
		if p := get(row, "position"); p != "" {
			pos, err := strconv.Atoi(p)
			if err != nil {
				return nil, eris.Wrapf(err, "reference: row %d position", n+2)
			}
			c.Position = pos
		}
		out = append(out, c)
	}
	return out, nil
}

func splitMatches(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '|' })
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
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
