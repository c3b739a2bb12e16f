package query

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"histdata/internal/canon"
	"histdata/internal/store"
)

// Table is the columnar shaping of a result set for output or export.
type Table struct {
	Header []string
	Rows   [][]string
}

// ToTabular shapes canonical records into a column-ordered table using the
// schema's column map for header order.
func ToTabular(schema canon.Schema, records []canon.Record) (*Table, error) {
	cm, err := store.ColumnMapFor(schema)
	if err != nil {
		return nil, err
	}
	t := &Table{Header: cm.Columns()}
	for _, rec := range records {
		vals := rec.Columns()
		row := make([]string, len(vals))
		for i, v := range vals {
			row[i] = formatCell(v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case decimal.Decimal:
		return x.String()
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// WriteTable renders an aligned text table in the style of the CLI tooling.
func (t *Table) WriteTable(w io.Writer) error {
	widths := make([]int, len(t.Header))
	for i, h := range t.Header {
		widths[i] = len(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writeRow := func(cells []string) error {
		if _, err := fmt.Fprint(w, "| "); err != nil {
			return err
		}
		for i, cell := range cells {
			if _, err := fmt.Fprintf(w, "%-*s | ", widths[i], cell); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintln(w)
		return err
	}

	if err := writeRow(t.Header); err != nil {
		return err
	}
	sep := make([]string, len(t.Header))
	for i := range sep {
		for j := 0; j < widths[i]; j++ {
			sep[i] += "-"
		}
	}
	if err := writeRow(sep); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := writeRow(row); err != nil {
			return err
		}
	}
	return nil
}

// WriteCSV renders the table as CSV with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON renders the table as an array of objects keyed by column name.
func (t *Table) WriteJSON(w io.Writer) error {
	out := make([]map[string]string, len(t.Rows))
	for i, row := range t.Rows {
		obj := make(map[string]string, len(t.Header))
		for j, h := range t.Header {
			if j < len(row) {
				obj[h] = row[j]
			}
		}
		out[i] = obj
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Write dispatches on the output format name and optional file path; an
// empty path writes to stdout.
func (t *Table) Write(format, path string) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	switch format {
	case "", "table":
		return t.WriteTable(w)
	case "csv":
		return t.WriteCSV(w)
	case "json":
		return t.WriteJSON(w)
	}
	return fmt.Errorf("unknown output format %q", format)
}

// SortBySymbolOrder is a stable helper for deterministic display when
// records span multiple instruments: primary key instrument_id, secondary
// ts_event.
func SortBySymbolOrder(records []canon.Record, ascending bool) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].InstrumentID() != records[j].InstrumentID() {
			return records[i].InstrumentID() < records[j].InstrumentID()
		}
		if ascending {
			return records[i].TsEvent().Before(records[j].TsEvent())
		}
		return records[i].TsEvent().After(records[j].TsEvent())
	})
}
