package collect

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/dynamomd/dynasweep/internal/sweep/state"
	"github.com/dynamomd/dynasweep/internal/sweep/stats"
)

// Row is the read-out of one state point.
type Row struct {
	Point      state.Point
	Dirs       int
	NEventsTot int64
	TTotal     float64
	Values     map[string]stats.Readout
}

// Table has one row per state point, sorted by the state variable columns.
type Table struct {
	Vars        []string
	Observables []string
	Rows        []Row
}

// Table converts every accumulator to its read-out.
func (r *Result) Table() *Table {
	t := &Table{Vars: r.Vars, Observables: r.Observables}
	for _, e := range r.Sorted() {
		row := Row{Point: e.Point, Dirs: e.Dirs, NEventsTot: e.NEventsTot, TTotal: e.TTotal, Values: map[string]stats.Readout{}}
		for name, acc := range e.Values {
			row.Values[name] = acc.Readout()
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Header lists the columns: state variables, totals, then a value and an
// uncertainty column per observable.
func (t *Table) Header() []string {
	h := append([]string(nil), t.Vars...)
	h = append(h, "NEventsTot", "tTotal")
	for _, o := range t.Observables {
		h = append(h, o, o+" unc")
	}
	return h
}

// cell renders one column value. Non-scalar observables are JSON in the value
// column with an empty uncertainty column.
type cell struct {
	num   float64
	text  string
	isNum bool
	null  bool
}

func (t *Table) cells(row Row) ([]cell, error) {
	out := make([]cell, 0, len(t.Vars)+2+2*len(t.Observables))
	for _, v := range t.Vars {
		val, ok := row.Point.Get(v)
		switch {
		case !ok:
			out = append(out, cell{null: true})
		case val.IsStr:
			out = append(out, cell{text: val.Str})
		default:
			out = append(out, cell{num: val.Num, isNum: true})
		}
	}
	out = append(out, cell{num: float64(row.NEventsTot), isNum: true}, cell{num: row.TTotal, isNum: true})
	for _, o := range t.Observables {
		r, ok := row.Values[o]
		switch {
		case !ok:
			out = append(out, cell{null: true}, cell{null: true})
		case r.Scalar != nil:
			out = append(out, numCell(r.Scalar.Mean), numCell(r.Scalar.StdErr))
		default:
			b, err := json.Marshal(readoutJSON(r))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", o, err)
			}
			out = append(out, cell{text: string(b)}, cell{null: true})
		}
	}
	return out, nil
}

func numCell(f float64) cell {
	if math.IsNaN(f) {
		return cell{null: true}
	}
	return cell{num: f, isNum: true}
}

// readoutJSON mirrors a Readout with NaN encoded as null.
func readoutJSON(r stats.Readout) any {
	switch {
	case r.Scalar != nil:
		return summaryJSON(*r.Scalar)
	case r.Array != nil:
		out := make([]any, len(r.Array))
		for i, s := range r.Array {
			out[i] = summaryJSON(s)
		}
		return out
	default:
		out := make(map[string]any, len(r.Keyed))
		for k, v := range r.Keyed {
			out[k] = readoutJSON(v)
		}
		return out
	}
}

func summaryJSON(s stats.Summary) map[string]any {
	return map[string]any{"mean": jsonFloat(s.Mean), "stderr": jsonFloat(s.StdErr), "variance": jsonFloat(s.Variance)}
}

func jsonFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// WriteCSV writes the table with a header row. Missing and NaN values are
// empty cells.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return err
	}
	for _, row := range t.Rows {
		cells, err := t.cells(row)
		if err != nil {
			return err
		}
		rec := make([]string, len(cells))
		for i, c := range cells {
			switch {
			case c.null:
			case c.isNum:
				rec[i] = formatFloat(c.num)
			default:
				rec[i] = c.text
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// WriteSQLite writes the table into a fresh SQLite table named table in the
// database at path, replacing any previous table of that name.
func (t *Table) WriteSQLite(ctx context.Context, path, table string) error {
	if table == "" {
		table = "results"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	header := t.Header()
	cols := make([]string, len(header))
	marks := make([]string, len(header))
	for i, h := range header {
		cols[i] = quoteIdent(h)
		marks[i] = "?"
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(table)); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, row := range t.Rows {
		cells, err := t.cells(row)
		if err != nil {
			return err
		}
		args := make([]any, len(cells))
		for i, c := range cells {
			switch {
			case c.null:
				args[i] = nil
			case c.isNum:
				args[i] = c.num
			default:
				args[i] = c.text
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s: %w", row.Point, err)
		}
	}
	return tx.Commit()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
