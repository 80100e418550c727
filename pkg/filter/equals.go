package filter

import (
	"strings"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// comparisonOps maps accepted comparison operators to their sql form
var comparisonOps = map[string]string{
	"=": "=", "==": "=", "<>": "<>", "!=": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">=",
	"like": "LIKE", "not like": "NOT LIKE",
}

// Equals compares one column, or any of several columns, with a single value.
// A null value compares with IS NULL / IS NOT NULL.
type Equals struct {
	memo
	Op      string
	columns []string
	value   any
	typ     stmt.SQLType
}

func newEquals(spec Spec, r Resolver) (Filter, error) {
	cols, err := specColumns(spec)
	if err != nil {
		return nil, err
	}
	op, ok := comparisonOps[strings.ToLower(strings.TrimSpace(spec.Filter))]
	if spec.Filter == "" {
		op, ok = "=", true
	}
	if !ok {
		return nil, errors.Newf(errors.ErrValidation, "unsupported comparison %q", spec.Filter)
	}
	val, typ, err := typedValue(spec.Value, spec.SQLType)
	if err != nil {
		return nil, err
	}
	if val == nil && op != "=" && op != "<>" {
		return nil, errors.Newf(errors.ErrValidation, "null can't be compared with %s", op)
	}

	res := &Equals{Op: op, columns: cols, value: val, typ: typ}
	res.build = func() (string, []stmt.BindValue) {
		preds := make([]string, 0, len(cols))
		binds := []stmt.BindValue{}
		for _, c := range cols {
			qc := qualify(r, c)
			switch {
			case val == nil && op == "=":
				preds = append(preds, qc+" IS NULL")
			case val == nil:
				preds = append(preds, qc+" IS NOT NULL")
			default:
				preds = append(preds, qc+" "+op+" ?")
				binds = append(binds, stmt.NewBind(bindName(c), typ, val))
			}
		}
		if len(preds) == 1 {
			return preds[0], binds
		}
		return "(" + strings.Join(preds, " OR ") + ")", binds
	}
	return res, nil
}

// Columns returns compared columns
func (f *Equals) Columns() []string { return f.columns }

// Value returns the compared value
func (f *Equals) Value() any { return f.value }

// specColumns returns validated columns of the spec, "column" and "columns" combined
func specColumns(spec Spec) ([]string, error) {
	cols := make([]string, 0, len(spec.Columns)+1)
	if spec.Column != "" {
		cols = append(cols, spec.Column)
	}
	cols = append(cols, spec.Columns...)
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrValidation, "malformed column spec, no column")
	}
	for _, c := range cols {
		if err := ValidColumn(c); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

// qualify prefixes column with the resolver's qualifier, if any
func qualify(r Resolver, col string) string {
	if r == nil {
		return col
	}
	return r.Qualify(col)
}
