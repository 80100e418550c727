package filter

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

var listOps = map[string]string{"in": "IN", "not in": "NOT IN", "exists": "EXISTS", "not exists": "NOT EXISTS"}

// MultiList checks membership of a column (or a tuple of columns) in a literal list or in a sub-source.
// Literal lists are rendered into the sql text, sub-sources are rendered as subqueries with binds.
type MultiList struct {
	memo
	Op      string
	columns []string
	values  [][]any
	sub     *stmt.SQLPart
	subCol  string
}

func newMultiList(spec Spec, r Resolver) (Filter, error) {
	op, ok := listOps[strings.ToLower(strings.TrimSpace(spec.Filter))]
	if !ok {
		return nil, errors.Newf(errors.ErrValidation, "unsupported list operator %q", spec.Filter)
	}
	cols, err := specColumns(spec)
	if err != nil {
		return nil, err
	}
	res := &MultiList{Op: op, columns: cols}

	if spec.Source != nil {
		if len(cols) != 1 {
			return nil, errors.New(errors.ErrValidation, "subquery list takes a single column")
		}
		if r == nil {
			return nil, errors.Newf(errors.ErrValidation, "sub-source %q can't be resolved", spec.Source.ID)
		}
		if err := ValidColumn(spec.Source.Column); err != nil {
			return nil, err
		}
		if res.sub, err = r.SubQuery(*spec.Source); err != nil {
			return nil, err
		}
		res.subCol = bindName(spec.Source.Column)
		res.build = func() (string, []stmt.BindValue) { return res.subquerySQL(r) }
		return res, nil
	}

	if op == "EXISTS" || op == "NOT EXISTS" {
		return nil, errors.Newf(errors.ErrValidation, "%s requires a source", strings.ToLower(op))
	}
	if res.values, err = listValues(spec, len(cols)); err != nil {
		return nil, err
	}
	res.build = func() (string, []stmt.BindValue) { return res.literalSQL(r), []stmt.BindValue{} }
	return res, nil
}

// Columns returns filtered columns
func (f *MultiList) Columns() []string { return f.columns }

func (f *MultiList) literalSQL(r Resolver) string {
	if len(f.values) == 0 { // empty list matches nothing, its negation everything
		if f.Op == "IN" {
			return "1=0"
		}
		return "1=1"
	}
	items := make([]string, 0, len(f.values))
	for _, tuple := range f.values {
		lits := make([]string, 0, len(tuple))
		for _, v := range tuple {
			lits = append(lits, stmt.RenderLiteral(v))
		}
		if len(tuple) == 1 {
			items = append(items, lits[0])
			continue
		}
		items = append(items, "("+strings.Join(lits, ", ")+")")
	}
	return f.columnExpr(r) + " " + f.Op + " (" + strings.Join(items, ", ") + ")"
}

func (f *MultiList) subquerySQL(r Resolver) (string, []stmt.BindValue) {
	sub := f.sub.Clone()
	switch f.Op {
	case "IN", "NOT IN":
		sub.Wrap(f.columnExpr(r)+" "+f.Op+" (", ")")
	default:
		sub.Wrap(f.Op+" (SELECT 1 FROM (", ") sq WHERE sq."+f.subCol+" = "+f.columnExpr(r)+")")
	}
	return sub.Snippet, sub.Binds
}

func (f *MultiList) columnExpr(r Resolver) string {
	if len(f.columns) == 1 {
		return qualify(r, f.columns[0])
	}
	qc := make([]string, 0, len(f.columns))
	for _, c := range f.columns {
		qc = append(qc, qualify(r, c))
	}
	return "(" + strings.Join(qc, ", ") + ")"
}

// listValues decodes list values, each one a scalar for a single column or an array of scalars for a tuple
func listValues(spec Spec, width int) ([][]any, error) {
	raws := spec.Values
	if len(raws) == 0 && len(spec.Value) > 0 {
		raws = append(raws, spec.Value)
	}
	res := make([][]any, 0, len(raws))
	for _, raw := range raws {
		if width == 1 {
			v, err := listScalar(raw, spec.SQLType)
			if err != nil {
				return nil, err
			}
			res = append(res, []any{v})
			continue
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != width {
			return nil, errors.Newf(errors.ErrValidation, "value %s doesn't match %d columns", string(raw), width)
		}
		tuple := make([]any, 0, width)
		for _, p := range parts {
			v, err := listScalar(p, spec.SQLType)
			if err != nil {
				return nil, err
			}
			tuple = append(tuple, v)
		}
		res = append(res, tuple)
	}
	return res, nil
}

func listScalar(raw json.RawMessage, sqlType string) (any, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	v, _, err := typedValue(raw, sqlType)
	return v, err
}
