package filter

import (
	"strings"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// SubQuery compares a column with the scalar result of a sub-source query
type SubQuery struct {
	memo
	Op     string
	column string
	sub    *stmt.SQLPart
}

func newSubQuery(spec Spec, r Resolver) (Filter, error) {
	if spec.Source == nil {
		return nil, errors.New(errors.ErrValidation, "subquery filter requires a source")
	}
	if r == nil {
		return nil, errors.Newf(errors.ErrValidation, "sub-source %q can't be resolved", spec.Source.ID)
	}
	cols, err := specColumns(spec)
	if err != nil {
		return nil, err
	}
	if len(cols) != 1 {
		return nil, errors.New(errors.ErrValidation, "subquery filter takes a single column")
	}
	op := "="
	if spec.Filter != "" {
		var ok bool
		if op, ok = comparisonOps[strings.ToLower(strings.TrimSpace(spec.Filter))]; !ok {
			return nil, errors.Newf(errors.ErrValidation, "unsupported comparison %q", spec.Filter)
		}
	}
	if err := ValidColumn(spec.Source.Column); err != nil {
		return nil, err
	}
	sub, err := r.SubQuery(*spec.Source)
	if err != nil {
		return nil, err
	}
	res := &SubQuery{Op: op, column: cols[0], sub: sub}
	res.build = func() (string, []stmt.BindValue) {
		p := res.sub.Clone().Wrap(qualify(r, res.column)+" "+res.Op+" (", ")")
		return p.Snippet, p.Binds
	}
	return res, nil
}

// Columns returns the compared column
func (f *SubQuery) Columns() []string { return []string{f.column} }
