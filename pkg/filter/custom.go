package filter

import (
	"encoding/json"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// Custom is a named predicate declared on the source. Its declared parameters are bound,
// in order, from the request values and converted to their declared types.
type Custom struct {
	memo
	Name string
	part *stmt.SQLPart
}

func newCustom(spec Spec, r Resolver) (Filter, error) {
	if r == nil {
		return nil, errors.Newf(errors.ErrUnknownFilter, "unknown custom filter %q", spec.Custom)
	}
	def, ok := r.CustomFilter(spec.Custom)
	if !ok {
		return nil, errors.Newf(errors.ErrUnknownFilter, "unknown custom filter %q", spec.Custom)
	}

	raws := spec.Values
	if len(raws) == 0 && len(spec.Value) > 0 {
		raws = []json.RawMessage{spec.Value}
	}
	if len(raws) != len(def.Params) {
		return nil, errors.Newf(errors.ErrValidation, "custom filter %q takes %d values, got %d",
			spec.Custom, len(def.Params), len(raws))
	}

	part := stmt.Parse(def.SQL)
	for i, p := range def.Params {
		v, typ, err := typedValue(raws[i], p.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrValidation, "custom filter "+spec.Custom+", param "+p.Name)
		}
		if _, err := part.BindValue(stmt.BindValue{Name: p.Name, Type: typ, Value: v}); err != nil {
			return nil, errors.Wrap(err, errors.ErrValidation, "custom filter "+spec.Custom)
		}
	}
	part.BindByValue()
	if err := part.Validate(); err != nil {
		return nil, err
	}

	res := &Custom{Name: spec.Custom, part: part}
	res.build = func() (string, []stmt.BindValue) {
		p := res.part.Clone()
		return "(" + p.Snippet + ")", p.Binds
	}
	return res, nil
}

// Columns is empty, custom predicates are opaque
func (f *Custom) Columns() []string { return []string{} }
