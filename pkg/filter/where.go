package filter

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// WhereClause is an AND/OR tree of filters. Listed filters are AND-ed,
// {"or":[...]} and {"and":[...]} objects nest groups.
type WhereClause struct {
	mu    sync.Mutex
	root  *group
	parts map[Filter]*stmt.SQLPart
}

type group struct {
	or    bool
	items []node
}

// node is either a Filter or a *group
type node any

// ParseWhere makes a clause from the json filter list
func ParseWhere(filters []json.RawMessage, r Resolver) (*WhereClause, error) {
	root, err := parseGroup(filters, false, r)
	if err != nil {
		return nil, err
	}
	return &WhereClause{root: root, parts: map[Filter]*stmt.SQLPart{}}, nil
}

func parseGroup(items []json.RawMessage, or bool, r Resolver) (*group, error) {
	res := &group{or: or}
	for _, raw := range items {
		var spec Spec
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, errors.Wrap(err, errors.ErrValidation, "can't decode filter")
		}
		switch {
		case len(spec.Or) > 0:
			g, err := parseGroup(spec.Or, true, r)
			if err != nil {
				return nil, err
			}
			res.items = append(res.items, g)
		case len(spec.And) > 0:
			g, err := parseGroup(spec.And, false, r)
			if err != nil {
				return nil, err
			}
			res.items = append(res.items, g)
		default:
			f, err := New(spec, r)
			if err != nil {
				return nil, err
			}
			res.items = append(res.items, f)
		}
	}
	return res, nil
}

// Add appends filter to the top-level conjunction
func (w *WhereClause) Add(f Filter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.root.items = append(w.root.items, f)
}

// Empty reports clause without filters
func (w *WhereClause) Empty() bool {
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root.empty()
}

// Compile makes a predicate fragment, without the WHERE keyword. Every call returns an independent copy.
func (w *WhereClause) Compile() *stmt.SQLPart {
	if w == nil {
		return &stmt.SQLPart{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compile(w.root)
}

func (w *WhereClause) compile(g *group) *stmt.SQLPart {
	res := &stmt.SQLPart{}
	sep := " AND "
	if g.or {
		sep = " OR "
	}
	for _, it := range g.items {
		var p *stmt.SQLPart
		switch x := it.(type) {
		case Filter:
			p = w.filterPart(x)
		case *group:
			if x.empty() {
				continue
			}
			p = w.compile(x)
			if len(x.items) > 1 {
				p.Wrap("(", ")")
			}
		}
		if !res.Empty() {
			res.AppendSQL(sep)
		}
		res.Append(p)
	}
	return res
}

// filterPart returns a copy of filter's fragment, binds are taken from the filter once and kept
func (w *WhereClause) filterPart(f Filter) *stmt.SQLPart {
	if p, ok := w.parts[f]; ok {
		return p.Clone()
	}
	p := stmt.NewPart(f.SQL(), f.BindValues()...)
	w.parts[f] = p
	return p.Clone()
}

// Columns returns columns referenced by all filters
func (w *WhereClause) Columns() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := []string{}
	var walk func(g *group)
	walk = func(g *group) {
		for _, it := range g.items {
			switch x := it.(type) {
			case Filter:
				res = append(res, x.Columns()...)
			case *group:
				walk(x)
			}
		}
	}
	walk(w.root)
	return res
}

// UsesPrimaryKey checks every key column has an "=" filter in the top-level conjunction.
// Filters under OR groups don't count as they don't restrict the row set to a single key.
func (w *WhereClause) UsesPrimaryKey(keys []string) bool {
	if w == nil || len(keys) == 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	matched := map[string]bool{}
	var walk func(g *group)
	walk = func(g *group) {
		if g.or && len(g.items) > 1 {
			return
		}
		for _, it := range g.items {
			switch x := it.(type) {
			case *Equals:
				if x.Op == "=" && x.Value() != nil && len(x.columns) == 1 {
					matched[strings.ToLower(bindName(x.columns[0]))] = true
				}
			case *group:
				walk(x)
			}
		}
	}
	walk(w.root)
	for _, k := range keys {
		if !matched[strings.ToLower(k)] {
			return false
		}
	}
	return true
}

func (g *group) empty() bool {
	for _, it := range g.items {
		if sub, ok := it.(*group); ok && sub.empty() {
			continue
		}
		return false
	}
	return true
}
