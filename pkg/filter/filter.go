// Package filter compiles json filter specs into sql predicates. Each filter variant produces
// a predicate with '?' placeholders and its bind values; WhereClause composes them into an
// AND/OR tree and compiles it into a single stmt.SQLPart.
package filter

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// Filter is a single predicate. SQL and BindValues are derived once, on first use.
// BindValues hands the binds out on the first call only, later calls return an empty list.
type Filter interface {
	SQL() string
	BindValues() []stmt.BindValue
	Columns() []string
}

// Resolver gives filters access to the metadata of the source they are applied to
type Resolver interface {
	CustomFilter(name string) (CustomDef, bool)
	SubQuery(sub SubSource) (*stmt.SQLPart, error)
	Qualify(column string) string
}

// CustomDef is a named predicate declared on a source, with typed parameters bound from request values
type CustomDef struct {
	SQL    string  `yaml:"sql" toml:"sql" json:"sql"`
	Params []Param `yaml:"params" toml:"params" json:"params"`
}

// Param is a declared custom filter parameter
type Param struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	Type string `yaml:"type" toml:"type" json:"type"`
}

// SubSource refers to another source used in a correlated or scalar subquery
type SubSource struct {
	ID      string            `json:"id"`
	Column  string            `json:"column"`
	Filters []json.RawMessage `json:"filters,omitempty"`
}

// Spec is the json form of a filter
type Spec struct {
	Type    string            `json:"type,omitempty"`
	Column  string            `json:"column,omitempty"`
	Columns []string          `json:"columns,omitempty"`
	Filter  string            `json:"filter,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Values  []json.RawMessage `json:"values,omitempty"`
	SQLType string            `json:"sqltype,omitempty"`
	Custom  string            `json:"custom,omitempty"`
	Source  *SubSource        `json:"source,omitempty"`
	Or      []json.RawMessage `json:"or,omitempty"`
	And     []json.RawMessage `json:"and,omitempty"`
}

type factory func(spec Spec, r Resolver) (Filter, error)

var registry = map[string]factory{
	"Equals":          newEquals,
	"Daterange":       newDateRange,
	"Multidaterange":  newMultiDateRange,
	"Multilist":       newMultiList,
	"Multilistfilter": newMultiList,
	"Subquery":        newSubQuery,
	"Custom":          newCustom,
}

// New makes a filter from its spec, variant is picked by the spec's type or inferred from its fields
func New(spec Spec, r Resolver) (Filter, error) {
	name := normalizeName(variantName(spec))
	fn, ok := registry[name]
	if !ok {
		return nil, errors.Newf(errors.ErrUnknownFilter, "unknown filter %q", name)
	}
	return fn(spec, r)
}

// variantName infers the variant when spec has no explicit type
func variantName(spec Spec) string {
	if spec.Type != "" {
		return spec.Type
	}
	op := strings.ToLower(strings.TrimSpace(spec.Filter))
	switch {
	case spec.Custom != "":
		return "custom"
	case strings.HasPrefix(op, "@") && len(spec.Values) > 0:
		return "multidaterange"
	case strings.HasPrefix(op, "@"):
		return "daterange"
	case op == "in" || op == "not in" || op == "exists" || op == "not exists":
		return "multilist"
	case spec.Source != nil:
		return "subquery"
	case comparisonOps[op] != "" || op == "":
		return "equals"
	}
	return op
}

// normalizeName makes registry key, first letter upper-cased and the rest lower-cased
func normalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

var columnRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$#]*(\.[A-Za-z_][A-Za-z0-9_$#]*)?$`)

// ValidColumn checks column is a plain or qualified identifier
func ValidColumn(col string) error {
	if !columnRe.MatchString(col) {
		return errors.Newf(errors.ErrValidation, "malformed column spec %q", col)
	}
	return nil
}

// bindName is a column name usable as bind name, qualifier dropped and lower-cased
func bindName(col string) string {
	if i := strings.LastIndexByte(col, '.'); i >= 0 {
		col = col[i+1:]
	}
	return strings.ToLower(col)
}

// decodeValue decodes a raw json value keeping numbers exact; objects and arrays are rejected
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, errors.ErrValidation, "can't decode filter value")
	}
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, errors.Newf(errors.ErrValidation, "bad number %s", x)
		}
		return f, nil
	case map[string]any, []any:
		return nil, errors.Newf(errors.ErrValidation, "filter value must be a scalar, got %s", string(raw))
	}
	return v, nil
}

// typedValue decodes value and converts it to the declared sql type, if any
func typedValue(raw json.RawMessage, sqlType string) (any, stmt.SQLType, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, stmt.TypeOther, err
	}
	if sqlType == "" {
		return v, inferType(v), nil
	}
	typ, err := stmt.TypeByName(sqlType)
	if err != nil {
		return nil, stmt.TypeOther, err
	}
	cv, err := typ.Convert(v)
	return cv, typ, err
}

func inferType(v any) stmt.SQLType {
	switch v.(type) {
	case int64:
		return stmt.TypeBigInt
	case float64:
		return stmt.TypeDouble
	case bool:
		return stmt.TypeBoolean
	case string:
		return stmt.TypeVarchar
	case nil:
		return stmt.TypeNull
	}
	return stmt.TypeOther
}

// memo derives predicate and binds once, binds are handed out once
type memo struct {
	mu     sync.Mutex
	build  func() (string, []stmt.BindValue)
	built  bool
	sql    string
	binds  []stmt.BindValue
	handed bool
}

func (m *memo) ensure() {
	if !m.built {
		m.sql, m.binds = m.build()
		m.built = true
	}
}

// SQL returns the predicate
func (m *memo) SQL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	return m.sql
}

// BindValues returns binds on the first call, empty list after that
func (m *memo) BindValues() []stmt.BindValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	if m.handed {
		return []stmt.BindValue{}
	}
	m.handed = true
	return m.binds
}
