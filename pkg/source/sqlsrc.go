package source

import (
	"fmt"
	"strings"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/filter"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// SQLSource is a set of raw sql templates, one per verb. A verb without template is denied.
type SQLSource struct {
	id        string
	templates map[Op]string
	access    Access
}

// NewSQL makes raw sql source from its definition. Verbs with a template are allowed unless declared otherwise.
func NewSQL(def config.SourceDef) (*SQLSource, error) {
	access, err := parseAccessMap(def.Access)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", def.ID, err)
	}
	res := &SQLSource{id: def.ID, templates: map[Op]string{}, access: access}
	for verb, tmpl := range def.SQL {
		op := Op(strings.ToLower(verb))
		res.templates[op] = tmpl
		if _, ok := access[op]; !ok {
			access[op] = Allowed
		}
	}
	return res, nil
}

// ID returns source id
func (s *SQLSource) ID() string { return s.id }

// AccessLimit returns access type of the verb, denied for verbs without template
func (s *SQLSource) AccessLimit(op Op) AccessType {
	if _, ok := s.templates[op]; !ok {
		return Denied
	}
	return s.access.Limit(op)
}

// CheckAccess enforces access policy of the verb, raw sql has no primary key
func (s *SQLSource) CheckAccess(op Op, where *filter.WhereClause) error {
	if s.AccessLimit(op) == Denied {
		return errors.Newf(errors.ErrAuthorization, "%s of %s denied", op, s.id)
	}
	return s.access.Check(op, where, nil)
}

// Statement makes statement of the verb with bind values applied. A "user" marker not set by
// the request is bound to the session user. Select results can be narrowed with a where clause.
func (s *SQLSource) Statement(op Op, binds []stmt.BindValue, where *filter.WhereClause, user string) (*stmt.SQLPart, error) {
	tmpl, ok := s.templates[op]
	if !ok {
		return nil, errors.Newf(errors.ErrAuthorization, "%s of %s denied", op, s.id)
	}
	res, err := bindTemplate(tmpl, binds, user)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", s.id, err)
	}
	if !where.Empty() {
		if op != OpSelect {
			return nil, errors.Newf(errors.ErrValidation, "filters are supported by select only, not %s", op)
		}
		res.Wrap("SELECT * FROM (", ") q WHERE ").Append(where.Compile())
	}
	return res, nil
}

// FunctionSource is a stored procedure call template, executed with in, out and in/out binds
type FunctionSource struct {
	id     string
	call   string
	access Access
}

// NewFunction makes function source from its definition, execute is allowed unless declared otherwise
func NewFunction(def config.SourceDef) (*FunctionSource, error) {
	access, err := parseAccessMap(def.Access)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", def.ID, err)
	}
	if _, ok := access[OpExecute]; !ok {
		access[OpExecute] = Allowed
	}
	return &FunctionSource{id: def.ID, call: def.Call, access: access}, nil
}

// ID returns source id
func (f *FunctionSource) ID() string { return f.id }

// AccessLimit returns access type of the verb, only execute is meaningful
func (f *FunctionSource) AccessLimit(op Op) AccessType {
	if op != OpExecute {
		return Denied
	}
	return f.access.Limit(op)
}

// Statement makes the call with bind values applied
func (f *FunctionSource) Statement(binds []stmt.BindValue, user string) (*stmt.SQLPart, error) {
	if f.AccessLimit(OpExecute) != Allowed {
		return nil, errors.Newf(errors.ErrAuthorization, "execute of %s denied", f.id)
	}
	res, err := bindTemplate(f.call, binds, user)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", f.id, err)
	}
	return res, nil
}

// bindTemplate parses template, binds request values and the session user, inlines literals and validates
func bindTemplate(tmpl string, binds []stmt.BindValue, user string) (*stmt.SQLPart, error) {
	res := stmt.Parse(tmpl)
	userSet := false
	for _, b := range binds {
		ok, err := res.BindValue(b)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Newf(errors.ErrValidation, "unknown bind value %q, expected %s", b.Name,
				strings.Join(res.Names(), ", "))
		}
		if strings.EqualFold(b.Name, "user") {
			userSet = true
		}
	}
	if !userSet {
		res.Bind("user", user)
	}
	res.BindByValue()
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}
