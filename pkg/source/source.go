// Package source implements data source metadata: table and derived-query sources, raw sql sources,
// stored procedure sources, their per-verb access policy and row-level security predicates.
// Sources are kept in a Registry, an immutable snapshot swapped as a whole on reload.
package source

import (
	"strings"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/filter"
)

// Op is a verb a source is accessed with
type Op string

// supported verbs
const (
	OpSelect  Op = "select"
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpExecute Op = "execute"
)

// Write reports verbs changing data
func (o Op) Write() bool { return o != OpSelect }

// AccessType is per-verb access policy
type AccessType int

// access types
const (
	Denied AccessType = iota
	Allowed
	ByPrimaryKey
	IfWhereClause
)

func (a AccessType) String() string {
	switch a {
	case Allowed:
		return "allowed"
	case ByPrimaryKey:
		return "by-primary-key"
	case IfWhereClause:
		return "if-where-clause"
	}
	return "denied"
}

// ParseAccess converts access type name, dashes, underscores and case are ignored
func ParseAccess(s string) (AccessType, error) {
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(s))
	switch norm {
	case "denied", "deny", "none":
		return Denied, nil
	case "allowed", "allow":
		return Allowed, nil
	case "byprimarykey":
		return ByPrimaryKey, nil
	case "ifwhereclause":
		return IfWhereClause, nil
	}
	return Denied, errors.Newf(errors.ErrConfig, "unknown access type %q", s)
}

// Access maps verbs to their access type. Select is allowed unless declared, other verbs denied.
type Access map[Op]AccessType

func parseAccessMap(m map[string]string) (Access, error) {
	res := Access{}
	for k, v := range m {
		at, err := ParseAccess(v)
		if err != nil {
			return nil, err
		}
		res[Op(strings.ToLower(k))] = at
	}
	return res, nil
}

// Limit returns access type of the verb
func (a Access) Limit(op Op) AccessType {
	if at, ok := a[op]; ok {
		return at
	}
	if op == OpSelect {
		return Allowed
	}
	return Denied
}

// Check enforces access type of the verb against the composed where clause and the key columns
func (a Access) Check(op Op, where *filter.WhereClause, keys []string) error {
	switch a.Limit(op) {
	case Allowed:
		return nil
	case IfWhereClause:
		if where.Empty() {
			return errors.New(errors.ErrValidation, "missing required where clause")
		}
		return nil
	case ByPrimaryKey:
		if len(keys) == 0 {
			return errors.Newf(errors.ErrAuthorization, "%s by primary key, but no primary key known", op)
		}
		if !where.UsesPrimaryKey(keys) {
			return errors.Newf(errors.ErrAuthorization, "%s requires filters on primary key %s", op, strings.Join(keys, ", "))
		}
		return nil
	}
	return errors.Newf(errors.ErrAuthorization, "%s denied", op)
}

// Source is a named entry of the registry
type Source interface {
	ID() string
	AccessLimit(op Op) AccessType
}
