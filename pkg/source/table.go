package source

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-pkgz/stringutils"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/filter"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// TableSource is a table, a view or a derived query. Reads go to the query if set, to the object otherwise;
// writes always go to the object.
type TableSource struct {
	id       string
	object   string
	query    string
	orderBy  string
	access   Access
	vpd      *config.VPDDef
	custom   map[string]filter.CustomDef
	declared []string

	mu            sync.Mutex
	discovered    bool
	queryColumns  []Column
	objectColumns []Column
	primaryKey    []string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$#]*(\.[A-Za-z_][A-Za-z0-9_$#]*)?$`)

// NewTable makes a table source from its definition
func NewTable(def config.SourceDef) (*TableSource, error) {
	access, err := parseAccessMap(def.Access)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", def.ID, err)
	}
	if def.Object != "" && !identRe.MatchString(def.Object) {
		return nil, errors.Newf(errors.ErrConfig, "source %s: invalid object name %q", def.ID, def.Object)
	}
	if def.Query != "" && !identRe.MatchString(def.ID) {
		return nil, errors.Newf(errors.ErrConfig, "source %s: id of a derived query must be a valid alias", def.ID)
	}
	res := &TableSource{id: def.ID, object: def.Object, query: def.Query, orderBy: def.OrderBy,
		access: access, custom: def.CustomFilters}
	if def.VPD != nil {
		res.vpd = &config.VPDDef{SQL: def.VPD.SQL, Apply: stringutils.Map(def.VPD.Apply, strings.ToLower)}
	}
	for _, k := range def.PrimaryKey {
		res.declared = append(res.declared, strings.ToLower(k))
	}
	return res, nil
}

// ID returns source id
func (t *TableSource) ID() string { return t.id }

// AccessLimit returns access type of the verb
func (t *TableSource) AccessLimit(op Op) AccessType { return t.access.Limit(op) }

// CheckAccess enforces access policy of the verb against the composed where clause.
// Primary key must be discovered before checking by-primary-key access.
func (t *TableSource) CheckAccess(op Op, where *filter.WhereClause) error {
	return t.access.Check(op, where, t.PrimaryKey())
}

// Discover describes columns of the query and of the base object and reads the primary key
// if not declared. Runs once, a failed discovery is retried on the next call.
func (t *TableSource) Discover(ctx context.Context, q Querier) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discovered {
		return nil
	}

	var err error
	if t.query != "" {
		if t.queryColumns, err = columnsOf(ctx, q, "SELECT * FROM ("+t.query+") q WHERE 1=2"); err != nil {
			return errors.Wrap(err, errors.ErrExecution, "source "+t.id)
		}
	}
	if t.object != "" {
		if t.objectColumns, err = columnsOf(ctx, q, "SELECT * FROM "+t.object+" WHERE 1=2"); err != nil {
			return errors.Wrap(err, errors.ErrExecution, "source "+t.id)
		}
		if t.query == "" {
			t.queryColumns = t.objectColumns
		}
	}

	t.primaryKey = t.declared
	if len(t.primaryKey) == 0 && t.object != "" {
		if t.primaryKey, err = primaryKey(ctx, q, t.object); err != nil {
			log.Printf("[WARN] source %s, %v", t.id, err)
			t.primaryKey = nil
		}
	}
	t.discovered = true
	log.Printf("[DEBUG] source %s discovered, %d columns, primary key %v", t.id, len(t.queryColumns), t.primaryKey)
	return nil
}

// Columns returns discovered columns of the read shape
func (t *TableSource) Columns() []Column {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Column{}, t.queryColumns...)
}

// ObjectColumns returns discovered columns of the base object
func (t *TableSource) ObjectColumns() []Column {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Column{}, t.objectColumns...)
}

// PrimaryKey returns declared or discovered primary key columns
func (t *TableSource) PrimaryKey() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.discovered {
		return append([]string{}, t.declared...)
	}
	return append([]string{}, t.primaryKey...)
}

// Resolver makes filter resolver for requests of the user
func (t *TableSource) Resolver(reg *Registry, user string) filter.Resolver {
	return &resolver{table: t, reg: reg, user: user}
}

// Select makes select statement with requested columns (all if none), where clause, vpd and ordering
func (t *TableSource) Select(columns []string, where *filter.WhereClause, user string) (*stmt.SQLPart, error) {
	cols := "*"
	if len(columns) > 0 {
		if err := t.checkColumns(columns, t.Columns()); err != nil {
			return nil, err
		}
		cols = strings.Join(columns, ", ")
	}
	res := stmt.NewPart("SELECT " + cols + " FROM " + t.from())
	if err := t.appendWhere(res, OpSelect, where, user); err != nil {
		return nil, err
	}
	if t.orderBy != "" {
		res.AppendSQL(" ORDER BY " + t.orderBy)
	}
	return res, nil
}

// SubSelect makes "SELECT column FROM ..." for use as a subquery of another source
func (t *TableSource) SubSelect(column string, where *filter.WhereClause, user string) (*stmt.SQLPart, error) {
	if err := t.checkColumns([]string{column}, t.Columns()); err != nil {
		return nil, err
	}
	res := stmt.NewPart("SELECT " + column + " FROM " + t.from())
	if err := t.appendWhere(res, OpSelect, where, user); err != nil {
		return nil, err
	}
	return res, nil
}

// Insert makes insert statement, values keyed by column
func (t *TableSource) Insert(values map[string]any, user string) (*stmt.SQLPart, error) {
	if t.object == "" {
		return nil, errors.Newf(errors.ErrValidation, "source %s is read-only", t.id)
	}
	if len(values) == 0 {
		return nil, errors.New(errors.ErrValidation, "no values to insert")
	}
	cols := sortedKeys(values)
	if err := t.checkColumns(cols, t.ObjectColumns()); err != nil {
		return nil, err
	}
	binds := make([]stmt.BindValue, 0, len(cols))
	for _, c := range cols {
		binds = append(binds, t.bind(c, values[c]))
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return stmt.NewPart("INSERT INTO "+t.object+" ("+strings.Join(cols, ", ")+") VALUES ("+marks+")", binds...), nil
}

// Update makes update statement, values keyed by column
func (t *TableSource) Update(values map[string]any, where *filter.WhereClause, user string) (*stmt.SQLPart, error) {
	if t.object == "" {
		return nil, errors.Newf(errors.ErrValidation, "source %s is read-only", t.id)
	}
	if len(values) == 0 {
		return nil, errors.New(errors.ErrValidation, "no values to update")
	}
	cols := sortedKeys(values)
	if err := t.checkColumns(cols, t.ObjectColumns()); err != nil {
		return nil, err
	}
	sets := make([]string, 0, len(cols))
	binds := make([]stmt.BindValue, 0, len(cols))
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		binds = append(binds, t.bind(c, values[c]))
	}
	res := stmt.NewPart("UPDATE "+t.object+" SET "+strings.Join(sets, ", "), binds...)
	if err := t.appendWhere(res, OpUpdate, where, user); err != nil {
		return nil, err
	}
	return res, nil
}

// Delete makes delete statement
func (t *TableSource) Delete(where *filter.WhereClause, user string) (*stmt.SQLPart, error) {
	if t.object == "" {
		return nil, errors.Newf(errors.ErrValidation, "source %s is read-only", t.id)
	}
	res := stmt.NewPart("DELETE FROM " + t.object)
	if err := t.appendWhere(res, OpDelete, where, user); err != nil {
		return nil, err
	}
	return res, nil
}

// from returns the read shape for the FROM clause
func (t *TableSource) from() string {
	if t.query != "" {
		return "(" + t.query + ") " + t.id
	}
	return t.object
}

// qualifier returns the name outer columns are qualified with
func (t *TableSource) qualifier() string {
	if t.query != "" {
		return t.id
	}
	return t.object
}

// appendWhere adds compiled where clause and the vpd predicate, if it applies to the verb
func (t *TableSource) appendWhere(p *stmt.SQLPart, op Op, where *filter.WhereClause, user string) error {
	hasWhere := !where.Empty()
	if hasWhere {
		p.AppendSQL(" WHERE ").Append(where.Compile())
	}
	if t.vpd == nil || t.vpd.SQL == "" || !stringutils.Contains(string(op), t.vpd.Apply) {
		return nil
	}
	vpd := stmt.Parse(t.vpd.SQL)
	vpd.Bind("user", user)
	vpd.BindByValue()
	if err := vpd.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrConfig, "vpd of source "+t.id)
	}
	if hasWhere {
		p.AppendSQL(" AND (").Append(vpd).AppendSQL(")")
		return nil
	}
	p.AppendSQL(" WHERE ").Append(vpd)
	return nil
}

// checkColumns verifies requested columns are identifiers and, if columns are known, exist
func (t *TableSource) checkColumns(cols []string, known []Column) error {
	names := map[string]bool{}
	for _, c := range known {
		names[c.Name] = true
	}
	for _, c := range cols {
		if err := filter.ValidColumn(c); err != nil {
			return err
		}
		if len(names) > 0 && !names[strings.ToLower(c)] {
			return errors.Newf(errors.ErrValidation, "unknown column %q of source %s", c, t.id)
		}
	}
	return nil
}

// bind makes bind value typed by the discovered object column, value converted to it
func (t *TableSource) bind(col string, v any) stmt.BindValue {
	for _, c := range t.ObjectColumns() {
		if c.Name == strings.ToLower(col) {
			typ := stmt.SQLType{ID: c.TypeID, Name: c.TypeName}
			if cv, err := typ.Convert(v); err == nil {
				return stmt.NewBind(col, typ, cv)
			}
		}
	}
	return stmt.NewBind(col, stmt.TypeOther, v)
}

func sortedKeys(m map[string]any) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// resolver gives filters access to custom filters and sibling sources
type resolver struct {
	table *TableSource
	reg   *Registry
	user  string
}

func (r *resolver) CustomFilter(name string) (filter.CustomDef, bool) {
	d, ok := r.table.custom[name]
	return d, ok
}

func (r *resolver) Qualify(col string) string {
	if strings.Contains(col, ".") {
		return col
	}
	return r.table.qualifier() + "." + col
}

// SubQuery builds the select of a sibling table source, with its own filters and vpd
func (r *resolver) SubQuery(sub filter.SubSource) (*stmt.SQLPart, error) {
	if r.reg == nil {
		return nil, errors.Newf(errors.ErrValidation, "unknown source %q", sub.ID)
	}
	ts, err := r.reg.Table(sub.ID)
	if err != nil {
		return nil, err
	}
	if ts.AccessLimit(OpSelect) == Denied {
		return nil, errors.Newf(errors.ErrAuthorization, "select of %s denied", sub.ID)
	}
	where, err := filter.ParseWhere(sub.Filters, ts.Resolver(r.reg, r.user))
	if err != nil {
		return nil, err
	}
	return ts.SubSelect(sub.Column, where, r.user)
}
