package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/umputun/dbrelay/pkg/stmt"
)

// Querier runs catalog and zero-row queries, *sqlx.DB satisfies it
type Querier interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	DriverName() string
	Rebind(query string) string
}

// Column describes a result column
type Column struct {
	Name      string `json:"name"`
	TypeID    int    `json:"type_id"`
	TypeName  string `json:"type"`
	Precision int64  `json:"precision,omitempty"`
	Scale     int64  `json:"scale,omitempty"`
	Nullable  bool   `json:"nullable"`
	IsDate    bool   `json:"is_date"`
}

// columnsOf runs a zero-row query and describes its columns
func columnsOf(ctx context.Context, q Querier, query string) ([]Column, error) {
	rows, err := q.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("can't describe %q: %w", query, err)
	}
	defer rows.Close() // nolint

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("can't get column types of %q: %w", query, err)
	}
	res := make([]Column, 0, len(types))
	for _, ct := range types {
		typ := stmt.TypeOf(ct.DatabaseTypeName())
		c := Column{Name: strings.ToLower(ct.Name()), TypeID: typ.ID, TypeName: typ.Name, IsDate: typ.IsDate()}
		if p, s, ok := ct.DecimalSize(); ok {
			c.Precision, c.Scale = p, s
		} else if l, ok := ct.Length(); ok {
			c.Precision = l
		}
		if n, ok := ct.Nullable(); ok {
			c.Nullable = n
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// primaryKey reads primary key columns of the object from the catalog
func primaryKey(ctx context.Context, q Querier, object string) ([]string, error) {
	schema, table := "", object
	if i := strings.LastIndexByte(object, '.'); i >= 0 {
		schema, table = object[:i], object[i+1:]
	}

	var query string
	var args []any
	switch q.DriverName() {
	case "sqlite", "sqlite3":
		query = fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE pk > 0 ORDER BY pk", strings.ReplaceAll(table, "'", "''"))
	default:
		query = `SELECT kcu.column_name FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema AND tc.table_name = kcu.table_name
			WHERE tc.constraint_type = 'PRIMARY KEY' AND lower(tc.table_name) = lower(?)`
		args = append(args, table)
		if schema != "" {
			query += " AND lower(tc.table_schema) = lower(?)"
			args = append(args, schema)
		}
		query = q.Rebind(query + " ORDER BY kcu.ordinal_position")
	}

	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("can't read primary key of %s: %w", object, err)
	}
	defer rows.Close() // nolint
	res := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("can't scan primary key of %s: %w", object, err)
		}
		res = append(res, strings.ToLower(name))
	}
	return res, rows.Err()
}
