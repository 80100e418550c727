package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/state"
)

type execMock struct {
	queries []string
}

func (e *execMock) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	e.queries = append(e.queries, query)
	return driver.RowsAffected(0), nil
}

func (e *execMock) QueryxContext(_ context.Context, query string, _ ...any) (*sqlx.Rows, error) {
	e.queries = append(e.queries, query)
	return nil, fmt.Errorf("no such table")
}

type ownerMock struct {
	ex     Execer
	driver string
	sp     bool
}

func (o *ownerMock) reader(context.Context) (Execer, *sqlx.Conn, error) { return o.ex, nil, nil }
func (o *ownerMock) rebind(query string) string                          { return query }
func (o *ownerMock) detach(string)                                       {}

func (o *ownerMock) readSavepoint() (set, rollback, release string, ok bool) {
	if !o.sp {
		return "", "", "", false
	}
	set, rollback, release = savepointSQL(o.driver, readSavepointName)
	return set, rollback, release, true
}

func TestCursor_QuerySavepoint(t *testing.T) {
	tbl := []struct {
		name   string
		driver string
		sp     bool
		want   []string
	}{
		{"disabled", "sqlite", false, []string{"select * from t"}},
		{"sqlite", "sqlite", true, []string{"SAVEPOINT dbrelay_rd", "select * from t", "ROLLBACK TO SAVEPOINT dbrelay_rd"}},
		{"sqlserver", "sqlserver", true,
			[]string{"SAVE TRANSACTION dbrelay_rd", "select * from t", "ROLLBACK TRANSACTION dbrelay_rd"}},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			ex := &execMock{}
			c := newCursor(state.CursorInfo{GUID: uuid.NewString(), SessionGUID: uuid.NewString(),
				SQL: "select * from t"}, &ownerMock{ex: ex, driver: tt.driver, sp: tt.sp}, nil)
			err := c.open(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrExecution))
			assert.Equal(t, tt.want, ex.queries)
		})
	}
}

func TestSavepointSQL(t *testing.T) {
	set, rollback, release := savepointSQL("pgx", "sp1")
	assert.Equal(t, []string{"SAVEPOINT sp1", "ROLLBACK TO SAVEPOINT sp1", "RELEASE SAVEPOINT sp1"},
		[]string{set, rollback, release})
	set, rollback, release = savepointSQL("sqlserver", "sp1")
	assert.Equal(t, []string{"SAVE TRANSACTION sp1", "ROLLBACK TRANSACTION sp1", ""}, []string{set, rollback, release})
}
