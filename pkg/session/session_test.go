package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/pool"
	"github.com/umputun/dbrelay/pkg/state"
	"github.com/umputun/dbrelay/pkg/stmt"
)

func prepManager(t *testing.T, savepoint ...string) (*Manager, *state.Store, *pool.Pool) {
	dir := t.TempDir()
	p, err := pool.New(config.PoolOpts{Primary: config.Endpoint{URL: "file:" + filepath.Join(dir, "hr.db")},
		Savepoint: savepoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	p.DB(true).MustExec("create table emp (id integer primary key, name text, hired datetime)")
	for i, name := range []string{"Ann", "Bob", "Cid", "Dan", "Eve"} {
		p.DB(true).MustExec("insert into emp (id, name, hired) values (?, ?, ?)", i+1, name,
			time.Date(2024, 3, i+1, 10, 0, 0, 0, time.UTC))
	}

	st, err := state.NewStore(filepath.Join(dir, "state"), "node1")
	require.NoError(t, err)
	require.NoError(t, st.Register("http://node1"))
	m := NewManager(p, st, config.SessionOpts{Idle: time.Minute, Timeout: time.Hour, ReapInterval: time.Minute,
		PageSize: 2, ReapWorkers: 2})
	t.Cleanup(m.Close)
	return m, st, p
}

func countEmp(t *testing.T, p *pool.Pool) int {
	var n int
	require.NoError(t, p.DB(true).Get(&n, "select count(*) from emp"))
	return n
}

func TestSession_CursorPages(t *testing.T) {
	m, st, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)

	c, err := s.Query(ctx, stmt.NewPart("select id, name from emp where id > ? order by id",
		stmt.NewBind("id", stmt.TypeInteger, int64(0))), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, c.Columns())

	page, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "Ann"}, {int64(2), "Bob"}}, page.Rows)
	assert.True(t, page.More)
	rec, err := st.LoadCursor(s.GUID, c.GUID)
	require.NoError(t, err, "record kept while there are more rows")
	assert.Equal(t, int64(2), rec.Position)

	page, err = c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(3), "Cid"}, {int64(4), "Dan"}}, page.Rows)
	assert.True(t, page.More)
	rec, err = st.LoadCursor(s.GUID, c.GUID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Position, "position updated in place")

	page, err = c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(5), "Eve"}}, page.Rows)
	assert.False(t, page.More)
	assert.False(t, c.Next())
	_, err = st.LoadCursor(s.GUID, c.GUID)
	assert.True(t, errors.Is(err, errors.ErrCursor), "record removed at the end of data")

	page, err = c.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, page.Rows, "no rewind after the end")
	assert.False(t, page.More)
}

func TestSession_CursorSinglePage(t *testing.T) {
	m, st, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)

	c, err := s.Query(ctx, stmt.NewPart("select name, hired from emp where id = 1"), 0)
	require.NoError(t, err)
	page, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "Ann", page.Rows[0][0])
	assert.Equal(t, "2024-03-01T10:00:00", page.Rows[0][1])
	assert.False(t, page.More)
	ids, err := st.Cursors(s.GUID)
	require.NoError(t, err)
	assert.Empty(t, ids, "no record for a cursor done on the first page")
}

func TestSession_CursorReopen(t *testing.T) {
	m, _, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)

	c, err := s.Query(ctx, stmt.NewPart("select id from emp order by id"), 2)
	require.NoError(t, err)
	_, err = c.Fetch(ctx)
	require.NoError(t, err)
	c.release()
	assert.Empty(t, s.Cursors())

	reopened, err := s.Cursor(ctx, c.GUID)
	require.NoError(t, err)
	assert.NotSame(t, c, reopened)
	page, err := reopened.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(3)}, {int64(4)}}, page.Rows, "continues from the recorded position")

	require.NoError(t, reopened.Close())
	_, err = s.Cursor(ctx, c.GUID)
	assert.True(t, errors.Is(err, errors.ErrCursor))
	_, err = s.Cursor(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, errors.ErrCursor))
}

func TestSession_Offline(t *testing.T) {
	m, st, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)
	c, err := s.Query(ctx, stmt.NewPart("select id from emp"), 1)
	require.NoError(t, err)
	_, err = c.Fetch(ctx)
	require.NoError(t, err)

	c.Offline()
	_, err = c.Fetch(ctx)
	assert.True(t, errors.Is(err, errors.ErrCursor))
	_, err = st.LoadCursor(s.GUID, c.GUID)
	assert.NoError(t, err, "durable record untouched")
}

func TestSession_StatefulTransaction(t *testing.T) {
	m, st, p := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", true)
	require.NoError(t, err)

	res, err := s.Exec(ctx, stmt.NewPart("insert into emp (id, name) values (?, ?)",
		stmt.NewBind("id", stmt.TypeInteger, int64(10)), stmt.NewBind("name", stmt.TypeVarchar, "Fay")), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)
	assert.True(t, s.InTransaction())
	_, found, err := st.LoadTransaction(s.GUID)
	require.NoError(t, err)
	assert.True(t, found, "transaction recorded")

	// reads of the session run in its transaction
	c, err := s.Query(ctx, stmt.NewPart("select name from emp where id = 10"), 10)
	require.NoError(t, err)
	page, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"Fay"}}, page.Rows)

	require.NoError(t, s.Rollback())
	assert.False(t, s.InTransaction())
	assert.Equal(t, 5, countEmp(t, p))
	_, found, err = st.LoadTransaction(s.GUID)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.Exec(ctx, stmt.NewPart("insert into emp (id, name) values (11, 'Gus')"), true)
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	assert.Equal(t, 6, countEmp(t, p))
	require.NoError(t, s.Commit(), "commit without transaction is a no-op")
}

func TestSession_SavepointInTransaction(t *testing.T) {
	m, _, p := prepManager(t, "write")
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", true)
	require.NoError(t, err)

	_, err = s.Exec(ctx, stmt.NewPart("insert into emp (id, name) values (20, 'Hal')"), true)
	require.NoError(t, err)
	_, err = s.Exec(ctx, stmt.NewPart("insert into emp (id, name) values (1, 'Dup')"), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecution))
	assert.True(t, s.InTransaction(), "failed statement rolled back to savepoint, transaction kept")

	require.NoError(t, s.Commit())
	assert.Equal(t, 6, countEmp(t, p))
}

func TestSession_ReadSavepointInTransaction(t *testing.T) {
	m, st, p := prepManager(t, "read")
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", true)
	require.NoError(t, err)

	_, err = s.Exec(ctx, stmt.NewPart("insert into emp (id, name) values (30, 'Ida')"), true)
	require.NoError(t, err)
	_, err = s.Query(ctx, stmt.NewPart("select * from no_such_table"), 10)
	assert.True(t, errors.Is(err, errors.ErrExecution))
	assert.True(t, s.InTransaction(), "failed query rolled back to savepoint, transaction kept")

	c, err := s.Query(ctx, stmt.NewPart("select name from emp where id = 30"), 10)
	require.NoError(t, err)
	page, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"Ida"}}, page.Rows, "read in transaction sees the insert")
	_, found, err := st.LoadTransaction(s.GUID)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.Commit())
	assert.Equal(t, 6, countEmp(t, p))
}

func TestSession_SavepointStateless(t *testing.T) {
	m, _, p := prepManager(t, "write")
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)

	res, err := s.Exec(ctx, stmt.NewPart("update emp set name = upper(name)"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Count)
	assert.False(t, s.InTransaction())

	_, err = s.Exec(ctx, stmt.NewPart("insert into no_such_table values (1)"), true)
	assert.True(t, errors.Is(err, errors.ErrExecution))

	var name string
	require.NoError(t, p.DB(true).Get(&name, "select name from emp where id = 1"))
	assert.Equal(t, "ANN", name)
}

func TestSession_ReleaseAndDisconnect(t *testing.T) {
	m, st, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)
	c, err := s.Query(ctx, stmt.NewPart("select id from emp"), 1)
	require.NoError(t, err)
	_, err = c.Fetch(ctx)
	require.NoError(t, err)

	s.Up()
	assert.False(t, s.Release(0), "referenced session is not released")
	s.Down()
	assert.False(t, s.Release(time.Hour), "not idle long enough")
	assert.True(t, s.Release(0))
	assert.Empty(t, s.Cursors())
	_, err = st.LoadCursor(s.GUID, c.GUID)
	assert.NoError(t, err, "cursor record kept for a later re-open")
	_, err = st.LoadSession(s.GUID)
	assert.NoError(t, err, "session record kept")
	_, err = s.Exec(ctx, stmt.NewPart("select 1"), false)
	assert.True(t, errors.Is(err, errors.ErrSession))

	r, err := m.Resolve(ctx, s.GUID, false)
	require.NoError(t, err)
	require.True(t, r.Local())
	assert.NotSame(t, s, r.Session, "released session made again from its record")
	r.Session.Down()

	require.NoError(t, m.Disconnect(r.Session))
	_, err = st.LoadSession(s.GUID)
	assert.True(t, errors.Is(err, errors.ErrSession))
	assert.Equal(t, 0, m.Len())
}

func TestSession_StatefulNotReleased(t *testing.T) {
	m, _, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", true)
	require.NoError(t, err)
	_, err = s.Exec(ctx, stmt.NewPart("delete from emp where id = 5"), true)
	require.NoError(t, err)
	assert.False(t, s.Release(0), "open transaction")
	require.NoError(t, s.Rollback())
	assert.True(t, s.Release(0))
}

func TestDescribe(t *testing.T) {
	part := stmt.NewPart("x", stmt.BindValue{Name: "res", Type: stmt.TypeInteger, Direction: stmt.Out})
	assert.Equal(t, map[string]any{"res": nil}, part.OutValues())
	assert.Contains(t, describe(stmt.NewPart("select ?", stmt.NewBind("password", stmt.TypeVarchar, "secret"))),
		"password(VARCHAR)=*****")
}

func TestManager_Connect(t *testing.T) {
	m, st, _ := prepManager(t)
	_, err := m.Connect(context.Background(), "", "", false)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	s, err := m.Connect(context.Background(), "ann", "pw", true)
	require.NoError(t, err)
	info, err := st.LoadSession(s.GUID)
	require.NoError(t, err)
	assert.Equal(t, "ann", info.User)
	assert.True(t, info.Stateful)
	assert.True(t, st.Local(info))
	assert.Equal(t, 1, m.Len())
}

func TestManager_ResolveLocal(t *testing.T) {
	m, _, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)

	r, err := m.Resolve(ctx, s.GUID, false)
	require.NoError(t, err)
	assert.Same(t, s, r.Session)
	assert.Equal(t, 1, s.Refs())
	r.Session.Down()

	_, err = m.Resolve(ctx, uuid.NewString(), false)
	assert.True(t, errors.Is(err, errors.ErrSession))
	_, err = m.Resolve(ctx, "bad", false)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestManager_ResolveReinstate(t *testing.T) {
	m, st, _ := prepManager(t)
	dir := st.Dir()
	guid := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instances", "node2.pid"), []byte("4194305"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instances", "node2.endpoint"), []byte("http://node2"), 0o600))
	require.NoError(t, st.SaveSession(state.SessionInfo{GUID: guid, Instance: "node2", PID: 4194305, User: "bob"}))

	r, err := m.Resolve(context.Background(), guid, false)
	require.NoError(t, err)
	require.True(t, r.Local(), "dead owner, not forwarded")
	assert.Equal(t, "bob", r.Session.User)
	r.Session.Down()

	info, err := st.LoadSession(guid)
	require.NoError(t, err)
	assert.True(t, st.Local(info), "record rewritten to the local instance")
}

func TestManager_ResolveLostTransaction(t *testing.T) {
	m, st, p := prepManager(t)
	ctx := context.Background()
	dir := st.Dir()
	guid := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instances", "node2.pid"), []byte("4194305"), 0o600))
	require.NoError(t, st.SaveSession(state.SessionInfo{GUID: guid, Instance: "node2", PID: 4194305, User: "bob",
		Stateful: true}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions", guid, "transaction"), []byte("node2 4194305"), 0o600))

	r, err := m.Resolve(ctx, guid, false)
	require.NoError(t, err)
	require.True(t, r.Local())
	s := r.Session
	defer s.Down()
	_, found, err := st.LoadTransaction(guid)
	require.NoError(t, err)
	assert.False(t, found, "transaction record of the dead owner removed")

	err = s.Commit()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSession))
	assert.Contains(t, err.Error(), "transaction lost")
	_, err = s.Exec(ctx, stmt.NewPart("insert into emp (id, name) values (40, 'Jon')"), true)
	assert.True(t, errors.Is(err, errors.ErrSession), "writes fail until rollback")
	assert.True(t, errors.Is(s.Commit(), errors.ErrSession), "commit keeps failing")

	c, err := s.Query(ctx, stmt.NewPart("select count(*) from emp"), 1)
	require.NoError(t, err, "reads are allowed")
	require.NoError(t, c.Close())

	require.NoError(t, s.Rollback())
	_, err = s.Exec(ctx, stmt.NewPart("insert into emp (id, name) values (40, 'Jon')"), true)
	require.NoError(t, err)
	require.NoError(t, s.Commit())
	assert.Equal(t, 6, countEmp(t, p))
}

func TestManager_LocalTakesReference(t *testing.T) {
	m, st, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)
	info, err := st.LoadSession(s.GUID)
	require.NoError(t, err)

	// released by the reaper before the reference is taken
	require.True(t, s.Release(0))
	got := m.local(info, false)
	assert.NotSame(t, s, got, "closed session replaced")
	assert.Equal(t, 1, got.Refs())
	_, err = got.Ensure(ctx, false)
	require.NoError(t, err)

	// referenced before the reaper runs
	again := m.local(info, false)
	assert.Same(t, got, again)
	assert.Equal(t, 2, got.Refs())
	assert.False(t, got.Release(0), "referenced session is not released")
	got.Down()
	got.Down()
	assert.True(t, got.Release(0))
	assert.Equal(t, 1, m.Len(), "index entry removed by the reaper, not by release")
}

func TestManager_ExpireReferenced(t *testing.T) {
	m, st, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)

	s.Up() // referenced after the reaper checked it
	ok, err := m.expire(s.GUID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = st.LoadSession(s.GUID)
	assert.NoError(t, err, "record kept")
	assert.Equal(t, 1, m.Len())
	_, err = s.Ensure(ctx, false)
	require.NoError(t, err, "session usable")

	s.Down()
	ok, err = m.expire(s.GUID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = st.LoadSession(s.GUID)
	assert.True(t, errors.Is(err, errors.ErrSession))
	assert.Equal(t, 0, m.Len())
}

func TestManager_ResolveForward(t *testing.T) {
	m, st, _ := prepManager(t)
	ctx := context.Background()
	s, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)

	// another instance, alive as it runs with this test's pid, takes the session over
	dir := st.Dir()
	other, err := state.NewStore(dir, "node2")
	require.NoError(t, err)
	require.NoError(t, other.Register("http://node2:8080"))
	require.NoError(t, other.SaveSession(state.SessionInfo{GUID: s.GUID, Instance: "node2", PID: other.PID(), User: "ann"}))

	r, err := m.Resolve(ctx, s.GUID, false)
	require.NoError(t, err)
	assert.False(t, r.Local())
	assert.Equal(t, "node2", r.Owner)
	assert.Equal(t, "http://node2:8080", r.Endpoint)
	assert.True(t, s.isClosed(), "local session offline")
	assert.Equal(t, 0, m.Len())

	_, err = m.Resolve(ctx, s.GUID, true)
	assert.True(t, errors.Is(err, errors.ErrSession), "forwarded request is not forwarded again")

	taken, err := m.Takeover(ctx, s.GUID)
	require.NoError(t, err)
	assert.Equal(t, s.GUID, taken.GUID)
	info, err := st.LoadSession(s.GUID)
	require.NoError(t, err)
	assert.True(t, st.Local(info))
	taken.Down()
}

func TestManager_Reap(t *testing.T) {
	m, st, _ := prepManager(t)
	m.opts.Idle = 0
	ctx := context.Background()
	idle, err := m.Connect(ctx, "ann", "", false)
	require.NoError(t, err)
	busy, err := m.Connect(ctx, "bob", "", false)
	require.NoError(t, err)
	busy.Up()

	// expired record of a dead instance
	expired := uuid.NewString()
	require.NoError(t, st.SaveSession(state.SessionInfo{GUID: expired, Instance: "node9", PID: 4194305}))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(st.Dir(), "sessions", expired, "session"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(st.Dir(), "sessions", busy.GUID, "session"), old, old))

	m.Reap(ctx)
	assert.Equal(t, 1, m.Len(), "idle session released, busy kept")
	_, err = st.LoadSession(idle.GUID)
	assert.NoError(t, err, "released session keeps its record until timeout")
	_, err = st.LoadSession(expired)
	assert.True(t, errors.Is(err, errors.ErrSession), "expired record removed")
	_, err = st.LoadSession(busy.GUID)
	assert.NoError(t, err, "referenced session is not expired")

	busy.Down()
	m.opts.Idle = time.Hour
	m.Reap(ctx)
	_, err = st.LoadSession(busy.GUID)
	assert.True(t, errors.Is(err, errors.ErrSession), "expired once not referenced")
	assert.Equal(t, 0, m.Len())
}

func TestManager_Run(t *testing.T) {
	m, _, _ := prepManager(t)
	m.opts.ReapInterval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
