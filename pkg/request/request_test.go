package request

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/forward"
	"github.com/umputun/dbrelay/pkg/pool"
	"github.com/umputun/dbrelay/pkg/session"
	"github.com/umputun/dbrelay/pkg/source"
	"github.com/umputun/dbrelay/pkg/state"
)

type testEnv struct {
	h     *Handler
	pool  *pool.Pool
	store *state.Store
}

func prepHandler(t *testing.T) testEnv {
	dir := t.TempDir()
	p, err := pool.New(config.PoolOpts{Primary: config.Endpoint{URL: "file:" + filepath.Join(dir, "hr.db")}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	p.DB(true).MustExec("create table emp (id integer primary key, name text, dept text, hired datetime)")
	p.DB(true).MustExec("insert into emp (id, name, dept) values (42, 'Ann', 'hr')")
	p.DB(true).MustExec("create table audit (who text, what text)")

	st, err := state.NewStore(filepath.Join(dir, "state"), "node1")
	require.NoError(t, err)
	require.NoError(t, st.Register("http://node1"))

	sources, err := source.Build([]config.SourceDef{
		{ID: "emp", Object: "emp", Access: map[string]string{"insert": "allowed", "update": "by-primary-key",
			"delete": "if-where-clause"}},
		{ID: "emp_by_dept", Kind: "sql", SQL: map[string]string{"select": "select id, name from emp where dept = :dept order by id"}},
		{ID: "log_action", Kind: "function", Call: "insert into audit (who, what) values (:user, :what)"},
	})
	require.NoError(t, err)

	m := session.NewManager(p, st, config.SessionOpts{Idle: time.Minute, Timeout: time.Hour, ReapInterval: time.Minute})
	t.Cleanup(m.Close)
	h := &Handler{Sources: source.NewRegistry(sources...), Sessions: m, Pool: p, PageSize: 100,
		Forwarder: forward.New("node1", forward.Opts{Timeout: time.Second})}
	return testEnv{h: h, pool: p, store: st}
}

func (e testEnv) call(t *testing.T, req string) (Response, Outcome) {
	data, out := e.h.Handle(context.Background(), []byte(req), false)
	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp), string(data))
	return resp, out
}

func (e testEnv) connect(t *testing.T, stateful bool) string {
	resp, _ := e.call(t, fmt.Sprintf(`{"Session":{"connect()":{"user":"ann","password":"pw","stateful":%v}}}`, stateful))
	require.True(t, resp.Success, resp.Message)
	require.NotEmpty(t, resp.Session)
	return resp.Session
}

func TestHandler_TableSelect(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, false)

	req := fmt.Sprintf(`{"Table":{"source":"emp","select()":{"columns":["id","name"]},
		"filters":[{"column":"id","filter":"=","value":42}],"session":%q}}`, guid)
	data, out := e.h.Handle(context.Background(), []byte(req), false)
	assert.Contains(t, string(data), `"rows":[[42,"Ann"]]`)
	assert.Contains(t, string(data), `"more":false`)
	assert.Contains(t, string(data), `"method":"select()"`)
	assert.NotContains(t, string(data), `"cursor"`)
	assert.Equal(t, Outcome{Type: "Table", Verb: "select", Success: true}, out)

	resp, _ := e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","select()":{"columns":["salary"]},"session":%q}}`, guid))
	assert.False(t, resp.Success)
	assert.Equal(t, errors.ErrValidation, resp.Code, "unknown column")
}

func TestHandler_CursorPaging(t *testing.T) {
	e := prepHandler(t)
	for i := 1; i <= 4; i++ {
		e.pool.DB(true).MustExec("insert into emp (id, name, dept) values (?, ?, 'it')", i, fmt.Sprintf("n%d", i))
	}
	guid := e.connect(t, false)

	resp, _ := e.call(t, fmt.Sprintf(`{"Sql":{"source":"emp_by_dept","select()":{},"pagesize":3,
		"bindvalues":[{"name":"dept","type":"varchar","value":"it"}],"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	assert.True(t, resp.More)
	require.NotEmpty(t, resp.Cursor)
	assert.Equal(t, []any{"id", "name"}, resp.Columns)
	assert.Len(t, resp.Rows, 3)

	resp, _ = e.call(t, fmt.Sprintf(`{"Cursor":{"fetch()":{"pagesize":5},"cursor":%q,"session":%q}}`, resp.Cursor, guid))
	require.True(t, resp.Success, resp.Message)
	assert.False(t, resp.More)
	assert.Equal(t, []any{[]any{float64(4), "n4"}}, resp.Rows)
	assert.Empty(t, resp.Cursor)

	resp, _ = e.call(t, fmt.Sprintf(`{"Sql":{"source":"emp_by_dept","select()":{},"pagesize":1,
		"bindvalues":[{"name":"dept","value":"it"}],"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	cursor := resp.Cursor
	resp, _ = e.call(t, fmt.Sprintf(`{"Cursor":{"close()":{},"cursor":%q,"session":%q}}`, cursor, guid))
	require.True(t, resp.Success, resp.Message)
	resp, _ = e.call(t, fmt.Sprintf(`{"Cursor":{"fetch()":{},"cursor":%q,"session":%q}}`, cursor, guid))
	assert.False(t, resp.Success)
	assert.Equal(t, errors.ErrCursor, resp.Code)
}

func TestHandler_TableWrites(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, false)

	resp, _ := e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","insert()":{"values":{"id":7,"name":"Bob","dept":"it"}},"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	require.NotNil(t, resp.Count)
	assert.Equal(t, int64(1), *resp.Count)

	// by-primary-key update without the key is rejected before execution
	resp, _ = e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","update()":{"values":{"dept":"ops"}},
		"filters":[{"column":"name","filter":"=","value":"Bob"}],"session":%q}}`, guid))
	assert.False(t, resp.Success)
	assert.Equal(t, errors.ErrAuthorization, resp.Code)
	var dept string
	require.NoError(t, e.pool.DB(true).Get(&dept, "select dept from emp where id = 7"))
	assert.Equal(t, "it", dept)

	resp, _ = e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","update()":{"values":{"dept":"ops"}},
		"filters":[{"column":"id","filter":"=","value":7}],"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	require.NoError(t, e.pool.DB(true).Get(&dept, "select dept from emp where id = 7"))
	assert.Equal(t, "ops", dept)

	resp, _ = e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","delete()":{},"session":%q}}`, guid))
	assert.False(t, resp.Success)
	assert.Equal(t, errors.ErrValidation, resp.Code, "delete requires where clause")

	resp, _ = e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","delete()":{},
		"filters":[{"column":"dept","filter":"in","values":["ops","none"]}],"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, int64(1), *resp.Count)
}

func TestHandler_Describe(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, false)
	resp, _ := e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","describe()":{},"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	cols, ok := resp.Columns.([]any)
	require.True(t, ok)
	assert.Len(t, cols, 4)
	assert.Equal(t, []string{"id"}, resp.PrimaryKey)
}

func TestHandler_Function(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, false)
	resp, _ := e.call(t, fmt.Sprintf(`{"Function":{"source":"log_action","execute()":{},
		"bindvalues":[{"name":"what","type":"varchar","value":"login"}],"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	var who string
	require.NoError(t, e.pool.DB(true).Get(&who, "select who from audit where what = 'login'"))
	assert.Equal(t, "ann", who, "user bound from the session")
}

func TestHandler_StatefulSession(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, true)

	insert := fmt.Sprintf(`{"Table":{"source":"emp","insert()":{"values":{"id":8,"name":"Cid"}},"session":%q}}`, guid)
	resp, _ := e.call(t, insert)
	require.True(t, resp.Success, resp.Message)
	resp, _ = e.call(t, fmt.Sprintf(`{"Session":{"rollback()":{},"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	var n int
	require.NoError(t, e.pool.DB(true).Get(&n, "select count(*) from emp"))
	assert.Equal(t, 1, n)

	resp, _ = e.call(t, insert)
	require.True(t, resp.Success, resp.Message)
	resp, _ = e.call(t, fmt.Sprintf(`{"Session":{"commit()":{},"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	require.NoError(t, e.pool.DB(true).Get(&n, "select count(*) from emp"))
	assert.Equal(t, 2, n)

	resp, _ = e.call(t, fmt.Sprintf(`{"Session":{"keepalive()":{},"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, guid, resp.Session)

	resp, _ = e.call(t, fmt.Sprintf(`{"Session":{"disconnect()":{},"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	resp, _ = e.call(t, fmt.Sprintf(`{"Session":{"keepalive()":{},"session":%q}}`, guid))
	assert.False(t, resp.Success)
	assert.Equal(t, errors.ErrSession, resp.Code)
}

func TestHandler_Errors(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, false)
	tbl := []struct {
		req  string
		code errors.Code
	}{
		{`{"Bogus":{"select()":{}}}`, errors.ErrUnknownRequestType},
		{`{"Table":{"source":"emp"}}`, errors.ErrValidation},
		{`{"Table":{"select()":{}},"Sql":{"select()":{}}}`, errors.ErrValidation},
		{`not json`, errors.ErrValidation},
		{`{"Table":{"source":"emp","select()":{}}}`, errors.ErrSession},
		{fmt.Sprintf(`{"Table":{"source":"emp","explode()":{},"session":%q}}`, guid), errors.ErrValidation},
		{fmt.Sprintf(`{"Table":{"source":"nope","select()":{},"session":%q}}`, guid), errors.ErrValidation},
		{fmt.Sprintf(`{"Table":{"source":"emp","select()":{},"filters":[{"type":"fuzzy","column":"id"}],"session":%q}}`, guid),
			errors.ErrUnknownFilter},
		{fmt.Sprintf(`{"Sql":{"source":"emp_by_dept","delete()":{},"session":%q}}`, guid), errors.ErrAuthorization},
		{fmt.Sprintf(`{"Sql":{"source":"emp_by_dept","select()":{},"session":%q}}`, guid), errors.ErrValidation},
		{`{"Session":{"connect()":{"password":"x"}}}`, errors.ErrValidation},
	}
	for _, tt := range tbl {
		t.Run(tt.req, func(t *testing.T) {
			resp, out := e.call(t, tt.req)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Code, resp.Message)
			assert.Equal(t, tt.code, out.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestHandler_Forward(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, false)

	var got http.Header
	owner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"success":true,"method":"keepalive()","session":"relayed"}`))
	}))
	defer owner.Close()

	other, err := state.NewStore(e.store.Dir(), "node2")
	require.NoError(t, err)
	require.NoError(t, other.Register(owner.URL))
	require.NoError(t, other.SaveSession(state.SessionInfo{GUID: guid, Instance: "node2", PID: other.PID(), User: "ann"}))

	req := fmt.Sprintf(`{"Session":{"keepalive()":{},"session":%q}}`, guid)
	data, out := e.h.Handle(context.Background(), []byte(req), false)
	assert.Equal(t, `{"success":true,"method":"keepalive()","session":"relayed"}`, string(data), "relayed verbatim")
	assert.True(t, out.Forwarded)
	assert.True(t, out.Success)
	assert.Equal(t, "node1", got.Get(forward.Header))

	data, out = e.h.Handle(context.Background(), []byte(req), true)
	assert.Contains(t, string(data), `"success":false`, "forwarded request is not forwarded again")
	assert.Equal(t, errors.ErrSession, out.Code)
}

func TestHandler_ForwardFailureTakesOver(t *testing.T) {
	e := prepHandler(t)
	guid := e.connect(t, false)

	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()
	other, err := state.NewStore(e.store.Dir(), "node2")
	require.NoError(t, err)
	require.NoError(t, other.Register(gone.URL))
	require.NoError(t, other.SaveSession(state.SessionInfo{GUID: guid, Instance: "node2", PID: other.PID(), User: "ann"}))

	resp, out := e.call(t, fmt.Sprintf(`{"Table":{"source":"emp","select()":{"columns":["name"]},"session":%q}}`, guid))
	require.True(t, resp.Success, resp.Message)
	assert.False(t, out.Forwarded)
	assert.Equal(t, []any{[]any{"Ann"}}, resp.Rows)

	info, err := e.store.LoadSession(guid)
	require.NoError(t, err)
	assert.True(t, e.store.Local(info), "session taken over after transport error")
}

func TestDecode(t *testing.T) {
	c, err := Decode([]byte(`{"Table":{"source":"emp","Select()":{"columns":["id"]},"pagesize":5,
		"bindvalues":[{"name":"ID","type":"integer","value":"7"}],"filters":[{"column":"id","value":1}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "Table", c.Type)
	assert.Equal(t, "select", c.Verb)
	assert.Equal(t, "select()", c.Method())
	assert.Equal(t, "emp", c.Source)
	assert.Equal(t, 5, c.PageSize)
	require.Len(t, c.Binds, 1)
	assert.Equal(t, "id", c.Binds[0].Name)
	assert.Equal(t, int64(7), c.Binds[0].Value)
	assert.Len(t, c.Filters, 1)
	assert.JSONEq(t, `{"columns":["id"]}`, string(c.Args))

	_, err = Decode([]byte(`{"Table":{"select()":{},"delete()":{}}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"Table":[]}`))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	var args valuesArgs
	require.NoError(t, decodeArgs([]byte(`{"values":{"a":1,"b":1.5,"c":"x","d":null,"e":true}}`), &args))
	assert.Equal(t, map[string]any{"a": int64(1), "b": 1.5, "c": "x", "d": nil, "e": true}, normalize(args.Values))
	assert.NoError(t, decodeArgs(nil, &args))
	assert.Error(t, decodeArgs([]byte(`{"unknown":1}`), &args))
}
