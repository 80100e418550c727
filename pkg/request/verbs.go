package request

import (
	"context"
	"log"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/filter"
	"github.com/umputun/dbrelay/pkg/session"
	"github.com/umputun/dbrelay/pkg/source"
	"github.com/umputun/dbrelay/pkg/stmt"
)

func connect(ctx context.Context, h *Handler, c Call, _ *session.Session) (Response, error) {
	var args struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Stateful bool   `json:"stateful"`
	}
	if err := decodeArgs(c.Args, &args); err != nil {
		return Response{}, err
	}
	s, err := h.Sessions.Connect(ctx, args.User, args.Password, args.Stateful)
	if err != nil {
		return Response{}, err
	}
	return Response{Session: s.GUID}, nil
}

func disconnect(_ context.Context, h *Handler, _ Call, s *session.Session) (Response, error) {
	return Response{Session: s.GUID}, h.Sessions.Disconnect(s)
}

func keepalive(_ context.Context, h *Handler, _ Call, s *session.Session) (Response, error) {
	return Response{Session: s.GUID}, h.Sessions.Keepalive(s)
}

func commit(_ context.Context, _ *Handler, _ Call, s *session.Session) (Response, error) {
	return Response{}, s.Commit()
}

func rollback(_ context.Context, _ *Handler, _ Call, s *session.Session) (Response, error) {
	return Response{}, s.Rollback()
}

// table resolves table source with discovered columns and parses request filters
func (h *Handler) table(ctx context.Context, c Call, s *session.Session) (*source.TableSource, *filter.WhereClause, error) {
	t, err := h.Sources.Table(c.Source)
	if err != nil {
		return nil, nil, err
	}
	if err := t.Discover(ctx, h.Pool.DB(false)); err != nil {
		return nil, nil, err
	}
	where, err := filter.ParseWhere(c.Filters, t.Resolver(h.Sources, s.User))
	if err != nil {
		return nil, nil, err
	}
	return t, where, nil
}

func tableDescribe(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error) {
	t, _, err := h.table(ctx, c, s)
	if err != nil {
		return Response{}, err
	}
	if t.AccessLimit(source.OpSelect) == source.Denied {
		return Response{}, errors.Newf(errors.ErrAuthorization, "select of %s denied", t.ID())
	}
	return Response{Columns: t.Columns(), PrimaryKey: t.PrimaryKey()}, nil
}

func tableSelect(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error) {
	var args struct {
		Columns []string `json:"columns"`
	}
	if err := decodeArgs(c.Args, &args); err != nil {
		return Response{}, err
	}
	t, where, err := h.table(ctx, c, s)
	if err != nil {
		return Response{}, err
	}
	part, err := t.Select(args.Columns, where, s.User)
	if err != nil {
		return Response{}, err
	}
	if err := t.CheckAccess(source.OpSelect, where); err != nil {
		return Response{}, err
	}
	return h.query(ctx, c, s, part)
}

type valuesArgs struct {
	Values map[string]any `json:"values"`
}

func tableInsert(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error) {
	var args valuesArgs
	if err := decodeArgs(c.Args, &args); err != nil {
		return Response{}, err
	}
	t, where, err := h.table(ctx, c, s)
	if err != nil {
		return Response{}, err
	}
	part, err := t.Insert(normalize(args.Values), s.User)
	if err != nil {
		return Response{}, err
	}
	return h.write(ctx, t, source.OpInsert, where, s, part)
}

func tableUpdate(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error) {
	var args valuesArgs
	if err := decodeArgs(c.Args, &args); err != nil {
		return Response{}, err
	}
	t, where, err := h.table(ctx, c, s)
	if err != nil {
		return Response{}, err
	}
	part, err := t.Update(normalize(args.Values), where, s.User)
	if err != nil {
		return Response{}, err
	}
	return h.write(ctx, t, source.OpUpdate, where, s, part)
}

func tableDelete(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error) {
	t, where, err := h.table(ctx, c, s)
	if err != nil {
		return Response{}, err
	}
	part, err := t.Delete(where, s.User)
	if err != nil {
		return Response{}, err
	}
	return h.write(ctx, t, source.OpDelete, where, s, part)
}

// write checks access of the composed statement and executes it
func (h *Handler) write(ctx context.Context, t *source.TableSource, op source.Op, where *filter.WhereClause,
	s *session.Session, part *stmt.SQLPart) (Response, error) {
	if err := t.CheckAccess(op, where); err != nil {
		return Response{}, err
	}
	res, err := s.Exec(ctx, part, true)
	if err != nil {
		return Response{}, err
	}
	return Response{Count: &res.Count}, nil
}

func sqlStatement(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error) {
	ss, err := h.Sources.SQL(c.Source)
	if err != nil {
		return Response{}, err
	}
	op := source.Op(c.Verb)
	where, err := filter.ParseWhere(c.Filters, nil)
	if err != nil {
		return Response{}, err
	}
	part, err := ss.Statement(op, c.Binds, where, s.User)
	if err != nil {
		return Response{}, err
	}
	if err := ss.CheckAccess(op, where); err != nil {
		return Response{}, err
	}
	if op == source.OpSelect {
		return h.query(ctx, c, s, part)
	}
	res, err := s.Exec(ctx, part, op.Write())
	if err != nil {
		return Response{}, err
	}
	resp := Response{Count: &res.Count}
	if len(res.Out) > 0 {
		resp.OutBinds = res.Out
	}
	return resp, nil
}

func functionExecute(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error) {
	fs, err := h.Sources.Function(c.Source)
	if err != nil {
		return Response{}, err
	}
	part, err := fs.Statement(c.Binds, s.User)
	if err != nil {
		return Response{}, err
	}
	res, err := s.Exec(ctx, part, true)
	if err != nil {
		return Response{}, err
	}
	return Response{OutBinds: res.Out}, nil
}

// query opens a cursor and returns its first page. The cursor is kept only if there are more rows.
func (h *Handler) query(ctx context.Context, c Call, s *session.Session, part *stmt.SQLPart) (Response, error) {
	cur, err := s.Query(ctx, part, h.pageSize(c.PageSize))
	if err != nil {
		return Response{}, err
	}
	return page(ctx, cur)
}

func cursorFetch(ctx context.Context, _ *Handler, c Call, s *session.Session) (Response, error) {
	var args struct {
		PageSize int `json:"pagesize"`
	}
	if err := decodeArgs(c.Args, &args); err != nil {
		return Response{}, err
	}
	if c.Cursor == "" {
		return Response{}, errors.New(errors.ErrCursor, "missing cursor")
	}
	cur, err := s.Cursor(ctx, c.Cursor)
	if err != nil {
		return Response{}, err
	}
	if args.PageSize != 0 {
		cur.SetPageSize(args.PageSize)
	} else {
		cur.SetPageSize(c.PageSize)
	}
	return page(ctx, cur)
}

func page(ctx context.Context, cur *session.Cursor) (Response, error) {
	p, err := cur.Fetch(ctx)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Rows: p.Rows, More: p.More, Columns: p.Columns}
	if p.More {
		resp.Cursor = cur.GUID
		return resp, nil
	}
	if err := cur.Close(); err != nil {
		log.Printf("[WARN] %v", err)
	}
	return resp, nil
}

func cursorClose(_ context.Context, _ *Handler, c Call, s *session.Session) (Response, error) {
	if c.Cursor == "" {
		return Response{}, errors.New(errors.ErrCursor, "missing cursor")
	}
	return Response{Cursor: c.Cursor}, s.CloseCursor(c.Cursor)
}
