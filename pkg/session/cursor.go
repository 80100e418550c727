package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/state"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// Cursor is a server side paginated result set. Its position and page size are kept in a durable
// record while there are more rows, so the cursor can be re-opened by any instance.
type Cursor struct {
	GUID        string
	SessionGUID string

	owner owner
	store *state.Store
	sql   string
	binds []stmt.BindValue

	mu            sync.Mutex // one fetch at a time
	pageSize      int32
	position      int64
	columns       []string
	rows          *sqlx.Rows
	conn          *sqlx.Conn // owned connection, nil when reading in the session transaction
	cancel        context.CancelFunc
	peeked        []any // first row of the next page, read to detect the end of data
	eod           bool
	persisted     bool
	removed       bool
	offline       bool
	inUse         bool
	executionCost time.Duration
	fetchCost     time.Duration
}

// owner is what a cursor needs from its session, the cursor is found by guid through the session,
// never the other way
type owner interface {
	reader(ctx context.Context) (Execer, *sqlx.Conn, error)
	rebind(query string) string
	readSavepoint() (set, rollback, release string, ok bool)
	detach(guid string)
}

// Page is a result of a fetch
type Page struct {
	Columns []string
	Rows    [][]any
	More    bool
}

func newCursor(info state.CursorInfo, o owner, st *state.Store) *Cursor {
	return &Cursor{GUID: info.GUID, SessionGUID: info.SessionGUID, owner: o, store: st, sql: info.SQL,
		binds: info.Binds, pageSize: info.PageSize, position: info.Position}
}

// open executes the cursor query
func (c *Cursor) open(ctx context.Context) error {
	ex, conn, err := c.owner.reader(ctx)
	if err != nil {
		return err
	}
	// rows are read by later requests, their context must outlive this one
	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	part := stmt.NewPart(c.sql, c.binds...)
	st := time.Now()
	rows, err := c.query(ctx, qctx, ex, conn == nil, part)
	if err != nil {
		cancel()
		if conn != nil {
			_ = conn.Close()
		}
		log.Printf("[WARN] query failed, session %s: %s, %v", c.SessionGUID, describe(part), err)
		return errors.Wrap(err, errors.ErrExecution, "query failed")
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		cancel()
		if conn != nil {
			_ = conn.Close()
		}
		return errors.Wrap(err, errors.ErrExecution, "can't read columns")
	}
	c.rows, c.conn, c.cancel, c.columns = rows, conn, cancel, cols
	c.executionCost = time.Since(st)
	return nil
}

// query executes the cursor statement. In the session transaction, with read savepoints enabled,
// the execution runs under a savepoint, rolled back to it on failure.
func (c *Cursor) query(ctx, qctx context.Context, ex Execer, inTx bool, part *stmt.SQLPart) (*sqlx.Rows, error) {
	query, args := c.owner.rebind(part.Snippet), part.Args()
	set, rollback, release, ok := c.owner.readSavepoint()
	if !inTx || !ok {
		return ex.QueryxContext(qctx, query, args...)
	}
	if _, err := ex.ExecContext(ctx, set); err != nil {
		return nil, fmt.Errorf("can't set savepoint: %w", err)
	}
	rows, err := ex.QueryxContext(qctx, query, args...)
	if err != nil {
		if _, rerr := ex.ExecContext(ctx, rollback); rerr != nil {
			log.Printf("[WARN] can't rollback to savepoint, session %s: %v", c.SessionGUID, rerr)
		}
		return nil, err
	}
	if release != "" {
		if _, err := ex.ExecContext(ctx, release); err != nil {
			log.Printf("[WARN] can't release savepoint, session %s: %v", c.SessionGUID, err)
		}
	}
	return rows, nil
}

// Position re-opens the cursor from its durable record: executes the query again and skips rows
// up to the recorded position.
func (c *Cursor) Position(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.open(ctx); err != nil {
		return err
	}
	for i := int64(0); i < c.position; i++ {
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				c.closeRows()
				return errors.Wrap(err, errors.ErrExecution, "can't position cursor")
			}
			c.eod = true
			break
		}
	}
	return nil
}

// Fetch returns the next page, up to page size rows or all remaining rows if page size is not positive.
// Date and time values are converted to the canonical string form, byte slices to strings.
// At the end of data the result set is closed and the durable record removed; any later fetch
// returns an empty page.
func (c *Cursor) Fetch(ctx context.Context) (Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline {
		return Page{}, errors.Newf(errors.ErrCursor, "cursor %s is offline", c.GUID)
	}
	c.inUse = true
	defer func() { c.inUse = false }()

	res := Page{Columns: c.columns, Rows: [][]any{}}
	if c.eod {
		return res, c.finish()
	}

	st := time.Now()
	for c.pageSize <= 0 || len(res.Rows) < int(c.pageSize) {
		row, ok, err := c.next()
		if err != nil {
			c.closeRows()
			return Page{}, errors.Wrap(err, errors.ErrExecution, "fetch failed")
		}
		if !ok {
			break
		}
		res.Rows = append(res.Rows, row)
	}
	if !c.eod && c.peeked == nil { // page is full, peek to know if there is more
		row, ok, err := c.next()
		if err != nil {
			c.closeRows()
			return Page{}, errors.Wrap(err, errors.ErrExecution, "fetch failed")
		}
		if ok {
			c.peeked = row
		}
	}
	c.position += int64(len(res.Rows))
	c.fetchCost += time.Since(st)
	res.More = !c.eod

	if c.eod {
		return res, c.finish()
	}
	if err := c.persist(); err != nil {
		return Page{}, err
	}
	return res, nil
}

// next returns the next row, taking the peeked one first
func (c *Cursor) next() ([]any, bool, error) {
	if c.peeked != nil {
		row := c.peeked
		c.peeked = nil
		return row, true, nil
	}
	if c.rows == nil || !c.rows.Next() {
		if c.rows != nil {
			if err := c.rows.Err(); err != nil {
				return nil, false, err
			}
		}
		c.eod = true
		c.closeRows()
		return nil, false, nil
	}
	row, err := c.rows.SliceScan()
	if err != nil {
		return nil, false, err
	}
	for i, v := range row {
		row[i] = canonical(v)
	}
	return row, true, nil
}

// canonical converts driver values to their response form
func canonical(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(stmt.CanonicalTime)
	case []byte:
		return string(x)
	}
	return v
}

// persist writes the durable record on the first page, updates position in place afterwards
func (c *Cursor) persist() error {
	if c.persisted {
		return c.store.UpdateCursor(c.SessionGUID, c.GUID, c.position, c.pageSize)
	}
	err := c.store.SaveCursor(state.CursorInfo{GUID: c.GUID, SessionGUID: c.SessionGUID, Position: c.position,
		PageSize: c.pageSize, SQL: c.sql, Binds: c.binds})
	if err != nil {
		return fmt.Errorf("can't save cursor %s: %w", c.GUID, err)
	}
	c.persisted = true
	return nil
}

// finish removes the durable record once the data is exhausted
func (c *Cursor) finish() error {
	c.closeRows()
	if !c.persisted || c.removed {
		return nil
	}
	c.removed = true
	if _, err := c.store.DeleteCursor(c.SessionGUID, c.GUID); err != nil {
		return fmt.Errorf("can't remove cursor %s: %w", c.GUID, err)
	}
	log.Printf("[DEBUG] cursor %s done, %d rows, exec %v, fetch %v", c.GUID, c.position,
		c.executionCost, c.fetchCost)
	return nil
}

// Next reports if there are rows left to fetch
func (c *Cursor) Next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.eod && !c.offline
}

// SetPageSize changes page size for the following fetches, ignored if not positive
func (c *Cursor) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageSize = int32(n) // nolint:gosec // page size comes from a bounded request field
}

// Columns returns result column names
func (c *Cursor) Columns() []string { return c.columns }

// Close closes the result set, removes the durable record and detaches from the session
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeRows()
	c.owner.detach(c.GUID)
	if c.removed {
		return nil
	}
	c.removed = true
	if _, err := c.store.DeleteCursor(c.SessionGUID, c.GUID); err != nil {
		return fmt.Errorf("can't remove cursor %s: %w", c.GUID, err)
	}
	return nil
}

// release closes the result set and detaches from the session, the durable record stays for a
// later re-open
func (c *Cursor) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeRows()
	c.owner.detach(c.GUID)
}

// Offline marks the cursor unusable locally, the durable record is owned by another instance now
func (c *Cursor) Offline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = true
	c.closeRows()
	c.owner.detach(c.GUID)
}

func (c *Cursor) inTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows != nil && c.conn == nil
}

// closeRows releases result set, its context and the owned connection
func (c *Cursor) closeRows() {
	if c.rows != nil {
		_ = c.rows.Close()
		c.rows = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
