// Package session implements sessions with their connections, transactions and cursors, and the
// manager deciding whether a request is served locally, forwarded to the owner instance or
// served after taking the session over.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/pool"
	"github.com/umputun/dbrelay/pkg/state"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// Execer runs statements, both *sqlx.Conn and *sqlx.Tx satisfy it
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// Session is an authenticated unit of work. It owns pooled connections for reads and writes,
// the open transaction of a stateful session and the cursors opened in it.
type Session struct {
	GUID     string
	User     string
	Stateful bool

	pool  *pool.Pool
	store *state.Store

	mu           sync.Mutex // guards fields below
	refs         int
	lastUsed     time.Time
	lastTrxUsed  time.Time
	lastConnUsed time.Time
	conns        map[bool]*sqlx.Conn // keyed by write flag
	tx           *sqlx.Tx
	cursors      map[string]*Cursor
	closed       bool
	txLost       bool // transaction of the previous owner is gone, cleared by rollback

	work sync.Mutex // serializes statements on the session connections
}

// Result of a statement
type Result struct {
	Count int64          // affected rows, -1 if not reported by the driver
	Out   map[string]any // out and in/out binds
}

func newSession(info state.SessionInfo, p *pool.Pool, st *state.Store) *Session {
	return &Session{GUID: info.GUID, User: info.User, Stateful: info.Stateful, pool: p, store: st,
		lastUsed: time.Now(), conns: map[bool]*sqlx.Conn{}, cursors: map[string]*Cursor{}}
}

// Up registers a client reference, the session is not released while referenced
func (s *Session) Up() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	s.lastUsed = time.Now()
}

// Down drops a client reference
func (s *Session) Down() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	s.lastUsed = time.Now()
}

// tryUp registers a client reference unless the session is closed already
func (s *Session) tryUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.refs++
	s.lastUsed = time.Now()
	return true
}

// retire closes the session for expiration unless it is referenced
func (s *Session) retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		return false
	}
	s.closed = true
	return true
}

// markTxLost flags the transaction of the previous owner lost, commit and writes fail until rollback
func (s *Session) markTxLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txLost = true
}

// Refs returns number of client references
func (s *Session) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// InTransaction reports an open transaction
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Ensure returns the executor for the mode, acquiring a connection and switching its identity to the
// session user on first use. A write of a stateful session opens a transaction, kept until commit or
// rollback; while it is open reads run in it too, so they see the uncommitted changes.
func (s *Session) Ensure(ctx context.Context, write bool) (Execer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Newf(errors.ErrSession, "session %s is disconnected", s.GUID)
	}
	if write && s.txLost {
		return nil, errors.Newf(errors.ErrSession, "transaction lost, session %s taken over, rollback required", s.GUID)
	}
	now := time.Now()
	if s.tx != nil {
		s.lastTrxUsed = now
		return s.tx, nil
	}

	conn := s.conns[write]
	if conn == nil {
		var err error
		if conn, err = s.acquire(ctx, write); err != nil {
			return nil, err
		}
		s.conns[write] = conn
	}
	s.lastConnUsed = now

	if !s.Stateful || !write {
		return conn, nil
	}
	// transaction outlives the request, it is ended by commit, rollback or disconnect
	tx, err := conn.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrExecution, "can't begin transaction")
	}
	if err := s.store.SaveTransaction(s.GUID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("can't record transaction of %s: %w", s.GUID, err)
	}
	s.tx, s.lastTrxUsed = tx, now
	log.Printf("[DEBUG] transaction started, session %s", s.GUID)
	return tx, nil
}

// acquire gets a pooled connection with the session identity
func (s *Session) acquire(ctx context.Context, write bool) (*sqlx.Conn, error) {
	conn, err := s.pool.Conn(ctx, write)
	if err != nil {
		return nil, err
	}
	if err := s.pool.SetIdentity(ctx, conn, write, s.User); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Exec runs a statement. With savepoints enabled for the statement kind it runs under a savepoint
// inside the open transaction, or in its own transaction if there is none. A failed statement is
// logged with its bind values and rolled back to the savepoint, it is never retried.
func (s *Session) Exec(ctx context.Context, part *stmt.SQLPart, write bool) (Result, error) {
	s.work.Lock()
	defer s.work.Unlock()

	ex, err := s.Ensure(ctx, write)
	if err != nil {
		return Result{}, err
	}
	query := s.pool.Rebind(write, part.Snippet)
	args := part.Args()

	run := func(e Execer) (sql.Result, error) { return e.ExecContext(ctx, query, args...) }
	var res sql.Result
	switch {
	case !s.pool.Savepoint(write):
		res, err = run(ex)
	case isTx(ex):
		res, err = s.underSavepoint(ctx, ex, write, run)
	default:
		res, err = s.inTransaction(ctx, ex.(*sqlx.Conn), run)
	}
	if err != nil {
		log.Printf("[WARN] statement failed, session %s: %s, %v", s.GUID, describe(part), err)
		return Result{}, errors.Wrap(err, errors.ErrExecution, "execution failed")
	}

	count := int64(-1)
	if n, rerr := res.RowsAffected(); rerr == nil {
		count = n
	}
	return Result{Count: count, Out: part.OutValues()}, nil
}

func isTx(e Execer) bool {
	_, ok := e.(*sqlx.Tx)
	return ok
}

const (
	savepointName     = "dbrelay_sp"
	readSavepointName = "dbrelay_rd"
)

// underSavepoint runs fn under a savepoint of the open transaction, rolled back to it on failure
func (s *Session) underSavepoint(ctx context.Context, ex Execer, write bool, fn func(Execer) (sql.Result, error)) (sql.Result, error) {
	set, rollback, release := savepointSQL(s.pool.Driver(write), savepointName)
	if _, err := ex.ExecContext(ctx, set); err != nil {
		return nil, fmt.Errorf("can't set savepoint: %w", err)
	}
	res, err := fn(ex)
	if err != nil {
		if _, rerr := ex.ExecContext(ctx, rollback); rerr != nil {
			log.Printf("[WARN] can't rollback to savepoint, session %s: %v", s.GUID, rerr)
		}
		return nil, err
	}
	if release != "" {
		if _, err := ex.ExecContext(ctx, release); err != nil {
			log.Printf("[WARN] can't release savepoint, session %s: %v", s.GUID, err)
		}
	}
	return res, nil
}

// inTransaction runs fn in a transaction of its own on the connection
func (s *Session) inTransaction(ctx context.Context, conn *sqlx.Conn, fn func(Execer) (sql.Result, error)) (sql.Result, error) {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("can't begin transaction: %w", err)
	}
	res, err := fn(tx)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			log.Printf("[WARN] can't rollback, session %s: %v", s.GUID, rerr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("can't commit: %w", err)
	}
	return res, nil
}

// savepointSQL returns set, rollback and release statements of the driver
func savepointSQL(driver, name string) (set, rollback, release string) {
	if driver == "sqlserver" {
		return "SAVE TRANSACTION " + name, "ROLLBACK TRANSACTION " + name, ""
	}
	return "SAVEPOINT " + name, "ROLLBACK TO SAVEPOINT " + name, "RELEASE SAVEPOINT " + name
}

// Query executes a select and returns a cursor over its result. The cursor reads in the open
// transaction if there is one, on a connection of its own otherwise.
func (s *Session) Query(ctx context.Context, part *stmt.SQLPart, pageSize int) (*Cursor, error) {
	c := newCursor(state.CursorInfo{GUID: newGUID(), SessionGUID: s.GUID, SQL: part.Snippet,
		Binds: part.Binds, PageSize: int32(pageSize)}, s, s.store) // nolint:gosec // page size is a small configured value
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cursors[c.GUID] = c
	s.mu.Unlock()
	return c, nil
}

// Cursor returns open cursor of the session. A cursor known only by its durable record, opened by
// another instance or released, is re-opened and moved to the recorded position.
func (s *Session) Cursor(ctx context.Context, guid string) (*Cursor, error) {
	s.mu.Lock()
	c, ok := s.cursors[guid]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	info, err := s.store.LoadCursor(s.GUID, guid)
	if err != nil {
		return nil, err
	}
	c = newCursor(info, s, s.store)
	c.persisted = true
	if err := c.Position(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if existing, ok := s.cursors[guid]; ok { // re-opened concurrently
		s.mu.Unlock()
		c.closeRows() // not in the set, detach would drop the existing one
		return existing, nil
	}
	s.cursors[guid] = c
	s.mu.Unlock()
	log.Printf("[DEBUG] cursor %s re-opened at %d, session %s", guid, info.Position, s.GUID)
	return c, nil
}

// CloseCursor closes the cursor, open or known only by its durable record
func (s *Session) CloseCursor(guid string) error {
	s.mu.Lock()
	c, ok := s.cursors[guid]
	s.mu.Unlock()
	if ok {
		return c.Close()
	}
	removed, err := s.store.DeleteCursor(s.GUID, guid)
	if err != nil {
		return err
	}
	if !removed {
		return errors.Newf(errors.ErrCursor, "no such cursor %s in session %s", guid, s.GUID)
	}
	return nil
}

// detach removes cursor from the session set
func (s *Session) detach(guid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, guid)
}

func (s *Session) rebind(query string) string { return s.pool.Rebind(false, query) }

// readSavepoint returns savepoint statements for queries in the open transaction, ok is false
// when read savepoints are disabled
func (s *Session) readSavepoint() (set, rollback, release string, ok bool) {
	if !s.pool.Savepoint(false) {
		return "", "", "", false
	}
	set, rollback, release = savepointSQL(s.pool.Driver(true), readSavepointName)
	return set, rollback, release, true
}

// reader returns the executor for cursor queries: the open transaction, or a dedicated connection
// owned by the cursor. The returned connection is nil when the transaction is used.
func (s *Session) reader(ctx context.Context) (Execer, *sqlx.Conn, error) {
	s.mu.Lock()
	closed, tx := s.closed, s.tx
	if tx != nil {
		s.lastTrxUsed = time.Now()
	}
	s.mu.Unlock()
	if closed {
		return nil, nil, errors.Newf(errors.ErrSession, "session %s is disconnected", s.GUID)
	}
	if tx != nil {
		return tx, nil, nil
	}
	conn, err := s.acquire(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	return conn, conn, nil
}

// Commit commits the open transaction, if any
func (s *Session) Commit() error {
	return s.endTransaction(true)
}

// Rollback rolls back the open transaction, if any
func (s *Session) Rollback() error {
	return s.endTransaction(false)
}

func (s *Session) endTransaction(commit bool) error {
	s.work.Lock()
	defer s.work.Unlock()
	s.mu.Lock()
	if commit && s.txLost {
		s.mu.Unlock()
		return errors.Newf(errors.ErrSession, "transaction lost, session %s taken over, rollback required", s.GUID)
	}
	s.txLost = false
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	if err := s.store.DeleteTransaction(s.GUID); err != nil {
		log.Printf("[WARN] %v", err)
	}
	if tx == nil {
		return nil
	}
	s.closeTxCursors()
	if commit {
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, errors.ErrExecution, "commit failed")
		}
		log.Printf("[DEBUG] committed, session %s", s.GUID)
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return errors.Wrap(err, errors.ErrExecution, "rollback failed")
	}
	log.Printf("[DEBUG] rolled back, session %s", s.GUID)
	return nil
}

// closeTxCursors closes cursors reading in the transaction, they can't outlive it
func (s *Session) closeTxCursors() {
	for _, c := range s.snapshotCursors() {
		if c.inTx() {
			if err := c.Close(); err != nil {
				log.Printf("[WARN] can't close cursor %s: %v", c.GUID, err)
			}
		}
	}
}

// Release evicts an idle session: no client references, no open transaction and idle at least
// for the given duration. Cursors are released with their durable records kept, connections are
// returned to the pool. Reports true if evicted.
func (s *Session) Release(idle time.Duration) bool {
	s.mu.Lock()
	if s.closed || s.refs > 0 || s.tx != nil || time.Since(s.lastUsed) < idle {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range s.snapshotCursors() {
		c.release()
	}
	if err := s.closeConns(); err != nil {
		log.Printf("[WARN] session %s: %v", s.GUID, err)
	}
	log.Printf("[DEBUG] session %s released, idle %v", s.GUID, time.Since(s.lastUsed).Truncate(time.Second))
	return true
}

// Offline drops local state of a session taken over by another instance. Durable records
// belong to the new owner and stay untouched.
func (s *Session) Offline() {
	s.mu.Lock()
	s.closed = true
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	for _, c := range s.snapshotCursors() {
		c.Offline()
	}
	if tx != nil {
		_ = tx.Rollback()
	}
	if err := s.closeConns(); err != nil {
		log.Printf("[WARN] session %s: %v", s.GUID, err)
	}
	log.Printf("[INFO] session %s is offline, owned by another instance", s.GUID)
}

// Disconnect tears the session down regardless of idle time: rolls back the open transaction,
// closes cursors and connections and removes the durable record.
func (s *Session) Disconnect() error {
	s.work.Lock()
	defer s.work.Unlock()
	s.mu.Lock()
	s.closed = true
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	errs := new(multierror.Error)
	for _, c := range s.snapshotCursors() {
		c.release()
	}
	if tx != nil {
		if err := tx.Rollback(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't rollback: %w", err))
		}
	}
	if err := s.closeConns(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.store.DeleteSession(s.GUID); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return errors.Wrap(err, errors.ErrSession, "disconnect failed")
	}
	log.Printf("[INFO] session %s disconnected, user %s", s.GUID, s.User)
	return nil
}

func (s *Session) closeConns() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = map[bool]*sqlx.Conn{}
	s.mu.Unlock()
	errs := new(multierror.Error)
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't close connection: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

// Cursors returns guids of open cursors, sorted
func (s *Session) Cursors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]string, 0, len(s.cursors))
	for k := range s.cursors {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

func (s *Session) snapshotCursors() []*Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*Cursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		res = append(res, c)
	}
	return res
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// describe renders statement for diagnostics, values of password-like binds masked
func describe(part *stmt.SQLPart) string {
	vals := make([]string, 0, len(part.Binds))
	for _, b := range part.Binds {
		v := fmt.Sprintf("%v", b.Value)
		if strings.Contains(b.Name, "pass") || strings.Contains(b.Name, "secret") {
			v = "*****"
		}
		vals = append(vals, fmt.Sprintf("%s(%s)=%s", b.Name, b.Type, v))
	}
	return fmt.Sprintf("%q [%s]", part.Snippet, strings.Join(vals, ", "))
}
