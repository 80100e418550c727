// Package pool implements a replica-aware connection pool: writes go to the primary database,
// reads to the secondary one if configured. It also keeps the savepoint policy, the proxy
// identity switch and a direct credential check.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// Savepoint is a set of statement kinds executed under a savepoint
type Savepoint uint8

// savepoint flags
const (
	SavepointNone  Savepoint = 0
	SavepointRead  Savepoint = 1 << 0
	SavepointWrite Savepoint = 1 << 1
)

// ParseSavepoint makes savepoint set from a list of "read" and "write"
func ParseSavepoint(modes []string) (Savepoint, error) {
	res := SavepointNone
	for _, m := range modes {
		switch m {
		case "read":
			res |= SavepointRead
		case "write":
			res |= SavepointWrite
		default:
			return SavepointNone, errors.Newf(errors.ErrConfig, "unknown savepoint mode %q", m)
		}
	}
	return res, nil
}

// Enabled reports savepoint use for read or write statements
func (s Savepoint) Enabled(write bool) bool {
	if write {
		return s&SavepointWrite != 0
	}
	return s&SavepointRead != 0
}

// Pool is a primary/secondary pair of database pools
type Pool struct {
	primary   *handle
	secondary *handle
	savepoint Savepoint
	proxy     bool
	proxySQL  string
}

// handle is a single database pool with its connection validation state
type handle struct {
	db        *sqlx.DB
	ep        config.Endpoint
	driver    string
	mu        sync.Mutex
	validated time.Time
}

// New opens primary and, if configured, secondary pools. Connections are opened lazily by database/sql.
func New(opts config.PoolOpts) (*Pool, error) {
	sp, err := ParseSavepoint(opts.Savepoint)
	if err != nil {
		return nil, err
	}
	res := &Pool{savepoint: sp, proxy: opts.Proxy, proxySQL: opts.ProxySQL}
	if res.primary, err = open(opts.Primary); err != nil {
		return nil, fmt.Errorf("can't open primary pool: %w", err)
	}
	if opts.Secondary != nil && opts.Secondary.URL != "" {
		if res.secondary, err = open(*opts.Secondary); err != nil {
			_ = res.primary.db.Close()
			return nil, fmt.Errorf("can't open secondary pool: %w", err)
		}
	}
	return res, nil
}

func open(ep config.Endpoint) (*handle, error) {
	driver := ep.Driver
	if driver == "" {
		var err error
		if driver, err = DetectDriver(ep.URL); err != nil {
			return nil, err
		}
	}
	dsn, err := withCredentials(driver, ep.URL, ep.User, ep.Password)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open %s: %w", redact(dsn), err)
	}
	if ep.MaxSize > 0 {
		db.SetMaxOpenConns(ep.MaxSize)
	}
	if ep.MinSize > 0 {
		db.SetMaxIdleConns(ep.MinSize)
	}
	log.Printf("[INFO] pool opened, driver %s, %s, size %d-%d", driver, redact(dsn), ep.MinSize, ep.MaxSize)
	return &handle{db: db, ep: ep, driver: driver}, nil
}

// DB returns the pool for writes (primary) or reads (secondary, primary if no secondary)
func (p *Pool) DB(write bool) *sqlx.DB { return p.route(write).db }

// Driver returns driver name of the pool for the mode
func (p *Pool) Driver(write bool) string { return p.route(write).driver }

func (p *Pool) route(write bool) *handle {
	if write || p.secondary == nil {
		return p.primary
	}
	return p.secondary
}

// Conn acquires a dedicated connection for the mode. Acquisition waits up to max wait of the pool,
// the connection is validated if the validation interval passed since the last check.
func (p *Pool) Conn(ctx context.Context, write bool) (*sqlx.Conn, error) {
	h := p.route(write)
	actx := ctx
	if h.ep.MaxWait > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, h.ep.MaxWait)
		defer cancel()
	}
	conn, err := h.db.Connx(actx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrExecution, "can't acquire connection")
	}
	if err := h.validate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, errors.ErrExecution, "connection validation failed")
	}
	return conn, nil
}

// validate runs validation query on the connection, at most once per validation interval
func (h *handle) validate(ctx context.Context, conn *sqlx.Conn) error {
	if h.ep.ValidationQuery == "" {
		return nil
	}
	h.mu.Lock()
	due := time.Since(h.validated) >= h.ep.ValidationInterval
	h.mu.Unlock()
	if !due {
		return nil
	}
	if _, err := conn.ExecContext(ctx, h.ep.ValidationQuery); err != nil {
		return err
	}
	h.mu.Lock()
	h.validated = time.Now()
	h.mu.Unlock()
	return nil
}

// Savepoint reports savepoint use for the statement kind
func (p *Pool) Savepoint(write bool) bool { return p.savepoint.Enabled(write) }

// SetIdentity runs the proxy statement for the user on the connection. No-op if proxy disabled.
func (p *Pool) SetIdentity(ctx context.Context, conn *sqlx.Conn, write bool, user string) error {
	if !p.proxy {
		return nil
	}
	part := stmt.Parse(p.proxySQL)
	part.Bind("user", user)
	part.BindByValue()
	if err := part.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrConfig, "proxy sql")
	}
	if _, err := conn.ExecContext(ctx, p.Rebind(write, part.Snippet), part.Args()...); err != nil {
		return errors.Wrap(err, errors.ErrExecution, "can't switch identity to "+user)
	}
	return nil
}

// Rebind converts '?' placeholders to the bind style of the pool's driver
func (p *Pool) Rebind(write bool, query string) string {
	return sqlx.Rebind(sqlx.BindType(p.Driver(write)), query)
}

// Authenticate checks credentials with a direct, non-pooled, connection to the secondary
// endpoint, primary if no secondary. Any failure, wrong credentials included, reports false.
func (p *Pool) Authenticate(ctx context.Context, user, password string) bool {
	h := p.route(false)
	dsn, err := withCredentials(h.driver, h.ep.URL, user, password)
	if err != nil {
		log.Printf("[WARN] can't make dsn for %s: %v", user, err)
		return false
	}
	db, err := sql.Open(h.driver, dsn)
	if err != nil {
		log.Printf("[WARN] can't open connection for %s: %v", user, err)
		return false
	}
	defer db.Close() // nolint
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		log.Printf("[DEBUG] authentication of %s failed: %v", user, err)
		return false
	}
	return true
}

// Stats returns database/sql stats of primary and secondary pools
func (p *Pool) Stats() map[string]sql.DBStats {
	res := map[string]sql.DBStats{"primary": p.primary.db.Stats()}
	if p.secondary != nil {
		res["secondary"] = p.secondary.db.Stats()
	}
	return res
}

// Close closes both pools
func (p *Pool) Close() error {
	errs := new(multierror.Error)
	if err := p.primary.db.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't close primary pool: %w", err))
	}
	if p.secondary != nil {
		if err := p.secondary.db.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't close secondary pool: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
