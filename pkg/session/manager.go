package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/pool"
	"github.com/umputun/dbrelay/pkg/state"
)

// Manager keeps the index of local sessions and decides where a request on a session is served
type Manager struct {
	pool  *pool.Pool
	store *state.Store
	opts  config.SessionOpts

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Route tells where a request on a session is served. Session is set for local processing,
// Endpoint and Owner for forwarding to the owner instance.
type Route struct {
	Session  *Session
	Owner    string
	Endpoint string
}

// Local reports the request is served by this instance
func (r Route) Local() bool { return r.Session != nil }

// NewManager makes session manager
func NewManager(p *pool.Pool, st *state.Store, opts config.SessionOpts) *Manager {
	return &Manager{pool: p, store: st, opts: opts, sessions: map[string]*Session{}}
}

func newGUID() string { return uuid.NewString() }

// Connect authenticates the user and creates a session owned by the local instance
func (m *Manager) Connect(ctx context.Context, user, password string, stateful bool) (*Session, error) {
	if user == "" {
		return nil, errors.New(errors.ErrValidation, "missing user")
	}
	if !m.pool.Authenticate(ctx, user, password) {
		return nil, errors.Newf(errors.ErrAuthorization, "authentication of %s failed", user)
	}
	info := state.SessionInfo{GUID: newGUID(), Instance: m.store.Instance(), PID: m.store.PID(),
		Stateful: stateful, User: user}
	if err := m.store.SaveSession(info); err != nil {
		return nil, fmt.Errorf("can't save session: %w", err)
	}
	s := newSession(info, m.pool, m.store)
	m.mu.Lock()
	m.sessions[s.GUID] = s
	m.mu.Unlock()
	log.Printf("[INFO] session %s connected, user %s, stateful %v", s.GUID, user, stateful)
	return s, nil
}

// Resolve finds where a request on the session is served. A local session is returned referenced,
// the caller must call Down when done with it.
//
// A session owned by another live instance is routed there, unless noForward is set (the request
// was forwarded already) which fails with ErrSession. A session whose owner is not alive is taken
// over. A local session found taken over by another instance goes offline here.
func (m *Manager) Resolve(ctx context.Context, guid string, noForward bool) (Route, error) {
	info, err := m.store.LoadSession(guid)
	lostTx := false
	if err != nil {
		if errors.Is(err, errors.ErrSession) {
			m.drop(guid) // removed by a reaper or a disconnect elsewhere
		}
		return Route{}, err
	}

	if !m.store.Local(info) {
		if s := m.drop(guid); s != nil {
			s.Offline()
		}
		if m.store.Alive(info.Instance, info.PID) {
			if noForward {
				return Route{}, errors.Newf(errors.ErrSession, "session %s is owned by %s", guid, info.Instance)
			}
			ep, eerr := m.store.Endpoint(info.Instance)
			if eerr == nil {
				return Route{Owner: info.Instance, Endpoint: ep}, nil
			}
			log.Printf("[WARN] owner %s of session %s has no endpoint: %v", info.Instance, guid, eerr)
		}
		res, rerr := m.store.Reinstate(ctx, info)
		if rerr != nil {
			return Route{}, rerr
		}
		if !res.OK { // someone else took it over first
			if noForward {
				return Route{}, errors.Newf(errors.ErrSession, "session %s is owned by %s", guid, res.Info.Instance)
			}
			ep, eerr := m.store.Endpoint(res.Info.Instance)
			if eerr != nil {
				return Route{}, eerr
			}
			return Route{Owner: res.Info.Instance, Endpoint: ep}, nil
		}
		info, lostTx = res.Info, res.LostTx
	}

	s := m.local(info, lostTx)
	if err := m.store.TouchSession(guid); err != nil {
		log.Printf("[WARN] %v", err)
	}
	return Route{Session: s}, nil
}

// Takeover makes the local instance owner of the session after its owner failed to serve a
// forwarded request, and returns the local session referenced.
func (m *Manager) Takeover(ctx context.Context, guid string) (*Session, error) {
	info, err := m.store.LoadSession(guid)
	if err != nil {
		return nil, err
	}
	if !m.store.Local(info) {
		res, err := m.store.Reinstate(ctx, info)
		if err != nil {
			return nil, err
		}
		if !res.OK {
			return nil, errors.Newf(errors.ErrTransport, "session %s was taken over by %s", guid, res.Info.Instance)
		}
		return m.local(res.Info, res.LostTx), nil
	}
	return m.local(info, false), nil
}

// local returns indexed session referenced, making it from the record if not indexed or closed.
// lostTx marks the session as having lost the transaction of the previous owner.
func (m *Manager) local(info state.SessionInfo, lostTx bool) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[info.GUID]
	if !ok || !s.tryUp() {
		s = newSession(info, m.pool, m.store)
		s.refs, s.lastUsed = 1, time.Now()
		m.sessions[info.GUID] = s
	}
	if lostTx {
		s.markTxLost()
	}
	return s
}

// drop removes session from the index and returns it, nil if not indexed
func (m *Manager) drop(guid string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guid]
	if !ok {
		return nil
	}
	delete(m.sessions, guid)
	return s
}

// Disconnect tears down a local session and removes it from the index
func (m *Manager) Disconnect(s *Session) error {
	m.drop(s.GUID)
	return s.Disconnect()
}

// Keepalive touches the durable record of the session
func (m *Manager) Keepalive(s *Session) error {
	return m.store.TouchSession(s.GUID)
}

// Len returns number of local sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run starts the reaper on schedule and blocks until the context is canceled
func (m *Manager) Run(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %v", m.opts.ReapInterval)
	if _, err := c.AddFunc(spec, func() { m.Reap(ctx) }); err != nil {
		return fmt.Errorf("can't schedule reaper with %q: %w", spec, err)
	}
	c.Start()
	log.Printf("[INFO] session reaper started, every %v, idle %v, timeout %v", m.opts.ReapInterval,
		m.opts.Idle, m.opts.Timeout)
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// Reap releases local sessions idle longer than the idle time, disconnects local sessions and
// deletes records of any instance untouched longer than the timeout. Referenced sessions are skipped.
func (m *Manager) Reap(ctx context.Context) {
	m.mu.RLock()
	local := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		local = append(local, s)
	}
	m.mu.RUnlock()

	for _, s := range local {
		if s.Release(m.opts.Idle) {
			m.dropIf(s)
		}
	}

	entries, err := m.store.Sessions()
	if err != nil {
		log.Printf("[WARN] reaper can't list sessions: %v", err)
		return
	}
	workers := m.opts.ReapWorkers
	if workers <= 0 {
		workers = 1
	}
	wg := syncs.NewErrSizedGroup(workers, syncs.Context(ctx))
	removed := 0
	var lock sync.Mutex
	for _, e := range entries {
		if time.Since(e.Modified) < m.opts.Timeout {
			break // sorted oldest first
		}
		if s := m.indexed(e.GUID); s != nil && s.Refs() > 0 {
			continue
		}
		wg.Go(func() error {
			ok, err := m.expire(e.GUID)
			if err != nil || !ok {
				return err
			}
			lock.Lock()
			removed++
			lock.Unlock()
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		log.Printf("[WARN] reaper: %v", err)
	}
	if removed > 0 {
		log.Printf("[INFO] reaper removed %d expired sessions", removed)
	}
}

// expire removes an expired session, disconnecting it if it is local. A local session referenced
// meanwhile is kept, reported false.
func (m *Manager) expire(guid string) (bool, error) {
	if s := m.indexed(guid); s != nil {
		if !s.retire() {
			return false, nil
		}
		m.dropIf(s)
		return true, s.Disconnect()
	}
	return true, m.store.DeleteSession(guid)
}

func (m *Manager) indexed(guid string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[guid]
}

// dropIf removes the released session unless it was replaced in the index meanwhile
func (m *Manager) dropIf(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.GUID]; ok && cur == s {
		delete(m.sessions, s.GUID)
	}
}

// Close disconnects local sessions without removing their durable records, another instance may resume them
func (m *Manager) Close() {
	m.mu.Lock()
	local := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range local {
		s.Offline()
	}
}
