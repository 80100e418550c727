package state

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/umputun/dbrelay/pkg/errors"
)

// Store keeps records under the state directory:
//
//	instances/<name>.pid, instances/<name>.endpoint
//	sessions/<guid>/session, sessions/<guid>/transaction, sessions/<guid>/cursors/<guid>
type Store struct {
	dir      string
	instance string
	pid      int64
	lockWait time.Duration
	lockTTL  time.Duration
	alive    func(pid int64) bool
}

// NewStore makes store in the directory for the local instance
func NewStore(dir, instance string) (*Store, error) {
	for _, d := range []string{filepath.Join(dir, "instances"), filepath.Join(dir, "sessions")} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("can't make state directory %s: %w", d, err)
		}
	}
	return &Store{dir: dir, instance: instance, pid: int64(os.Getpid()), lockWait: 2 * time.Second,
		lockTTL: 10 * time.Second, alive: pidExists}, nil
}

func pidExists(pid int64) bool {
	if pid <= 0 || pid > int64(^uint32(0)>>1) {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Instance returns local instance name
func (s *Store) Instance() string { return s.instance }

// Dir returns state directory
func (s *Store) Dir() string { return s.dir }

// PID returns local process id
func (s *Store) PID() int64 { return s.pid }

// Register writes pid and endpoint files of the local instance
func (s *Store) Register(endpoint string) error {
	if err := writeFile(s.instancePath(s.instance, "pid"), []byte(strconv.FormatInt(s.pid, 10))); err != nil {
		return fmt.Errorf("can't register instance %s: %w", s.instance, err)
	}
	if err := writeFile(s.instancePath(s.instance, "endpoint"), []byte(endpoint)); err != nil {
		return fmt.Errorf("can't register endpoint of %s: %w", s.instance, err)
	}
	log.Printf("[INFO] instance %s registered, pid %d, endpoint %s", s.instance, s.pid, endpoint)
	return nil
}

// Unregister removes pid and endpoint files of the local instance, if they are still ours
func (s *Store) Unregister() error {
	data, err := os.ReadFile(s.instancePath(s.instance, "pid"))
	if err != nil || strings.TrimSpace(string(data)) != strconv.FormatInt(s.pid, 10) {
		return nil // taken over by a restarted instance with the same name
	}
	if err := os.Remove(s.instancePath(s.instance, "pid")); err != nil {
		return fmt.Errorf("can't remove pid file: %w", err)
	}
	if err := os.Remove(s.instancePath(s.instance, "endpoint")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("can't remove endpoint file: %w", err)
	}
	return nil
}

// Endpoint returns registered endpoint of the instance
func (s *Store) Endpoint(instance string) (string, error) {
	data, err := os.ReadFile(s.instancePath(instance, "endpoint"))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrTransport, "no endpoint of instance "+instance)
	}
	return strings.TrimSpace(string(data)), nil
}

// Alive reports the instance runs with the pid: its pid file holds the pid and the process exists
func (s *Store) Alive(instance string, pid int64) bool {
	if instance == s.instance && pid == s.pid {
		return true
	}
	data, err := os.ReadFile(s.instancePath(instance, "pid"))
	if err != nil {
		return false
	}
	filePid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || filePid != pid {
		return false
	}
	return s.alive(pid)
}

// Local reports the session record is owned by the local instance
func (s *Store) Local(info SessionInfo) bool {
	return info.Instance == s.instance && info.PID == s.pid
}

// SaveSession writes session record
func (s *Store) SaveSession(info SessionInfo) error {
	if err := checkGUID(info.GUID); err != nil {
		return err
	}
	data, err := info.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cursorsDir(info.GUID), 0o750); err != nil {
		return fmt.Errorf("can't make session directory: %w", err)
	}
	return writeFile(s.sessionPath(info.GUID), data)
}

// LoadSession reads session record, ErrSession if there is no such session
func (s *Store) LoadSession(guid string) (SessionInfo, error) {
	if err := checkGUID(guid); err != nil {
		return SessionInfo{}, err
	}
	fname := s.sessionPath(guid)
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		if os.IsNotExist(err) {
			return SessionInfo{}, errors.Newf(errors.ErrSession, "no such session %s", guid)
		}
		return SessionInfo{}, fmt.Errorf("can't read session %s: %w", guid, err)
	}
	res := SessionInfo{GUID: guid}
	if err := res.UnmarshalBinary(data); err != nil {
		return SessionInfo{}, errors.Wrap(err, errors.ErrSession, "broken session record "+guid)
	}
	if st, err := os.Stat(fname); err == nil {
		res.Modified = st.ModTime()
	}
	return res, nil
}

// TouchSession sets mtime of the session record to now
func (s *Store) TouchSession(guid string) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(s.sessionPath(guid), now, now); err != nil {
		return fmt.Errorf("can't touch session %s: %w", guid, err)
	}
	return nil
}

// DeleteSession removes session record with its cursors and transaction
func (s *Store) DeleteSession(guid string) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(guid)); err != nil {
		return fmt.Errorf("can't remove session %s: %w", guid, err)
	}
	return nil
}

// SessionEntry is a listed session record
type SessionEntry struct {
	GUID     string
	Modified time.Time
}

// Sessions lists session records with their mtime, oldest first
func (s *Store) Sessions() ([]SessionEntry, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("can't list sessions: %w", err)
	}
	res := make([]SessionEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || checkGUID(e.Name()) != nil {
			continue
		}
		st, err := os.Stat(s.sessionPath(e.Name()))
		if err != nil {
			// directory without session record, left by an interrupted removal
			if dst, derr := e.Info(); derr == nil {
				res = append(res, SessionEntry{GUID: e.Name(), Modified: dst.ModTime()})
			}
			continue
		}
		res = append(res, SessionEntry{GUID: e.Name(), Modified: st.ModTime()})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Modified.Before(res[j].Modified) })
	return res, nil
}

// SaveCursor writes cursor record
func (s *Store) SaveCursor(info CursorInfo) error {
	if err := checkGUID(info.GUID); err != nil {
		return err
	}
	data, err := info.MarshalBinary()
	if err != nil {
		return err
	}
	if !fileutils.IsDir(s.sessionDir(info.SessionGUID)) {
		return errors.Newf(errors.ErrSession, "no such session %s", info.SessionGUID)
	}
	if err := os.MkdirAll(s.cursorsDir(info.SessionGUID), 0o750); err != nil {
		return fmt.Errorf("can't make cursors directory: %w", err)
	}
	return writeFile(s.cursorPath(info.SessionGUID, info.GUID), data)
}

// UpdateCursor rewrites position and page size of the cursor record in place
func (s *Store) UpdateCursor(sessionGUID, guid string, position int64, pageSize int32) error {
	if err := checkGUIDs(sessionGUID, guid); err != nil {
		return err
	}
	fh, err := os.OpenFile(s.cursorPath(sessionGUID, guid), os.O_WRONLY, 0) // nolint
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.ErrCursor, "no such cursor %s", guid)
		}
		return fmt.Errorf("can't open cursor %s: %w", guid, err)
	}
	hdr := make([]byte, cursorHeader)
	putCursorHeader(hdr, position, pageSize)
	if _, err := fh.WriteAt(hdr, 0); err != nil {
		_ = fh.Close()
		return fmt.Errorf("can't update cursor %s: %w", guid, err)
	}
	return fh.Close()
}

// LoadCursor reads cursor record, ErrCursor if there is no such cursor in the session
func (s *Store) LoadCursor(sessionGUID, guid string) (CursorInfo, error) {
	if err := checkGUIDs(sessionGUID, guid); err != nil {
		return CursorInfo{}, err
	}
	data, err := os.ReadFile(s.cursorPath(sessionGUID, guid))
	if err != nil {
		if os.IsNotExist(err) {
			return CursorInfo{}, errors.Newf(errors.ErrCursor, "no such cursor %s in session %s", guid, sessionGUID)
		}
		return CursorInfo{}, fmt.Errorf("can't read cursor %s: %w", guid, err)
	}
	res := CursorInfo{GUID: guid, SessionGUID: sessionGUID}
	if err := res.UnmarshalBinary(data); err != nil {
		return CursorInfo{}, errors.Wrap(err, errors.ErrCursor, "broken cursor record "+guid)
	}
	return res, nil
}

// DeleteCursor removes cursor record. Reports false if there was no record.
func (s *Store) DeleteCursor(sessionGUID, guid string) (bool, error) {
	if err := checkGUIDs(sessionGUID, guid); err != nil {
		return false, err
	}
	if err := os.Remove(s.cursorPath(sessionGUID, guid)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("can't remove cursor %s: %w", guid, err)
	}
	return true, nil
}

// Cursors lists cursor guids of the session
func (s *Store) Cursors(sessionGUID string) ([]string, error) {
	if err := checkGUID(sessionGUID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.cursorsDir(sessionGUID))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("can't list cursors of %s: %w", sessionGUID, err)
	}
	res := make([]string, 0, len(entries))
	for _, e := range entries {
		if checkGUID(e.Name()) == nil {
			res = append(res, e.Name())
		}
	}
	return res, nil
}

// SaveTransaction writes transaction record of the session, held by the local instance
func (s *Store) SaveTransaction(sessionGUID string) error {
	if err := checkGUID(sessionGUID); err != nil {
		return err
	}
	data, _ := TransactionInfo{Instance: s.instance, PID: s.pid}.MarshalText()
	return writeFile(s.transactionPath(sessionGUID), data)
}

// LoadTransaction reads transaction record, reports false if there is none
func (s *Store) LoadTransaction(sessionGUID string) (TransactionInfo, bool, error) {
	if err := checkGUID(sessionGUID); err != nil {
		return TransactionInfo{}, false, err
	}
	data, err := os.ReadFile(s.transactionPath(sessionGUID))
	if err != nil {
		if os.IsNotExist(err) {
			return TransactionInfo{}, false, nil
		}
		return TransactionInfo{}, false, fmt.Errorf("can't read transaction of %s: %w", sessionGUID, err)
	}
	var res TransactionInfo
	if err := res.UnmarshalText(data); err != nil {
		return TransactionInfo{}, false, err
	}
	return res, true, nil
}

// DeleteTransaction removes transaction record, no error if there is none
func (s *Store) DeleteTransaction(sessionGUID string) error {
	if err := checkGUID(sessionGUID); err != nil {
		return err
	}
	if err := os.Remove(s.transactionPath(sessionGUID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("can't remove transaction of %s: %w", sessionGUID, err)
	}
	return nil
}

// Reinstated is the result of a takeover attempt
type Reinstated struct {
	Info   SessionInfo // current record, owned by the winner
	OK     bool        // local instance owns the session
	LostTx bool        // previous owner had an open transaction, gone with it
}

// Reinstate makes the local instance owner of the session, if its owner is still the expected (dead) one.
// Runs under an exclusive lock file of the session, so two instances can't both take it over.
// If the record was taken over by a live instance meanwhile, it is returned with OK false and nothing changes.
// A transaction record of the previous owner is removed and reported as LostTx.
func (s *Store) Reinstate(ctx context.Context, expected SessionInfo) (Reinstated, error) {
	unlock, err := s.lock(ctx, expected.GUID)
	if err != nil {
		return Reinstated{}, err
	}
	defer unlock()

	cur, err := s.LoadSession(expected.GUID)
	if err != nil {
		return Reinstated{}, err
	}
	if s.Local(cur) {
		return Reinstated{Info: cur, OK: true}, nil // already ours
	}
	changed := cur.Instance != expected.Instance || cur.PID != expected.PID
	if changed && s.Alive(cur.Instance, cur.PID) {
		return Reinstated{Info: cur}, nil // lost the race, someone alive owns it
	}

	tx, lost, err := s.LoadTransaction(cur.GUID)
	if err != nil {
		log.Printf("[WARN] %v", err)
		lost = true // unreadable record still means a transaction was open
	}
	cur.Instance, cur.PID = s.instance, s.pid
	if err := s.SaveSession(cur); err != nil {
		return Reinstated{}, err
	}
	if lost {
		if err := s.DeleteTransaction(cur.GUID); err != nil {
			log.Printf("[WARN] %v", err)
		}
		log.Printf("[WARN] session %s lost transaction of %s/%d", cur.GUID, tx.Instance, tx.PID)
	}
	log.Printf("[INFO] session %s reinstated from %s/%d", cur.GUID, expected.Instance, expected.PID)
	return Reinstated{Info: cur, OK: true, LostTx: lost}, nil
}

// lock takes exclusive lock file of the session, waiting up to lockWait. A lock older than lockTTL
// is left by a crashed holder and broken.
func (s *Store) lock(ctx context.Context, guid string) (func(), error) {
	fname := filepath.Join(s.sessionDir(guid), ".reinstate")
	deadline := time.Now().Add(s.lockWait)
	for {
		fh, err := os.OpenFile(fname, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // nolint
		if err == nil {
			_, _ = fmt.Fprintf(fh, "%s %d", s.instance, s.pid)
			_ = fh.Close()
			return func() { _ = os.Remove(fname) }, nil
		}
		if !os.IsExist(err) {
			if os.IsNotExist(err) {
				return nil, errors.Newf(errors.ErrSession, "no such session %s", guid)
			}
			return nil, fmt.Errorf("can't lock session %s: %w", guid, err)
		}
		if st, serr := os.Stat(fname); serr == nil && time.Since(st.ModTime()) > s.lockTTL {
			log.Printf("[WARN] breaking stale lock of session %s", guid)
			_ = os.Remove(fname)
			continue
		}
		if time.Now().After(deadline) {
			return nil, errors.Newf(errors.ErrSession, "session %s is locked by another instance", guid)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Store) instancePath(instance, ext string) string {
	return filepath.Join(s.dir, "instances", instance+"."+ext)
}

func (s *Store) sessionDir(guid string) string { return filepath.Join(s.dir, "sessions", guid) }

func (s *Store) sessionPath(guid string) string { return filepath.Join(s.sessionDir(guid), "session") }

func (s *Store) transactionPath(guid string) string {
	return filepath.Join(s.sessionDir(guid), "transaction")
}

func (s *Store) cursorsDir(guid string) string { return filepath.Join(s.sessionDir(guid), "cursors") }

func (s *Store) cursorPath(sessionGUID, guid string) string {
	return filepath.Join(s.cursorsDir(sessionGUID), guid)
}

// checkGUID rejects anything but a uuid, ids are used as file names
func checkGUID(guid string) error {
	if _, err := uuid.Parse(guid); err != nil || len(guid) != 36 {
		return errors.Newf(errors.ErrValidation, "invalid id %q", guid)
	}
	return nil
}

func checkGUIDs(guids ...string) error {
	for _, g := range guids {
		if err := checkGUID(g); err != nil {
			return err
		}
	}
	return nil
}

// writeFile writes data to a temp file next to fname and renames it, readers never see a partial record
func writeFile(fname string, data []byte) error {
	tmp := fname + ".tmp" + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("can't write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, fname); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("can't rename %s: %w", tmp, err)
	}
	return nil
}
