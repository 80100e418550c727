// Package state keeps durable session, cursor and transaction records in a directory shared by
// all instances of the cluster, and the registry of live instances (pid and endpoint files).
// Any instance can read the records to find the owner of a session or to take it over.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/umputun/dbrelay/pkg/stmt"
)

// SessionInfo is the durable part of a session
type SessionInfo struct {
	GUID     string
	Instance string // owner instance name
	PID      int64  // owner process id
	Stateful bool
	User     string
	Modified time.Time // record mtime, set on load
}

const sessionHeader = 10 // name length, stateful flag, 8 bytes pid

// MarshalBinary encodes session record: instance name length, stateful flag, pid (big-endian),
// instance name and user name
func (s SessionInfo) MarshalBinary() ([]byte, error) {
	if len(s.Instance) == 0 || len(s.Instance) > 255 {
		return nil, fmt.Errorf("invalid instance name length %d", len(s.Instance))
	}
	res := make([]byte, sessionHeader, sessionHeader+len(s.Instance)+len(s.User))
	res[0] = byte(len(s.Instance))
	if s.Stateful {
		res[1] = 1
	}
	binary.BigEndian.PutUint64(res[2:10], uint64(s.PID)) // nolint:gosec // pid is never negative
	res = append(res, s.Instance...)
	res = append(res, s.User...)
	return res, nil
}

// UnmarshalBinary decodes session record
func (s *SessionInfo) UnmarshalBinary(data []byte) error {
	if len(data) < sessionHeader {
		return fmt.Errorf("session record too short, %d bytes", len(data))
	}
	n := int(data[0])
	if len(data) < sessionHeader+n {
		return fmt.Errorf("session record truncated, %d bytes, instance name %d", len(data), n)
	}
	s.Stateful = data[1] == 1
	s.PID = int64(binary.BigEndian.Uint64(data[2:10])) // nolint:gosec // written from a non-negative pid
	s.Instance = string(data[sessionHeader : sessionHeader+n])
	s.User = string(data[sessionHeader+n:])
	return nil
}

// CursorInfo is the durable part of a cursor
type CursorInfo struct {
	GUID        string
	SessionGUID string
	Position    int64
	PageSize    int32
	SQL         string
	Binds       []stmt.BindValue
}

const cursorHeader = 12 // 8 bytes position, 4 bytes page size

type cursorPayload struct {
	SQL   string           `json:"sql"`
	Binds []stmt.BindValue `json:"bindvalues"`
}

// MarshalBinary encodes cursor record: position and page size (big-endian) followed by json with sql and binds
func (c CursorInfo) MarshalBinary() ([]byte, error) {
	payload, err := json.Marshal(cursorPayload{SQL: c.SQL, Binds: c.Binds})
	if err != nil {
		return nil, fmt.Errorf("can't marshal cursor payload: %w", err)
	}
	res := make([]byte, cursorHeader, cursorHeader+len(payload))
	putCursorHeader(res, c.Position, c.PageSize)
	return append(res, payload...), nil
}

// UnmarshalBinary decodes cursor record
func (c *CursorInfo) UnmarshalBinary(data []byte) error {
	if len(data) < cursorHeader {
		return fmt.Errorf("cursor record too short, %d bytes", len(data))
	}
	c.Position = int64(binary.BigEndian.Uint64(data[0:8]))   // nolint:gosec // written from a non-negative position
	c.PageSize = int32(binary.BigEndian.Uint32(data[8:12])) // nolint:gosec // round trip of int32
	var p cursorPayload
	if err := json.Unmarshal(data[cursorHeader:], &p); err != nil {
		return fmt.Errorf("can't unmarshal cursor payload: %w", err)
	}
	c.SQL, c.Binds = p.SQL, p.Binds
	return nil
}

func putCursorHeader(b []byte, position int64, pageSize int32) {
	binary.BigEndian.PutUint64(b[0:8], uint64(position)) // nolint:gosec // position is never negative
	binary.BigEndian.PutUint32(b[8:12], uint32(pageSize)) // nolint:gosec // round trip of int32
}

// TransactionInfo marks an open transaction of a stateful session, with the instance holding it
type TransactionInfo struct {
	Instance string
	PID      int64
}

// MarshalText encodes transaction record as "<instance> <pid>"
func (t TransactionInfo) MarshalText() ([]byte, error) {
	return []byte(t.Instance + " " + strconv.FormatInt(t.PID, 10)), nil
}

// UnmarshalText decodes transaction record
func (t *TransactionInfo) UnmarshalText(data []byte) error {
	elems := strings.Fields(string(data))
	if len(elems) != 2 {
		return fmt.Errorf("invalid transaction record %q", string(data))
	}
	pid, err := strconv.ParseInt(elems[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid pid in transaction record %q: %w", string(data), err)
	}
	t.Instance, t.PID = elems[0], pid
	return nil
}
