package stmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/umputun/dbrelay/pkg/errors"
)

// Direction of a bind value
type Direction int

// bind directions
const (
	In Direction = iota
	Out
	InOut
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "out"
	case InOut:
		return "inout"
	}
	return "in"
}

// ParseDirection converts "in", "out" or "inout", empty is In
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "in":
		return In, nil
	case "out":
		return Out, nil
	case "inout", "in/out", "in out":
		return InOut, nil
	}
	return In, errors.Newf(errors.ErrValidation, "unknown bind direction %q", s)
}

// BindValue is a named, typed placeholder of a sql fragment.
// Position is the byte offset of the placeholder in the owning fragment's snippet.
type BindValue struct {
	Position  int
	Name      string
	Type      SQLType
	Value     any
	Direction Direction
	Literal   bool // rendered into the snippet instead of passed as a parameter
	bound     bool
}

// NewBind makes an input bind value with a set value
func NewBind(name string, typ SQLType, value any) BindValue {
	return BindValue{Name: strings.ToLower(name), Type: typ, Value: value, bound: true}
}

// Bound reports if the value was set, nil is a valid bound value
func (b BindValue) Bound() bool { return b.bound || b.Value != nil }

// Render returns the value as a sql literal. Strings are single-quoted with embedded quotes doubled.
func (b BindValue) Render() string {
	return RenderLiteral(b.Value)
}

// RenderLiteral converts a go value to a sql literal
func RenderLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case float32, float64:
		return fmt.Sprintf("%g", x)
	case json.Number:
		return x.String()
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(x), "'", "''") + "'"
	case time.Time:
		return "'" + x.Format("2006-01-02 15:04:05") + "'"
	}
	return "'" + strings.ReplaceAll(fmt.Sprintf("%v", v), "'", "''") + "'"
}

// wireBind is the json shape of a bind value, used in requests and cursor records
type wireBind struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Value     any    `json:"value"`
	Direction string `json:"direction,omitempty"`
	Literal   bool   `json:"literal,omitempty"`
	Position  int    `json:"position,omitempty"`
}

// MarshalJSON encodes bind value with type name, time values in canonical form
func (b BindValue) MarshalJSON() ([]byte, error) {
	w := wireBind{Name: b.Name, Type: b.Type.Name, Value: b.Value, Literal: b.Literal, Position: b.Position}
	if b.Direction != In {
		w.Direction = b.Direction.String()
	}
	if ts, ok := b.Value.(time.Time); ok {
		w.Value = ts.Format(time.RFC3339Nano)
	}
	if bb, ok := b.Value.([]byte); ok {
		w.Value = string(bb)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes bind value and converts its value according to the declared type
func (b *BindValue) UnmarshalJSON(data []byte) error {
	var w wireBind
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return errors.Wrap(err, errors.ErrValidation, "can't decode bind value")
	}
	if w.Name == "" {
		return errors.New(errors.ErrValidation, "bind value without name")
	}
	typ, err := TypeByName(w.Type)
	if err != nil {
		return err
	}
	dir, err := ParseDirection(w.Direction)
	if err != nil {
		return err
	}
	val, err := typ.Convert(w.Value)
	if err != nil {
		return fmt.Errorf("bind value %q: %w", w.Name, err)
	}
	*b = BindValue{Name: strings.ToLower(w.Name), Type: typ, Value: val, Direction: dir,
		Literal: w.Literal, Position: w.Position, bound: true}
	return nil
}
