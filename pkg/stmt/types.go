package stmt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/umputun/dbrelay/pkg/errors"
)

// SQLType is a sql type id with its canonical name. Ids follow the values used by java.sql.Types,
// as most client libraries talking to this service send those.
type SQLType struct {
	ID   int
	Name string
}

// well-known types
var (
	TypeOther     = SQLType{ID: 1111, Name: "OTHER"}
	TypeBit       = SQLType{ID: -7, Name: "BIT"}
	TypeBoolean   = SQLType{ID: 16, Name: "BOOLEAN"}
	TypeSmallInt  = SQLType{ID: 5, Name: "SMALLINT"}
	TypeInteger   = SQLType{ID: 4, Name: "INTEGER"}
	TypeBigInt    = SQLType{ID: -5, Name: "BIGINT"}
	TypeNumeric   = SQLType{ID: 2, Name: "NUMERIC"}
	TypeDecimal   = SQLType{ID: 3, Name: "DECIMAL"}
	TypeReal      = SQLType{ID: 7, Name: "REAL"}
	TypeFloat     = SQLType{ID: 6, Name: "FLOAT"}
	TypeDouble    = SQLType{ID: 8, Name: "DOUBLE"}
	TypeChar      = SQLType{ID: 1, Name: "CHAR"}
	TypeVarchar   = SQLType{ID: 12, Name: "VARCHAR"}
	TypeClob      = SQLType{ID: 2005, Name: "CLOB"}
	TypeDate      = SQLType{ID: 91, Name: "DATE"}
	TypeTime      = SQLType{ID: 92, Name: "TIME"}
	TypeTimestamp = SQLType{ID: 93, Name: "TIMESTAMP"}
	TypeBlob      = SQLType{ID: 2004, Name: "BLOB"}
	TypeNull      = SQLType{ID: 0, Name: "NULL"}
)

// CanonicalTime is the layout used to render date/time values in responses and records
const CanonicalTime = "2006-01-02T15:04:05"

var catalog = struct {
	sync.RWMutex
	byName map[string]SQLType
}{byName: map[string]SQLType{}}

func init() {
	for _, t := range []SQLType{TypeOther, TypeBit, TypeBoolean, TypeSmallInt, TypeInteger, TypeBigInt,
		TypeNumeric, TypeDecimal, TypeReal, TypeFloat, TypeDouble, TypeChar, TypeVarchar, TypeClob,
		TypeDate, TypeTime, TypeTimestamp, TypeBlob, TypeNull} {
		catalog.byName[t.Name] = t
	}
	// names reported by drivers for the same types
	aliases := map[string]string{"INT": "INTEGER", "TINYINT": "SMALLINT", "INT4": "INTEGER", "INT8": "BIGINT",
		"INT2": "SMALLINT", "TEXT": "VARCHAR", "NVARCHAR": "VARCHAR", "NCHAR": "CHAR", "STRING": "VARCHAR",
		"BPCHAR": "CHAR", "FLOAT8": "DOUBLE", "FLOAT4": "REAL", "BOOL": "BOOLEAN", "DATETIME": "TIMESTAMP",
		"TIMESTAMPTZ": "TIMESTAMP", "DATETIME2": "TIMESTAMP", "BYTEA": "BLOB", "VARBINARY": "BLOB",
		"NUMBER": "NUMERIC", "MONEY": "DECIMAL", "DOUBLE PRECISION": "DOUBLE", "CHARACTER VARYING": "VARCHAR",
		"TIMESTAMP WITHOUT TIME ZONE": "TIMESTAMP", "TIMESTAMP WITH TIME ZONE": "TIMESTAMP"}
	for alias, name := range aliases {
		catalog.byName[alias] = catalog.byName[name]
	}
}

// RegisterAlias maps an additional type name to a known type, used for driver specific names
// declared in type_aliases of the configuration.
func RegisterAlias(alias, name string) error {
	catalog.Lock()
	defer catalog.Unlock()
	t, ok := catalog.byName[strings.ToUpper(name)]
	if !ok {
		return errors.Newf(errors.ErrConfig, "can't alias %q to unknown type %q", alias, name)
	}
	catalog.byName[strings.ToUpper(alias)] = t
	return nil
}

// TypeByName returns type for the name, case-insensitive. Empty name is TypeOther.
func TypeByName(name string) (SQLType, error) {
	if name == "" {
		return TypeOther, nil
	}
	catalog.RLock()
	defer catalog.RUnlock()
	key := strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(key, '('); i > 0 { // VARCHAR(255), DECIMAL(10,2)
		key = strings.TrimSpace(key[:i])
	}
	if t, ok := catalog.byName[key]; ok {
		return t, nil
	}
	return TypeOther, errors.Newf(errors.ErrValidation, "unknown sql type %q", name)
}

// TypeOf returns the type for a driver reported database type name, TypeOther for unknown names
func TypeOf(dbTypeName string) SQLType {
	t, err := TypeByName(dbTypeName)
	if err != nil {
		return SQLType{ID: TypeOther.ID, Name: strings.ToUpper(dbTypeName)}
	}
	return t
}

// IsDate reports date, time and timestamp types
func (t SQLType) IsDate() bool {
	return t.ID == TypeDate.ID || t.ID == TypeTime.ID || t.ID == TypeTimestamp.ID
}

func (t SQLType) String() string { return t.Name }

// Convert coerces a decoded json value to the go value expected by drivers for this type.
// nil stays nil for every type.
func (t SQLType) Convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.ID {
	case TypeSmallInt.ID, TypeInteger.ID, TypeBigInt.ID:
		return toInt(v)
	case TypeNumeric.ID, TypeDecimal.ID, TypeReal.ID, TypeFloat.ID, TypeDouble.ID:
		return toNumber(v)
	case TypeBoolean.ID, TypeBit.ID:
		return toBool(v)
	case TypeChar.ID, TypeVarchar.ID, TypeClob.ID:
		return toString(v), nil
	case TypeDate.ID, TypeTime.ID, TypeTimestamp.ID:
		return ParseTime(v)
	case TypeBlob.ID:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		return []byte(toString(v)), nil
	}
	if n, ok := v.(json.Number); ok { // untyped numbers from the request decoder
		return toNumber(n)
	}
	return v, nil
}

// time layouts accepted from clients, most specific first
var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", CanonicalTime,
	"2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02", "15:04:05"}

// ParseTime converts strings in any of the accepted layouts, unix seconds or time.Time
func ParseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, strings.TrimSpace(x), time.UTC); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, errors.Newf(errors.ErrValidation, "can't parse time %q", x)
	}
	n, err := toInt(v)
	if err != nil {
		return time.Time{}, errors.Newf(errors.ErrValidation, "can't convert %v to time", v)
	}
	return time.Unix(n, 0).UTC(), nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, errors.Newf(errors.ErrValidation, "can't convert %q to integer", x.String())
		}
		return int64(f), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, errors.Newf(errors.ErrValidation, "can't convert %q to integer", x)
		}
		return n, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Newf(errors.ErrValidation, "can't convert %T to integer", v)
}

func toNumber(v any) (any, error) {
	switch x := v.(type) {
	case int, int32, int64:
		return toInt(x)
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, errors.Newf(errors.ErrValidation, "can't convert %q to number", x.String())
		}
		return f, nil
	case string:
		return toNumber(json.Number(strings.TrimSpace(x)))
	}
	return nil, errors.Newf(errors.ErrValidation, "can't convert %T to number", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, errors.Newf(errors.ErrValidation, "can't convert %q to boolean", x)
		}
		return b, nil
	}
	n, err := toInt(v)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(CanonicalTime)
	}
	return fmt.Sprintf("%v", v)
}
