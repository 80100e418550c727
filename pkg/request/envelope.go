// Package request decodes request envelopes, dispatches them to request type handlers and makes
// response envelopes. A request is {"<Type>": {"<verb>()": {...}, "source": ..., "session": ...}}.
package request

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// Call is a decoded request
type Call struct {
	Type string          // request type, as registered
	Verb string          // verb without parentheses
	Args json.RawMessage // verb arguments
	Body
}

// Body holds request fields shared by all types
type Body struct {
	Source   string            `json:"source"`
	Session  string            `json:"session"`
	Cursor   string            `json:"cursor"`
	Binds    []stmt.BindValue  `json:"bindvalues"`
	Filters  []json.RawMessage `json:"filters"`
	PageSize int               `json:"pagesize"`
}

// Method returns verb as it is shown in responses
func (c Call) Method() string {
	if c.Verb == "" {
		return ""
	}
	return c.Verb + "()"
}

// Decode parses request envelope. The envelope has a single request type key, its object has a single
// "<verb>()" key with verb arguments.
func Decode(data []byte) (Call, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return Call{}, errors.Wrap(err, errors.ErrValidation, "can't decode request")
	}
	if len(env) != 1 {
		return Call{}, errors.Newf(errors.ErrValidation, "request must have a single type, got %d", len(env))
	}
	var res Call
	var raw json.RawMessage
	for k, v := range env {
		res.Type, raw = k, v
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Call{}, errors.Wrap(err, errors.ErrValidation, "can't decode "+res.Type+" request")
	}
	for k, v := range fields {
		if !strings.HasSuffix(k, "()") {
			continue
		}
		if res.Verb != "" {
			return Call{}, errors.Newf(errors.ErrValidation, "request has more than one verb: %s(), %s", res.Verb, k)
		}
		res.Verb, res.Args = strings.ToLower(strings.TrimSuffix(k, "()")), v
	}
	if res.Verb == "" {
		return Call{}, errors.Newf(errors.ErrValidation, "%s request has no verb", res.Type)
	}
	if err := json.Unmarshal(raw, &res.Body); err != nil {
		return Call{}, errors.Wrap(err, errors.ErrValidation, "can't decode "+res.Type+" request")
	}
	return res, nil
}

// decodeArgs decodes verb arguments, numbers kept as int64 or float64. Empty or null arguments are ok.
func decodeArgs(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 || string(bytes.TrimSpace(args)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrValidation, "can't decode arguments")
	}
	return nil
}

// normalize converts json numbers of decoded values to int64 or float64
func normalize(values map[string]any) map[string]any {
	res := make(map[string]any, len(values))
	for k, v := range values {
		res[k] = number(v)
	}
	return res
}

func number(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// Response is the response envelope
type Response struct {
	Success    bool           `json:"success"`
	Method     string         `json:"method,omitempty"`
	Session    string         `json:"session,omitempty"`
	Rows       any            `json:"rows,omitempty"`
	More       bool           `json:"more"`
	Cursor     string         `json:"cursor,omitempty"`
	Columns    any            `json:"columns,omitempty"`
	PrimaryKey []string       `json:"primarykey,omitempty"`
	Count      *int64         `json:"count,omitempty"`
	OutBinds   map[string]any `json:"outbinds,omitempty"`
	Message    string         `json:"message,omitempty"`
	Code       errors.Code    `json:"code,omitempty"`
}

// failure makes response for the error
func failure(method string, err error) Response {
	return Response{Success: false, Method: method, Message: err.Error(), Code: errors.CodeOf(err)}
}
