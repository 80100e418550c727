package request

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/pool"
	"github.com/umputun/dbrelay/pkg/session"
	"github.com/umputun/dbrelay/pkg/source"
)

// Forwarder relays a request envelope to another instance
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, body []byte) ([]byte, error)
}

// Handler serves request envelopes
type Handler struct {
	Sources   *source.Registry
	Sessions  *session.Manager
	Pool      *pool.Pool
	Forwarder Forwarder
	PageSize  int // default page size of cursors
}

// Outcome describes a served request, for metrics
type Outcome struct {
	Type      string
	Verb      string
	Success   bool
	Forwarded bool
	Code      errors.Code
}

type verbFunc func(ctx context.Context, h *Handler, c Call, s *session.Session) (Response, error)

type verb struct {
	fn        verbFunc
	anonymous bool // served without a session
}

// requestTypes maps lower-cased request type to its verbs
var requestTypes = map[string]map[string]verb{
	"session": {
		"connect":    {fn: connect, anonymous: true},
		"disconnect": {fn: disconnect},
		"keepalive":  {fn: keepalive},
		"commit":     {fn: commit},
		"rollback":   {fn: rollback},
	},
	"table": {
		"describe": {fn: tableDescribe},
		"select":   {fn: tableSelect},
		"insert":   {fn: tableInsert},
		"update":   {fn: tableUpdate},
		"delete":   {fn: tableDelete},
	},
	"sqlstatement": sqlVerbs,
	"sql":          sqlVerbs,
	"cursor": {
		"fetch": {fn: cursorFetch},
		"close": {fn: cursorClose},
	},
	"function": {
		"execute": {fn: functionExecute},
	},
}

var sqlVerbs = map[string]verb{
	"select":  {fn: sqlStatement},
	"insert":  {fn: sqlStatement},
	"update":  {fn: sqlStatement},
	"delete":  {fn: sqlStatement},
	"execute": {fn: sqlStatement},
}

func lookup(c Call) (verb, error) {
	verbs, ok := requestTypes[strings.ToLower(c.Type)]
	if !ok {
		return verb{}, errors.Newf(errors.ErrUnknownRequestType, "unknown request type %q", c.Type)
	}
	v, ok := verbs[c.Verb]
	if !ok {
		return verb{}, errors.Newf(errors.ErrValidation, "unknown verb %s() of %s", c.Verb, c.Type)
	}
	return v, nil
}

// Handle serves the request envelope and returns the response envelope. A request on a session owned
// by another live instance is forwarded there and its response returned verbatim, unless the request
// was forwarded already. If forwarding fails the session is taken over and the request served here.
func (h *Handler) Handle(ctx context.Context, data []byte, forwarded bool) ([]byte, Outcome) {
	c, err := Decode(data)
	if err != nil {
		return h.reply(failure("", err), Outcome{})
	}
	out := Outcome{Type: c.Type, Verb: c.Verb}
	v, err := lookup(c)
	if err != nil {
		return h.reply(failure(c.Method(), err), out)
	}
	if v.anonymous {
		return h.serve(ctx, v, c, nil, out)
	}
	if c.Session == "" {
		return h.reply(failure(c.Method(), errors.New(errors.ErrSession, "missing session")), out)
	}

	route, err := h.Sessions.Resolve(ctx, c.Session, forwarded)
	if err != nil {
		return h.reply(failure(c.Method(), err), out)
	}
	if !route.Local() {
		body, ferr := h.forward(ctx, route, data)
		if ferr == nil {
			out.Forwarded, out.Success = true, succeeded(body)
			return body, out
		}
		log.Printf("[WARN] session %s, %v, taking it over", c.Session, ferr)
		s, terr := h.Sessions.Takeover(ctx, c.Session)
		if terr != nil {
			return h.reply(failure(c.Method(), terr), out)
		}
		route.Session = s
	}
	defer route.Session.Down()
	return h.serve(ctx, v, c, route.Session, out)
}

func (h *Handler) forward(ctx context.Context, route session.Route, data []byte) ([]byte, error) {
	if h.Forwarder == nil {
		return nil, errors.Newf(errors.ErrTransport, "no forwarder to reach %s", route.Owner)
	}
	log.Printf("[DEBUG] forwarding to %s at %s", route.Owner, route.Endpoint)
	return h.Forwarder.Forward(ctx, route.Endpoint, data)
}

func (h *Handler) serve(ctx context.Context, v verb, c Call, s *session.Session, out Outcome) ([]byte, Outcome) {
	resp, err := v.fn(ctx, h, c, s)
	if err != nil {
		log.Printf("[DEBUG] %s %s failed: %v", c.Type, c.Method(), err)
		return h.reply(failure(c.Method(), err), out)
	}
	resp.Success, resp.Method = true, c.Method()
	if resp.Session == "" && s != nil {
		resp.Session = s.GUID
	}
	return h.reply(resp, out)
}

func (h *Handler) reply(resp Response, out Outcome) ([]byte, Outcome) {
	out.Success, out.Code = resp.Success, resp.Code
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[WARN] can't encode response: %v", err)
		fail := failure(resp.Method, errors.Wrap(err, errors.ErrExecution, "can't encode response"))
		data, _ = json.Marshal(fail)
		out.Success, out.Code = false, fail.Code
	}
	return data, out
}

// succeeded reads success flag of a relayed response
func succeeded(body []byte) bool {
	var r struct {
		Success bool `json:"success"`
	}
	return json.Unmarshal(body, &r) == nil && r.Success
}

func (h *Handler) pageSize(n int) int {
	if n != 0 {
		return n
	}
	return h.PageSize
}
