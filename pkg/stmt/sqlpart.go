package stmt

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/umputun/dbrelay/pkg/errors"
)

// SQLPart is a sql snippet with its ordered bind values. Every bind, literal or not,
// owns exactly one '?' placeholder of the snippet, in order; BindByValue removes literal ones.
type SQLPart struct {
	Snippet string
	Binds   []BindValue
}

// NewPart makes a fragment from a snippet already using '?' placeholders.
// Bind positions are computed from the snippet.
func NewPart(snippet string, binds ...BindValue) *SQLPart {
	res := &SQLPart{Snippet: snippet, Binds: append([]BindValue(nil), binds...)}
	res.reposition()
	return res
}

// Append adds other fragment's snippet and binds to the end of this one
func (p *SQLPart) Append(other *SQLPart) *SQLPart {
	if other == nil {
		return p
	}
	shift := len(p.Snippet)
	p.Snippet += other.Snippet
	for _, b := range other.Binds {
		b.Position += shift
		p.Binds = append(p.Binds, b)
	}
	return p
}

// AppendSQL adds plain sql text without binds
func (p *SQLPart) AppendSQL(s string) *SQLPart {
	p.Snippet += s
	return p
}

// Wrap surrounds the snippet with prefix and suffix, shifting bind positions
func (p *SQLPart) Wrap(prefix, suffix string) *SQLPart {
	p.Snippet = prefix + p.Snippet + suffix
	for i := range p.Binds {
		p.Binds[i].Position += len(prefix)
	}
	return p
}

// Clone makes an independent deep copy
func (p *SQLPart) Clone() *SQLPart {
	res := &SQLPart{Snippet: p.Snippet, Binds: make([]BindValue, len(p.Binds))}
	for i, b := range p.Binds {
		if bb, ok := b.Value.([]byte); ok {
			b.Value = append([]byte(nil), bb...)
		}
		res.Binds[i] = b
	}
	return res
}

// Empty reports fragment without sql text
func (p *SQLPart) Empty() bool { return p == nil || strings.TrimSpace(p.Snippet) == "" }

// Bind sets value of every bind with the name, case-insensitive. Returns false if there is no such bind.
func (p *SQLPart) Bind(name string, value any) bool {
	found := false
	for i := range p.Binds {
		if strings.EqualFold(p.Binds[i].Name, name) {
			p.Binds[i].Value, p.Binds[i].bound = value, true
			found = true
		}
	}
	return found
}

// BindValue replaces bind attributes (type, value, direction) by name, keeping the position and literal flag.
// Value is converted to the type.
func (p *SQLPart) BindValue(bv BindValue) (bool, error) {
	found := false
	for i := range p.Binds {
		if !strings.EqualFold(p.Binds[i].Name, bv.Name) {
			continue
		}
		val, err := bv.Type.Convert(bv.Value)
		if err != nil {
			return false, fmt.Errorf("bind value %q: %w", bv.Name, err)
		}
		p.Binds[i].Type, p.Binds[i].Value, p.Binds[i].Direction, p.Binds[i].bound = bv.Type, val, bv.Direction, true
		found = true
	}
	return found, nil
}

// Names returns distinct bind names in order of appearance
func (p *SQLPart) Names() []string {
	seen := map[string]bool{}
	res := []string{}
	for _, b := range p.Binds {
		if !seen[b.Name] {
			seen[b.Name] = true
			res = append(res, b.Name)
		}
	}
	return res
}

// BindByValue inlines literal binds: each literal placeholder is replaced with the rendered value
// and the bind removed from the list. Positions of following binds are shifted.
func (p *SQLPart) BindByValue() {
	var sb strings.Builder
	binds := make([]BindValue, 0, len(p.Binds))
	last := 0
	for _, b := range p.Binds {
		if !b.Literal {
			b.Position = sb.Len() + (b.Position - last)
			binds = append(binds, b)
			continue
		}
		sb.WriteString(p.Snippet[last:b.Position])
		sb.WriteString(b.Render())
		last = b.Position + 1 // skip '?'
	}
	sb.WriteString(p.Snippet[last:])
	p.Snippet = sb.String()
	p.Binds = binds
}

// Validate checks every input bind has a value
func (p *SQLPart) Validate() error {
	var missing []string
	for _, b := range p.Binds {
		if b.Direction != Out && !b.Bound() {
			missing = append(missing, b.Name)
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrValidation, "missing bind values: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Args returns driver arguments for non-literal binds in order. Out and in/out binds
// are passed as sql.Out pointing at the bind value, so OutValues reads them after execution.
func (p *SQLPart) Args() []any {
	res := make([]any, 0, len(p.Binds))
	for i := range p.Binds {
		b := &p.Binds[i]
		if b.Literal {
			continue
		}
		switch b.Direction {
		case Out:
			res = append(res, sql.Out{Dest: &b.Value})
		case InOut:
			res = append(res, sql.Out{Dest: &b.Value, In: true})
		default:
			res = append(res, b.Value)
		}
	}
	return res
}

// OutValues returns values of out and in/out binds by name
func (p *SQLPart) OutValues() map[string]any {
	res := map[string]any{}
	for _, b := range p.Binds {
		if b.Direction != In {
			res[b.Name] = b.Value
		}
	}
	return res
}

func (p *SQLPart) String() string {
	vals := make([]string, 0, len(p.Binds))
	for _, b := range p.Binds {
		vals = append(vals, fmt.Sprintf("%s=%v", b.Name, b.Value))
	}
	return fmt.Sprintf("%s [%s]", p.Snippet, strings.Join(vals, ", "))
}

// reposition sets bind positions from '?' placeholders outside of quoted text
func (p *SQLPart) reposition() {
	idx := 0
	scan(p.Snippet, func(i int, c byte) bool {
		if c == '?' && idx < len(p.Binds) {
			p.Binds[idx].Position = i
			idx++
		}
		return true
	})
}

// Placeholders counts '?' outside of quoted text
func Placeholders(s string) int {
	n := 0
	scan(s, func(_ int, c byte) bool {
		if c == '?' {
			n++
		}
		return true
	})
	return n
}

// scan calls fn for every byte outside of single or double quoted text
func scan(s string, fn func(i int, c byte) bool) {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if !fn(i, c) {
			return
		}
	}
}
