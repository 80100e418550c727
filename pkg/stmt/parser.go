// Package stmt implements sql fragments with named bind values. Templates use ":name" markers for
// parameters and "&name" markers for literals rendered into the sql text. Parse converts a template
// into a fragment with '?' placeholders; nothing else of the sql grammar is interpreted.
package stmt

import (
	"strings"
)

// Parse scans a sql template for bind markers. A marker starts at ':' or '&' when the previous
// character is neither a word character nor another marker sigil, and its name is the following
// run of [A-Za-z0-9_], lower-cased. Markers are replaced with '?', text in quotes is copied as is.
func Parse(template string) *SQLPart {
	var sb strings.Builder
	sb.Grow(len(template))
	res := &SQLPart{}

	var quote byte
	for i := 0; i < len(template); i++ {
		c := template[i]
		if quote != 0 {
			sb.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			sb.WriteByte(c)
			continue
		}
		if !isSigil(c) || (i > 0 && (isWordChar(template[i-1]) || isSigil(template[i-1]))) {
			sb.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(template) && isWordChar(template[j]) {
			j++
		}
		if j == i+1 { // sigil without name, "a := b" or "x && y"
			sb.WriteByte(c)
			continue
		}
		res.Binds = append(res.Binds, BindValue{
			Position: sb.Len(),
			Name:     strings.ToLower(template[i+1 : j]),
			Type:     TypeOther,
			Literal:  c == '&',
		})
		sb.WriteByte('?')
		i = j - 1
	}
	res.Snippet = sb.String()
	return res
}

func isSigil(c byte) bool { return c == ':' || c == '&' }

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
