package patch

import (
	"strconv"
	"strings"

	"github.com/wilhg/designsync/pkg/errmodel"
)

// Pointer is a parsed JSON Pointer (RFC 6901). The empty pointer addresses
// the document root.
type Pointer []string

// ParsePointer parses s; the root is "".
func ParsePointer(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, errmodel.MalformedPatch("pointer must start with '/'", map[string]any{"path": s})
	}
	parts := strings.Split(s[1:], "/")
	for i, p := range parts {
		if strings.Contains(strings.ReplaceAll(strings.ReplaceAll(p, "~0", ""), "~1", ""), "~") {
			return nil, errmodel.MalformedPatch("invalid escape in pointer", map[string]any{"path": s})
		}
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return Pointer(parts), nil
}

// String renders the pointer with RFC 6901 escaping.
func (p Pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, tok := range p {
		b.WriteByte('/')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(tok, "~", "~0"), "/", "~1"))
	}
	return b.String()
}

// Append returns a new pointer extended by tok.
func (p Pointer) Append(tok string) Pointer {
	out := make(Pointer, len(p), len(p)+1)
	copy(out, p)
	return append(out, tok)
}

// AppendIndex returns a new pointer extended by an array index.
func (p Pointer) AppendIndex(i int) Pointer { return p.Append(strconv.Itoa(i)) }

// hasPrefix reports whether q is p or a descendant of p.
func (p Pointer) hasPrefix(q Pointer) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// arrayIndex parses an array token. "-" is accepted only when allowEnd is set
// and resolves to length.
func arrayIndex(tok string, length int, allowEnd bool) (int, bool) {
	if tok == "-" {
		return length, allowEnd
	}
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, false
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(tok)
	if err != nil {
		return 0, false
	}
	limit := length - 1
	if allowEnd {
		limit = length
	}
	if i > limit {
		return 0, false
	}
	return i, true
}
