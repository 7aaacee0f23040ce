package sigma

import (
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// Kind phân loại Value.
type Kind int

const (
	KindLiteral Kind = iota
	KindWildcard
	KindRegex
	KindNumber
	KindBool
	KindNull
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindWildcard:
		return "wildcard"
	case KindRegex:
		return "regex"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	case KindList:
		return "list"
	}
	return "unknown"
}

// Value is the tagged union carried by a FieldMatch.
//
// Literal holds unescaped text. Wildcard holds a pattern in canonical form:
// '*' and '?' are wildcards, and a literal '*', '?' or '\' is written with a
// leading backslash. Lists never nest.
type Value struct {
	Kind  Kind
	Str   string
	Num   float64
	IsInt bool
	Bool  bool
	Items []Value
}

func Literal(s string) Value  { return Value{Kind: KindLiteral, Str: s} }
func Regex(s string) Value    { return Value{Kind: KindRegex, Str: s} }
func Bool(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Null() Value             { return Value{Kind: KindNull} }
func Int(i int64) Value       { return Value{Kind: KindNumber, Num: float64(i), IsInt: true} }
func Float(f float64) Value   { return Value{Kind: KindNumber, Num: f} }
func Wildcard(p string) Value { return Value{Kind: KindWildcard, Str: p} }

// ListOf builds a list value, flattening nested lists.
func ListOf(items ...Value) Value {
	out := make([]Value, 0, len(items))
	for _, it := range items {
		if it.Kind == KindList {
			out = append(out, it.Items...)
			continue
		}
		out = append(out, it)
	}
	return Value{Kind: KindList, Items: out}
}

// ParseString turns a rule string into a Literal or, when it carries an
// unescaped '*' or '?', a Wildcard. "\*", "\?" and "\\" are escapes; any
// other backslash is kept as-is.
func ParseString(s string) Value {
	var (
		b    strings.Builder
		wild bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 < len(s) && (s[i+1] == '*' || s[i+1] == '?' || s[i+1] == '\\') {
				b.WriteByte('\\')
				b.WriteByte(s[i+1])
				i++
				continue
			}
			b.WriteString(`\\`)
		case '*', '?':
			wild = true
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	if !wild {
		return Literal(unescapePattern(b.String()))
	}
	return Wildcard(b.String())
}

// Segment là một mảnh của chuỗi: text thường, hoặc một wildcard ('*' / '?').
type Segment struct {
	Text string
	Wild byte
}

// Segments splits a Literal or Wildcard into text and wildcard pieces.
// Adjacent text is merged.
func (v Value) Segments() []Segment {
	switch v.Kind {
	case KindLiteral:
		if v.Str == "" {
			return nil
		}
		return []Segment{{Text: v.Str}}
	case KindWildcard:
	default:
		return nil
	}
	var (
		out []Segment
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, Segment{Text: cur.String()})
			cur.Reset()
		}
	}
	p := v.Str
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '\\' && i+1 < len(p):
			cur.WriteByte(p[i+1])
			i++
		case c == '*' || c == '?':
			flush()
			out = append(out, Segment{Wild: c})
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// FromSegments rebuilds a value from segments; without wildcards it is a Literal.
func FromSegments(segs []Segment) Value {
	var (
		b    strings.Builder
		wild bool
	)
	for _, s := range segs {
		if s.Wild != 0 {
			wild = true
			b.WriteByte(s.Wild)
			continue
		}
		b.WriteString(escapePattern(s.Text))
	}
	if !wild {
		return Literal(unescapePattern(b.String()))
	}
	return Wildcard(b.String())
}

func escapePattern(s string) string {
	if !strings.ContainsAny(s, `*?\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '*' || s[i] == '?' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unescapePattern(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// IsString reports whether the value is Literal or Wildcard.
func (v Value) IsString() bool { return v.Kind == KindLiteral || v.Kind == KindWildcard }

// Members returns list items, or the value itself for scalars.
func (v Value) Members() []Value {
	if v.Kind == KindList {
		return v.Items
	}
	return []Value{v}
}

// String returns a canonical text form, stable across runs.
func (v Value) String() string {
	switch v.Kind {
	case KindLiteral, KindWildcard, KindRegex:
		return v.Str
	case KindNumber:
		return v.NumberText()
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNull:
		return "null"
	case KindList:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return ""
}

func (v Value) NumberText() string {
	if v.IsInt {
		return strconv.FormatInt(int64(v.Num), 10)
	}
	return strconv.FormatFloat(v.Num, 'f', -1, 64)
}

// Equal is structural equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindLiteral, KindWildcard, KindRegex:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindNull:
		return true
	case KindList:
		if len(v.Items) != len(o.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Contains reports whether x is covered by v: an equal member, or a
// wildcard member whose pattern matches the literal x.
func (v Value) Contains(x Value) bool {
	for _, m := range v.Members() {
		if m.Equal(x) {
			return true
		}
		if m.Kind == KindWildcard && x.Kind == KindLiteral && m.Matches(x.Str) {
			return true
		}
	}
	return false
}

// Matches tests s against a Literal (exact) or Wildcard (glob) value.
func (v Value) Matches(s string) bool {
	switch v.Kind {
	case KindLiteral:
		return v.Str == s
	case KindWildcard:
		g, err := glob.Compile(v.GlobPattern())
		if err != nil {
			return false
		}
		return g.Match(s)
	}
	return false
}

// GlobPattern renders the wildcard in gobwas/glob syntax.
func (v Value) GlobPattern() string {
	var b strings.Builder
	for _, s := range v.Segments() {
		if s.Wild != 0 {
			b.WriteByte(s.Wild)
			continue
		}
		b.WriteString(glob.QuoteMeta(s.Text))
	}
	return b.String()
}

// Clone deep-copies list items.
func (v Value) Clone() Value {
	if v.Kind == KindList {
		items := make([]Value, len(v.Items))
		copy(items, v.Items)
		v.Items = items
	}
	return v
}
