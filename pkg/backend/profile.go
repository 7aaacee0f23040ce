package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

// Match-kind keys dùng trong Profile.Operators / Profile.Lists.
// Bản phân biệt hoa thường có hậu tố "-cased" (vd "equals-cased").
const (
	KeyEquals     = "equals"
	KeyNumEquals  = "num-equals"  // fallback: equals
	KeyBoolEquals = "bool-equals" // fallback: equals
	KeyWildcard   = "wildcard"
	KeyContains   = "contains"
	KeyStartsWith = "startswith"
	KeyEndsWith   = "endswith"
	KeyRegex      = "re"
	KeyGt         = "gt"
	KeyGte        = "gte"
	KeyLt         = "lt"
	KeyLte        = "lte"
	KeyExists     = "exists"
	KeyNotExists  = "not-exists"
	KeyNull       = "null"
	KeyCIDR       = "cidr"
	KeyKeyword    = "keyword"

	casedSuffix = "-cased"
)

// Profile mô tả cú pháp đích của một backend. Operators chứa template với
// {field} và {value}; Lists chứa template với {field} và {values}.
// Key không có trong Operators = backend không hỗ trợ.
type Profile struct {
	Name        string
	Description string

	And string
	Or  string
	// Not là template với {expr}. NotWrapsChild: template đã tự bọc ngoặc.
	Not           string
	NotWrapsChild bool
	True          string
	False         string

	Operators map[string]string
	Lists     map[string]string
	ListSep   string

	Quote       string
	Escape      string // ký tự cần escape trong chuỗi (kể cả chính EscapeChar)
	EscapeChar  string
	FieldEscape string

	// WildcardMulti rỗng: backend không có wildcard, chuyển sang regex nếu có "re".
	// WildcardSingle rỗng: không có wildcard một ký tự.
	WildcardMulti  string
	WildcardSingle string
	PatternEscape  string // ký tự cần escape thêm trong pattern wildcard
	// Unescapable: ký tự backend luôn hiểu là wildcard, không viết được dạng literal
	Unescapable string

	RegexQuote  string
	RegexEscape string

	BoolTrue  string
	BoolFalse string

	// DefaultField dùng cho keyword; rỗng thì dùng template "keyword".
	DefaultField string

	Formats []Format
}

// Format quyết định hình dạng output. Split: mỗi nhánh OR cấp cao nhất là một query.
type Format struct {
	Name        string
	Description string
	Split       bool
	Finish      func(r *sigma.Rule, query string) (string, error)
}

const DefaultFormat = "default"

// Format tra format theo tên; "" = default.
func (p *Profile) Format(name string) (*Format, error) {
	if name == "" {
		name = DefaultFormat
	}
	for i := range p.Formats {
		if strings.EqualFold(p.Formats[i].Name, name) {
			return &p.Formats[i], nil
		}
	}
	return nil, failf(p.Name, "unknown format %q for backend %q", name, p.Name)
}

func (p *Profile) supports(key string) bool {
	_, ok := p.Operators[key]
	return ok
}

// operatorKey chọn key thực sự dùng, áp dụng fallback num-/bool-equals → equals.
func (p *Profile) operatorKey(key string) (string, bool) {
	if p.supports(key) {
		return key, true
	}
	switch key {
	case KeyNumEquals, KeyBoolEquals:
		return p.operatorKey(KeyEquals)
	}
	return key, false
}

func (p *Profile) escape(s, chars string) string {
	if p.EscapeChar == "" || s == "" {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(chars, r) {
			b.WriteString(p.EscapeChar)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// literal báo lỗi khi chuỗi chứa ký tự backend không escape được.
func (p *Profile) literal(s string) error {
	if i := strings.IndexAny(s, p.Unescapable); p.Unescapable != "" && i >= 0 {
		return failf(p.Name, "literal %q in value %q cannot be escaped for backend %q", s[i:i+1], s, p.Name)
	}
	return nil
}

func (p *Profile) quote(s string) (string, error) {
	if err := p.literal(s); err != nil {
		return "", err
	}
	s = p.escape(s, p.Escape)
	if p.Quote == "" && s == "" {
		return `""`, nil
	}
	return p.Quote + s + p.Quote, nil
}

func (p *Profile) quotePattern(segs []sigma.Segment) (string, error) {
	var b strings.Builder
	for _, s := range segs {
		switch s.Wild {
		case '*':
			b.WriteString(p.WildcardMulti)
		case '?':
			if p.WildcardSingle == "" {
				return "", unsupported(p.Name, "single-character wildcard")
			}
			b.WriteString(p.WildcardSingle)
		default:
			if err := p.literal(s.Text); err != nil {
				return "", err
			}
			b.WriteString(p.escape(s.Text, p.Escape+p.PatternEscape))
		}
	}
	return p.Quote + b.String() + p.Quote, nil
}

func (p *Profile) quoteRegex(re string) string {
	return p.RegexQuote + p.escape(re, p.RegexEscape) + p.RegexQuote
}

func (p *Profile) field(name string) string {
	if p.FieldEscape == "" {
		return name
	}
	return p.escape(name, p.FieldEscape)
}

func (p *Profile) boolToken(b bool) string {
	switch {
	case b && p.BoolTrue != "":
		return p.BoolTrue
	case !b && p.BoolFalse != "":
		return p.BoolFalse
	}
	return fmt.Sprint(b)
}

// Registry giữ các profile theo tên (không phân biệt hoa thường).
// Dựng lúc khởi động, chỉ đọc về sau.
type Registry struct {
	profiles map[string]*Profile
	names    []string
}

func NewRegistry(profiles ...*Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		key := strings.ToLower(p.Name)
		if _, dup := r.profiles[key]; dup {
			return nil, fmt.Errorf("duplicate backend %q", p.Name)
		}
		if _, err := p.Format(DefaultFormat); err != nil {
			return nil, fmt.Errorf("backend %q has no %q format", p.Name, DefaultFormat)
		}
		r.profiles[key] = p
		r.names = append(r.names, p.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// NewDefaultRegistry: splunk, lucene, sql, kusto.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(Builtins()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Get trả về *GenerationError khi backend không tồn tại.
func (r *Registry) Get(name string) (*Profile, error) {
	p, ok := r.profiles[strings.ToLower(name)]
	if !ok {
		return nil, failf(name, "unknown backend %q", name)
	}
	return p, nil
}

func (r *Registry) List() []*Profile {
	out := make([]*Profile, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.profiles[strings.ToLower(n)])
	}
	return out
}
