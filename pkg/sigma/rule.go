package sigma

import "strings"

// FieldMatch là một điều kiện đơn: field + operator + value (scalar hoặc list).
// Field rỗng nghĩa là keyword (so với default field của backend).
type FieldMatch struct {
	Field string
	Op    Operator
	Value Value
	All   bool // |all: các value AND với nhau thay vì OR
	Cased bool // |cased
}

func (m FieldMatch) IsKeyword() bool { return m.Field == "" }

// Values returns the OR-ed (or, with All, AND-ed) value members.
func (m FieldMatch) Values() []Value { return m.Value.Members() }

func (m FieldMatch) Clone() FieldMatch {
	m.Value = m.Value.Clone()
	return m
}

// SameSemantics reports whether two matches only differ by field and values.
func (m FieldMatch) SameSemantics(o FieldMatch) bool {
	return m.Op == o.Op && m.All == o.All && m.Cased == o.Cased
}

// MatchGroup: AND của nhiều FieldMatch.
type MatchGroup []FieldMatch

// DetectionBlock: OR của các group (list → nhiều group; mapping → 1 group).
type DetectionBlock struct {
	Name   string
	Groups []MatchGroup
}

func (b DetectionBlock) Clone() DetectionBlock {
	groups := make([]MatchGroup, len(b.Groups))
	for i, g := range b.Groups {
		ng := make(MatchGroup, len(g))
		for j, m := range g {
			ng[j] = m.Clone()
		}
		groups[i] = ng
	}
	return DetectionBlock{Name: b.Name, Groups: groups}
}

// Fields lists the distinct non-keyword field names in first-seen order.
func (b DetectionBlock) Fields() []string {
	var out []string
	seen := map[string]bool{}
	for _, g := range b.Groups {
		for _, m := range g {
			if m.Field == "" || seen[m.Field] {
				continue
			}
			seen[m.Field] = true
			out = append(out, m.Field)
		}
	}
	return out
}

// Rule là cây rule trừu tượng sau khi parse.
type Rule struct {
	ID          string
	Title       string
	Description string
	Status      string
	Level       string
	Author      string
	Tags        []string
	Logsource   map[string]string

	Blocks       []DetectionBlock // thứ tự khai báo
	Condition    *ConditionExpr
	FieldMapping FieldMapping // bảng đổi tên field riêng của rule (key fieldmapping)
	Warnings     []string
}

// Block finds a detection block by name.
func (r *Rule) Block(name string) (*DetectionBlock, bool) {
	for i := range r.Blocks {
		if r.Blocks[i].Name == name {
			return &r.Blocks[i], true
		}
	}
	return nil, false
}

func (r *Rule) BlockNames() []string {
	out := make([]string, len(r.Blocks))
	for i, b := range r.Blocks {
		out[i] = b.Name
	}
	return out
}

// Fields lists the distinct field names across all blocks.
func (r *Rule) Fields() []string {
	var out []string
	seen := map[string]bool{}
	for _, b := range r.Blocks {
		for _, f := range b.Fields() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// Clone returns a deep copy; transformations never touch the receiver.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.Logsource != nil {
		out.Logsource = make(map[string]string, len(r.Logsource))
		for k, v := range r.Logsource {
			out.Logsource[k] = v
		}
	}
	out.Blocks = make([]DetectionBlock, len(r.Blocks))
	for i, b := range r.Blocks {
		out.Blocks[i] = b.Clone()
	}
	out.Condition = r.Condition.Clone()
	out.FieldMapping = r.FieldMapping.Clone()
	return &out
}

// LogsourceKey renders logsource as "product/category/service" (bỏ phần rỗng).
func (r *Rule) LogsourceKey() string {
	var parts []string
	for _, k := range []string{"product", "category", "service"} {
		if v := r.Logsource[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "/")
}
