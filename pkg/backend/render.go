package backend

import (
	"regexp"
	"strings"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

type nodeOp int

const (
	opLeaf nodeOp = iota
	opAnd
	opOr
	opNot
)

// node là cây trung gian đã dịch sang cú pháp backend; chỉ còn việc nối chuỗi.
type node struct {
	op       nodeOp
	text     string
	children []*node
	// negated: dạng phủ định sẵn có (not-exists ↔ exists), dùng khi bọc NOT
	negated *node
}

func leaf(s string) *node { return &node{op: opLeaf, text: s} }

// group gộp con cùng loại và bỏ tầng chỉ có một con.
func group(op nodeOp, children []*node) *node {
	var flat []*node
	for _, c := range children {
		if c.op == op {
			flat = append(flat, c.children...)
			continue
		}
		flat = append(flat, c)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &node{op: op, children: flat}
}

// Render dịch rule sang một hoặc nhiều query của backend p theo format.
// Quantifier còn sót được mở rộng trước khi dịch.
func Render(rule *sigma.Rule, p *Profile, format string) ([]string, error) {
	f, err := p.Format(format)
	if err != nil {
		return nil, err
	}
	cond := rule.Condition
	if cond == nil {
		return nil, failf(p.Name, "rule has no condition")
	}
	if cond.HasQuantifiers() {
		cond = sigma.ExpandQuantifiers(cond, rule.Blocks)
	}

	// split theo nhánh OR của condition, trước khi gộp các group của block
	conds := []*sigma.ConditionExpr{cond}
	if f.Split && cond.Kind == sigma.ExprOr {
		conds = cond.Children
	}
	r := &renderer{p: p, rule: rule, blocks: map[string]*node{}}
	out := make([]string, 0, len(conds))
	for _, c := range conds {
		n, err := r.condition(c)
		if err != nil {
			return nil, err
		}
		q := r.text(n, false)
		if f.Finish != nil {
			if q, err = f.Finish(rule, q); err != nil {
				return nil, err
			}
		}
		out = append(out, q)
	}
	return out, nil
}

type renderer struct {
	p      *Profile
	rule   *sigma.Rule
	blocks map[string]*node
}

func (r *renderer) condition(e *sigma.ConditionExpr) (*node, error) {
	switch e.Kind {
	case sigma.ExprRef:
		return r.block(e.Name)
	case sigma.ExprAnd, sigma.ExprOr:
		op := opAnd
		if e.Kind == sigma.ExprOr {
			op = opOr
		}
		children := make([]*node, 0, len(e.Children))
		for _, c := range e.Children {
			n, err := r.condition(c)
			if err != nil {
				return nil, err
			}
			children = append(children, n)
		}
		return group(op, children), nil
	case sigma.ExprNot:
		n, err := r.condition(e.Children[0])
		if err != nil {
			return nil, err
		}
		return negate(n), nil
	case sigma.ExprTrue:
		if r.p.True == "" {
			return nil, unsupported(r.p.Name, "true")
		}
		return leaf(r.p.True), nil
	case sigma.ExprFalse:
		if r.p.False == "" {
			return nil, unsupported(r.p.Name, "false")
		}
		return leaf(r.p.False), nil
	}
	return nil, unsupported(r.p.Name, e.String())
}

// block: OR của các group, mỗi group là AND của các FieldMatch.
func (r *renderer) block(name string) (*node, error) {
	if n, ok := r.blocks[name]; ok {
		return n, nil
	}
	b, ok := r.rule.Block(name)
	if !ok {
		return nil, failf(r.p.Name, "condition references unknown detection block %q", name)
	}
	groups := make([]*node, 0, len(b.Groups))
	for _, g := range b.Groups {
		matches := make([]*node, 0, len(g))
		for _, m := range g {
			n, err := r.match(m)
			if err != nil {
				return nil, err
			}
			matches = append(matches, n)
		}
		groups = append(groups, group(opAnd, matches))
	}
	n := group(opOr, groups)
	r.blocks[name] = n
	return n, nil
}

// clause là một so sánh field/value đã chọn xong key và đã quote value.
type clause struct {
	key   string
	value string
}

func (r *renderer) match(m sigma.FieldMatch) (*node, error) {
	if m.Op == sigma.OpExists {
		return r.exists(m)
	}
	field := m.Field
	keyword := false
	if field == "" {
		if r.p.DefaultField != "" {
			field = r.p.DefaultField
		} else {
			keyword = true
		}
	}

	// gom theo key, giữ thứ tự xuất hiện
	var (
		order   []string
		buckets = map[string][]string{}
	)
	for _, v := range m.Values() {
		var (
			c   clause
			err error
		)
		if keyword {
			c, err = r.keywordClause(v)
		} else {
			c, err = r.clause(m, v)
		}
		if err != nil {
			return nil, err
		}
		if _, seen := buckets[c.key]; !seen {
			order = append(order, c.key)
		}
		buckets[c.key] = append(buckets[c.key], c.value)
	}

	op := opOr
	if m.All {
		op = opAnd
	}
	f := r.p.field(field)
	var parts []*node
	for _, key := range order {
		vals := buckets[key]
		if tmpl, ok := r.p.Lists[key]; ok && len(vals) >= 2 && !m.All {
			sep := r.p.ListSep
			if sep == "" {
				sep = ", "
			}
			parts = append(parts, leaf(strings.NewReplacer("{field}", f, "{values}", strings.Join(vals, sep)).Replace(tmpl)))
			continue
		}
		tmpl := r.p.Operators[key]
		for _, v := range vals {
			parts = append(parts, leaf(strings.NewReplacer("{field}", f, "{value}", v).Replace(tmpl)))
		}
	}
	return group(op, parts), nil
}

func (r *renderer) exists(m sigma.FieldMatch) (*node, error) {
	want := true
	if m.Value.Kind == sigma.KindBool {
		want = m.Value.Bool
	}
	f := r.p.field(m.Field)
	pos, hasPos := r.p.Operators[KeyExists]
	neg, hasNeg := r.p.Operators[KeyNotExists]
	var posNode, negNode *node
	if hasPos {
		posNode = leaf(strings.ReplaceAll(pos, "{field}", f))
	}
	switch {
	case hasNeg:
		negNode = leaf(strings.ReplaceAll(neg, "{field}", f))
	case hasPos:
		negNode = &node{op: opNot, children: []*node{posNode}}
	}

	if want {
		if posNode == nil {
			return nil, unsupported(r.p.Name, KeyExists)
		}
		if negNode != nil {
			posNode.negated = negNode
		}
		return posNode, nil
	}
	if negNode == nil {
		return nil, unsupported(r.p.Name, KeyNotExists)
	}
	negNode.negated = posNode
	return negNode, nil
}

// negate bọc NOT, trừ khi node có sẵn dạng phủ định hoặc chính nó là NOT.
func negate(n *node) *node {
	switch {
	case n.negated != nil:
		return n.negated
	case n.op == opNot:
		return n.children[0]
	}
	return &node{op: opNot, children: []*node{n}}
}

func (r *renderer) clause(m sigma.FieldMatch, v sigma.Value) (clause, error) {
	switch m.Op {
	case sigma.OpGt, sigma.OpGte, sigma.OpLt, sigma.OpLte:
		return r.lookup(clause{key: m.Op.String(), value: v.NumberText()})
	case sigma.OpCIDR:
		q, err := r.p.quote(v.Str)
		if err != nil {
			return clause{}, err
		}
		return r.lookup(clause{key: KeyCIDR, value: q})
	case sigma.OpRegex:
		return r.lookup(clause{key: KeyRegex, value: r.p.quoteRegex(v.Str)})
	}

	switch v.Kind {
	case sigma.KindNull:
		return r.lookup(clause{key: KeyNull})
	case sigma.KindNumber:
		return r.lookup(clause{key: KeyNumEquals, value: v.NumberText()})
	case sigma.KindBool:
		return r.lookup(clause{key: KeyBoolEquals, value: r.p.boolToken(v.Bool)})
	case sigma.KindLiteral:
		if m.Op == sigma.OpEquals {
			q, err := r.p.quote(v.Str)
			if err != nil {
				return clause{}, err
			}
			return r.lookup(clause{key: cased(KeyEquals, m.Cased), value: q})
		}
		if key := cased(m.Op.String(), m.Cased); r.p.supports(key) {
			q, err := r.p.quote(v.Str)
			if err != nil {
				return clause{}, err
			}
			return clause{key: key, value: q}, nil
		}
	case sigma.KindWildcard:
	default:
		return clause{}, unsupported(r.p.Name, v.Kind.String())
	}
	return r.pattern(withAnchors(m.Op, v.Segments()), m.Cased)
}

// pattern dịch chuỗi wildcard; backend không có wildcard (hoặc thiếu wildcard
// một ký tự mà pattern cần) thì dùng regex.
func (r *renderer) pattern(segs []sigma.Segment, isCased bool) (clause, error) {
	if r.p.WildcardMulti != "" && (r.p.WildcardSingle != "" || !hasSingle(segs) || !r.p.supports(KeyRegex)) {
		q, err := r.p.quotePattern(segs)
		if err != nil {
			return clause{}, err
		}
		return r.lookup(clause{key: cased(KeyWildcard, isCased), value: q})
	}
	if !r.p.supports(KeyRegex) {
		return clause{}, unsupported(r.p.Name, KeyWildcard)
	}
	return clause{key: KeyRegex, value: r.p.quoteRegex(wildcardRegex(segs, isCased))}, nil
}

func (r *renderer) keywordClause(v sigma.Value) (clause, error) {
	if !r.p.supports(KeyKeyword) {
		return clause{}, unsupported(r.p.Name, KeyKeyword)
	}
	var (
		q   string
		err error
	)
	switch v.Kind {
	case sigma.KindLiteral:
		q, err = r.p.quote(v.Str)
	case sigma.KindWildcard:
		if r.p.WildcardMulti == "" {
			return clause{}, unsupported(r.p.Name, KeyKeyword+" "+KeyWildcard)
		}
		q, err = r.p.quotePattern(v.Segments())
	case sigma.KindNumber:
		q, err = r.p.quote(v.NumberText())
	default:
		return clause{}, unsupported(r.p.Name, KeyKeyword+" "+v.Kind.String())
	}
	if err != nil {
		return clause{}, err
	}
	return clause{key: KeyKeyword, value: q}, nil
}

func hasSingle(segs []sigma.Segment) bool {
	for _, s := range segs {
		if s.Wild == '?' {
			return true
		}
	}
	return false
}

func (r *renderer) lookup(c clause) (clause, error) {
	key, ok := r.p.operatorKey(c.key)
	if !ok {
		return clause{}, unsupported(r.p.Name, c.key)
	}
	c.key = key
	return c, nil
}

func cased(key string, isCased bool) string {
	if isCased {
		return key + casedSuffix
	}
	return key
}

// withAnchors thêm '*' theo operator: contains → *v*, startswith → v*, endswith → *v.
func withAnchors(op sigma.Operator, segs []sigma.Segment) []sigma.Segment {
	star := sigma.Segment{Wild: '*'}
	lead := op == sigma.OpContains || op == sigma.OpEndsWith
	trail := op == sigma.OpContains || op == sigma.OpStartsWith
	out := make([]sigma.Segment, 0, len(segs)+2)
	if lead && (len(segs) == 0 || segs[0].Wild != '*') {
		out = append(out, star)
	}
	out = append(out, segs...)
	if trail && (len(out) == 0 || out[len(out)-1].Wild != '*') {
		out = append(out, star)
	}
	return out
}

func wildcardRegex(segs []sigma.Segment, isCased bool) string {
	var b strings.Builder
	if !isCased {
		b.WriteString("(?i)")
	}
	b.WriteByte('^')
	for _, s := range segs {
		switch s.Wild {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(s.Text))
		}
	}
	b.WriteByte('$')
	return b.String()
}

func (r *renderer) text(n *node, nested bool) string {
	switch n.op {
	case opLeaf:
		return n.text
	case opNot:
		inner := r.text(n.children[0], !r.p.NotWrapsChild)
		return strings.ReplaceAll(r.p.Not, "{expr}", inner)
	}
	joiner := r.p.And
	if n.op == opOr {
		joiner = r.p.Or
	}
	parts := make([]string, len(n.children))
	for i, c := range n.children {
		parts[i] = r.text(c, true)
	}
	s := strings.Join(parts, joiner)
	if nested && len(parts) >= 2 {
		return "(" + s + ")"
	}
	return s
}
