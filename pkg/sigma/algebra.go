package sigma

import (
	"strings"

	"github.com/gobwas/glob"
)

// Normalize đẩy Not xuống lá (De Morgan), bỏ phủ định kép, làm phẳng
// And/Or lồng cùng loại, gộp node một con và gấp hằng True/False.
// Kết quả là cây mới; Normalize(Normalize(t)) == Normalize(t).
func Normalize(e *ConditionExpr) *ConditionExpr {
	if e == nil {
		return nil
	}
	return normalize(e, false)
}

func normalize(e *ConditionExpr, negate bool) *ConditionExpr {
	switch e.Kind {
	case ExprTrue, ExprFalse:
		if negate == (e.Kind == ExprTrue) {
			return False()
		}
		return True()
	case ExprNot:
		return normalize(e.Children[0], !negate)
	case ExprAnd, ExprOr:
		kind := e.Kind
		if negate {
			kind = dual(kind)
		}
		children := make([]*ConditionExpr, 0, len(e.Children))
		for _, c := range e.Children {
			children = append(children, normalize(c, negate))
		}
		return fold(kind, children)
	default:
		leaf := &ConditionExpr{Kind: e.Kind, Name: e.Name}
		if negate {
			return Not(leaf)
		}
		return leaf
	}
}

func dual(k ExprKind) ExprKind {
	if k == ExprAnd {
		return ExprOr
	}
	return ExprAnd
}

// fold gộp con đã normalize: làm phẳng, bỏ phần tử trung hoà, dừng sớm ở phần tử hấp thụ.
func fold(kind ExprKind, children []*ConditionExpr) *ConditionExpr {
	identity, absorbing := ExprTrue, ExprFalse
	if kind == ExprOr {
		identity, absorbing = ExprFalse, ExprTrue
	}
	out := make([]*ConditionExpr, 0, len(children))
	for _, c := range children {
		switch c.Kind {
		case identity:
			continue
		case absorbing:
			return &ConditionExpr{Kind: absorbing}
		case kind:
			out = append(out, c.Children...)
		default:
			out = append(out, c)
		}
	}
	switch len(out) {
	case 0:
		return &ConditionExpr{Kind: identity}
	case 1:
		return out[0]
	}
	return &ConditionExpr{Kind: kind, Children: out}
}

// ExpandQuantifiers thay "1 of P" / "all of P" bằng Or / And của các Ref
// khớp pattern, theo thứ tự khai báo block. Không khớp block nào thì
// "1 of" thành False và "all of" thành True.
func ExpandQuantifiers(e *ConditionExpr, blocks []DetectionBlock) *ConditionExpr {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ExprOneOf, ExprAllOf:
		names := MatchBlocks(e.Name, blocks)
		if len(names) == 0 {
			if e.Kind == ExprOneOf {
				return False()
			}
			return True()
		}
		if len(names) == 1 {
			return Ref(names[0])
		}
		refs := make([]*ConditionExpr, len(names))
		for i, n := range names {
			refs[i] = Ref(n)
		}
		if e.Kind == ExprOneOf {
			return Or(refs...)
		}
		return And(refs...)
	}
	out := &ConditionExpr{Kind: e.Kind, Name: e.Name}
	for _, c := range e.Children {
		out.Children = append(out.Children, ExpandQuantifiers(c, blocks))
	}
	return out
}

// MatchBlocks trả về tên các block khớp pattern (glob, phân biệt hoa thường).
// "them" khớp mọi block không bắt đầu bằng '_'.
func MatchBlocks(pattern string, blocks []DetectionBlock) []string {
	var out []string
	if pattern == Them {
		for _, b := range blocks {
			if !strings.HasPrefix(b.Name, "_") {
				out = append(out, b.Name)
			}
		}
		return out
	}
	g, err := glob.Compile(pattern)
	for _, b := range blocks {
		if err != nil {
			if b.Name == pattern {
				out = append(out, b.Name)
			}
			continue
		}
		if g.Match(b.Name) {
			out = append(out, b.Name)
		}
	}
	return out
}

// ValidateRefs kiểm tra mọi Ref trỏ tới block đã khai báo.
func ValidateRefs(e *ConditionExpr, blocks []DetectionBlock) error {
	declared := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		declared[b.Name] = true
	}
	for _, ref := range e.Refs() {
		if !declared[ref] {
			return &ValidationError{Ref: ref}
		}
	}
	return nil
}

// PruneRefs bỏ các Ref bị loại khỏi cây. Ref bị bỏ được coi như trung hoà với
// node cha (True trong And, False trong Or); cây rỗng hoàn toàn thành True.
func PruneRefs(e *ConditionExpr, removed map[string]bool) *ConditionExpr {
	out, ok := prune(e, removed)
	if !ok {
		return True()
	}
	return out
}

func prune(e *ConditionExpr, removed map[string]bool) (*ConditionExpr, bool) {
	switch e.Kind {
	case ExprRef:
		if removed[e.Name] {
			return nil, false
		}
		return Ref(e.Name), true
	case ExprNot:
		c, ok := prune(e.Children[0], removed)
		if !ok {
			return nil, false
		}
		return Not(c), true
	case ExprAnd, ExprOr:
		var kept []*ConditionExpr
		for _, c := range e.Children {
			if pc, ok := prune(c, removed); ok {
				kept = append(kept, pc)
			}
		}
		switch len(kept) {
		case 0:
			return nil, false
		case 1:
			return kept[0], true
		}
		return &ConditionExpr{Kind: e.Kind, Children: kept}, true
	}
	return e.Clone(), true
}
