package sigma

import "strings"

type ExprKind int

const (
	ExprRef ExprKind = iota
	ExprAnd
	ExprOr
	ExprNot
	ExprOneOf
	ExprAllOf
	ExprTrue
	ExprFalse
)

// Them là pattern đặc biệt của "1 of them" / "all of them".
const Them = "them"

// ConditionExpr là cây điều kiện. Ref/OneOf/AllOf dùng Name (tên block hoặc
// pattern); And/Or có >= 1 con; Not có đúng 1 con.
type ConditionExpr struct {
	Kind     ExprKind
	Name     string
	Children []*ConditionExpr
}

func Ref(name string) *ConditionExpr     { return &ConditionExpr{Kind: ExprRef, Name: name} }
func OneOf(pattern string) *ConditionExpr { return &ConditionExpr{Kind: ExprOneOf, Name: pattern} }
func AllOf(pattern string) *ConditionExpr { return &ConditionExpr{Kind: ExprAllOf, Name: pattern} }
func True() *ConditionExpr                { return &ConditionExpr{Kind: ExprTrue} }
func False() *ConditionExpr               { return &ConditionExpr{Kind: ExprFalse} }

func And(children ...*ConditionExpr) *ConditionExpr {
	return &ConditionExpr{Kind: ExprAnd, Children: children}
}

func Or(children ...*ConditionExpr) *ConditionExpr {
	return &ConditionExpr{Kind: ExprOr, Children: children}
}

func Not(child *ConditionExpr) *ConditionExpr {
	return &ConditionExpr{Kind: ExprNot, Children: []*ConditionExpr{child}}
}

func (e *ConditionExpr) IsCompound() bool {
	return e.Kind == ExprAnd || e.Kind == ExprOr
}

func (e *ConditionExpr) Clone() *ConditionExpr {
	if e == nil {
		return nil
	}
	out := &ConditionExpr{Kind: e.Kind, Name: e.Name}
	if len(e.Children) > 0 {
		out.Children = make([]*ConditionExpr, len(e.Children))
		for i, c := range e.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

func (e *ConditionExpr) Equal(o *ConditionExpr) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Kind != o.Kind || e.Name != o.Name || len(e.Children) != len(o.Children) {
		return false
	}
	for i := range e.Children {
		if !e.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Refs lists referenced block names left to right (có thể trùng).
func (e *ConditionExpr) Refs() []string {
	var out []string
	var walk func(*ConditionExpr)
	walk = func(n *ConditionExpr) {
		if n == nil {
			return
		}
		if n.Kind == ExprRef {
			out = append(out, n.Name)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(e)
	return out
}

// HasQuantifiers reports whether any OneOf/AllOf node is left in the tree.
func (e *ConditionExpr) HasQuantifiers() bool {
	if e == nil {
		return false
	}
	if e.Kind == ExprOneOf || e.Kind == ExprAllOf {
		return true
	}
	for _, c := range e.Children {
		if c.HasQuantifiers() {
			return true
		}
	}
	return false
}

// String renders the expression in condition syntax.
func (e *ConditionExpr) String() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case ExprRef:
		return e.Name
	case ExprOneOf:
		return "1 of " + e.Name
	case ExprAllOf:
		return "all of " + e.Name
	case ExprTrue:
		return "true"
	case ExprFalse:
		return "false"
	case ExprNot:
		return "not " + e.Children[0].operand()
	case ExprAnd, ExprOr:
		sep := " and "
		if e.Kind == ExprOr {
			sep = " or "
		}
		parts := make([]string, len(e.Children))
		for i, c := range e.Children {
			parts[i] = c.operand()
		}
		return strings.Join(parts, sep)
	}
	return ""
}

func (e *ConditionExpr) operand() string {
	if e.IsCompound() && len(e.Children) > 1 {
		return "(" + e.String() + ")"
	}
	return e.String()
}
