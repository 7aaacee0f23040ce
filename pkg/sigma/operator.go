package sigma

import "fmt"

// Operator là phép so khớp của một FieldMatch, được chốt một lần lúc parse.
type Operator int

const (
	OpEquals Operator = iota
	OpContains
	OpStartsWith
	OpEndsWith
	OpRegex
	OpGt
	OpGte
	OpLt
	OpLte
	OpExists
	OpCIDR
)

var operatorNames = [...]string{
	OpEquals:     "equals",
	OpContains:   "contains",
	OpStartsWith: "startswith",
	OpEndsWith:   "endswith",
	OpRegex:      "re",
	OpGt:         "gt",
	OpGte:        "gte",
	OpLt:         "lt",
	OpLte:        "lte",
	OpExists:     "exists",
	OpCIDR:       "cidr",
}

func (o Operator) String() string {
	if o >= 0 && int(o) < len(operatorNames) {
		return operatorNames[o]
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// IsNumeric reports whether the operator compares numbers.
func (o Operator) IsNumeric() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// IsString reports whether the operator accepts string patterns
// (and therefore wildcard expansion and encoding modifiers).
func (o Operator) IsString() bool {
	switch o {
	case OpEquals, OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// operatorForSuffix maps a key suffix ("contains", "re", ...) to its operator.
func operatorForSuffix(s string) (Operator, bool) {
	switch s {
	case "contains":
		return OpContains, true
	case "startswith":
		return OpStartsWith, true
	case "endswith":
		return OpEndsWith, true
	case "re":
		return OpRegex, true
	case "gt":
		return OpGt, true
	case "gte":
		return OpGte, true
	case "lt":
		return OpLt, true
	case "lte":
		return OpLte, true
	case "exists":
		return OpExists, true
	case "cidr":
		return OpCIDR, true
	}
	return 0, false
}
