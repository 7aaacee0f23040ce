package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

type Action string

const (
	ActionRenameField     Action = "rename-field"
	ActionPrefixField     Action = "prefix-field"
	ActionMapValue        Action = "map-value"
	ActionReplaceString   Action = "replace-string"
	ActionInsertDetection Action = "insert-detection"
	ActionDropDetection   Action = "drop-detection"
	ActionWrapCondition   Action = "wrap-condition"
)

// phase: thứ tự áp dụng trong một stage. Cùng phase thì theo thứ tự khai báo.
func (a Action) phase() int {
	switch a {
	case ActionRenameField, ActionPrefixField:
		return 1
	case ActionMapValue, ActionReplaceString:
		return 2
	case ActionInsertDetection, ActionDropDetection:
		return 3
	case ActionWrapCondition:
		return 4
	}
	return 0
}

// ValueMapping: From là chuỗi (có thể chứa wildcard), To là một hoặc nhiều giá trị thay thế.
type ValueMapping struct {
	From string
	To   []string
}

// Wrap cấu hình wrap-condition: condition mới = Ref <op> condition cũ.
type Wrap struct {
	Operator string // "and" | "or"
	Ref      string
	Negate   bool
}

// Transformation = predicate + action.
type Transformation struct {
	ID     string
	Action Action

	// Predicates. Rỗng nghĩa là không giới hạn.
	Fields    []string          // glob trên tên field
	Blocks    []string          // glob trên tên block
	Logsource map[string]string // mọi key phải bằng logsource của rule

	Mapping map[string]string     // rename-field, replace-string
	Prefix  string                // prefix-field
	Values  []ValueMapping        // map-value
	Block   *sigma.DetectionBlock // insert-detection
	Wrap    Wrap                  // wrap-condition
}

// Stage là một pipeline có tên: danh sách transformation theo thứ tự,
// giới hạn backend (rỗng = mọi backend). Bất biến sau NewStage.
type Stage struct {
	Name        string
	Description string
	Backends    []string

	steps []step
}

type step struct {
	t        Transformation
	fields   []glob.Glob
	blocks   []glob.Glob
	rename   sigma.FieldMapping
	replacer *replacer
	values   []compiledValueMapping
}

type compiledValueMapping struct {
	from sigma.Value
	to   []string
}

// NewStage kiểm tra và biên dịch các transformation.
func NewStage(name, description string, backends []string, ts ...Transformation) (*Stage, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &Error{Name: name, Reason: "stage name is empty"}
	}
	s := &Stage{Name: name, Description: description, Backends: append([]string(nil), backends...)}
	for i, t := range ts {
		st, err := compileStep(t)
		if err != nil {
			label := t.ID
			if label == "" {
				label = string(t.Action)
			}
			return nil, errorf(name, "transformation #%d (%s): %s", i+1, label, err)
		}
		s.steps = append(s.steps, st)
	}
	return s, nil
}

// MustStage dùng cho built-in; panic nếu định nghĩa sai.
func MustStage(name, description string, backends []string, ts ...Transformation) *Stage {
	s, err := NewStage(name, description, backends, ts...)
	if err != nil {
		panic(err)
	}
	return s
}

func compileStep(t Transformation) (step, error) {
	st := step{t: t}
	var err error
	if st.fields, err = compileGlobs(t.Fields); err != nil {
		return st, err
	}
	if st.blocks, err = compileGlobs(t.Blocks); err != nil {
		return st, err
	}

	switch t.Action {
	case ActionRenameField:
		if len(t.Mapping) == 0 {
			return st, errors.New("rename-field needs a mapping")
		}
		st.rename = sigma.NewFieldMapping(t.Mapping)
	case ActionPrefixField:
		if t.Prefix == "" {
			return st, errors.New("prefix-field needs a prefix")
		}
	case ActionMapValue:
		if len(t.Values) == 0 {
			return st, errors.New("map-value needs values")
		}
		for _, vm := range t.Values {
			st.values = append(st.values, compiledValueMapping{from: sigma.ParseString(vm.From), to: vm.To})
		}
	case ActionReplaceString:
		if len(t.Mapping) == 0 {
			return st, errors.New("replace-string needs a mapping")
		}
		st.replacer = newReplacer(t.Mapping)
	case ActionInsertDetection:
		if t.Block == nil || t.Block.Name == "" || len(t.Block.Groups) == 0 {
			return st, errors.New("insert-detection needs a named block")
		}
	case ActionDropDetection:
		if len(t.Blocks) == 0 && len(t.Fields) == 0 {
			return st, errors.New("drop-detection needs a blocks or fields predicate")
		}
	case ActionWrapCondition:
		switch strings.ToLower(t.Wrap.Operator) {
		case "", "and", "or":
		default:
			return st, errors.New("wrap-condition operator must be and/or")
		}
		if t.Wrap.Ref == "" {
			return st, errors.New("wrap-condition needs a ref")
		}
	default:
		return st, fmt.Errorf("unknown action %q", t.Action)
	}
	return st, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(gs []glob.Glob, s string) bool {
	if len(gs) == 0 {
		return true
	}
	for _, g := range gs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// AllowsBackend: Backends rỗng = mọi backend.
func (s *Stage) AllowsBackend(backend string) bool {
	if len(s.Backends) == 0 {
		return true
	}
	for _, b := range s.Backends {
		if strings.EqualFold(b, backend) {
			return true
		}
	}
	return false
}

// Transformations trả về bản copy định nghĩa gốc.
func (s *Stage) Transformations() []Transformation {
	out := make([]Transformation, len(s.steps))
	for i, st := range s.steps {
		out[i] = st.t
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
