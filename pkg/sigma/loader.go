package sigma

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader parse rule YAML. Zero value dùng được (logger Nop).
type Loader struct {
	Logger zerolog.Logger
}

// ParseRule parse với logger Nop.
func ParseRule(b []byte) (*Rule, error) {
	l := Loader{Logger: zerolog.Nop()}
	return l.Parse(b)
}

// Parse đọc rule qua yaml.Node để giữ thứ tự khai báo và thấy được key trùng.
func (l Loader) Parse(b []byte) (*Rule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &ParseError{Reason: "malformed yaml: " + err.Error()}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &ParseError{Reason: "empty rule document"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Reason: "rule document must be a mapping", Line: root.Line}
	}

	r := &Rule{}
	var detection *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		var err error
		switch key {
		case "title":
			r.Title, err = scalarString(val, key)
		case "id":
			r.ID, err = scalarString(val, key)
		case "description":
			r.Description, err = scalarString(val, key)
		case "status":
			r.Status, err = scalarString(val, key)
		case "level":
			r.Level, err = scalarString(val, key)
		case "author":
			r.Author, err = scalarString(val, key)
		case "tags":
			r.Tags, err = stringList(val, key)
		case "logsource":
			r.Logsource, err = stringMap(val, key)
		case "fieldmapping":
			var m map[string]string
			m, err = stringMap(val, key)
			r.FieldMapping = NewFieldMapping(m)
		case "detection":
			detection = val
		}
		if err != nil {
			return nil, err
		}
	}
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		r.ID = r.Title
	}

	if err := l.parseDetection(r, detection); err != nil {
		return nil, err
	}
	return r, nil
}

func (l Loader) parseDetection(r *Rule, det *yaml.Node) error {
	if det == nil || det.Kind == 0 || isNull(det) {
		return &ParseError{Reason: "missing detection", Path: "detection"}
	}
	if det.Kind != yaml.MappingNode {
		return &ParseError{Reason: "detection must be a mapping", Path: "detection", Line: det.Line}
	}
	if len(det.Content) == 0 {
		return &ParseError{Reason: "empty detection", Path: "detection", Line: det.Line}
	}

	var condNode *yaml.Node
	for i := 0; i+1 < len(det.Content); i += 2 {
		name, val := det.Content[i].Value, det.Content[i+1]
		switch name {
		case "condition":
			condNode = val
			continue
		case "timeframe":
			r.Warnings = append(r.Warnings, "timeframe is ignored: aggregations are not supported")
			continue
		}
		blk, err := ParseDetectionBlock(name, val)
		if err != nil {
			return err
		}
		if existing, ok := r.Block(name); ok {
			*existing = blk
			msg := fmt.Sprintf("duplicate detection block %q: last definition wins", name)
			r.Warnings = append(r.Warnings, msg)
			l.Logger.Warn().Str("rule_id", r.ID).Str("block", name).Int("line", det.Content[i].Line).Msg("duplicate detection block")
			continue
		}
		r.Blocks = append(r.Blocks, blk)
	}
	if len(r.Blocks) == 0 {
		return &ParseError{Reason: "no detection blocks defined", Path: "detection", Line: det.Line}
	}

	text, err := conditionText(condNode)
	if err != nil {
		return err
	}
	cond, err := ParseCondition(text)
	if err != nil {
		line := 0
		if condNode != nil {
			line = condNode.Line
		}
		return &ParseError{Reason: err.Error(), Path: "detection.condition", Line: line}
	}
	if err := ValidateRefs(cond, r.Blocks); err != nil {
		return err
	}
	r.Condition = cond
	return nil
}

// condition là chuỗi, hoặc list đúng một chuỗi.
func conditionText(n *yaml.Node) (string, error) {
	const path = "detection.condition"
	if n == nil || isNull(n) {
		return "", &ParseError{Reason: "missing condition", Path: path}
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.SequenceNode:
		if len(n.Content) != 1 {
			return "", &ParseError{Reason: fmt.Sprintf("expected exactly one condition, got %d", len(n.Content)), Path: path, Line: n.Line}
		}
		if n.Content[0].Kind != yaml.ScalarNode {
			return "", &ParseError{Reason: "condition must be a string", Path: path, Line: n.Line}
		}
		return n.Content[0].Value, nil
	}
	return "", &ParseError{Reason: "condition must be a string", Path: path, Line: n.Line}
}

// ParseDetectionBlock parse nội dung một block: mapping → 1 group,
// list mapping → nhiều group (OR), list giá trị trần → keyword.
func ParseDetectionBlock(name string, n *yaml.Node) (DetectionBlock, error) {
	path := "detection." + name
	blk := DetectionBlock{Name: name}
	switch n.Kind {
	case yaml.MappingNode:
		g, err := parseGroup(n, path)
		if err != nil {
			return blk, err
		}
		blk.Groups = []MatchGroup{g}
	case yaml.SequenceNode:
		if len(n.Content) == 0 {
			return blk, &ParseError{Reason: "empty detection block", Path: path, Line: n.Line}
		}
		if n.Content[0].Kind == yaml.MappingNode {
			for i, item := range n.Content {
				ip := fmt.Sprintf("%s[%d]", path, i)
				if item.Kind != yaml.MappingNode {
					return blk, &ParseError{Reason: "cannot mix mappings and plain values", Path: ip, Line: item.Line}
				}
				g, err := parseGroup(item, ip)
				if err != nil {
					return blk, err
				}
				blk.Groups = append(blk.Groups, g)
			}
			break
		}
		m, err := keywordMatch(n, path)
		if err != nil {
			return blk, err
		}
		blk.Groups = []MatchGroup{{m}}
	case yaml.ScalarNode:
		m, err := keywordMatch(n, path)
		if err != nil {
			return blk, err
		}
		blk.Groups = []MatchGroup{{m}}
	default:
		return blk, &ParseError{Reason: "detection block must be a mapping or a list", Path: path, Line: n.Line}
	}
	return blk, nil
}

func keywordMatch(n *yaml.Node, path string) (FieldMatch, error) {
	vals, err := nodeValues(n, path)
	if err != nil {
		return FieldMatch{}, err
	}
	for i, v := range vals {
		switch v.Kind {
		case KindNumber:
			vals[i] = Literal(v.NumberText())
		case KindLiteral:
			vals[i] = ParseString(v.Str)
		}
	}
	return FieldMatch{Op: OpEquals, Value: collapse(vals)}, nil
}

// parseGroup: các key trong cùng mapping AND với nhau. Key trùng: lấy cái sau.
func parseGroup(n *yaml.Node, path string) (MatchGroup, error) {
	if len(n.Content) == 0 {
		return nil, &ParseError{Reason: "empty detection block", Path: path, Line: n.Line}
	}
	var g MatchGroup
	index := map[string]int{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		keyNode, valNode := n.Content[i], n.Content[i+1]
		kp := path + "." + keyNode.Value
		m, err := parseFieldMatch(keyNode.Value, valNode, kp)
		if err != nil {
			if pe, ok := err.(*ParseError); ok && pe.Line == 0 {
				pe.Line = keyNode.Line
			}
			return nil, err
		}
		if at, ok := index[keyNode.Value]; ok {
			g[at] = m
			continue
		}
		index[keyNode.Value] = len(g)
		g = append(g, m)
	}
	return g, nil
}

func parseFieldMatch(key string, n *yaml.Node, path string) (FieldMatch, error) {
	field, op, mods, err := parseFieldKey(key)
	if err != nil {
		return FieldMatch{}, &ParseError{Reason: err.Error(), Path: path}
	}
	if field == "" {
		return FieldMatch{}, &ParseError{Reason: "empty field name", Path: path}
	}
	raw, err := nodeValues(n, path)
	if err != nil {
		return FieldMatch{}, err
	}

	vals := make([]Value, 0, len(raw))
	for _, v := range raw {
		cv, err := coerce(op, v)
		if err != nil {
			return FieldMatch{}, &ParseError{Reason: err.Error(), Path: path}
		}
		enc, err := applyEncoders(cv, mods.Encoders)
		if err != nil {
			return FieldMatch{}, &ParseError{Reason: err.Error(), Path: path}
		}
		vals = append(vals, enc...)
	}
	if len(vals) == 0 {
		return FieldMatch{}, &ParseError{Reason: "no values", Path: path}
	}
	if op == OpExists && len(vals) != 1 {
		return FieldMatch{}, &ParseError{Reason: "exists takes a single boolean", Path: path}
	}
	return FieldMatch{
		Field: field,
		Op:    op,
		Value: collapse(vals),
		All:   mods.All,
		Cased: mods.Cased,
	}, nil
}

// coerce ép value thô theo operator.
func coerce(op Operator, v Value) (Value, error) {
	switch {
	case op == OpExists:
		if v.Kind != KindBool {
			return v, fmt.Errorf("exists expects true or false, got %q", v.String())
		}
		return v, nil
	case op.IsNumeric():
		if v.Kind == KindNumber {
			return v, nil
		}
		if v.Kind == KindLiteral {
			if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
				return numberValue(f, v.Str), nil
			}
		}
		return v, fmt.Errorf("%s expects a number, got %q", op, v.String())
	case op == OpRegex:
		switch v.Kind {
		case KindLiteral:
			return Regex(v.Str), nil
		case KindNumber:
			return Regex(v.NumberText()), nil
		}
		return v, fmt.Errorf("re expects a string, got %s", v.Kind)
	case op == OpCIDR:
		s := v.String()
		if _, _, err := net.ParseCIDR(s); err != nil {
			return v, fmt.Errorf("invalid cidr %q", s)
		}
		return Literal(s), nil
	case op == OpEquals:
		if v.Kind == KindLiteral {
			return ParseString(v.Str), nil
		}
		return v, nil
	}
	// contains / startswith / endswith
	switch v.Kind {
	case KindLiteral:
		return ParseString(v.Str), nil
	case KindNumber:
		return Literal(v.NumberText()), nil
	case KindBool:
		return Literal(strconv.FormatBool(v.Bool)), nil
	}
	return v, fmt.Errorf("%s expects a string, got %s", op, v.Kind)
}

func collapse(vals []Value) Value {
	if len(vals) == 1 {
		return vals[0]
	}
	return ListOf(vals...)
}

// nodeValues: scalar → 1 value; sequence (lồng nhau được) → phẳng.
func nodeValues(n *yaml.Node, path string) ([]Value, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		v, err := scalarValue(n)
		if err != nil {
			return nil, &ParseError{Reason: err.Error(), Path: path, Line: n.Line}
		}
		return []Value{v}, nil
	case yaml.SequenceNode:
		var out []Value
		for _, item := range n.Content {
			vs, err := nodeValues(item, path)
			if err != nil {
				return nil, err
			}
			out = append(out, vs...)
		}
		return out, nil
	case yaml.AliasNode:
		return nodeValues(n.Alias, path)
	}
	return nil, &ParseError{Reason: "value must be a scalar or a list of scalars", Path: path, Line: n.Line}
}

func scalarValue(n *yaml.Node) (Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return Null(), nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return Value{}, err
		}
		return numberValue(f, n.Value), nil
	}
	// chuỗi giữ nguyên văn; coerce quyết định wildcard hay regex
	return Literal(n.Value), nil
}

func numberValue(f float64, text string) Value {
	if f == math.Trunc(f) && !strings.ContainsAny(text, ".eE") && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func scalarString(n *yaml.Node, path string) (string, error) {
	if isNull(n) {
		return "", nil
	}
	if n.Kind != yaml.ScalarNode {
		return "", &ParseError{Reason: "expected a string", Path: path, Line: n.Line}
	}
	return n.Value, nil
}

func stringList(n *yaml.Node, path string) ([]string, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, &ParseError{Reason: "expected a list of strings", Path: path, Line: n.Line}
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		if item.Kind != yaml.ScalarNode {
			return nil, &ParseError{Reason: "expected a list of strings", Path: path, Line: item.Line}
		}
		out = append(out, item.Value)
	}
	return out, nil
}

func stringMap(n *yaml.Node, path string) (map[string]string, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, &ParseError{Reason: "expected a mapping", Path: path, Line: n.Line}
	}
	out := make(map[string]string, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return nil, &ParseError{Reason: "expected a string value", Path: path + "." + k.Value, Line: v.Line}
		}
		out[k.Value] = v.Value
	}
	return out, nil
}
