package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

type stageDoc struct {
	Name            string              `yaml:"name"`
	Description     string              `yaml:"description"`
	Backends        []string            `yaml:"backends"`
	Transformations []transformationDoc `yaml:"transformations"`
}

type transformationDoc struct {
	ID        string                  `yaml:"id"`
	Type      string                  `yaml:"type"`
	Fields    []string                `yaml:"fields"`
	Blocks    []string                `yaml:"blocks"`
	Logsource map[string]string       `yaml:"logsource"`
	Mapping   map[string]string       `yaml:"mapping"`
	Prefix    string                  `yaml:"prefix"`
	Values    valueMappings           `yaml:"values"`
	Block     string                  `yaml:"block"`
	Detection yaml.Node               `yaml:"detection"`
	Operator  string                  `yaml:"operator"`
	Ref       string                  `yaml:"ref"`
	Negate    bool                    `yaml:"negate"`
}

// stringOrList nhận cả "x" lẫn ["x", "y"].
type stringOrList []string

func (s *stringOrList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*s = []string{n.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return err
		}
		*s = out
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
}

// valueMappings giữ thứ tự khai báo: với key wildcard chồng nhau, key đầu tiên khớp thắng.
type valueMappings []ValueMapping

func (v *valueMappings) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: values must be a mapping", n.Line)
	}
	out := make(valueMappings, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		var to stringOrList
		if err := to.UnmarshalYAML(n.Content[i+1]); err != nil {
			return err
		}
		out = append(out, ValueMapping{From: n.Content[i].Value, To: to})
	}
	*v = out
	return nil
}

// ParseStages đọc một hoặc nhiều stage từ YAML (các document cách nhau bởi ---).
// Document rỗng bị bỏ qua.
func ParseStages(data []byte) ([]*Stage, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*Stage
	for i := 1; ; i++ {
		var doc stageDoc
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		label := fmt.Sprintf("custom #%d", i)
		if err != nil {
			return nil, errorf(label, "malformed yaml: %s", err)
		}
		if doc.Name == "" && len(doc.Transformations) == 0 {
			continue
		}
		if doc.Name == "" {
			doc.Name = label
		}
		s, err := doc.toStage()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d stageDoc) toStage() (*Stage, error) {
	ts := make([]Transformation, 0, len(d.Transformations))
	for i, td := range d.Transformations {
		t := Transformation{
			ID:        td.ID,
			Action:    Action(strings.ToLower(strings.TrimSpace(td.Type))),
			Fields:    td.Fields,
			Blocks:    td.Blocks,
			Logsource: td.Logsource,
			Mapping:   td.Mapping,
			Prefix:    td.Prefix,
			Wrap:      Wrap{Operator: td.Operator, Ref: td.Ref, Negate: td.Negate},
		}
		t.Values = append(t.Values, td.Values...)
		if t.Action == ActionInsertDetection {
			if td.Block == "" || td.Detection.Kind == 0 {
				return nil, errorf(d.Name, "transformation #%d: insert-detection needs block and detection", i+1)
			}
			blk, err := sigma.ParseDetectionBlock(td.Block, &td.Detection)
			if err != nil {
				return nil, errorf(d.Name, "transformation #%d: %s", i+1, err)
			}
			t.Block = &blk
		}
		ts = append(ts, t)
	}
	return NewStage(d.Name, d.Description, d.Backends, ts...)
}

// LoadDir đọc mọi file .yml/.yaml trong dir (không đệ quy), theo thứ tự tên file.
func LoadDir(dir string) ([]*Stage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipeline dir %s: %w", dir, err)
	}
	var out []*Stage
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		stages, err := ParseStages(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, stages...)
	}
	return out, nil
}
