package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

func mustRule(t *testing.T, src string) *sigma.Rule {
	t.Helper()
	r, err := sigma.ParseRule([]byte(src))
	require.NoError(t, err)
	return r
}

func renameStage(t *testing.T, name, from, to string) *Stage {
	t.Helper()
	s, err := NewStage(name, "", nil, Transformation{
		Action:  ActionRenameField,
		Mapping: map[string]string{from: to},
	})
	require.NoError(t, err)
	return s
}

func firstMatch(r *sigma.Rule) sigma.FieldMatch {
	return r.Blocks[0].Groups[0][0]
}

const simpleRule = `
title: simple
logsource: {category: process_creation, product: windows}
detection:
  sel:
    field1: x
  condition: sel
`

func TestApplyOrderSensitivity(t *testing.T) {
	rule := mustRule(t, simpleRule)
	a := renameStage(t, "a", "field1", "field2")
	b := renameStage(t, "b", "field2", "field3")

	ab, err := Apply(rule, []*Stage{a, b})
	require.NoError(t, err)
	assert.Equal(t, "field3", firstMatch(ab).Field)

	ba, err := Apply(rule, []*Stage{b, a})
	require.NoError(t, err)
	assert.Equal(t, "field2", firstMatch(ba).Field)

	// rule gốc không bị sửa
	assert.Equal(t, "field1", firstMatch(rule).Field)
}

func TestApplyWithoutStagesReturnsCopy(t *testing.T) {
	rule := mustRule(t, simpleRule)
	out, err := Apply(rule, nil)
	require.NoError(t, err)
	assert.NotSame(t, rule, out)
	assert.Equal(t, rule.BlockNames(), out.BlockNames())
}

func TestStagePhasesRunRenamesFirst(t *testing.T) {
	rule := mustRule(t, simpleRule)
	s, err := NewStage("phases", "", nil,
		Transformation{
			Action: ActionMapValue,
			Fields: []string{"renamed"},
			Values: []ValueMapping{{From: "x", To: []string{"y"}}},
		},
		Transformation{
			Action:  ActionRenameField,
			Mapping: map[string]string{"field1": "renamed"},
		},
	)
	require.NoError(t, err)

	out, err := s.Apply(rule)
	require.NoError(t, err)
	m := firstMatch(out)
	assert.Equal(t, "renamed", m.Field)
	assert.Equal(t, sigma.Literal("y"), m.Value)
}

func TestRenameCollisionMergesValues(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    Image: a.exe
    NewProcessName: b.exe
  condition: sel
`)
	out, err := Apply(rule, []*Stage{renameStage(t, "r", "Image", "NewProcessName")})
	require.NoError(t, err)

	g := out.Blocks[0].Groups[0]
	require.Len(t, g, 1)
	assert.Equal(t, "NewProcessName", g[0].Field)
	assert.Equal(t, sigma.ListOf(sigma.Literal("a.exe"), sigma.Literal("b.exe")), g[0].Value)
}

func TestRenameCollisionSplitsDifferentOperators(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    Image|endswith: a.exe
    NewProcessName: b.exe
    User: bob
  condition: sel
`)
	out, err := Apply(rule, []*Stage{renameStage(t, "r", "Image", "NewProcessName")})
	require.NoError(t, err)

	// (User ∧ endswith a.exe) ∨ (User ∧ = b.exe)
	groups := out.Blocks[0].Groups
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	require.Len(t, groups[1], 2)
	assert.Equal(t, "NewProcessName", groups[0][0].Field)
	assert.Equal(t, sigma.OpEndsWith, groups[0][0].Op)
	assert.Equal(t, "User", groups[0][1].Field)
	assert.Equal(t, "NewProcessName", groups[1][0].Field)
	assert.Equal(t, sigma.OpEquals, groups[1][0].Op)
	assert.Equal(t, "User", groups[1][1].Field)
}

func TestRenameCollisionSplitsAllModifier(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    CommandLine|contains|all: [a, b]
    ProcessCommandLine|contains: c
  condition: sel
`)
	out, err := Apply(rule, []*Stage{renameStage(t, "r", "ProcessCommandLine", "CommandLine")})
	require.NoError(t, err)

	groups := out.Blocks[0].Groups
	require.Len(t, groups, 2)
	assert.True(t, groups[0][0].All)
	assert.False(t, groups[1][0].All)
	assert.Equal(t, sigma.Literal("c"), groups[1][0].Value)
}

func TestRenameSameSourceKeepsAnd(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    Image|startswith: 'C:\'
    Image|endswith: '.exe'
  condition: sel
`)
	out, err := Apply(rule, []*Stage{renameStage(t, "r", "Image", "NewProcessName")})
	require.NoError(t, err)

	groups := out.Blocks[0].Groups
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
}

func TestPrefixField(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    EventID: 1
    Image: a.exe
  condition: sel
`)
	s, err := NewStage("p", "", nil, Transformation{
		Action: ActionPrefixField,
		Fields: []string{"Event*"},
		Prefix: "winlog.",
	})
	require.NoError(t, err)

	out, err := s.Apply(rule)
	require.NoError(t, err)
	g := out.Blocks[0].Groups[0]
	assert.Equal(t, "winlog.EventID", g[0].Field)
	assert.Equal(t, "Image", g[1].Field)

	// áp dụng lần hai không thêm prefix nữa
	again, err := s.Apply(out)
	require.NoError(t, err)
	assert.Equal(t, "winlog.EventID", again.Blocks[0].Groups[0][0].Field)
}

func TestMapValue(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    EventID: 4688
    Image: cmd.exe
  condition: sel
`)
	s, err := NewStage("m", "", nil,
		Transformation{
			Action: ActionMapValue,
			Fields: []string{"EventID"},
			Values: []ValueMapping{{From: "4688", To: []string{"1", "4688"}}},
		},
		Transformation{
			Action: ActionMapValue,
			Fields: []string{"Image"},
			Values: []ValueMapping{{From: "*.exe", To: []string{"*.exe"}}},
		},
	)
	require.NoError(t, err)

	out, err := s.Apply(rule)
	require.NoError(t, err)
	g := out.Blocks[0].Groups[0]
	assert.Equal(t, sigma.ListOf(sigma.Int(1), sigma.Int(4688)), g[0].Value)
	assert.Equal(t, sigma.KindWildcard, g[1].Value.Kind)
	assert.Equal(t, "*.exe", g[1].Value.Str)
}

func TestReplaceString(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    Image: 'C:\Windows\System32\cmd.exe'
    CommandLine|contains: '*temp*'
    Other|re: 'C:\\Windows'
  condition: sel
`)
	s, err := NewStage("rs", "", nil, Transformation{
		Action: ActionReplaceString,
		Mapping: map[string]string{
			`C:\`:        `%SystemDrive%\`,
			`C:\Windows`: `%windir%`,
			"temp":       "tmp",
		},
	})
	require.NoError(t, err)

	out, err := s.Apply(rule)
	require.NoError(t, err)
	g := out.Blocks[0].Groups[0]
	assert.Equal(t, sigma.Literal(`%windir%\System32\cmd.exe`), g[0].Value)
	assert.Equal(t, sigma.KindWildcard, g[1].Value.Kind)
	assert.Equal(t, "*tmp*", g[1].Value.Str)
	assert.Equal(t, sigma.Regex(`C:\\Windows`), g[2].Value, "regex values are left alone")
}

func TestReplacerNonOverlapping(t *testing.T) {
	r := newReplacer(map[string]string{"aa": "b"})
	assert.Equal(t, "ba", r.Replace("aaa"))
	assert.Equal(t, "xyz", r.Replace("xyz"))
}

func TestInsertAndWrapCondition(t *testing.T) {
	rule := mustRule(t, simpleRule)
	s, err := NewStage("idx", "", nil,
		// wrap khai báo trước nhưng chạy sau insert
		Transformation{
			Action: ActionWrapCondition,
			Wrap:   Wrap{Operator: "and", Ref: "index_sel"},
		},
		Transformation{
			Action: ActionInsertDetection,
			Block: &sigma.DetectionBlock{
				Name:   "index_sel",
				Groups: []sigma.MatchGroup{{{Field: "index", Op: sigma.OpEquals, Value: sigma.Literal("windows")}}},
			},
		},
	)
	require.NoError(t, err)

	out, err := s.Apply(rule)
	require.NoError(t, err)
	assert.Equal(t, []string{"sel", "index_sel"}, out.BlockNames())
	assert.Equal(t, "index_sel and sel", out.Condition.String())
}

func TestWrapNegatedOr(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    a: b
  allow:
    c: d
  condition: sel
`)
	s, err := NewStage("w", "", nil, Transformation{
		Action: ActionWrapCondition,
		Wrap:   Wrap{Operator: "or", Ref: "allow", Negate: true},
	})
	require.NoError(t, err)
	out, err := s.Apply(rule)
	require.NoError(t, err)
	assert.Equal(t, "not allow or sel", out.Condition.String())
}

func TestWrapUnknownRefIsPipelineError(t *testing.T) {
	rule := mustRule(t, simpleRule)
	s, err := NewStage("broken", "", nil, Transformation{
		Action: ActionWrapCondition,
		Wrap:   Wrap{Ref: "missing"},
	})
	require.NoError(t, err)

	_, err = Apply(rule, []*Stage{s})
	var pe *Error
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, "broken", pe.Name)
}

func TestDropDetectionPrunesCondition(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    a: b
  filter_a:
    c: d
  filter_b:
    e: f
  condition: sel and not (filter_a or filter_b)
`)
	s, err := NewStage("drop", "", nil, Transformation{
		Action: ActionDropDetection,
		Blocks: []string{"filter_*"},
	})
	require.NoError(t, err)

	out, err := s.Apply(rule)
	require.NoError(t, err)
	assert.Equal(t, []string{"sel"}, out.BlockNames())
	assert.Equal(t, "sel", out.Condition.String())

	all, err := NewStage("drop-all", "", nil, Transformation{
		Action: ActionDropDetection,
		Blocks: []string{"*"},
	})
	require.NoError(t, err)
	out, err = all.Apply(rule)
	require.NoError(t, err)
	assert.Empty(t, out.Blocks)
	assert.Equal(t, sigma.ExprTrue, out.Condition.Kind)
}

func TestDropDetectionByField(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    Image: a
  ids:
    EventID: 1
  condition: sel and ids
`)
	s, err := NewStage("d", "", nil, Transformation{
		Action: ActionDropDetection,
		Fields: []string{"EventID"},
	})
	require.NoError(t, err)
	out, err := s.Apply(rule)
	require.NoError(t, err)
	assert.Equal(t, "sel", out.Condition.String())
}

func TestNewStageValidation(t *testing.T) {
	cases := []Transformation{
		{Action: ActionRenameField},
		{Action: ActionPrefixField},
		{Action: ActionMapValue},
		{Action: ActionReplaceString},
		{Action: ActionInsertDetection},
		{Action: ActionDropDetection},
		{Action: ActionWrapCondition},
		{Action: ActionWrapCondition, Wrap: Wrap{Operator: "xor", Ref: "a"}},
		{Action: "explode"},
	}
	for _, c := range cases {
		_, err := NewStage("bad", "", nil, c)
		var pe *Error
		if !errors.As(err, &pe) {
			t.Errorf("%s: expected *Error, got %v", c.Action, err)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)

	stages, err := reg.Resolve([]string{"sysmon", "splunk-cim"}, "splunk")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "sysmon", stages[0].Name)

	_, err = reg.Resolve([]string{"sysmon", "nope"}, "splunk")
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "nope", pe.Name)
	assert.Equal(t, `PipelineError: unknown pipeline "nope"`, err.Error())

	_, err = reg.Resolve([]string{"ecs-windows"}, "splunk")
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "ecs-windows", pe.Name)

	_, err = reg.Resolve([]string{"ecs-windows"}, "")
	assert.NoError(t, err)
}

func TestRegistryList(t *testing.T) {
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)

	var names []string
	for _, s := range reg.List("splunk") {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"splunk-cim", "sysmon", "windows-audit"}, names)
	assert.Len(t, reg.List(""), 6)

	_, err = NewRegistry(renameStage(t, "x", "a", "b"), renameStage(t, "x", "c", "d"))
	assert.Error(t, err)
}

func TestBuiltinSysmonWrapsProcessCreation(t *testing.T) {
	rule := mustRule(t, simpleRule)
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	stages, err := reg.Resolve([]string{"sysmon"}, "splunk")
	require.NoError(t, err)

	out, err := Apply(rule, stages)
	require.NoError(t, err)
	assert.Equal(t, "_process_creation_eventid and sel", out.Condition.String())
	blk, ok := out.Block("_process_creation_eventid")
	require.True(t, ok)
	assert.Equal(t, sigma.Int(1), blk.Groups[0][0].Value)

	// logsource khác: không làm gì
	other := mustRule(t, "logsource: {category: webserver}\ndetection:\n  sel:\n    a: b\n  condition: sel\n")
	out, err = Apply(other, stages)
	require.NoError(t, err)
	assert.Equal(t, "sel", out.Condition.String())
}

func TestBuiltinChainDropsInsertedEventID(t *testing.T) {
	rule := mustRule(t, `
logsource: {category: process_creation, product: windows}
detection:
  sel:
    Image|endswith: '\cmd.exe'
  condition: sel
`)
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	stages, err := reg.Resolve([]string{"sysmon", "kusto-device-events"}, "kusto")
	require.NoError(t, err)

	out, err := Apply(rule, stages)
	require.NoError(t, err)
	assert.Equal(t, []string{"sel"}, out.BlockNames())
	assert.Equal(t, "sel", out.Condition.String())
	assert.Equal(t, "FolderPath", firstMatch(out).Field)
}

func TestBuiltinSplunkCIMDirection(t *testing.T) {
	rule := mustRule(t, `
detection:
  sel:
    Initiated: 'true'
    DestinationPort: 3389
  condition: sel
`)
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	stages, err := reg.Resolve([]string{"splunk-cim"}, "splunk")
	require.NoError(t, err)

	out, err := Apply(rule, stages)
	require.NoError(t, err)
	g := out.Blocks[0].Groups[0]
	assert.Equal(t, "direction", g[0].Field)
	assert.Equal(t, sigma.Literal("outbound"), g[0].Value)
	assert.Equal(t, "dest_port", g[1].Field)
}

const customYAML = `
name: custom-index
backends: [splunk]
transformations:
  - id: index
    type: insert-detection
    block: index_sel
    detection:
      index: windows
  - type: wrap-condition
    operator: and
    ref: index_sel
---
---
name: custom-values
transformations:
  - type: map-value
    fields: [EventID]
    values:
      "4688": ["1", "4688"]
      "1": "4688"
  - type: replace-string
    mapping:
      "C:\\": "%SystemDrive%\\"
`

func TestParseStages(t *testing.T) {
	stages, err := ParseStages([]byte(customYAML))
	require.NoError(t, err)
	require.Len(t, stages, 2)

	assert.Equal(t, "custom-index", stages[0].Name)
	assert.True(t, stages[0].AllowsBackend("splunk"))
	assert.False(t, stages[0].AllowsBackend("sql"))
	ts := stages[0].Transformations()
	require.Len(t, ts, 2)
	require.NotNil(t, ts[0].Block)
	assert.Equal(t, "index_sel", ts[0].Block.Name)

	vals := stages[1].Transformations()[0].Values
	require.Len(t, vals, 2)
	// thứ tự khai báo, không sắp xếp
	assert.Equal(t, ValueMapping{From: "4688", To: []string{"1", "4688"}}, vals[0])
	assert.Equal(t, ValueMapping{From: "1", To: []string{"4688"}}, vals[1])

	out, err := Apply(mustRule(t, simpleRule), stages)
	require.NoError(t, err)
	assert.Equal(t, "index_sel and sel", out.Condition.String())
}

func TestParseStagesValuesKeepDeclarationOrder(t *testing.T) {
	stages, err := ParseStages([]byte(`
name: images
transformations:
  - type: map-value
    fields: [Image]
    values:
      "cmd*": first
      "*.exe": second
`))
	require.NoError(t, err)
	require.Len(t, stages, 1)

	out, err := stages[0].Apply(mustRule(t, "detection:\n  sel:\n    Image: cmd.exe\n  condition: sel\n"))
	require.NoError(t, err)
	assert.Equal(t, sigma.Literal("first"), firstMatch(out).Value)
}

func TestParseStagesErrors(t *testing.T) {
	for _, src := range []string{
		"name: x\ntransformations:\n  - type: explode\n",
		"name: x\ntransformations:\n  - type: insert-detection\n    block: b\n",
		"name: x\ntransformations:\n  - type: insert-detection\n    block: b\n    detection:\n      F|nope: 1\n",
		"name: [unclosed\n",
	} {
		_, err := ParseStages([]byte(src))
		var pe *Error
		assert.True(t, errors.As(err, &pe), "src %q: got %v", src, err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("name: second\ntransformations:\n  - type: prefix-field\n    prefix: x.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: first\ntransformations:\n  - type: prefix-field\n    prefix: y.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	stages, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "first", stages[0].Name)
	assert.Equal(t, "second", stages[1].Name)

	_, err = LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestLoadDirTestdata(t *testing.T) {
	stages, err := LoadDir("../../testdata/pipelines")
	require.NoError(t, err)
	require.Len(t, stages, 1)

	s := stages[0]
	assert.Equal(t, "ecs-process-lite", s.Name)
	assert.True(t, s.AllowsBackend("lucene"))
	assert.False(t, s.AllowsBackend("splunk"))

	out, err := s.Apply(mustRule(t, `
logsource:
  category: process_creation
detection:
  sel:
    EventID: 1
    Image|endswith: '\cmd.exe'
  condition: sel
`))
	require.NoError(t, err)
	var fields []string
	for _, m := range out.Blocks[0].Groups[0] {
		fields = append(fields, m.Field)
	}
	assert.Equal(t, []string{"winlog.EventID", "process.executable"}, fields)
}
