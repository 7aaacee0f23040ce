package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/PhucNguyen204/sigconv/pkg/backend"
	"github.com/PhucNguyen204/sigconv/pkg/pipeline"
	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

func mustReadRule(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("../../testdata/rules", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return b
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	pl, err := pipeline.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("pipelines: %v", err)
	}
	return New(backend.NewDefaultRegistry(), pl, cfg, zerolog.Nop())
}

func mustConvert(t *testing.T, e *Engine, rule []byte, target, format string, pipelines ...string) []string {
	t.Helper()
	qs, err := e.Convert(rule, target, format, pipelines)
	if err != nil {
		t.Fatalf("convert to %s: %v", target, err)
	}
	return qs
}

func TestConvert_ProcessCreationScenario(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	rule := []byte(`
title: exe
detection:
  sel:
    EventID: 4688
    Image|endswith: '.exe'
  condition: sel
`)
	qs := mustConvert(t, e, rule, "sql", "")
	if len(qs) != 1 || qs[0] != `EventID=4688 AND Image LIKE "%.exe"` {
		t.Fatalf("unexpected query: %q", qs)
	}
}

func TestConvert_WhoamiWithWindowsAudit(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	rule := mustReadRule(t, "proc_creation_win_susp_whoami.yml")

	plain := mustConvert(t, e, rule, "splunk", "")
	want := `EventID=4688 Image="*\\whoami.exe" NOT User IN ("*AUTHORI*", "*AUTORI*")`
	if plain[0] != want {
		t.Fatalf("plain:\n got %s\nwant %s", plain[0], want)
	}

	audited := mustConvert(t, e, rule, "splunk", "", "windows-audit")
	want = `EventID=4688 EventID=4688 NewProcessName="*\\whoami.exe" NOT SubjectUserName IN ("*AUTHORI*", "*AUTORI*")`
	if audited[0] != want {
		t.Fatalf("windows-audit:\n got %s\nwant %s", audited[0], want)
	}
}

func TestConvert_RDPToKusto(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	qs := mustConvert(t, e, mustReadRule(t, "net_connection_win_rdp_outbound.yml"), "kusto", "")
	want := `DestinationPort == 3389 and Initiated =~ "true" and ` +
		`not(Image endswith "\\mstsc.exe" or Image startswith "C:\\Program Files\\") and ` +
		`not(ipv4_is_in_range(DestinationIp, "127.0.0.0/8") or ipv4_is_in_range(DestinationIp, "10.0.0.0/8"))`
	if qs[0] != want {
		t.Fatalf("\n got %s\nwant %s", qs[0], want)
	}
}

func TestConvert_AllTestdataRulesDeterministic(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	files, err := filepath.Glob("../../testdata/rules/*.yml")
	if err != nil || len(files) == 0 {
		t.Fatalf("no testdata rules: %v", err)
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		for _, target := range []string{"splunk", "lucene"} {
			first := mustConvert(t, e, b, target, "")
			for i := 0; i < 3; i++ {
				again := mustConvert(t, e, b, target, "")
				if strings.Join(first, "\n") != strings.Join(again, "\n") {
					t.Fatalf("%s/%s: output changed between runs", filepath.Base(f), target)
				}
			}
		}
	}
}

func TestConvert_QuantifierVacuity(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	oneOf := []byte("detection:\n  sel:\n    A: x\n  condition: sel and 1 of filter_*\n")
	allOf := []byte("detection:\n  sel:\n    A: x\n  condition: sel and all of filter_*\n")

	if qs := mustConvert(t, e, oneOf, "sql", ""); qs[0] != "1=0" {
		t.Fatalf("1 of nothing should be false, got %q", qs[0])
	}
	if qs := mustConvert(t, e, allOf, "sql", ""); qs[0] != `A="x"` {
		t.Fatalf("all of nothing should be true, got %q", qs[0])
	}
}

func TestConvert_CustomPipelineOrder(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	rule := []byte("detection:\n  sel:\n    field1: x\n  condition: sel\n")
	a := "name: a\ntransformations:\n  - type: rename-field\n    mapping: {field1: field2}\n"
	b := "name: b\ntransformations:\n  - type: rename-field\n    mapping: {field2: field3}\n"

	res, err := e.ConvertWith(ConvertRequest{Rule: rule, Target: "splunk", CustomPipelines: []byte(a + "---\n" + b)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text() != `field3="x"` {
		t.Fatalf("a then b: got %q", res.Text())
	}
	res, err = e.ConvertWith(ConvertRequest{Rule: rule, Target: "splunk", CustomPipelines: []byte(b + "---\n" + a)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text() != `field2="x"` {
		t.Fatalf("b then a: got %q", res.Text())
	}
	if len(res.Stages) != 2 || res.Stages[0] != "b" {
		t.Fatalf("stages: %v", res.Stages)
	}
}

func TestConvert_RenameCollisionBroadens(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	rule := []byte("detection:\n  sel:\n    Image|endswith: a.exe\n    NewProcessName: b.exe\n  condition: sel\n")
	custom := []byte("name: audit\ntransformations:\n  - type: rename-field\n    mapping: {Image: NewProcessName}\n")

	res, err := e.ConvertWith(ConvertRequest{Rule: rule, Target: "sql", CustomPipelines: custom})
	if err != nil {
		t.Fatal(err)
	}
	if want := `NewProcessName LIKE "%a.exe" OR NewProcessName="b.exe"`; res.Text() != want {
		t.Fatalf("got %q want %q", res.Text(), want)
	}
}

func TestConvert_ErrorKindsPassThrough(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	good := mustReadRule(t, "proc_creation_win_susp_whoami.yml")

	cases := []struct {
		name   string
		req    ConvertRequest
		target any
	}{
		{"malformed yaml", ConvertRequest{Rule: []byte("detection: [\n"), Target: "splunk"}, new(*sigma.ParseError)},
		{"no detection", ConvertRequest{Rule: []byte("title: x\n"), Target: "splunk"}, new(*sigma.ParseError)},
		{"undeclared ref", ConvertRequest{Rule: []byte("detection:\n  sel:\n    a: b\n  condition: sel and other\n"), Target: "splunk"}, new(*sigma.ValidationError)},
		{"unknown pipeline", ConvertRequest{Rule: good, Target: "splunk", Pipelines: []string{"nope"}}, new(*pipeline.Error)},
		{"pipeline for other backend", ConvertRequest{Rule: good, Target: "splunk", Pipelines: []string{"ecs-windows"}}, new(*pipeline.Error)},
		{"bad custom pipeline", ConvertRequest{Rule: good, Target: "splunk", CustomPipelines: []byte("name: x\ntransformations:\n  - type: explode\n")}, new(*pipeline.Error)},
		{"unknown target", ConvertRequest{Rule: good, Target: "qradar"}, new(*backend.GenerationError)},
		{"unknown format", ConvertRequest{Rule: good, Target: "sql", Format: "split"}, new(*backend.GenerationError)},
		{"unsupported operator", ConvertRequest{Rule: mustReadRule(t, "net_connection_win_rdp_outbound.yml"), Target: "sql"}, new(*backend.GenerationError)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := e.ConvertWith(c.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.As(err, c.target) {
				t.Fatalf("wrong kind %T: %v", err, err)
			}
		})
	}
}

func TestConvert_ValidationErrorMessage(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	_, err := e.Convert([]byte("detection:\n  sel:\n    a: b\n  condition: sel and other\n"), "splunk", "", nil)
	want := `ValidationError: condition references undeclared detection block "other"`
	if err == nil || err.Error() != want {
		t.Fatalf("got %v, want %s", err, want)
	}
}

func TestConvert_LenientSkipsForeignPipelines(t *testing.T) {
	e := mustEngine(t, LenientConfig())
	rule := []byte("detection:\n  sel:\n    Image: a.exe\n  condition: sel\n")
	qs := mustConvert(t, e, rule, "splunk", "", "ecs-windows", "splunk-cim")
	if qs[0] != `process_path="a.exe"` {
		t.Fatalf("got %q", qs[0])
	}
}

func TestConvert_FieldOverrides(t *testing.T) {
	rule := []byte(`
fieldmapping:
  Image: process_path
detection:
  sel:
    Image: a.exe
  condition: sel
`)
	on := mustConvert(t, mustEngine(t, DefaultConfig()), rule, "splunk", "")
	if on[0] != `process_path="a.exe"` {
		t.Fatalf("overrides on: %q", on[0])
	}
	off := mustConvert(t, mustEngine(t, DefaultConfig().WithFieldOverrides(false)), rule, "splunk", "")
	if off[0] != `Image="a.exe"` {
		t.Fatalf("overrides off: %q", off[0])
	}
}

func TestConvert_KeywordField(t *testing.T) {
	rule := mustReadRule(t, "web_keywords_webshell.yml")

	_, err := mustEngine(t, DefaultConfig()).Convert(rule, "sql", "", nil)
	var ge *backend.GenerationError
	if !errors.As(err, &ge) || ge.Operator != "keyword" {
		t.Fatalf("expected keyword GenerationError, got %v", err)
	}

	qs := mustConvert(t, mustEngine(t, DefaultConfig().WithKeywordField("_raw")), rule, "sql", "")
	want := `_raw IN ("=whoami", "=net%20user") OR _raw LIKE "cmd.exe%/c"`
	if qs[0] != want {
		t.Fatalf("\n got %s\nwant %s", qs[0], want)
	}
}

func TestConvert_Limits(t *testing.T) {
	rule := mustReadRule(t, "proc_creation_win_powershell_encoded.yml")

	_, err := mustEngine(t, DefaultConfig().WithMaxRuleBytes(64)).Convert(rule, "splunk", "", nil)
	var pe *sigma.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for oversized rule, got %v", err)
	}

	_, err = mustEngine(t, DefaultConfig().WithSplitFormats(false)).Convert(rule, "splunk", "split", nil)
	var ge *backend.GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GenerationError for disabled split format, got %v", err)
	}

	qs := mustConvert(t, mustEngine(t, DefaultConfig().WithDefaultFormat("split")), rule, "splunk", "")
	if len(qs) != 1 {
		t.Fatalf("top-level AND must not split, got %d queries", len(qs))
	}
}

func TestStates_Replayable(t *testing.T) {
	e := mustEngine(t, DefaultConfig())
	parsed, err := e.Parse(mustReadRule(t, "proc_creation_win_powershell_encoded.yml"))
	if err != nil {
		t.Fatal(err)
	}
	before := parsed.Rule.Condition.String()

	expanded, err := e.Expand(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Rule.Condition.String() != before {
		t.Fatal("Expand modified the parsed rule")
	}
	if expanded.Rule.Condition.HasQuantifiers() {
		t.Fatalf("quantifiers left after expand: %s", expanded.Rule.Condition)
	}

	expCond := expanded.Rule.Condition.String()
	sysmon, err := e.Stages([]string{"sysmon"}, nil, "splunk")
	if err != nil {
		t.Fatal(err)
	}
	withSysmon, err := e.Transform(expanded, sysmon)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := e.Transform(expanded, nil)
	if err != nil {
		t.Fatal(err)
	}
	if expanded.Rule.Condition.String() != expCond {
		t.Fatal("Transform modified the expanded rule")
	}

	a, err := e.Render(withSysmon, "splunk", "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Render(plain, "splunk", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(a.Queries[0], "EventID=1 ") {
		t.Fatalf("sysmon event id missing: %s", a.Queries[0])
	}
	if strings.Contains(b.Queries[0], "EventID=1") {
		t.Fatalf("plain render should not carry sysmon filter: %s", b.Queries[0])
	}
}

func TestListings(t *testing.T) {
	e := mustEngine(t, DefaultConfig())

	if got := len(e.ListBackends()); got != 4 {
		t.Fatalf("backends: %d", got)
	}

	fs, err := e.ListFormats("sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 2 || fs[0].Name != "default" || fs[1].Name != "query" || fs[1].Target != "sql" {
		t.Fatalf("sql formats: %+v", fs)
	}
	if _, err := e.ListFormats("nope"); err == nil {
		t.Fatal("expected error for unknown target")
	}
	all, _ := e.ListFormats("")
	noSplit, _ := mustEngine(t, DefaultConfig().WithSplitFormats(false)).ListFormats("")
	if len(all)-len(noSplit) != 3 {
		t.Fatalf("split formats: all=%d noSplit=%d", len(all), len(noSplit))
	}

	var names []string
	for _, p := range e.ListPipelines("kusto") {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "kusto-device-events,sysmon,windows-audit" {
		t.Fatalf("kusto pipelines: %v", names)
	}
}
