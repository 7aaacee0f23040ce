package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PhucNguyen204/sigconv/pkg/backend"
	"github.com/PhucNguyen204/sigconv/pkg/pipeline"
	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

// Engine nối parser → pipeline → backend. Các registry chỉ đọc sau khi New,
// nên một Engine dùng chung được giữa nhiều goroutine.
type Engine struct {
	cfg       Config
	backends  *backend.Registry
	pipelines *pipeline.Registry
	log       zerolog.Logger
}

func New(backends *backend.Registry, pipelines *pipeline.Registry, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, backends: backends, pipelines: pipelines, log: logger}
}

// NewDefault: backend và pipeline dựng sẵn, DefaultConfig, không log.
func NewDefault() (*Engine, error) {
	pl, err := pipeline.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	return New(backend.NewDefaultRegistry(), pl, DefaultConfig(), zerolog.Nop()), nil
}

func (e *Engine) Config() Config { return e.cfg }

// ConvertRequest là một yêu cầu convert đầy đủ.
type ConvertRequest struct {
	Rule      []byte
	Target    string
	Format    string
	Pipelines []string
	// YAML của các stage riêng, chạy sau Pipelines
	CustomPipelines []byte
}

type Result struct {
	RuleID   string
	Title    string
	Target   string
	Format   string
	Stages   []string
	Queries  []string
	Warnings []string
}

// Text nối các query bằng newline.
func (r *Result) Text() string { return strings.Join(r.Queries, "\n") }

// Convert: rule text → danh sách query.
func (e *Engine) Convert(rule []byte, target, format string, pipelines []string) ([]string, error) {
	res, err := e.ConvertWith(ConvertRequest{Rule: rule, Target: target, Format: format, Pipelines: pipelines})
	if err != nil {
		return nil, err
	}
	return res.Queries, nil
}

// ConvertWith chạy Parse → Expand → Transform → Render. Backend/format được
// kiểm tra trước khi parse. Lỗi trả về nguyên kiểu (ParseError, ValidationError,
// pipeline.Error, GenerationError).
func (e *Engine) ConvertWith(req ConvertRequest) (*Result, error) {
	start := time.Now()
	if _, _, err := e.profile(req.Target, req.Format); err != nil {
		return nil, err
	}
	parsed, err := e.Parse(req.Rule)
	if err != nil {
		return nil, err
	}
	expanded, err := e.Expand(parsed)
	if err != nil {
		return nil, err
	}
	stages, err := e.Stages(req.Pipelines, req.CustomPipelines, req.Target)
	if err != nil {
		return nil, err
	}
	transformed, err := e.Transform(expanded, stages)
	if err != nil {
		return nil, err
	}
	rendered, err := e.Render(transformed, req.Target, req.Format)
	if err != nil {
		return nil, err
	}

	rule := parsed.Rule
	e.log.Debug().
		Str("rule_id", rule.ID).
		Str("target", rendered.Backend).
		Str("format", rendered.Format).
		Strs("pipelines", transformed.Stages).
		Int("queries", len(rendered.Queries)).
		Dur("took", time.Since(start)).
		Msg("rule converted")

	return &Result{
		RuleID:   rule.ID,
		Title:    rule.Title,
		Target:   rendered.Backend,
		Format:   rendered.Format,
		Stages:   transformed.Stages,
		Queries:  rendered.Queries,
		Warnings: append([]string(nil), rule.Warnings...),
	}, nil
}

// Parse đọc rule YAML.
func (e *Engine) Parse(text []byte) (Parsed, error) {
	if e.cfg.MaxRuleBytes > 0 && len(text) > e.cfg.MaxRuleBytes {
		return Parsed{}, &sigma.ParseError{Reason: fmt.Sprintf("rule is %d bytes, limit is %d", len(text), e.cfg.MaxRuleBytes)}
	}
	r, err := sigma.Loader{Logger: e.log}.Parse(text)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{Rule: r}, nil
}

// Expand áp dụng fieldmapping của rule, mở rộng quantifier rồi chuẩn hoá condition.
func (e *Engine) Expand(p Parsed) (Expanded, error) {
	r := p.Rule.Clone()
	if e.cfg.ApplyFieldOverrides && r.FieldMapping.Len() > 0 {
		st, err := pipeline.NewStage("fieldmapping", "Rule field overrides", nil, pipeline.Transformation{
			Action:  pipeline.ActionRenameField,
			Mapping: r.FieldMapping.Mappings(),
		})
		if err != nil {
			return Expanded{}, err
		}
		if r, err = st.Apply(r); err != nil {
			return Expanded{}, err
		}
	}
	r.Condition = sigma.Normalize(sigma.ExpandQuantifiers(r.Condition, r.Blocks))
	return Expanded{Rule: r}, nil
}

// Stages tra các stage theo tên rồi nối thêm stage từ YAML riêng.
// Strict: stage không dành cho target là lỗi; ngược lại bỏ qua.
func (e *Engine) Stages(names []string, custom []byte, target string) ([]*pipeline.Stage, error) {
	filter := target
	if !e.cfg.StrictBackendPipelines {
		filter = ""
	}
	stages, err := e.pipelines.Resolve(names, filter)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(custom))) > 0 {
		extra, err := pipeline.ParseStages(custom)
		if err != nil {
			return nil, err
		}
		stages = append(stages, extra...)
	}

	out := stages[:0]
	for _, s := range stages {
		if s.AllowsBackend(target) {
			out = append(out, s)
			continue
		}
		if e.cfg.StrictBackendPipelines {
			return nil, &pipeline.Error{Name: s.Name, Reason: fmt.Sprintf("not applicable to backend %q", target)}
		}
		e.log.Warn().Str("pipeline", s.Name).Str("target", target).Msg("pipeline skipped: not applicable to backend")
	}
	return out, nil
}

// Transform chạy pipeline rồi chuẩn hoá lại condition (drop-detection có thể sinh hằng).
func (e *Engine) Transform(x Expanded, stages []*pipeline.Stage) (Transformed, error) {
	r, err := pipeline.Apply(x.Rule, stages)
	if err != nil {
		return Transformed{}, err
	}
	r.Condition = sigma.Normalize(r.Condition)
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return Transformed{Rule: r, Stages: names}, nil
}

func (e *Engine) Render(t Transformed, target, format string) (Rendered, error) {
	p, f, err := e.profile(target, format)
	if err != nil {
		return Rendered{}, err
	}
	qs, err := backend.Render(t.Rule, p, f)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Backend: p.Name, Format: f, Queries: qs}, nil
}

func (e *Engine) profile(target, format string) (*backend.Profile, string, error) {
	p, err := e.backends.Get(target)
	if err != nil {
		return nil, "", err
	}
	if format == "" {
		format = e.cfg.DefaultFormat
	}
	f, err := p.Format(format)
	if err != nil {
		return nil, "", err
	}
	if f.Split && !e.cfg.EnableSplitFormats {
		return nil, "", &backend.GenerationError{Backend: p.Name, Reason: fmt.Sprintf("format %q is disabled", f.Name)}
	}
	if e.cfg.KeywordField != "" {
		cp := *p
		cp.DefaultField = e.cfg.KeywordField
		p = &cp
	}
	return p, f.Name, nil
}

type BackendInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type FormatInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Target      string `json:"target"`
}

type PipelineInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Targets     []string `json:"targets"`
}

func (e *Engine) ListBackends() []BackendInfo {
	ps := e.backends.List()
	out := make([]BackendInfo, 0, len(ps))
	for _, p := range ps {
		out = append(out, BackendInfo{Name: p.Name, Description: p.Description})
	}
	return out
}

// ListFormats: target rỗng = mọi backend.
func (e *Engine) ListFormats(target string) ([]FormatInfo, error) {
	ps := e.backends.List()
	if target != "" {
		p, err := e.backends.Get(target)
		if err != nil {
			return nil, err
		}
		ps = []*backend.Profile{p}
	}
	var out []FormatInfo
	for _, p := range ps {
		for _, f := range p.Formats {
			if f.Split && !e.cfg.EnableSplitFormats {
				continue
			}
			out = append(out, FormatInfo{Name: f.Name, Description: f.Description, Target: p.Name})
		}
	}
	return out, nil
}

// ListPipelines: target rỗng = mọi pipeline. Targets rỗng nghĩa là dùng được cho mọi backend.
func (e *Engine) ListPipelines(target string) []PipelineInfo {
	stages := e.pipelines.List(target)
	out := make([]PipelineInfo, 0, len(stages))
	for _, s := range stages {
		targets := append([]string{}, s.Backends...)
		out = append(out, PipelineInfo{Name: s.Name, Description: s.Description, Targets: targets})
	}
	return out
}
