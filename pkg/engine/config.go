package engine

// Config của Engine. Zero value không dùng được trực tiếp: dùng DefaultConfig.
type Config struct {
	// Stage không dành cho backend đích: true = lỗi, false = bỏ qua và log warn
	StrictBackendPipelines bool `json:"strict_backend_pipelines"`

	// Áp dụng bảng "fieldmapping" khai báo trong rule trước các pipeline
	ApplyFieldOverrides bool `json:"apply_field_overrides"`

	// Format khi request không chỉ định
	DefaultFormat string `json:"default_format"`

	// Field thay cho keyword (ghi đè DefaultField của backend); rỗng = theo backend
	KeywordField string `json:"keyword_field"`

	// Cho phép các format tách query
	EnableSplitFormats bool `json:"enable_split_formats"`

	// Giới hạn kích thước rule (bytes), 0 = không giới hạn
	MaxRuleBytes int `json:"max_rule_bytes"`
}

func DefaultConfig() Config {
	return Config{
		StrictBackendPipelines: true,
		ApplyFieldOverrides:    true,
		DefaultFormat:          "default",
		EnableSplitFormats:     true,
		MaxRuleBytes:           1 << 20, // 1MB
	}
}

// LenientConfig bỏ qua stage không hợp backend thay vì báo lỗi.
func LenientConfig() Config {
	return DefaultConfig().WithStrictBackendPipelines(false)
}

func (c Config) WithStrictBackendPipelines(enable bool) Config {
	c.StrictBackendPipelines = enable
	return c
}

func (c Config) WithFieldOverrides(enable bool) Config {
	c.ApplyFieldOverrides = enable
	return c
}

func (c Config) WithDefaultFormat(name string) Config {
	c.DefaultFormat = name
	return c
}

func (c Config) WithKeywordField(field string) Config {
	c.KeywordField = field
	return c
}

func (c Config) WithSplitFormats(enable bool) Config {
	c.EnableSplitFormats = enable
	return c
}

func (c Config) WithMaxRuleBytes(n int) Config {
	c.MaxRuleBytes = n
	return c
}
