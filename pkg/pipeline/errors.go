package pipeline

import "fmt"

// Error (PipelineError): stage không tồn tại, không áp dụng cho backend,
// cấu hình sai hoặc thao tác không hợp lệ trên cây rule.
type Error struct {
	Name   string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("PipelineError: unknown pipeline %q", e.Name)
	}
	return fmt.Sprintf("PipelineError: pipeline %q: %s", e.Name, e.Reason)
}

func errorf(name, format string, args ...any) *Error {
	return &Error{Name: name, Reason: fmt.Sprintf(format, args...)}
}
