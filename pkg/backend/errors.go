package backend

import "fmt"

// GenerationError: backend không diễn đạt được một operator / construct,
// hoặc backend / format không tồn tại.
type GenerationError struct {
	Operator string
	Backend  string
	Reason   string
}

func (e *GenerationError) Error() string {
	switch {
	case e.Operator != "" && e.Reason != "":
		return fmt.Sprintf("GenerationError: operator %q is not supported by backend %q: %s", e.Operator, e.Backend, e.Reason)
	case e.Operator != "":
		return fmt.Sprintf("GenerationError: operator %q is not supported by backend %q", e.Operator, e.Backend)
	}
	return "GenerationError: " + e.Reason
}

func unsupported(backend, op string) *GenerationError {
	return &GenerationError{Operator: op, Backend: backend}
}

func failf(backend, format string, args ...any) *GenerationError {
	return &GenerationError{Backend: backend, Reason: fmt.Sprintf(format, args...)}
}
