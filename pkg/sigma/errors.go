package sigma

import "fmt"

// ParseError: rule text sai cấu trúc, modifier lạ, condition không parse được.
type ParseError struct {
	Reason string
	Path   string // dotted key path, e.g. "detection.sel.Image|foo"
	Line   int    // dòng YAML, 0 nếu không rõ
}

func (e *ParseError) Error() string {
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("ParseError: %s (at %s, line %d)", e.Reason, e.Path, e.Line)
	case e.Path != "":
		return fmt.Sprintf("ParseError: %s (at %s)", e.Reason, e.Path)
	}
	return "ParseError: " + e.Reason
}

// ValidationError: condition tham chiếu block không được khai báo.
type ValidationError struct {
	Ref    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return "ValidationError: " + e.Reason
	}
	return fmt.Sprintf("ValidationError: condition references undeclared detection block %q", e.Ref)
}
