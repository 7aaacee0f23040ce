package pipeline

import (
	"fmt"
	"sort"
)

// Registry giữ các stage theo tên. Dựng một lần lúc khởi động, sau đó chỉ đọc.
type Registry struct {
	stages map[string]*Stage
	names  []string
}

func NewRegistry(stages ...*Stage) (*Registry, error) {
	r := &Registry{stages: make(map[string]*Stage, len(stages))}
	for _, s := range stages {
		if _, dup := r.stages[s.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline %q", s.Name)
		}
		r.stages[s.Name] = s
		r.names = append(r.names, s.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// NewDefaultRegistry = built-in + extra (ví dụ stage đọc từ thư mục cấu hình).
func NewDefaultRegistry(extra ...*Stage) (*Registry, error) {
	return NewRegistry(append(Builtins(), extra...)...)
}

func (r *Registry) Get(name string) (*Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

// List trả về các stage áp dụng được cho backend ("" = tất cả), theo tên.
func (r *Registry) List(backend string) []*Stage {
	out := make([]*Stage, 0, len(r.names))
	for _, n := range r.names {
		s := r.stages[n]
		if backend == "" || s.AllowsBackend(backend) {
			out = append(out, s)
		}
	}
	return out
}

// Resolve tra tên theo thứ tự cho trước. Tên lạ hoặc stage không dành cho
// backend đều là *Error; không trả về danh sách dở dang.
// backend rỗng: bỏ qua kiểm tra backend.
func (r *Registry) Resolve(names []string, backend string) ([]*Stage, error) {
	out := make([]*Stage, 0, len(names))
	for _, n := range names {
		s, ok := r.stages[n]
		if !ok {
			return nil, &Error{Name: n}
		}
		if backend != "" && !s.AllowsBackend(backend) {
			return nil, errorf(n, "not applicable to backend %q", backend)
		}
		out = append(out, s)
	}
	return out, nil
}
