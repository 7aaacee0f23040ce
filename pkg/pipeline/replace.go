package pipeline

import (
	"strings"

	ac "github.com/petar-dambovaliev/aho-corasick"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

// replacer thay nhiều chuỗi con cùng lúc bằng một automaton Aho-Corasick.
// Match leftmost-longest, không chồng lấn; kết quả thay thế không bị quét lại.
type replacer struct {
	patterns []string
	repl     []string
	ac       *ac.AhoCorasick
}

func newReplacer(m map[string]string) *replacer {
	r := &replacer{}
	for _, k := range sortedKeys(m) {
		if k == "" {
			continue
		}
		r.patterns = append(r.patterns, k)
		r.repl = append(r.repl, m[k])
	}
	if len(r.patterns) == 0 {
		return r
	}
	builder := ac.NewAhoCorasickBuilder(ac.Opts{
		MatchKind: ac.LeftMostLongestMatch,
	})
	built := builder.Build(r.patterns) // index pattern của AC == index trong r.patterns
	r.ac = &built
	return r
}

func (r *replacer) Replace(s string) string {
	if r.ac == nil || s == "" {
		return s
	}
	matches := r.ac.FindAll(s)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m.Start() < last {
			continue
		}
		b.WriteString(s[last:m.Start()])
		b.WriteString(r.repl[m.Pattern()])
		last = m.End()
	}
	b.WriteString(s[last:])
	return b.String()
}

// ReplaceValue chỉ thay trong phần text; wildcard giữ nguyên vị trí.
func (r *replacer) ReplaceValue(v sigma.Value) sigma.Value {
	if !v.IsString() {
		return v
	}
	segs := v.Segments()
	for i := range segs {
		if segs[i].Wild == 0 {
			segs[i].Text = r.Replace(segs[i].Text)
		}
	}
	return sigma.FromSegments(segs)
}
