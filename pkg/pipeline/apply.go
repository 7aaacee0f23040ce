package pipeline

import (
	"strconv"
	"strings"

	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

// Apply chạy các stage theo thứ tự; stage sau thấy kết quả của stage trước.
// Rule đầu vào không bị sửa. Lỗi ở bất kỳ stage nào thì không trả về kết quả dở.
func Apply(rule *sigma.Rule, stages []*Stage) (*sigma.Rule, error) {
	cur := rule
	for _, s := range stages {
		next, err := s.Apply(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if cur == rule {
		return rule.Clone(), nil
	}
	return cur, nil
}

// Apply áp dụng một stage lên bản copy của rule, theo 4 phase:
// đổi tên field → biến đổi value → thêm/bỏ block → bọc condition.
func (s *Stage) Apply(rule *sigma.Rule) (*sigma.Rule, error) {
	out := rule.Clone()
	for phase := 1; phase <= 4; phase++ {
		for i := range s.steps {
			st := &s.steps[i]
			if st.t.Action.phase() != phase || !st.logsourceMatches(out) {
				continue
			}
			if err := s.applyStep(st, out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *Stage) applyStep(st *step, r *sigma.Rule) error {
	switch st.t.Action {
	case ActionRenameField:
		st.renameFields(r, func(f string) (string, bool) {
			return st.rename.Resolve(f)
		})
	case ActionPrefixField:
		st.renameFields(r, func(f string) (string, bool) {
			if strings.HasPrefix(f, st.t.Prefix) {
				return f, false
			}
			return st.t.Prefix + f, true
		})
	case ActionMapValue:
		st.mapValues(r, st.mapValue)
	case ActionReplaceString:
		st.mapValues(r, func(v sigma.Value) []sigma.Value {
			return []sigma.Value{st.replacer.ReplaceValue(v)}
		})
	case ActionInsertDetection:
		if st.predicateMatches(r) {
			blk := st.t.Block.Clone()
			if existing, ok := r.Block(blk.Name); ok {
				*existing = blk
			} else {
				r.Blocks = append(r.Blocks, blk)
			}
		}
	case ActionDropDetection:
		st.dropBlocks(r)
	case ActionWrapCondition:
		if !st.predicateMatches(r) {
			return nil
		}
		w := st.t.Wrap
		if _, ok := r.Block(w.Ref); !ok {
			return errorf(s.Name, "wrap-condition references unknown detection block %q", w.Ref)
		}
		ref := sigma.Ref(w.Ref)
		if w.Negate {
			ref = sigma.Not(ref)
		}
		if strings.EqualFold(w.Operator, "or") {
			r.Condition = sigma.Or(ref, r.Condition)
		} else {
			r.Condition = sigma.And(ref, r.Condition)
		}
	}
	return nil
}

func (st *step) logsourceMatches(r *sigma.Rule) bool {
	for k, v := range st.t.Logsource {
		if !strings.EqualFold(r.Logsource[k], v) {
			return false
		}
	}
	return true
}

// predicateMatches cho các action cấp rule: cần ít nhất một block khớp Blocks
// và ít nhất một field khớp Fields (nếu có khai báo).
func (st *step) predicateMatches(r *sigma.Rule) bool {
	if len(st.blocks) > 0 {
		found := false
		for _, b := range r.Blocks {
			if matchAny(st.blocks, b.Name) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(st.fields) > 0 {
		found := false
		for _, f := range r.Fields() {
			if matchAny(st.fields, f) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (st *step) fieldMatches(field string) bool {
	if field == "" {
		return len(st.fields) == 0
	}
	return matchAny(st.fields, field)
}

// renameFields đổi tên field trong các block khớp predicate. Tên mới trùng một
// field khác trong cùng group thì hai match được OR: cùng operator và cờ thì gộp
// value, khác thì group tách thành (phần còn lại ∧ match cũ) ∨ (phần còn lại ∧ match mới).
func (st *step) renameFields(r *sigma.Rule, rename func(string) (string, bool)) {
	for bi := range r.Blocks {
		b := &r.Blocks[bi]
		if !matchAny(st.blocks, b.Name) {
			continue
		}
		groups := make([]sigma.MatchGroup, 0, len(b.Groups))
		for _, g := range b.Groups {
			orig := make([]string, len(g))
			changed := false
			for mi := range g {
				m := &g[mi]
				orig[mi] = m.Field
				if m.Field == "" || !matchAny(st.fields, m.Field) {
					continue
				}
				if nf, ok := rename(m.Field); ok && nf != m.Field {
					m.Field = nf
					changed = true
				}
			}
			if !changed {
				groups = append(groups, g)
				continue
			}
			groups = append(groups, mergeGroup(g, orig)...)
		}
		b.Groups = groups
	}
}

// collides: hai match cùng tên field sau khi đổi tên nhưng xuất phát từ hai field khác nhau.
func collides(g sigma.MatchGroup, orig []string, i, j int) bool {
	return g[i].Field != "" && g[i].Field == g[j].Field && orig[i] != orig[j]
}

func mergeable(a, b sigma.FieldMatch) bool {
	return a.SameSemantics(b) && !a.All && !b.All && a.Op != sigma.OpExists
}

// mergeGroup xử lý các va chạm do rename trong một group. Kết quả là một hoặc
// nhiều group, OR với nhau.
func mergeGroup(g sigma.MatchGroup, orig []string) []sigma.MatchGroup {
	out := make(sigma.MatchGroup, 0, len(g))
	outOrig := make([]string, 0, len(g))
	for k, m := range g {
		merged := false
		for i := range out {
			e := &out[i]
			if e.Field != "" && e.Field == m.Field && outOrig[i] != orig[k] && mergeable(*e, m) {
				e.Value = unionValues(e.Values(), m.Values())
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, m)
			outOrig = append(outOrig, orig[k])
		}
	}

	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if !collides(out, outOrig, i, j) {
				continue
			}
			left, leftOrig := without(out, outOrig, j)
			right, rightOrig := without(out, outOrig, i)
			return append(mergeGroup(left, leftOrig), mergeGroup(right, rightOrig)...)
		}
	}
	return []sigma.MatchGroup{out}
}

func without(g sigma.MatchGroup, orig []string, k int) (sigma.MatchGroup, []string) {
	ng := make(sigma.MatchGroup, 0, len(g)-1)
	no := make([]string, 0, len(orig)-1)
	for i := range g {
		if i == k {
			continue
		}
		ng = append(ng, g[i].Clone())
		no = append(no, orig[i])
	}
	return ng, no
}

func unionValues(a, b []sigma.Value) sigma.Value {
	out := make([]sigma.Value, 0, len(a)+len(b))
	add := func(v sigma.Value) {
		for _, x := range out {
			if x.Equal(v) {
				return
			}
		}
		out = append(out, v)
	}
	for _, v := range a {
		add(v)
	}
	for _, v := range b {
		add(v)
	}
	if len(out) == 1 {
		return out[0]
	}
	return sigma.ListOf(out...)
}

// mapValues thay từng value của các FieldMatch khớp predicate; một value có thể
// nở thành nhiều value (OR).
func (st *step) mapValues(r *sigma.Rule, fn func(sigma.Value) []sigma.Value) {
	for bi := range r.Blocks {
		b := &r.Blocks[bi]
		if !matchAny(st.blocks, b.Name) {
			continue
		}
		for _, g := range b.Groups {
			for mi := range g {
				m := &g[mi]
				if !st.fieldMatches(m.Field) || m.Op == sigma.OpExists {
					continue
				}
				var vals []sigma.Value
				for _, v := range m.Values() {
					vals = append(vals, fn(v)...)
				}
				m.Value = unionValues(vals, nil)
			}
		}
	}
}

func (st *step) mapValue(v sigma.Value) []sigma.Value {
	if v.Kind == sigma.KindRegex || v.Kind == sigma.KindList {
		return []sigma.Value{v}
	}
	subject := v
	if !v.IsString() {
		subject = sigma.Literal(v.String())
	}
	for _, vm := range st.values {
		if !vm.from.Contains(subject) {
			continue
		}
		out := make([]sigma.Value, 0, len(vm.to))
		for _, t := range vm.to {
			out = append(out, convertLike(v, t))
		}
		return out
	}
	return []sigma.Value{v}
}

// convertLike giữ kiểu số/bool của value gốc khi chuỗi đích biểu diễn được.
func convertLike(orig sigma.Value, s string) sigma.Value {
	switch orig.Kind {
	case sigma.KindNumber:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return sigma.Int(i)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return sigma.Float(f)
		}
	case sigma.KindBool:
		if b, err := strconv.ParseBool(s); err == nil {
			return sigma.Bool(b)
		}
	}
	return sigma.ParseString(s)
}

// dropBlocks bỏ block khớp Blocks (và có field khớp Fields, nếu khai báo),
// rồi gỡ các Ref tương ứng khỏi condition.
func (st *step) dropBlocks(r *sigma.Rule) {
	removed := map[string]bool{}
	kept := r.Blocks[:0:0]
	for _, b := range r.Blocks {
		if matchAny(st.blocks, b.Name) && st.blockHasField(b) {
			removed[b.Name] = true
			continue
		}
		kept = append(kept, b)
	}
	if len(removed) == 0 {
		return
	}
	r.Blocks = kept
	r.Condition = sigma.PruneRefs(r.Condition, removed)
}

func (st *step) blockHasField(b sigma.DetectionBlock) bool {
	if len(st.fields) == 0 {
		return true
	}
	for _, f := range b.Fields() {
		if matchAny(st.fields, f) {
			return true
		}
	}
	return false
}
