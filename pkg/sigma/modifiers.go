package sigma

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"
)

// keyModifiers là kết quả parse "Field|mod1|mod2".
type keyModifiers struct {
	All      bool
	Cased    bool
	Encoders []string // theo thứ tự xuất hiện trong key
}

// encoderFn biến một literal thành một hoặc nhiều biến thể đã mã hoá.
type encoderFn func(s string) []string

var valueEncoders = map[string]encoderFn{
	"base64":       encodeBase64,
	"base64offset": encodeBase64Offset,
	"wide":         encodeUTF16LE,
	"utf16le":      encodeUTF16LE,
	"utf16be":      encodeUTF16BE,
	"utf16":        encodeUTF16,
	"windash":      expandWindash,
}

// Field|mod1|mod2 → (field, op, modifiers). Modifier lạ hoặc hai operator
// cùng lúc đều là lỗi.
func parseFieldKey(s string) (field string, op Operator, mods keyModifiers, err error) {
	parts := strings.Split(s, "|")
	field = strings.TrimSpace(parts[0])
	op = OpEquals
	opSet := false

	for _, m := range parts[1:] {
		name := strings.ToLower(strings.TrimSpace(m))
		if name == "regex" {
			name = "re"
		}
		if o, ok := operatorForSuffix(name); ok {
			if opSet && o != op {
				return "", 0, keyModifiers{}, fmt.Errorf("conflicting operator modifiers %q and %q", op, o)
			}
			op, opSet = o, true
			continue
		}
		switch name {
		case "all":
			mods.All = true
		case "cased":
			mods.Cased = true
		case "":
			return "", 0, keyModifiers{}, fmt.Errorf("empty modifier")
		default:
			if _, ok := valueEncoders[name]; ok {
				mods.Encoders = append(mods.Encoders, name)
				continue
			}
			return "", 0, keyModifiers{}, fmt.Errorf("unknown modifier %q", name)
		}
	}

	if len(mods.Encoders) > 0 && !op.IsString() {
		return "", 0, keyModifiers{}, fmt.Errorf("modifier %q cannot be combined with %q", mods.Encoders[0], op)
	}
	if op == OpExists && (mods.All || mods.Cased) {
		return "", 0, keyModifiers{}, fmt.Errorf("exists does not take further modifiers")
	}
	return field, op, mods, nil
}

// applyEncoders chạy lần lượt các encoder; mỗi biến thể sinh ra một value mới (OR).
func applyEncoders(v Value, encoders []string) ([]Value, error) {
	if len(encoders) == 0 {
		return []Value{v}, nil
	}
	cur := []Value{v}
	for _, name := range encoders {
		fn := valueEncoders[name]
		var next []Value
		for _, x := range cur {
			switch {
			case x.Kind == KindLiteral:
				for _, s := range fn(x.Str) {
					next = append(next, Literal(s))
				}
			case x.Kind == KindWildcard && name == "windash":
				for _, p := range fn(x.Str) {
					next = append(next, Wildcard(p))
				}
			default:
				return nil, fmt.Errorf("modifier %q cannot encode %s value %q", name, x.Kind, x.String())
			}
		}
		cur = next
	}
	return cur, nil
}

func encodeBase64(s string) []string {
	return []string{base64.StdEncoding.EncodeToString([]byte(s))}
}

// encodeBase64Offset sinh 3 biến thể cho 3 vị trí lệch trong luồng base64,
// cắt bỏ các ký tự đầu/cuối phụ thuộc vào dữ liệu xung quanh.
func encodeBase64Offset(s string) []string {
	startTrim := [3]int{0, 2, 3}
	endTrim := [3]int{0, 3, 2}
	out := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		enc := base64.StdEncoding.EncodeToString([]byte(strings.Repeat(" ", i) + s))
		end := len(enc) - endTrim[(len(s)+i)%3]
		if startTrim[i] > end {
			continue
		}
		out = append(out, enc[startTrim[i]:end])
	}
	return out
}

func encodeUTF16LE(s string) []string {
	return []string{utf16Bytes(s, false, false)}
}

func encodeUTF16BE(s string) []string {
	return []string{utf16Bytes(s, true, false)}
}

// utf16: có BOM, little endian.
func encodeUTF16(s string) []string {
	return []string{utf16Bytes(s, false, true)}
}

func utf16Bytes(s string, bigEndian, bom bool) string {
	units := utf16.Encode([]rune(s))
	var b strings.Builder
	b.Grow(len(units)*2 + 2)
	if bom {
		b.WriteString("\xff\xfe")
	}
	for _, u := range units {
		lo, hi := byte(u), byte(u>>8)
		if bigEndian {
			lo, hi = hi, lo
		}
		b.WriteByte(lo)
		b.WriteByte(hi)
	}
	return b.String()
}

var windashRe = regexp.MustCompile(`\B[-/]\b`)

var windashChars = []string{"-", "/", "–", "—", "―"}

// expandWindash: mỗi '-' hoặc '/' đứng đầu một tham số dòng lệnh được
// thay bằng mọi biến thể dash; trả về tích Descartes theo thứ tự ổn định.
func expandWindash(s string) []string {
	locs := windashRe.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return []string{s}
	}
	out := []string{""}
	prev := 0
	for _, loc := range locs {
		chunk := s[prev:loc[0]]
		next := make([]string, 0, len(out)*len(windashChars))
		for _, o := range out {
			for _, d := range windashChars {
				next = append(next, o+chunk+d)
			}
		}
		out = next
		prev = loc[1]
	}
	for i := range out {
		out[i] += s[prev:]
	}
	return out
}
