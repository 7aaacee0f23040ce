package sigma

import (
	"maps"
	"sort"
	"strings"
)

// FieldMapping là bảng đổi tên field (source → target). Zero value dùng được.
type FieldMapping struct {
	fieldMap map[string]string
}

func NewFieldMapping(m map[string]string) FieldMapping {
	fm := FieldMapping{}
	fm.LoadMappings(m)
	return fm
}

// LoadMappings nạp nhiều ánh xạ cùng lúc, ghi đè các key trùng.
func (fm *FieldMapping) LoadMappings(mappings map[string]string) {
	for k, v := range mappings {
		fm.AddMapping(k, v)
	}
}

func (fm *FieldMapping) AddMapping(sourceField, targetField string) {
	if fm.fieldMap == nil {
		fm.fieldMap = make(map[string]string)
	}
	fm.fieldMap[sourceField] = targetField
}

// Resolve trả về tên đã ánh xạ; exact match trước, sau đó không phân biệt hoa thường.
// Không có mapping thì giữ nguyên.
func (fm FieldMapping) Resolve(field string) (string, bool) {
	if v, ok := fm.fieldMap[field]; ok {
		return v, true
	}
	for _, k := range fm.Sources() {
		if strings.EqualFold(k, field) {
			return fm.fieldMap[k], true
		}
	}
	return field, false
}

func (fm FieldMapping) HasMapping(field string) bool {
	_, ok := fm.Resolve(field)
	return ok
}

func (fm FieldMapping) Len() int { return len(fm.fieldMap) }

// Sources returns the mapped field names, sorted.
func (fm FieldMapping) Sources() []string {
	keys := make([]string, 0, len(fm.fieldMap))
	for k := range fm.fieldMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mappings trả về bản copy, caller sửa thoải mái.
func (fm FieldMapping) Mappings() map[string]string {
	if fm.fieldMap == nil {
		return map[string]string{}
	}
	return maps.Clone(fm.fieldMap)
}

func (fm FieldMapping) Clone() FieldMapping {
	if fm.fieldMap == nil {
		return FieldMapping{}
	}
	return FieldMapping{fieldMap: maps.Clone(fm.fieldMap)}
}
