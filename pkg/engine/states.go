package engine

import "github.com/PhucNguyen204/sigconv/pkg/sigma"

// Các trạng thái của một lần convert. Mỗi bước nhận trạng thái trước và trả
// về trạng thái mới; không bước nào sửa đầu vào nên có thể chạy lại từ giữa.

// Parsed: rule vừa đọc từ YAML, đã validate ref.
type Parsed struct {
	Rule *sigma.Rule
}

// Expanded: quantifier đã mở rộng, condition đã chuẩn hoá,
// fieldmapping của rule (nếu bật) đã áp dụng.
type Expanded struct {
	Rule *sigma.Rule
}

// Transformed: đã chạy qua các pipeline stage theo thứ tự.
type Transformed struct {
	Rule   *sigma.Rule
	Stages []string
}

// Rendered: query cuối cùng cho backend/format.
type Rendered struct {
	Backend string
	Format  string
	Queries []string
}
