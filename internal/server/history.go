package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Record là một lần convert đã xử lý (thành công hoặc lỗi).
type Record struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	RuleID    string        `json:"rule_id,omitempty"`
	Title     string        `json:"title,omitempty"`
	Target    string        `json:"target"`
	Format    string        `json:"format"`
	Pipelines []string      `json:"pipelines"`
	Queries   []string      `json:"queries"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// History lưu Record vào bảng conversions (Postgres).
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) *History { return &History{db: db} }

// Insert gán ID/CreatedAt nếu còn trống rồi ghi.
func (h *History) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Pipelines == nil {
		rec.Pipelines = []string{}
	}
	if rec.Queries == nil {
		rec.Queries = []string{}
	}
	_, err := h.db.ExecContext(ctx, `INSERT INTO conversions(id, created_at, rule_id, title, target, format, pipelines, queries, error, duration_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.CreatedAt, rec.RuleID, rec.Title, rec.Target, rec.Format,
		pq.Array(rec.Pipelines), pq.Array(rec.Queries), rec.Error, rec.Duration.Milliseconds(),
	)
	return rec, err
}

// Recent trả các bản ghi mới nhất trước.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT id, created_at, rule_id, title, target, format, pipelines, queries, error, duration_ms
        FROM conversions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			rec Record
			ms  int64
		)
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.RuleID, &rec.Title, &rec.Target, &rec.Format,
			pq.Array(&rec.Pipelines), pq.Array(&rec.Queries), &rec.Error, &ms); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
