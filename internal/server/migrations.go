package server

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RunMigrations chạy mọi file .sql trong dir theo thứ tự tên, mỗi file có thể
// chứa nhiều câu lệnh ngăn bởi ';'.
func (s *AppServer) RunMigrations(dir string) error {
	entries := make([]string, 0)
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			entries = append(entries, path)
		}
		return nil
	}
	if err := filepath.WalkDir(dir, walkFn); err != nil {
		return err
	}
	sort.Strings(entries)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, p := range entries {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", p, err)
		}
		for _, stmt := range splitStatements(string(b)) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", p, err)
			}
		}
	}
	return nil
}

// splitStatements tách theo ';', bỏ dòng comment "--" và đoạn rỗng.
func splitStatements(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "--") {
			continue
		}
		lines = append(lines, l)
	}
	var out []string
	for _, c := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt := strings.TrimSpace(c); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
