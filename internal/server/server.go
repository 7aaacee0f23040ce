package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/PhucNguyen204/sigconv/internal/logging"
	"github.com/PhucNguyen204/sigconv/pkg/engine"
)

const maxBodyBytes = 4 << 20

type AppServer struct {
	engine  *engine.Engine
	db      *sql.DB  // nil: không lưu lịch sử
	history *History // nil khi db nil
	log     zerolog.Logger
}

// NewAppServer: db có thể nil, khi đó /api/v1/history trả 404.
func NewAppServer(eng *engine.Engine, db *sql.DB, logger zerolog.Logger) *AppServer {
	s := &AppServer{engine: eng, db: db, log: logger}
	if db != nil {
		s.history = NewHistory(db)
	}
	return s
}

// RegisterRoutes wires HTTP handlers.
func (s *AppServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/targets", s.handleTargets)
	mux.HandleFunc("/api/v1/formats", s.handleFormats)
	mux.HandleFunc("/api/v1/pipelines", s.handlePipelines)
	mux.HandleFunc("/api/v1/convert", s.handleConvert)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
}

func (s *AppServer) Router() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ---- Handlers ----

func (s *AppServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AppServer) handleTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ListBackends())
}

func (s *AppServer) handleFormats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out, err := s.engine.ListFormats(r.URL.Query().Get("target"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if out == nil {
		out = []engine.FormatInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *AppServer) handlePipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ListPipelines(r.URL.Query().Get("target")))
}

type convertReq struct {
	Rule        string   `json:"rule"` // base64
	Target      string   `json:"target"`
	Format      string   `json:"format"`
	Pipeline    []string `json:"pipeline"`
	PipelineYml string   `json:"pipelineYml"` // base64, tuỳ chọn
}

// handleConvert trả query dạng text/plain, mỗi query một dòng.
// Mọi lỗi là 400 với body "<Kind>: message".
func (s *AppServer) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req convertReq
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "Error: invalid JSON body: "+err.Error())
		return
	}
	rule, err := base64.StdEncoding.DecodeString(req.Rule)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Error: rule is not valid base64")
		return
	}
	if !validYAML(rule) {
		writeText(w, http.StatusBadRequest, "YamlError: Malformed yaml file")
		return
	}
	var custom []byte
	if req.PipelineYml != "" {
		if custom, err = base64.StdEncoding.DecodeString(req.PipelineYml); err != nil {
			writeText(w, http.StatusBadRequest, "Error: pipelineYml is not valid base64")
			return
		}
		if !validYAML(custom) {
			writeText(w, http.StatusBadRequest, "YamlError: Malformed Pipeline Yaml")
			return
		}
	}

	start := time.Now()
	res, err := s.engine.ConvertWith(engine.ConvertRequest{
		Rule:            rule,
		Target:          req.Target,
		Format:          req.Format,
		Pipelines:       req.Pipeline,
		CustomPipelines: custom,
	})
	rec := Record{
		Target:    req.Target,
		Format:    req.Format,
		Pipelines: req.Pipeline,
		Duration:  time.Since(start),
	}
	if err != nil {
		logging.LogError(s.log.With().Str("target", req.Target).Logger(), err)
		rec.Error = err.Error()
		s.record(r.Context(), rec)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, warn := range res.Warnings {
		s.log.Warn().Str("rule_id", res.RuleID).Msg(warn)
	}
	rec.RuleID, rec.Title, rec.Format, rec.Queries = res.RuleID, res.Title, res.Format, res.Queries
	s.record(r.Context(), rec)

	s.log.Info().
		Str("rule_id", res.RuleID).
		Str("target", res.Target).
		Str("format", res.Format).
		Int("queries", len(res.Queries)).
		Msg("converted")
	writeText(w, http.StatusOK, res.Text())
}

func (s *AppServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeErr(w, http.StatusNotFound, errors.New("history store is not enabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	out, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// record: lỗi ghi lịch sử chỉ log, không làm hỏng response.
func (s *AppServer) record(ctx context.Context, rec Record) {
	if s.history == nil {
		return
	}
	if _, err := s.history.Insert(ctx, rec); err != nil {
		s.log.Warn().Err(err).Msg("history insert failed")
	}
}

// ---- Persistence ----

// InitSchema chạy migration từ đường dẫn đầu tiên dùng được.
func (s *AppServer) InitSchema(path string) error {
	if s.db == nil {
		return nil
	}
	candidates := []string{}
	if path != "" {
		candidates = append(candidates, path)
	}
	if mp := os.Getenv("MIGRATIONS_PATH"); mp != "" {
		candidates = append(candidates, mp)
	}
	candidates = append(candidates, "./migrations", "/srv/migrations")
	var lastErr error
	for _, p := range candidates {
		if _, statErr := os.Stat(p); statErr != nil {
			lastErr = statErr
			continue
		}
		if err := s.RunMigrations(p); err != nil {
			lastErr = err
			continue
		}
		s.log.Info().Str("path", p).Msg("migrations applied")
		return nil
	}
	return fmt.Errorf("init schema: no usable migrations path; last error: %v", lastErr)
}

// ---- Helpers ----

// validYAML: mọi document trong b đều parse được.
func validYAML(b []byte) bool {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	for {
		var n yaml.Node
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			return false
		}
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
