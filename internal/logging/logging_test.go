package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhucNguyen204/sigconv/pkg/backend"
	"github.com/PhucNguyen204/sigconv/pkg/pipeline"
	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

func TestNewWriter(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zerolog.Level
		wantErr   bool
	}{
		{name: "defaults", wantLevel: zerolog.InfoLevel},
		{name: "debug json", level: "debug", format: "json", wantLevel: zerolog.DebugLevel},
		{name: "upper case", level: "WARN", format: "console", wantLevel: zerolog.WarnLevel},
		{name: "bad level", level: "loud", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := NewWriter(&buf, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, l.GetLevel())
		})
	}
}

func TestNewWriterJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(&buf, "info", "json")
	require.NoError(t, err)

	l.Debug().Msg("hidden")
	l.Info().Str("target", "splunk").Msg("hello")

	var logged map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logged))
	assert.Equal(t, "hello", logged["message"])
	assert.Equal(t, "splunk", logged["target"])
	assert.Contains(t, logged, "time")
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&sigma.ParseError{Reason: "x"}, KindParse},
		{&sigma.ValidationError{Ref: "sel"}, KindValidation},
		{&pipeline.Error{Name: "p"}, KindPipeline},
		{&backend.GenerationError{Reason: "x"}, KindGeneration},
		{fmt.Errorf("wrapped: %w", &pipeline.Error{Name: "p"}), KindPipeline},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), tt.err.Error())
	}
}

func TestLogError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected map[string]interface{}
	}{
		{
			name: "parse error with position",
			err:  &sigma.ParseError{Reason: "unknown modifier", Path: "detection.sel.Image|foo", Line: 4},
			expected: map[string]interface{}{
				"error":      `ParseError: unknown modifier (at detection.sel.Image|foo, line 4)`,
				"error_kind": "ParseError",
				"path":       "detection.sel.Image|foo",
				"line":       float64(4),
				"level":      "error",
				"message":    "conversion failed",
			},
		},
		{
			name: "validation error",
			err:  &sigma.ValidationError{Ref: "ghost"},
			expected: map[string]interface{}{
				"error":      `ValidationError: condition references undeclared detection block "ghost"`,
				"error_kind": "ValidationError",
				"ref":        "ghost",
				"level":      "error",
				"message":    "conversion failed",
			},
		},
		{
			name: "pipeline error",
			err:  &pipeline.Error{Name: "nope"},
			expected: map[string]interface{}{
				"error":      `PipelineError: unknown pipeline "nope"`,
				"error_kind": "PipelineError",
				"pipeline":   "nope",
				"level":      "error",
				"message":    "conversion failed",
			},
		},
		{
			name: "generation error",
			err:  &backend.GenerationError{Operator: "re", Backend: "splunk"},
			expected: map[string]interface{}{
				"error":      `GenerationError: operator "re" is not supported by backend "splunk"`,
				"error_kind": "GenerationError",
				"backend":    "splunk",
				"operator":   "re",
				"level":      "error",
				"message":    "conversion failed",
			},
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			expected: map[string]interface{}{
				"error":      "standard error",
				"error_kind": "InternalError",
				"level":      "error",
				"message":    "conversion failed",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			LogError(zerolog.New(&buf), tt.err)

			var logged map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &logged))
			assert.Equal(t, tt.expected, logged)
		})
	}
}

func TestLogErrorNil(t *testing.T) {
	var buf bytes.Buffer
	LogError(zerolog.New(&buf), nil)
	assert.Zero(t, buf.Len())
}
