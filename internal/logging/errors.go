package logging

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/PhucNguyen204/sigconv/pkg/backend"
	"github.com/PhucNguyen204/sigconv/pkg/pipeline"
	"github.com/PhucNguyen204/sigconv/pkg/sigma"
)

type ErrorKind string

const (
	KindParse      ErrorKind = "ParseError"
	KindValidation ErrorKind = "ValidationError"
	KindPipeline   ErrorKind = "PipelineError"
	KindGeneration ErrorKind = "GenerationError"
	KindInternal   ErrorKind = "InternalError"
)

// Kind trả về tên loại lỗi của một lỗi convert (kể cả khi đã bị wrap).
func Kind(err error) ErrorKind {
	var (
		pe *sigma.ParseError
		ve *sigma.ValidationError
		le *pipeline.Error
		ge *backend.GenerationError
	)
	switch {
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &le):
		return KindPipeline
	case errors.As(err, &ge):
		return KindGeneration
	}
	return KindInternal
}

// LogError ghi lỗi kèm các field riêng của từng loại.
func LogError(logger zerolog.Logger, err error) {
	if err == nil {
		return
	}
	event := logger.Error().Err(err).Str("error_kind", string(Kind(err)))

	var (
		pe *sigma.ParseError
		ve *sigma.ValidationError
		le *pipeline.Error
		ge *backend.GenerationError
	)
	switch {
	case errors.As(err, &pe):
		if pe.Path != "" {
			event = event.Str("path", pe.Path)
		}
		if pe.Line > 0 {
			event = event.Int("line", pe.Line)
		}
	case errors.As(err, &ve):
		if ve.Ref != "" {
			event = event.Str("ref", ve.Ref)
		}
	case errors.As(err, &le):
		event = event.Str("pipeline", le.Name)
	case errors.As(err, &ge):
		if ge.Backend != "" {
			event = event.Str("backend", ge.Backend)
		}
		if ge.Operator != "" {
			event = event.Str("operator", ge.Operator)
		}
	}

	event.Msg("conversion failed")
}
