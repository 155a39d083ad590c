package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to a zerolog logger at debug level.
// Attributes are left out: span attributes may carry identifiers that must
// not reach the log.
type LogExporter struct {
	logger zerolog.Logger
}

// NewLogExporter returns an exporter writing to logger.
func NewLogExporter(logger zerolog.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		evt := e.logger.Debug()
		if s.Status().Code == codes.Error {
			evt = e.logger.Warn().Str("error", s.Status().Description)
		}
		sc := s.SpanContext()
		evt = evt.
			Str("span", s.Name()).
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime()))
		if p := s.Parent(); p.IsValid() {
			evt = evt.Str("parent_span_id", p.SpanID().String())
		}
		evt.Msg("span")
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}
