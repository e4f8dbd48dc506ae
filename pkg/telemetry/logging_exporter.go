package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanLogExporter writes each finished span as one zerolog event.
type spanLogExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter() sdktrace.SpanExporter {
	return newLoggingExporterWithLogger(log.Logger)
}

func newLoggingExporterWithLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &spanLogExporter{logger: logger.With().Str("component", "otel").Logger()}
}

func (e *spanLogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		event := e.logger.Debug()
		if span.Status().Code == codes.Error {
			event = e.logger.Warn().Str("span_error", span.Status().Description)
		}
		sc := span.SpanContext()
		if sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		fields := make(map[string]any, len(span.Attributes()))
		for _, attr := range span.Attributes() {
			fields[string(attr.Key)] = attr.Value.Emit()
		}
		event.
			Str("span_id", sc.SpanID().String()).
			Str("span_name", span.Name()).
			Str("span_kind", span.SpanKind().String()).
			Dur("duration", span.EndTime().Sub(span.StartTime())).
			Fields(fields).
			Msg("span finished")
	}
	return nil
}

func (e *spanLogExporter) Shutdown(context.Context) error { return nil }

func (e *spanLogExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*spanLogExporter)(nil)
