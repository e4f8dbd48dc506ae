package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type captureWriter struct {
	entries []string
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.entries = append(c.entries, string(p))
	return len(p), nil
}

func TestLoggingExporterEmitsSpan(t *testing.T) {
	writer := &captureWriter{}
	exporter := newLoggingExporterWithLogger(zerolog.New(writer))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "jira.transition")
	span.SetAttributes(attribute.String("jira.issue", "ABC-1"))
	span.SetStatus(codes.Error, "no transition")
	span.End()
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if len(writer.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(writer.entries))
	}
	entry := writer.entries[0]
	for _, want := range []string{`"span_name":"jira.transition"`, `"jira.issue":"ABC-1"`, `"level":"warn"`} {
		if !strings.Contains(entry, want) {
			t.Errorf("log entry %s missing %s", entry, want)
		}
	}
}
