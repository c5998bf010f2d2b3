package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// otelSpan adapts an OpenTelemetry trace.Span to the narrow Span
// interface the Check Engine and Grant Store depend on.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) SpanContext() trace.SpanContext { return s.span.SpanContext() }

// NewTracerProvider builds an in-process span processor for serviceName.
// No exporter is wired (spec scope stops at generating the spans the
// Check Engine and API layer attribute; shipping them to a collector is
// deployment configuration, not this module's concern), so Shutdown just
// releases the provider's resources.
func NewTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build tracer resource: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

// NewStartSpanFunc adapts an otel Tracer to StartSpanFunc.
func NewStartSpanFunc(tracer trace.Tracer) StartSpanFunc {
	return func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
		ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
		return ctx, &otelSpan{span: span}
	}
}
