package trace

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gateclaw/gateclaw/pkg/logger"
)

// OTLPMirror replays completed traces as OpenTelemetry spans to a
// collector. It is wired as Recorder Options.Mirror when an OTLP endpoint
// is configured.
type OTLPMirror struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewOTLPMirror connects to an OTLP/gRPC collector endpoint.
func NewOTLPMirror(ctx context.Context, endpoint, serviceName string) (*OTLPMirror, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &OTLPMirror{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

// Mirror exports one completed trace. Span parentage and timestamps are
// preserved; statuses map onto OTel codes.
func (m *OTLPMirror) Mirror(t *Trace) {
	ctxBySpan := make(map[string]context.Context, len(t.Spans))
	root := context.Background()

	for _, s := range t.Spans {
		parent := root
		if s.ParentSpanID != "" {
			if pctx, ok := ctxBySpan[s.ParentSpanID]; ok {
				parent = pctx
			}
		}

		attrs := make([]attribute.KeyValue, 0, len(s.Attributes)+2)
		attrs = append(attrs,
			attribute.String("span.kind", string(s.Kind)),
			attribute.String("trace.local_id", t.TraceID),
		)
		for k, v := range s.Attributes {
			attrs = append(attrs, attribute.String(k, v))
		}

		ctx, span := m.tracer.Start(parent, s.Name,
			oteltrace.WithTimestamp(s.StartTime),
			oteltrace.WithAttributes(attrs...),
		)
		ctxBySpan[s.SpanID] = ctx

		for _, ev := range s.Events {
			span.AddEvent(ev.Name, oteltrace.WithTimestamp(ev.Timestamp))
		}
		if s.Status == StatusError || s.Status == StatusTimeout {
			span.SetStatus(codes.Error, s.Status)
		} else {
			span.SetStatus(codes.Ok, "")
		}

		end := s.EndTime
		if end.IsZero() {
			end = time.Now()
		}
		span.End(oteltrace.WithTimestamp(end))
	}
}

// Shutdown flushes pending exports.
func (m *OTLPMirror) Shutdown(ctx context.Context) error {
	if err := m.provider.Shutdown(ctx); err != nil {
		logger.WarnCF("trace", "otlp shutdown failed", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}
