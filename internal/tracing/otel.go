package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelBridge mirrors ended spans to an OTLP endpoint so the in-process
// collector and external OpenTelemetry tooling see the same data.
// Without an endpoint there is no bridge and zero overhead.
type OTelBridge struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewOTelBridge connects to an OTLP/HTTP endpoint. Returns nil when the
// endpoint is empty.
func NewOTelBridge(endpoint, serviceName string) (*OTelBridge, error) {
	if endpoint == "" {
		return nil, nil
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &OTelBridge{
		tracer:   provider.Tracer("ccswarm"),
		provider: provider,
	}, nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Emit replays a closed span into the OTel pipeline with its original
// timestamps.
func (b *OTelBridge) Emit(span *Span) {
	if b == nil || span.EndTime == nil {
		return
	}

	_, otelSpan := b.tracer.Start(context.Background(), span.Name,
		trace.WithTimestamp(span.StartTime))

	otelSpan.SetAttributes(
		attribute.String("trace.id", span.TraceID),
		attribute.Int64("llm.tokens.in", span.Metadata.TokensIn),
		attribute.Int64("llm.tokens.out", span.Metadata.TokensOut),
		attribute.Float64("llm.cost_usd", span.Metadata.CostUSD),
	)
	if span.Metadata.Model != "" {
		otelSpan.SetAttributes(attribute.String("llm.model", span.Metadata.Model))
	}
	if span.Metadata.AgentID != "" {
		otelSpan.SetAttributes(attribute.String("agent.id", span.Metadata.AgentID))
	}
	for _, ev := range span.Events {
		otelSpan.AddEvent(ev.Name, trace.WithTimestamp(ev.Timestamp))
	}

	otelSpan.End(trace.WithTimestamp(*span.EndTime))
}

// Shutdown flushes pending spans.
func (b *OTelBridge) Shutdown(ctx context.Context) error {
	if b == nil || b.provider == nil {
		return nil
	}
	return b.provider.Shutdown(ctx)
}
