package tracing

import (
	"encoding/json"
	"fmt"
)

// ExportFormat selects the export rendering.
type ExportFormat string

const (
	// FormatJSON is the collector's native JSON shape; it round-trips
	// through ParseJSON.
	FormatJSON ExportFormat = "json"
	// FormatOTLP is an OpenTelemetry-like resource-spans shape.
	FormatOTLP ExportFormat = "otlp"
)

// Render serializes traces in the given format. Pure; no I/O.
func Render(format ExportFormat, traces []*Trace) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(traces, "", "  ")
	case FormatOTLP:
		return renderOTLP(traces)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// ParseJSON reverses a FormatJSON export.
func ParseJSON(data []byte) ([]*Trace, error) {
	var traces []*Trace
	if err := json.Unmarshal(data, &traces); err != nil {
		return nil, fmt.Errorf("parse trace export: %w", err)
	}
	return traces, nil
}

// otlpSpan mirrors the OTLP span shape closely enough for downstream
// OpenTelemetry tooling to ingest.
type otlpSpan struct {
	TraceID           string          `json:"traceId"`
	SpanID            string          `json:"spanId"`
	ParentSpanID      string          `json:"parentSpanId,omitempty"`
	Name              string          `json:"name"`
	StartTimeUnixNano int64           `json:"startTimeUnixNano"`
	EndTimeUnixNano   int64           `json:"endTimeUnixNano,omitempty"`
	Status            map[string]any  `json:"status"`
	Attributes        []otlpAttribute `json:"attributes,omitempty"`
	Events            []otlpEvent     `json:"events,omitempty"`
}

type otlpAttribute struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

type otlpEvent struct {
	Name         string          `json:"name"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
}

func renderOTLP(traces []*Trace) ([]byte, error) {
	type scopeSpans struct {
		Scope map[string]string `json:"scope"`
		Spans []otlpSpan        `json:"spans"`
	}
	type resourceSpans struct {
		Resource   map[string]any `json:"resource"`
		ScopeSpans []scopeSpans   `json:"scopeSpans"`
	}

	var out struct {
		ResourceSpans []resourceSpans `json:"resourceSpans"`
	}

	for _, trace := range traces {
		spans := make([]otlpSpan, 0, len(trace.Spans))
		for _, span := range trace.Spans {
			os := otlpSpan{
				TraceID:           trace.ID,
				SpanID:            span.ID,
				ParentSpanID:      span.ParentSpanID,
				Name:              span.Name,
				StartTimeUnixNano: span.StartTime.UnixNano(),
				Status:            otlpStatus(span.Status),
				Attributes:        metadataAttributes(span.Metadata),
			}
			if span.EndTime != nil {
				os.EndTimeUnixNano = span.EndTime.UnixNano()
			}
			for _, ev := range span.Events {
				oe := otlpEvent{
					Name:         ev.Name,
					TimeUnixNano: ev.Timestamp.UnixNano(),
				}
				for k, v := range ev.Attributes {
					oe.Attributes = append(oe.Attributes, otlpAttribute{
						Key:   k,
						Value: map[string]any{"stringValue": fmt.Sprintf("%v", v)},
					})
				}
				os.Events = append(os.Events, oe)
			}
			spans = append(spans, os)
		}

		out.ResourceSpans = append(out.ResourceSpans, resourceSpans{
			Resource: map[string]any{
				"attributes": []otlpAttribute{{
					Key:   "service.name",
					Value: map[string]any{"stringValue": trace.Name},
				}},
			},
			ScopeSpans: []scopeSpans{{
				Scope: map[string]string{"name": "ccswarm"},
				Spans: spans,
			}},
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

func otlpStatus(status SpanStatus) map[string]any {
	switch status {
	case SpanError:
		return map[string]any{"code": 2, "message": "error"}
	case SpanOk:
		return map[string]any{"code": 1}
	default:
		return map[string]any{"code": 0}
	}
}

func metadataAttributes(md Metadata) []otlpAttribute {
	var attrs []otlpAttribute
	add := func(key string, value map[string]any) {
		attrs = append(attrs, otlpAttribute{Key: key, Value: value})
	}
	if md.TokensIn > 0 {
		add("llm.tokens.in", map[string]any{"intValue": md.TokensIn})
	}
	if md.TokensOut > 0 {
		add("llm.tokens.out", map[string]any{"intValue": md.TokensOut})
	}
	if md.CostUSD > 0 {
		add("llm.cost_usd", map[string]any{"doubleValue": md.CostUSD})
	}
	if md.Model != "" {
		add("llm.model", map[string]any{"stringValue": md.Model})
	}
	if md.AgentID != "" {
		add("agent.id", map[string]any{"stringValue": md.AgentID})
	}
	if md.TaskID != "" {
		add("task.id", map[string]any{"stringValue": md.TaskID})
	}
	return attrs
}
