// Package tracing collects traces and spans behind a single actor: all
// state is owned by one goroutine and reached through a command channel,
// so callers never share a lock.
package tracing

import "time"

// SpanStatus is the terminal status of a span.
type SpanStatus string

const (
	SpanOk        SpanStatus = "ok"
	SpanError     SpanStatus = "error"
	SpanCancelled SpanStatus = "cancelled"
)

// Metadata carries the LLM accounting attached to a span.
type Metadata struct {
	TokensIn  int64   `json:"tokens_in,omitempty"`
	TokensOut int64   `json:"tokens_out,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Model     string  `json:"model,omitempty"`
	AgentID   string  `json:"agent_id,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
}

// Event is one timestamped annotation on a span.
type Event struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is a timed unit of work inside a trace. A span's parent, when
// set, is a span of the same trace.
type Span struct {
	ID           string     `json:"id"`
	TraceID      string     `json:"trace_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	Name         string     `json:"name"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Status       SpanStatus `json:"status,omitempty"`
	Metadata     Metadata   `json:"metadata"`
	Events       []Event    `json:"events,omitempty"`
}

// DurationMs returns the span duration, or 0 while it is open.
func (s *Span) DurationMs() float64 {
	if s.EndTime == nil {
		return 0
	}
	return float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
}

// Trace is a named, append-only collection of spans.
type Trace struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Spans     []*Span    `json:"spans"`
}

// Stats aggregates the collector's contents.
type Stats struct {
	TotalTraces       int            `json:"total_traces"`
	ActiveTraces      int            `json:"active_traces"`
	CompletedTraces   int            `json:"completed_traces"`
	TotalSpans        int            `json:"total_spans"`
	TotalTokens       int64          `json:"total_tokens"`
	TotalCostUSD      float64        `json:"total_cost_usd"`
	TracesPerAgent    map[string]int `json:"traces_per_agent"`
	AvgSpanDurationMs float64        `json:"avg_span_duration_ms"`
}
