package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	c := NewCollector(nil, log)
	t.Cleanup(c.Shutdown)
	return c
}

func TestTraceRoundTrip(t *testing.T) {
	c := newTestCollector(t)

	traceID, err := c.StartTrace("op")
	require.NoError(t, err)

	spanID, err := c.StartSpan(traceID, "llm", "")
	require.NoError(t, err)

	require.NoError(t, c.AddEvent(traceID, spanID, "prompt_sent", map[string]any{"len": 100}))
	require.NoError(t, c.EndSpan(traceID, spanID, SpanOk, &Metadata{
		TokensIn:  100,
		TokensOut: 50,
		CostUSD:   0.01,
		Model:     "m",
	}))
	require.NoError(t, c.EndTrace(traceID))

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTraces)
	assert.Equal(t, 1, stats.CompletedTraces)
	assert.Equal(t, 0, stats.ActiveTraces)
	assert.Equal(t, 1, stats.TotalSpans)
	assert.Equal(t, int64(150), stats.TotalTokens)
	assert.InDelta(t, 0.01, stats.TotalCostUSD, 0.0001)
}

func TestSpanInvariants(t *testing.T) {
	c := newTestCollector(t)

	traceID, err := c.StartTrace("op")
	require.NoError(t, err)
	spanID, err := c.StartSpan(traceID, "work", "")
	require.NoError(t, err)
	require.NoError(t, c.EndSpan(traceID, spanID, SpanOk, nil))

	trace, err := c.GetTrace(traceID)
	require.NoError(t, err)
	require.Len(t, trace.Spans, 1)

	span := trace.Spans[0]
	require.NotNil(t, span.EndTime)
	assert.False(t, span.EndTime.Before(span.StartTime), "end_time must be >= start_time")
}

func TestParentSpanMustExistInTrace(t *testing.T) {
	c := newTestCollector(t)

	traceID, err := c.StartTrace("op")
	require.NoError(t, err)
	parent, err := c.StartSpan(traceID, "parent", "")
	require.NoError(t, err)

	child, err := c.StartSpan(traceID, "child", parent)
	require.NoError(t, err)
	assert.NotEmpty(t, child)

	_, err = c.StartSpan(traceID, "orphan", "no-such-span")
	assert.ErrorIs(t, err, ErrSpanNotFound)

	otherTrace, err := c.StartTrace("other")
	require.NoError(t, err)
	_, err = c.StartSpan(otherTrace, "cross", parent)
	assert.ErrorIs(t, err, ErrSpanNotFound, "a parent must live in the same trace")
}

func TestEndSpanIdempotent(t *testing.T) {
	c := newTestCollector(t)

	traceID, _ := c.StartTrace("op")
	spanID, _ := c.StartSpan(traceID, "work", "")

	require.NoError(t, c.EndSpan(traceID, spanID, SpanOk, nil))
	require.NoError(t, c.EndSpan(traceID, spanID, SpanError, nil))

	trace, err := c.GetTrace(traceID)
	require.NoError(t, err)
	assert.Equal(t, SpanOk, trace.Spans[0].Status, "a second EndSpan must not overwrite")
}

func TestGetTracesByAgent(t *testing.T) {
	c := newTestCollector(t)

	t1, _ := c.StartTrace("one")
	s1, _ := c.StartSpan(t1, "a", "")
	require.NoError(t, c.EndSpan(t1, s1, SpanOk, &Metadata{AgentID: "agent-x"}))

	t2, _ := c.StartTrace("two")
	s2, _ := c.StartSpan(t2, "b", "")
	require.NoError(t, c.EndSpan(t2, s2, SpanOk, &Metadata{AgentID: "agent-y"}))

	traces, err := c.GetTracesByAgent("agent-x")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, t1, traces[0].ID)

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TracesPerAgent["agent-x"])
	assert.Equal(t, 1, stats.TracesPerAgent["agent-y"])
}

func TestExportJSONRoundTrip(t *testing.T) {
	c := newTestCollector(t)

	traceID, _ := c.StartTrace("op")
	spanID, _ := c.StartSpan(traceID, "llm", "")
	require.NoError(t, c.AddEvent(traceID, spanID, "prompt_sent", map[string]any{"len": 100}))
	require.NoError(t, c.EndSpan(traceID, spanID, SpanOk, &Metadata{
		TokensIn: 100, TokensOut: 50, CostUSD: 0.01, Model: "m",
	}))
	require.NoError(t, c.EndTrace(traceID))

	data, err := c.Export(FormatJSON, nil)
	require.NoError(t, err)

	parsed, err := ParseJSON(data)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	require.Len(t, parsed[0].Spans, 1)

	span := parsed[0].Spans[0]
	assert.Equal(t, int64(100), span.Metadata.TokensIn)
	assert.Equal(t, int64(50), span.Metadata.TokensOut)
	assert.Equal(t, "m", span.Metadata.Model)
	assert.Len(t, span.Events, 1)
}

func TestExportOTLPShape(t *testing.T) {
	c := newTestCollector(t)

	traceID, _ := c.StartTrace("op")
	spanID, _ := c.StartSpan(traceID, "llm", "")
	require.NoError(t, c.EndSpan(traceID, spanID, SpanError, &Metadata{Model: "m"}))

	data, err := c.Export(FormatOTLP, []string{traceID})
	require.NoError(t, err)
	assert.Contains(t, string(data), "resourceSpans")
	assert.Contains(t, string(data), "llm.model")

	_, err = c.Export(FormatOTLP, []string{"missing"})
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestClearAndShutdown(t *testing.T) {
	c := newTestCollector(t)

	_, err := c.StartTrace("op")
	require.NoError(t, err)
	require.NoError(t, c.Clear())

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTraces)

	c.Shutdown()
	_, err = c.StartTrace("after")
	assert.ErrorIs(t, err, ErrCollectorClosed)

	// Shutdown is idempotent.
	c.Shutdown()
}
