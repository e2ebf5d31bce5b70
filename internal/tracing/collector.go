package tracing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

var (
	// ErrTraceNotFound is returned for unknown trace ids.
	ErrTraceNotFound = errors.New("trace not found")
	// ErrSpanNotFound is returned for unknown span ids.
	ErrSpanNotFound = errors.New("span not found")
	// ErrCollectorClosed is returned after Shutdown.
	ErrCollectorClosed = errors.New("trace collector is shut down")
)

// command is one message to the collector actor.
type command func(s *state)

// state is the actor-owned trace store. Only the actor goroutine
// touches it.
type state struct {
	traces map[string]*Trace
	order  []string // insertion order for deterministic listings
	bridge *OTelBridge
}

// Collector owns all trace state behind a command channel.
type Collector struct {
	logger   *logger.Logger
	cmds     chan command
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

// NewCollector starts the tracing actor. Pass a nil bridge to keep
// everything in-process.
func NewCollector(bridge *OTelBridge, log *logger.Logger) *Collector {
	c := &Collector{
		logger: log.WithFields(zap.String("component", "tracing")),
		cmds:   make(chan command, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.run(bridge)
	return c
}

func (c *Collector) run(bridge *OTelBridge) {
	defer close(c.done)

	s := &state{
		traces: make(map[string]*Trace),
		bridge: bridge,
	}
	for {
		select {
		case cmd := <-c.cmds:
			cmd(s)
		case <-c.quit:
			// Drain anything already queued, then stop.
			for {
				select {
				case cmd := <-c.cmds:
					cmd(s)
				default:
					return
				}
			}
		}
	}
}

// send dispatches a command and waits for it to run.
func (c *Collector) send(cmd command) error {
	ack := make(chan struct{})
	wrapped := func(s *state) {
		cmd(s)
		close(ack)
	}

	select {
	case <-c.done:
		return ErrCollectorClosed
	case c.cmds <- wrapped:
	}

	select {
	case <-ack:
		return nil
	case <-c.done:
		// The actor may have processed the command while draining.
		select {
		case <-ack:
			return nil
		default:
			return ErrCollectorClosed
		}
	}
}

// Shutdown stops the actor. Commands already queued are processed first.
func (c *Collector) Shutdown() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
	c.logger.Debug("trace collector shut down")
}

// StartTrace opens a new trace and returns its id.
func (c *Collector) StartTrace(name string) (string, error) {
	id := uuid.New().String()
	err := c.send(func(s *state) {
		s.traces[id] = &Trace{
			ID:        id,
			Name:      name,
			StartTime: time.Now().UTC(),
		}
		s.order = append(s.order, id)
	})
	return id, err
}

// StartSpan opens a span in a trace. parentSpanID may be empty; when set
// it must name a span of the same trace.
func (c *Collector) StartSpan(traceID, name, parentSpanID string) (string, error) {
	id := uuid.New().String()
	var opErr error
	err := c.send(func(s *state) {
		trace, ok := s.traces[traceID]
		if !ok {
			opErr = fmt.Errorf("trace %q: %w", traceID, ErrTraceNotFound)
			return
		}
		if parentSpanID != "" && findSpan(trace, parentSpanID) == nil {
			opErr = fmt.Errorf("parent span %q: %w", parentSpanID, ErrSpanNotFound)
			return
		}
		trace.Spans = append(trace.Spans, &Span{
			ID:           id,
			TraceID:      traceID,
			ParentSpanID: parentSpanID,
			Name:         name,
			StartTime:    time.Now().UTC(),
		})
	})
	if err != nil {
		return "", err
	}
	return id, opErr
}

// EndSpan closes a span with its status and metadata, and mirrors it to
// the OTel bridge when one is attached.
func (c *Collector) EndSpan(traceID, spanID string, status SpanStatus, md *Metadata) error {
	var opErr error
	err := c.send(func(s *state) {
		trace, ok := s.traces[traceID]
		if !ok {
			opErr = fmt.Errorf("trace %q: %w", traceID, ErrTraceNotFound)
			return
		}
		span := findSpan(trace, spanID)
		if span == nil {
			opErr = fmt.Errorf("span %q: %w", spanID, ErrSpanNotFound)
			return
		}
		if span.EndTime != nil {
			return // already ended; idempotent
		}
		now := time.Now().UTC()
		if now.Before(span.StartTime) {
			now = span.StartTime
		}
		span.EndTime = &now
		span.Status = status
		if md != nil {
			span.Metadata = *md
		}
		if s.bridge != nil {
			s.bridge.Emit(span)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// AddEvent appends a timestamped event to an open span.
func (c *Collector) AddEvent(traceID, spanID, name string, attrs map[string]any) error {
	var opErr error
	err := c.send(func(s *state) {
		trace, ok := s.traces[traceID]
		if !ok {
			opErr = fmt.Errorf("trace %q: %w", traceID, ErrTraceNotFound)
			return
		}
		span := findSpan(trace, spanID)
		if span == nil {
			opErr = fmt.Errorf("span %q: %w", spanID, ErrSpanNotFound)
			return
		}
		span.Events = append(span.Events, Event{
			Name:       name,
			Timestamp:  time.Now().UTC(),
			Attributes: attrs,
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// EndTrace closes a trace.
func (c *Collector) EndTrace(traceID string) error {
	var opErr error
	err := c.send(func(s *state) {
		trace, ok := s.traces[traceID]
		if !ok {
			opErr = fmt.Errorf("trace %q: %w", traceID, ErrTraceNotFound)
			return
		}
		if trace.EndTime == nil {
			now := time.Now().UTC()
			trace.EndTime = &now
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// GetTrace returns a deep copy of one trace.
func (c *Collector) GetTrace(traceID string) (*Trace, error) {
	var out *Trace
	var opErr error
	err := c.send(func(s *state) {
		trace, ok := s.traces[traceID]
		if !ok {
			opErr = fmt.Errorf("trace %q: %w", traceID, ErrTraceNotFound)
			return
		}
		out = copyTrace(trace)
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// GetAllTraces returns deep copies of every trace in insertion order.
func (c *Collector) GetAllTraces() ([]*Trace, error) {
	var out []*Trace
	err := c.send(func(s *state) {
		for _, id := range s.order {
			out = append(out, copyTrace(s.traces[id]))
		}
	})
	return out, err
}

// GetTracesByAgent returns traces containing at least one span attributed
// to the agent.
func (c *Collector) GetTracesByAgent(agentID string) ([]*Trace, error) {
	var out []*Trace
	err := c.send(func(s *state) {
		for _, id := range s.order {
			trace := s.traces[id]
			for _, span := range trace.Spans {
				if span.Metadata.AgentID == agentID {
					out = append(out, copyTrace(trace))
					break
				}
			}
		}
	})
	return out, err
}

// Export renders traces in the given format. Pure: the caller owns any
// disk writes. Empty ids exports everything.
func (c *Collector) Export(format ExportFormat, traceIDs []string) ([]byte, error) {
	var traces []*Trace
	var opErr error
	err := c.send(func(s *state) {
		if len(traceIDs) == 0 {
			for _, id := range s.order {
				traces = append(traces, copyTrace(s.traces[id]))
			}
			return
		}
		for _, id := range traceIDs {
			trace, ok := s.traces[id]
			if !ok {
				opErr = fmt.Errorf("trace %q: %w", id, ErrTraceNotFound)
				return
			}
			traces = append(traces, copyTrace(trace))
		}
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return Render(format, traces)
}

// GetStats aggregates the collector contents.
func (c *Collector) GetStats() (Stats, error) {
	var stats Stats
	err := c.send(func(s *state) {
		stats.TracesPerAgent = make(map[string]int)
		var totalDuration float64
		var closedSpans int

		for _, trace := range s.traces {
			stats.TotalTraces++
			if trace.EndTime == nil {
				stats.ActiveTraces++
			} else {
				stats.CompletedTraces++
			}

			agents := make(map[string]bool)
			for _, span := range trace.Spans {
				stats.TotalSpans++
				stats.TotalTokens += span.Metadata.TokensIn + span.Metadata.TokensOut
				stats.TotalCostUSD += span.Metadata.CostUSD
				if span.Metadata.AgentID != "" {
					agents[span.Metadata.AgentID] = true
				}
				if span.EndTime != nil {
					totalDuration += span.DurationMs()
					closedSpans++
				}
			}
			for agent := range agents {
				stats.TracesPerAgent[agent]++
			}
		}
		if closedSpans > 0 {
			stats.AvgSpanDurationMs = totalDuration / float64(closedSpans)
		}
	})
	return stats, err
}

// Clear drops all trace state.
func (c *Collector) Clear() error {
	return c.send(func(s *state) {
		s.traces = make(map[string]*Trace)
		s.order = nil
	})
}

func findSpan(trace *Trace, spanID string) *Span {
	for _, span := range trace.Spans {
		if span.ID == spanID {
			return span
		}
	}
	return nil
}

func copyTrace(t *Trace) *Trace {
	out := &Trace{
		ID:        t.ID,
		Name:      t.Name,
		StartTime: t.StartTime,
	}
	if t.EndTime != nil {
		end := *t.EndTime
		out.EndTime = &end
	}
	out.Spans = make([]*Span, len(t.Spans))
	for i, span := range t.Spans {
		s := *span
		if span.EndTime != nil {
			end := *span.EndTime
			s.EndTime = &end
		}
		s.Events = append([]Event(nil), span.Events...)
		out.Spans[i] = &s
	}
	return out
}
