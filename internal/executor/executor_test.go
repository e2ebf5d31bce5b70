package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwiizo/ccswarm/internal/common/logger"
	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return New(log)
}

func tasks(n int) []*v1.Task {
	out := make([]*v1.Task, n)
	for i := range out {
		out[i] = &v1.Task{
			ID:    fmt.Sprintf("task-%d", i),
			Title: fmt.Sprintf("prompt %d", i),
		}
	}
	return out
}

func echoFunc(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"prompt": task.Title})
}

func TestExecuteHappyPath(t *testing.T) {
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), tasks(3), echoFunc, DefaultOptions(), CollectAll)
	require.NoError(t, err)

	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, 3, result.SuccessfulCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Len(t, result.TaskResults, 3)
	assert.InDelta(t, 1.0, result.SuccessRate(), 0.001)

	var aggregated []json.RawMessage
	require.NoError(t, json.Unmarshal(result.AggregatedResult, &aggregated))
	assert.Len(t, aggregated, 3)
}

func TestExecuteEmptyBatch(t *testing.T) {
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), nil, echoFunc, DefaultOptions(), CollectAll)
	require.NoError(t, err)

	assert.Equal(t, 0, result.SuccessfulCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Equal(t, 0.0, result.SuccessRate())
	assert.Nil(t, result.AggregatedResult)
}

func TestExecuteConcurrencyBound(t *testing.T) {
	e := newTestExecutor(t)

	var inFlight, peak atomic.Int64
	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 2
	result, err := e.Execute(context.Background(), tasks(8), fn, opts, CollectAll)
	require.NoError(t, err)

	assert.Equal(t, 8, result.SuccessfulCount)
	assert.LessOrEqual(t, peak.Load(), int64(2), "in-flight futures exceeded the bound")
}

func TestExecuteOneTimeout(t *testing.T) {
	e := newTestExecutor(t)

	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		if task.ID == "task-1" {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		return json.RawMessage(`{}`), nil
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 2
	opts.DefaultTimeout = 50 * time.Millisecond

	result, err := e.Execute(context.Background(), tasks(3), fn, opts, CollectAll)
	require.NoError(t, err)

	assert.Equal(t, ExecutionCompleted, result.Status, "a timeout without fail_fast keeps the batch Completed")
	assert.Equal(t, 2, result.SuccessfulCount)
	assert.Equal(t, 1, result.FailedCount)

	var timedOut *TaskOutcome
	for i := range result.TaskResults {
		if result.TaskResults[i].Status == TaskTimedOut {
			timedOut = &result.TaskResults[i]
		}
	}
	require.NotNil(t, timedOut)
	assert.Equal(t, "Task timed out", timedOut.Error)
}

func TestExecuteFailFast(t *testing.T) {
	e := newTestExecutor(t)

	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		if task.ID == "task-0" {
			return nil, errors.New("boom")
		}
		time.Sleep(50 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	opts.FailFast = true

	result, err := e.Execute(context.Background(), tasks(4), fn, opts, CollectAll)
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, result.Status)
	assert.Len(t, result.TaskResults, 4, "every input task has an outcome")
	assert.Equal(t, result.SuccessfulCount+result.FailedCount, 4)
}

func TestExecuteRetrySucceedsEventually(t *testing.T) {
	e := newTestExecutor(t)

	var calls atomic.Int64
	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{}`), nil
	}

	opts := DefaultOptions()
	opts.RetryFailed = true
	opts.MaxRetries = 3
	opts.RetryDelay = 5 * time.Millisecond

	result, err := e.Execute(context.Background(), tasks(1), fn, opts, CollectAll)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SuccessfulCount)
	assert.Equal(t, int64(3), calls.Load())
}

func TestCancelStopsLaunching(t *testing.T) {
	e := newTestExecutor(t)

	started := make(chan string, 16)
	release := make(chan struct{})
	var once sync.Once
	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		started <- task.ID
		<-release
		return json.RawMessage(`{}`), nil
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 1

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.Execute(context.Background(), tasks(5), fn, opts, CollectAll)
		done <- outcome{r, err}
	}()

	// Wait for the first task to start, then cancel the batch.
	<-started
	var execID string
	deadline := time.Now().Add(2 * time.Second)
	for execID == "" && time.Now().Before(deadline) {
		if ids := e.ActiveExecutions(); len(ids) == 1 {
			execID = ids[0]
		}
	}
	require.NotEmpty(t, execID)
	require.NoError(t, e.Cancel(execID))
	once.Do(func() { close(release) })

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, ExecutionCancelled, out.result.Status)
	assert.Len(t, out.result.TaskResults, 5)
	// The in-flight task finished and was collected; the rest were not started.
	assert.GreaterOrEqual(t, out.result.SuccessfulCount, 1)

	assert.ErrorIs(t, e.Cancel("missing"), ErrExecutionNotFound)
}

func TestAggregateMergeObjects(t *testing.T) {
	e := newTestExecutor(t)

	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		return json.Marshal(map[string]string{task.ID: "v", "shared": task.ID})
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 1 // deterministic completion order

	result, err := e.Execute(context.Background(), tasks(2), fn, opts, MergeObjects)
	require.NoError(t, err)

	var merged map[string]string
	require.NoError(t, json.Unmarshal(result.AggregatedResult, &merged))
	assert.Equal(t, "v", merged["task-0"])
	assert.Equal(t, "v", merged["task-1"])
	assert.Equal(t, "task-1", merged["shared"], "later completion wins")
}

func TestAggregateFirstSuccess(t *testing.T) {
	e := newTestExecutor(t)

	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		if task.ID == "task-0" {
			return nil, errors.New("first fails")
		}
		return json.Marshal(map[string]string{"winner": task.ID})
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 1

	result, err := e.Execute(context.Background(), tasks(3), fn, opts, FirstSuccess)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(result.AggregatedResult, &out))
	assert.Equal(t, "task-1", out["winner"])
}

func TestAggregateHighestConfidence(t *testing.T) {
	e := newTestExecutor(t)

	confidences := map[string]float64{"task-0": 0.3, "task-1": 0.9, "task-2": 0.5}
	fn := func(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"id": task.ID, "confidence": confidences[task.ID]})
	}

	result, err := e.Execute(context.Background(), tasks(3), fn, DefaultOptions(), HighestConfidence)
	require.NoError(t, err)

	var out struct {
		ID         string  `json:"id"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(result.AggregatedResult, &out))
	assert.Equal(t, "task-1", out.ID)
}
