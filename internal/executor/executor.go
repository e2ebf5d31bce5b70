// Package executor runs task batches through a caller-supplied function
// with bounded concurrency, per-task timeouts, retries, and result
// aggregation. Batches are registered so a running execution can be
// cancelled cooperatively.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nwiizo/ccswarm/internal/common/logger"
	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

// ErrExecutionNotFound is returned by Cancel for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")

// TaskFunc executes one task and returns its JSON payload.
type TaskFunc func(ctx context.Context, task *v1.Task) (json.RawMessage, error)

// Options tunes one batch execution.
type Options struct {
	MaxConcurrent           int
	DefaultTimeout          time.Duration
	FailFast                bool
	RetryFailed             bool
	MaxRetries              int
	RetryDelay              time.Duration
	CollectPartialOnTimeout bool
}

// DefaultOptions returns the baseline batch options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:  4,
		DefaultTimeout: 5 * time.Minute,
		MaxRetries:     2,
		RetryDelay:     time.Second,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
}

// TaskStatus is the per-task outcome status.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskCancelled TaskStatus = "cancelled"
)

// ExecutionStatus is the aggregate batch status.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// TaskOutcome is the recorded result of one task in a batch.
type TaskOutcome struct {
	TaskID     string          `json:"task_id"`
	Status     TaskStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Result aggregates a finished batch.
type Result struct {
	ExecutionID      string          `json:"execution_id"`
	Status           ExecutionStatus `json:"status"`
	TaskResults      []TaskOutcome   `json:"task_results"`
	TotalDurationMs  int64           `json:"total_duration_ms"`
	SuccessfulCount  int             `json:"successful_count"`
	FailedCount      int             `json:"failed_count"`
	AggregatedResult json.RawMessage `json:"aggregated_result,omitempty"`
}

// SuccessRate returns the fraction of successful tasks, 0 for empty batches.
func (r *Result) SuccessRate() float64 {
	total := r.SuccessfulCount + r.FailedCount
	if total == 0 {
		return 0
	}
	return float64(r.SuccessfulCount) / float64(total)
}

// execution is one in-flight batch in the registry.
type execution struct {
	id        string
	cancelled chan struct{}
	once      sync.Once
}

func (e *execution) cancel() {
	e.once.Do(func() { close(e.cancelled) })
}

func (e *execution) isCancelled() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

// Executor owns the active-execution registry.
type Executor struct {
	logger *logger.Logger

	mu     sync.Mutex
	active map[string]*execution
}

// New creates a parallel executor.
func New(log *logger.Logger) *Executor {
	return &Executor{
		logger: log.WithFields(zap.String("component", "parallel-executor")),
		active: make(map[string]*execution),
	}
}

// Cancel flips a running execution to cancelled. In-flight tasks are not
// forcibly killed; they finish but no new tasks start.
func (e *Executor) Cancel(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.active[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.cancel()
	e.logger.Info("execution cancelled", zap.String("execution_id", executionID))
	return nil
}

// ActiveExecutions returns the ids of batches currently running.
func (e *Executor) ActiveExecutions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Execute runs the batch and blocks until every launched task finished.
// Concurrency is bounded by opts.MaxConcurrent via a weighted semaphore;
// backpressure is automatic. Each task gets its own timeout. The returned
// result always contains one outcome per input task.
func (e *Executor) Execute(
	ctx context.Context,
	tasks []*v1.Task,
	fn TaskFunc,
	opts Options,
	agg Aggregation,
) (*Result, error) {
	opts.applyDefaults()
	start := time.Now()

	exec := &execution{
		id:        uuid.New().String(),
		cancelled: make(chan struct{}),
	}
	e.mu.Lock()
	e.active[exec.id] = exec
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, exec.id)
		e.mu.Unlock()
	}()

	e.logger.Info("batch started",
		zap.String("execution_id", exec.id),
		zap.Int("tasks", len(tasks)),
		zap.Int("max_concurrent", opts.MaxConcurrent))

	sem := semaphore.NewWeighted(int64(opts.MaxConcurrent))

	var (
		mu       sync.Mutex
		outcomes []TaskOutcome // completion order
		failed   bool
		wg       sync.WaitGroup
	)

	record := func(o TaskOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
		if o.Status != TaskCompleted {
			failed = true
		}
	}

	stopLaunching := func() bool {
		if exec.isCancelled() {
			return true
		}
		if opts.FailFast {
			mu.Lock()
			defer mu.Unlock()
			return failed
		}
		return false
	}

	for _, task := range tasks {
		if stopLaunching() {
			record(TaskOutcome{
				TaskID: task.ID,
				Status: TaskCancelled,
				Error:  "execution stopped before task started",
			})
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			record(TaskOutcome{TaskID: task.ID, Status: TaskCancelled, Error: err.Error()})
			continue
		}

		// Re-check after the (possibly long) semaphore wait.
		if stopLaunching() {
			sem.Release(1)
			record(TaskOutcome{
				TaskID: task.ID,
				Status: TaskCancelled,
				Error:  "execution stopped before task started",
			})
			continue
		}

		wg.Add(1)
		go func(t *v1.Task) {
			defer wg.Done()
			defer sem.Release(1)
			record(e.runOne(ctx, t, fn, opts))
		}(task)
	}

	wg.Wait()

	result := &Result{
		ExecutionID:     exec.id,
		TaskResults:     outcomes,
		TotalDurationMs: time.Since(start).Milliseconds(),
	}
	for _, o := range outcomes {
		if o.Status == TaskCompleted {
			result.SuccessfulCount++
		} else {
			result.FailedCount++
		}
	}

	switch {
	case exec.isCancelled():
		result.Status = ExecutionCancelled
	case opts.FailFast && result.FailedCount > 0:
		result.Status = ExecutionFailed
	default:
		result.Status = ExecutionCompleted
	}

	result.AggregatedResult = aggregate(agg, outcomes)

	e.logger.Info("batch finished",
		zap.String("execution_id", exec.id),
		zap.String("status", string(result.Status)),
		zap.Int("successful", result.SuccessfulCount),
		zap.Int("failed", result.FailedCount),
		zap.Int64("duration_ms", result.TotalDurationMs))
	return result, nil
}

// runOne executes a single task with timeout and the retry policy.
func (e *Executor) runOne(ctx context.Context, task *v1.Task, fn TaskFunc, opts Options) TaskOutcome {
	attempts := 1
	if opts.RetryFailed && opts.MaxRetries > 0 {
		attempts += opts.MaxRetries
	}

	var outcome TaskOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return outcome
			case <-time.After(opts.RetryDelay):
			}
		}

		outcome = e.attempt(ctx, task, fn, opts.DefaultTimeout)
		if outcome.Status == TaskCompleted {
			return outcome
		}
		// Timeouts are retried only under the same retry policy as failures.
		if !opts.RetryFailed {
			return outcome
		}
	}
	return outcome
}

func (e *Executor) attempt(ctx context.Context, task *v1.Task, fn TaskFunc, timeout time.Duration) TaskOutcome {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := fn(taskCtx, task)
	duration := time.Since(start).Milliseconds()

	switch {
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && taskCtx.Err() == context.DeadlineExceeded):
		return TaskOutcome{
			TaskID:     task.ID,
			Status:     TaskTimedOut,
			Error:      "Task timed out",
			DurationMs: duration,
		}
	case err != nil:
		return TaskOutcome{
			TaskID:     task.ID,
			Status:     TaskFailed,
			Error:      err.Error(),
			DurationMs: duration,
		}
	default:
		return TaskOutcome{
			TaskID:     task.ID,
			Status:     TaskCompleted,
			Output:     output,
			DurationMs: duration,
		}
	}
}
