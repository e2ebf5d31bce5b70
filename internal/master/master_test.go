package master

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwiizo/ccswarm/internal/bus"
	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

// fakeWorker is a Worker test double with scripted outcomes.
type fakeWorker struct {
	id        string
	role      v1.AgentRole
	fail      bool
	delay     time.Duration
	mu        sync.Mutex
	accepted  []string
	completed atomic.Int64
	inFlight  atomic.Int64
}

func (w *fakeWorker) Status() v1.AgentStatus {
	state := v1.AgentAvailable
	if w.inFlight.Load() > 0 {
		state = v1.AgentWorking
	}
	return v1.AgentStatus{
		ID:             w.id,
		Name:           w.id,
		Role:           w.role,
		State:          state,
		CompletedTasks: w.completed.Load(),
		InFlightTasks:  w.inFlight.Load(),
	}
}

func (w *fakeWorker) AcceptTask(ctx context.Context, task *v1.Task) (*v1.TaskResult, error) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	w.mu.Lock()
	w.accepted = append(w.accepted, task.ID)
	w.mu.Unlock()

	if w.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.delay):
		}
	}

	if w.fail {
		return &v1.TaskResult{TaskID: task.ID, Error: "scripted failure"}, nil
	}
	w.completed.Add(1)
	return &v1.TaskResult{TaskID: task.ID, Success: true, DurationMs: 10}, nil
}

func (w *fakeWorker) acceptedTasks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.accepted...)
}

func testMasterConfig() config.MasterConfig {
	return config.MasterConfig{
		ProactiveFrequency: 30,
		HighFrequency:      15,
		MaxRetries:         2,
		RetryDelayMs:       10,
		MaxConcurrent:      5,
		QueueSize:          100,
	}
}

func newTestMaster(t *testing.T) (*Master, *bus.MemoryBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)
	return New(testMasterConfig(), b, log), b
}

func task(id string, priority v1.Priority, tags ...string) *v1.Task {
	return &v1.Task{
		ID:        id,
		Title:     "task " + id,
		Priority:  priority,
		Type:      v1.TaskTypeDevelopment,
		Tags:      tags,
		CreatedAt: time.Now(),
	}
}

func waitForState(t *testing.T, m *Master, taskID string, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := m.TaskState(taskID); ok && st == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := m.TaskState(taskID)
	t.Fatalf("task %s never reached %s, last state %s", taskID, want, st)
}

func TestDecompose(t *testing.T) {
	obj := NewObjective("Ship feature", "end to end", []string{
		"Build the API endpoint",
		"Add UI component",
	}, nil)

	milestones := Decompose(obj)
	require.Len(t, milestones, 3, "one per key result plus integration")

	assert.True(t, milestones[2].CriticalPath)
	integration := milestones[2].Tasks[0]
	assert.Equal(t, v1.PriorityCritical, integration.Priority)
	assert.Len(t, integration.DependsOn, 4, "integration depends on all other tasks")

	// Verify tasks depend on their implement sibling.
	for _, m := range milestones[:2] {
		require.Len(t, m.Tasks, 2)
		assert.Equal(t, []string{m.Tasks[0].ID}, m.Tasks[1].DependsOn)
	}
}

func TestDispatchHappyPath(t *testing.T) {
	m, _ := newTestMaster(t)
	w := &fakeWorker{id: "w1", role: v1.RoleBackend}
	m.RegisterWorker(w.id, w)

	require.NoError(t, m.SubmitTask(task("t1", v1.PriorityMedium, "backend")))
	m.DispatchReady(context.Background())

	waitForState(t, m, "t1", TaskCompleted)
	result, ok := m.TaskResult("t1")
	require.True(t, ok)
	assert.True(t, result.Success)
}

func TestDispatchPrefersRoleMatch(t *testing.T) {
	m, _ := newTestMaster(t)
	frontend := &fakeWorker{id: "fe", role: v1.RoleFrontend}
	backend := &fakeWorker{id: "be", role: v1.RoleBackend}
	m.RegisterWorker(frontend.id, frontend)
	m.RegisterWorker(backend.id, backend)

	require.NoError(t, m.SubmitTask(task("t1", v1.PriorityMedium, "frontend")))
	m.DispatchReady(context.Background())
	waitForState(t, m, "t1", TaskCompleted)

	assert.Equal(t, []string{"t1"}, frontend.acceptedTasks())
	assert.Empty(t, backend.acceptedTasks())
}

func TestCriticalPrefersExperience(t *testing.T) {
	m, _ := newTestMaster(t)
	veteran := &fakeWorker{id: "vet", role: v1.RoleBackend}
	veteran.completed.Store(50)
	rookie := &fakeWorker{id: "new", role: v1.RoleBackend}
	m.RegisterWorker(veteran.id, veteran)
	m.RegisterWorker(rookie.id, rookie)

	require.NoError(t, m.SubmitTask(task("crit", v1.PriorityCritical, "backend")))
	m.DispatchReady(context.Background())
	waitForState(t, m, "crit", TaskCompleted)
	assert.Equal(t, []string{"crit"}, veteran.acceptedTasks())

	// Non-critical work spreads experience toward the rookie.
	require.NoError(t, m.SubmitTask(task("norm", v1.PriorityMedium, "backend")))
	m.DispatchReady(context.Background())
	waitForState(t, m, "norm", TaskCompleted)
	assert.Equal(t, []string{"norm"}, rookie.acceptedTasks())
}

func TestDependenciesGateDispatch(t *testing.T) {
	m, _ := newTestMaster(t)
	w := &fakeWorker{id: "w1", role: v1.RoleBackend}
	m.RegisterWorker(w.id, w)

	t1 := task("first", v1.PriorityMedium, "backend")
	t2 := task("second", v1.PriorityHigh, "backend")
	t2.DependsOn = []string{"first"}

	require.NoError(t, m.SubmitTask(t2))
	require.NoError(t, m.SubmitTask(t1))

	m.DispatchReady(context.Background())
	waitForState(t, m, "first", TaskCompleted)

	// Second becomes ready only after first completes.
	m.DispatchReady(context.Background())
	waitForState(t, m, "second", TaskCompleted)

	accepted := w.acceptedTasks()
	require.Len(t, accepted, 2)
	assert.Equal(t, "first", accepted[0])
}

func TestRetryThenEscalate(t *testing.T) {
	m, _ := newTestMaster(t)
	w := &fakeWorker{id: "w1", role: v1.RoleBackend, fail: true}
	m.RegisterWorker(w.id, w)

	require.NoError(t, m.SubmitTask(task("doomed", v1.PriorityMedium, "backend")))

	// Drive dispatch until the retry budget is exhausted.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m.DispatchReady(context.Background())
		if st, _ := m.TaskState("doomed"); st == TaskFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	st, _ := m.TaskState("doomed")
	require.Equal(t, TaskFailed, st)
	assert.Len(t, w.acceptedTasks(), 3, "initial attempt plus two retries")

	var escalations []DelegationDecision
	for _, d := range m.Decisions() {
		if d.Kind == DecisionEscalate {
			escalations = append(escalations, d)
		}
	}
	require.Len(t, escalations, 1)
	assert.Equal(t, "doomed", escalations[0].TaskID)
}

func TestConcurrencyBudget(t *testing.T) {
	m, _ := newTestMaster(t)
	// Many slow workers, budget of 5.
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		m.RegisterWorker(id, &fakeWorker{id: id, role: v1.RoleBackend, delay: 200 * time.Millisecond})
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, m.SubmitTask(task(string(rune('0'+i)), v1.PriorityMedium, "backend")))
	}

	m.DispatchReady(context.Background())
	assert.LessOrEqual(t, m.Status().ActiveTasks, 5)
}

type fakeAnalyzer struct {
	analysis ProjectAnalysis
}

func (a *fakeAnalyzer) Analyze(ctx context.Context) (ProjectAnalysis, error) {
	return a.analysis, nil
}

func TestProactiveGeneration(t *testing.T) {
	m, b := newTestMaster(t)
	listener := b.Register("listener")

	m.SetAnalyzer(&fakeAnalyzer{analysis: ProjectAnalysis{
		FrontendSymbols: 80,
		BackendSymbols:  10,
		TestSymbols:     100,
		TotalSymbols:    200,
	}})

	m.runProactiveAnalysis(context.Background())

	var generate []DelegationDecision
	for _, d := range m.Decisions() {
		if d.Kind == DecisionGenerate {
			generate = append(generate, d)
		}
	}
	require.Len(t, generate, 1, "only the frontend threshold crossed")

	msg, err := listener.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent.generate", msg.Subject)

	// A second pass does not re-request the same specialist.
	m.runProactiveAnalysis(context.Background())
	count := 0
	for _, d := range m.Decisions() {
		if d.Kind == DecisionGenerate {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAnalyzeForGenerationThresholds(t *testing.T) {
	reqs := AnalyzeForGeneration(ProjectAnalysis{
		FrontendSymbols: 51,
		BackendSymbols:  51,
		TestSymbols:     0,
		TotalSymbols:    500,
		Complexity:      ComplexityVeryComplex,
		Domains:         []string{"ml"},
	})

	names := make(map[string]bool)
	for _, r := range reqs {
		names[r.Name] = true
	}
	for _, want := range []string{
		"frontend-specialist", "backend-specialist", "test-specialist",
		"architecture-specialist", "ml-specialist",
	} {
		assert.True(t, names[want], "expected %s", want)
	}
}

func TestLearningStore(t *testing.T) {
	s := NewLearningStore()
	tk := task("t", v1.PriorityMedium, "backend")

	s.Record(tk, &v1.TaskResult{Success: true, DurationMs: 100}, 2)
	s.Record(tk, &v1.TaskResult{Success: false, DurationMs: 300}, 4)

	st, ok := s.Get("backend")
	require.True(t, ok)
	assert.Equal(t, 2, st.Count)
	assert.InDelta(t, 200, st.MeanDurationMs, 0.01)
	assert.InDelta(t, 3, st.MeanFilesTouched, 0.01)
	assert.InDelta(t, 0.5, st.SuccessRate, 0.01)
}

func TestStartStop(t *testing.T) {
	m, _ := newTestMaster(t)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewTaskQueue(10)
	require.NoError(t, q.Enqueue(task("low", v1.PriorityLow)))
	require.NoError(t, q.Enqueue(task("crit", v1.PriorityCritical)))
	require.NoError(t, q.Enqueue(task("med", v1.PriorityMedium)))

	assert.Equal(t, "crit", q.Dequeue().ID)
	assert.Equal(t, "med", q.Dequeue().ID)
	assert.Equal(t, "low", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewTaskQueue(10)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(task(id, v1.PriorityMedium)))
	}

	assert.Equal(t, "a", q.Dequeue().ID)
	assert.Equal(t, "b", q.Dequeue().ID)
	assert.Equal(t, "c", q.Dequeue().ID)
}

func TestQueueDequeueReadySkipsBlocked(t *testing.T) {
	q := NewTaskQueue(10)
	blocked := task("blocked", v1.PriorityCritical)
	blocked.DependsOn = []string{"unfinished"}
	require.NoError(t, q.Enqueue(blocked))
	require.NoError(t, q.Enqueue(task("free", v1.PriorityLow)))

	ready := func(t *v1.Task) bool { return len(t.DependsOn) == 0 }

	// The blocked critical task keeps its position; the low one runs.
	assert.Equal(t, "free", q.DequeueReady(ready).ID)
	assert.Nil(t, q.DequeueReady(ready))
	assert.Equal(t, 1, q.Len())

	// Once ready, the skipped task comes out first again.
	assert.Equal(t, "blocked", q.Dequeue().ID)
}

func TestQueueRemoveAndDuplicates(t *testing.T) {
	q := NewTaskQueue(2)
	require.NoError(t, q.Enqueue(task("a", v1.PriorityMedium)))
	assert.ErrorIs(t, q.Enqueue(task("a", v1.PriorityMedium)), ErrTaskQueued)

	require.NoError(t, q.Enqueue(task("b", v1.PriorityMedium)))
	assert.ErrorIs(t, q.Enqueue(task("c", v1.PriorityMedium)), ErrQueueFull)

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, "b", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}
