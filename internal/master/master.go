// Package master implements the proactive dispatcher: it decomposes
// objectives into tasks, routes tasks to the best available agent, learns
// from completed work, and periodically analyzes the project to emit
// delegation decisions without an external trigger.
package master

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/bus"
	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

var (
	// ErrAlreadyRunning is returned by Start on a running master.
	ErrAlreadyRunning = errors.New("master is already running")
	// ErrNotRunning is returned by Stop on a stopped master.
	ErrNotRunning = errors.New("master is not running")
	// ErrNoWorker is returned when no agent can take a task.
	ErrNoWorker = errors.New("no available agent")
)

// MasterID is the master's address on the coordination bus.
const MasterID = "master"

// Worker is the dispatcher's view of an agent.
type Worker interface {
	Status() v1.AgentStatus
	AcceptTask(ctx context.Context, task *v1.Task) (*v1.TaskResult, error)
}

// TaskState tracks a task through dispatch.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// DecisionKind classifies a delegation decision.
type DecisionKind string

const (
	DecisionAssign   DecisionKind = "assign"
	DecisionMonitor  DecisionKind = "monitor"
	DecisionEscalate DecisionKind = "escalate"
	DecisionGenerate DecisionKind = "generate"
)

// DelegationDecision is the proactive master's output: an explained,
// confidence-weighted recommendation.
type DelegationDecision struct {
	Kind       DecisionKind `json:"kind"`
	Reasoning  string       `json:"reasoning"`
	Confidence float64      `json:"confidence"` // in [0,1]
	Risk       string       `json:"risk"`
	Actions    []string     `json:"actions,omitempty"`
	TaskID     string       `json:"task_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// maxDecisions bounds the retained decision log.
const maxDecisions = 500

// Analyzer supplies project snapshots for proactive analysis. The
// semantic analysis itself happens outside the core.
type Analyzer interface {
	Analyze(ctx context.Context) (ProjectAnalysis, error)
}

// Master is the scheduler that turns objectives into dispatched tasks.
type Master struct {
	logger   *logger.Logger
	cfg      config.MasterConfig
	bus      bus.Bus
	inbox    *bus.Inbox
	queue    *TaskQueue
	learning *LearningStore
	analyzer Analyzer

	mu        sync.RWMutex
	workers   map[string]Worker
	tasks     map[string]*v1.Task
	states    map[string]TaskState
	results   map[string]*v1.TaskResult
	retries   map[string]int
	decisions []DelegationDecision
	generated map[string]bool // specialist names already requested
	active    int
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a master wired to the coordination bus.
func New(cfg config.MasterConfig, b bus.Bus, log *logger.Logger) *Master {
	return &Master{
		logger:    log.WithFields(zap.String("component", "master")),
		cfg:       cfg,
		bus:       b,
		inbox:     b.Register(MasterID),
		queue:     NewTaskQueue(cfg.QueueSize),
		learning:  NewLearningStore(),
		workers:   make(map[string]Worker),
		tasks:     make(map[string]*v1.Task),
		states:    make(map[string]TaskState),
		results:   make(map[string]*v1.TaskResult),
		retries:   make(map[string]int),
		generated: make(map[string]bool),
	}
}

// SetAnalyzer attaches the project analyzer consulted by the proactive loop.
func (m *Master) SetAnalyzer(a Analyzer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzer = a
}

// Learning exposes the per-tag execution statistics.
func (m *Master) Learning() *LearningStore { return m.learning }

// RegisterWorker adds an agent to the dispatch pool.
func (m *Master) RegisterWorker(id string, w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[id] = w
	m.logger.Info("worker registered", zap.String("worker_id", id))
}

// UnregisterWorker removes an agent from the pool.
func (m *Master) UnregisterWorker(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
}

// SubmitObjective decomposes an objective and enqueues every task.
func (m *Master) SubmitObjective(obj *Objective) ([]*Milestone, error) {
	milestones := Decompose(obj)
	for _, milestone := range milestones {
		for _, task := range milestone.Tasks {
			if err := m.SubmitTask(task); err != nil {
				return milestones, err
			}
		}
	}
	m.logger.Info("objective decomposed",
		zap.String("objective", obj.Title),
		zap.Int("milestones", len(milestones)))
	return milestones, nil
}

// SubmitTask enqueues one task for dispatch.
func (m *Master) SubmitTask(task *v1.Task) error {
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.states[task.ID] = TaskPending
	m.mu.Unlock()

	return m.queue.Enqueue(task)
}

// TaskState returns the dispatch state for a task id.
func (m *Master) TaskState(taskID string) (TaskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[taskID]
	return st, ok
}

// TaskResult returns the stored result for a task id.
func (m *Master) TaskResult(taskID string) (*v1.TaskResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[taskID]
	return r, ok
}

// Decisions returns a copy of the retained delegation decisions.
func (m *Master) Decisions() []DelegationDecision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DelegationDecision, len(m.decisions))
	copy(out, m.decisions)
	return out
}

// Start launches the dispatch and proactive loops.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("master starting",
		zap.Duration("proactive_interval", m.cfg.ProactiveInterval()),
		zap.Int("max_concurrent", m.cfg.MaxConcurrent))

	m.wg.Add(2)
	go m.dispatchLoop(ctx)
	go m.inboxLoop(ctx)
	return nil
}

// Stop halts the loops and waits for them to drain.
func (m *Master) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("master stopped")
	return nil
}

// dispatchLoop drives dispatch and proactive analysis. The cadence drops
// to the high-frequency interval while the queue is under stress.
func (m *Master) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-timer.C:
			m.DispatchReady(ctx)
			m.runProactiveAnalysis(ctx)
			timer.Reset(m.nextInterval())
		}
	}
}

// nextInterval selects the cadence: high frequency under stress.
func (m *Master) nextInterval() time.Duration {
	if m.underStress() {
		return m.cfg.HighFrequencyInterval()
	}
	return m.cfg.ProactiveInterval()
}

// underStress reports whether the queue has outgrown the concurrency budget.
func (m *Master) underStress() bool {
	return m.queue.Len() > m.cfg.MaxConcurrent*2
}

// inboxLoop consumes bus traffic addressed to the master. Results from
// directly dispatched tasks are handled on the dispatch path; the inbox
// records heartbeats and status updates from outside it.
func (m *Master) inboxLoop(ctx context.Context) {
	defer m.wg.Done()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
		case <-loopCtx.Done():
		}
		cancel()
	}()

	for {
		msg, err := m.inbox.Receive(loopCtx)
		if err != nil {
			return
		}

		switch msg.Type {
		case bus.MessageAgentHeartbeat:
			m.logger.Debug("heartbeat", zap.String("agent_id", msg.From))
		case bus.MessageStatusUpdate:
			m.logger.Debug("status update",
				zap.String("from", msg.From), zap.String("subject", msg.Subject))
		}
	}
}

// DispatchReady assigns every ready task to the best available worker,
// bounded by the concurrency budget. Tasks with open dependencies stay
// queued in place. Exported so callers and tests can force a dispatch
// pass without waiting for the cadence.
func (m *Master) DispatchReady(ctx context.Context) {
	for {
		m.mu.RLock()
		capacityLeft := m.active < m.cfg.MaxConcurrent
		m.mu.RUnlock()
		if !capacityLeft {
			return
		}

		done := m.completedSet()
		task := m.queue.DequeueReady(func(t *v1.Task) bool {
			return depsDone(t, done)
		})
		if task == nil {
			return
		}

		workerID, worker := m.selectWorker(task)
		if worker == nil {
			// Put it back; a worker may free up next tick.
			_ = m.queue.Enqueue(task)
			return
		}

		m.mu.Lock()
		m.states[task.ID] = TaskInProgress
		m.active++
		m.mu.Unlock()

		assigned := *task
		assigned.AssignedAgent = workerID

		m.recordDecision(DelegationDecision{
			Kind:       DecisionAssign,
			Reasoning:  "role and load scored best among available agents",
			Confidence: 0.8,
			Risk:       riskFor(task.Priority),
			TaskID:     task.ID,
			Actions:    []string{"dispatch to " + workerID},
			CreatedAt:  time.Now().UTC(),
		})

		m.wg.Add(1)
		go func(w Worker, t *v1.Task) {
			defer m.wg.Done()
			result, err := w.AcceptTask(ctx, t)
			m.handleCompletion(t, result, err)
		}(worker, &assigned)
	}
}

// completedSet snapshots the ids of completed tasks. The snapshot keeps
// the master lock out of the queue's dequeue scan.
func (m *Master) completedSet() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	done := make(map[string]bool)
	for id, st := range m.states {
		if st == TaskCompleted {
			done[id] = true
		}
	}
	return done
}

func depsDone(task *v1.Task, done map[string]bool) bool {
	for _, dep := range task.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// selectWorker scores available workers for a task. Role match dominates;
// ties break toward fewer in-flight tasks, then lower completed count to
// spread experience — reversed for Critical priority, which prefers the
// most experienced agent.
func (m *Master) selectWorker(task *v1.Task) (string, Worker) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bestID string
	var best Worker
	var bestScore int64

	for id, w := range m.workers {
		st := w.Status()
		if st.State != v1.AgentAvailable {
			continue
		}

		score := int64(0)
		if roleMatches(st.Role, task) {
			score += 1_000_000
		}
		score -= st.InFlightTasks * 1_000
		if task.Priority == v1.PriorityCritical {
			score += st.CompletedTasks
		} else {
			score -= st.CompletedTasks
		}

		if best == nil || score > bestScore {
			bestID, best, bestScore = id, w, score
		}
	}
	return bestID, best
}

// roleMatches checks the task's tags and type against an agent role.
func roleMatches(role v1.AgentRole, task *v1.Task) bool {
	for _, tag := range task.Tags {
		if string(role) == tag {
			return true
		}
	}
	switch task.Type {
	case v1.TaskTypeTesting:
		return role == v1.RoleQA
	case v1.TaskTypeInfrastructure:
		return role == v1.RoleDevOps
	}
	return false
}

// handleCompletion folds one finished dispatch back into master state,
// retrying failed tasks up to the configured limit and escalating after
// exhaustion.
func (m *Master) handleCompletion(task *v1.Task, result *v1.TaskResult, err error) {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()

	if err == nil && result != nil && result.Success {
		m.mu.Lock()
		m.states[task.ID] = TaskCompleted
		m.results[task.ID] = result
		delete(m.retries, task.ID)
		m.mu.Unlock()

		m.learning.Record(task, result, 0)
		m.logger.Info("task completed",
			zap.String("task_id", task.ID),
			zap.Int64("duration_ms", result.DurationMs))
		return
	}

	reason := "agent rejected task"
	if err != nil {
		reason = err.Error()
	} else if result != nil {
		reason = result.Error
	}

	m.mu.Lock()
	m.retries[task.ID]++
	attempts := m.retries[task.ID]
	exhausted := attempts > m.cfg.MaxRetries
	if exhausted {
		m.states[task.ID] = TaskFailed
		if result != nil {
			m.results[task.ID] = result
		}
	} else {
		m.states[task.ID] = TaskPending
	}
	m.mu.Unlock()

	if exhausted {
		m.logger.Error("task failed after retries",
			zap.String("task_id", task.ID),
			zap.Int("attempts", attempts),
			zap.String("reason", reason))
		m.recordDecision(DelegationDecision{
			Kind:       DecisionEscalate,
			Reasoning:  "retry budget exhausted: " + reason,
			Confidence: 0.9,
			Risk:       "high",
			TaskID:     task.ID,
			Actions:    []string{"surface to operator", "review task definition"},
			CreatedAt:  time.Now().UTC(),
		})
		return
	}

	m.logger.Warn("task failed, will retry",
		zap.String("task_id", task.ID),
		zap.Int("attempt", attempts),
		zap.String("reason", reason))

	delay := time.Duration(m.cfg.RetryDelayMs) * time.Millisecond
	retry := *task
	time.AfterFunc(delay, func() {
		if err := m.queue.Enqueue(&retry); err != nil {
			m.logger.Error("failed to re-enqueue task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	})
}

// runProactiveAnalysis consults the analyzer and emits decisions and
// generation requests.
func (m *Master) runProactiveAnalysis(ctx context.Context) {
	m.mu.RLock()
	analyzer := m.analyzer
	m.mu.RUnlock()
	if analyzer == nil {
		return
	}

	analysis, err := analyzer.Analyze(ctx)
	if err != nil {
		m.logger.Warn("project analysis failed", zap.Error(err))
		return
	}

	for _, req := range AnalyzeForGeneration(analysis) {
		m.mu.Lock()
		seen := m.generated[req.Name]
		if !seen {
			m.generated[req.Name] = true
		}
		m.mu.Unlock()
		if seen {
			continue
		}

		m.recordDecision(DelegationDecision{
			Kind:       DecisionGenerate,
			Reasoning:  req.Reasoning,
			Confidence: 0.7,
			Risk:       "low",
			Actions:    []string{"render agent template " + req.Name},
			CreatedAt:  time.Now().UTC(),
		})

		msg, err := bus.NewMessage(bus.MessageSystemBroadcast, MasterID, bus.Broadcast, req)
		if err != nil {
			continue
		}
		msg.Subject = "agent.generate"
		if err := m.bus.Publish(ctx, msg); err != nil {
			m.logger.Debug("failed to broadcast generation request", zap.Error(err))
		}
	}

	m.recordDecision(DelegationDecision{
		Kind:       DecisionMonitor,
		Reasoning:  "periodic project scan",
		Confidence: 0.6,
		Risk:       "low",
		Actions:    []string{"continue monitoring"},
		CreatedAt:  time.Now().UTC(),
	})
}

func (m *Master) recordDecision(d DelegationDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decisions = append(m.decisions, d)
	if len(m.decisions) > maxDecisions {
		m.decisions = m.decisions[len(m.decisions)-maxDecisions:]
	}
}

func riskFor(p v1.Priority) string {
	switch p {
	case v1.PriorityCritical:
		return "high"
	case v1.PriorityHigh:
		return "medium"
	default:
		return "low"
	}
}

// QueueStatus summarizes dispatch load.
type QueueStatus struct {
	QueuedTasks   int `json:"queued_tasks"`
	BlockedTasks  int `json:"blocked_tasks"`
	ActiveTasks   int `json:"active_tasks"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current dispatch load. Blocked counts the queued
// tasks whose dependencies are still open.
func (m *Master) Status() QueueStatus {
	waiting := m.queue.Items()
	done := m.completedSet()

	blocked := 0
	for _, t := range waiting {
		if !depsDone(t, done) {
			blocked++
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return QueueStatus{
		QueuedTasks:   len(waiting),
		BlockedTasks:  blocked,
		ActiveTasks:   m.active,
		MaxConcurrent: m.cfg.MaxConcurrent,
	}
}
