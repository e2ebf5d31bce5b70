package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// pausePoll is how often a paused execution rechecks its flags.
const pausePoll = 100 * time.Millisecond

// Handlers are the engine's callbacks into the rest of the system. Nil
// handlers make the corresponding node type succeed immediately, which
// keeps dry runs and tests cheap.
type Handlers struct {
	// Task runs a task node. The execution context is a snapshot.
	Task func(ctx context.Context, node *Node, execCtx ExecutionContext) error

	// Approval gates an approval node; returning false fails the node.
	Approval func(ctx context.Context, node *Node) (bool, error)

	// SubWorkflow runs a nested workflow to termination.
	SubWorkflow func(ctx context.Context, spec *SubWorkflowSpec) error
}

// Engine interprets workflow graphs.
type Engine struct {
	logger   *logger.Logger
	handlers Handlers
}

// NewEngine creates a workflow engine with the given handlers.
func NewEngine(handlers Handlers, log *logger.Logger) *Engine {
	return &Engine{
		logger:   log.WithFields(zap.String("component", "workflow-engine")),
		handlers: handlers,
	}
}

// Execution is one run of a workflow. Pause and Cancel are cooperative:
// the next tick honors them.
type Execution struct {
	workflow *Workflow
	engine   *Engine
	logger   *logger.Logger

	mu        sync.Mutex
	execCtx   ExecutionContext
	states    map[string]NodeStatus
	activated map[string]bool // node ids with at least one activated incoming edge
	pruned    map[string]bool // condition branches that were not selected
	status    ExecutionStatus
	startedAt time.Time

	doneCh chan struct{}
	result *ExecutionResult
}

// Execute runs the workflow to termination and returns the result.
func (e *Engine) Execute(ctx context.Context, w *Workflow, execCtx ExecutionContext) (*ExecutionResult, error) {
	exec := e.Start(ctx, w, execCtx)
	return exec.Wait(ctx)
}

// Start launches an execution and returns its handle.
func (e *Engine) Start(ctx context.Context, w *Workflow, execCtx ExecutionContext) *Execution {
	if execCtx.Variables == nil {
		execCtx.Variables = make(map[string]any)
	}
	if execCtx.Options.MaxParallel <= 0 {
		execCtx.Options.MaxParallel = 4
	}

	exec := &Execution{
		workflow:  w,
		engine:    e,
		logger:    e.logger.WithFields(zap.String("workflow_id", w.ID), zap.String("workflow_name", w.Name)),
		execCtx:   execCtx,
		states:    make(map[string]NodeStatus, len(w.Nodes)),
		activated: make(map[string]bool),
		pruned:    make(map[string]bool),
		status:    ExecutionRunning,
		startedAt: time.Now().UTC(),
		doneCh:    make(chan struct{}),
	}
	for _, n := range w.Nodes {
		exec.states[n.ID] = StatusPending
	}

	go exec.run(ctx)
	return exec
}

// Wait blocks until the execution terminates.
func (x *Execution) Wait(ctx context.Context) (*ExecutionResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-x.doneCh:
		return x.result, nil
	}
}

// Pause suspends scheduling of new nodes after the current tick.
func (x *Execution) Pause() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status == ExecutionRunning {
		x.status = ExecutionPaused
	}
}

// Resume continues a paused execution.
func (x *Execution) Resume() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status == ExecutionPaused {
		x.status = ExecutionRunning
	}
}

// Cancel stops the execution; in-flight node handlers finish, nothing new
// is scheduled.
func (x *Execution) Cancel() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.status == ExecutionRunning || x.status == ExecutionPaused {
		x.status = ExecutionCancelled
	}
}

// Status returns the aggregate execution status.
func (x *Execution) Status() ExecutionStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// NodeStates returns a snapshot of per-node statuses.
func (x *Execution) NodeStates() map[string]NodeStatus {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make(map[string]NodeStatus, len(x.states))
	for id, st := range x.states {
		out[id] = st
	}
	return out
}

// run is the tick loop: compute ready nodes, execute them bounded by
// MaxParallel, repeat until nothing is ready.
func (x *Execution) run(ctx context.Context) {
	defer close(x.doneCh)

	x.logger.Info("workflow execution started")

	for {
		x.mu.Lock()
		status := x.status
		x.mu.Unlock()

		switch status {
		case ExecutionCancelled:
			x.finish()
			return
		case ExecutionPaused:
			select {
			case <-ctx.Done():
				x.Cancel()
			case <-time.After(pausePoll):
			}
			continue
		}

		if ctx.Err() != nil {
			x.Cancel()
			continue
		}

		ready := x.collectReady()
		if len(ready) == 0 {
			x.finish()
			return
		}

		if max := x.maxParallel(); len(ready) > max {
			ready = ready[:max]
		}

		var wg sync.WaitGroup
		for _, id := range ready {
			x.setState(id, StatusRunning)
			wg.Add(1)
			go func(nodeID string) {
				defer wg.Done()
				x.executeNode(ctx, nodeID)
			}(id)
		}
		wg.Wait()
	}
}

func (x *Execution) maxParallel() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.execCtx.Options.MaxParallel
}

// collectReady returns nodes whose predecessors are satisfied. As a side
// effect it marks branch-pruned nodes Skipped; nodes downstream of a
// failure stay Pending so the run finishes Failed.
func (x *Execution) collectReady() []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ready []string
	progress := true
	for progress {
		progress = false
		for _, n := range x.workflow.Nodes {
			if x.states[n.ID] != StatusPending || x.inReady(ready, n.ID) {
				continue
			}

			if n.Type == NodeJoin {
				if x.joinSatisfied(n) {
					ready = append(ready, n.ID)
				}
				continue
			}

			if n.ID == x.workflow.StartID() {
				ready = append(ready, n.ID)
				continue
			}

			preds := x.workflow.Incoming(n.ID)
			if len(preds) == 0 && !x.activated[n.ID] {
				// Only reachable through condition/parallel activation.
				if x.pruned[n.ID] {
					x.states[n.ID] = StatusSkipped
					progress = true
				}
				continue
			}
			if !x.predsTerminal(preds) {
				continue
			}

			if x.activated[n.ID] {
				ready = append(ready, n.ID)
				continue
			}

			if x.predsInclude(preds, StatusFailed) || x.predsInclude(preds, StatusCancelled) {
				continue // failure sink: stays pending, run ends Failed
			}

			// All predecessors finished but none activated this node: the
			// branch was pruned.
			x.states[n.ID] = StatusSkipped
			progress = true
		}
	}
	return ready
}

func (x *Execution) inReady(ready []string, id string) bool {
	for _, r := range ready {
		if r == id {
			return true
		}
	}
	return false
}

func (x *Execution) joinSatisfied(n *Node) bool {
	if n.Join == nil {
		return false
	}
	for _, req := range n.Join.Required {
		if x.states[req] != StatusCompleted {
			return false
		}
	}
	return true
}

func (x *Execution) predsTerminal(preds []string) bool {
	for _, p := range preds {
		if !x.states[p].IsTerminal() {
			return false
		}
	}
	return true
}

func (x *Execution) predsInclude(preds []string, status NodeStatus) bool {
	for _, p := range preds {
		if x.states[p] == status {
			return true
		}
	}
	return false
}

// executeNode runs one node handler and records the terminal status.
func (x *Execution) executeNode(ctx context.Context, nodeID string) {
	node := x.workflow.Node(nodeID)
	snapshot := x.snapshotContext()

	x.logger.Debug("node running",
		zap.String("node_id", nodeID), zap.String("node_type", string(node.Type)))

	var err error
	switch node.Type {
	case NodeStart, NodeEnd, NodeParallel, NodeJoin:
		// Structural nodes complete immediately.
	case NodeTask:
		err = x.runTaskNode(ctx, node, snapshot)
	case NodeApproval:
		err = x.runApprovalNode(ctx, node, snapshot)
	case NodeDelay:
		err = x.runDelayNode(ctx, node, snapshot)
	case NodeCondition:
		err = x.runConditionNode(node, snapshot)
		if err == nil {
			// Branch activation already done; nothing else to follow.
			x.setState(nodeID, StatusCompleted)
			return
		}
	case NodeLoop:
		err = x.runLoopNode(ctx, node)
	case NodeSubWorkflow:
		err = x.runSubWorkflowNode(ctx, node)
	default:
		err = fmt.Errorf("unknown node type %q", node.Type)
	}

	if err != nil {
		x.logger.Warn("node failed",
			zap.String("node_id", nodeID), zap.Error(err))
		x.setState(nodeID, StatusFailed)
		return
	}

	x.setState(nodeID, StatusCompleted)
	x.activateOutgoing(node)
}

func (x *Execution) runTaskNode(ctx context.Context, node *Node, snapshot ExecutionContext) error {
	if snapshot.Options.DryRun || x.engine.handlers.Task == nil {
		return nil
	}
	return x.engine.handlers.Task(ctx, node, snapshot)
}

func (x *Execution) runApprovalNode(ctx context.Context, node *Node, snapshot ExecutionContext) error {
	if snapshot.Options.SkipApprovals || x.engine.handlers.Approval == nil {
		return nil
	}
	approved, err := x.engine.handlers.Approval(ctx, node)
	if err != nil {
		return err
	}
	if !approved {
		return fmt.Errorf("approval rejected: %s", node.Approval.Message)
	}
	return nil
}

func (x *Execution) runDelayNode(ctx context.Context, node *Node, snapshot ExecutionContext) error {
	if snapshot.Options.DryRun || node.Delay == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(node.Delay.Seconds) * time.Second):
		return nil
	}
}

// runConditionNode evaluates the expression and activates exactly one
// branch. The unselected branch is pruned by the scheduler.
func (x *Execution) runConditionNode(node *Node, snapshot ExecutionContext) error {
	result, err := EvalCondition(node.Condition.Expression, snapshot.Variables)
	if err != nil {
		return err
	}

	target, other := node.Condition.FalseBranch, node.Condition.TrueBranch
	if result {
		target, other = other, target
	}

	x.mu.Lock()
	x.activated[target] = true
	if !x.activated[other] {
		x.pruned[other] = true
	}
	x.mu.Unlock()

	x.logger.Debug("condition evaluated",
		zap.String("node_id", node.ID),
		zap.Bool("result", result),
		zap.String("branch", target))
	return nil
}

// runLoopNode iterates the body node's handler inside the loop node's
// own execution. The scheduler never re-runs the body; it is marked
// Completed once the loop terminates.
func (x *Execution) runLoopNode(ctx context.Context, node *Node) error {
	spec := node.Loop
	body := x.workflow.Node(spec.Body)

	for iteration := 0; iteration < spec.MaxIterations; iteration++ {
		x.mu.Lock()
		x.execCtx.Variables["iteration"] = iteration
		x.mu.Unlock()
		snapshot := x.snapshotContext()

		proceed, err := EvalCondition(spec.Condition, snapshot.Variables)
		if err != nil {
			return err
		}
		if !proceed {
			break
		}

		if err := x.runTaskNode(ctx, body, snapshot); err != nil {
			return fmt.Errorf("loop body iteration %d: %w", iteration, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	x.setState(spec.Body, StatusCompleted)
	return nil
}

func (x *Execution) runSubWorkflowNode(ctx context.Context, node *Node) error {
	if x.engine.handlers.SubWorkflow == nil {
		return nil
	}
	return x.engine.handlers.SubWorkflow(ctx, node.SubWorkflow)
}

// activateOutgoing marks every declared successor as activated, except a
// loop node's body edge.
func (x *Execution) activateOutgoing(node *Node) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, next := range x.workflow.Outgoing(node.ID) {
		if node.Type == NodeLoop && node.Loop != nil && next == node.Loop.Body {
			continue
		}
		x.activated[next] = true
	}
	if node.Type == NodeParallel && node.Parallel != nil {
		for _, branch := range node.Parallel.Branches {
			x.activated[branch] = true
		}
	}
}

func (x *Execution) setState(nodeID string, status NodeStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()

	// Terminal states are sticky.
	if x.states[nodeID].IsTerminal() {
		return
	}
	x.states[nodeID] = status
}

func (x *Execution) snapshotContext() ExecutionContext {
	x.mu.Lock()
	defer x.mu.Unlock()

	vars := make(map[string]any, len(x.execCtx.Variables))
	for k, v := range x.execCtx.Variables {
		vars[k] = v
	}
	assignments := make(map[string]string, len(x.execCtx.AgentAssignments))
	for k, v := range x.execCtx.AgentAssignments {
		assignments[k] = v
	}
	return ExecutionContext{
		Variables:        vars,
		AgentAssignments: assignments,
		Options:          x.execCtx.Options,
	}
}

// SetVariable writes into the shared execution variables, visible to
// snapshots taken after the write.
func (x *Execution) SetVariable(key string, value any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.execCtx.Variables[key] = value
}

// finish computes the final result. On a cancelled run every
// non-terminal node is marked Cancelled.
func (x *Execution) finish() {
	x.mu.Lock()
	defer x.mu.Unlock()

	cancelled := x.status == ExecutionCancelled
	allTerminal := true
	for id, st := range x.states {
		if st.IsTerminal() {
			continue
		}
		if cancelled {
			x.states[id] = StatusCancelled
			continue
		}
		allTerminal = false
	}

	switch {
	case cancelled:
		x.status = ExecutionCancelled
	case allTerminal:
		x.status = ExecutionCompleted
	default:
		x.status = ExecutionFailed
	}

	states := make(map[string]NodeStatus, len(x.states))
	for id, st := range x.states {
		states[id] = st
	}
	vars := make(map[string]any, len(x.execCtx.Variables))
	for k, v := range x.execCtx.Variables {
		vars[k] = v
	}

	x.result = &ExecutionResult{
		WorkflowID:  x.workflow.ID,
		Status:      x.status,
		NodeStates:  states,
		StartedAt:   x.startedAt,
		CompletedAt: time.Now().UTC(),
		Variables:   vars,
	}

	x.logger.Info("workflow execution finished",
		zap.String("status", string(x.status)))
}
