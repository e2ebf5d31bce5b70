// Package workflow interprets static node graphs ("pieces"): tasks,
// approvals, delays, conditions, parallel fan-out with joins, loops, and
// sub-workflows, executed tick by tick against an execution context.
package workflow

import "time"

// NodeType discriminates workflow node behavior.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeTask        NodeType = "task"
	NodeApproval    NodeType = "approval"
	NodeDelay       NodeType = "delay"
	NodeCondition   NodeType = "condition"
	NodeParallel    NodeType = "parallel"
	NodeJoin        NodeType = "join"
	NodeLoop        NodeType = "loop"
	NodeSubWorkflow NodeType = "sub_workflow"
)

// TaskSpec configures a task node.
type TaskSpec struct {
	Description string `json:"description" yaml:"description"`
	AgentRole   string `json:"agent_role,omitempty" yaml:"agent_role,omitempty"`
}

// ApprovalSpec configures an approval gate node.
type ApprovalSpec struct {
	Message   string   `json:"message" yaml:"message"`
	Approvers []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
}

// DelaySpec configures a delay node.
type DelaySpec struct {
	Seconds int `json:"seconds" yaml:"seconds"`
}

// ConditionSpec configures a branch node. Exactly one of the two branch
// targets is followed.
type ConditionSpec struct {
	Expression  string `json:"expression" yaml:"expression"`
	TrueBranch  string `json:"true_branch" yaml:"true_branch"`
	FalseBranch string `json:"false_branch" yaml:"false_branch"`
}

// ParallelSpec configures a fan-out node.
type ParallelSpec struct {
	Branches []string `json:"branches" yaml:"branches"`
}

// JoinSpec configures a barrier node that completes once every required
// node has completed.
type JoinSpec struct {
	Required []string `json:"required" yaml:"required"`
}

// LoopSpec configures a loop node. The body node's handler runs once per
// iteration inside the loop node's own execution; the scheduler never
// re-runs a node.
type LoopSpec struct {
	Condition     string `json:"condition" yaml:"condition"`
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	Body          string `json:"body" yaml:"body"`
}

// SubWorkflowSpec configures a nested workflow invocation.
type SubWorkflowSpec struct {
	WorkflowID string         `json:"workflow_id" yaml:"workflow_id"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Node is one vertex of a workflow graph. The spec pointer matching the
// type is set; the rest are nil.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Type NodeType `json:"type" yaml:"type"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`

	Task        *TaskSpec        `json:"task,omitempty" yaml:"task,omitempty"`
	Approval    *ApprovalSpec    `json:"approval,omitempty" yaml:"approval,omitempty"`
	Delay       *DelaySpec       `json:"delay,omitempty" yaml:"delay,omitempty"`
	Condition   *ConditionSpec   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Parallel    *ParallelSpec    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Join        *JoinSpec        `json:"join,omitempty" yaml:"join,omitempty"`
	Loop        *LoopSpec        `json:"loop,omitempty" yaml:"loop,omitempty"`
	SubWorkflow *SubWorkflowSpec `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Workflow is a validated static graph. Nodes and edges are flat,
// id-keyed structures; there is no pointer cycle to chase.
type Workflow struct {
	ID    string  `json:"id" yaml:"id"`
	Name  string  `json:"name" yaml:"name"`
	Nodes []*Node `json:"nodes" yaml:"nodes"`
	Edges []Edge  `json:"edges" yaml:"edges"`

	nodeByID map[string]*Node
	outgoing map[string][]string
	incoming map[string][]string
	startID  string
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node { return w.nodeByID[id] }

// Outgoing returns the successor ids of a node.
func (w *Workflow) Outgoing(id string) []string { return w.outgoing[id] }

// Incoming returns the predecessor ids of a node.
func (w *Workflow) Incoming(id string) []string { return w.incoming[id] }

// StartID returns the id of the Start node.
func (w *Workflow) StartID() string { return w.startID }

// NodeStatus tracks a node through one execution. Terminal statuses are
// sticky.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether a status admits no further transition.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// ExecutionStatus is the aggregate status of one workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Options tunes one execution.
type Options struct {
	MaxParallel   int  `json:"max_parallel" yaml:"max_parallel"`
	SkipApprovals bool `json:"skip_approvals" yaml:"skip_approvals"`
	DryRun        bool `json:"dry_run" yaml:"dry_run"`
}

// ExecutionContext carries the variables and assignments a run executes
// against. Node handlers operate on snapshots.
type ExecutionContext struct {
	Variables        map[string]any    `json:"variables,omitempty"`
	AgentAssignments map[string]string `json:"agent_assignments,omitempty"`
	Options          Options           `json:"options"`
}

// ExecutionResult summarizes one finished run.
type ExecutionResult struct {
	WorkflowID  string                `json:"workflow_id"`
	Status      ExecutionStatus       `json:"status"`
	NodeStates  map[string]NodeStatus `json:"node_states"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
	Variables   map[string]any        `json:"variables,omitempty"`
	Error       string                `json:"error,omitempty"`
}
