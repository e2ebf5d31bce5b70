// Package v1 defines the shared task and agent types exchanged between
// the orchestrator, agents, executors, and the HTTP surface.
package v1

import (
	"encoding/json"
	"time"
)

// Priority orders tasks for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// TaskType tags what kind of work a task is.
type TaskType string

const (
	TaskTypeDevelopment    TaskType = "development"
	TaskTypeTesting        TaskType = "testing"
	TaskTypeReview         TaskType = "review"
	TaskTypeInfrastructure TaskType = "infrastructure"
	TaskTypeResearch       TaskType = "research"
	TaskTypeRemediation    TaskType = "remediation"
)

// Task is a unit of dispatchable work. Immutable once dispatched; the
// result is stored separately.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Priority      Priority  `json:"priority"`
	Type          TaskType  `json:"type"`
	Tags          []string  `json:"tags,omitempty"`
	DependsOn     []string  `json:"depends_on,omitempty"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TaskResult is the outcome of executing one task.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// AgentRole tags an agent's specialty. Custom roles are free-form strings
// outside the predefined set.
type AgentRole string

const (
	RoleFrontend    AgentRole = "frontend"
	RoleBackend     AgentRole = "backend"
	RoleDevOps      AgentRole = "devops"
	RoleQA          AgentRole = "qa"
	RoleSecurity    AgentRole = "security"
	RoleSearch      AgentRole = "search"
	RoleRefactoring AgentRole = "refactoring"
)

// AgentState is the agent's dispatch availability.
type AgentState string

const (
	AgentAvailable AgentState = "available"
	AgentWorking   AgentState = "working"
	AgentPaused    AgentState = "paused"
	AgentError     AgentState = "error"
)

// AgentStatus is a cheap point-in-time snapshot of an agent.
type AgentStatus struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Role           AgentRole  `json:"role"`
	State          AgentState `json:"state"`
	ErrorReason    string     `json:"error_reason,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	CompletedTasks int64      `json:"completed_tasks"`
	InFlightTasks  int64      `json:"in_flight_tasks"`
	LastActivity   time.Time  `json:"last_activity"`
}
