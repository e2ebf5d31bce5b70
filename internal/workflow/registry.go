package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// Registry holds validated workflows by id and name so sub-workflow
// nodes can resolve their targets.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Workflow
	byName map[string]*Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Workflow),
		byName: make(map[string]*Workflow),
	}
}

// Register adds a workflow. Later registrations under the same name win.
func (r *Registry) Register(w *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[w.ID] = w
	r.byName[w.Name] = w
}

// Get resolves a workflow by id, falling back to name.
func (r *Registry) Get(idOrName string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.byID[idOrName]; ok {
		return w, true
	}
	w, ok := r.byName[idOrName]
	return w, ok
}

// NewEngineWithRegistry creates an engine whose sub-workflow nodes
// resolve through the registry and execute on the engine itself. Any
// SubWorkflow handler in handlers is replaced.
func NewEngineWithRegistry(handlers Handlers, reg *Registry, log *logger.Logger) *Engine {
	e := NewEngine(handlers, log)
	e.handlers.SubWorkflow = func(ctx context.Context, spec *SubWorkflowSpec) error {
		child, ok := reg.Get(spec.WorkflowID)
		if !ok {
			return fmt.Errorf("sub-workflow %q: %w", spec.WorkflowID, ErrUnknownNode)
		}
		result, err := e.Execute(ctx, child, ExecutionContext{Variables: spec.Inputs})
		if err != nil {
			return err
		}
		if result.Status != ExecutionCompleted {
			return fmt.Errorf("sub-workflow %q finished %s", spec.WorkflowID, result.Status)
		}
		return nil
	}
	return e
}
