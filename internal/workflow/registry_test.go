package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

func TestSubWorkflowThroughRegistry(t *testing.T) {
	child, err := NewBuilder("child").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "inner", Type: NodeTask, Task: &TaskSpec{Description: "inner work"}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "inner").
		AddEdge("inner", "end").
		Build()
	require.NoError(t, err)

	parent, err := NewBuilder("parent").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "nested", Type: NodeSubWorkflow, SubWorkflow: &SubWorkflowSpec{WorkflowID: "child"}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "nested").
		AddEdge("nested", "end").
		Build()
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register(child)

	var ran []string
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	engine := NewEngineWithRegistry(Handlers{
		Task: func(ctx context.Context, node *Node, execCtx ExecutionContext) error {
			ran = append(ran, node.ID)
			return nil
		},
	}, reg, log)

	result, err := engine.Execute(context.Background(), parent, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, []string{"inner"}, ran)
}

func TestSubWorkflowUnknownTarget(t *testing.T) {
	parent, err := NewBuilder("parent").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "nested", Type: NodeSubWorkflow, SubWorkflow: &SubWorkflowSpec{WorkflowID: "ghost"}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "nested").
		AddEdge("nested", "end").
		Build()
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	engine := NewEngineWithRegistry(Handlers{}, NewRegistry(), log)

	result, err := engine.Execute(context.Background(), parent, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, result.Status)
	assert.Equal(t, StatusFailed, result.NodeStates["nested"])
}
