package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRejectsNoStart(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		Build()
	assert.ErrorIs(t, err, ErrNoStart)
}

func TestBuildRejectsMultipleStarts(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "s1", Type: NodeStart}).
		AddNode(&Node{ID: "s2", Type: NodeStart}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("s1", "end").
		Build()
	assert.ErrorIs(t, err, ErrMultipleStart)
}

func TestBuildRejectsNoEnd(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		Build()
	assert.ErrorIs(t, err, ErrNoEnd)
}

func TestBuildRejectsUnreachableEnd(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "island", Type: NodeTask, Task: &TaskSpec{}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("island", "end").
		Build()
	assert.ErrorIs(t, err, ErrUnreachableEnd)
}

func TestBuildRejectsTaskCycle(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "a", Type: NodeTask, Task: &TaskSpec{}}).
		AddNode(&Node{ID: "b", Type: NodeTask, Task: &TaskSpec{}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "a").
		AddEdge("a", "b").
		AddEdge("b", "a").
		AddEdge("b", "end").
		Build()
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuildRejectsUnknownEdgeTarget(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "ghost").
		Build()
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestBuildRejectsDuplicateIDs(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "start", Type: NodeTask, Task: &TaskSpec{}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "end").
		Build()
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestBuildRejectsMissingConditionBranch(t *testing.T) {
	_, err := NewBuilder("bad").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "cond", Type: NodeCondition, Condition: &ConditionSpec{
			Expression: "true", TrueBranch: "ghost", FalseBranch: "end",
		}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "cond").
		Build()
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestBuildValidGraph(t *testing.T) {
	w, err := NewBuilder("ok").
		AddNode(&Node{ID: "start", Type: NodeStart}).
		AddNode(&Node{ID: "t", Type: NodeTask, Task: &TaskSpec{Description: "x"}}).
		AddNode(&Node{ID: "end", Type: NodeEnd}).
		AddEdge("start", "t").
		AddEdge("t", "end").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "start", w.StartID())
	assert.Equal(t, []string{"t"}, w.Outgoing("start"))
	assert.Equal(t, []string{"t"}, w.Incoming("end"))
	assert.NotEmpty(t, w.ID)
}

func TestEvalCondition(t *testing.T) {
	vars := map[string]any{
		"count":  float64(5),
		"env":    "prod",
		"flag":   true,
		"empty":  "",
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"false", false, false},
		{"flag", true, false},
		{"!flag", false, false},
		{"missing", false, false},
		{"empty", false, false},
		{"env == prod", true, false},
		{"env != prod", false, false},
		{"count < 10", true, false},
		{"count > 10", false, false},
		{"count == 5", true, false},
		{"count < abc", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		got, err := EvalCondition(tt.expr, vars)
		if tt.wantErr {
			assert.Error(t, err, "expr %q", tt.expr)
			continue
		}
		require.NoError(t, err, "expr %q", tt.expr)
		assert.Equal(t, tt.want, got, "expr %q", tt.expr)
	}
}

func TestParsePieceYAML(t *testing.T) {
	data := []byte(`
name: deploy-${TARGET_ENV}
nodes:
  - id: start
    type: start
  - id: ship
    type: task
    task:
      description: deploy to ${TARGET_ENV}
      agent_role: devops
  - id: end
    type: end
edges:
  - from: start
    to: ship
  - from: ship
    to: end
`)

	w, err := Parse(data, map[string]string{"TARGET_ENV": "staging"})
	require.NoError(t, err)

	assert.Equal(t, "deploy-staging", w.Name)
	ship := w.Node("ship")
	require.NotNil(t, ship)
	assert.Equal(t, "deploy to staging", ship.Task.Description)
}

func TestParseRejectsInvalidGraph(t *testing.T) {
	data := []byte(`
name: broken
nodes:
  - id: only-task
    type: task
    task:
      description: no start or end
`)
	_, err := Parse(data, nil)
	assert.Error(t, err)
}
