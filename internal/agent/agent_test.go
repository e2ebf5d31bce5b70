package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwiizo/ccswarm/internal/bus"
	"github.com/nwiizo/ccswarm/internal/common/logger"
	"github.com/nwiizo/ccswarm/internal/session"
	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

func newTestAgent(t *testing.T) (*Agent, *bus.MemoryBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)
	b.Register(MasterID)

	sess := session.New("agent-sess", session.Config{
		WorkingDir:    t.TempDir(),
		Shell:         "/bin/sh",
		ForceHeadless: true,
	}, log)
	require.NoError(t, sess.Start())
	t.Cleanup(func() { _ = sess.Stop() })

	a := New("worker", v1.RoleBackend, sess, b, Config{
		TaskTimeout:  5 * time.Second,
		ResponseWait: 300 * time.Millisecond,
	}, log)
	return a, b
}

func testTask(id string) *v1.Task {
	return &v1.Task{
		ID:          id,
		Title:       "echo task-marker-" + id,
		Description: "",
		Priority:    v1.PriorityMedium,
		Type:        v1.TaskTypeDevelopment,
		CreatedAt:   time.Now(),
	}
}

func TestAgentInitialStatus(t *testing.T) {
	a, _ := newTestAgent(t)

	st := a.Status()
	assert.Equal(t, v1.AgentAvailable, st.State)
	assert.Equal(t, v1.RoleBackend, st.Role)
	assert.Zero(t, st.CompletedTasks)
}

func TestAcceptTaskHappyPath(t *testing.T) {
	a, b := newTestAgent(t)
	masterInbox := b.Register(MasterID)

	result, err := a.AcceptTask(context.Background(), testTask("t1"))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.Equal(t, "t1", result.TaskID)
	assert.NotEmpty(t, result.Output)
	assert.Equal(t, v1.AgentAvailable, a.State())
	assert.Equal(t, int64(1), a.Status().CompletedTasks)

	// The result is also posted to the master over the bus.
	msg, err := masterInbox.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bus.MessageStatusUpdate, msg.Type)
	assert.Equal(t, "task.result", msg.Subject)
}

func TestAcceptTaskWhileWorking(t *testing.T) {
	a, _ := newTestAgent(t)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = a.AcceptTask(context.Background(), testTask("slow"))
	}()
	<-started
	// Give the goroutine time to flip the state.
	time.Sleep(50 * time.Millisecond)

	_, err := a.AcceptTask(context.Background(), testTask("rejected"))
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestAcceptTaskWhilePaused(t *testing.T) {
	a, _ := newTestAgent(t)

	a.Pause()
	assert.Equal(t, v1.AgentPaused, a.State())

	_, err := a.AcceptTask(context.Background(), testTask("t1"))
	assert.ErrorIs(t, err, ErrNotAvailable)

	a.Resume()
	assert.Equal(t, v1.AgentAvailable, a.State())
}

func TestAcceptTaskSessionError(t *testing.T) {
	a, _ := newTestAgent(t)

	// Stopping the session makes SendInput fail.
	require.NoError(t, a.Session().Stop())

	result, err := a.AcceptTask(context.Background(), testTask("t1"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, v1.AgentError, a.State())

	a.Recover()
	assert.Equal(t, v1.AgentAvailable, a.State())
}

func TestHeartbeat(t *testing.T) {
	a, b := newTestAgent(t)
	masterInbox := b.Register(MasterID)

	require.NoError(t, a.Heartbeat(context.Background()))

	msg, err := masterInbox.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bus.MessageAgentHeartbeat, msg.Type)
}
