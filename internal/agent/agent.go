// Package agent implements the logical worker bound to a session: it
// accepts tasks from the dispatcher, drives its session to produce a
// response, and reports results back over the coordination bus.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/bus"
	"github.com/nwiizo/ccswarm/internal/common/logger"
	"github.com/nwiizo/ccswarm/internal/session"
	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

var (
	// ErrNotAvailable is returned when a task is offered to an agent that
	// is not in the Available state.
	ErrNotAvailable = errors.New("agent is not available")
	// ErrTaskTimeout is returned when the task exceeded its deadline.
	ErrTaskTimeout = errors.New("task timed out")
)

// MasterID is the bus address of the orchestrator.
const MasterID = "master"

// Config tunes a single agent.
type Config struct {
	// TaskTimeout bounds one task execution end to end.
	TaskTimeout time.Duration

	// ResponseWait is how long the agent lets the session settle after
	// sending prompt material before collecting output.
	ResponseWait time.Duration

	// Provider labels the LLM provider backing this agent's session.
	Provider string

	// Capabilities declares what the agent advertises to the dispatcher.
	Capabilities []string
}

func (c *Config) applyDefaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.ResponseWait <= 0 {
		c.ResponseWait = time.Second
	}
}

// Agent owns exactly one session for its lifetime and a bus inbox
// registered under its id. Status reads are lock-free.
type Agent struct {
	ID   string
	Name string
	Role v1.AgentRole

	logger  *logger.Logger
	config  Config
	session *session.Session
	bus     bus.Bus
	inbox   *bus.Inbox

	// state is an AgentState; errorReason accompanies AgentError.
	state       atomic.Value
	errorReason atomic.Value

	completed    atomic.Int64
	inFlight     atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// New binds an agent to its session and registers its inbox on the bus.
func New(name string, role v1.AgentRole, sess *session.Session, b bus.Bus, cfg Config, log *logger.Logger) *Agent {
	cfg.applyDefaults()

	a := &Agent{
		ID:      uuid.New().String(),
		Name:    name,
		Role:    role,
		config:  cfg,
		session: sess,
		bus:     b,
	}
	a.logger = log.WithAgentID(a.ID).WithFields(zap.String("agent_name", name))
	a.inbox = b.Register(a.ID)
	a.state.Store(v1.AgentAvailable)
	a.errorReason.Store("")
	a.touch()
	return a
}

// Session returns the agent's session handle.
func (a *Agent) Session() *session.Session { return a.session }

// Inbox returns the agent's bus inbox.
func (a *Agent) Inbox() *bus.Inbox { return a.inbox }

// Status returns a snapshot without taking any lock.
func (a *Agent) Status() v1.AgentStatus {
	return v1.AgentStatus{
		ID:             a.ID,
		Name:           a.Name,
		Role:           a.Role,
		State:          a.state.Load().(v1.AgentState),
		ErrorReason:    a.errorReason.Load().(string),
		Provider:       a.config.Provider,
		CompletedTasks: a.completed.Load(),
		InFlightTasks:  a.inFlight.Load(),
		LastActivity:   time.Unix(0, a.lastActivity.Load()).UTC(),
	}
}

// State returns the agent's dispatch availability.
func (a *Agent) State() v1.AgentState {
	return a.state.Load().(v1.AgentState)
}

// Capabilities returns the agent's declared capability set.
func (a *Agent) Capabilities() []string {
	return append([]string(nil), a.config.Capabilities...)
}

// Pause takes the agent out of dispatch rotation.
func (a *Agent) Pause() {
	if a.state.CompareAndSwap(v1.AgentAvailable, v1.AgentPaused) {
		a.logger.Info("agent paused")
	}
}

// Resume returns a paused agent to rotation.
func (a *Agent) Resume() {
	if a.state.CompareAndSwap(v1.AgentPaused, v1.AgentAvailable) {
		a.logger.Info("agent resumed")
	}
}

// AcceptTask runs one task to completion. Only callable when Available;
// the agent is Working for the duration. The result is also posted to
// the bus addressed to the master.
func (a *Agent) AcceptTask(ctx context.Context, task *v1.Task) (*v1.TaskResult, error) {
	if !a.state.CompareAndSwap(v1.AgentAvailable, v1.AgentWorking) {
		return nil, fmt.Errorf("agent %s in state %s: %w", a.Name, a.State(), ErrNotAvailable)
	}
	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)

	a.logger.Info("task accepted",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title))

	ctx, cancel := context.WithTimeout(ctx, a.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	output, err := a.runTask(ctx, task)
	result := &v1.TaskResult{
		TaskID:     task.ID,
		DurationMs: time.Since(start).Milliseconds(),
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Error = ErrTaskTimeout.Error()
		a.state.Store(v1.AgentAvailable)
	case err != nil:
		result.Error = err.Error()
		a.errorReason.Store(err.Error())
		a.state.Store(v1.AgentError)
	default:
		result.Success = true
		result.Output = output
		a.completed.Add(1)
		a.state.Store(v1.AgentAvailable)
	}
	a.touch()

	a.postResult(result)
	return result, nil
}

// Recover returns an errored agent to Available.
func (a *Agent) Recover() {
	if a.state.CompareAndSwap(v1.AgentError, v1.AgentAvailable) {
		a.errorReason.Store("")
		a.logger.Info("agent recovered")
	}
}

// Shutdown stops the session and unregisters the inbox.
func (a *Agent) Shutdown() error {
	a.bus.Unregister(a.ID)
	return a.session.Stop()
}

// runTask writes the prompt material into the session and collects the
// response output.
func (a *Agent) runTask(ctx context.Context, task *v1.Task) (json.RawMessage, error) {
	prompt := buildPrompt(task)
	if err := a.session.SendInput(prompt); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	// Let the session settle before collecting the response.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.config.ResponseWait):
	}

	lines := a.session.ReadOutput(0)
	payload, err := json.Marshal(map[string]any{
		"response": strings.Join(lines, "\n"),
		"agent":    a.Name,
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// postResult publishes the task result to the master. Best effort.
func (a *Agent) postResult(result *v1.TaskResult) {
	msg, err := bus.NewMessage(bus.MessageStatusUpdate, a.ID, MasterID, result)
	if err != nil {
		a.logger.Warn("failed to encode task result", zap.Error(err))
		return
	}
	msg.Subject = "task.result"
	if err := a.bus.Publish(context.Background(), msg); err != nil {
		a.logger.Debug("failed to post task result", zap.Error(err))
	}
}

// Heartbeat publishes an agent heartbeat onto the bus.
func (a *Agent) Heartbeat(ctx context.Context) error {
	msg, err := bus.NewMessage(bus.MessageAgentHeartbeat, a.ID, MasterID, a.Status())
	if err != nil {
		return err
	}
	return a.bus.Publish(ctx, msg)
}

func (a *Agent) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

func buildPrompt(task *v1.Task) string {
	var b strings.Builder
	b.WriteString(task.Title)
	if task.Description != "" {
		b.WriteString("\n")
		b.WriteString(task.Description)
	}
	b.WriteString("\n")
	return b.String()
}
