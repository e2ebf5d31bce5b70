// Package session manages long-lived terminal sessions: lifecycle, output
// capture, command history, and the pool they live in.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
	"github.com/nwiizo/ccswarm/internal/terminal"
)

var (
	// ErrNotRunning is returned when input is sent to a session that is
	// neither Running nor Paused.
	ErrNotRunning = errors.New("session is not running")
	// ErrTerminal is returned when an operation is attempted on a session
	// in a terminal state.
	ErrTerminal = errors.New("session is in a terminal state")
)

// State is the session lifecycle state. Transitions are monotonic except
// Running <-> Paused.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateError
}

// Config describes how a session's backend is spawned.
type Config struct {
	WorkingDir            string            `json:"working_dir"`
	Env                   map[string]string `json:"env,omitempty"`
	Shell                 string            `json:"shell,omitempty"`
	Rows                  uint16            `json:"rows,omitempty"`
	Cols                  uint16            `json:"cols,omitempty"`
	OutputBufferSize      int               `json:"output_buffer_size,omitempty"`
	Timeout               time.Duration     `json:"timeout,omitempty"`
	ForceHeadless         bool              `json:"force_headless,omitempty"`
	AllowHeadlessFallback bool              `json:"allow_headless_fallback,omitempty"`
	EnableAIFeatures      bool              `json:"enable_ai_features,omitempty"`
}

// commandWaitDefault is how long ExecuteCommand waits before reading output.
const commandWaitDefault = 500 * time.Millisecond

// maxOutputPreview caps the output preview stored per command record.
const maxOutputPreview = 200

// maxHistoryRecords caps the per-session command history log.
const maxHistoryRecords = 1000

// CommandRecord is one entry of the session's monotonic command log.
type CommandRecord struct {
	Command       string    `json:"command"`
	Timestamp     time.Time `json:"timestamp"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	OutputPreview string    `json:"output_preview,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
}

// Session wraps a terminal backend with history, status, and metadata.
// All reads and writes serialize through the session mutex.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	logger *logger.Logger
	config Config

	mu           sync.Mutex
	state        State
	backend      terminal.Backend
	history      []CommandRecord
	commandCount int
	tokenCount   int64
	lastActivity time.Time
	commandWait  time.Duration
}

// New creates a session in Initializing state. The backend is spawned by Start.
func New(name string, cfg Config, log *logger.Logger) *Session {
	return restored(uuid.New().String(), name, time.Now().UTC(), cfg, log)
}

// restored builds a session with externally supplied identity, used when
// rebuilding the pool from the persisted registry.
func restored(id, name string, createdAt time.Time, cfg Config, log *logger.Logger) *Session {
	return &Session{
		ID:           id,
		Name:         name,
		CreatedAt:    createdAt,
		logger:       log.WithSessionID(id).WithFields(zap.String("session_name", name)),
		config:       cfg,
		state:        StateInitializing,
		lastActivity: time.Now().UTC(),
		commandWait:  commandWaitDefault,
	}
}

// SetCommandWait overrides the post-command wait used by ExecuteCommand.
func (s *Session) SetCommandWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandWait = d
}

// Config returns a copy of the session's spawn configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the backend and transitions to Running. Idempotent from
// Running (a second call is a no-op); fails from a terminal state.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return nil
	case StateInitializing:
	default:
		if s.state.IsTerminal() {
			return fmt.Errorf("start session %s: %w", s.ID, ErrTerminal)
		}
		return fmt.Errorf("start session %s from state %s: %w", s.ID, s.state, ErrNotRunning)
	}

	backend, err := terminal.Spawn(terminal.Options{
		Shell:      s.config.Shell,
		Dir:        s.config.WorkingDir,
		Env:        s.config.Env,
		Rows:       s.config.Rows,
		Cols:       s.config.Cols,
		BufferSize: s.config.OutputBufferSize,
	}, s.config.ForceHeadless, s.config.AllowHeadlessFallback, s.logger)
	if err != nil {
		s.state = StateError
		return fmt.Errorf("spawn backend: %w", err)
	}

	s.backend = backend
	s.state = StateRunning
	s.lastActivity = time.Now().UTC()
	s.logger.Info("session started", zap.Int("pid", backend.PID()))
	return nil
}

// SendInput writes raw bytes to the backend. Fails unless Running or Paused.
func (s *Session) SendInput(input string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning && s.state != StatePaused {
		return fmt.Errorf("send input to session %s in state %s: %w", s.ID, s.state, ErrNotRunning)
	}
	if err := s.backend.Write([]byte(input)); err != nil {
		return err
	}
	s.lastActivity = time.Now().UTC()
	s.tokenCount += estimateTokens(input)
	return nil
}

// ReadOutput returns a snapshot of recent output lines. Never blocks.
func (s *Session) ReadOutput(maxLines int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	return s.backend.ReadLines(maxLines)
}

// Screen returns the rendered terminal screen (PTY mode) or recent raw
// lines (headless).
func (s *Session) Screen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	return s.backend.Screen()
}

// ExecuteCommand writes the command followed by newline, waits for output
// to settle, reads the captured lines, and appends a command record.
func (s *Session) ExecuteCommand(command string) (string, error) {
	s.mu.Lock()

	if s.state != StateRunning && s.state != StatePaused {
		s.mu.Unlock()
		return "", fmt.Errorf("execute in session %s in state %s: %w", s.ID, s.state, ErrNotRunning)
	}

	start := time.Now()
	if err := s.backend.Write([]byte(command + "\n")); err != nil {
		s.mu.Unlock()
		return "", err
	}
	backend := s.backend
	wait := s.commandWait
	s.mu.Unlock()

	// Fixed settle period; the backend never blocks on read.
	time.Sleep(wait)

	lines := backend.ReadLines(0)
	output := strings.Join(lines, "\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	record := CommandRecord{
		Command:       command,
		Timestamp:     start.UTC(),
		OutputPreview: preview(output),
		DurationMs:    time.Since(start).Milliseconds(),
	}
	s.history = append(s.history, record)
	if len(s.history) > maxHistoryRecords {
		s.history = s.history[len(s.history)-maxHistoryRecords:]
	}
	s.commandCount++
	s.tokenCount += estimateTokens(command) + estimateTokens(output)
	s.lastActivity = time.Now().UTC()

	return output, nil
}

// Resize adjusts the PTY dimensions. No-op for headless backends.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return ErrNotRunning
	}
	s.config.Rows = rows
	s.config.Cols = cols
	return s.backend.Resize(rows, cols)
}

// Pause suspends the session. Only valid from Running.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return fmt.Errorf("pause session %s in state %s: %w", s.ID, s.state, ErrNotRunning)
	}
	s.state = StatePaused
	return nil
}

// Resume returns a paused session to Running.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return fmt.Errorf("resume session %s in state %s: %w", s.ID, s.state, ErrNotRunning)
	}
	s.state = StateRunning
	return nil
}

// Stop drives the session to Terminated and releases the backend.
// Idempotent: stopping a terminated session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTerminating
	backend := s.backend
	s.mu.Unlock()

	if backend != nil {
		if err := backend.Kill(); err != nil {
			s.logger.Warn("backend kill failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = nil
	s.state = StateTerminated
	s.logger.Info("session terminated")
	return nil
}

// History returns a copy of the command log.
func (s *Session) History() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CommandRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Status is a point-in-time snapshot of session metadata.
type Status struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	State        State     `json:"state"`
	WorkingDir   string    `json:"working_dir"`
	PID          int       `json:"pid,omitempty"`
	CommandCount int       `json:"command_count"`
	TokenCount   int64     `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Status returns a snapshot of the session's metadata and counters.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := 0
	if s.backend != nil {
		pid = s.backend.PID()
	}
	return Status{
		ID:           s.ID,
		Name:         s.Name,
		State:        s.state,
		WorkingDir:   s.config.WorkingDir,
		PID:          pid,
		CommandCount: s.commandCount,
		TokenCount:   s.tokenCount,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// seedOutput preloads captured scrollback into the history preview. Used
// by tmux migration, where the backend starts fresh but prior output
// should remain inspectable.
func (s *Session) seedOutput(captured string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if captured == "" {
		return
	}
	s.history = append(s.history, CommandRecord{
		Command:       "(imported scrollback)",
		Timestamp:     time.Now().UTC(),
		OutputPreview: preview(captured),
	})
	s.tokenCount += estimateTokens(captured)
}

func preview(output string) string {
	if len(output) <= maxOutputPreview {
		return output
	}
	return output[len(output)-maxOutputPreview:]
}

// estimateTokens approximates LLM token usage from byte length.
func estimateTokens(s string) int64 {
	return int64(len(s)+3) / 4
}
