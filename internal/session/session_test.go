package session

import (
	"testing"
	"time"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func headlessConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		WorkingDir:    t.TempDir(),
		Shell:         "/bin/sh",
		ForceHeadless: true,
	}
}

func TestSessionInitialState(t *testing.T) {
	s := New("test", headlessConfig(t), newTestLogger(t))
	if s.State() != StateInitializing {
		t.Errorf("expected Initializing, got %s", s.State())
	}
	if s.ID == "" {
		t.Error("expected a generated session id")
	}
}

func TestSessionSendInputBeforeStart(t *testing.T) {
	s := New("test", headlessConfig(t), newTestLogger(t))
	if err := s.SendInput("echo hi\n"); err == nil {
		t.Error("expected error sending input before Start")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := New("test", headlessConfig(t), newTestLogger(t))
	s.SetCommandWait(150 * time.Millisecond)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("expected Running, got %s", s.State())
	}

	// Start is idempotent from Running.
	if err := s.Start(); err != nil {
		t.Errorf("second Start should be a no-op, got %v", err)
	}

	out, err := s.ExecuteCommand("echo lifecycle-marker")
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	if out == "" {
		t.Error("expected captured output")
	}

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	if history[0].Command != "echo lifecycle-marker" {
		t.Errorf("unexpected recorded command %q", history[0].Command)
	}
	if history[0].DurationMs < 100 {
		t.Errorf("expected duration to include the settle wait, got %dms", history[0].DurationMs)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.State() != StateTerminated {
		t.Errorf("expected Terminated, got %s", s.State())
	}

	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	// No restart from a terminal state.
	if err := s.Start(); err == nil {
		t.Error("expected Start from Terminated to fail")
	}
}

func TestSessionPauseResume(t *testing.T) {
	s := New("test", headlessConfig(t), newTestLogger(t))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if s.State() != StatePaused {
		t.Errorf("expected Paused, got %s", s.State())
	}

	// Input is still accepted while paused.
	if err := s.SendInput("echo paused\n"); err != nil {
		t.Errorf("SendInput while paused failed: %v", err)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("expected Running after resume, got %s", s.State())
	}

	if err := s.Resume(); err == nil {
		t.Error("expected Resume from Running to fail")
	}
}

func TestSessionTokenCounting(t *testing.T) {
	s := New("test", headlessConfig(t), newTestLogger(t))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if err := s.SendInput("echo tokens\n"); err != nil {
		t.Fatalf("SendInput failed: %v", err)
	}
	if got := s.Status().TokenCount; got == 0 {
		t.Error("expected token count to grow after input")
	}
}
