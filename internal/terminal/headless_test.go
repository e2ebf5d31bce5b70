package terminal

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

func TestHeadlessBackendEcho(t *testing.T) {
	b, err := NewHeadless(Options{Shell: "/bin/cat", Dir: t.TempDir()}, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewHeadless failed: %v", err)
	}
	defer func() { _ = b.Kill() }()

	if err := b.Write([]byte("hello backend\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		lines := b.ReadLines(10)
		if len(lines) > 0 && lines[len(lines)-1] == "hello backend" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output never observed, lines=%v", lines)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHeadlessBackendWriteAfterKill(t *testing.T) {
	b, err := NewHeadless(Options{Shell: "/bin/cat", Dir: t.TempDir()}, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewHeadless failed: %v", err)
	}

	if err := b.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if !b.Closed() {
		t.Error("expected backend to be closed after Kill")
	}
	if err := b.Write([]byte("x")); err != ErrBackendClosed {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
}

func TestHeadlessBackendKillIdempotent(t *testing.T) {
	b, err := NewHeadless(Options{Shell: "/bin/cat", Dir: t.TempDir()}, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewHeadless failed: %v", err)
	}

	if err := b.Kill(); err != nil {
		t.Fatalf("first Kill failed: %v", err)
	}
	if err := b.Kill(); err != nil {
		t.Errorf("second Kill should be a no-op, got %v", err)
	}
}

func TestHeadlessResizeNoop(t *testing.T) {
	b, err := NewHeadless(Options{Shell: "/bin/cat", Dir: t.TempDir()}, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewHeadless failed: %v", err)
	}
	defer func() { _ = b.Kill() }()

	if err := b.Resize(50, 120); err != nil {
		t.Errorf("headless Resize should be a no-op, got %v", err)
	}
}
