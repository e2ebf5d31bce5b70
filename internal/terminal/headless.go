package terminal

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// HeadlessBackend runs the child with plain pipes instead of a PTY. Used
// when the session forces headless mode or PTY allocation failed and the
// fallback is allowed.
type HeadlessBackend struct {
	logger *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	ring *ringBuffer

	mu     sync.RWMutex
	closed bool
	doneCh chan struct{}
}

// NewHeadless spawns the shell with ordinary stdin/stdout/stderr pipes.
func NewHeadless(opts Options, log *logger.Logger) (*HeadlessBackend, error) {
	opts.applyDefaults()

	cmd := newCommand(opts)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start headless process: %w", err)
	}

	b := &HeadlessBackend{
		logger: log.WithFields(zap.String("component", "headless-backend")),
		cmd:    cmd,
		stdin:  stdin,
		ring:   newRingBuffer(opts.BufferSize),
		doneCh: make(chan struct{}),
	}

	b.logger.Debug("headless backend started",
		zap.String("shell", opts.Shell),
		zap.String("dir", opts.Dir),
		zap.Int("pid", cmd.Process.Pid))

	var drained sync.WaitGroup
	drained.Add(2)
	go b.drain(stdout, &drained)
	go b.drain(stderr, &drained)
	go b.waitForExit(&drained)

	return b, nil
}

// Write sends bytes to the child's stdin.
func (b *HeadlessBackend) Write(data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBackendClosed
	}
	if _, err := b.stdin.Write(data); err != nil {
		return fmt.Errorf("stdin write: %w", err)
	}
	return nil
}

// ReadLines returns the most recent output lines.
func (b *HeadlessBackend) ReadLines(maxLines int) []string {
	return b.ring.Lines(maxLines)
}

// Screen returns the most recent buffered lines; there is no terminal
// emulation in headless mode.
func (b *HeadlessBackend) Screen() []string {
	return b.ring.Lines(0)
}

// Resize is a no-op for headless backends.
func (b *HeadlessBackend) Resize(rows, cols uint16) error {
	return nil
}

// Kill terminates the child. SIGTERM first, SIGKILL after the grace period.
func (b *HeadlessBackend) Kill() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.stdin.Close()
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-b.doneCh:
	case <-time.After(killGracePeriod):
		b.logger.Warn("headless child did not exit after SIGTERM, killing", zap.Int("pid", b.PID()))
		if b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
		<-b.doneCh
	}

	return nil
}

// Closed reports whether the backend still accepts writes.
func (b *HeadlessBackend) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// PID returns the child process id.
func (b *HeadlessBackend) PID() int {
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Pid
	}
	return 0
}

func (b *HeadlessBackend) drain(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.ring.Append(data)
		}
		if err != nil {
			return
		}
	}
}

func (b *HeadlessBackend) waitForExit(drained *sync.WaitGroup) {
	drained.Wait()
	_ = b.cmd.Wait()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	close(b.doneCh)
}
