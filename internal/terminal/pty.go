package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// killGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
const killGracePeriod = 3 * time.Second

// PTYBackend runs the child under a pseudo-terminal and drains its output
// into a ring buffer and a vt10x screen emulator.
type PTYBackend struct {
	logger *logger.Logger
	opts   Options

	cmd *exec.Cmd
	pty *os.File

	ring *ringBuffer

	termMu sync.Mutex
	term   vt10x.Terminal

	mu     sync.RWMutex
	closed bool
	doneCh chan struct{}
}

// NewPTY spawns the shell under a freshly allocated pseudo-terminal.
func NewPTY(opts Options, log *logger.Logger) (*PTYBackend, error) {
	opts.applyDefaults()

	cmd := newCommand(opts)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	b := &PTYBackend{
		logger: log.WithFields(zap.String("component", "pty-backend")),
		opts:   opts,
		cmd:    cmd,
		pty:    ptmx,
		ring:   newRingBuffer(opts.BufferSize),
		term:   vt10x.New(vt10x.WithSize(int(opts.Cols), int(opts.Rows))),
		doneCh: make(chan struct{}),
	}

	b.logger.Debug("pty backend started",
		zap.String("shell", opts.Shell),
		zap.String("dir", opts.Dir),
		zap.Int("pid", cmd.Process.Pid))

	go b.readLoop()
	go b.waitForExit()

	return b, nil
}

// Write sends bytes to the child through the PTY.
func (b *PTYBackend) Write(data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBackendClosed
	}
	if _, err := b.pty.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// ReadLines returns the most recent output lines from the ring buffer.
func (b *PTYBackend) ReadLines(maxLines int) []string {
	return b.ring.Lines(maxLines)
}

// Screen renders the visible terminal screen from the vt10x emulator,
// trimming trailing blank rows.
func (b *PTYBackend) Screen() []string {
	b.termMu.Lock()
	defer b.termMu.Unlock()

	rows := int(b.opts.Rows)
	cols := int(b.opts.Cols)
	lines := make([]string, 0, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, cols)
		for col := 0; col < cols; col++ {
			g := b.term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines = append(lines, strings.TrimRight(string(chars), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Resize changes the PTY window size and the emulator dimensions.
func (b *PTYBackend) Resize(rows, cols uint16) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBackendClosed
	}
	if err := pty.Setsize(b.pty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}

	b.termMu.Lock()
	b.term.Resize(int(cols), int(rows))
	b.termMu.Unlock()

	b.opts.Rows = rows
	b.opts.Cols = cols
	return nil
}

// Kill terminates the child process. SIGTERM first, SIGKILL after the
// grace period. Safe to call more than once.
func (b *PTYBackend) Kill() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cmd.Process != nil {
		_ = b.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-b.doneCh:
	case <-time.After(killGracePeriod):
		b.logger.Warn("pty child did not exit after SIGTERM, killing", zap.Int("pid", b.PID()))
		if b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
		<-b.doneCh
	}

	_ = b.pty.Close()
	return nil
}

// Closed reports whether the backend still accepts writes.
func (b *PTYBackend) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// PID returns the child process id.
func (b *PTYBackend) PID() int {
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Pid
	}
	return 0
}

// readLoop drains the PTY into the ring buffer and the screen emulator.
func (b *PTYBackend) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := b.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.ring.Append(data)

			b.termMu.Lock()
			_, _ = b.term.Write(data)
			b.termMu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				b.logger.Debug("pty read ended", zap.Error(err))
			}
			return
		}
	}
}

// waitForExit reaps the child and flips the backend to closed.
func (b *PTYBackend) waitForExit() {
	_ = b.cmd.Wait()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	close(b.doneCh)
	_ = b.pty.Close()
}
