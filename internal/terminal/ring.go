package terminal

import (
	"fmt"
	"strings"
	"sync"
)

// ringBuffer retains the most recent output bytes up to a fixed cap.
// Overflow drops the oldest bytes and counts them; readers surface the
// drop count as a tag line.
type ringBuffer struct {
	mu      sync.RWMutex
	data    []byte
	max     int
	dropped uint64
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Append(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = append(r.data, p...)
	if len(r.data) > r.max {
		over := len(r.data) - r.max
		r.dropped += uint64(over)
		r.data = r.data[over:]
	}
}

// Bytes returns a copy of the buffered output.
func (r *ringBuffer) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// Dropped returns the number of bytes evicted by overflow.
func (r *ringBuffer) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Lines returns up to maxLines of the most recent lines, newest last.
// When bytes have been dropped, the first returned line is a tag noting
// the drop count.
func (r *ringBuffer) Lines(maxLines int) []string {
	r.mu.RLock()
	data := string(r.data)
	dropped := r.dropped
	r.mu.RUnlock()

	if data == "" && dropped == 0 {
		return nil
	}

	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	if dropped > 0 {
		lines = append([]string{fmt.Sprintf("[output truncated: %d bytes dropped]", dropped)}, lines...)
	}
	return lines
}
