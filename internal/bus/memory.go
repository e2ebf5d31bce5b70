package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// MemoryBus is the single-process coordination bus. Delivery order is
// FIFO per (sender, recipient) pair because every publish appends under
// the bus lock; there is no global order across senders.
type MemoryBus struct {
	logger *logger.Logger

	mu      sync.RWMutex
	inboxes map[string]*Inbox
	closed  bool
}

// NewMemoryBus creates an in-memory coordination bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		logger:  log.WithFields(zap.String("component", "bus")),
		inboxes: make(map[string]*Inbox),
	}
}

// Register creates (or returns) the recipient's inbox.
func (b *MemoryBus) Register(recipient string) *Inbox {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in, ok := b.inboxes[recipient]; ok {
		return in
	}
	in := newInbox(recipient)
	b.inboxes[recipient] = in
	b.logger.Debug("recipient registered", zap.String("recipient", recipient))
	return in
}

// Unregister drops the recipient's inbox.
func (b *MemoryBus) Unregister(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in, ok := b.inboxes[recipient]; ok {
		in.close()
		delete(b.inboxes, recipient)
	}
}

// Publish delivers to the recipient's inbox, or fans out to every inbox
// for the Broadcast sentinel. Publishing to an unknown recipient is an
// error; broadcasts to an empty bus are not.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	if msg.To == Broadcast {
		for _, in := range b.inboxes {
			in.put(msg)
		}
		b.logger.Debug("broadcast published",
			zap.String("message_id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.Int("recipients", len(b.inboxes)))
		return nil
	}

	in, ok := b.inboxes[msg.To]
	if !ok {
		return fmt.Errorf("unknown recipient %q", msg.To)
	}
	in.put(msg)

	b.logger.Debug("message published",
		zap.String("message_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.From),
		zap.String("to", msg.To))
	return nil
}

// Close shuts down the bus and all inboxes.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, in := range b.inboxes {
		in.close()
	}
	b.inboxes = make(map[string]*Inbox)
	b.logger.Info("memory bus closed")
}

// IsConnected reports whether the bus can deliver.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
