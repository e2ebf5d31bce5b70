package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
)

const (
	subjectPrefix    = "swarm.msg."
	broadcastSubject = "swarm.broadcast"
)

// NATSBus is the coordination bus backed by a NATS connection, for
// deployments where agents run outside the orchestrator process. The
// inbox surface is identical to MemoryBus.
type NATSBus struct {
	logger *logger.Logger
	conn   *nats.Conn

	mu      sync.Mutex
	inboxes map[string]*Inbox
	subs    map[string][]*nats.Subscription
}

// NewNATSBus connects to the configured NATS server.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	return &NATSBus{
		logger:  log.WithFields(zap.String("component", "nats-bus")),
		conn:    conn,
		inboxes: make(map[string]*Inbox),
		subs:    make(map[string][]*nats.Subscription),
	}, nil
}

// Register creates the recipient's inbox and subscribes it to its direct
// subject plus the broadcast subject.
func (b *NATSBus) Register(recipient string) *Inbox {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in, ok := b.inboxes[recipient]; ok {
		return in
	}

	in := newInbox(recipient)
	handler := func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("dropping undecodable message",
				zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		in.put(&msg)
	}

	var subs []*nats.Subscription
	for _, subject := range []string{subjectPrefix + recipient, broadcastSubject} {
		sub, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			b.logger.Error("subscribe failed",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}

	b.inboxes[recipient] = in
	b.subs[recipient] = subs
	return in
}

// Unregister drops the inbox and its subscriptions.
func (b *NATSBus) Unregister(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[recipient] {
		_ = sub.Unsubscribe()
	}
	delete(b.subs, recipient)

	if in, ok := b.inboxes[recipient]; ok {
		in.close()
		delete(b.inboxes, recipient)
	}
}

// Publish marshals the message and publishes it to the recipient's
// subject, or the broadcast subject.
func (b *NATSBus) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	subject := subjectPrefix + msg.To
	if msg.To == Broadcast {
		subject = broadcastSubject
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection and closes all inboxes.
func (b *NATSBus) Close() {
	b.mu.Lock()
	for _, in := range b.inboxes {
		in.close()
	}
	b.inboxes = make(map[string]*Inbox)
	b.subs = make(map[string][]*nats.Subscription)
	b.mu.Unlock()

	_ = b.conn.Drain()
	b.logger.Info("nats bus closed")
}

// IsConnected reports the NATS connection status.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
