// Package bus provides the in-process coordination bus connecting agents
// and the orchestrator: typed messages delivered to per-recipient FIFO
// inboxes, with an optional NATS-backed implementation for multi-process
// deployments.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the message variants on the bus.
type MessageType string

const (
	MessageCoordination    MessageType = "coordination"
	MessageTaskAssignment  MessageType = "task_assignment"
	MessageStatusUpdate    MessageType = "status_update"
	MessageAgentHeartbeat  MessageType = "agent_heartbeat"
	MessageSystemBroadcast MessageType = "system_broadcast"
)

// Broadcast is the recipient sentinel that fans a message out to every
// registered inbox.
const Broadcast = "*"

// Message is one unit on the coordination bus. Delivery is at-most-once
// per recipient registration and FIFO per (sender, recipient) pair.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Subject   string          `json:"subject,omitempty"` // coordination sub-type
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and timestamp. The payload
// must marshal to JSON; a nil payload is allowed.
func NewMessage(msgType MessageType, from, to string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Bus delivers messages between registered recipients.
type Bus interface {
	// Register creates the recipient's inbox. Registering an already
	// registered recipient returns the existing inbox.
	Register(recipient string) *Inbox

	// Unregister drops the recipient's inbox; pending messages are lost.
	Unregister(recipient string)

	// Publish delivers the message to its recipient's inbox, or to every
	// inbox when To is the Broadcast sentinel.
	Publish(ctx context.Context, msg *Message) error

	// Close shuts the bus down; subsequent publishes fail.
	Close()

	// IsConnected reports whether the bus can deliver.
	IsConnected() bool
}
