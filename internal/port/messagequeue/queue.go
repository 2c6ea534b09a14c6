// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"errors"
)

// ErrDiscard signals that a message is malformed beyond recovery and must be
// acknowledged without requeueing, so a poison message cannot loop forever.
// All other handler errors cause a negative acknowledgement and redelivery.
var ErrDiscard = errors.New("discard message")

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// PublishOptions controls delivery of a published message.
type PublishOptions struct {
	// Persistent routes the message through the durable stream. Transient
	// messages use plain publish and are lost if nobody is listening.
	Persistent bool
	// Priority is advisory and carried as a message header.
	Priority int
	// MessageID enables broker-side duplicate suppression for republished
	// messages within the dedup window.
	MessageID string
}

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is at-least-once; every subscriber must be idempotent.
type Queue interface {
	// Publish sends a persistent message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithOptions sends a message with explicit delivery options.
	PublishWithOptions(ctx context.Context, subject string, data []byte, opts PublishOptions) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Inbound command subjects consumed by the control plane.
const (
	SubjectTaskSubmit     = "tasks.submit"
	SubjectTaskResult     = "tasks.result"
	SubjectTaskCancel     = "tasks.cancel"
	SubjectAgentRegister  = "agents.register"
	SubjectAgentHeartbeat = "agents.heartbeat"
	SubjectVoteSubmit     = "votes.submit"
	SubjectVoteDelegate   = "votes.delegate"
	SubjectSessionOpen    = "sessions.open"
	SubjectSessionClose   = "sessions.close"
)

// Outbound event subjects published by the control plane. Causal ordering is
// part of the contract: assigned precedes completed/failed for a task, cast
// precedes closed for a session.
const (
	SubjectTaskAssign    = "tasks.assign" // tasks.assign.{agent} — dispatch to one agent
	SubjectTaskAssigned  = "tasks.assigned"
	SubjectTaskCompleted = "tasks.completed"
	SubjectTaskFailed    = "tasks.failed"
	SubjectTaskCancelled = "tasks.cancelled"
	SubjectAgentStatus   = "agents.status"
	SubjectVoteCast      = "votes.cast"
	SubjectSessionClosed = "sessions.closed"
)
