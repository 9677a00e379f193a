// Package delivery defines the durable queue port used to hand runnable
// tasks to workers. The guarantee is at-least-once: an un-acked delivery is
// redelivered after the visibility window, possibly to a different consumer
// in the same group, so task bodies must tolerate duplicate runs.
package delivery

import (
	"context"
	"errors"
)

// ErrUnavailable marks a transient broker failure. Callers retry with
// backoff; the message is never silently dropped.
var ErrUnavailable = errors.New("delivery channel unavailable")

// ErrClosed is returned once the channel has been closed.
var ErrClosed = errors.New("delivery channel closed")

// Message is the wire record placed on the channel for one runnable task.
type Message struct {
	MissionID string         `json:"mission_id"`
	TaskID    string         `json:"task_id"`
	TaskType  string         `json:"task_type"`
	TaskKey   string         `json:"task_key"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Attempt   int            `json:"attempt"` // incremented per retry/redelivery
}

// Delivery pairs a consumed message with the id needed to ack it.
type Delivery struct {
	Message Message
	ID      string
}

// Channel is the port interface for the durable task queue.
type Channel interface {
	// Publish appends a message; never overwrites; safe to call concurrently.
	Publish(ctx context.Context, msg Message) (deliveryID string, err error)

	// Consume blocks until a message is available for the consumer group or
	// the context is done. Competing consumers in the same group each receive
	// distinct deliveries; an un-acked delivery becomes visible again after
	// the visibility window.
	Consume(ctx context.Context, group, consumer string) (*Delivery, error)

	// Ack marks the delivery durably processed. Acking twice is a no-op.
	Ack(ctx context.Context, group, deliveryID string) error

	// Close releases the underlying connection.
	Close() error
}
