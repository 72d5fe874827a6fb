package taskqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotRevocable is returned by Revoke when the task already started,
	// finished, or is unknown.
	ErrNotRevocable = errors.New("task cannot be revoked")
	// ErrStaleDelivery is returned when acknowledging a delivery that was
	// already settled or has since been redelivered.
	ErrStaleDelivery = errors.New("stale delivery")
	// ErrUnknownQueue is returned for a queue name the config lacks.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrUnknownTask is reported when no handler is registered for a task.
	ErrUnknownTask = errors.New("no handler registered for task")
	// ErrHardTimeout is the failure recorded for an abandoned attempt.
	ErrHardTimeout = errors.New("task exceeded hard timeout")
)

// Receipt identifies an enqueued task for later revocation.
type Receipt struct {
	TaskID string
	Queue  string
	Seq    uint64
}

// Transport is a durable queue backend.
type Transport interface {
	// Publish appends a task to a queue.
	Publish(ctx context.Context, queue string, task *Task) (Receipt, error)
	// Receive returns the next ready delivery from a queue, waiting at most
	// wait. It returns (nil, nil) when nothing is ready.
	Receive(ctx context.Context, queue string, wait time.Duration) (Delivery, error)
	// Revoke drops a task that has not been delivered yet.
	Revoke(ctx context.Context, r Receipt) error
	Close() error
}

// Delivery is one delivery of a task. Exactly one of Ack, Nak or Term
// settles it.
type Delivery interface {
	Task() *Task
	// Attempt is the 1-based delivery count of this task.
	Attempt() int
	// Ack removes the task from its queue.
	Ack() error
	// Nak returns the task to its queue, ready again after delay.
	Nak(delay time.Duration) error
	// Term removes the task without further redelivery.
	Term() error
}
