package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler executes one task.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task) error { return f(ctx, task) }

// TimeoutHandler is a Handler that is told when the worker abandons one of
// its attempts at the hard timeout. OnTimeout receives a context that is
// not tied to the abandoned attempt.
type TimeoutHandler interface {
	Handler
	OnTimeout(ctx context.Context, task *Task, err error)
}

// GiveUpHandler is a Handler that is told when the worker stops retrying one
// of its tasks: the last error was permanent or the queue's attempts ran
// out. err is the error of the final attempt.
type GiveUpHandler interface {
	Handler
	OnGiveUp(ctx context.Context, task *Task, err error)
}

// Client enqueues and revokes tasks.
type Client struct {
	cfg       *Config
	transport Transport
	log       *slog.Logger
}

// NewClient creates a client for the queues in cfg.
func NewClient(cfg *Config, transport Transport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, transport: transport, log: log}
}

// Enqueue creates a task and routes it to its queue.
func (c *Client) Enqueue(ctx context.Context, name string, args map[string]string) (Receipt, error) {
	return c.EnqueueTask(ctx, NewTask(name, args))
}

// EnqueueTask routes an existing task. Re-enqueueing a task that is still
// queued does not duplicate it.
func (c *Client) EnqueueTask(ctx context.Context, task *Task) (Receipt, error) {
	queue := c.cfg.Route(task.Name)
	r, err := c.transport.Publish(ctx, queue, task)
	if err != nil {
		return Receipt{}, fmt.Errorf("enqueue %s on %s: %w", task.Name, queue, err)
	}
	c.log.Debug("task enqueued", "task", task.Name, "task_id", task.ID, "queue", queue)
	return r, nil
}

// Revoke drops a task that has not started yet.
func (c *Client) Revoke(ctx context.Context, r Receipt) error {
	if err := c.transport.Revoke(ctx, r); err != nil {
		return fmt.Errorf("revoke %s: %w", r.TaskID, err)
	}
	c.log.Debug("task revoked", "task_id", r.TaskID, "queue", r.Queue)
	return nil
}
