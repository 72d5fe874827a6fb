package taskqueue

import (
	"context"
	"log/slog"
	"time"
)

// EventKind names a task lifecycle event.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventRetried   EventKind = "retried"
)

// Event is emitted by workers as tasks progress.
type Event struct {
	Kind     EventKind
	TaskID   string
	TaskName string
	Queue    string
	Attempt  int
	Duration time.Duration // set on terminal and retry events
	Delay    time.Duration // redelivery delay on retry events
	Err      error
	Time     time.Time
}

// Monitor receives task events. Implementations must be safe for
// concurrent use and must not block for long.
type Monitor interface {
	TaskEvent(ctx context.Context, ev Event)
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc func(ctx context.Context, ev Event)

func (f MonitorFunc) TaskEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type multiMonitor []Monitor

func (m multiMonitor) TaskEvent(ctx context.Context, ev Event) {
	for _, mon := range m {
		mon.TaskEvent(ctx, ev)
	}
}

// Monitors fans events out to every non-nil monitor.
func Monitors(ms ...Monitor) Monitor {
	var out multiMonitor
	for _, m := range ms {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

type logMonitor struct{ log *slog.Logger }

// LogMonitor writes events to a structured logger.
func LogMonitor(log *slog.Logger) Monitor { return logMonitor{log: log} }

func (m logMonitor) TaskEvent(ctx context.Context, ev Event) {
	attrs := []any{
		"task", ev.TaskName,
		"task_id", ev.TaskID,
		"queue", ev.Queue,
		"attempt", ev.Attempt,
	}
	if ev.Duration > 0 {
		attrs = append(attrs, "duration", ev.Duration)
	}
	switch ev.Kind {
	case EventStarted:
		m.log.DebugContext(ctx, "task started", attrs...)
	case EventSucceeded:
		m.log.InfoContext(ctx, "task succeeded", attrs...)
	case EventRetried:
		m.log.WarnContext(ctx, "task retried", append(attrs, "delay", ev.Delay, "error", ev.Err)...)
	case EventFailed:
		m.log.ErrorContext(ctx, "task failed", append(attrs, "error", ev.Err)...)
	}
}
