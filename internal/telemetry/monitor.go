package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/neurosynth/metapub/internal/taskqueue"
)

const taskScope = "github.com/neurosynth/metapub/taskqueue"

// TaskMonitor records task lifecycle events as OTel metrics.
type TaskMonitor struct {
	events metric.Int64Counter
	dur    metric.Float64Histogram
	delay  metric.Float64Histogram
}

// NewTaskMonitor returns a monitor bound to the global meter provider, or
// nil when telemetry is disabled. taskqueue.Monitors drops nil entries.
func NewTaskMonitor() taskqueue.Monitor {
	if !Enabled() {
		return nil
	}
	return newTaskMonitor(Meter(taskScope))
}

func newTaskMonitor(m metric.Meter) *TaskMonitor {
	events, _ := m.Int64Counter("metapub.tasks.events",
		metric.WithDescription("Task lifecycle events by kind and queue"),
		metric.WithUnit("{event}"),
	)
	dur, _ := m.Float64Histogram("metapub.tasks.duration",
		metric.WithDescription("Task attempt duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	delay, _ := m.Float64Histogram("metapub.tasks.retry.delay",
		metric.WithDescription("Redelivery delay scheduled for retried tasks"),
		metric.WithUnit("ms"),
	)
	return &TaskMonitor{events: events, dur: dur, delay: delay}
}

// TaskEvent implements taskqueue.Monitor.
func (m *TaskMonitor) TaskEvent(ctx context.Context, ev taskqueue.Event) {
	set := metric.WithAttributes(
		attribute.String("task.kind", string(ev.Kind)),
		attribute.String("task.name", ev.TaskName),
		attribute.String("task.queue", ev.Queue),
	)
	m.events.Add(ctx, 1, set)
	if ev.Kind == taskqueue.EventStarted {
		return
	}
	m.dur.Record(ctx, float64(ev.Duration.Milliseconds()), set)
	if ev.Kind == taskqueue.EventRetried {
		m.delay.Record(ctx, float64(ev.Delay.Milliseconds()), set)
	}
}
