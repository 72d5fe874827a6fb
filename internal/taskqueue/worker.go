package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Worker defaults.
const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 200 * time.Millisecond
	DefaultReceiveWait  = 50 * time.Millisecond
)

// Worker pulls tasks from every configured queue and runs their handlers.
type Worker struct {
	cfg       *Config
	transport Transport
	log       *slog.Logger
	monitor   Monitor

	concurrency  int
	pollInterval time.Duration
	receiveWait  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	limiters map[string]*rate.Limiter
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets how many tasks run at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets the pause after a pass over all queues found no work.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithReceiveWait sets how long one queue is waited on per poll.
func WithReceiveWait(d time.Duration) WorkerOption {
	return func(w *Worker) { w.receiveWait = d }
}

// WithMonitor sets the event sink. Events are also logged at debug level
// and above by the worker's logger.
func WithMonitor(m Monitor) WorkerOption {
	return func(w *Worker) { w.monitor = m }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWorker creates a worker. Register handlers before calling Run.
func NewWorker(cfg *Config, transport Transport, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:          cfg,
		transport:    transport,
		log:          slog.Default(),
		concurrency:  DefaultConcurrency,
		pollInterval: DefaultPollInterval,
		receiveWait:  DefaultReceiveWait,
		handlers:     make(map[string]Handler),
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, q := range cfg.Queues() {
		w.limiters[q.Name] = q.Limiter()
	}
	w.monitor = Monitors(LogMonitor(w.log), w.monitor)
	return w
}

// Register binds a handler to a task name.
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run processes tasks until ctx is cancelled. In-flight handlers are
// allowed to finish, bounded by their queue's hard timeout.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "concurrency", w.concurrency, "queues", len(w.cfg.Queues()))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.loop(gctx) })
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("poll failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.pollInterval):
		}
	}
}

// Poll makes one pass over the queues in priority order and runs the first
// task it receives. Queues whose rate limit is exhausted are skipped. It
// reports whether a task ran.
func (w *Worker) Poll(ctx context.Context) (bool, error) {
	var errs []error
	for _, q := range w.cfg.Queues() {
		res := w.limiters[q.Name].Reserve()
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			continue
		}
		d, err := w.transport.Receive(ctx, q.Name, w.receiveWait)
		if err != nil {
			res.Cancel()
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("receive from %s: %w", q.Name, err))
			continue
		}
		if d == nil {
			res.Cancel()
			continue
		}
		w.process(context.WithoutCancel(ctx), q, d)
		return true, nil
	}
	return false, errors.Join(errs...)
}

// process runs one delivery to completion and settles it.
func (w *Worker) process(ctx context.Context, q QueueConfig, d Delivery) {
	task := d.Task()
	ev := Event{TaskID: task.ID, TaskName: task.Name, Queue: q.Name, Attempt: d.Attempt()}

	h, ok := w.handler(task.Name)
	if !ok {
		ev.Kind, ev.Err, ev.Time = EventFailed, fmt.Errorf("%w: %s", ErrUnknownTask, task.Name), time.Now()
		w.settle(d.Term(), ev)
		w.monitor.TaskEvent(ctx, ev)
		return
	}

	start := time.Now()
	w.monitor.TaskEvent(ctx, withKind(ev, EventStarted, start))
	err := w.run(ctx, q, h, task)
	ev.Duration = time.Since(start)
	ev.Err = err

	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		ev.Kind = EventSucceeded
		w.settle(d.Ack(), ev)
	case errors.As(err, &permanent) || ev.Attempt >= q.MaxAttempts:
		ev.Kind = EventFailed
		w.settle(d.Term(), ev)
		if gh, ok := h.(GiveUpHandler); ok {
			gh.OnGiveUp(ctx, task, err)
		}
	default:
		ev.Kind = EventRetried
		ev.Delay = q.Backoff.Delay(ev.Attempt)
		w.settle(d.Nak(ev.Delay), ev)
	}
	ev.Time = time.Now()
	w.monitor.TaskEvent(ctx, ev)
}

// run calls the handler with the soft timeout on its context and gives up
// on it at the hard timeout.
func (w *Worker) run(ctx context.Context, q QueueConfig, h Handler, task *Task) error {
	softCtx, cancel := context.WithTimeout(ctx, q.SoftTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task %s panicked: %v\n%s", task.Name, r, debug.Stack())
			}
		}()
		done <- h.Handle(softCtx, task)
	}()

	hard := time.NewTimer(q.HardTimeout)
	defer hard.Stop()
	select {
	case err := <-done:
		return err
	case <-hard.C:
		err := fmt.Errorf("%w after %s", ErrHardTimeout, q.HardTimeout)
		w.log.Error("task abandoned", "task", task.Name, "task_id", task.ID, "queue", q.Name)
		if th, ok := h.(TimeoutHandler); ok {
			th.OnTimeout(ctx, task, err)
		}
		return err
	}
}

func (w *Worker) settle(err error, ev Event) {
	if err != nil {
		w.log.Warn("failed to settle delivery", "task", ev.TaskName, "task_id", ev.TaskID, "queue", ev.Queue, "outcome", ev.Kind, "error", err)
	}
}

func withKind(ev Event, kind EventKind, t time.Time) Event {
	ev.Kind = kind
	ev.Time = t
	return ev
}
