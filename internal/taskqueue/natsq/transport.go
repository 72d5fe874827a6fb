// Package natsq implements taskqueue.Transport on NATS JetStream.
//
// Every queue is a work-queue stream with one durable pull consumer. The
// consumer's AckWait is the queue's hard timeout plus the configured grace,
// and MaxDeliver is its attempt budget, so crashed workers' deliveries come
// back and poison tasks stop.
package natsq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/neurosynth/metapub/internal/taskqueue"
)

const (
	// SubjectPrefix prefixes every queue subject.
	SubjectPrefix = "metapub.tasks."

	// DuplicateWindow is how long JetStream remembers task ids to drop
	// repeated publishes.
	DuplicateWindow = 2 * time.Minute

	minFetchWait = 20 * time.Millisecond
)

// StreamName returns the stream backing a queue.
func StreamName(queue string) string {
	return "METAPUB_" + strings.ToUpper(queue)
}

// Subject returns the subject tasks for a queue are published on.
func Subject(queue string) string { return SubjectPrefix + queue }

func durableName(queue string) string { return "workers_" + queue }

// Transport is a JetStream-backed taskqueue.Transport.
type Transport struct {
	cfg *taskqueue.Config
	js  nats.JetStreamContext

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ taskqueue.Transport = (*Transport)(nil)

// New creates the streams and consumers for every queue in cfg. The
// connection stays owned by the caller.
func New(nc *nats.Conn, cfg *taskqueue.Config) (*Transport, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	t := &Transport{cfg: cfg, js: js, subs: make(map[string]*nats.Subscription)}
	if err := t.EnsureStreams(); err != nil {
		return nil, err
	}
	return t, nil
}

// EnsureStreams creates missing streams and durable consumers.
func (t *Transport) EnsureStreams() error {
	for _, q := range t.cfg.Queues() {
		stream := StreamName(q.Name)
		if _, err := t.js.StreamInfo(stream); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				return fmt.Errorf("lookup %s stream: %w", stream, err)
			}
			_, err = t.js.AddStream(&nats.StreamConfig{
				Name:       stream,
				Subjects:   []string{Subject(q.Name)},
				Storage:    nats.FileStorage,
				Retention:  nats.WorkQueuePolicy,
				Duplicates: DuplicateWindow,
			})
			if err != nil {
				return fmt.Errorf("create %s stream: %w", stream, err)
			}
		}

		durable := durableName(q.Name)
		if _, err := t.js.ConsumerInfo(stream, durable); err != nil {
			if !errors.Is(err, nats.ErrConsumerNotFound) {
				return fmt.Errorf("lookup %s consumer: %w", durable, err)
			}
			_, err = t.js.AddConsumer(stream, &nats.ConsumerConfig{
				Durable:       durable,
				AckPolicy:     nats.AckExplicitPolicy,
				AckWait:       t.cfg.AckWait(q.Name),
				MaxDeliver:    q.MaxAttempts,
				FilterSubject: Subject(q.Name),
			})
			if err != nil {
				return fmt.Errorf("create %s consumer: %w", durable, err)
			}
		}
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, queue string, task *taskqueue.Task) (taskqueue.Receipt, error) {
	if _, ok := t.cfg.Queue(queue); !ok {
		return taskqueue.Receipt{}, fmt.Errorf("%w: %s", taskqueue.ErrUnknownQueue, queue)
	}
	data, err := taskqueue.EncodeTask(task)
	if err != nil {
		return taskqueue.Receipt{}, err
	}
	ack, err := t.js.Publish(Subject(queue), data, nats.MsgId(task.ID), nats.Context(ctx))
	if err != nil {
		return taskqueue.Receipt{}, fmt.Errorf("publish to %s: %w", Subject(queue), err)
	}
	return taskqueue.Receipt{TaskID: task.ID, Queue: queue, Seq: ack.Sequence}, nil
}

func (t *Transport) subscription(queue string) (*nats.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[queue]; ok {
		return sub, nil
	}
	sub, err := t.js.PullSubscribe(Subject(queue), durableName(queue), nats.Bind(StreamName(queue), durableName(queue)))
	if err != nil {
		return nil, fmt.Errorf("bind %s consumer: %w", durableName(queue), err)
	}
	t.subs[queue] = sub
	return sub, nil
}

func (t *Transport) Receive(ctx context.Context, queue string, wait time.Duration) (taskqueue.Delivery, error) {
	if _, ok := t.cfg.Queue(queue); !ok {
		return nil, fmt.Errorf("%w: %s", taskqueue.ErrUnknownQueue, queue)
	}
	sub, err := t.subscription(queue)
	if err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, max(wait, minFetchWait))
	defer cancel()
	msgs, err := sub.Fetch(1, nats.Context(fctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch from %s: %w", queue, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	meta, err := msg.Metadata()
	if err != nil {
		_ = msg.Term()
		return nil, fmt.Errorf("message metadata: %w", err)
	}
	task, err := taskqueue.DecodeTask(msg.Data)
	if err != nil {
		_ = msg.Term()
		return nil, err
	}
	return &delivery{msg: msg, task: task, attempt: int(meta.NumDelivered)}, nil
}

// Revoke deletes a task the consumer has not delivered yet.
func (t *Transport) Revoke(ctx context.Context, r taskqueue.Receipt) error {
	stream := StreamName(r.Queue)
	info, err := t.js.ConsumerInfo(stream, durableName(r.Queue), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("lookup %s consumer: %w", durableName(r.Queue), err)
	}
	if r.Seq <= info.Delivered.Stream {
		return fmt.Errorf("%w: task %s already delivered", taskqueue.ErrNotRevocable, r.TaskID)
	}
	if err := t.js.DeleteMsg(stream, r.Seq, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return fmt.Errorf("%w: task %s not queued", taskqueue.ErrNotRevocable, r.TaskID)
		}
		return fmt.Errorf("delete %s/%d: %w", stream, r.Seq, err)
	}
	return nil
}

// Close releases the pull subscriptions. Consumers are bound, not owned,
// so they survive for the next process.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for q, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", q, err))
		}
		delete(t.subs, q)
	}
	return errors.Join(errs...)
}

type delivery struct {
	msg     *nats.Msg
	task    *taskqueue.Task
	attempt int
}

func (d *delivery) Task() *taskqueue.Task { return d.task }
func (d *delivery) Attempt() int          { return d.attempt }
func (d *delivery) Ack() error            { return d.msg.AckSync() }
func (d *delivery) Nak(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}
func (d *delivery) Term() error { return d.msg.Term() }
