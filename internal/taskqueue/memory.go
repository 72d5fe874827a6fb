package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport. It keeps JetStream's
// delivery semantics (late ack, delayed nak, redelivery after the ack
// deadline, bounded deliveries) so workers behave the same against it.
type MemoryTransport struct {
	cfg *Config
	now func() time.Time

	mu     sync.Mutex
	queues map[string][]*memMsg
	seq    uint64
	closed bool
}

type memMsg struct {
	seq        uint64
	taskID     string
	data       []byte
	deliveries int
	readyAt    time.Time
	inflight   bool
	deadline   time.Time
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates an empty transport for the queues in cfg.
func NewMemoryTransport(cfg *Config) *MemoryTransport {
	t := &MemoryTransport{
		cfg:    cfg,
		now:    time.Now,
		queues: make(map[string][]*memMsg),
	}
	return t
}

func (t *MemoryTransport) Publish(ctx context.Context, queue string, task *Task) (Receipt, error) {
	if _, ok := t.cfg.Queue(queue); !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	data, err := EncodeTask(task)
	if err != nil {
		return Receipt{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Receipt{}, fmt.Errorf("transport closed")
	}
	// Same task id already queued: publishing again is a no-op, like a
	// JetStream duplicate-window hit.
	for _, m := range t.queues[queue] {
		if m.taskID == task.ID {
			return Receipt{TaskID: task.ID, Queue: queue, Seq: m.seq}, nil
		}
	}
	t.seq++
	t.queues[queue] = append(t.queues[queue], &memMsg{
		seq:     t.seq,
		taskID:  task.ID,
		data:    data,
		readyAt: t.now(),
	})
	return Receipt{TaskID: task.ID, Queue: queue, Seq: t.seq}, nil
}

func (t *MemoryTransport) Receive(ctx context.Context, queue string, wait time.Duration) (Delivery, error) {
	q, ok := t.cfg.Queue(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	deadline := t.now().Add(wait)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, fmt.Errorf("transport closed")
		}
		m := t.next(queue, q.MaxAttempts)
		if m != nil {
			m.inflight = true
			m.deliveries++
			m.deadline = t.now().Add(t.cfg.AckWait(queue))
			d := &memDelivery{t: t, queue: queue, msg: m, n: m.deliveries}
			data := m.data
			t.mu.Unlock()
			task, err := DecodeTask(data)
			if err != nil {
				_ = d.Term()
				return nil, err
			}
			d.task = task
			return d, nil
		}
		t.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(remaining, 10*time.Millisecond)):
		}
	}
}

// next returns the first ready message, first returning expired in-flight
// messages to the queue and dropping those out of deliveries. Callers hold mu.
func (t *MemoryTransport) next(queue string, maxDeliver int) *memMsg {
	now := t.now()
	msgs := t.queues[queue]
	kept := msgs[:0]
	var ready *memMsg
	for _, m := range msgs {
		if m.inflight && now.After(m.deadline) {
			m.inflight = false
			m.readyAt = now
		}
		if !m.inflight && m.deliveries >= maxDeliver {
			continue
		}
		kept = append(kept, m)
		if ready == nil && !m.inflight && !now.Before(m.readyAt) {
			ready = m
		}
	}
	t.queues[queue] = kept
	return ready
}

func (t *MemoryTransport) Revoke(ctx context.Context, r Receipt) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.queues[r.Queue]
	for i, m := range msgs {
		if m.seq != r.Seq {
			continue
		}
		if m.inflight || m.deliveries > 0 {
			return fmt.Errorf("%w: task %s already started", ErrNotRevocable, r.TaskID)
		}
		t.queues[r.Queue] = append(msgs[:i], msgs[i+1:]...)
		return nil
	}
	return fmt.Errorf("%w: task %s not queued", ErrNotRevocable, r.TaskID)
}

// Len reports how many messages a queue holds, in flight included.
func (t *MemoryTransport) Len(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queue])
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *MemoryTransport) remove(queue string, target *memMsg) {
	msgs := t.queues[queue]
	for i, m := range msgs {
		if m == target {
			t.queues[queue] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

type memDelivery struct {
	t     *MemoryTransport
	queue string
	msg   *memMsg
	n     int
	task  *Task
}

func (d *memDelivery) Task() *Task  { return d.task }
func (d *memDelivery) Attempt() int { return d.n }

// settle runs fn under the transport lock if this delivery still owns
// the message.
func (d *memDelivery) settle(fn func()) error {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	if !d.msg.inflight || d.msg.deliveries != d.n {
		return ErrStaleDelivery
	}
	fn()
	return nil
}

func (d *memDelivery) Ack() error {
	return d.settle(d.drop)
}

func (d *memDelivery) Nak(delay time.Duration) error {
	return d.settle(func() {
		d.msg.inflight = false
		d.msg.readyAt = d.t.now().Add(delay)
	})
}

func (d *memDelivery) Term() error {
	return d.settle(d.drop)
}

func (d *memDelivery) drop() {
	d.msg.inflight = false
	d.t.remove(d.queue, d.msg)
}
