package taskqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg *Config) (*Client, *MemoryTransport) {
	t.Helper()
	tr := NewMemoryTransport(cfg)
	t.Cleanup(func() { tr.Close() })
	return NewClient(cfg, tr, slog.New(slog.NewTextHandler(io.Discard, nil))), tr
}

func TestMemoryLateAckAndRedelivery(t *testing.T) {
	q := quickQueue("q", 1)
	q.SoftTimeout = 10 * time.Millisecond
	q.HardTimeout = 10 * time.Millisecond
	cfg, err := NewConfig([]QueueConfig{q}, nil, "q", WithAckGrace(10*time.Millisecond))
	require.NoError(t, err)
	client, tr := newTestClient(t, cfg)
	ctx := context.Background()

	r, err := client.Enqueue(ctx, "job", nil)
	require.NoError(t, err)

	first, err := tr.Receive(ctx, "q", 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempt())
	assert.Equal(t, r.TaskID, first.Task().ID)

	// Unacknowledged deliveries stay in the queue but are not handed out.
	none, err := tr.Receive(ctx, "q", 0)
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, 1, tr.Len("q"))

	// The worker "crashes": past the ack deadline the task comes back.
	time.Sleep(40 * time.Millisecond)
	second, err := tr.Receive(ctx, "q", 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempt())
	assert.Equal(t, r.TaskID, second.Task().ID)

	assert.ErrorIs(t, first.Ack(), ErrStaleDelivery)
	require.NoError(t, second.Ack())
	assert.ErrorIs(t, second.Ack(), ErrStaleDelivery)
	assert.Equal(t, 0, tr.Len("q"))
}

func TestMemoryNakDelay(t *testing.T) {
	cfg, err := NewConfig([]QueueConfig{quickQueue("q", 1)}, nil, "q")
	require.NoError(t, err)
	client, tr := newTestClient(t, cfg)
	ctx := context.Background()

	_, err = client.Enqueue(ctx, "job", nil)
	require.NoError(t, err)
	d, err := tr.Receive(ctx, "q", 0)
	require.NoError(t, err)
	require.NoError(t, d.Nak(30*time.Millisecond))

	d, err = tr.Receive(ctx, "q", 0)
	require.NoError(t, err)
	assert.Nil(t, d, "nak delay not honored")

	d, err = tr.Receive(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Attempt())
	require.NoError(t, d.Term())
}

func TestMemoryMaxDeliver(t *testing.T) {
	q := quickQueue("q", 1)
	q.MaxAttempts = 2
	cfg, err := NewConfig([]QueueConfig{q}, nil, "q")
	require.NoError(t, err)
	client, tr := newTestClient(t, cfg)
	ctx := context.Background()

	_, err = client.Enqueue(ctx, "job", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		d, err := tr.Receive(ctx, "q", 0)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.NoError(t, d.Nak(0))
	}
	d, err := tr.Receive(ctx, "q", 0)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 0, tr.Len("q"))
}

func TestMemoryDuplicatePublish(t *testing.T) {
	cfg, err := NewConfig([]QueueConfig{quickQueue("q", 1)}, nil, "q")
	require.NoError(t, err)
	client, tr := newTestClient(t, cfg)

	task := NewTask("job", nil)
	r1, err := client.EnqueueTask(context.Background(), task)
	require.NoError(t, err)
	r2, err := client.EnqueueTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, tr.Len("q"))
}

func TestRevoke(t *testing.T) {
	cfg, err := NewConfig([]QueueConfig{quickQueue("q", 1)}, nil, "q")
	require.NoError(t, err)
	client, tr := newTestClient(t, cfg)
	ctx := context.Background()

	r, err := client.Enqueue(ctx, "job", nil)
	require.NoError(t, err)
	require.NoError(t, client.Revoke(ctx, r))
	assert.Equal(t, 0, tr.Len("q"))
	assert.ErrorIs(t, client.Revoke(ctx, r), ErrNotRevocable)

	r, err = client.Enqueue(ctx, "job", nil)
	require.NoError(t, err)
	d, err := tr.Receive(ctx, "q", 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.ErrorIs(t, client.Revoke(ctx, r), ErrNotRevocable)
	require.NoError(t, d.Ack())
}

func TestMemoryUnknownQueue(t *testing.T) {
	cfg, err := NewConfig([]QueueConfig{quickQueue("q", 1)}, nil, "q")
	require.NoError(t, err)
	tr := NewMemoryTransport(cfg)
	defer tr.Close()

	_, err = tr.Publish(context.Background(), "nope", NewTask("x", nil))
	assert.True(t, errors.Is(err, ErrUnknownQueue))
	_, err = tr.Receive(context.Background(), "nope", 0)
	assert.True(t, errors.Is(err, ErrUnknownQueue))
}
