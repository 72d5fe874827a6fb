// Package taskqueue runs publication work on per-dependency queues.
//
// Each external dependency gets its own queue with a priority, a rate
// limit, a soft/hard timeout pair and a retry budget. Deliveries are
// acknowledged only after their handler returns; a delivery whose worker
// disappears is redelivered once its acknowledgement deadline passes.
//
// All routing and queue settings live in an immutable Config built once at
// startup and passed to clients, workers and transports.
package taskqueue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Queue names used by the publication pipeline.
const (
	QueueImageArchive = "image_archive"
	QueueStudyArchive = "study_archive"
	QueueDefault      = "default"
)

// DefaultAckGrace is added to a queue's hard timeout to form the
// acknowledgement deadline after which a delivery is presumed lost.
const DefaultAckGrace = 30 * time.Second

// ErrInvalidConfig is returned by NewConfig for inconsistent settings.
var ErrInvalidConfig = errors.New("invalid task queue config")

// BackoffPolicy spaces out redeliveries of a failed task.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before redelivering a task that has failed
// attempt times (attempt >= 1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = p.Initial
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// QueueConfig describes one queue.
type QueueConfig struct {
	Name string
	// Priority orders polling; higher values are polled first.
	Priority int
	// RateLimit is the sustained number of task starts per second.
	// Zero means unlimited.
	RateLimit float64
	Burst     int
	// SoftTimeout is the deadline on the handler's context.
	SoftTimeout time.Duration
	// HardTimeout is when the worker abandons the attempt.
	HardTimeout time.Duration
	// MaxAttempts is the delivery budget, first delivery included.
	MaxAttempts int
	Backoff     BackoffPolicy
}

// Limiter builds a fresh rate limiter for the queue.
func (q QueueConfig) Limiter() *rate.Limiter {
	if q.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := q.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(q.RateLimit), burst)
}

func (q QueueConfig) validate() error {
	switch {
	case q.Name == "":
		return fmt.Errorf("%w: queue with empty name", ErrInvalidConfig)
	case q.SoftTimeout <= 0:
		return fmt.Errorf("%w: queue %s: soft timeout must be positive", ErrInvalidConfig, q.Name)
	case q.HardTimeout < q.SoftTimeout:
		return fmt.Errorf("%w: queue %s: hard timeout %s is below soft timeout %s",
			ErrInvalidConfig, q.Name, q.HardTimeout, q.SoftTimeout)
	case q.MaxAttempts < 1:
		return fmt.Errorf("%w: queue %s: max attempts must be at least 1", ErrInvalidConfig, q.Name)
	case q.RateLimit < 0:
		return fmt.Errorf("%w: queue %s: negative rate limit", ErrInvalidConfig, q.Name)
	}
	return nil
}

// Route sends task names starting with Prefix to Queue.
type Route struct {
	Prefix string
	Queue  string
}

// Config is the immutable queue configuration.
type Config struct {
	queues       []QueueConfig // priority order
	byName       map[string]QueueConfig
	router       *Router
	defaultQueue string
	ackGrace     time.Duration
}

// ConfigOption adjusts a Config under construction.
type ConfigOption func(*Config)

// WithAckGrace overrides DefaultAckGrace.
func WithAckGrace(d time.Duration) ConfigOption {
	return func(c *Config) { c.ackGrace = d }
}

// NewConfig validates and freezes a queue configuration.
func NewConfig(queues []QueueConfig, routes []Route, defaultQueue string, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		byName:       make(map[string]QueueConfig, len(queues)),
		defaultQueue: defaultQueue,
		ackGrace:     DefaultAckGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, q := range queues {
		if err := q.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[q.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate queue %s", ErrInvalidConfig, q.Name)
		}
		c.byName[q.Name] = q
		c.queues = append(c.queues, q)
	}
	if _, ok := c.byName[defaultQueue]; !ok {
		return nil, fmt.Errorf("%w: default queue %q is not configured", ErrInvalidConfig, defaultQueue)
	}
	for _, r := range routes {
		if _, ok := c.byName[r.Queue]; !ok {
			return nil, fmt.Errorf("%w: route %q targets unknown queue %q", ErrInvalidConfig, r.Prefix, r.Queue)
		}
	}
	if c.ackGrace < 0 {
		return nil, fmt.Errorf("%w: negative ack grace", ErrInvalidConfig)
	}
	sort.SliceStable(c.queues, func(i, j int) bool {
		if c.queues[i].Priority != c.queues[j].Priority {
			return c.queues[i].Priority > c.queues[j].Priority
		}
		return c.queues[i].Name < c.queues[j].Name
	})
	c.router = NewRouter(routes, defaultQueue)
	return c, nil
}

// DefaultConfig is the production queue layout: one queue per external
// archive and a low-priority default queue.
func DefaultConfig() *Config {
	retry := BackoffPolicy{Initial: 10 * time.Second, Max: 10 * time.Minute, Multiplier: 2}
	cfg, err := NewConfig(
		[]QueueConfig{
			{
				Name: QueueImageArchive, Priority: 5, RateLimit: 2, Burst: 4,
				SoftTimeout: 5 * time.Minute, HardTimeout: 6 * time.Minute,
				MaxAttempts: 5, Backoff: retry,
			},
			{
				Name: QueueStudyArchive, Priority: 5, RateLimit: 5, Burst: 5,
				SoftTimeout: 2 * time.Minute, HardTimeout: 3 * time.Minute,
				MaxAttempts: 5, Backoff: retry,
			},
			{
				Name: QueueDefault, Priority: 1,
				SoftTimeout: time.Minute, HardTimeout: 2 * time.Minute,
				MaxAttempts: 3, Backoff: retry,
			},
		},
		[]Route{
			{Prefix: "publish.image", Queue: QueueImageArchive},
			{Prefix: "publish.study", Queue: QueueStudyArchive},
		},
		QueueDefault,
	)
	if err != nil {
		panic("taskqueue: default config: " + err.Error())
	}
	return cfg
}

// Queues returns the queues in polling order.
func (c *Config) Queues() []QueueConfig {
	out := make([]QueueConfig, len(c.queues))
	copy(out, c.queues)
	return out
}

// Queue looks up a queue by name.
func (c *Config) Queue(name string) (QueueConfig, bool) {
	q, ok := c.byName[name]
	return q, ok
}

// Route returns the queue for a task name.
func (c *Config) Route(taskName string) string { return c.router.Route(taskName) }

// DefaultQueue returns the queue for unrouted task names.
func (c *Config) DefaultQueue() string { return c.defaultQueue }

// AckWait is how long a delivery may stay unacknowledged before it is
// redelivered.
func (c *Config) AckWait(queue string) time.Duration {
	q, ok := c.byName[queue]
	if !ok {
		return c.ackGrace
	}
	return q.HardTimeout + c.ackGrace
}
