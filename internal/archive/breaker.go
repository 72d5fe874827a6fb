package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breakers wrapped around archive clients.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Zero means 30s.
	OpenTimeout time.Duration
	Log         *slog.Logger
}

func (s BreakerSettings) build(name string) *gobreaker.CircuitBreaker {
	limit := s.ConsecutiveFailures
	if limit == 0 {
		limit = 5
	}
	timeout := s.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := s.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("archive circuit breaker", "archive", name, "from", from.String(), "to", to.String())
		},
	})
}

// guard runs call through cb. Only transport failures count against the
// breaker; a collision is an answer from a healthy archive.
func guard(cb *gobreaker.CircuitBreaker, call func() Result) Result {
	var res Result
	_, err := cb.Execute(func() (interface{}, error) {
		res = call()
		if res.Outcome == OutcomeTransport {
			return nil, res.Err()
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transportf("%s archive unavailable: %v", cb.Name(), err)
	}
	return res
}

type breakerImages struct {
	inner ImageArchive
	cb    *gobreaker.CircuitBreaker
}

// GuardImages wraps an image archive in a circuit breaker.
func GuardImages(inner ImageArchive, s BreakerSettings) ImageArchive {
	return &breakerImages{inner: inner, cb: s.build("image")}
}

func (b *breakerImages) CreateCollection(ctx context.Context, req CollectionRequest) Result {
	return guard(b.cb, func() Result { return b.inner.CreateCollection(ctx, req) })
}

func (b *breakerImages) AddImage(ctx context.Context, req ImageRequest) Result {
	return guard(b.cb, func() Result { return b.inner.AddImage(ctx, req) })
}

type breakerStudies struct {
	inner StudyArchive
	cb    *gobreaker.CircuitBreaker
}

// GuardStudies wraps a study archive in a circuit breaker.
func GuardStudies(inner StudyArchive, s BreakerSettings) StudyArchive {
	return &breakerStudies{inner: inner, cb: s.build("study")}
}

func (b *breakerStudies) Create(ctx context.Context, payload StudyPayload) Result {
	return guard(b.cb, func() Result { return b.inner.Create(ctx, payload) })
}

func (b *breakerStudies) Update(ctx context.Context, id string, payload StudyPayload) Result {
	return guard(b.cb, func() Result { return b.inner.Update(ctx, id, payload) })
}
