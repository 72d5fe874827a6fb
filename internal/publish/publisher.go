// Package publish drives records through the publication lifecycle.
//
// Every attempt writes PENDING, talks to one external archive, and ends
// with exactly one terminal status: OK with the remote identifiers, or
// FAILED with the error text kept in the record's traceback. Errors are
// recorded first and then returned, so the stored record always reflects
// the last known outcome even when the caller sees the failure.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neurosynth/metapub/internal/archive"
	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/types"
)

// Defaults for Config.
const (
	DefaultCollectionNameMaxLen  = 200
	DefaultCollectionMaxAttempts = 10
	DefaultModality              = "fMRI-BOLD"
	DefaultAnalysisLevel         = "meta-analysis"
)

// Config holds the publication settings.
type Config struct {
	// CollectionNameMaxLen caps collection names, in runes, including any
	// collision suffix.
	CollectionNameMaxLen int
	// CollectionMaxAttempts is the number of collection names tried before
	// a collision is reported to the caller.
	CollectionMaxAttempts int

	Modality          string
	AnalysisLevel     string
	CognitiveParadigm string
	NSubjects         int
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		CollectionNameMaxLen:  DefaultCollectionNameMaxLen,
		CollectionMaxAttempts: DefaultCollectionMaxAttempts,
		Modality:              DefaultModality,
		AnalysisLevel:         DefaultAnalysisLevel,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CollectionNameMaxLen <= 0 {
		c.CollectionNameMaxLen = d.CollectionNameMaxLen
	}
	if c.CollectionMaxAttempts <= 0 {
		c.CollectionMaxAttempts = d.CollectionMaxAttempts
	}
	if c.Modality == "" {
		c.Modality = d.Modality
	}
	if c.AnalysisLevel == "" {
		c.AnalysisLevel = d.AnalysisLevel
	}
	return c
}

// Publisher publishes image and study uploads.
type Publisher struct {
	store   storage.Store
	images  archive.ImageArchive
	studies archive.StudyArchive
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	// collectionMu serializes collection creation so images of one result
	// published by this process share a single collection.
	collectionMu sync.Mutex
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithConfig overrides the publication settings. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(p *Publisher) { p.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock replaces the time source used for collection timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates a Publisher. Either archive may be nil when the process only
// publishes to the other one; publishing to a missing archive fails.
func New(store storage.Store, images archive.ImageArchive, studies archive.StudyArchive, opts ...Option) *Publisher {
	p := &Publisher{
		store:   store,
		images:  images,
		studies: studies,
		cfg:     DefaultConfig(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective settings.
func (p *Publisher) Config() Config { return p.cfg }

var errNoImageArchive = errors.New("image archive is not configured")
var errNoStudyArchive = errors.New("study archive is not configured")

// recordContext detaches status writes from the attempt's deadline so a
// FAILED status still lands after a timeout.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

// failure builds the update that records a failed attempt.
func failure(err error) map[string]any {
	return map[string]any{
		"status":    types.StatusFailed,
		"traceback": err.Error(),
	}
}

func pending() map[string]any {
	return map[string]any{
		"status":    types.StatusPending,
		"traceback": nil,
	}
}

// joinRecordErr attaches a failure to persist the FAILED status to the
// attempt's own error.
func joinRecordErr(err, recordErr error) error {
	if recordErr == nil {
		return err
	}
	return errors.Join(err, fmt.Errorf("record failure: %w", recordErr))
}
