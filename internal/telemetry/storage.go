package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/types"
)

const storageScope = "github.com/neurosynth/metapub/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in metapub.storage.* metrics.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s wrapped with OTel instrumentation.
// If telemetry is disabled, s is returned as-is (zero overhead).
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	return newInstrumentedStore(s)
}

func newInstrumentedStore(s storage.Store) *InstrumentedStore {
	m := Meter(storageScope)
	ops, _ := m.Int64Counter("metapub.storage.operations",
		metric.WithDescription("Total storage operations executed"),
		metric.WithUnit("{operation}"),
	)
	dur, _ := m.Float64Histogram("metapub.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("metapub.storage.errors",
		metric.WithDescription("Total storage operation errors"),
		metric.WithUnit("{error}"),
	)
	return &InstrumentedStore{inner: s, tracer: Tracer(storageScope), ops: ops, dur: dur, errs: errs}
}

// op starts a span and returns a done func that records duration, errors,
// and ends the span.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(all...),
	)
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	set := metric.WithAttributes(attrs...)
	s.ops.Add(ctx, 1, set)
	s.dur.Record(ctx, ms, set)
	if err != nil {
		s.errs.Add(ctx, 1, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func opAttr(name string) attribute.KeyValue { return attribute.String("db.operation", name) }

func (s *InstrumentedStore) CreateResult(ctx context.Context, r *types.Result) error {
	ctx, span, t := s.op(ctx, "CreateResult", attribute.String("result.id", r.ID))
	err := s.inner.CreateResult(ctx, r)
	s.done(ctx, span, t, err, opAttr("CreateResult"))
	return err
}

func (s *InstrumentedStore) GetResult(ctx context.Context, id string) (*types.Result, error) {
	ctx, span, t := s.op(ctx, "GetResult", attribute.String("result.id", id))
	r, err := s.inner.GetResult(ctx, id)
	s.done(ctx, span, t, err, opAttr("GetResult"))
	return r, err
}

func (s *InstrumentedStore) UpdateResult(ctx context.Context, id string, updates map[string]any) error {
	ctx, span, t := s.op(ctx, "UpdateResult",
		attribute.String("result.id", id),
		attribute.Int("update.count", len(updates)),
	)
	err := s.inner.UpdateResult(ctx, id, updates)
	s.done(ctx, span, t, err, opAttr("UpdateResult"))
	return err
}

func (s *InstrumentedStore) CreateImageUpload(ctx context.Context, u *types.ImageUpload) error {
	ctx, span, t := s.op(ctx, "CreateImageUpload", attribute.String("upload.id", u.ID))
	err := s.inner.CreateImageUpload(ctx, u)
	s.done(ctx, span, t, err, opAttr("CreateImageUpload"))
	return err
}

func (s *InstrumentedStore) GetImageUpload(ctx context.Context, id string) (*types.ImageUpload, error) {
	ctx, span, t := s.op(ctx, "GetImageUpload", attribute.String("upload.id", id))
	u, err := s.inner.GetImageUpload(ctx, id)
	s.done(ctx, span, t, err, opAttr("GetImageUpload"))
	return u, err
}

func (s *InstrumentedStore) ListImageUploads(ctx context.Context, resultID string) ([]*types.ImageUpload, error) {
	ctx, span, t := s.op(ctx, "ListImageUploads", attribute.String("result.id", resultID))
	us, err := s.inner.ListImageUploads(ctx, resultID)
	if err == nil {
		span.SetAttributes(attribute.Int("upload.count", len(us)))
	}
	s.done(ctx, span, t, err, opAttr("ListImageUploads"))
	return us, err
}

func (s *InstrumentedStore) UpdateImageUpload(ctx context.Context, id string, updates map[string]any) error {
	ctx, span, t := s.op(ctx, "UpdateImageUpload",
		attribute.String("upload.id", id),
		attribute.Int("update.count", len(updates)),
	)
	err := s.inner.UpdateImageUpload(ctx, id, updates)
	s.done(ctx, span, t, err, opAttr("UpdateImageUpload"))
	return err
}

func (s *InstrumentedStore) CreateStudyUpload(ctx context.Context, u *types.StudyUpload) error {
	ctx, span, t := s.op(ctx, "CreateStudyUpload", attribute.String("upload.id", u.ID))
	err := s.inner.CreateStudyUpload(ctx, u)
	s.done(ctx, span, t, err, opAttr("CreateStudyUpload"))
	return err
}

func (s *InstrumentedStore) GetStudyUpload(ctx context.Context, id string) (*types.StudyUpload, error) {
	ctx, span, t := s.op(ctx, "GetStudyUpload", attribute.String("upload.id", id))
	u, err := s.inner.GetStudyUpload(ctx, id)
	s.done(ctx, span, t, err, opAttr("GetStudyUpload"))
	return u, err
}

func (s *InstrumentedStore) GetStudyUploadForResult(ctx context.Context, resultID string) (*types.StudyUpload, error) {
	ctx, span, t := s.op(ctx, "GetStudyUploadForResult", attribute.String("result.id", resultID))
	u, err := s.inner.GetStudyUploadForResult(ctx, resultID)
	s.done(ctx, span, t, err, opAttr("GetStudyUploadForResult"))
	return u, err
}

func (s *InstrumentedStore) UpdateStudyUpload(ctx context.Context, id string, updates map[string]any) error {
	ctx, span, t := s.op(ctx, "UpdateStudyUpload",
		attribute.String("upload.id", id),
		attribute.Int("update.count", len(updates)),
	)
	err := s.inner.UpdateStudyUpload(ctx, id, updates)
	s.done(ctx, span, t, err, opAttr("UpdateStudyUpload"))
	return err
}

func (s *InstrumentedStore) Close() error { return s.inner.Close() }

var _ storage.Store = (*InstrumentedStore)(nil)
