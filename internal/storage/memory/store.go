// Package memory provides an in-process storage.Store used by tests and by
// single-shot CLI runs that do not need durable records.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/types"
)

// Store keeps records in maps guarded by a single mutex. Returned records
// are copies; mutate them only through the Update methods.
type Store struct {
	mu      sync.RWMutex
	results map[string]*types.Result
	images  map[string]*types.ImageUpload
	studies map[string]*types.StudyUpload
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{
		results: make(map[string]*types.Result),
		images:  make(map[string]*types.ImageUpload),
		studies: make(map[string]*types.StudyUpload),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateResult(ctx context.Context, r *types.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.ID]; ok {
		return fmt.Errorf("result %s: %w", r.ID, storage.ErrRecordExists)
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	c := *r
	s.results[r.ID] = &c
	return nil
}

func (s *Store) GetResult(ctx context.Context, id string) (*types.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", id, storage.ErrRecordNotFound)
	}
	c := *r
	if r.CollectionID != nil {
		c.CollectionID = types.StringPtr(*r.CollectionID)
	}
	return &c, nil
}

func (s *Store) UpdateResult(ctx context.Context, id string, updates map[string]any) error {
	norm, err := storage.NormalizeUpdates(storage.KindResult, updates)
	if err != nil {
		return err
	}
	var spec *types.Specification
	if raw, ok := norm["specification"]; ok && raw != nil {
		if spec, err = storage.DecodeSpecification(raw.(string)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return fmt.Errorf("result %s: %w", id, storage.ErrRecordNotFound)
	}
	for key, v := range norm {
		switch key {
		case "meta_analysis_name":
			r.MetaAnalysisName = v.(string)
		case "description":
			r.Description = v.(string)
		case "output_dir":
			r.OutputDir = v.(string)
		case "cluster_table":
			r.ClusterTable = v.(string)
		case "collection_id":
			r.CollectionID = nullString(v)
		case "collection_name":
			r.CollectionName = v.(string)
		case "specification":
			r.Specification = spec
		}
	}
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) CreateImageUpload(ctx context.Context, u *types.ImageUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[u.ID]; ok {
		return fmt.Errorf("image upload %s: %w", u.ID, storage.ErrRecordExists)
	}
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = types.StatusPending
	}
	c := copyImage(u)
	s.images[u.ID] = c
	return nil
}

func (s *Store) GetImageUpload(ctx context.Context, id string) (*types.ImageUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.images[id]
	if !ok {
		return nil, fmt.Errorf("image upload %s: %w", id, storage.ErrRecordNotFound)
	}
	return copyImage(u), nil
}

func (s *Store) ListImageUploads(ctx context.Context, resultID string) ([]*types.ImageUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ImageUpload
	for _, u := range s.images {
		if u.ResultID == resultID {
			out = append(out, copyImage(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateImageUpload(ctx context.Context, id string, updates map[string]any) error {
	norm, err := storage.NormalizeUpdates(storage.KindImage, updates)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.images[id]
	if !ok {
		return fmt.Errorf("image upload %s: %w", id, storage.ErrRecordNotFound)
	}
	for key, v := range norm {
		switch key {
		case "status":
			u.Status = types.Status(v.(string))
		case "traceback":
			u.Traceback = nullString(v)
		case "value_type":
			u.ValueType = v.(string)
		case "image_id":
			if v == nil {
				u.ImageID = nil
			} else {
				u.ImageID = types.Int64Ptr(v.(int64))
			}
		case "url":
			u.URL = v.(string)
		case "filename":
			u.Filename = v.(string)
		case "collection_id":
			u.CollectionID = nullString(v)
		}
	}
	u.UpdatedAt = s.now()
	return nil
}

func (s *Store) CreateStudyUpload(ctx context.Context, u *types.StudyUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[u.ID]; ok {
		return fmt.Errorf("study upload %s: %w", u.ID, storage.ErrRecordExists)
	}
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = types.StatusPending
	}
	s.studies[u.ID] = copyStudy(u)
	return nil
}

func (s *Store) GetStudyUpload(ctx context.Context, id string) (*types.StudyUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.studies[id]
	if !ok {
		return nil, fmt.Errorf("study upload %s: %w", id, storage.ErrRecordNotFound)
	}
	return copyStudy(u), nil
}

func (s *Store) GetStudyUploadForResult(ctx context.Context, resultID string) (*types.StudyUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *types.StudyUpload
	for _, u := range s.studies {
		if u.ResultID == resultID && (found == nil || u.ID < found.ID) {
			found = u
		}
	}
	if found == nil {
		return nil, fmt.Errorf("study upload for result %s: %w", resultID, storage.ErrRecordNotFound)
	}
	return copyStudy(found), nil
}

func (s *Store) UpdateStudyUpload(ctx context.Context, id string, updates map[string]any) error {
	norm, err := storage.NormalizeUpdates(storage.KindStudy, updates)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.studies[id]
	if !ok {
		return fmt.Errorf("study upload %s: %w", id, storage.ErrRecordNotFound)
	}
	for key, v := range norm {
		switch key {
		case "status":
			u.Status = types.Status(v.(string))
		case "traceback":
			u.Traceback = nullString(v)
		case "external_id":
			u.ExternalID = nullString(v)
		}
	}
	u.UpdatedAt = s.now()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func nullString(v any) *string {
	if v == nil {
		return nil
	}
	return types.StringPtr(v.(string))
}

func copyImage(u *types.ImageUpload) *types.ImageUpload {
	c := *u
	if u.ImageID != nil {
		c.ImageID = types.Int64Ptr(*u.ImageID)
	}
	if u.CollectionID != nil {
		c.CollectionID = types.StringPtr(*u.CollectionID)
	}
	if u.Traceback != nil {
		c.Traceback = types.StringPtr(*u.Traceback)
	}
	return &c
}

func copyStudy(u *types.StudyUpload) *types.StudyUpload {
	c := *u
	if u.ExternalID != nil {
		c.ExternalID = types.StringPtr(*u.ExternalID)
	}
	if u.Traceback != nil {
		c.Traceback = types.StringPtr(*u.Traceback)
	}
	return &c
}
