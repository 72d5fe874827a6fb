// Package storage defines the narrow record-store interface the publication
// pipeline uses to read and write results and their upload records.
//
// Concrete implementations live in the memory and sqlstore sub-packages.
// The surrounding resource-management service owns these records at rest;
// this package only exposes what publication needs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neurosynth/metapub/internal/types"
)

// ErrRecordNotFound is returned when a requested record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// ErrRecordExists is returned when creating a record whose id is taken.
var ErrRecordExists = errors.New("record already exists")

// ErrInvalidUpdate is returned for an update naming a field that may not be
// written, or a value of the wrong type.
var ErrInvalidUpdate = errors.New("invalid update")

// Store is the record store consumed by the publication pipeline.
type Store interface {
	// Results
	CreateResult(ctx context.Context, r *types.Result) error
	GetResult(ctx context.Context, id string) (*types.Result, error)
	UpdateResult(ctx context.Context, id string, updates map[string]any) error

	// Image archive uploads
	CreateImageUpload(ctx context.Context, u *types.ImageUpload) error
	GetImageUpload(ctx context.Context, id string) (*types.ImageUpload, error)
	ListImageUploads(ctx context.Context, resultID string) ([]*types.ImageUpload, error)
	UpdateImageUpload(ctx context.Context, id string, updates map[string]any) error

	// Study archive uploads
	CreateStudyUpload(ctx context.Context, u *types.StudyUpload) error
	GetStudyUpload(ctx context.Context, id string) (*types.StudyUpload, error)
	GetStudyUploadForResult(ctx context.Context, resultID string) (*types.StudyUpload, error)
	UpdateStudyUpload(ctx context.Context, id string, updates map[string]any) error

	// Lifecycle
	Close() error
}

// Record kinds accepted by NormalizeUpdates.
type Kind string

const (
	KindResult Kind = "result"
	KindImage  Kind = "image"
	KindStudy  Kind = "study"
)

type fieldType int

const (
	fieldString fieldType = iota
	fieldNullString
	fieldNullInt64
	fieldStatus
	fieldSpecification
)

// Allowed update fields per record kind. Keys are column names.
var allowedUpdateFields = map[Kind]map[string]fieldType{
	KindResult: {
		"meta_analysis_name": fieldString,
		"description":        fieldString,
		"output_dir":         fieldString,
		"cluster_table":      fieldString,
		"collection_id":      fieldNullString,
		"collection_name":    fieldString,
		"specification":      fieldSpecification,
	},
	KindImage: {
		"status":        fieldStatus,
		"traceback":     fieldNullString,
		"value_type":    fieldString,
		"image_id":      fieldNullInt64,
		"url":           fieldString,
		"filename":      fieldString,
		"collection_id": fieldNullString,
	},
	KindStudy: {
		"status":      fieldStatus,
		"traceback":   fieldNullString,
		"external_id": fieldNullString,
	},
}

// NormalizeUpdates validates updates for a record kind and converts every
// value to a plain driver value: string, int64, or nil.
func NormalizeUpdates(kind Kind, updates map[string]any) (map[string]any, error) {
	fields, ok := allowedUpdateFields[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown record kind %q", ErrInvalidUpdate, kind)
	}
	out := make(map[string]any, len(updates))
	for key, value := range updates {
		ft, ok := fields[key]
		if !ok {
			return nil, fmt.Errorf("%w: field %q on %s", ErrInvalidUpdate, key, kind)
		}
		v, err := normalizeValue(ft, value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q on %s: %v", ErrInvalidUpdate, key, kind, err)
		}
		out[key] = v
	}
	return out, nil
}

func normalizeValue(ft fieldType, value any) (any, error) {
	switch ft {
	case fieldString:
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
	case fieldNullString:
		switch v := value.(type) {
		case nil:
			return nil, nil
		case string:
			return v, nil
		case *string:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		}
	case fieldNullInt64:
		switch v := value.(type) {
		case nil:
			return nil, nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case *int64:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		}
	case fieldSpecification:
		switch v := value.(type) {
		case nil:
			return nil, nil
		case *types.Specification:
			if v == nil {
				return nil, nil
			}
			data, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		}
	case fieldStatus:
		var s types.Status
		switch v := value.(type) {
		case types.Status:
			s = v
		case string:
			s = types.Status(v)
		}
		if s.IsValid() {
			return string(s), nil
		}
		return nil, fmt.Errorf("invalid status %v", value)
	}
	return nil, fmt.Errorf("unexpected value type %T", value)
}

// DecodeSpecification reverses the JSON encoding NormalizeUpdates applies to
// the specification column. Empty input decodes to nil.
func DecodeSpecification(data string) (*types.Specification, error) {
	if data == "" {
		return nil, nil
	}
	var sp types.Specification
	if err := json.Unmarshal([]byte(data), &sp); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	if err := sp.Resolve(); err != nil {
		return nil, err
	}
	return &sp, nil
}
