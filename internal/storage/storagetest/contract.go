// Package storagetest holds the behavioural contract every storage.Store
// implementation must satisfy.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/types"
)

// Run exercises newStore against the storage.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("ResultRoundTrip", func(t *testing.T) { testResultRoundTrip(t, newStore(t)) })
	t.Run("ResultUpdates", func(t *testing.T) { testResultUpdates(t, newStore(t)) })
	t.Run("ImageUploads", func(t *testing.T) { testImageUploads(t, newStore(t)) })
	t.Run("StudyUploads", func(t *testing.T) { testStudyUploads(t, newStore(t)) })
	t.Run("InvalidUpdates", func(t *testing.T) { testInvalidUpdates(t, newStore(t)) })
}

func testResultRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	spec, err := types.NewSpecification(
		types.Estimator{Type: "ALESubtraction"},
		&types.Corrector{Type: "FWECorrector", Args: map[string]any{"method": "montecarlo"}},
	)
	require.NoError(t, err)

	r := &types.Result{ID: "res-1", MetaAnalysisID: "ma-1", MetaAnalysisName: "Pain", Specification: spec}
	require.NoError(t, s.CreateResult(ctx, r))

	err = s.CreateResult(ctx, &types.Result{ID: "res-1"})
	assert.True(t, errors.Is(err, storage.ErrRecordExists), "duplicate create: %v", err)

	got, err := s.GetResult(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "Pain", got.MetaAnalysisName)
	require.NotNil(t, got.Specification)
	assert.True(t, got.Specification.Subtraction)
	assert.Equal(t, types.CorrectorFWE, got.Specification.CorrectorKind())
	assert.Nil(t, got.CollectionID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetResult(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrRecordNotFound))
}

func testResultUpdates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateResult(ctx, &types.Result{ID: "res-1", MetaAnalysisID: "ma-1"}))

	require.NoError(t, s.UpdateResult(ctx, "res-1", map[string]any{
		"collection_id":   "42",
		"collection_name": "ma-1 : 2026-01-02 03:04:05",
		"cluster_table":   "/out/z_tab-clust.tsv",
	}))
	got, err := s.GetResult(ctx, "res-1")
	require.NoError(t, err)
	require.NotNil(t, got.CollectionID)
	assert.Equal(t, "42", *got.CollectionID)
	assert.Equal(t, "ma-1 : 2026-01-02 03:04:05", got.CollectionName)
	assert.Equal(t, "/out/z_tab-clust.tsv", got.ClusterTable)

	spec, err := types.NewSpecification(
		types.Estimator{Type: "MKDADensity"},
		&types.Corrector{Type: "FDRCorrector", Args: map[string]any{"method": "indep"}},
	)
	require.NoError(t, err)
	require.NoError(t, s.UpdateResult(ctx, "res-1", map[string]any{"specification": spec}))
	got, err = s.GetResult(ctx, "res-1")
	require.NoError(t, err)
	require.NotNil(t, got.Specification)
	assert.Equal(t, "MKDADensity", got.Specification.Estimator.Type)
	assert.Equal(t, types.CorrectorFDR, got.Specification.CorrectorKind())

	var none *types.Specification
	require.NoError(t, s.UpdateResult(ctx, "res-1", map[string]any{"specification": none}))
	got, err = s.GetResult(ctx, "res-1")
	require.NoError(t, err)
	assert.Nil(t, got.Specification)

	err = s.UpdateResult(ctx, "missing", map[string]any{"cluster_table": "x"})
	assert.True(t, errors.Is(err, storage.ErrRecordNotFound))
}

func testImageUploads(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, id := range []string{"res-1/a.nii.gz", "res-1/b.nii.gz", "res-2/a.nii.gz"} {
		resultID := id[:5]
		require.NoError(t, s.CreateImageUpload(ctx, &types.ImageUpload{
			ID: id, ResultID: resultID, Path: "/out/" + id[6:], Filename: id[6:],
		}))
	}
	err := s.CreateImageUpload(ctx, &types.ImageUpload{ID: "res-1/a.nii.gz", ResultID: "res-1"})
	assert.True(t, errors.Is(err, storage.ErrRecordExists))

	list, err := s.ListImageUploads(ctx, "res-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := s.GetImageUpload(ctx, "res-1/a.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Nil(t, got.ImageID)

	require.NoError(t, s.UpdateImageUpload(ctx, "res-1/a.nii.gz", map[string]any{
		"status":        types.StatusOK,
		"image_id":      int64(7),
		"url":           "https://archive.example/images/7/",
		"value_type":    "Z",
		"collection_id": types.StringPtr("42"),
		"traceback":     nil,
	}))
	got, err = s.GetImageUpload(ctx, "res-1/a.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, got.Status)
	require.NotNil(t, got.ImageID)
	assert.Equal(t, int64(7), *got.ImageID)
	assert.Equal(t, "Z", got.ValueType)
	assert.Nil(t, got.Traceback)

	require.NoError(t, s.UpdateImageUpload(ctx, "res-1/b.nii.gz", map[string]any{
		"status":    "FAILED",
		"traceback": "boom",
	}))
	got, err = s.GetImageUpload(ctx, "res-1/b.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.Traceback)
	assert.Equal(t, "boom", *got.Traceback)
}

func testStudyUploads(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateStudyUpload(ctx, &types.StudyUpload{ID: "study-1", ResultID: "res-1"}))

	got, err := s.GetStudyUploadForResult(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "study-1", got.ID)
	assert.Nil(t, got.ExternalID)

	require.NoError(t, s.UpdateStudyUpload(ctx, "study-1", map[string]any{
		"external_id": "abc123",
		"status":      types.StatusOK,
	}))
	got, err = s.GetStudyUpload(ctx, "study-1")
	require.NoError(t, err)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "abc123", *got.ExternalID)
	assert.Equal(t, types.StatusOK, got.Status)

	_, err = s.GetStudyUploadForResult(ctx, "res-none")
	assert.True(t, errors.Is(err, storage.ErrRecordNotFound))
}

func testInvalidUpdates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateStudyUpload(ctx, &types.StudyUpload{ID: "study-1", ResultID: "res-1"}))

	err := s.UpdateStudyUpload(ctx, "study-1", map[string]any{"result_id": "other"})
	assert.True(t, errors.Is(err, storage.ErrInvalidUpdate))

	err = s.UpdateStudyUpload(ctx, "study-1", map[string]any{"status": "DONE"})
	assert.True(t, errors.Is(err, storage.ErrInvalidUpdate))

	err = s.UpdateStudyUpload(ctx, "study-1", map[string]any{"external_id": 12})
	assert.True(t, errors.Is(err, storage.ErrInvalidUpdate))
}
