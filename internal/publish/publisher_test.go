package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurosynth/metapub/internal/archive"
	"github.com/neurosynth/metapub/internal/archive/archivetest"
	"github.com/neurosynth/metapub/internal/storage/memory"
	"github.com/neurosynth/metapub/internal/types"
)

var fixedNow = time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	images  *archivetest.ImageArchive
	studies *archivetest.StudyArchive
	pub     *Publisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		images:  archivetest.NewImageArchive(),
		studies: archivetest.NewStudyArchive(),
	}
	f.pub = New(f.store, f.images, f.studies,
		WithConfig(cfg),
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func (f *fixture) addResult(t *testing.T, id, name string) {
	t.Helper()
	require.NoError(t, f.store.CreateResult(context.Background(), &types.Result{
		ID:               id,
		MetaAnalysisID:   "ma-" + id,
		MetaAnalysisName: name,
	}))
}

func (f *fixture) addImage(t *testing.T, id, resultID, filename, valueType string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(path, []byte("nifti"), 0o644))
	require.NoError(t, f.store.CreateImageUpload(context.Background(), &types.ImageUpload{
		ID:        id,
		ResultID:  resultID,
		Path:      path,
		Filename:  filename,
		ValueType: valueType,
	}))
}

func TestCollectionRetryBound(t *testing.T) {
	const n = 4
	f := newFixture(t, Config{CollectionMaxAttempts: 10, CollectionNameMaxLen: 80})
	f.images.Collisions = n - 1
	f.addResult(t, "r1", strings.Repeat("meta analysis ", 20))

	id, err := f.pub.EnsureCollection(context.Background(), "r1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	names := f.images.CollectionNames
	require.Len(t, names, n)
	assert.NotContains(t, names[0], " (")
	for k := 1; k < n; k++ {
		assert.True(t, strings.HasSuffix(names[k], fmt.Sprintf(" (%d)", k)), "attempt %d name %q", k+1, names[k])
	}
	for _, name := range names {
		assert.LessOrEqual(t, utf8.RuneCountInString(name), 80)
		assert.Contains(t, name, " : 2024-03-14 15:09:26")
	}

	r, err := f.store.GetResult(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, r.CollectionID)
	assert.Equal(t, id, *r.CollectionID)
	assert.Equal(t, names[n-1], r.CollectionName)
}

func TestCollectionAlwaysCollides(t *testing.T) {
	f := newFixture(t, Config{CollectionMaxAttempts: 5})
	f.images.Collisions = -1
	f.addResult(t, "r1", "analysis")
	f.addImage(t, "img1", "r1", "z_corr-FDR_method-indep.nii.gz", "Z")

	err := f.pub.PublishImage(context.Background(), "img1")
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrCollision)
	assert.Equal(t, 5, f.images.CollectionCalls())
	assert.True(t, strings.HasSuffix(f.images.CollectionNames[4], " (4)"))

	u, err := f.store.GetImageUpload(context.Background(), "img1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, u.Status)
	require.NotNil(t, u.Traceback)
	assert.Contains(t, *u.Traceback, "already exists")
}

func TestCollectionTransportNotRetried(t *testing.T) {
	f := newFixture(t, Config{})
	f.images.FailCollections = true
	f.addResult(t, "r1", "analysis")

	_, err := f.pub.EnsureCollection(context.Background(), "r1")
	assert.ErrorIs(t, err, archive.ErrTransport)
	assert.Equal(t, 1, f.images.CollectionCalls())
}

func TestCollectionNameLength(t *testing.T) {
	base := strings.Repeat("é", 500)
	for _, maxAttempts := range []int{1, 9, 10, 100} {
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			name := CollectionName(base, fixedNow, attempt, maxAttempts, 64)
			if n := utf8.RuneCountInString(name); n > 64 {
				t.Fatalf("maxAttempts=%d attempt=%d: name has %d runes", maxAttempts, attempt, n)
			}
			if !utf8.ValidString(name) {
				t.Fatalf("invalid utf8 name %q", name)
			}
		}
	}

	short := CollectionName("My analysis", fixedNow, 1, 10, 200)
	assert.Equal(t, "My analysis : 2024-03-14 15:09:26", short)
	assert.Equal(t, "My analysis : 2024-03-14 15:09:26 (3)", CollectionName("My analysis", fixedNow, 4, 10, 200))
}

func TestCollectionCreatedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.addResult(t, "r1", "analysis")
	f.addImage(t, "a", "r1", "z.nii.gz", "Z")
	f.addImage(t, "b", "r1", "z.nii.gz", "Z")
	f.addImage(t, "c", "r1", "z.nii.gz", "T")

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.pub.PublishImage(ctx, id))
	}
	assert.Equal(t, 1, f.images.CollectionCalls())

	var names []string
	for _, id := range []string{"a", "b", "c"} {
		u, err := f.store.GetImageUpload(ctx, id)
		require.NoError(t, err)
		names = append(names, u.Filename)
	}
	assert.Equal(t, []string{"z.nii.gz", "z_1.nii.gz", "z_2.nii.gz"}, names)

	// Republishing keeps the name already assigned.
	require.NoError(t, f.pub.PublishImage(ctx, "b"))
	u, err := f.store.GetImageUpload(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "z_1.nii.gz", u.Filename)
}

func TestPublishImageRecordsArchiveFields(t *testing.T) {
	f := newFixture(t, Config{})
	f.images.EchoMapType = "Z map"
	f.addResult(t, "r1", "analysis")
	f.addImage(t, "img1", "r1", "z_corr-FDR_method-indep.nii.gz", "z-score")

	require.NoError(t, f.pub.PublishImage(context.Background(), "img1"))

	u, err := f.store.GetImageUpload(context.Background(), "img1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, u.Status)
	assert.Nil(t, u.Traceback)
	require.NotNil(t, u.ImageID)
	assert.Equal(t, int64(1001), *u.ImageID)
	assert.Equal(t, "http://images.test/images/1001/", u.URL)
	assert.Equal(t, "Z", u.ValueType)
	require.NotNil(t, u.CollectionID)

	require.Len(t, f.images.Images, 1)
	req := f.images.Images[0]
	assert.Equal(t, "Z", req.MapType)
	assert.Equal(t, DefaultModality, req.Modality)
	assert.Equal(t, *u.CollectionID, req.CollectionID)
}

func TestPublishImageFailureRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	f.images.FailImages = true
	f.addResult(t, "r1", "analysis")
	f.addImage(t, "img1", "r1", "z.nii.gz", "")

	err := f.pub.PublishImage(context.Background(), "img1")
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrTransport)

	u, err := f.store.GetImageUpload(context.Background(), "img1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, u.Status)
	require.NotNil(t, u.Traceback)
	assert.Contains(t, *u.Traceback, "image upload rejected")

	// The next attempt starts over from PENDING and clears the error.
	f.images.FailImages = false
	require.NoError(t, f.pub.PublishImage(context.Background(), "img1"))
	u, err = f.store.GetImageUpload(context.Background(), "img1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, u.Status)
	assert.Nil(t, u.Traceback)
}

func TestPublishImageWithoutArchive(t *testing.T) {
	store := memory.New()
	pub := New(store, nil, nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, store.CreateResult(context.Background(), &types.Result{ID: "r1"}))
	require.NoError(t, store.CreateImageUpload(context.Background(), &types.ImageUpload{ID: "i", ResultID: "r1"}))

	err := pub.PublishImage(context.Background(), "i")
	assert.True(t, errors.Is(err, errNoImageArchive))
	u, _ := store.GetImageUpload(context.Background(), "i")
	assert.Equal(t, types.StatusFailed, u.Status)
}

func TestStudyCreateThenUpdate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addResult(t, "r1", "analysis")
	require.NoError(t, f.store.CreateStudyUpload(ctx, &types.StudyUpload{ID: "s1", ResultID: "r1"}))

	require.NoError(t, f.pub.PublishStudy(ctx, "s1"))
	u, err := f.store.GetStudyUpload(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, u.Status)
	require.NotNil(t, u.ExternalID)
	first := *u.ExternalID

	require.NoError(t, f.pub.PublishStudy(ctx, "s1"))
	u, err = f.store.GetStudyUpload(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first, *u.ExternalID)

	assert.Equal(t, []string{"create", "update"}, f.studies.Methods())
	assert.Equal(t, first, f.studies.Calls[1].ID)
}

func TestStudyFailureLeavesDiagnosableState(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addResult(t, "r1", "analysis")
	require.NoError(t, f.store.CreateStudyUpload(ctx, &types.StudyUpload{
		ID:         "s1",
		ResultID:   "r1",
		ExternalID: types.StringPtr(archive.ReservedFailureID),
	}))

	err := f.pub.PublishStudy(ctx, "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrTransport)

	u, err := f.store.GetStudyUpload(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, u.Status)
	require.NotNil(t, u.Traceback)
	assert.NotEmpty(t, *u.Traceback)
	assert.Equal(t, archive.ReservedFailureID, *u.ExternalID)
}

func TestStudyPayload(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	table := filepath.Join(t.TempDir(), "z_corr-FDR_method-indep_tab-clust.tsv")
	require.NoError(t, os.WriteFile(table, []byte(
		"Cluster ID\tX\tY\tZ\tPeak Stat\tCluster Size (mm3)\n"+
			"PositiveTail 1\t-42\t22\t-2\t5.31\t1200\n"+
			"PositiveTail 1a\t-40\t30\t0\t4.10\t\n"+
			"broken\tn/a\t1\t2\t3\t4\n"), 0o644))
	require.NoError(t, f.store.CreateResult(ctx, &types.Result{
		ID: "r1", MetaAnalysisName: "pain", Description: "d", ClusterTable: table,
	}))
	f.addImage(t, "img1", "r1", "z.nii.gz", "Z")
	f.addImage(t, "img2", "r1", "t.nii.gz", "T")
	require.NoError(t, f.pub.PublishImage(ctx, "img1"))

	result, err := f.store.GetResult(ctx, "r1")
	require.NoError(t, err)
	payload, err := f.pub.BuildPayload(ctx, result)
	require.NoError(t, err)

	assert.Equal(t, "pain", payload.Name)
	require.Len(t, payload.Points, 2)
	assert.Equal(t, [3]float64{-42, 22, -2}, payload.Points[0].Coordinates)
	assert.InDelta(t, 5.31, payload.Points[0].Statistic, 1e-9)
	require.NotNil(t, payload.Points[0].ClusterSize)
	assert.Equal(t, 1200.0, *payload.Points[0].ClusterSize)
	assert.Nil(t, payload.Points[1].ClusterSize)

	require.Len(t, payload.Images, 1, "only published images are sent")
	assert.Equal(t, "z.nii.gz", payload.Images[0].Filename)
	assert.Equal(t, "Z", payload.Images[0].ValueType)
}

func TestReadClusterTableEmptyInputs(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.tsv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	headerOnly := filepath.Join(dir, "header.tsv")
	require.NoError(t, os.WriteFile(headerOnly, []byte("X\tY\tZ\tPeak Stat\n"), 0o644))
	noCoords := filepath.Join(dir, "nocoords.tsv")
	require.NoError(t, os.WriteFile(noCoords, []byte("a\tb\n1\t2\n"), 0o644))

	for _, path := range []string{"", filepath.Join(dir, "missing.tsv"), empty, headerOnly, noCoords} {
		points, err := ReadClusterTable(path)
		require.NoError(t, err, path)
		assert.NotNil(t, points, path)
		assert.Empty(t, points, path)
	}
}

func TestUniqueFilename(t *testing.T) {
	tests := []struct {
		name  string
		taken []string
		want  string
	}{
		{"z.nii.gz", nil, "z.nii.gz"},
		{"z.nii.gz", []string{"z.nii.gz"}, "z_1.nii.gz"},
		{"z.nii.gz", []string{"z.nii.gz", "z_1.nii.gz"}, "z_2.nii.gz"},
		{"z.nii", []string{"z.nii"}, "z_1.nii"},
		{"table.tsv", []string{"table.tsv"}, "table_1.tsv"},
		{"noext", []string{"noext"}, "noext_1"},
	}
	for _, tt := range tests {
		taken := map[string]bool{}
		for _, n := range tt.taken {
			taken[n] = true
		}
		if got := UniqueFilename(tt.name, taken); got != tt.want {
			t.Errorf("UniqueFilename(%q, %v) = %q, want %q", tt.name, tt.taken, got, tt.want)
		}
	}
}
