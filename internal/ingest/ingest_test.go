package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurosynth/metapub/internal/archive/archivetest"
	"github.com/neurosynth/metapub/internal/maptype"
	"github.com/neurosynth/metapub/internal/publish"
	"github.com/neurosynth/metapub/internal/storage/memory"
	"github.com/neurosynth/metapub/internal/taskqueue"
	"github.com/neurosynth/metapub/internal/types"
)

const clusterTSV = "Cluster ID\tX\tY\tZ\tPeak Stat\tCluster Size (mm3)\n" +
	"1\t-42\t-22\t8\t5.1\t1200\n" +
	"2\t38\t-20\t10\t4.7\t\n"

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeOutputs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func fdrSpec(t *testing.T) *types.Specification {
	t.Helper()
	s, err := types.NewSpecification(
		types.Estimator{Type: "MKDADensity"},
		&types.Corrector{Type: "FDRCorrector", Args: map[string]any{"method": "indep"}},
	)
	require.NoError(t, err)
	return s
}

type env struct {
	store   *memory.Store
	tr      *taskqueue.MemoryTransport
	cfg     *taskqueue.Config
	in      *Ingester
	images  *archivetest.ImageArchive
	studies *archivetest.StudyArchive
	pub     *publish.Publisher
	worker  *taskqueue.Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	q := func(name string, priority int) taskqueue.QueueConfig {
		return taskqueue.QueueConfig{
			Name: name, Priority: priority,
			SoftTimeout: time.Second, HardTimeout: 2 * time.Second, MaxAttempts: 5,
			Backoff: taskqueue.BackoffPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		}
	}
	cfg, err := taskqueue.NewConfig(
		[]taskqueue.QueueConfig{q(taskqueue.QueueImageArchive, 5), q(taskqueue.QueueStudyArchive, 3), q(taskqueue.QueueDefault, 1)},
		[]taskqueue.Route{
			{Prefix: TaskPublishImage, Queue: taskqueue.QueueImageArchive},
			{Prefix: TaskPublishStudy, Queue: taskqueue.QueueStudyArchive},
		},
		taskqueue.QueueDefault,
	)
	require.NoError(t, err)

	e := &env{
		store:   memory.New(),
		cfg:     cfg,
		images:  archivetest.NewImageArchive(),
		studies: archivetest.NewStudyArchive(),
	}
	e.tr = taskqueue.NewMemoryTransport(cfg)
	t.Cleanup(func() { e.tr.Close() })
	e.in = New(e.store, taskqueue.NewClient(cfg, e.tr, quietLog()), quietLog())

	e.pub = publish.New(e.store, e.images, e.studies, publish.WithLogger(quietLog()))
	e.worker = taskqueue.NewWorker(cfg, e.tr,
		taskqueue.WithWorkerLogger(quietLog()),
		taskqueue.WithReceiveWait(0),
	)
	Register(e.worker, e.pub, e.store)
	return e
}

// drain polls until no queue yields work for a short while.
func (e *env) drain(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	idle := 0
	for idle < 5 {
		require.True(t, time.Now().Before(deadline), "queues did not drain")
		worked, err := e.worker.Poll(context.Background())
		require.NoError(t, err)
		if worked {
			idle = 0
			continue
		}
		idle++
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngestRegistersAndEnqueues(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{
		"z_corr-FDR_method-indep.nii.gz":         "img",
		"z.nii.gz":                               "img",
		"z_corr-FDR_method-indep_tab-clust.tsv":  clusterTSV,
		"z_tab-clust.tsv":                        clusterTSV,
		"logp_level-voxel_corr-FDR_method-indep": "not an image",
	})
	ctx := context.Background()

	sum, err := e.in.Ingest(ctx, Request{ResultID: "r1", MetaAnalysisID: "ma1", Name: "Pain", Dir: dir, Spec: fdrSpec(t)})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "z_corr-FDR_method-indep_tab-clust.tsv"), sum.ClusterTable)
	assert.Equal(t, []string{"r1/z.nii.gz", "r1/z_corr-FDR_method-indep.nii.gz"}, sum.ImageUploads)
	assert.Equal(t, StudyUploadID("r1"), sum.StudyUploadID)
	assert.Len(t, sum.Enqueued, 3)
	assert.Equal(t, 2, e.tr.Len(taskqueue.QueueImageArchive))
	assert.Equal(t, 1, e.tr.Len(taskqueue.QueueStudyArchive))

	res, err := e.store.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Pain", res.MetaAnalysisName)
	assert.Equal(t, sum.ClusterTable, res.ClusterTable)

	img, err := e.store.GetImageUpload(ctx, "r1/z.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, img.Status)
	assert.Equal(t, string(maptype.CodeZ), img.ValueType)
}

func TestIngestWithoutSelectionSkipsStudy(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{
		"z.nii.gz":        "img",
		"z_tab-clust.tsv": clusterTSV,
	})

	sum, err := e.in.Ingest(context.Background(), Request{ResultID: "r1", Dir: dir, Spec: fdrSpec(t)})
	require.NoError(t, err)
	assert.Empty(t, sum.ClusterTable)
	assert.Empty(t, sum.StudyUploadID)
	assert.Equal(t, 1, e.tr.Len(taskqueue.QueueImageArchive))
	assert.Equal(t, 0, e.tr.Len(taskqueue.QueueStudyArchive))
}

func TestIngestInvalidRequest(t *testing.T) {
	e := newEnv(t)
	_, err := e.in.Ingest(context.Background(), Request{Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.in.Ingest(context.Background(), Request{ResultID: "r1", Dir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestIngestEndToEnd(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{
		"z_corr-FDR_method-indep.nii.gz":        "img",
		"z_corr-FDR_method-indep_tab-clust.tsv": clusterTSV,
	})
	ctx := context.Background()
	req := Request{ResultID: "r1", Name: "Pain", Dir: dir, Spec: fdrSpec(t)}

	_, err := e.in.Ingest(ctx, req)
	require.NoError(t, err)
	e.drain(t)

	img, err := e.store.GetImageUpload(ctx, "r1/z_corr-FDR_method-indep.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, img.Status)
	require.NotNil(t, img.ImageID)

	study, err := e.store.GetStudyUploadForResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, study.Status)
	require.NotNil(t, study.ExternalID)

	require.Len(t, e.studies.Calls, 1)
	payload := e.studies.Calls[0].Payload
	assert.Equal(t, "Pain", payload.Name)
	assert.Len(t, payload.Points, 2)
	require.Len(t, payload.Images, 1)

	// A second ingest leaves the published image alone and updates the study.
	sum, err := e.in.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1/z_corr-FDR_method-indep.nii.gz"}, sum.Skipped)
	e.drain(t)
	assert.Equal(t, []string{"create", "update"}, e.studies.Methods())
	assert.Len(t, e.images.Images, 1)
}

func TestStudyWaitsForPendingImages(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{
		"z_corr-FDR_method-indep.nii.gz":        "img",
		"z_corr-FDR_method-indep_tab-clust.tsv": clusterTSV,
	})
	ctx := context.Background()
	_, err := e.in.Ingest(ctx, Request{ResultID: "r1", Dir: dir, Spec: fdrSpec(t)})
	require.NoError(t, err)

	h := StudyHandler{Publisher: e.pub, Store: e.store}
	task := taskqueue.NewTask(TaskPublishStudy, map[string]string{ArgUploadID: StudyUploadID("r1")})
	err = h.Handle(ctx, task)
	assert.ErrorIs(t, err, ErrImagesPending)
	assert.Empty(t, e.studies.Calls)
}

func TestHandlerMissingArgument(t *testing.T) {
	e := newEnv(t)
	h := ImageHandler{Publisher: e.pub}
	err := h.Handle(context.Background(), taskqueue.NewTask(TaskPublishImage, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ArgUploadID)
}

func TestImageTimeoutRecordsFailure(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{"z.nii.gz": "img"})
	ctx := context.Background()
	_, err := e.in.Ingest(ctx, Request{ResultID: "r1", Dir: dir})
	require.NoError(t, err)

	h := ImageHandler{Publisher: e.pub}
	task := taskqueue.NewTask(TaskPublishImage, map[string]string{ArgUploadID: "r1/z.nii.gz"})
	h.OnTimeout(ctx, task, taskqueue.ErrHardTimeout)

	img, err := e.store.GetImageUpload(ctx, "r1/z.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, img.Status)
	require.NotNil(t, img.Traceback)
	assert.Contains(t, *img.Traceback, "hard timeout")
}

func TestInferValueType(t *testing.T) {
	tests := map[string]maptype.Code{
		"z.nii.gz":                       maptype.CodeZ,
		"z_corr-FDR_method-indep.nii.gz": maptype.CodeZ,
		"t_desc-group1.nii":              maptype.CodeT,
		"chi2.nii.gz":                    maptype.CodeChiSquared,
		"logp_level-voxel.nii.gz":        maptype.CodeOther,
		"stat.nii.gz":                    maptype.CodeOther,
	}
	for name, want := range tests {
		if got := InferValueType("/out/" + name); got != want {
			t.Errorf("InferValueType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestReingestSkipsInFlightUploads(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{
		"z_corr-FDR_method-indep.nii.gz":        "img",
		"z_corr-FDR_method-indep_tab-clust.tsv": clusterTSV,
	})
	ctx := context.Background()
	req := Request{ResultID: "r1", Dir: dir, Spec: fdrSpec(t)}

	_, err := e.in.Ingest(ctx, req)
	require.NoError(t, err)
	sum, err := e.in.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, sum.Enqueued)
	assert.Equal(t, []string{"r1/z_corr-FDR_method-indep.nii.gz"}, sum.Skipped)
	assert.True(t, sum.StudyPending)
	assert.Equal(t, 1, e.tr.Len(taskqueue.QueueImageArchive))
	assert.Equal(t, 1, e.tr.Len(taskqueue.QueueStudyArchive))

	e.drain(t)
	assert.Len(t, e.images.Images, 1)
	assert.Equal(t, []string{"create"}, e.studies.Methods())
}

func TestReingestRetriesFailedImage(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{"z.nii.gz": "img"})
	ctx := context.Background()
	req := Request{ResultID: "r1", Dir: dir}

	_, err := e.in.Ingest(ctx, req)
	require.NoError(t, err)
	require.NoError(t, e.pub.FailImage(ctx, "r1/z.nii.gz", errors.New("archive unavailable")))

	sum, err := e.in.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, sum.Skipped)
	assert.Len(t, sum.Enqueued, 1)

	img, err := e.store.GetImageUpload(ctx, "r1/z.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, img.Status)
	assert.Nil(t, img.Traceback)
}

func TestReingestUpdatesSpecification(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{
		"z_corr-FDR_method-indep_tab-clust.tsv": clusterTSV,
		"z_tab-clust.tsv":                       clusterTSV,
	})
	ctx := context.Background()

	_, err := e.in.Ingest(ctx, Request{ResultID: "r1", Dir: dir, Spec: fdrSpec(t)})
	require.NoError(t, err)

	plain, err := types.NewSpecification(types.Estimator{Type: "MKDADensity"}, nil)
	require.NoError(t, err)
	sum, err := e.in.Ingest(ctx, Request{ResultID: "r1", Dir: dir, Spec: plain})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "z_tab-clust.tsv"), sum.ClusterTable)

	res, err := e.store.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, sum.ClusterTable, res.ClusterTable)
	require.NotNil(t, res.Specification)
	assert.Equal(t, types.CorrectorNone, res.Specification.CorrectorKind())
}

func TestStudyFailsWhenImagesNeverSettle(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{
		"z_corr-FDR_method-indep.nii.gz":        "img",
		"z_corr-FDR_method-indep_tab-clust.tsv": clusterTSV,
	})
	ctx := context.Background()
	_, err := e.in.Ingest(ctx, Request{ResultID: "r1", Dir: dir, Spec: fdrSpec(t)})
	require.NoError(t, err)

	// A worker that only serves studies; the image stays PENDING.
	w := taskqueue.NewWorker(e.cfg, e.tr, taskqueue.WithWorkerLogger(quietLog()), taskqueue.WithReceiveWait(0))
	w.Register(TaskPublishStudy, StudyHandler{Publisher: e.pub, Store: e.store})

	deadline := time.Now().Add(5 * time.Second)
	for e.tr.Len(taskqueue.QueueStudyArchive) > 0 {
		require.True(t, time.Now().Before(deadline), "study task was not given up")
		_, err := w.Poll(ctx)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	study, err := e.store.GetStudyUploadForResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, study.Status)
	require.NotNil(t, study.Traceback)
	assert.Contains(t, *study.Traceback, ErrImagesPending.Error())
	assert.Empty(t, e.studies.Calls)

	img, err := e.store.GetImageUpload(ctx, "r1/z_corr-FDR_method-indep.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, img.Status)
}

func TestImageGiveUpKeepsSettledStatus(t *testing.T) {
	e := newEnv(t)
	dir := writeOutputs(t, map[string]string{"a.nii.gz": "img", "b.nii.gz": "img"})
	ctx := context.Background()
	_, err := e.in.Ingest(ctx, Request{ResultID: "r1", Dir: dir})
	require.NoError(t, err)

	first := errors.New("collision budget exhausted")
	require.NoError(t, e.pub.FailImage(ctx, "r1/a.nii.gz", first))

	h := ImageHandler{Publisher: e.pub, Store: e.store}
	for _, id := range []string{"r1/a.nii.gz", "r1/b.nii.gz"} {
		h.OnGiveUp(ctx, taskqueue.NewTask(TaskPublishImage, map[string]string{ArgUploadID: id}), errors.New("gave up"))
	}

	a, err := e.store.GetImageUpload(ctx, "r1/a.nii.gz")
	require.NoError(t, err)
	require.NotNil(t, a.Traceback)
	assert.Contains(t, *a.Traceback, first.Error())

	b, err := e.store.GetImageUpload(ctx, "r1/b.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, b.Status)
	require.NotNil(t, b.Traceback)
	assert.Contains(t, *b.Traceback, "gave up")
}
