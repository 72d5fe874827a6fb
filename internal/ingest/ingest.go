// Package ingest turns a finished meta-analysis output directory into
// upload records and publication tasks.
//
// Ingest is idempotent: upload ids are derived from the result id and the
// file name. Image uploads already published or still PENDING are left
// alone, so a record never has two publishes in flight. FAILED uploads are
// re-armed to PENDING and enqueued again. A published study is re-armed so
// the archive copy is updated; a PENDING study is left to its queued task.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/neurosynth/metapub/internal/maptype"
	"github.com/neurosynth/metapub/internal/selector"
	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/taskqueue"
	"github.com/neurosynth/metapub/internal/types"
)

// Task names and arguments understood by the handlers in this package.
const (
	TaskPublishImage = "publish.image"
	TaskPublishStudy = "publish.study"
	ArgUploadID      = "upload_id"
)

// ErrInvalidRequest is returned for a request missing required fields.
var ErrInvalidRequest = errors.New("invalid ingest request")

// Enqueuer submits named tasks. *taskqueue.Client satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args map[string]string) (taskqueue.Receipt, error)
}

// Request describes one result output directory.
type Request struct {
	ResultID       string
	MetaAnalysisID string
	Name           string // meta-analysis display name
	Description    string
	SourceURL      string
	Dir            string
	Spec           *types.Specification // nil selects implicitly
}

// Summary reports what Ingest registered and enqueued.
type Summary struct {
	ResultID      string   `json:"result_id"`
	ClusterTable  string   `json:"cluster_table,omitempty"`   // empty when nothing matched
	ImageUploads  []string `json:"image_uploads"`             // every image upload id for the result
	Enqueued      []string `json:"enqueued"`                  // task ids enqueued by this call
	Skipped       []string `json:"skipped,omitempty"`         // image uploads published or in flight
	StudyUploadID string   `json:"study_upload_id,omitempty"` // empty when no cluster table matched
	StudyPending  bool     `json:"study_pending,omitempty"`   // study publish already queued, not enqueued again
}

// Ingester registers result outputs and enqueues their publication.
type Ingester struct {
	store storage.Store
	queue Enqueuer
	log   *slog.Logger
}

// New returns an Ingester. A nil logger discards.
func New(store storage.Store, queue Enqueuer, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Ingester{store: store, queue: queue, log: log}
}

// Ingest registers req.Dir and enqueues its image and study publications.
func (in *Ingester) Ingest(ctx context.Context, req Request) (*Summary, error) {
	if req.ResultID == "" || req.Dir == "" {
		return nil, fmt.Errorf("%w: result id and directory are required", ErrInvalidRequest)
	}
	files, err := ListFiles(req.Dir)
	if err != nil {
		return nil, err
	}
	sum := &Summary{ResultID: req.ResultID}

	table, selected := selector.Select(files, req.Spec)
	if selected {
		sum.ClusterTable = table
	}
	if err := in.upsertResult(ctx, req, table); err != nil {
		return nil, err
	}

	for _, path := range files {
		if !IsImage(path) {
			continue
		}
		id, fresh, err := in.armImage(ctx, req.ResultID, path)
		if err != nil {
			return sum, err
		}
		sum.ImageUploads = append(sum.ImageUploads, id)
		if !fresh {
			sum.Skipped = append(sum.Skipped, id)
			continue
		}
		r, err := in.queue.Enqueue(ctx, TaskPublishImage, map[string]string{ArgUploadID: id})
		if err != nil {
			return sum, fmt.Errorf("enqueue image %s: %w", id, err)
		}
		sum.Enqueued = append(sum.Enqueued, r.TaskID)
	}

	if !selected {
		in.log.Warn("no cluster table matches the specification, study publish skipped",
			"result", req.ResultID, "dir", req.Dir, "targets", selector.Targets(req.Spec))
		return sum, nil
	}

	studyID, fresh, err := in.armStudy(ctx, req.ResultID)
	if err != nil {
		return sum, err
	}
	sum.StudyUploadID = studyID
	if fresh {
		r, err := in.queue.Enqueue(ctx, TaskPublishStudy, map[string]string{ArgUploadID: studyID})
		if err != nil {
			return sum, fmt.Errorf("enqueue study %s: %w", studyID, err)
		}
		sum.Enqueued = append(sum.Enqueued, r.TaskID)
	} else {
		sum.StudyPending = true
	}

	in.log.Info("result ingested", "result", req.ResultID, "images", len(sum.ImageUploads),
		"skipped", len(sum.Skipped), "cluster_table", filepath.Base(table))
	return sum, nil
}

func (in *Ingester) upsertResult(ctx context.Context, req Request, table string) error {
	_, err := in.store.GetResult(ctx, req.ResultID)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		r := &types.Result{
			ID:               req.ResultID,
			MetaAnalysisID:   req.MetaAnalysisID,
			MetaAnalysisName: req.Name,
			Description:      req.Description,
			SourceURL:        req.SourceURL,
			Specification:    req.Spec,
			OutputDir:        req.Dir,
			ClusterTable:     table,
		}
		if err := in.store.CreateResult(ctx, r); err != nil {
			return fmt.Errorf("create result %s: %w", req.ResultID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load result %s: %w", req.ResultID, err)
	}

	updates := map[string]any{
		"output_dir":    req.Dir,
		"cluster_table": table,
		"specification": req.Spec,
	}
	if req.Name != "" {
		updates["meta_analysis_name"] = req.Name
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if err := in.store.UpdateResult(ctx, req.ResultID, updates); err != nil {
		return fmt.Errorf("update result %s: %w", req.ResultID, err)
	}
	return nil
}

// armImage registers path as a PENDING upload. It reports false when the
// upload was already published or is still waiting on a queued task.
func (in *Ingester) armImage(ctx context.Context, resultID, path string) (string, bool, error) {
	id := ImageUploadID(resultID, path)
	existing, err := in.store.GetImageUpload(ctx, id)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		u := &types.ImageUpload{
			ID:        id,
			ResultID:  resultID,
			Path:      path,
			Filename:  filepath.Base(path),
			ValueType: string(InferValueType(path)),
			Status:    types.StatusPending,
		}
		if err := in.store.CreateImageUpload(ctx, u); err != nil {
			return id, false, fmt.Errorf("create image upload %s: %w", id, err)
		}
		return id, true, nil
	case err != nil:
		return id, false, fmt.Errorf("load image upload %s: %w", id, err)
	case existing.Status != types.StatusFailed:
		return id, false, nil
	}
	if err := in.store.UpdateImageUpload(ctx, id, map[string]any{
		"status":    types.StatusPending,
		"traceback": nil,
	}); err != nil {
		return id, false, fmt.Errorf("re-arm image upload %s: %w", id, err)
	}
	return id, true, nil
}

// armStudy registers the result's study upload as PENDING. It reports false
// when a publish of the study is already pending.
func (in *Ingester) armStudy(ctx context.Context, resultID string) (string, bool, error) {
	existing, err := in.store.GetStudyUploadForResult(ctx, resultID)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		u := &types.StudyUpload{ID: StudyUploadID(resultID), ResultID: resultID, Status: types.StatusPending}
		if err := in.store.CreateStudyUpload(ctx, u); err != nil {
			return "", false, fmt.Errorf("create study upload for %s: %w", resultID, err)
		}
		return u.ID, true, nil
	case err != nil:
		return "", false, fmt.Errorf("load study upload for %s: %w", resultID, err)
	case existing.Status == types.StatusPending:
		return existing.ID, false, nil
	}
	if err := in.store.UpdateStudyUpload(ctx, existing.ID, map[string]any{
		"status":    types.StatusPending,
		"traceback": nil,
	}); err != nil {
		return "", false, fmt.Errorf("re-arm study upload %s: %w", existing.ID, err)
	}
	return existing.ID, true, nil
}

// ImageUploadID is the deterministic upload id of an output file.
func ImageUploadID(resultID, path string) string {
	return resultID + "/" + filepath.Base(path)
}

// StudyUploadID is the deterministic study upload id of a result.
func StudyUploadID(resultID string) string {
	return resultID + "/study"
}

// IsImage reports whether path names a NIfTI image.
func IsImage(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

// InferValueType maps an output file name to a map-type code using its
// leading kind token, e.g. "z_corr-FDR_method-indep.nii.gz" is a Z map.
func InferValueType(path string) maptype.Code {
	name := filepath.Base(path)
	kind, _, _ := strings.Cut(name, "_")
	kind = strings.TrimSuffix(strings.TrimSuffix(kind, ".gz"), ".nii")
	return maptype.Canonicalize(kind, maptype.WithMissing(maptype.CodeOther), maptype.WithDefault(maptype.CodeOther))
}

// ListFiles returns the regular files directly under dir, sorted.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
