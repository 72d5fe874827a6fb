package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/neurosynth/metapub/internal/publish"
	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/taskqueue"
	"github.com/neurosynth/metapub/internal/types"
)

// ErrImagesPending is returned by the study handler while any image upload
// of the same result is still PENDING. The study task is retried with the
// queue's backoff until the images settle.
var ErrImagesPending = errors.New("image uploads still pending")

func uploadID(task *taskqueue.Task) (string, error) {
	id := task.Arg(ArgUploadID)
	if id == "" {
		return "", backoff.Permanent(fmt.Errorf("task %s: missing %s argument", task.ID, ArgUploadID))
	}
	return id, nil
}

// permanentIfMissing stops retries for records that do not exist.
func permanentIfMissing(err error) error {
	if errors.Is(err, storage.ErrRecordNotFound) {
		return backoff.Permanent(err)
	}
	return err
}

// ImageHandler runs publish.image tasks.
type ImageHandler struct {
	Publisher *publish.Publisher
	Store     storage.Store
}

func (h ImageHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	id, err := uploadID(task)
	if err != nil {
		return err
	}
	return permanentIfMissing(h.Publisher.PublishImage(ctx, id))
}

// OnTimeout records the abandoned attempt as FAILED.
func (h ImageHandler) OnTimeout(ctx context.Context, task *taskqueue.Task, err error) {
	if id := task.Arg(ArgUploadID); id != "" {
		_ = h.Publisher.FailImage(ctx, id, err)
	}
}

// OnGiveUp marks the upload FAILED when no attempt settled it.
func (h ImageHandler) OnGiveUp(ctx context.Context, task *taskqueue.Task, err error) {
	id := task.Arg(ArgUploadID)
	if id == "" {
		return
	}
	upload, gerr := h.Store.GetImageUpload(ctx, id)
	if gerr != nil || upload.Status != types.StatusPending {
		return
	}
	_ = h.Publisher.FailImage(ctx, id, err)
}

// StudyHandler runs publish.study tasks.
type StudyHandler struct {
	Publisher *publish.Publisher
	Store     storage.Store
}

func (h StudyHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	id, err := uploadID(task)
	if err != nil {
		return err
	}
	upload, err := h.Store.GetStudyUpload(ctx, id)
	if err != nil {
		return permanentIfMissing(fmt.Errorf("load study upload %s: %w", id, err))
	}
	images, err := h.Store.ListImageUploads(ctx, upload.ResultID)
	if err != nil {
		return fmt.Errorf("list image uploads for %s: %w", upload.ResultID, err)
	}
	for _, img := range images {
		if img.Status == types.StatusPending {
			return fmt.Errorf("study %s: %w (%s)", id, ErrImagesPending, img.ID)
		}
	}
	return permanentIfMissing(h.Publisher.PublishStudy(ctx, id))
}

// OnTimeout records the abandoned attempt as FAILED.
func (h StudyHandler) OnTimeout(ctx context.Context, task *taskqueue.Task, err error) {
	if id := task.Arg(ArgUploadID); id != "" {
		_ = h.Publisher.FailStudy(ctx, id, err)
	}
}

// OnGiveUp marks the study FAILED when it is still PENDING, which is the
// case when its images never settled within the queue's attempts.
func (h StudyHandler) OnGiveUp(ctx context.Context, task *taskqueue.Task, err error) {
	id := task.Arg(ArgUploadID)
	if id == "" {
		return
	}
	upload, gerr := h.Store.GetStudyUpload(ctx, id)
	if gerr != nil || upload.Status != types.StatusPending {
		return
	}
	_ = h.Publisher.FailStudy(ctx, id, err)
}

// Register installs the publication handlers on w.
func Register(w *taskqueue.Worker, p *publish.Publisher, store storage.Store) {
	w.Register(TaskPublishImage, ImageHandler{Publisher: p, Store: store})
	w.Register(TaskPublishStudy, StudyHandler{Publisher: p, Store: store})
}
