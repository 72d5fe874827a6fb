package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/neurosynth/metapub/internal/archive"
	"github.com/neurosynth/metapub/internal/maptype"
	"github.com/neurosynth/metapub/internal/types"
)

// PublishImage registers one image upload in its result's collection,
// creating the collection first when needed.
func (p *Publisher) PublishImage(ctx context.Context, uploadID string) error {
	upload, err := p.store.GetImageUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load image upload %s: %w", uploadID, err)
	}
	if err := p.store.UpdateImageUpload(ctx, uploadID, pending()); err != nil {
		return fmt.Errorf("mark image upload %s pending: %w", uploadID, err)
	}

	if err := p.publishImage(ctx, upload); err != nil {
		p.log.Warn("image publish failed", "upload", uploadID, "result", upload.ResultID, "error", err)
		return joinRecordErr(err, p.FailImage(ctx, uploadID, err))
	}
	return nil
}

// FailImage records err as the terminal failure of an image upload.
func (p *Publisher) FailImage(ctx context.Context, uploadID string, err error) error {
	rctx, cancel := recordContext(ctx)
	defer cancel()
	return p.store.UpdateImageUpload(rctx, uploadID, failure(err))
}

func (p *Publisher) publishImage(ctx context.Context, upload *types.ImageUpload) error {
	collectionID, err := p.EnsureCollection(ctx, upload.ResultID)
	if err != nil {
		return err
	}
	filename, err := p.uniqueFilename(ctx, upload, collectionID)
	if err != nil {
		return err
	}

	requested := maptype.Canonicalize(upload.ValueType, maptype.WithMissing(maptype.CodeOther))
	res := p.images.AddImage(ctx, archive.ImageRequest{
		CollectionID:      collectionID,
		Path:              upload.Path,
		Name:              filename,
		Modality:          p.cfg.Modality,
		MapType:           string(requested),
		AnalysisLevel:     p.cfg.AnalysisLevel,
		CognitiveParadigm: p.cfg.CognitiveParadigm,
		NSubjects:         p.cfg.NSubjects,
		IsValid:           true,
	})
	if res.Outcome != archive.OutcomeOK {
		return fmt.Errorf("add image %s to collection %s: %w", filename, collectionID, res.Err())
	}
	imageID, err := strconv.ParseInt(res.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("add image %s: non-numeric image id %q", filename, res.ID)
	}

	code := maptype.Canonicalize(res.MapType, maptype.WithMissing(requested))
	if err := p.store.UpdateImageUpload(ctx, upload.ID, map[string]any{
		"status":        types.StatusOK,
		"traceback":     nil,
		"image_id":      imageID,
		"url":           res.URL,
		"filename":      filename,
		"value_type":    string(code),
		"collection_id": collectionID,
	}); err != nil {
		return fmt.Errorf("save image upload %s: %w", upload.ID, err)
	}
	p.log.Info("image published", "upload", upload.ID, "collection", collectionID, "image", imageID, "map_type", code)
	return nil
}

// uniqueFilename keeps the upload's file name unless another upload of the
// same result already claimed it in this collection, in which case the
// first free "_<n>" suffix is inserted before the extension.
func (p *Publisher) uniqueFilename(ctx context.Context, upload *types.ImageUpload, collectionID string) (string, error) {
	siblings, err := p.store.ListImageUploads(ctx, upload.ResultID)
	if err != nil {
		return "", fmt.Errorf("list image uploads for result %s: %w", upload.ResultID, err)
	}
	taken := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		if s.ID == upload.ID || s.CollectionID == nil || *s.CollectionID != collectionID {
			continue
		}
		taken[s.Filename] = true
	}

	name := upload.Filename
	if name == "" {
		name = filepath.Base(upload.Path)
	}
	return UniqueFilename(name, taken), nil
}

// UniqueFilename returns name if it is not taken, else stem_<n>ext for the
// smallest n >= 1 that is free. ".nii.gz" counts as a single extension.
func UniqueFilename(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	stem, ext := splitExt(name)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}

func splitExt(name string) (string, string) {
	for _, ext := range []string{".nii.gz", ".tsv.gz"} {
		if strings.HasSuffix(name, ext) && len(name) > len(ext) {
			return strings.TrimSuffix(name, ext), ext
		}
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}
