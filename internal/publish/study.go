package publish

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/neurosynth/metapub/internal/archive"
	"github.com/neurosynth/metapub/internal/maptype"
	"github.com/neurosynth/metapub/internal/types"
)

// PublishStudy creates the study-archive analysis for a result, or updates
// it when an external id is already recorded.
func (p *Publisher) PublishStudy(ctx context.Context, uploadID string) error {
	upload, err := p.store.GetStudyUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load study upload %s: %w", uploadID, err)
	}
	if err := p.store.UpdateStudyUpload(ctx, uploadID, pending()); err != nil {
		return fmt.Errorf("mark study upload %s pending: %w", uploadID, err)
	}

	if err := p.publishStudy(ctx, upload); err != nil {
		p.log.Warn("study publish failed", "upload", uploadID, "result", upload.ResultID, "error", err)
		return joinRecordErr(err, p.FailStudy(ctx, uploadID, err))
	}
	return nil
}

// FailStudy records err as the terminal failure of a study upload.
func (p *Publisher) FailStudy(ctx context.Context, uploadID string, err error) error {
	rctx, cancel := recordContext(ctx)
	defer cancel()
	return p.store.UpdateStudyUpload(rctx, uploadID, failure(err))
}

func (p *Publisher) publishStudy(ctx context.Context, upload *types.StudyUpload) error {
	if p.studies == nil {
		return errNoStudyArchive
	}
	result, err := p.store.GetResult(ctx, upload.ResultID)
	if err != nil {
		return fmt.Errorf("load result %s: %w", upload.ResultID, err)
	}
	payload, err := p.BuildPayload(ctx, result)
	if err != nil {
		return err
	}

	var res archive.Result
	op := "create"
	if upload.ExternalID == nil || *upload.ExternalID == "" {
		res = p.studies.Create(ctx, payload)
	} else {
		op = "update"
		res = p.studies.Update(ctx, *upload.ExternalID, payload)
	}
	if res.Outcome != archive.OutcomeOK {
		return fmt.Errorf("%s analysis for result %s: %w", op, result.ID, res.Err())
	}

	if err := p.store.UpdateStudyUpload(ctx, upload.ID, map[string]any{
		"status":      types.StatusOK,
		"traceback":   nil,
		"external_id": res.ID,
	}); err != nil {
		return fmt.Errorf("save study upload %s: %w", upload.ID, err)
	}
	p.log.Info("study published", "upload", upload.ID, "result", result.ID, "analysis", res.ID, "op", op,
		"points", len(payload.Points), "images", len(payload.Images))
	return nil
}

// BuildPayload assembles the study-archive body for a result from its
// cluster table and its successfully published images.
func (p *Publisher) BuildPayload(ctx context.Context, result *types.Result) (archive.StudyPayload, error) {
	points, err := ReadClusterTable(result.ClusterTable)
	if err != nil {
		return archive.StudyPayload{}, err
	}
	uploads, err := p.store.ListImageUploads(ctx, result.ID)
	if err != nil {
		return archive.StudyPayload{}, fmt.Errorf("list image uploads for result %s: %w", result.ID, err)
	}
	return archive.StudyPayload{
		Name:        result.DisplayName(),
		Description: result.Description,
		Points:      points,
		Images:      ImagesFromUploads(uploads),
	}, nil
}

// ImagesFromUploads converts published image uploads to payload entries.
// Uploads that are not OK or have no URL are skipped.
func ImagesFromUploads(uploads []*types.ImageUpload) []archive.Image {
	images := make([]archive.Image, 0, len(uploads))
	for _, u := range uploads {
		if u.Status != types.StatusOK || u.URL == "" {
			continue
		}
		images = append(images, archive.Image{
			URL:       u.URL,
			Filename:  u.Filename,
			ValueType: string(maptype.Canonicalize(u.ValueType)),
			CreatedAt: u.CreatedAt,
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Filename < images[j].Filename })
	return images
}

// Cluster table column names, normalized by normalizeHeader.
var (
	statColumns = []string{"peak stat", "peak_stat", "stat", "value"}
	sizeColumns = []string{"cluster size (mm3)", "cluster size", "cluster_size", "size"}
)

// ReadClusterTable reads a tab-separated cluster table into points. A
// missing path, missing file or empty table yields an empty slice. Rows
// whose coordinates or statistic do not parse are skipped.
func ReadClusterTable(path string) ([]archive.Point, error) {
	points := []archive.Point{}
	if path == "" {
		return points, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return points, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open cluster table: %w", err)
	}
	defer f.Close()
	return parseClusterTable(f)
}

func parseClusterTable(r io.Reader) ([]archive.Point, error) {
	points := []archive.Point{}
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return points, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cluster table header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[normalizeHeader(h)] = i
	}
	xi, okX := cols["x"]
	yi, okY := cols["y"]
	zi, okZ := cols["z"]
	if !okX || !okY || !okZ {
		return points, nil
	}
	si := findColumn(cols, statColumns)
	ci := findColumn(cols, sizeColumns)

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read cluster table: %w", err)
		}
		var pt archive.Point
		ok := true
		for axis, idx := range [3]int{xi, yi, zi} {
			v, good := field(row, idx)
			if !good {
				ok = false
				break
			}
			pt.Coordinates[axis] = v
		}
		if !ok {
			continue
		}
		if si >= 0 {
			v, good := field(row, si)
			if !good {
				continue
			}
			pt.Statistic = v
		}
		if ci >= 0 {
			if v, good := field(row, ci); good {
				pt.ClusterSize = &v
			}
		}
		points = append(points, pt)
	}
	return points, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimPrefix(h, "\ufeff")), " "))
}

func findColumn(cols map[string]int, names []string) int {
	for _, n := range names {
		if i, ok := cols[n]; ok {
			return i
		}
	}
	return -1
}

func field(row []string, idx int) (float64, bool) {
	if idx >= len(row) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
