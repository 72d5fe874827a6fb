package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/types"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// ── Results ─────────────────────────────────────────────────────────────────

const resultColumns = `id, meta_analysis_id, meta_analysis_name, description, source_url,
	specification, output_dir, cluster_table, collection_id, collection_name, created_at, updated_at`

func (s *Store) CreateResult(ctx context.Context, r *types.Result) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	var spec sql.NullString
	if r.Specification != nil {
		data, err := json.Marshal(r.Specification)
		if err != nil {
			return fmt.Errorf("marshal specification: %w", err)
		}
		spec = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MetaAnalysisID, r.MetaAnalysisName, r.Description, r.SourceURL,
		spec, r.OutputDir, r.ClusterTable, ptrValue(r.CollectionID), r.CollectionName,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("result %s: %w", r.ID, storage.ErrRecordExists)
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func scanResult(row rowScanner) (*types.Result, error) {
	var r types.Result
	var spec, collectionID sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.MetaAnalysisID, &r.MetaAnalysisName, &r.Description, &r.SourceURL,
		&spec, &r.OutputDir, &r.ClusterTable, &collectionID, &r.CollectionName, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if spec.Valid {
		sp, err := storage.DecodeSpecification(spec.String)
		if err != nil {
			return nil, err
		}
		r.Specification = sp
	}
	r.CollectionID = nullString(collectionID)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func (s *Store) GetResult(ctx context.Context, id string) (*types.Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", id, storage.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) UpdateResult(ctx context.Context, id string, updates map[string]any) error {
	return s.update(ctx, "results", id, storage.KindResult, updates)
}

// ── Image uploads ───────────────────────────────────────────────────────────

const imageColumns = `id, result_id, path, filename, value_type, image_id, url,
	collection_id, status, traceback, created_at, updated_at`

func (s *Store) CreateImageUpload(ctx context.Context, u *types.ImageUpload) error {
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = types.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO image_uploads (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ResultID, u.Path, u.Filename, u.ValueType, ptrValue(u.ImageID), u.URL,
		ptrValue(u.CollectionID), string(u.Status), ptrValue(u.Traceback),
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("image upload %s: %w", u.ID, storage.ErrRecordExists)
		}
		return fmt.Errorf("insert image upload: %w", err)
	}
	return nil
}

func scanImage(row rowScanner) (*types.ImageUpload, error) {
	var u types.ImageUpload
	var imageID sql.NullInt64
	var collectionID, traceback sql.NullString
	var status, createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.ResultID, &u.Path, &u.Filename, &u.ValueType, &imageID, &u.URL,
		&collectionID, &status, &traceback, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.ImageID = nullInt64(imageID)
	u.CollectionID = nullString(collectionID)
	u.Traceback = nullString(traceback)
	u.Status = types.Status(status)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (s *Store) GetImageUpload(ctx context.Context, id string) (*types.ImageUpload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM image_uploads WHERE id = ?`, id)
	u, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image upload %s: %w", id, storage.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get image upload %s: %w", id, err)
	}
	return u, nil
}

func (s *Store) ListImageUploads(ctx context.Context, resultID string) ([]*types.ImageUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM image_uploads WHERE result_id = ? ORDER BY created_at, id`, resultID)
	if err != nil {
		return nil, fmt.Errorf("list image uploads: %w", err)
	}
	defer rows.Close()

	var out []*types.ImageUpload
	for rows.Next() {
		u, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateImageUpload(ctx context.Context, id string, updates map[string]any) error {
	return s.update(ctx, "image_uploads", id, storage.KindImage, updates)
}

// ── Study uploads ───────────────────────────────────────────────────────────

const studyColumns = `id, result_id, external_id, status, traceback, created_at, updated_at`

func (s *Store) CreateStudyUpload(ctx context.Context, u *types.StudyUpload) error {
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = types.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO study_uploads (`+studyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ResultID, ptrValue(u.ExternalID), string(u.Status), ptrValue(u.Traceback),
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("study upload %s: %w", u.ID, storage.ErrRecordExists)
		}
		return fmt.Errorf("insert study upload: %w", err)
	}
	return nil
}

func scanStudy(row rowScanner) (*types.StudyUpload, error) {
	var u types.StudyUpload
	var externalID, traceback sql.NullString
	var status, createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.ResultID, &externalID, &status, &traceback, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.ExternalID = nullString(externalID)
	u.Traceback = nullString(traceback)
	u.Status = types.Status(status)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (s *Store) GetStudyUpload(ctx context.Context, id string) (*types.StudyUpload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM study_uploads WHERE id = ?`, id)
	u, err := scanStudy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("study upload %s: %w", id, storage.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get study upload %s: %w", id, err)
	}
	return u, nil
}

func (s *Store) GetStudyUploadForResult(ctx context.Context, resultID string) (*types.StudyUpload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+studyColumns+` FROM study_uploads WHERE result_id = ? ORDER BY id LIMIT 1`, resultID)
	u, err := scanStudy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("study upload for result %s: %w", resultID, storage.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get study upload for result %s: %w", resultID, err)
	}
	return u, nil
}

func (s *Store) UpdateStudyUpload(ctx context.Context, id string, updates map[string]any) error {
	return s.update(ctx, "study_uploads", id, storage.KindStudy, updates)
}
