// Package types defines the records that flow through the publication
// pipeline: meta-analysis results, their image and study uploads, and the
// analysis specification that decides which artifacts are published.
package types

import "time"

// Status is the publication state of an upload record.
type Status string

// Upload status constants
const (
	StatusPending Status = "PENDING"
	StatusOK      Status = "OK"
	StatusFailed  Status = "FAILED"
)

// IsValid checks if the status value is one of the known states
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusOK, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends a publication attempt.
func (s Status) IsTerminal() bool {
	return s == StatusOK || s == StatusFailed
}

// Result is the output of one completed meta-analysis run.
type Result struct {
	ID               string         `json:"id"`
	MetaAnalysisID   string         `json:"meta_analysis_id"`
	MetaAnalysisName string         `json:"meta_analysis_name,omitempty"`
	Description      string         `json:"description,omitempty"`
	SourceURL        string         `json:"source_url,omitempty"`
	Specification    *Specification `json:"specification,omitempty"`
	OutputDir        string         `json:"output_dir,omitempty"`
	ClusterTable     string         `json:"cluster_table,omitempty"` // selected cluster table path
	CollectionID     *string        `json:"collection_id,omitempty"` // image archive collection, nil until created
	CollectionName   string         `json:"collection_name,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// DisplayName is the owner meta-analysis name, falling back to its id and
// then to the result id.
func (r *Result) DisplayName() string {
	switch {
	case r.MetaAnalysisName != "":
		return r.MetaAnalysisName
	case r.MetaAnalysisID != "":
		return r.MetaAnalysisID
	}
	return r.ID
}

// ImageUpload tracks one statistical map published to the image archive.
type ImageUpload struct {
	ID           string    `json:"id"`
	ResultID     string    `json:"result_id"`
	Path         string    `json:"path"`
	Filename     string    `json:"filename"`
	ValueType    string    `json:"value_type,omitempty"` // canonical map-type code
	ImageID      *int64    `json:"image_id,omitempty"`   // external numeric image id
	URL          string    `json:"url,omitempty"`
	CollectionID *string   `json:"collection_id,omitempty"`
	Status       Status    `json:"status"`
	Traceback    *string   `json:"traceback,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StudyUpload tracks the study-archive analysis derived from a result.
type StudyUpload struct {
	ID         string    `json:"id"`
	ResultID   string    `json:"result_id"`
	ExternalID *string   `json:"external_id,omitempty"`
	Status     Status    `json:"status"`
	Traceback  *string   `json:"traceback,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// Int64Ptr returns a pointer to n.
func Int64Ptr(n int64) *int64 { return &n }
