package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultImageArchiveURL is the public NeuroVault endpoint.
const DefaultImageArchiveURL = "https://neurovault.org"

// ImageClient talks to a NeuroVault-compatible image archive.
type ImageClient struct {
	httpClient
}

var _ ImageArchive = (*ImageClient)(nil)

// NewImageClient creates an image archive client.
func NewImageClient(baseURL, token string) *ImageClient {
	if baseURL == "" {
		baseURL = DefaultImageArchiveURL
	}
	return &ImageClient{httpClient: newHTTPClient(baseURL, token)}
}

// WithHTTPClient returns a copy of the client using httpClient.
func (c *ImageClient) WithHTTPClient(hc *http.Client) *ImageClient {
	cp := *c
	cp.HTTPClient = hc
	return &cp
}

type remoteObject struct {
	ID      any    `json:"id"`
	URL     string `json:"url"`
	MapType string `json:"map_type"`
}

// CreateCollection creates a named collection. A 400 response that says the
// name already exists is reported as a Collision.
func (c *ImageClient) CreateCollection(ctx context.Context, req CollectionRequest) Result {
	body := map[string]any{"name": req.Name}
	if req.Description != "" {
		body["description"] = req.Description
	}
	if req.SourceURL != "" {
		body["full_dataset_url"] = req.SourceURL
	}

	resp, err := c.doJSON(ctx, http.MethodPost, c.BaseURL+"/api/collections/", body)
	if err != nil {
		return Transport(err.Error())
	}
	if !resp.ok() {
		if isNameCollision(resp) {
			return Collision(apiError(resp))
		}
		return Transport(apiError(resp))
	}

	var obj remoteObject
	if err := json.Unmarshal(resp.body, &obj); err != nil {
		return Transportf("parse collection response: %v", err)
	}
	id := idString(obj.ID)
	if id == "" {
		return Transport("collection response has no id")
	}
	r := OK(id)
	r.URL = obj.URL
	return r
}

func isNameCollision(r response) bool {
	if r.status != http.StatusBadRequest && r.status != http.StatusConflict {
		return false
	}
	body := strings.ToLower(string(r.body))
	return strings.Contains(body, "already exist") || strings.Contains(body, "must be unique")
}

// AddImage uploads one image file into a collection as multipart form data.
// Uncompressed ".nii" files are gzip-compressed on the way out.
func (c *ImageClient) AddImage(ctx context.Context, req ImageRequest) Result {
	body, contentType, err := imageForm(req)
	if err != nil {
		return Transport(err.Error())
	}

	urlStr := fmt.Sprintf("%s/api/collections/%s/images/", c.BaseURL, url.PathEscape(req.CollectionID))
	resp, err := c.do(ctx, http.MethodPost, urlStr, contentType, body)
	if err != nil {
		return Transport(err.Error())
	}
	if !resp.ok() {
		return Transport(apiError(resp))
	}

	var obj remoteObject
	if err := json.Unmarshal(resp.body, &obj); err != nil {
		return Transportf("parse image response: %v", err)
	}
	id := idString(obj.ID)
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return Transportf("image response has non-numeric id %q", id)
	}
	r := OK(id)
	r.URL = obj.URL
	r.MapType = obj.MapType
	return r
}

func imageForm(req ImageRequest) (io.Reader, string, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"name":                        req.Name,
		"modality":                    req.Modality,
		"map_type":                    req.MapType,
		"analysis_level":              req.AnalysisLevel,
		"cognitive_paradigm_cogatlas": req.CognitiveParadigm,
		"is_valid":                    strconv.FormatBool(req.IsValid),
	}
	if req.NSubjects > 0 {
		fields["number_of_subjects"] = strconv.Itoa(req.NSubjects)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	filename := filepath.Base(req.Path)
	compress := strings.HasSuffix(filename, ".nii")
	if compress {
		filename += ".gz"
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if compress {
		gz := gzip.NewWriter(part)
		if _, err := io.Copy(gz, f); err != nil {
			return nil, "", fmt.Errorf("compress image: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, "", fmt.Errorf("compress image: %w", err)
		}
	} else if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
