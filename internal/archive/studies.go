package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// DefaultStudyArchiveURL is the public NeuroStore endpoint.
const DefaultStudyArchiveURL = "https://neurostore.org"

// StudyClient talks to a NeuroStore-compatible study archive.
type StudyClient struct {
	httpClient
}

var _ StudyArchive = (*StudyClient)(nil)

// NewStudyClient creates a study archive client.
func NewStudyClient(baseURL, token string) *StudyClient {
	if baseURL == "" {
		baseURL = DefaultStudyArchiveURL
	}
	return &StudyClient{httpClient: newHTTPClient(baseURL, token)}
}

// WithHTTPClient returns a copy of the client using httpClient.
func (c *StudyClient) WithHTTPClient(hc *http.Client) *StudyClient {
	cp := *c
	cp.HTTPClient = hc
	return &cp
}

// Create posts a new analysis.
func (c *StudyClient) Create(ctx context.Context, payload StudyPayload) Result {
	return c.send(ctx, http.MethodPost, c.BaseURL+"/api/analyses/", payload)
}

// Update replaces the analysis with the given id.
func (c *StudyClient) Update(ctx context.Context, id string, payload StudyPayload) Result {
	urlStr := fmt.Sprintf("%s/api/analyses/%s", c.BaseURL, url.PathEscape(id))
	return c.send(ctx, http.MethodPut, urlStr, payload)
}

func (c *StudyClient) send(ctx context.Context, method, urlStr string, payload StudyPayload) Result {
	resp, err := c.doJSON(ctx, method, urlStr, payload)
	if err != nil {
		return Transport(err.Error())
	}
	if !resp.ok() {
		return Transport(apiError(resp))
	}
	var obj remoteObject
	if err := json.Unmarshal(resp.body, &obj); err != nil {
		return Transportf("parse analysis response: %v", err)
	}
	id := idString(obj.ID)
	if id == "" {
		return Transport("analysis response has no id")
	}
	r := OK(id)
	r.URL = obj.URL
	return r
}
