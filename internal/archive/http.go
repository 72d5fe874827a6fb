package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single archive HTTP request. The task's soft
// timeout, carried on the context, usually fires first.
const DefaultTimeout = 2 * time.Minute

const maxResponseSize = 10 * 1024 * 1024

// httpClient holds what both archive clients share.
type httpClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func newHTTPClient(baseURL, token string) httpClient {
	return httpClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// response is a completed HTTP exchange.
type response struct {
	status int
	body   []byte
}

func (r response) ok() bool { return r.status >= 200 && r.status < 300 }

// do sends a request and reads the (size-limited) response body. Only
// transport-level failures are returned as errors.
func (c httpClient) do(ctx context.Context, method, urlStr, contentType string, body io.Reader) (response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return response{}, fmt.Errorf("failed to read response: %w", err)
	}
	return response{status: resp.StatusCode, body: data}, nil
}

// doJSON marshals payload (if any) and sends it as JSON.
func (c httpClient) doJSON(ctx context.Context, method, urlStr string, payload any) (response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, urlStr, "application/json", body)
}

// apiError renders a non-2xx response as a failure message.
func apiError(r response) string {
	msg := strings.TrimSpace(string(r.body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return fmt.Sprintf("API error: %s (status %d)", msg, r.status)
}

// idString renders a decoded JSON id (number or string) as text.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	case json.Number:
		return id.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
