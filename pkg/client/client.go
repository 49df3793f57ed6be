// Package client is an HTTP client for the ingest pipeline API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// APIError is returned for any non-2xx response
type APIError struct {
	StatusCode int
	Kind       pipeline.ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("unexpected status %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for the ingest pipeline
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Process submits a source object. A duplicate submission returns the
// response naming the in-flight record together with a 409 *APIError.
func (c *Client) Process(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	var resp pipeline.ProcessResponse
	err := c.do(ctx, http.MethodPost, "/api/files/process", req, &resp)
	return submission(&resp, err)
}

// Reprocess re-triggers an existing record
func (c *Client) Reprocess(ctx context.Context, id string, force bool) (*pipeline.ProcessResponse, error) {
	var resp pipeline.ProcessResponse
	path := "/api/files/" + url.PathEscape(id) + "/reprocess"
	err := c.do(ctx, http.MethodPost, path, pipeline.ReprocessRequest{Force: force}, &resp)
	return submission(&resp, err)
}

func submission(resp *pipeline.ProcessResponse, err error) (*pipeline.ProcessResponse, error) {
	if err == nil {
		return resp, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && resp.Decision == string(pipeline.DecisionDuplicate) {
		apiErr.Kind = pipeline.KindDuplicateInFlight
		if resp.Message != "" {
			apiErr.Message = resp.Message
		}
		return resp, apiErr
	}
	return nil, err
}

// Sweep submits every object under the source prefix
func (c *Client) Sweep(ctx context.Context) (*pipeline.SweepResponse, error) {
	var resp pipeline.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/api/process", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListFiles lists the source bucket or the processed records. since may be
// a record id or a timestamp.
func (c *Client) ListFiles(ctx context.Context, source, since string) ([]pipeline.FileView, error) {
	q := url.Values{}
	if source != "" {
		q.Set("source", source)
	}
	if since != "" {
		q.Set("since", since)
	}
	path := "/api/files"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var files []pipeline.FileView
	if err := c.do(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// StatusMap returns the status of every known source key
func (c *Client) StatusMap(ctx context.Context) (*pipeline.StatusMapResponse, error) {
	var resp pipeline.StatusMapResponse
	if err := c.do(ctx, http.MethodGet, "/api/files/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the record for a filename or record id. kind may be
// "filename", "id" or empty for auto-detection.
func (c *Client) Status(ctx context.Context, identifier, kind string) (*pipeline.RecordView, error) {
	segments := strings.Split(strings.TrimLeft(identifier, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	path := "/api/files/" + strings.Join(segments, "/")
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}

	var view pipeline.RecordView
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Health checks the service health endpoint
func (c *Client) Health(ctx context.Context) error {
	var body map[string]string
	return c.do(ctx, http.MethodGet, "/health", nil, &body)
}

// do sends the request and decodes the response into out. For error
// responses out is still filled when the body matches its shape.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errBody pipeline.ErrorResponse
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			apiErr.Kind = pipeline.ErrorKind(errBody.Kind)
			apiErr.Message = errBody.Error
		} else if out != nil {
			// some conflicts carry a full response body
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
