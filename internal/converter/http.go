// Package converter calls the external document-to-markdown service.
package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"time"

	"golang.org/x/time/rate"

	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// Converter turns source document bytes into markdown text
type Converter interface {
	Convert(ctx context.Context, filename string, content []byte) (string, error)
}

// Config configures the HTTP converter client
type Config struct {
	URL       string
	Timeout   time.Duration
	RateLimit float64 // requests per second; 0 disables limiting
}

// HTTPConverter posts the document as multipart field "file" and reads
// markdown_content from a 200 JSON response.
type HTTPConverter struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

type convertResponse struct {
	MarkdownContent *string `json:"markdown_content"`
}

// NewHTTPConverter creates a converter client for the service at cfg.URL
func NewHTTPConverter(cfg Config) *HTTPConverter {
	c := &HTTPConverter{
		url:        cfg.URL,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Convert sends content to the converter service. Timeouts and unreachable
// service map to service_unavailable; bad responses to conversion_failed.
func (c *HTTPConverter) Convert(ctx context.Context, filename string, content []byte) (string, error) {
	const op = "convert"

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", pipeline.E(pipeline.KindServiceUnavailable, op, fmt.Errorf("%w: rate limiter: %v", pipeline.ErrTimeout, err))
		}
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", path.Base(filename))
	if err != nil {
		return "", pipeline.E(pipeline.KindConversionFailed, op, err)
	}
	if _, err := part.Write(content); err != nil {
		return "", pipeline.E(pipeline.KindConversionFailed, op, err)
	}
	if err := mw.Close(); err != nil {
		return "", pipeline.E(pipeline.KindConversionFailed, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", pipeline.E(pipeline.KindConversionFailed, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", pipeline.E(pipeline.KindServiceUnavailable, op, fmt.Errorf("%w after %s: %v", pipeline.ErrTimeout, c.timeout, err))
		}
		return "", pipeline.E(pipeline.KindServiceUnavailable, op, fmt.Errorf("converter unreachable: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", pipeline.E(pipeline.KindServiceUnavailable, op, fmt.Errorf("%w reading response: %v", pipeline.ErrTimeout, err))
		}
		return "", pipeline.E(pipeline.KindConversionFailed, op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", pipeline.Errorf(pipeline.KindConversionFailed, op,
			"converter returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var result convertResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", pipeline.E(pipeline.KindConversionFailed, op, fmt.Errorf("failed to decode response: %w", err))
	}
	if result.MarkdownContent == nil {
		return "", pipeline.Errorf(pipeline.KindConversionFailed, op, "response has no markdown_content")
	}
	return *result.MarkdownContent, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
