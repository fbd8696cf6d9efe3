package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxBodyPreview is how much of a fetched body is returned to the caller.
const MaxBodyPreview = 1024

// StatusError is returned when the server answers with a 4xx or 5xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.StatusCode >= 500 {
		return fmt.Sprintf("http request to %s returned 5xx server error: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("http request to %s returned 4xx client error: %s", e.URL, e.Status)
}

// Response is the outcome of Fetch.
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Download is the outcome of Download.
type Download struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Client issues the HTTP requests made by the http.fetch and model download
// tasks. Requests are traced through otelhttp.
type Client struct {
	client *http.Client
}

// NewClient creates a Client whose requests for Fetch time out after timeout.
// Downloads are bounded only by their context.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch performs a single request and returns the status with the first
// MaxBodyPreview bytes of the body.
func (c *Client) Fetch(ctx context.Context, method, url string) (Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create http request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyPreview))
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("reading response body from %s: %w", url, err)
	}
	out := Response{Status: resp.StatusCode, Body: string(body)}
	if resp.StatusCode >= 400 {
		return out, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return out, nil
}

// Download streams url into dest. The body is written to dest+".tmp" first
// and renamed once complete, so dest never holds a partial file.
func (c *Client) Download(ctx context.Context, url, dest string) (Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Download{}, fmt.Errorf("failed to create http request: %w", err)
	}

	// The fetch timeout would cut large archives short.
	client := &http.Client{Transport: c.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return Download{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Download{}, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Download{}, fmt.Errorf("creating download dir: %w", err)
	}
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Download{}, fmt.Errorf("creating temp file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return Download{}, fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return Download{}, fmt.Errorf("renaming temp file: %w", err)
	}
	return Download{Path: dest, Bytes: n}, nil
}
