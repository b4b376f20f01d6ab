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
	"time"

	"github.com/tendant/pet-image-sync/pkg/pipeline"
)

// ErrNotFound is returned when the server answers 404
var ErrNotFound = errors.New("not found")

// APIError is a non-success response from the server
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is match ErrNotFound on a 404
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is an HTTP client for the pet image sync admin API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new admin client
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a new admin client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// StartJob starts a sync job and returns its id
func (c *Client) StartJob(ctx context.Context, req pipeline.StartJobRequest) (*pipeline.StartJobResponse, error) {
	var resp pipeline.StartJobResponse
	if err := c.do(ctx, http.MethodPost, "/admin/sync-jobs", req, http.StatusAccepted, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob returns the status of a sync job
func (c *Client) GetJob(ctx context.Context, jobID string) (*pipeline.JobStatusResponse, error) {
	var resp pipeline.JobStatusResponse
	if err := c.do(ctx, http.MethodGet, "/admin/sync-jobs/"+url.PathEscape(jobID), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForJob polls until the job is completed or failed
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (*pipeline.JobStatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status == "completed" || job.Status == "failed" {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetReadiness returns the current readiness snapshot
func (c *Client) GetReadiness(ctx context.Context) (*pipeline.ReadinessResponse, error) {
	var resp pipeline.ReadinessResponse
	if err := c.do(ctx, http.MethodGet, "/admin/readiness", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecomputeReadiness recomputes and returns the readiness snapshot
func (c *Client) RecomputeReadiness(ctx context.Context) (*pipeline.ReadinessResponse, error) {
	var resp pipeline.ReadinessResponse
	if err := c.do(ctx, http.MethodPost, "/admin/readiness/recompute", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reconcile runs an integrity check
func (c *Client) Reconcile(ctx context.Context, req pipeline.ReconcileRequest) (*pipeline.ReconcileResponse, error) {
	var resp pipeline.ReconcileResponse
	if err := c.do(ctx, http.MethodPost, "/admin/reconcile", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
