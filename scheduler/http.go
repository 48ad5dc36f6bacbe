// Package scheduler provides the HTTP client for the external cluster
// scheduler. The scheduler itself runs elsewhere; this client implements
// the coordinator's Scheduler contract against its JSON API.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jmorlock/disco/coordinator"
)

// Client posts job registrations and task submissions to a scheduler base
// URL. Safe for concurrent use by many coordinators.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a scheduler client for the given base URL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("scheduler: invalid base url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: u.String(), http: httpClient}, nil
}

type newJobRequest struct {
	JobName string `json:"job_name"`
}

// NewJob registers a job with the scheduler. The coordinator handle is
// process-local; the scheduler reaches it back through the master's
// results endpoint, so only the job name goes over the wire.
func (c *Client) NewJob(ctx context.Context, jobName string, _ *coordinator.Coordinator) error {
	return c.post(ctx, "/scheduler/jobs", newJobRequest{JobName: jobName})
}

// NewTask admits one task run for execution.
func (c *Client) NewTask(ctx context.Context, sub *coordinator.Submission) error {
	return c.post(ctx, "/scheduler/tasks", sub)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("scheduler: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("scheduler: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("scheduler: %s %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

var _ coordinator.Scheduler = (*Client)(nil)
