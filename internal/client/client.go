// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is a thin HTTP client for the flowd API, used by the
// CLI commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flowd-io/flowd/internal/store"
)

// Client talks to a flowd server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SubmitOptions describes one run submission.
type SubmitOptions struct {
	WorkflowURL         string
	WorkflowType        string
	WorkflowTypeVersion string
	Params              map[string]any
	EngineParameters    map[string]string
	Tags                map[string]string

	// AttachmentPaths are local files uploaded as workflow attachments,
	// staged under their base names.
	AttachmentPaths []string
}

// SubmitResponse is the acceptance payload for a run submission.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// Submit uploads a run submission as a multipart form.
func (c *Client) Submit(ctx context.Context, opts SubmitOptions) (*SubmitResponse, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	fields := map[string]string{
		"workflow_url":          opts.WorkflowURL,
		"workflow_type":         opts.WorkflowType,
		"workflow_type_version": opts.WorkflowTypeVersion,
	}
	if opts.Params != nil {
		data, err := json.Marshal(opts.Params)
		if err != nil {
			return nil, fmt.Errorf("client: encoding workflow_params: %w", err)
		}
		fields["workflow_params"] = string(data)
	}
	if opts.EngineParameters != nil {
		data, err := json.Marshal(opts.EngineParameters)
		if err != nil {
			return nil, fmt.Errorf("client: encoding workflow_engine_parameters: %w", err)
		}
		fields["workflow_engine_parameters"] = string(data)
	}
	if opts.Tags != nil {
		data, err := json.Marshal(opts.Tags)
		if err != nil {
			return nil, fmt.Errorf("client: encoding tags: %w", err)
		}
		fields["tags"] = string(data)
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := form.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("client: writing field %s: %w", name, err)
		}
	}

	for _, path := range opts.AttachmentPaths {
		if err := attachFile(form, path); err != nil {
			return nil, err
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("client: finalizing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out SubmitResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// attachFile adds one local file as a workflow_attachment part.
func attachFile(form *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("client: opening attachment: %w", err)
	}
	defer f.Close()

	part, err := form.CreateFormFile("workflow_attachment", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("client: creating attachment part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("client: copying attachment %s: %w", path, err)
	}
	return nil
}

// RunSummary is a list entry.
type RunSummary struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// ListResponse is the run listing payload.
type ListResponse struct {
	Runs []RunSummary `json:"runs"`
}

// List fetches run summaries.
func (c *Client) List(ctx context.Context, state string, pageSize int) (*ListResponse, error) {
	url := c.baseURL + "/v1/runs"
	sep := "?"
	if state != "" {
		url += sep + "state=" + state
		sep = "&"
	}
	if pageSize > 0 {
		url += fmt.Sprintf("%spage_size=%d", sep, pageSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var out ListResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunLog is the full run record payload.
type RunLog struct {
	RunID    string          `json:"run_id"`
	State    string          `json:"state"`
	Request  store.Request   `json:"request"`
	RunLog   store.RunLog    `json:"run_log"`
	TaskLogs []store.TaskLog `json:"task_logs"`
	Outputs  map[string]any  `json:"outputs"`
}

// Get fetches the full run record.
func (c *Client) Get(ctx context.Context, runID string) (*RunLog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID, nil)
	if err != nil {
		return nil, err
	}
	var out RunLog
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the run's state only.
func (c *Client) Status(ctx context.Context, runID string) (*RunSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID+"/status", nil)
	if err != nil {
		return nil, err
	}
	var out RunSummary
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests run termination.
func (c *Client) Cancel(ctx context.Context, runID string) (*RunSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs/"+runID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	var out RunSummary
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs streams a captured output artifact (stdout or stderr) to w.
func (c *Client) Logs(ctx context.Context, runID, artifact string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/runs/"+runID+"/"+artifact, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// ServiceInfo fetches the service capability document.
func (c *Client) ServiceInfo(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/service-info", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do executes the request and decodes a JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError decodes the server's error payload into a Go error.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Msg)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
