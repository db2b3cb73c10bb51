// Package client is a thin HTTP client for the converge management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/converge/internal/task"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Submission is the body of POST /api/tasks.
type Submission struct {
	task.Request
	Source         string `json:"source,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SubmitResult mirrors the server's {task, deduped} answer.
type SubmitResult struct {
	Task    *task.Task `json:"task"`
	Deduped bool       `json:"deduped"`
}

// Page is one page of GET /api/tasks.
type Page struct {
	Items    []*task.Task `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	HasNext  bool         `json:"has_next"`
}

// ListOptions filters GET /api/tasks. Zero values are omitted.
type ListOptions struct {
	Status    string
	ProjectID string
	Page      int
	PageSize  int
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Submit(ctx context.Context, s Submission) (*SubmitResult, error) {
	var out SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/tasks", s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Task(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Lookup returns the task created by an earlier submission with the same
// source and idempotency key.
func (c *Client) Lookup(ctx context.Context, source, idempotencyKey string) (*task.Task, error) {
	q := url.Values{}
	q.Set("source", source)
	q.Set("idempotency_key", idempotencyKey)
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/lookup?"+q.Encode(), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) List(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.ProjectID != "" {
		q.Set("project_id", opts.ProjectID)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var p Page
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Questions(ctx context.Context, id string) ([]string, error) {
	var out struct {
		Questions []string `json:"questions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/questions", nil, &out); err != nil {
		return nil, err
	}
	return out.Questions, nil
}

func (c *Client) Resolve(ctx context.Context, id string, resolution map[string]any) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/resolve", resolution, nil)
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) Followup(ctx context.Context, id, instruction string) (*task.Task, error) {
	var out SubmitResult
	body := map[string]any{"instruction": instruction}
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/followup", body, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

func (c *Client) Projects(ctx context.Context) ([]*task.Project, error) {
	var out []*task.Project
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
