package taskrelaysdk

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
)

// Client is a minimal taskrelay HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Event is an event to send. ID is the idempotency key; the server generates
// one when empty.
type Event struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
	TS   *time.Time     `json:"ts,omitempty"`
}

type SendResult struct {
	EventID   string   `json:"event_id"`
	RunIDs    []string `json:"run_ids"`
	Duplicate bool     `json:"duplicate"`
}

// Step is one memoized step of a run.
type Step struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Output      any        `json:"output,omitempty"`
	WakeAt      *time.Time `json:"wake_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Run represents a workflow run.
type Run struct {
	ID          string     `json:"id"`
	FunctionID  string     `json:"function_id"`
	EventID     string     `json:"event_id"`
	Status      string     `json:"status"`
	Step        string     `json:"step,omitempty"`
	Attempt     int        `json:"attempt"`
	WakeAt      *time.Time `json:"wake_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Steps       []Step     `json:"steps,omitempty"`
}

type RunFilter struct {
	Status     string
	FunctionID string
	EventID    string
	Limit      int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendEvent records an event and returns the runs it queued.
func (c *Client) SendEvent(ctx context.Context, evt Event) (SendResult, error) {
	var resp SendResult
	err := c.do(ctx, http.MethodPost, "v0/events", evt, &resp)
	return resp, err
}

// TaskAssigned sends the app/task.assigned trigger for a task.
func (c *Client) TaskAssigned(ctx context.Context, id, taskID, origin string) (SendResult, error) {
	return c.SendEvent(ctx, Event{
		ID:   id,
		Name: "app/task.assigned",
		Data: map[string]any{"taskId": taskID, "origin": origin},
	})
}

func (c *Client) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.FunctionID != "" {
		q.Set("function_id", f.FunctionID)
	}
	if f.EventID != "" {
		q.Set("event_id", f.EventID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "v0/runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetRun fetches a run with its steps.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
