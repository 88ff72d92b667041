package redlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Redline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Orchestrator represents the API orchestrator model (partial).
type Orchestrator struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Targets []string `json:"targets"`
	Enabled bool     `json:"enabled"`
}

// Execution represents one run of an orchestrator.
type Execution struct {
	ID             string  `json:"id"`
	OrchestratorID string  `json:"orchestrator_id"`
	Status         string  `json:"status"`
	Total          int     `json:"total"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Error          string  `json:"error,omitempty"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// Piece represents one prompt/response record.
type Piece struct {
	ID              string            `json:"id"`
	ExecutionID     string            `json:"execution_id"`
	ConversationID  string            `json:"conversation_id"`
	Sequence        int               `json:"sequence"`
	OriginalPrompt  string            `json:"original_prompt"`
	ConvertedPrompt string            `json:"converted_prompt"`
	Response        *string           `json:"response,omitempty"`
	RetryCount      int               `json:"retry_count"`
	Error           *string           `json:"error,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedPieces wraps piece listings with cursors.
type PaginatedPieces struct {
	Items      []Piece `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateOrchestrator registers an orchestrator from a raw config map. The map
// mirrors the create-orchestrator request body.
func (c *Client) CreateOrchestrator(ctx context.Context, body map[string]any) (Orchestrator, error) {
	var resp Orchestrator
	err := c.do(ctx, http.MethodPost, "orchestrators", body, &resp)
	return resp, err
}

// GetOrchestrator fetches an orchestrator by id.
func (c *Client) GetOrchestrator(ctx context.Context, id string) (Orchestrator, error) {
	var resp Orchestrator
	err := c.do(ctx, http.MethodGet, "orchestrators/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Start launches an execution and returns it in pending or running state.
func (c *Client) Start(ctx context.Context, orchestratorID string, labels map[string]string) (Execution, error) {
	body := map[string]any{}
	if len(labels) > 0 {
		body["labels"] = labels
	}
	var resp Execution
	endpoint := fmt.Sprintf("orchestrators/%s/executions", url.PathEscape(orchestratorID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Execution fetches current status and counters.
func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Wait polls an execution until it reaches a terminal status.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Execution, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		exec, err := c.Execution(ctx, id)
		if err != nil {
			return Execution{}, err
		}
		switch exec.Status {
		case "completed", "failed", "cancelled":
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Pause suspends a running execution.
func (c *Client) Pause(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("executions/%s/pause", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Resume continues a paused execution.
func (c *Client) Resume(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("executions/%s/resume", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Stop halts an execution. With force, in-flight calls are abandoned.
func (c *Client) Stop(ctx context.Context, id string, force bool) (Execution, error) {
	var resp Execution
	endpoint := fmt.Sprintf("executions/%s/stop", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"force": force}, &resp)
	return resp, err
}

// Pieces returns one page of the execution's audit trail.
func (c *Client) Pieces(ctx context.Context, executionID string, limit int, cursor string) (PaginatedPieces, error) {
	endpoint := fmt.Sprintf("executions/%s/pieces", url.PathEscape(executionID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedPieces
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Export downloads an execution's results in the given format.
func (c *Client) Export(ctx context.Context, executionID, format string, w io.Writer) error {
	endpoint := fmt.Sprintf("executions/%s/export?format=%s", url.PathEscape(executionID), url.QueryEscape(format))
	resp, err := c.raw(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.raw(ctx, method, endpoint, body)
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

func (c *Client) raw(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return c.HTTPClient.Do(req)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
