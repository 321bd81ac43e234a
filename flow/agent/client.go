package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 60 * time.Second

// Client dispatches tasks to remote agents. Transport and agent errors
// propagate to the caller unchanged; nothing is retried here, retry
// policy belongs to the workflow step that issued the task.
type Client struct {
	registry   *Registry
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithLogger attaches a logger for dispatch tracing.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// NewClient builds a client over the given registry.
func NewClient(registry *Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:   registry,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute sends one task to the named agent and decodes the response
// envelope. Re-sending a request with the same task id resumes an
// interrupted run on the agent side.
func (c *Client) Execute(ctx context.Context, agentName string, req TaskRequest) (*TaskResponse, error) {
	endpoint, err := c.registry.Endpoint(agentName)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal task request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.Debug().
		Str("agent", agentName).
		Str("task_id", req.ID).
		Str("endpoint", endpoint).
		Msg("dispatching task")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent %s returned status %d: %s", agentName, resp.StatusCode, truncateBody(respBody))
	}

	var taskResp TaskResponse
	if err := json.Unmarshal(respBody, &taskResp); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}

	c.log.Debug().
		Str("agent", agentName).
		Str("task_id", req.ID).
		Str("status", taskResp.Status).
		Int("artifacts", len(taskResp.Artifacts)).
		Msg("task returned")

	return &taskResp, nil
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
