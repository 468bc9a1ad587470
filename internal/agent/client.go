package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ActionListWorkflows   = "list_workflows"
	ActionExecuteWorkflow = "execute_workflow"
)

// Response is the remote agent API reply to one action.
type Response struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMs int64           `json:"-"`
}

// Client invokes an action on the remote agent API.
type Client interface {
	Invoke(ctx context.Context, action string, payload any) (Response, error)
}

// HTTPClient calls an agent gateway endpoint with a JSON body of
// {"action": ..., "payload": ...}.
type HTTPClient struct {
	URL     string
	APIKey  string
	Project string
	HTTP    *http.Client
}

type invokeRequest struct {
	Action  string `json:"action"`
	Project string `json:"project,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func (c *HTTPClient) Invoke(ctx context.Context, action string, payload any) (Response, error) {
	if c.URL == "" {
		return Response{}, errors.New("agent endpoint is not configured")
	}
	body, err := json.Marshal(invokeRequest{Action: action, Project: c.Project, Payload: payload})
	if err != nil {
		return Response{}, fmt.Errorf("encode agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Response{LatencyMs: time.Since(start).Milliseconds()}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Response{LatencyMs: latency}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Response{LatencyMs: latency}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{LatencyMs: latency}, fmt.Errorf("invalid agent response: %w", err)
	}
	out.LatencyMs = latency
	return out, nil
}
