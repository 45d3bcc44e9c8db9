// ABOUTME: HTTP client for the reasoning agent's run endpoint
// ABOUTME: One request/response per user turn; non-2xx and malformed bodies are errors

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// RunPath is the agent endpoint that executes one turn.
const RunPath = "/api/agent/run"

// maxResponseBytes bounds how much of an agent response is read.
const maxResponseBytes = 8 << 20

// ErrMalformedResponse is returned when the agent answers 2xx with a body
// that is not valid JSON or lacks the response field.
var ErrMalformedResponse = errors.New("malformed agent response")

// Turn is one prior message sent to the agent as history.
type Turn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// RunRequest is the body of POST /api/agent/run.
type RunRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	History        []Turn `json:"history"`
}

// RunResponse is the agent's answer. Steps is never nil.
type RunResponse struct {
	Response string   `json:"response"`
	Steps    []string `json:"steps"`
}

// StatusError is returned when the agent answers with a non-2xx status.
// Detail carries the {"detail": ...} field when the body has one.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, e.Detail)
}

// Client calls a remote agent service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the agent at baseURL. A zero timeout means
// the call is bounded only by the caller's context.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "agent_client"),
	}
}

// Run sends one turn to the agent and returns its answer.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	body := *req
	if body.History == nil {
		body.History = []Turn{}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RunPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}

	c.logger.Debug("agent call finished",
		"conversation_id", req.ConversationID,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Detail: extractDetail(raw)}
	}

	var decoded struct {
		Response *string  `json:"response"`
		Steps    []string `json:"steps"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if decoded.Response == nil {
		return nil, fmt.Errorf("%w: missing response field", ErrMalformedResponse)
	}

	out := &RunResponse{Response: *decoded.Response, Steps: decoded.Steps}
	if out.Steps == nil {
		out.Steps = []string{}
	}
	return out, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Detail: extractDetail(raw)}
	}
	return nil
}

// extractDetail pulls the FastAPI-style "detail" field out of an error body.
// String details are returned as is; structured ones as compact JSON.
func extractDetail(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body.Detail); err != nil {
		return string(body.Detail)
	}
	return buf.String()
}
