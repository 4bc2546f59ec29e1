package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"appforge/pkg/domain"
)

// Keep-alive sentinel the upstream uses to hold the connection open. Frames of
// this kind are neither relayed nor persisted.
const KindKeepAlive = "keep_alive"

// Upstream stream statuses.
const (
	StatusRunning = "running"
	StatusIdle    = "idle"
)

// Request is the upstream message body.
type Request struct {
	AllMessages   []domain.ChatMessage `json:"allMessages"`
	ApplicationID string               `json:"applicationId"`
	TraceID       string               `json:"traceId"`
	Settings      map[string]any       `json:"settings,omitempty"`
}

// FramePayload is one decoded upstream SSE data payload.
type FramePayload struct {
	Status  string       `json:"status"`
	TraceID string       `json:"traceId"`
	Message FrameMessage `json:"message"`
}

// FrameMessage is the message body inside a frame. Content is kept raw because
// the upstream sends either a bare string or typed content blocks.
type FrameMessage struct {
	Role          string          `json:"role"`
	Kind          string          `json:"kind"`
	Content       json.RawMessage `json:"content"`
	AgentState    json.RawMessage `json:"agentState,omitempty"`
	UnifiedDiff   string          `json:"unifiedDiff,omitempty"`
	AppName       string          `json:"app_name,omitempty"`
	CommitMessage string          `json:"commit_message,omitempty"`
}

// APIError carries an upstream error response verbatim so the caller can
// forward status and payload without masking.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream agent: status %d: %s", e.Status, e.Body)
}

// Client calls the upstream agent process over HTTP.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient constructs an agent client. The HTTP client carries no overall
// timeout: builds stream for as long as the caller's context stays alive.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{},
	}
}

// StreamMessage issues the build request and returns the raw SSE body. A
// non-2xx response is returned as *APIError; there is no automatic retry.
// The caller owns closing the body.
func (c *Client) StreamMessage(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call agent: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, &APIError{Status: resp.StatusCode, Body: string(payload)}
	}
	return resp.Body, nil
}
