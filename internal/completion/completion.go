// Package completion is a client for OpenAI-compatible chat completion
// endpoints with tool calling.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/observability"
	"clinic-scheduler/internal/reliability"
)

var ErrNoChoices = errors.New("completion: response has no choices")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	maxAttempts = 3
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Decode unmarshals the call arguments into v. Empty arguments decode as {}.
func (c ToolCall) Decode(v any) error {
	args := strings.TrimSpace(c.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("tool %s arguments: %w", c.Function.Name, err)
	}
	return nil
}

type Tool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Function builds a function tool from a JSON schema string.
func Function(name, description, schema string) Tool {
	if schema == "" {
		schema = `{"type":"object","properties":{}}`
	}
	return Tool{Type: "function", Function: ToolDefinition{Name: name, Description: description, Parameters: json.RawMessage(schema)}}
}

type Request struct {
	Messages    []Message
	Tools       []Tool
	Temperature *float64
}

// Response carries the first choice: either text, tool calls, or both.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Message   Message
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(v float64) *float64 { return &v }

type Client struct {
	base    string
	key     string
	model   string
	http    *http.Client
	metrics *observability.Metrics
	backoff time.Duration
}

// New creates a client for baseURL, e.g. https://api.groq.com/openai/v1.
func New(baseURL, apiKey, model string, timeout time.Duration, m *observability.Metrics) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		key:     apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
		backoff: 500 * time.Millisecond,
	}
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one non-streaming request. Rate limits and 5xx answers
// are retried with backoff.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	wire := wireRequest{Model: c.model, Messages: req.Messages, Temperature: req.Temperature}
	if len(req.Tools) > 0 {
		wire.Tools = req.Tools
		wire.ToolChoice = "auto"
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("completion: encode request: %w", err)
	}

	started := time.Now()
	defer func() { c.metrics.ObserveCompletion(float64(time.Since(started).Milliseconds())) }()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, c.backoff, 4*time.Second)):
			}
		}
		resp, code, err := c.send(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !reliability.IsRetryableHTTPStatus(code) && !reliability.IsTimeout(err) {
			break
		}
		appLog.Warn("completion retry", "attempt", attempt+1, "status", code, "err", err.Error())
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, body []byte) (*Response, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.key)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("completion: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("completion: read body: %w", err)
	}
	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil && httpResp.StatusCode == http.StatusOK {
		return nil, httpResp.StatusCode, fmt.Errorf("completion: decode: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if wr.Error != nil {
			msg = wr.Error.Message
		}
		return nil, httpResp.StatusCode, fmt.Errorf("completion: status %d: %s", httpResp.StatusCode, msg)
	}
	if len(wr.Choices) == 0 {
		return nil, httpResp.StatusCode, ErrNoChoices
	}
	msg := wr.Choices[0].Message
	return &Response{Content: strings.TrimSpace(msg.Content), ToolCalls: msg.ToolCalls, Message: msg}, httpResp.StatusCode, nil
}
