package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AuthStyle selects how credentials are attached to provider requests.
type AuthStyle int

const (
	// AuthAPIKey sends the key in the Authorization header as a bearer value.
	AuthAPIKey AuthStyle = iota
	// AuthOAuth resolves a short-lived access token per request.
	AuthOAuth
)

// TokenSource supplies OAuth access tokens for AuthOAuth clients.
type TokenSource func(ctx context.Context) (string, error)

// HTTPClient streams chat completions from an OpenAI-compatible endpoint.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	authStyle   AuthStyle
	tokenSource TokenSource
	client      *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithOAuth switches the client to OAuth token authentication.
func WithOAuth(source TokenSource) Option {
	return func(c *HTTPClient) {
		c.authStyle = AuthOAuth
		c.tokenSource = source
	}
}

// WithHTTPClient overrides the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.client = hc }
}

// NewHTTPClient creates a streaming client for baseURL (e.g. ".../v1").
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// wire types for the chat completions endpoint

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream implements Client.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	switch c.authStyle {
	case AuthOAuth:
		token, err := c.tokenSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve oauth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("rate limited: %s", strings.TrimSpace(string(payload)))
		}
		return nil, fmt.Errorf("llm request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	events := make(chan StreamEvent, 32)
	go c.consume(ctx, resp.Body, events)
	return events, nil
}

func (c *HTTPClient) buildBody(req Request) ([]byte, error) {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, wm)
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var wt wireTool
			wt.Type = "function"
			wt.Function.Name = t.Name
			wt.Function.Description = t.Description
			wt.Function.Parameters = t.Parameters
			tools = append(tools, wt)
		}
		payload["tools"] = tools
	}
	for k, v := range req.Options {
		payload[k] = v
	}
	return json.Marshal(payload)
}

// consume parses the SSE body into stream events. Tool-call ids arrive on the
// first fragment per index; later fragments carry only the index, so ids are
// tracked per index for the lifetime of the stream.
func (c *HTTPClient) consume(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	idByIndex := make(map[int]string)
	openCalls := make(map[string]string) // id → name, for synthesizing end events
	sawDone := false

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finishCalls := func() {
		for id, name := range openCalls {
			if !emit(StreamEvent{Type: EventToolCallEnd, ToolCallID: id, ToolCallName: name}) {
				return
			}
			delete(openCalls, id)
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(StreamEvent{Type: EventError, Err: fmt.Errorf("%w: bad chunk: %v", ErrInvalidResponseStream, err)})
			return
		}
		if chunk.Error != nil {
			emit(StreamEvent{Type: EventError, Err: fmt.Errorf("provider error: %s: %s", chunk.Error.Type, chunk.Error.Message)})
			return
		}
		if chunk.Usage != nil {
			emit(StreamEvent{Type: EventUsage, Usage: &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			if !emit(StreamEvent{Type: EventThinkingDelta, Text: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !emit(StreamEvent{Type: EventTextDelta, Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			id := tc.ID
			if id == "" {
				id = idByIndex[tc.Index]
			} else {
				idByIndex[tc.Index] = id
			}
			if id == "" {
				continue
			}
			if tc.Function.Name != "" {
				if _, started := openCalls[id]; !started {
					openCalls[id] = tc.Function.Name
					if !emit(StreamEvent{Type: EventToolCallStart, ToolCallID: id, ToolCallName: tc.Function.Name}) {
						return
					}
				}
			}
			if tc.Function.Arguments != "" {
				if !emit(StreamEvent{Type: EventToolCallDelta, ToolCallID: id, ArgsDelta: tc.Function.Arguments}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamEvent{Type: EventError, Err: fmt.Errorf("%w: %v", ErrInvalidResponseStream, err)})
		return
	}
	if !sawDone {
		if ctx.Err() != nil {
			emit(StreamEvent{Type: EventError, Err: ctx.Err()})
			return
		}
		emit(StreamEvent{Type: EventError, Err: fmt.Errorf("%w: stream ended without [DONE]", ErrInvalidResponseStream)})
		return
	}

	finishCalls()
	emit(StreamEvent{Type: EventDone})
}
