// Package anthropic speaks the Messages API over plain HTTP. The wire types
// cover only what the digest agent exchanges: text turns, tool_use calls, and
// string tool_result payloads. Tool arguments stay raw JSON end to end.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/groupherald/herald/llm"
	"github.com/groupherald/herald/types"
)

const (
	defaultModel     = "claude-3-5-sonnet-latest"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 2048
	defaultBaseURL   = "https://api.anthropic.com"
)

var emptyArgs = json.RawMessage(`{}`)

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Tools:            true,
		Streaming:        false,
		StructuredOutput: true,
	}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	body, err := c.post(ctx, buildRequest(c.model, req))
	if err != nil {
		return types.Response{}, err
	}

	var decoded wireResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return types.Response{}, fmt.Errorf("failed to decode anthropic response: %w", err)
	}
	return decoded.toResponse(), nil
}

func (c *Client) post(ctx context.Context, payload wireRequest) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read anthropic response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func apiError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Type != "" {
		return fmt.Errorf("anthropic API error (%d): %s: %s", status, envelope.Error.Type, envelope.Error.Message)
	}
	return fmt.Errorf("anthropic API error (%d): %s", status, strings.TrimSpace(string(body)))
}

func buildRequest(model string, req types.Request) wireRequest {
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := wireRequest{
		Model:     model,
		System:    req.SystemPrompt,
		MaxTokens: maxTokens,
		Messages:  make([]wireMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleUser:
			payload.Messages = append(payload.Messages, wireMessage{
				Role:    "user",
				Content: []wireBlock{{Type: "text", Text: m.Content}},
			})
		case types.RoleAssistant:
			if msg, ok := assistantMessage(m); ok {
				payload.Messages = append(payload.Messages, msg)
			}
		case types.RoleTool:
			// Tool results travel back as user-role tool_result blocks keyed
			// to the call that produced them.
			payload.Messages = append(payload.Messages, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		}
	}

	if len(req.Tools) > 0 {
		payload.ToolChoice = &wireToolChoice{Type: "auto"}
		payload.Tools = make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.JSONSchema
			if len(schema) == 0 {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			payload.Tools = append(payload.Tools, wireTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}
	return payload
}

func assistantMessage(m types.Message) (wireMessage, bool) {
	blocks := make([]wireBlock, 0, len(m.ToolCalls)+1)
	if m.Content != "" {
		blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, wireBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: rawOrEmpty(tc.Arguments),
		})
	}
	if len(blocks) == 0 {
		return wireMessage{}, false
	}
	return wireMessage{Role: "assistant", Content: blocks}, true
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyArgs
	}
	return raw
}

type wireRequest struct {
	Model      string          `json:"model"`
	System     string          `json:"system,omitempty"`
	MaxTokens  int             `json:"max_tokens"`
	Messages   []wireMessage   `json:"messages"`
	Tools      []wireTool      `json:"tools,omitempty"`
	ToolChoice *wireToolChoice `json:"tool_choice,omitempty"`
}

type wireToolChoice struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireResponse struct {
	Content []wireBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r wireResponse) toResponse() types.Response {
	msg := types.Message{Role: types.RoleAssistant}
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: rawOrEmpty(block.Input),
			})
		}
	}
	msg.Content = strings.TrimSpace(msg.Content)

	out := types.Response{Message: msg}
	if r.Usage.InputTokens > 0 || r.Usage.OutputTokens > 0 {
		out.Usage = &types.Usage{
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
			TotalTokens:  r.Usage.InputTokens + r.Usage.OutputTokens,
		}
	}
	return out
}
