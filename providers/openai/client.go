// Package openai adapts the Chat Completions API to the provider interface.
// The wire types cover only what the digest agent exchanges: plain text
// turns, function tool calls, and string tool results.
package openai

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

const defaultModel = "gpt-4o-mini"

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
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		model:      defaultModel,
		baseURL:    "https://api.openai.com",
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "openai" }

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

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return types.Response{}, fmt.Errorf("failed to decode openai response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return types.Response{}, fmt.Errorf("openai response had no choices")
	}
	return decoded.toResponse(), nil
}

func (c *Client) post(ctx context.Context, payload chatRequest) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read openai response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func apiError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Errorf("openai API error (%d): %s", status, envelope.Error.Message)
	}
	return fmt.Errorf("openai API error (%d): %s", status, strings.TrimSpace(string(body)))
}

func buildRequest(model string, req types.Request) chatRequest {
	if req.Model != "" {
		model = req.Model
	}
	payload := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(req.Messages)+1),
	}
	if req.MaxOutputTokens > 0 {
		payload.MaxTokens = req.MaxOutputTokens
	}

	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleUser:
			payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: m.Content})
		case types.RoleAssistant:
			payload.Messages = append(payload.Messages, assistantMessage(m))
		case types.RoleTool:
			payload.Messages = append(payload.Messages, chatMessage{
				Role:       "tool",
				Name:       m.Name,
				ToolCallID: m.ToolCallID,
				Content:    m.Content,
			})
		}
	}

	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
		payload.Tools = make([]chatTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.JSONSchema
			if len(params) == 0 {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			payload.Tools = append(payload.Tools, chatTool{
				Type: "function",
				Function: chatToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
	}
	return payload
}

func assistantMessage(m types.Message) chatMessage {
	out := chatMessage{Role: "assistant", Content: m.Content}
	for _, tc := range m.ToolCalls {
		args := strings.TrimSpace(string(tc.Arguments))
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, chatToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: chatFunction{
				Name:      tc.Name,
				Arguments: args,
			},
		})
	}
	return out
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Tools      []chatTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
	MaxTokens  int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Name       string         `json:"name,omitempty"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		// Content is null for tool-call-only turns; json leaves it empty.
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (r chatResponse) toResponse() types.Response {
	msg := r.Choices[0].Message
	out := types.Message{Role: types.RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: toolArgs(tc.Function.Arguments),
		})
	}

	var usage *types.Usage
	if r.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			InputTokens:  r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
			TotalTokens:  r.Usage.TotalTokens,
		}
	}
	return types.Response{Message: out, Usage: usage}
}

// toolArgs keeps tool arguments a JSON object even when the model emits an
// empty or malformed argument string.
func toolArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return json.RawMessage(`{"raw":` + string(quoted) + `}`)
}
