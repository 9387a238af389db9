// Package agent runs the bounded generate/execute loop that turns a task
// instruction into final text. The loop is stateless between runs; execution
// records are owned by the caller.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/groupherald/herald/llm"
	"github.com/groupherald/herald/observe"
	"github.com/groupherald/herald/tools"
	"github.com/groupherald/herald/types"
)

const defaultMaxRounds = 10

type Agent struct {
	provider        llm.Provider
	registry        *tools.Registry
	systemPrompt    string
	maxRounds       int
	maxOutputTokens int
	retryPolicy     RetryPolicy
	toolTimeout     time.Duration
	parallelTools   bool
	observer        observe.Sink
}

type Option func(*Agent)

func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

func WithMaxRounds(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxRounds = max
		}
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxOutputTokens = max
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(a *Agent) {
		a.retryPolicy = normalizeRetryPolicy(policy)
	}
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout >= 0 {
			a.toolTimeout = timeout
		}
	}
}

func WithParallelToolCalls(enabled bool) Option {
	return func(a *Agent) { a.parallelTools = enabled }
}

func WithObserver(observer observe.Sink) Option {
	return func(a *Agent) {
		if observer != nil {
			a.observer = observer
		}
	}
}

func New(provider llm.Provider, registry *tools.Registry, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}

	a := &Agent{
		provider:    provider,
		registry:    registry,
		maxRounds:   defaultMaxRounds,
		retryPolicy: defaultRetryPolicy(),
		observer:    observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.retryPolicy = normalizeRetryPolicy(a.retryPolicy)
	return a, nil
}

// Run drives the loop until the model answers without requesting tools, the
// round cap is hit, or the provider fails. Hitting the cap is not an error:
// the best text produced so far comes back with Truncated set, so a long
// tool-heavy run still yields a deliverable digest.
func (a *Agent) Run(ctx context.Context, sessionID, input string) (types.RunResult, error) {
	if input == "" {
		return types.RunResult{}, errors.New("input is required")
	}

	startedAt := time.Now().UTC()
	messages := []types.Message{
		{Role: types.RoleUser, Content: input},
	}
	usage := &types.Usage{}
	hasUsage := false
	var toolsCalled []string
	lastText := ""

	for round := 1; round <= a.maxRounds; round++ {
		req := types.Request{
			SystemPrompt:    a.systemPrompt,
			Messages:        messages,
			Tools:           a.registry.Definitions(),
			MaxOutputTokens: a.maxOutputTokens,
		}

		genStarted := time.Now().UTC()
		resp, err := a.generateWithRetry(ctx, req)
		a.emit(ctx, observe.Event{
			Kind:       observe.KindProvider,
			Status:     statusFor(err),
			SessionID:  sessionID,
			Provider:   a.provider.Name(),
			Name:       fmt.Sprintf("round %d", round),
			Error:      errText(err),
			DurationMs: time.Since(genStarted).Milliseconds(),
		})
		if err != nil {
			return types.RunResult{}, fmt.Errorf("generation failed: %w", err)
		}

		if resp.Usage != nil {
			usage.InputTokens += resp.Usage.InputTokens
			usage.OutputTokens += resp.Usage.OutputTokens
			usage.TotalTokens += resp.Usage.TotalTokens
			hasUsage = true
		}

		modelMsg := resp.Message
		modelMsg.Role = types.RoleAssistant
		messages = append(messages, modelMsg)
		if modelMsg.Content != "" {
			lastText = modelMsg.Content
		}

		if len(modelMsg.ToolCalls) == 0 {
			if modelMsg.Content == "" {
				return types.RunResult{}, errors.New("provider returned empty assistant content")
			}
			completedAt := time.Now().UTC()
			return types.RunResult{
				Output:      modelMsg.Content,
				Messages:    messages,
				Usage:       usageOrNil(usage, hasUsage),
				Rounds:      round,
				ToolsCalled: toolsCalled,
				Provider:    a.provider.Name(),
				StartedAt:   &startedAt,
				CompletedAt: &completedAt,
			}, nil
		}

		toolMessages := a.executeToolCalls(ctx, sessionID, modelMsg.ToolCalls)
		messages = append(messages, toolMessages...)
		for _, call := range modelMsg.ToolCalls {
			toolsCalled = append(toolsCalled, call.Name)
		}
	}

	// Round cap reached with tools still being requested. Degrade gracefully:
	// return whatever text the model has produced so far.
	completedAt := time.Now().UTC()
	output := lastText
	if output == "" {
		output = fmt.Sprintf("run stopped after %d rounds without a final answer", a.maxRounds)
	}
	return types.RunResult{
		Output:      output,
		Messages:    messages,
		Usage:       usageOrNil(usage, hasUsage),
		Rounds:      a.maxRounds,
		Truncated:   true,
		ToolsCalled: toolsCalled,
		Provider:    a.provider.Name(),
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
	}, nil
}

func (a *Agent) generateWithRetry(ctx context.Context, req types.Request) (types.Response, error) {
	policy := a.retryPolicy

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := a.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		case <-time.After(policy.backoffForAttempt(attempt)):
		}
	}

	return types.Response{}, fmt.Errorf("provider %q failed after %d attempt(s): %w", a.provider.Name(), policy.MaxAttempts, lastErr)
}

// executeToolCalls runs every requested call and always produces one tool
// message per call. A failing tool is reported back to the model as an error
// payload so the conversation can continue; it never aborts the run.
func (a *Agent) executeToolCalls(ctx context.Context, sessionID string, calls []types.ToolCall) []types.Message {
	results := make([]types.Message, len(calls))

	if a.parallelTools && len(calls) > 1 {
		var wg sync.WaitGroup
		wg.Add(len(calls))
		for i, call := range calls {
			go func(i int, call types.ToolCall) {
				defer wg.Done()
				results[i] = a.executeOneToolCall(ctx, sessionID, call)
			}(i, call)
		}
		wg.Wait()
		return results
	}

	for i, call := range calls {
		results[i] = a.executeOneToolCall(ctx, sessionID, call)
	}
	return results
}

func (a *Agent) executeOneToolCall(ctx context.Context, sessionID string, call types.ToolCall) types.Message {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	toolCtx := ctx
	cancel := func() {}
	if a.toolTimeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
	}
	startedAt := time.Now().UTC()
	out, err := a.registry.Invoke(toolCtx, call.Name, args)
	cancel()

	a.emit(ctx, observe.Event{
		Kind:       observe.KindTool,
		Status:     statusFor(err),
		SessionID:  sessionID,
		ToolName:   call.Name,
		Error:      errText(err),
		DurationMs: time.Since(startedAt).Milliseconds(),
	})

	var payload any
	if err != nil {
		payload = map[string]any{"error": err.Error()}
	} else {
		payload = out
	}
	encoded, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		encoded = []byte(fmt.Sprintf(`{"error":"failed to encode tool output","detail":%q}`, marshalErr.Error()))
	}

	return types.Message{
		Role:       types.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(encoded),
	}
}

func (a *Agent) emit(ctx context.Context, event observe.Event) {
	if a == nil || a.observer == nil {
		return
	}
	event.Normalize()
	_ = a.observer.Emit(ctx, event)
}

func statusFor(err error) observe.Status {
	if err != nil {
		return observe.StatusFailed
	}
	return observe.StatusCompleted
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func usageOrNil(usage *types.Usage, hasUsage bool) *types.Usage {
	if !hasUsage || usage == nil {
		return nil
	}
	out := *usage
	return &out
}
