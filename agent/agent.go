// Package agent produces the event streams that executions consume. An agent
// is any value whose Stream yields raw JSON events; LLMAgent is the built-in
// tool-calling loop over an llm.Provider.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/flowexec/llm"
	"github.com/PipeOpsHQ/flowexec/observe"
	"github.com/PipeOpsHQ/flowexec/tools"
	"github.com/PipeOpsHQ/flowexec/types"
)

var (
	ErrEmptyInput    = errors.New("agent input question is required")
	ErrMaxIterations = errors.New("agent reached max iterations")
	ErrEmptyResponse = errors.New("provider returned empty ai content")

	errStopped = errors.New("consumer stopped reading")
)

// Input is what an execution hands to an agent.
type Input struct {
	Question string
	History  []types.Message
	State    map[string]any
	ThreadID string
	RunID    string
}

// Agent yields events until the run ends. A yielded error ends the stream.
type Agent interface {
	Stream(ctx context.Context, in Input) iter.Seq2[json.RawMessage, error]
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, in Input) iter.Seq2[json.RawMessage, error]

func (f Func) Stream(ctx context.Context, in Input) iter.Seq2[json.RawMessage, error] {
	return f(ctx, in)
}

type LLMAgent struct {
	name            string
	provider        llm.Provider
	systemPrompt    string
	maxIterations   int
	maxOutputTokens int
	toolTimeout     time.Duration
	parallelTools   bool
	window          Window
	middlewares     []Middleware
	observer        observe.Sink
	tools           map[string]tools.Tool
}

type Option func(*LLMAgent)

func WithName(name string) Option {
	return func(a *LLMAgent) {
		if strings.TrimSpace(name) != "" {
			a.name = strings.TrimSpace(name)
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(a *LLMAgent) { a.systemPrompt = prompt }
}

func WithMaxIterations(max int) Option {
	return func(a *LLMAgent) {
		if max > 0 {
			a.maxIterations = max
		}
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(a *LLMAgent) {
		if max > 0 {
			a.maxOutputTokens = max
		}
	}
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(a *LLMAgent) {
		if timeout >= 0 {
			a.toolTimeout = timeout
		}
	}
}

func WithParallelToolCalls(enabled bool) Option {
	return func(a *LLMAgent) { a.parallelTools = enabled }
}

func WithWindow(w Window) Option {
	return func(a *LLMAgent) { a.window = w }
}

func WithMiddleware(middlewares ...Middleware) Option {
	return func(a *LLMAgent) {
		for _, m := range middlewares {
			if m != nil {
				a.middlewares = append(a.middlewares, m)
			}
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(a *LLMAgent) { a.observer = observer }
}

func WithTools(ts ...tools.Tool) Option {
	return func(a *LLMAgent) {
		for _, tool := range ts {
			if tool == nil || tool.Definition().Name == "" {
				continue
			}
			a.tools[tool.Definition().Name] = tool
		}
	}
}

func New(provider llm.Provider, opts ...Option) (*LLMAgent, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	a := &LLMAgent{
		name:          "agent",
		provider:      provider,
		maxIterations: 6,
		tools:         map[string]tools.Tool{},
		observer:      observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.observer == nil {
		a.observer = observe.NoopSink{}
	}
	return a, nil
}

func (a *LLMAgent) Name() string { return a.name }

func (a *LLMAgent) Stream(ctx context.Context, in Input) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		if strings.TrimSpace(in.Question) == "" {
			yield(nil, ErrEmptyInput)
			return
		}
		r := &run{
			agent:    a,
			runID:    in.RunID,
			threadID: in.ThreadID,
			yield:    yield,
		}
		if r.runID == "" {
			r.runID = uuid.NewString()
		}
		messages := append(slices.Clone(in.History), types.HumanMessage(in.Question))
		if err := r.loop(ctx, messages); err != nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}

// run holds the state of one Stream call.
type run struct {
	agent    *LLMAgent
	runID    string
	threadID string
	yield    func(json.RawMessage, error) bool
	usage    types.Usage
	hasUsage bool
}

func (r *run) send(e Event) error {
	e.RunID = r.runID
	if !r.yield(Encode(e), nil) {
		return errStopped
	}
	return nil
}

func (r *run) loop(ctx context.Context, messages []types.Message) error {
	a := r.agent
	for i := range a.maxIterations {
		iteration := i + 1
		if err := ctx.Err(); err != nil {
			return err
		}

		req := types.Request{
			SystemPrompt:    a.systemPrompt,
			Messages:        a.window.Trim(messages),
			Tools:           a.toolDefinitions(),
			MaxOutputTokens: a.maxOutputTokens,
		}
		resp, err := r.generate(ctx, iteration, &req)
		if err != nil {
			return err
		}

		msg := resp.Message
		msg.Kind = types.KindAI
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" {
				r.fail(ctx, iteration, "validate_response", "", ErrEmptyResponse)
				return ErrEmptyResponse
			}
			out := ChainOutput{Content: msg.Content, Messages: messages}
			if r.hasUsage {
				usage := r.usage
				out.Usage = &usage
			}
			return r.send(Event{Event: EventChainEnd, Name: a.name, Data: EventData{Output: mustJSON(out)}})
		}

		toolMessages, err := r.executeToolCalls(ctx, iteration, msg.ToolCalls)
		if err != nil {
			return err
		}
		messages = append(messages, toolMessages...)
	}

	err := fmt.Errorf("%w (%d)", ErrMaxIterations, a.maxIterations)
	r.fail(ctx, a.maxIterations, "max_iterations", "", err)
	return err
}

// generate calls the provider, streaming tokens when it can. Without
// streaming support the whole reply is sent as a single chunk.
func (r *run) generate(ctx context.Context, iteration int, req *types.Request) (types.Response, error) {
	a := r.agent
	startedAt := time.Now().UTC()
	event := &GenerateMiddlewareEvent{
		RunID:      r.runID,
		ThreadID:   r.threadID,
		Provider:   a.provider.Name(),
		Iteration:  iteration,
		StartedAt:  startedAt,
		FinishedAt: startedAt,
		Request:    req,
	}
	for _, m := range a.middlewares {
		if err := m.BeforeGenerate(ctx, event); err != nil {
			r.fail(ctx, iteration, "before_generate", "", err)
			return types.Response{}, fmt.Errorf("middleware before-generate failed: %w", err)
		}
	}

	var (
		resp     types.Response
		err      error
		streamed bool
	)
	if sp, ok := a.provider.(llm.StreamingProvider); ok && a.provider.Capabilities().Streaming {
		streamed = true
		resp, err = sp.GenerateStream(ctx, *req, func(chunk types.StreamChunk) error {
			if chunk.Reasoning != "" {
				if err := r.send(Event{Event: EventAgentReasoning, Name: a.name, Data: EventData{Chunk: &Chunk{Content: chunk.Reasoning}}}); err != nil {
					return err
				}
			}
			if chunk.Text != "" {
				return r.send(Event{Event: EventChatModelStream, Name: a.name, Data: EventData{Chunk: &Chunk{Content: chunk.Text}}})
			}
			return nil
		})
	} else {
		resp, err = a.provider.Generate(ctx, *req)
	}
	if errors.Is(err, errStopped) {
		return types.Response{}, err
	}
	if err != nil {
		r.fail(ctx, iteration, "generate", "", err)
		r.observe(ctx, observe.Event{Kind: observe.KindProvider, Status: observe.StatusFailed, Name: "generate", Error: err.Error(), DurationMs: time.Since(startedAt).Milliseconds()})
		return types.Response{}, fmt.Errorf("generation failed: %w", err)
	}

	event.FinishedAt = time.Now().UTC()
	event.Response = &resp
	for _, m := range a.middlewares {
		if err := m.AfterGenerate(ctx, event); err != nil {
			r.fail(ctx, iteration, "after_generate", "", err)
			return types.Response{}, fmt.Errorf("middleware after-generate failed: %w", err)
		}
	}
	r.observe(ctx, observe.Event{
		Kind:       observe.KindProvider,
		Status:     observe.StatusCompleted,
		Name:       "generate",
		DurationMs: event.FinishedAt.Sub(startedAt).Milliseconds(),
		Attributes: map[string]any{"iteration": iteration, "toolCalls": len(resp.Message.ToolCalls)},
	})

	if resp.Usage != nil {
		r.usage.InputTokens += resp.Usage.InputTokens
		r.usage.OutputTokens += resp.Usage.OutputTokens
		r.usage.TotalTokens += resp.Usage.TotalTokens
		r.hasUsage = true
	}
	if !streamed {
		if resp.Message.Reasoning != "" {
			if err := r.send(Event{Event: EventAgentReasoning, Name: a.name, Data: EventData{Chunk: &Chunk{Content: resp.Message.Reasoning}}}); err != nil {
				return types.Response{}, err
			}
		}
		if resp.Message.Content != "" {
			if err := r.send(Event{Event: EventChatModelStream, Name: a.name, Data: EventData{Chunk: &Chunk{Content: resp.Message.Content}}}); err != nil {
				return types.Response{}, err
			}
		}
	}
	return resp, nil
}

type toolOutcome struct {
	message types.Message
	output  ToolOutput
	err     error
}

// executeToolCalls announces every call before running any of them, then
// reports results in call order regardless of completion order.
func (r *run) executeToolCalls(ctx context.Context, iteration int, calls []types.ToolCall) ([]types.Message, error) {
	a := r.agent
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		args := calls[i].Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := r.send(Event{Event: EventToolStart, Name: calls[i].Name, Data: EventData{Input: args}}); err != nil {
			return nil, err
		}
	}

	outcomes := make([]toolOutcome, len(calls))
	if a.parallelTools && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = r.executeOne(ctx, iteration, call)
			}()
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			outcomes[i] = r.executeOne(ctx, iteration, call)
			if outcomes[i].err != nil {
				break
			}
		}
	}

	messages := make([]types.Message, 0, len(calls))
	for i, outcome := range outcomes {
		if outcome.err != nil {
			return nil, outcome.err
		}
		if err := r.send(Event{Event: EventToolEnd, Name: calls[i].Name, Data: EventData{
			Input:  calls[i].Arguments,
			Output: mustJSON(outcome.output),
		}}); err != nil {
			return nil, err
		}
		messages = append(messages, outcome.message)
	}
	return messages, nil
}

// executeOne runs a single call. Tool failures become tool results the model
// can react to; only middleware failures abort the run.
func (r *run) executeOne(ctx context.Context, iteration int, call types.ToolCall) toolOutcome {
	a := r.agent
	startedAt := time.Now().UTC()
	event := &ToolMiddlewareEvent{
		RunID:      r.runID,
		ThreadID:   r.threadID,
		Provider:   a.provider.Name(),
		Iteration:  iteration,
		StartedAt:  startedAt,
		FinishedAt: startedAt,
		ToolCall:   &call,
	}
	for _, m := range a.middlewares {
		if err := m.BeforeTool(ctx, event); err != nil {
			r.fail(ctx, iteration, "before_tool", call.Name, err)
			return toolOutcome{err: fmt.Errorf("middleware before-tool failed: %w", err)}
		}
	}

	var (
		result  tools.Result
		toolErr error
	)
	tool, ok := a.tools[call.Name]
	if !ok {
		toolErr = fmt.Errorf("tool %q not found", call.Name)
	} else {
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		toolCtx, cancel := ctx, context.CancelFunc(func() {})
		if a.toolTimeout > 0 {
			toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		}
		out, err := tool.Execute(toolCtx, args)
		cancel()
		if err != nil {
			toolErr = err
		} else {
			result = tools.AsResult(out)
		}
	}

	output := ToolOutput{
		SourceDocuments: result.SourceDocuments,
		Artifacts:       result.Artifacts,
		FileAnnotations: result.FileAnnotations,
	}
	var payload any = result.Content
	if toolErr != nil {
		output.Error = toolErr.Error()
		payload = map[string]any{"error": toolErr.Error()}
	}
	if s, ok := payload.(string); ok {
		output.Content = s
	} else {
		output.Content = string(mustJSON(payload))
	}
	message := types.ToolMessage(call.ID, call.Name, output.Content)

	event.FinishedAt = time.Now().UTC()
	event.Result = &message
	event.ToolError = toolErr
	for _, m := range a.middlewares {
		if err := m.AfterTool(ctx, event); err != nil {
			r.fail(ctx, iteration, "after_tool", call.Name, err)
			return toolOutcome{err: fmt.Errorf("middleware after-tool failed: %w", err)}
		}
	}
	if event.Result != nil {
		message = *event.Result
		output.Content = message.Content
	}

	ev := observe.Event{
		Kind:       observe.KindTool,
		Status:     observe.StatusCompleted,
		Name:       "tool",
		ToolName:   call.Name,
		DurationMs: event.FinishedAt.Sub(startedAt).Milliseconds(),
	}
	if toolErr != nil {
		ev.Status = observe.StatusFailed
		ev.Error = toolErr.Error()
	}
	r.observe(ctx, ev)
	return toolOutcome{message: message, output: output}
}

func (r *run) fail(ctx context.Context, iteration int, stage, tool string, err error) {
	event := &ErrorMiddlewareEvent{
		RunID:     r.runID,
		ThreadID:  r.threadID,
		Provider:  r.agent.provider.Name(),
		Iteration: iteration,
		Stage:     stage,
		ToolName:  tool,
		Err:       err,
	}
	for _, m := range r.agent.middlewares {
		func() {
			defer func() { _ = recover() }()
			m.OnError(ctx, event)
		}()
	}
}

func (r *run) observe(ctx context.Context, event observe.Event) {
	event.JobID = r.runID
	event.ChatID = r.threadID
	event.Provider = r.agent.provider.Name()
	_ = r.agent.observer.Emit(ctx, event)
}

func (a *LLMAgent) toolDefinitions() []types.ToolDefinition {
	names := slices.Sorted(maps.Keys(a.tools))
	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, a.tools[name].Definition())
	}
	return defs
}
