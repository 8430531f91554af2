package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/llm"
	"github.com/PipeOpsHQ/flowexec/tools"
	"github.com/PipeOpsHQ/flowexec/types"
)

// scriptedProvider replays responses in order and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []types.Response
	errs      []error
	requests  []types.Request
	streaming bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true, Streaming: p.streaming}
}

func (p *scriptedProvider) Generate(_ context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return types.Response{}, p.errs[idx]
	}
	if idx >= len(p.responses) {
		return types.Response{}, errors.New("script exhausted")
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return resp, err
	}
	for _, r := range resp.Message.Content {
		if err := onChunk(types.StreamChunk{Text: string(r)}); err != nil {
			return types.Response{}, err
		}
	}
	return resp, onChunk(types.StreamChunk{Done: true})
}

func collect(t *testing.T, a Agent, in Input) ([]Event, error) {
	t.Helper()
	var events []Event
	for raw, err := range a.Stream(context.Background(), in) {
		if err != nil {
			return events, err
		}
		var e Event
		require.NoError(t, json.Unmarshal(raw, &e))
		events = append(events, e)
	}
	return events, nil
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out
}

func toolCallResponse(calls ...types.ToolCall) types.Response {
	return types.Response{Message: types.Message{Kind: types.KindAI, ToolCalls: calls}}
}

func TestLLMAgent_PlainAnswer(t *testing.T) {
	p := &scriptedProvider{responses: []types.Response{{
		Message: types.AIMessage("hello"),
		Usage:   &types.Usage{InputTokens: 3, OutputTokens: 1, TotalTokens: 4},
	}}}
	a, err := New(p, WithSystemPrompt("be brief"))
	require.NoError(t, err)

	events, err := collect(t, a, Input{Question: "hi", History: []types.Message{types.AIMessage("earlier")}, RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{EventChatModelStream, EventChainEnd}, names(events))
	assert.Equal(t, "hello", events[0].Data.Chunk.Content)
	assert.Equal(t, "run-1", events[1].RunID)

	var out ChainOutput
	require.NoError(t, json.Unmarshal(events[1].Data.Output, &out))
	assert.Equal(t, "hello", out.Content)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 4, out.Usage.TotalTokens)

	require.Len(t, p.requests, 1)
	assert.Equal(t, "be brief", p.requests[0].SystemPrompt)
	require.Len(t, p.requests[0].Messages, 2)
	assert.Equal(t, types.KindHuman, p.requests[0].Messages[1].Kind)
}

func TestLLMAgent_StreamsTokens(t *testing.T) {
	p := &scriptedProvider{streaming: true, responses: []types.Response{{Message: types.AIMessage("abc")}}}
	a, err := New(p)
	require.NoError(t, err)

	events, err := collect(t, a, Input{Question: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{EventChatModelStream, EventChatModelStream, EventChatModelStream, EventChainEnd}, names(events))
	assert.Equal(t, "b", events[1].Data.Chunk.Content)
}

func TestLLMAgent_ToolLoop(t *testing.T) {
	p := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"q":"go"}`)}),
		{Message: types.AIMessage("done")},
	}}
	lookup := tools.NewFuncTool("lookup", "", nil, func(context.Context, json.RawMessage) (any, error) {
		return tools.Result{
			Content:         "found",
			SourceDocuments: []types.SourceDocument{{PageContent: "go doc"}},
			Artifacts:       []types.Artifact{{Type: "png", Data: "x"}},
		}, nil
	})
	a, err := New(p, WithTools(lookup))
	require.NoError(t, err)

	events, err := collect(t, a, Input{Question: "search"})
	require.NoError(t, err)
	assert.Equal(t, []string{EventToolStart, EventToolEnd, EventChatModelStream, EventChainEnd}, names(events))
	assert.Equal(t, "lookup", events[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(events[0].Data.Input))

	var out ToolOutput
	require.NoError(t, json.Unmarshal(events[1].Data.Output, &out))
	assert.Equal(t, "found", out.Content)
	require.Len(t, out.SourceDocuments, 1)
	require.Len(t, out.Artifacts, 1)

	require.Len(t, p.requests, 2)
	last := p.requests[1].Messages
	require.Len(t, last, 3)
	assert.Equal(t, types.KindTool, last[2].Kind)
	assert.Equal(t, "c1", last[2].ToolCallID)
	assert.Equal(t, "found", last[2].Content)
}

func TestLLMAgent_ToolErrorsReachTheModel(t *testing.T) {
	p := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "missing"}),
		{Message: types.AIMessage("sorry")},
	}}
	a, err := New(p)
	require.NoError(t, err)

	events, err := collect(t, a, Input{Question: "x"})
	require.NoError(t, err)
	var out ToolOutput
	require.NoError(t, json.Unmarshal(events[1].Data.Output, &out))
	assert.Contains(t, out.Error, `tool "missing" not found`)
	assert.Contains(t, p.requests[1].Messages[2].Content, "not found")
}

func TestLLMAgent_ToolTimeout(t *testing.T) {
	p := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "slow"}),
		{Message: types.AIMessage("ok")},
	}}
	slow := tools.NewFuncTool("slow", "", nil, func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a, err := New(p, WithTools(slow), WithToolTimeout(20*time.Millisecond))
	require.NoError(t, err)

	events, err := collect(t, a, Input{Question: "x"})
	require.NoError(t, err)
	var out ToolOutput
	require.NoError(t, json.Unmarshal(events[1].Data.Output, &out))
	assert.Contains(t, out.Error, "deadline exceeded")
}

func TestLLMAgent_ParallelToolsKeepCallOrder(t *testing.T) {
	p := &scriptedProvider{responses: []types.Response{
		toolCallResponse(
			types.ToolCall{ID: "a", Name: "sleepy", Arguments: json.RawMessage(`{"ms":40,"v":"first"}`)},
			types.ToolCall{ID: "b", Name: "sleepy", Arguments: json.RawMessage(`{"ms":1,"v":"second"}`)},
		),
		{Message: types.AIMessage("ok")},
	}}
	sleepy := tools.NewFuncTool("sleepy", "", nil, func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			MS int    `json:"ms"`
			V  string `json:"v"`
		}
		_ = json.Unmarshal(args, &in)
		time.Sleep(time.Duration(in.MS) * time.Millisecond)
		return in.V, nil
	})
	a, err := New(p, WithTools(sleepy), WithParallelToolCalls(true))
	require.NoError(t, err)

	events, err := collect(t, a, Input{Question: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{EventToolStart, EventToolStart, EventToolEnd, EventToolEnd, EventChatModelStream, EventChainEnd}, names(events))
	var first ToolOutput
	require.NoError(t, json.Unmarshal(events[2].Data.Output, &first))
	assert.Equal(t, "first", first.Content)
}

func TestLLMAgent_MaxIterations(t *testing.T) {
	call := toolCallResponse(types.ToolCall{ID: "c", Name: "missing"})
	p := &scriptedProvider{responses: []types.Response{call, call}}
	a, err := New(p, WithMaxIterations(2))
	require.NoError(t, err)

	_, err = collect(t, a, Input{Question: "x"})
	assert.ErrorIs(t, err, ErrMaxIterations)
}

func TestLLMAgent_Errors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	a, err := New(&scriptedProvider{})
	require.NoError(t, err)
	_, err = collect(t, a, Input{Question: "  "})
	assert.ErrorIs(t, err, ErrEmptyInput)

	boom := errors.New("boom")
	a, err = New(&scriptedProvider{errs: []error{boom}})
	require.NoError(t, err)
	_, err = collect(t, a, Input{Question: "x"})
	assert.ErrorIs(t, err, boom)

	a, err = New(&scriptedProvider{responses: []types.Response{{Message: types.AIMessage("")}}})
	require.NoError(t, err)
	_, err = collect(t, a, Input{Question: "x"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestLLMAgent_StopsWhenConsumerStops(t *testing.T) {
	p := &scriptedProvider{streaming: true, responses: []types.Response{{Message: types.AIMessage("abcdef")}}}
	a, err := New(p)
	require.NoError(t, err)

	seen := 0
	for _, err := range a.Stream(context.Background(), Input{Question: "x"}) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

type recordingMiddleware struct {
	NoopMiddleware
	stages []string
}

func (m *recordingMiddleware) BeforeGenerate(_ context.Context, e *GenerateMiddlewareEvent) error {
	e.Request.SystemPrompt = "rewritten"
	return nil
}

func (m *recordingMiddleware) AfterTool(_ context.Context, e *ToolMiddlewareEvent) error {
	e.Result.Content = "redacted"
	return nil
}

func (m *recordingMiddleware) OnError(_ context.Context, e *ErrorMiddlewareEvent) {
	m.stages = append(m.stages, e.Stage)
}

func TestLLMAgent_Middleware(t *testing.T) {
	p := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{ID: "c1", Name: "echo"}),
		{Message: types.AIMessage("ok")},
	}}
	echo := tools.NewFuncTool("echo", "", nil, func(context.Context, json.RawMessage) (any, error) { return "secret", nil })
	mw := &recordingMiddleware{}
	a, err := New(p, WithTools(echo), WithMiddleware(mw, NewLoggingMiddleware(zap.NewNop())))
	require.NoError(t, err)

	events, err := collect(t, a, Input{Question: "x"})
	require.NoError(t, err)
	assert.Equal(t, "rewritten", p.requests[0].SystemPrompt)
	assert.Equal(t, "redacted", p.requests[1].Messages[2].Content)
	var out ToolOutput
	require.NoError(t, json.Unmarshal(events[1].Data.Output, &out))
	assert.Equal(t, "redacted", out.Content)

	failing, err := New(&scriptedProvider{errs: []error{errors.New("down")}}, WithMiddleware(mw))
	require.NoError(t, err)
	_, err = collect(t, failing, Input{Question: "x"})
	require.Error(t, err)
	assert.Equal(t, []string{"generate"}, mw.stages)
}

func TestWindow_Trim(t *testing.T) {
	msgs := []types.Message{
		types.SystemMessage("sys"),
		types.HumanMessage("one"),
		{Kind: types.KindAI, ToolCalls: []types.ToolCall{{ID: "t", Name: "x"}}},
		types.ToolMessage("t", "x", "result"),
		types.AIMessage("two"),
		types.HumanMessage("three"),
	}

	assert.Equal(t, msgs, Window{}.Trim(msgs))

	got := Window{MaxMessages: 3}.Trim(msgs)
	require.Len(t, got, 3)
	assert.Equal(t, types.KindSystem, got[0].Kind)
	assert.Equal(t, "two", got[1].Content)
	assert.Equal(t, "three", got[2].Content)

	got = Window{MaxMessages: 4}.Trim(msgs)
	require.Len(t, got, 3, "leading tool result is dropped")
	assert.Equal(t, "two", got[1].Content)

	got = Window{MaxTokens: 1}.Trim(msgs)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[1].Content)
}
