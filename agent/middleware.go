package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/types"
)

// Middleware observes and may rewrite each provider and tool step. A non-nil
// error from a Before or After hook ends the stream with that error.
type Middleware interface {
	BeforeGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error
	AfterGenerate(ctx context.Context, event *GenerateMiddlewareEvent) error
	BeforeTool(ctx context.Context, event *ToolMiddlewareEvent) error
	AfterTool(ctx context.Context, event *ToolMiddlewareEvent) error
	OnError(ctx context.Context, event *ErrorMiddlewareEvent)
}

// NoopMiddleware can be embedded to implement only some hooks.
type NoopMiddleware struct{}

func (NoopMiddleware) BeforeGenerate(context.Context, *GenerateMiddlewareEvent) error { return nil }
func (NoopMiddleware) AfterGenerate(context.Context, *GenerateMiddlewareEvent) error  { return nil }
func (NoopMiddleware) BeforeTool(context.Context, *ToolMiddlewareEvent) error         { return nil }
func (NoopMiddleware) AfterTool(context.Context, *ToolMiddlewareEvent) error          { return nil }
func (NoopMiddleware) OnError(context.Context, *ErrorMiddlewareEvent)                 {}

type GenerateMiddlewareEvent struct {
	RunID      string
	ThreadID   string
	Provider   string
	Iteration  int
	StartedAt  time.Time
	FinishedAt time.Time
	Request    *types.Request
	Response   *types.Response
}

type ToolMiddlewareEvent struct {
	RunID      string
	ThreadID   string
	Provider   string
	Iteration  int
	StartedAt  time.Time
	FinishedAt time.Time
	ToolCall   *types.ToolCall
	Result     *types.Message
	ToolError  error
}

type ErrorMiddlewareEvent struct {
	RunID     string
	ThreadID  string
	Provider  string
	Iteration int
	Stage     string
	ToolName  string
	Err       error
}

// LoggingMiddleware writes one debug line per provider call and tool call,
// and an error line for every failed stage.
type LoggingMiddleware struct {
	NoopMiddleware
	Logger *zap.Logger
}

func NewLoggingMiddleware(logger *zap.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingMiddleware{Logger: logger}
}

func (m *LoggingMiddleware) AfterGenerate(_ context.Context, event *GenerateMiddlewareEvent) error {
	fields := []zap.Field{
		zap.String("run_id", event.RunID),
		zap.String("thread_id", event.ThreadID),
		zap.String("provider", event.Provider),
		zap.Int("iteration", event.Iteration),
		zap.Duration("elapsed", event.FinishedAt.Sub(event.StartedAt)),
	}
	if event.Response != nil {
		fields = append(fields, zap.Int("tool_calls", len(event.Response.Message.ToolCalls)))
		if u := event.Response.Usage; u != nil {
			fields = append(fields, zap.Int("input_tokens", u.InputTokens), zap.Int("output_tokens", u.OutputTokens))
		}
	}
	m.Logger.Debug("model generation finished", fields...)
	return nil
}

func (m *LoggingMiddleware) AfterTool(_ context.Context, event *ToolMiddlewareEvent) error {
	name := ""
	if event.ToolCall != nil {
		name = event.ToolCall.Name
	}
	m.Logger.Debug("tool call finished",
		zap.String("run_id", event.RunID),
		zap.String("thread_id", event.ThreadID),
		zap.String("tool", name),
		zap.Duration("elapsed", event.FinishedAt.Sub(event.StartedAt)),
		zap.Error(event.ToolError),
	)
	return nil
}

func (m *LoggingMiddleware) OnError(_ context.Context, event *ErrorMiddlewareEvent) {
	m.Logger.Warn("agent step failed",
		zap.String("run_id", event.RunID),
		zap.String("thread_id", event.ThreadID),
		zap.String("stage", event.Stage),
		zap.String("tool", event.ToolName),
		zap.Int("iteration", event.Iteration),
		zap.Error(event.Err),
	)
}
