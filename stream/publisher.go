package stream

import (
	"context"

	"github.com/PipeOpsHQ/flowexec/types"
)

// Publisher sends events. Publish never fails the caller: errors are logged
// and counted by the implementation.
type Publisher interface {
	Publish(ctx context.Context, channel string, kind Kind, data any)
}

// Subscriber manages per-channel delivery to a local Handler. Subscribing to
// an already subscribed channel is a no-op.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

// Metrics observes bus traffic. EventDropped counts events a hub could not
// hand to a slow client.
type Metrics interface {
	EventPublished(kind Kind)
	PublishFailed(kind Kind)
	EventDropped(kind Kind)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(Kind) {}
func (nopMetrics) PublishFailed(Kind)  {}
func (nopMetrics) EventDropped(Kind)   {}

// ToolEvent is the payload of tool events.
type ToolEvent struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Input  any    `json:"input,omitempty"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	ToolStatusStart = "start"
	ToolStatusEnd   = "end"
)

// Emitter publishes typed events for a single channel.
type Emitter struct {
	pub     Publisher
	channel string
}

func NewEmitter(pub Publisher, channel string) Emitter {
	return Emitter{pub: pub, channel: channel}
}

func (e Emitter) Channel() string { return e.channel }

func (e Emitter) publish(ctx context.Context, kind Kind, data any) {
	if e.pub == nil || e.channel == "" {
		return
	}
	e.pub.Publish(ctx, e.channel, kind, data)
}

func (e Emitter) Start(ctx context.Context) { e.publish(ctx, KindStart, "") }

func (e Emitter) Token(ctx context.Context, text string) { e.publish(ctx, KindToken, text) }

func (e Emitter) SourceDocuments(ctx context.Context, docs []types.SourceDocument) {
	e.publish(ctx, KindSourceDocuments, docs)
}

func (e Emitter) Artifacts(ctx context.Context, artifacts []types.Artifact) {
	e.publish(ctx, KindArtifacts, artifacts)
}

func (e Emitter) UsedTools(ctx context.Context, tools []types.UsedTool) {
	e.publish(ctx, KindUsedTools, tools)
}

func (e Emitter) FileAnnotations(ctx context.Context, annotations []types.FileAnnotation) {
	e.publish(ctx, KindFileAnnotations, annotations)
}

func (e Emitter) Tool(ctx context.Context, ev ToolEvent) { e.publish(ctx, KindTool, ev) }

func (e Emitter) AgentReasoning(ctx context.Context, reasoning any) {
	e.publish(ctx, KindAgentReasoning, reasoning)
}

func (e Emitter) NextAgent(ctx context.Context, agent string) { e.publish(ctx, KindNextAgent, agent) }

func (e Emitter) Action(ctx context.Context, action any) { e.publish(ctx, KindAction, action) }

func (e Emitter) Metadata(ctx context.Context, metadata any) { e.publish(ctx, KindMetadata, metadata) }

func (e Emitter) Error(ctx context.Context, message string) { e.publish(ctx, KindError, message) }

func (e Emitter) Abort(ctx context.Context) { e.publish(ctx, KindAbort, DoneMarker) }

func (e Emitter) End(ctx context.Context) { e.publish(ctx, KindEnd, DoneMarker) }
