package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PipeOpsHQ/flowexec/observe"
)

func newSink(t *testing.T) (*Sink, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewSink(tp), exporter
}

func TestSink_EmitsSpan(t *testing.T) {
	sink, exporter := newSink(t)
	end := time.Now()
	require.NoError(t, sink.Emit(context.Background(), observe.Event{
		Kind:       observe.KindRun,
		JobID:      "job-1",
		FlowID:     "support",
		ChatID:     "chat-1",
		Status:     observe.StatusCompleted,
		Timestamp:  end,
		DurationMs: 150,
		Attributes: map[string]any{"workerId": "w1", "concurrency": 4},
	}))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "flowexec.job", span.Name)
	assert.Equal(t, codes.Ok, span.Status.Code)
	assert.WithinDuration(t, end.Add(-150*time.Millisecond), span.StartTime, time.Millisecond)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "job-1", attrs["flowexec.job_id"].AsString())
	assert.Equal(t, "support", attrs["flowexec.flow_id"].AsString())
	assert.Equal(t, "chat-1", attrs["flowexec.chat_id"].AsString())
	assert.Equal(t, "w1", attrs["flowexec.attr.workerId"].AsString())
	assert.Equal(t, int64(4), attrs["flowexec.attr.concurrency"].AsInt64())
}

func TestSpanName(t *testing.T) {
	cases := []struct {
		event observe.Event
		want  string
	}{
		{observe.Event{Kind: observe.KindProvider, Provider: "gemini"}, "flowexec.llm.gemini"},
		{observe.Event{Kind: observe.KindTool, ToolName: "calculator"}, "flowexec.tool.calculator"},
		{observe.Event{Kind: observe.KindQueue}, "flowexec.queue"},
		{observe.Event{Kind: observe.KindCheckpoint}, "flowexec.checkpoint"},
		{observe.Event{Kind: observe.KindCustom, Name: "worker.heartbeat"}, "flowexec.worker.heartbeat"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SpanName(tc.event))
	}
}

func TestSink_FailedEventRecordsError(t *testing.T) {
	sink, exporter := newSink(t)
	require.NoError(t, sink.Emit(context.Background(), observe.Event{
		Kind:   observe.KindRun,
		Status: observe.StatusFailed,
		Error:  "model unavailable",
	}))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.NotEmpty(t, spans[0].Events)
}

func TestSink_NilProvider(t *testing.T) {
	assert.NoError(t, NewSink(nil).Emit(context.Background(), observe.Event{Kind: observe.KindRun}))
}
