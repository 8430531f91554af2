// Package otel turns observe events into OpenTelemetry spans.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/flowexec/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/flowexec"

// Sink implements observe.Sink. Events are reported when a step ends, so a
// span covers [Timestamp-Duration, Timestamp] and parents to any span already
// in ctx.
type Sink struct {
	tracer trace.Tracer
}

func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	if ctx == nil {
		ctx = context.Background()
	}
	end := event.Timestamp
	start := end.Add(-time.Duration(event.DurationMs) * time.Millisecond)

	_, span := s.tracer.Start(ctx, SpanName(event), trace.WithTimestamp(start), trace.WithAttributes(attributes(event)...))
	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

// SpanName derives a span name from the event kind.
func SpanName(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "flowexec.job"
	case observe.KindProvider:
		if event.Provider != "" {
			return "flowexec.llm." + event.Provider
		}
		return "flowexec.llm"
	case observe.KindTool:
		if event.ToolName != "" {
			return "flowexec.tool." + event.ToolName
		}
		return "flowexec.tool"
	case observe.KindQueue:
		return "flowexec.queue"
	case observe.KindCheckpoint:
		return "flowexec.checkpoint"
	default:
		if event.Name != "" {
			return "flowexec." + event.Name
		}
		return "flowexec.event"
	}
}

func attributes(event observe.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("flowexec.kind", string(event.Kind))}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("flowexec.job_id", event.JobID)
	add("flowexec.flow_id", event.FlowID)
	add("flowexec.chat_id", event.ChatID)
	add("flowexec.name", event.Name)
	add("flowexec.status", string(event.Status))
	add("flowexec.provider", event.Provider)
	add("flowexec.tool", event.ToolName)
	add("flowexec.message", truncate(event.Message, 1024))
	for k, v := range event.Attributes {
		key := "flowexec.attr." + k
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, val))
		case bool:
			attrs = append(attrs, attribute.Bool(key, val))
		case int:
			attrs = append(attrs, attribute.Int(key, val))
		case int64:
			attrs = append(attrs, attribute.Int64(key, val))
		case float64:
			attrs = append(attrs, attribute.Float64(key, val))
		default:
			attrs = append(attrs, attribute.String(key, fmt.Sprint(val)))
		}
	}
	return attrs
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
