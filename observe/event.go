// Package observe carries telemetry events from the runtime to pluggable
// sinks (logs, OpenTelemetry spans).
package observe

import "time"

// Kind names the runtime layer an event comes from.
type Kind string

type Status string

const (
	KindRun        Kind = "run"
	KindProvider   Kind = "provider"
	KindTool       Kind = "tool"
	KindQueue      Kind = "queue"
	KindCheckpoint Kind = "checkpoint"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is one telemetry record. JobID, FlowID and ChatID tie it to the job
// being executed; any of them may be empty for process-level events such as
// worker heartbeats.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Name       string         `json:"name,omitempty"`
	JobID      string         `json:"jobId,omitempty"`
	FlowID     string         `json:"flowId,omitempty"`
	ChatID     string         `json:"chatId,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Normalize stamps the event and defaults its kind.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}

// Failed reports whether the event records a failure.
func (e Event) Failed() bool {
	return e.Status == StatusFailed || e.Error != ""
}
