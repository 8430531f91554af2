// Package stream carries execution events from the worker that runs a job to
// whichever process serves the client's live connection.
//
// Delivery is at-most-once with no replay: a publish with no live subscriber
// is dropped, and transport failures are logged and counted but never returned
// to the publishing job.
package stream

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of event kinds carried on the bus.
type Kind string

const (
	KindStart           Kind = "start"
	KindToken           Kind = "token"
	KindSourceDocuments Kind = "sourceDocuments"
	KindArtifacts       Kind = "artifacts"
	KindUsedTools       Kind = "usedTools"
	KindFileAnnotations Kind = "fileAnnotations"
	KindTool            Kind = "tool"
	KindAgentReasoning  Kind = "agentReasoning"
	KindNextAgent       Kind = "nextAgent"
	KindAction          Kind = "action"
	KindAbort           Kind = "abort"
	KindError           Kind = "error"
	KindMetadata        Kind = "metadata"
	KindEnd             Kind = "end"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindStart, KindToken, KindSourceDocuments, KindArtifacts, KindUsedTools,
	KindFileAnnotations, KindTool, KindAgentReasoning, KindNextAgent, KindAction,
	KindAbort, KindError, KindMetadata, KindEnd,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further events follow this one for a run.
func (k Kind) Terminal() bool {
	return k == KindEnd || k == KindAbort || k == KindError
}

// DoneMarker is the payload of end and abort events.
const DoneMarker = "[DONE]"

// Event is one (channel, kind, data) triple.
type Event struct {
	Channel string          `json:"channel"`
	Kind    Kind            `json:"eventType"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewEvent(channel string, kind Kind, data any) (Event, error) {
	if channel == "" {
		return Event{}, fmt.Errorf("event channel is required")
	}
	if !kind.Valid() {
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s event payload: %w", kind, err)
	}
	return Event{Channel: channel, Kind: kind, Data: raw}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
