package agent

import (
	"encoding/json"

	"github.com/PipeOpsHQ/flowexec/types"
)

// Event names produced by an agent stream.
const (
	EventChatModelStream = "on_chat_model_stream"
	EventToolStart       = "on_tool_start"
	EventToolEnd         = "on_tool_end"
	EventChainEnd        = "on_chain_end"
	EventAgentReasoning  = "on_agent_reasoning"
	EventNextAgent       = "on_next_agent"
	EventAgentAction     = "on_agent_action"
)

// Event is one item of an agent stream. Consumers receive it as raw JSON and
// must tolerate items they cannot decode.
type Event struct {
	Event string    `json:"event"`
	Name  string    `json:"name,omitempty"`
	RunID string    `json:"run_id,omitempty"`
	Data  EventData `json:"data"`
}

type EventData struct {
	Chunk  *Chunk          `json:"chunk,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

type Chunk struct {
	Content string `json:"content"`
}

// ToolOutput is the payload of a tool end event.
type ToolOutput struct {
	Content         string                 `json:"content"`
	Error           string                 `json:"error,omitempty"`
	SourceDocuments []types.SourceDocument `json:"sourceDocuments,omitempty"`
	Artifacts       []types.Artifact       `json:"artifacts,omitempty"`
	FileAnnotations []types.FileAnnotation `json:"fileAnnotations,omitempty"`
}

// ChainOutput is the payload of the final chain end event.
type ChainOutput struct {
	Content  string          `json:"content"`
	Messages []types.Message `json:"messages,omitempty"`
	Usage    *types.Usage    `json:"usage,omitempty"`
}

// Encode marshals an event, falling back to a bare event name when the
// payload cannot be encoded.
func Encode(e Event) json.RawMessage {
	raw, err := json.Marshal(e)
	if err != nil {
		raw, _ = json.Marshal(Event{Event: e.Event, Name: e.Name, RunID: e.RunID})
	}
	return raw
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}
