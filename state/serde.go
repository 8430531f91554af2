package state

import (
	"encoding/json"
	"fmt"

	"github.com/PipeOpsHQ/flowexec/types"
)

// StoredMessage is the persisted form of a conversation message: a type tag
// plus the variant's fields.
type StoredMessage struct {
	Type types.MessageKind `json:"type"`
	Data json.RawMessage   `json:"data"`
}

type messageData struct {
	Content          string           `json:"content"`
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	ToolCalls        []types.ToolCall `json:"tool_calls,omitempty"`
	AdditionalKwargs map[string]any   `json:"additional_kwargs,omitempty"`
}

// EncodeMessage maps a message onto its stored form.
func EncodeMessage(m types.Message) (StoredMessage, error) {
	if !m.Kind.Valid() {
		return StoredMessage{}, fmt.Errorf("unknown message kind %q", m.Kind)
	}
	data := messageData{
		Content:          m.Content,
		ID:               m.ID,
		Name:             m.Name,
		Reasoning:        m.Reasoning,
		AdditionalKwargs: m.AdditionalKwargs,
	}
	switch m.Kind {
	case types.KindAI:
		data.ToolCalls = m.ToolCalls
	case types.KindTool:
		data.ToolCallID = m.ToolCallID
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("failed to marshal %s message: %w", m.Kind, err)
	}
	return StoredMessage{Type: m.Kind, Data: raw}, nil
}

// DecodeMessage reconstructs a message from its stored form. This is the only
// place message identity is recovered from storage.
func DecodeMessage(sm StoredMessage) (types.Message, error) {
	if !sm.Type.Valid() {
		return types.Message{}, fmt.Errorf("unknown stored message type %q", sm.Type)
	}
	var data messageData
	if len(sm.Data) > 0 {
		if err := json.Unmarshal(sm.Data, &data); err != nil {
			return types.Message{}, fmt.Errorf("failed to decode %s message: %w", sm.Type, err)
		}
	}
	m := types.Message{
		Kind:             sm.Type,
		ID:               data.ID,
		Content:          data.Content,
		Name:             data.Name,
		Reasoning:        data.Reasoning,
		AdditionalKwargs: data.AdditionalKwargs,
	}
	switch sm.Type {
	case types.KindAI:
		m.ToolCalls = data.ToolCalls
	case types.KindTool:
		m.ToolCallID = data.ToolCallID
	}
	return m, nil
}

func EncodeMessages(messages []types.Message) ([]StoredMessage, error) {
	out := make([]StoredMessage, 0, len(messages))
	for i, m := range messages {
		sm, err := EncodeMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, sm)
	}
	return out, nil
}

func DecodeMessages(stored []StoredMessage) ([]types.Message, error) {
	out := make([]types.Message, 0, len(stored))
	for i, sm := range stored {
		m, err := DecodeMessage(sm)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (v ChannelValues) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Extra)+2)
	for k, val := range v.Extra {
		out[k] = val
	}
	messages, err := EncodeMessages(v.Messages)
	if err != nil {
		return nil, err
	}
	out[ChannelMessages] = messages
	if v.State != nil {
		out[ChannelState] = v.State
	}
	return json.Marshal(out)
}

func (v *ChannelValues) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ChannelValues{Messages: []types.Message{}}
	for key, value := range raw {
		switch key {
		case ChannelMessages:
			var stored []StoredMessage
			if err := json.Unmarshal(value, &stored); err != nil {
				return fmt.Errorf("failed to decode messages channel: %w", err)
			}
			messages, err := DecodeMessages(stored)
			if err != nil {
				return err
			}
			v.Messages = messages
		case ChannelState:
			if err := json.Unmarshal(value, &v.State); err != nil {
				return fmt.Errorf("failed to decode state channel: %w", err)
			}
		default:
			var val any
			if err := json.Unmarshal(value, &val); err != nil {
				return fmt.Errorf("failed to decode channel %q: %w", key, err)
			}
			if v.Extra == nil {
				v.Extra = map[string]any{}
			}
			v.Extra[key] = val
		}
	}
	return nil
}

func MarshalCheckpoint(cp Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return raw, nil
}

func UnmarshalCheckpoint(raw []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

func MarshalMetadata(md Metadata) ([]byte, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}
	return raw, nil
}

func UnmarshalMetadata(raw []byte) (Metadata, error) {
	var md Metadata
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to unmarshal checkpoint metadata: %w", err)
	}
	return md, nil
}
