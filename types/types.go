package types

import (
	"encoding/json"
)

// MessageKind tags the conversation message variant.
type MessageKind string

const (
	KindHuman  MessageKind = "human"
	KindAI     MessageKind = "ai"
	KindTool   MessageKind = "tool"
	KindSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindHuman, KindAI, KindTool, KindSystem:
		return true
	default:
		return false
	}
}

type Message struct {
	Kind             MessageKind    `json:"kind"`
	ID               string         `json:"id,omitempty"`
	Content          string         `json:"content"`
	Reasoning        string         `json:"reasoning,omitempty"`
	Name             string         `json:"name,omitempty"` // Tool name for tool messages.
	ToolCallID       string         `json:"toolCallId,omitempty"`
	ToolCalls        []ToolCall     `json:"toolCalls,omitempty"`
	AdditionalKwargs map[string]any `json:"additionalKwargs,omitempty"`
}

func HumanMessage(content string) Message {
	return Message{Kind: KindHuman, Content: content}
}

func AIMessage(content string) Message {
	return Message{Kind: KindAI, Content: content}
}

func SystemMessage(content string) Message {
	return Message{Kind: KindSystem, Content: content}
}

func ToolMessage(toolCallID, name, content string) Message {
	return Message{Kind: KindTool, ToolCallID: toolCallID, Name: name, Content: content}
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
}

type Request struct {
	Model           string           `json:"model,omitempty"`
	SystemPrompt    string           `json:"systemPrompt,omitempty"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	MaxOutputTokens int              `json:"maxOutputTokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type Response struct {
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}

type StreamChunk struct {
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Done      bool   `json:"done,omitempty"`
}
