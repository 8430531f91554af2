package types

import "strings"

// UsedTool records one tool invocation made while producing an answer.
type UsedTool struct {
	Tool       string `json:"tool"`
	ToolInput  any    `json:"toolInput,omitempty"`
	ToolOutput any    `json:"toolOutput,omitempty"`
	Error      string `json:"error,omitempty"`
}

type SourceDocument struct {
	PageContent string         `json:"pageContent"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Artifact struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type FileAnnotation struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName,omitempty"`
}

// HistoryPolicy selects which prior messages an execution carries forward.
type HistoryPolicy string

const (
	HistoryAll   HistoryPolicy = "all"
	HistoryLast  HistoryPolicy = "last"
	HistoryInput HistoryPolicy = "input"
	HistoryNone  HistoryPolicy = "none"
)

// ParseHistoryPolicy maps user input onto a known policy. Empty input means all.
func ParseHistoryPolicy(raw string) (HistoryPolicy, bool) {
	switch HistoryPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", HistoryAll:
		return HistoryAll, true
	case HistoryLast, "lastmessage":
		return HistoryLast, true
	case HistoryInput, "userquestion":
		return HistoryInput, true
	case HistoryNone:
		return HistoryNone, true
	default:
		return "", false
	}
}
