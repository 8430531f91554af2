// Package tools defines the callable tools an LLM agent may invoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PipeOpsHQ/flowexec/types"
)

type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Result is a tool output that carries side outputs besides its content.
// Tools that only produce a value may return it directly.
type Result struct {
	Content         any                    `json:"content"`
	SourceDocuments []types.SourceDocument `json:"sourceDocuments,omitempty"`
	Artifacts       []types.Artifact       `json:"artifacts,omitempty"`
	FileAnnotations []types.FileAnnotation `json:"fileAnnotations,omitempty"`
}

// AsResult normalizes any tool output into a Result.
func AsResult(out any) Result {
	switch v := out.(type) {
	case Result:
		return v
	case *Result:
		if v == nil {
			return Result{}
		}
		return *v
	default:
		return Result{Content: out}
	}
}

type FuncTool struct {
	def types.ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (any, error)
}

func NewFuncTool(name, description string, schema map[string]any, fn func(ctx context.Context, args json.RawMessage) (any, error)) *FuncTool {
	return &FuncTool{
		def: types.ToolDefinition{
			Name:        name,
			Description: description,
			JSONSchema:  schema,
		},
		fn: fn,
	}
}

func (t *FuncTool) Definition() types.ToolDefinition {
	return t.def
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, args)
}
