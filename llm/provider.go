// Package llm is the model provider contract the LLM agent drives.
package llm

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/flowexec/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools     bool
	Streaming bool
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}

// StreamingProvider reports partial output through onChunk while generating.
// Returning an error from onChunk stops generation with that error.
type StreamingProvider interface {
	Provider
	GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error)
}
