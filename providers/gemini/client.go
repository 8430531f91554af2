// Package gemini adapts the Google GenAI SDK to llm.StreamingProvider.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/PipeOpsHQ/flowexec/llm"
	"github.com/PipeOpsHQ/flowexec/types"
)

const defaultModel = "gemini-2.5-flash"

var errEmptyStream = errors.New("gemini returned an empty stream")

type Client struct {
	client *genai.Client
	model  string
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = strings.TrimSpace(model)
		}
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	c := &Client{model: defaultModel}
	for _, opt := range opts {
		opt(c)
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = gc
	return c, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true, Streaming: true}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	model, contents, config := c.prepare(req)
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return types.Response{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	return parseResponse(resp, "", ""), nil
}

// GenerateStream forwards text and thought parts as they arrive. The final
// response carries the concatenated text because the last stream chunk only
// holds the tail of the candidate.
func (c *Client) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	if onChunk == nil {
		return types.Response{}, fmt.Errorf("onChunk is required")
	}
	model, contents, config := c.prepare(req)

	var (
		last      *genai.GenerateContentResponse
		text      strings.Builder
		reasoning strings.Builder
		calls     []*genai.Part
	)
	for chunk, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return types.Response{}, fmt.Errorf("gemini generation failed: %w", err)
		}
		if chunk == nil {
			continue
		}
		last = chunk
		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				calls = append(calls, part)
			}
			if part.Text == "" {
				continue
			}
			sc := types.StreamChunk{Text: part.Text}
			if part.Thought {
				reasoning.WriteString(part.Text)
				sc = types.StreamChunk{Reasoning: part.Text}
			} else {
				text.WriteString(part.Text)
			}
			if err := onChunk(sc); err != nil {
				return types.Response{}, err
			}
		}
	}
	if last == nil {
		return types.Response{}, errEmptyStream
	}

	resp := parseResponse(last, text.String(), reasoning.String())
	resp.Message.ToolCalls = toToolCalls(calls)
	if err := onChunk(types.StreamChunk{Done: true}); err != nil {
		return types.Response{}, err
	}
	return resp, nil
}

func (c *Client) prepare(req types.Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	system := []string{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		system = append(system, req.SystemPrompt)
	}
	for _, m := range req.Messages {
		if m.Kind == types.KindSystem && strings.TrimSpace(m.Content) != "" {
			system = append(system, m.Content)
		}
	}

	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = clampInt32(req.MaxOutputTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toFunctionDeclarations(req.Tools)}}
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAuto,
			},
		}
	}
	return model, toContents(req.Messages), config
}

// parseResponse converts a candidate into an AI message. Non-empty text or
// reasoning overrides what the candidate holds.
func parseResponse(resp *genai.GenerateContentResponse, text, reasoning string) types.Response {
	out := types.Message{Kind: types.KindAI}
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			if part.Thought {
				out.Reasoning += part.Text
			} else {
				out.Content += part.Text
			}
		}
		out.ToolCalls = toToolCalls(resp.Candidates[0].Content.Parts)
	}
	if text != "" {
		out.Content = text
	}
	if reasoning != "" {
		out.Reasoning = reasoning
	}
	out.Content = strings.TrimSpace(out.Content)
	out.Reasoning = strings.TrimSpace(out.Reasoning)

	if out.Content == "" && len(out.ToolCalls) == 0 && resp != nil && resp.PromptFeedback != nil {
		if msg := strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage); msg != "" {
			out.Content = "Gemini blocked the prompt: " + msg
		}
	}

	var usage *types.Usage
	if resp != nil && resp.UsageMetadata != nil {
		usage = &types.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return types.Response{Message: out, Usage: usage}
}

func toToolCalls(parts []*genai.Part) []types.ToolCall {
	var out []types.ToolCall
	for _, part := range parts {
		if part == nil || part.FunctionCall == nil {
			continue
		}
		args := part.FunctionCall.Args
		if args == nil {
			args = map[string]any{}
		}
		raw, _ := json.Marshal(args)
		out = append(out, types.ToolCall{
			ID:        part.FunctionCall.ID,
			Name:      part.FunctionCall.Name,
			Arguments: raw,
		})
	}
	return out
}

func clampInt32(v int) int32 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

func toFunctionDeclarations(defs []types.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		schema := d.JSONSchema
		if len(schema) == 0 {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:                 d.Name,
			Description:          d.Description,
			ParametersJsonSchema: schema,
		})
	}
	return out
}

func toContents(messages []types.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Kind {
		case types.KindHuman:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))

		case types.KindAI:
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &args)
				}
				p := genai.NewPartFromFunctionCall(tc.Name, args)
				if tc.ID != "" {
					p.FunctionCall.ID = tc.ID
				}
				parts = append(parts, p)
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}

		case types.KindTool:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"output": m.Content}
			}
			p := genai.NewPartFromFunctionResponse(m.Name, response)
			if m.ToolCallID != "" {
				p.FunctionResponse.ID = m.ToolCallID
			}
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{p}, genai.RoleUser))
		}
	}
	return contents
}

var _ llm.StreamingProvider = (*Client)(nil)
