package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/agent"
	"github.com/PipeOpsHQ/flowexec/internal/config"
	"github.com/PipeOpsHQ/flowexec/llm"
	"github.com/PipeOpsHQ/flowexec/observe"
	"github.com/PipeOpsHQ/flowexec/providers/gemini"
	"github.com/PipeOpsHQ/flowexec/runner"
	"github.com/PipeOpsHQ/flowexec/tools"
)

// defaultFlow serves every flow id when the configuration declares none.
var defaultFlow = config.FlowConfig{ID: "*", Tools: []string{"@default"}}

// configuredFlows lists the flow ids the configuration serves, without
// building any agent. The API tier uses it to reject unknown flows early.
type configuredFlows []config.FlowConfig

func (c configuredFlows) Flows() []string {
	if len(c) == 0 {
		return []string{defaultFlow.ID}
	}
	ids := make([]string, 0, len(c))
	for _, f := range c {
		ids = append(ids, f.ID)
	}
	return ids
}

// providerFactory builds the model provider for one flow.
type providerFactory func(ctx context.Context, model string) (llm.Provider, error)

func geminiProvider(apiKey string) providerFactory {
	return func(ctx context.Context, model string) (llm.Provider, error) {
		return gemini.New(ctx, apiKey, gemini.WithModel(model))
	}
}

// toolRegistry returns the built-in tools plus document search when a
// document corpus is configured.
func toolRegistry(cfg config.ToolsConfig) (*tools.Registry, error) {
	registry := tools.Builtins()
	path := strings.TrimSpace(cfg.DocumentsPath)
	if path == "" {
		return registry, nil
	}
	docs, err := tools.LoadDocuments(path)
	if err != nil {
		return nil, err
	}
	if err := registry.Register("document_search", "Search the configured document corpus.", func() tools.Tool {
		return tools.NewDocumentSearch(docs, cfg.SearchLimit)
	}); err != nil {
		return nil, err
	}
	if err := registry.RegisterBundle("knowledge", []string{"document_search"}); err != nil {
		return nil, err
	}
	return registry, nil
}

// buildFlows builds one LLM agent per configured flow.
func buildFlows(ctx context.Context, cfg *config.Config, newProvider providerFactory, observer observe.Sink, logger *zap.Logger) (*runner.FlowRegistry, error) {
	registry, err := toolRegistry(cfg.Tools)
	if err != nil {
		return nil, err
	}
	flows := cfg.Flows
	if len(flows) == 0 {
		flows = []config.FlowConfig{defaultFlow}
	}

	resolver := runner.NewFlowRegistry()
	for _, f := range flows {
		model := strings.TrimSpace(f.Model)
		if model == "" {
			model = cfg.Provider.Model
		}
		provider, err := newProvider(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", f.ID, err)
		}
		flowTools, err := registry.Build(f.Tools)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", f.ID, err)
		}
		name := f.ID
		if name == "*" {
			name = "default"
		}
		a, err := agent.New(provider,
			agent.WithName(name),
			agent.WithSystemPrompt(f.SystemPrompt),
			agent.WithMaxIterations(f.MaxIterations),
			agent.WithMaxOutputTokens(f.MaxOutput),
			agent.WithToolTimeout(f.ToolTimeout),
			agent.WithParallelToolCalls(f.ParallelTools),
			agent.WithWindow(agent.Window{MaxMessages: f.MaxMessages, MaxTokens: f.MaxTokens}),
			agent.WithMiddleware(agent.NewLoggingMiddleware(logger)),
			agent.WithObserver(observer),
			agent.WithTools(flowTools...),
		)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", f.ID, err)
		}
		if err := resolver.Register(f.ID, a); err != nil {
			return nil, err
		}
		logger.Info("flow registered",
			zap.String("flow", f.ID),
			zap.String("model", model),
			zap.Int("tools", len(flowTools)),
		)
	}
	return resolver, nil
}
