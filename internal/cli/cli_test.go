package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/internal/config"
	"github.com/PipeOpsHQ/flowexec/llm"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/types"
)

type stubProvider struct{ model string }

func (p stubProvider) Name() string                   { return "stub" }
func (p stubProvider) Capabilities() llm.Capabilities { return llm.Capabilities{Tools: true} }
func (p stubProvider) Generate(context.Context, types.Request) (types.Response, error) {
	return types.Response{}, nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfiguredFlows(t *testing.T) {
	assert.Equal(t, []string{"*"}, configuredFlows(nil).Flows())
	assert.Equal(t, []string{"support", "sales"}, configuredFlows{{ID: "support"}, {ID: "sales"}}.Flows())
}

func TestToolRegistry_DocumentSearchNeedsCorpus(t *testing.T) {
	registry, err := toolRegistry(config.ToolsConfig{})
	require.NoError(t, err)
	_, err = registry.Build([]string{"@knowledge"})
	assert.Error(t, err)

	docs := filepath.Join(t.TempDir(), "docs.yaml")
	require.NoError(t, os.WriteFile(docs, []byte("- id: refunds\n  content: refunds take five days\n"), 0o600))
	registry, err = toolRegistry(config.ToolsConfig{DocumentsPath: docs, SearchLimit: 2})
	require.NoError(t, err)
	built, err := registry.Build([]string{"@knowledge", "@default"})
	require.NoError(t, err)
	assert.Len(t, built, 3)
}

func TestBuildFlows_DefaultsAndModelOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Flows = []config.FlowConfig{
		{ID: "support", Tools: []string{"calculator"}},
		{ID: "research", Model: "gemini-2.5-pro"},
	}
	var models []string
	newProvider := func(_ context.Context, model string) (llm.Provider, error) {
		models = append(models, model)
		return stubProvider{model: model}, nil
	}

	flows, err := buildFlows(context.Background(), cfg, newProvider, nil, zap.NewNop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"support", "research"}, flows.Flows())
	assert.Equal(t, []string{cfg.Provider.Model, "gemini-2.5-pro"}, models)

	_, err = flows.Resolve(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestBuildFlows_NoneConfiguredServesEveryFlow(t *testing.T) {
	newProvider := func(context.Context, string) (llm.Provider, error) { return stubProvider{}, nil }
	flows, err := buildFlows(context.Background(), config.Default(), newProvider, nil, zap.NewNop())
	require.NoError(t, err)

	a, err := flows.Resolve(context.Background(), "anything")
	require.NoError(t, err)
	named, ok := a.(interface{ Name() string })
	require.True(t, ok)
	assert.Equal(t, "default", named.Name())
}

func TestBuildFlows_UnknownToolFails(t *testing.T) {
	cfg := config.Default()
	cfg.Flows = []config.FlowConfig{{ID: "support", Tools: []string{"teleport"}}}
	newProvider := func(context.Context, string) (llm.Provider, error) { return stubProvider{}, nil }
	_, err := buildFlows(context.Background(), cfg, newProvider, nil, zap.NewNop())
	assert.ErrorContains(t, err, `flow "support"`)
}

func TestCheckpointCommands_SQLite(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\n  format: console\ncheckpoint:\n  backend: sqlite\n  sqlitePath: "+
		filepath.Join(t.TempDir(), "cp.db")+"\n")

	_, err := execute(t, "--config", path, "checkpoint", "history", "thread-1")
	assert.ErrorContains(t, err, "thread-1")

	out, err := execute(t, "--config", path, "checkpoint", "clear", "thread-1")
	require.NoError(t, err)
	assert.Contains(t, out, "thread thread-1 cleared")

	out, err = execute(t, "--config", path, "checkpoint", "clear", "thread-1", "--delete")
	require.NoError(t, err)
	assert.Contains(t, out, "thread thread-1 deleted")
}

func TestQueueCommands_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	path := writeConfig(t, "log:\n  level: error\n  format: console\ncheckpoint:\n  backend: memory\n")

	out, err := execute(t, "--config", path, "queue", "counts")
	require.NoError(t, err)
	var counts queue.Counts
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, queue.Counts{}, counts)

	_, err = execute(t, "--config", path, "queue", "purge")
	assert.ErrorContains(t, err, "--yes")

	out, err = execute(t, "--config", path, "queue", "purge", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "queue purged")
}
