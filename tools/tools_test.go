package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculator(t *testing.T) {
	calc := NewCalculator()
	cases := map[string]string{
		"(2+3)*4": "20",
		"10/4":    "2.5",
		"-3+1.5":  "-1.5",
	}
	for expr, want := range cases {
		t.Run(expr, func(t *testing.T) {
			args, _ := json.Marshal(map[string]string{"expression": expr})
			out, err := calc.Execute(context.Background(), args)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"result": want}, out)
		})
	}
}

func TestCalculator_Rejects(t *testing.T) {
	calc := NewCalculator()
	for _, expr := range []string{"", "1/0", "2%3", "os.Exit(1)"} {
		args, _ := json.Marshal(map[string]string{"expression": expr})
		_, err := calc.Execute(context.Background(), args)
		assert.Error(t, err, expr)
	}
}

func TestRegistry_Build(t *testing.T) {
	reg := Builtins()

	got, err := reg.Build([]string{"@default", "calculator"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "calculator", got[0].Definition().Name)
	assert.Equal(t, "clock", got[1].Definition().Name)

	all, err := reg.Build([]string{"*"})
	require.NoError(t, err)
	assert.Len(t, all, len(reg.Catalog()))

	_, err = reg.Build([]string{"@missing"})
	assert.ErrorContains(t, err, "unknown tool bundle")
	_, err = reg.Build([]string{"nope"})
	assert.ErrorContains(t, err, "unknown tool")

	assert.Error(t, reg.Register("calculator", "", NewCalculator))
}

func TestDocumentSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: redis
  title: Redis streams
  content: Consumer groups deliver each stream entry to one consumer.
  file: docs/redis.md
- title: Checkpoints
  content: A checkpoint stores the messages of a thread.
  metadata:
    section: state
`), 0o600))

	docs, err := LoadDocuments(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc-2", docs[1].ID)

	search := NewDocumentSearch(docs, 5)
	out, err := search.Execute(context.Background(), json.RawMessage(`{"query":"stream consumer"}`))
	require.NoError(t, err)

	res := AsResult(out)
	require.Len(t, res.SourceDocuments, 1)
	assert.Equal(t, "redis", res.SourceDocuments[0].Metadata["id"])
	require.Len(t, res.FileAnnotations, 1)
	assert.Equal(t, "redis.md", res.FileAnnotations[0].FileName)

	out, err = search.Execute(context.Background(), json.RawMessage(`{"query":"kubernetes"}`))
	require.NoError(t, err)
	assert.Equal(t, "no matching documents", AsResult(out).Content)
}

func TestAsResult(t *testing.T) {
	assert.Equal(t, Result{Content: 3}, AsResult(3))
	assert.Equal(t, Result{Content: "x"}, AsResult(&Result{Content: "x"}))
	assert.Equal(t, Result{}, AsResult((*Result)(nil)))
}
