package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/flowexec/types"
)

// Document is one entry of a searchable corpus.
type Document struct {
	ID       string         `yaml:"id" json:"id"`
	Title    string         `yaml:"title" json:"title,omitempty"`
	Content  string         `yaml:"content" json:"content"`
	File     string         `yaml:"file" json:"file,omitempty"`
	Metadata map[string]any `yaml:"metadata" json:"metadata,omitempty"`
}

// LoadDocuments reads a YAML list of documents.
func LoadDocuments(path string) ([]Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	var docs []Document
	if err := yaml.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse documents %s: %w", path, err)
	}
	for i := range docs {
		if strings.TrimSpace(docs[i].ID) == "" {
			docs[i].ID = fmt.Sprintf("doc-%d", i+1)
		}
	}
	return docs, nil
}

// NewDocumentSearch ranks documents by query term frequency and returns the
// top matches as source documents.
func NewDocumentSearch(docs []Document, limit int) Tool {
	if limit <= 0 {
		limit = 3
	}
	corpus := slices.Clone(docs)
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Keywords to search for."},
		},
		"required": []string{"query"},
	}
	return NewFuncTool("document_search", "Search the knowledge base and return matching passages.", schema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid document_search args: %w", err)
			}
			terms := strings.Fields(strings.ToLower(in.Query))
			if len(terms) == 0 {
				return nil, fmt.Errorf("query is required")
			}

			type hit struct {
				doc   Document
				score int
			}
			hits := make([]hit, 0)
			for _, doc := range corpus {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				text := strings.ToLower(doc.Title + " " + doc.Content)
				score := 0
				for _, term := range terms {
					score += strings.Count(text, term)
				}
				if score > 0 {
					hits = append(hits, hit{doc: doc, score: score})
				}
			}
			slices.SortStableFunc(hits, func(a, b hit) int { return b.score - a.score })
			if len(hits) > limit {
				hits = hits[:limit]
			}

			res := Result{}
			passages := make([]string, 0, len(hits))
			for _, h := range hits {
				md := map[string]any{"id": h.doc.ID, "score": h.score}
				for k, v := range h.doc.Metadata {
					md[k] = v
				}
				if h.doc.Title != "" {
					md["title"] = h.doc.Title
				}
				res.SourceDocuments = append(res.SourceDocuments, types.SourceDocument{PageContent: h.doc.Content, Metadata: md})
				if h.doc.File != "" {
					res.FileAnnotations = append(res.FileAnnotations, types.FileAnnotation{
						FilePath: h.doc.File,
						FileName: filepath.Base(h.doc.File),
					})
				}
				passages = append(passages, h.doc.Content)
			}
			if len(passages) == 0 {
				res.Content = "no matching documents"
			} else {
				res.Content = strings.Join(passages, "\n---\n")
			}
			return res, nil
		})
}
