package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultTopK = 3

func (r *Registry) searchKnowledge(ctx context.Context, env Env, args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", errors.New("missing query argument")
	}

	topK := defaultTopK
	switch v := args["top_k"].(type) {
	case int:
		topK = v
	case float64:
		topK = int(v)
	}

	kbID := env.KnowledgeBaseID
	if raw, ok := args["kb_id"].(string); ok && raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return "", errors.Wrap(err, "invalid kb_id")
		}
		kbID = &parsed
	}

	vectors, err := r.embedder.CreateEmbeddings(ctx, env.Provider, env.EmbeddingModel, []string{query})
	if err != nil {
		return "", errors.Wrap(err, "embedding query")
	}
	if len(vectors) == 0 {
		return "", errors.New("embedding provider returned no vector")
	}

	hits, err := r.knowledge.SearchChunks(ctx, vectors[0], kbID, topK)
	if err != nil {
		return "", errors.Wrap(err, "searching chunks")
	}
	if len(hits) == 0 {
		return "No relevant content found in the knowledge base.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant passages:\n", len(hits))
	for i, hit := range hits {
		fmt.Fprintf(&b, "\n[%d] %s / %s (score %.3f)\n%s\n", i+1, hit.KnowledgeBase, hit.DocumentName, hit.Score, hit.Content)
	}
	return b.String(), nil
}
