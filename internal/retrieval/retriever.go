// Package retrieval finds the passages most similar to a question.
package retrieval

import (
	"context"
	"fmt"

	"github.com/citeseek/citeseek/internal/index"
)

// QueryEmbedder embeds a single question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher answers nearest-neighbour queries.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.ScoredRecord, error)
}

// Retriever embeds a question and returns the passages scoring at or above
// the relevance floor. Zero passages is a normal outcome, not an error.
type Retriever struct {
	embedder QueryEmbedder
	searcher Searcher
	topK     int
	minScore float32
}

func New(embedder QueryEmbedder, searcher Searcher, topK int, minScore float32) *Retriever {
	return &Retriever{embedder: embedder, searcher: searcher, topK: topK, minScore: minScore}
}

// Retrieve searches documentID for passages relevant to question. limit
// overrides the configured top-k when positive.
func (r *Retriever) Retrieve(ctx context.Context, question, documentID string, limit int) ([]index.ScoredRecord, error) {
	if limit <= 0 {
		limit = r.topK
	}

	vector, err := r.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	hits, err := r.searcher.Search(ctx, vector, limit, index.Filter{DocumentID: documentID})
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	relevant := make([]index.ScoredRecord, 0, len(hits))
	for _, h := range hits {
		if h.Score >= r.minScore {
			relevant = append(relevant, h)
		}
	}
	return relevant, nil
}
