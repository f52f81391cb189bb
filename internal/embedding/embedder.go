// Package embedding turns chunk texts into vectors, batching provider calls
// and retrying transient failures.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/citeseek/citeseek/internal/llm"
)

// Provider embeds a batch of texts in input order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder splits inputs into provider-sized batches. Batches run
// sequentially so a provider rate limit is not amplified.
type Embedder struct {
	provider   Provider
	batchSize  int
	dimension  int
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

func New(provider Provider, batchSize, dimension, maxRetries int, logger *slog.Logger) *Embedder {
	return &Embedder{
		provider:   provider,
		batchSize:  batchSize,
		dimension:  dimension,
		maxRetries: maxRetries,
		backoff:    time.Second,
		logger:     logger,
	}
}

// EmbedTexts embeds all texts, preserving input order. On failure the error
// names the sub-batch range that failed.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d..%d: %w", start, end-1, err)
		}
		for i, v := range batch {
			if len(v) != e.dimension {
				return nil, fmt.Errorf("embedding batch %d..%d: vector %d has dimension %d, want %d",
					start, end-1, start+i, len(v), e.dimension)
			}
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EmbedQuery embeds a single question.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedWithRetry retries retryable provider errors with exponential backoff.
// Terminal errors and context cancellation stop immediately.
func (e *Embedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := e.backoff
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Warn("retrying embedding batch",
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		vectors, err := e.provider.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if !llm.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
