// Package index stores chunk embeddings and answers similarity queries.
// Two backends implement the same interface: a local sqlite table scanned
// brute force, and a remote Pinecone-compatible REST service.
package index

import (
	"context"
	"fmt"
)

// Similarity metrics. Vectors are compared with the metric the index was
// created with; mixing metrics across an index is a configuration error.
const (
	MetricCosine     = "cosine"
	MetricDotProduct = "dotproduct"
)

// Record is one embedded chunk.
type Record struct {
	ID         string
	DocumentID string
	Ordinal    int
	Page       int
	Section    string
	Text       string
	Embedding  []float32
}

// ScoredRecord is a search hit with its similarity score.
type ScoredRecord struct {
	Record
	Score float32
}

// Filter restricts operations to one document. The zero value matches
// everything.
type Filter struct {
	DocumentID string
}

// Index is the vector store contract shared by all backends.
type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]ScoredRecord, error)
	Delete(ctx context.Context, filter Filter) error
	Count(ctx context.Context, filter Filter) (int, error)
}

// BatchError reports a failed upsert. FailedIDs covers the batch that failed
// plus every record that was never attempted, so callers know exactly which
// vectors are absent from the index.
type BatchError struct {
	FailedIDs []string
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upsert failed for %d records: %v", len(e.FailedIDs), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// BatchingUpserter splits large upserts into fixed-size batches so a single
// oversized request cannot be rejected by a remote backend.
type BatchingUpserter struct {
	index     Index
	batchSize int
}

func NewBatchingUpserter(index Index, batchSize int) *BatchingUpserter {
	return &BatchingUpserter{index: index, batchSize: batchSize}
}

// UpsertAll writes records batch by batch. On the first failure it stops and
// returns a BatchError naming the failing batch and all unattempted records.
func (u *BatchingUpserter) UpsertAll(ctx context.Context, records []Record) error {
	for start := 0; start < len(records); start += u.batchSize {
		end := start + u.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := u.index.Upsert(ctx, records[start:end]); err != nil {
			failed := make([]string, 0, len(records)-start)
			for _, r := range records[start:] {
				failed = append(failed, r.ID)
			}
			return &BatchError{FailedIDs: failed, Err: err}
		}
	}
	return nil
}
