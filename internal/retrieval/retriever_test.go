package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/citeseek/citeseek/internal/index"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

type mockSearcher struct {
	searchFn func(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.ScoredRecord, error)
}

func (m *mockSearcher) Search(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.ScoredRecord, error) {
	return m.searchFn(ctx, vector, k, filter)
}

func scored(id string, score float32) index.ScoredRecord {
	return index.ScoredRecord{Record: index.Record{ID: id}, Score: score}
}

func TestRetrieveFiltersBelowMinScore(t *testing.T) {
	e := &mockEmbedder{embedFn: func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}
	s := &mockSearcher{searchFn: func(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.ScoredRecord, error) {
		return []index.ScoredRecord{
			scored("strong", 0.9),
			scored("borderline", 0.3),
			scored("weak", 0.29),
		}, nil
	}}
	r := New(e, s, 10, 0.3)

	hits, err := r.Retrieve(context.Background(), "q", "doc1", 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "strong" || hits[1].ID != "borderline" {
		t.Errorf("hits = %v", hits)
	}
}

func TestRetrievePassesFilterAndLimit(t *testing.T) {
	var gotK int
	var gotFilter index.Filter
	e := &mockEmbedder{embedFn: func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1}, nil
	}}
	s := &mockSearcher{searchFn: func(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.ScoredRecord, error) {
		gotK = k
		gotFilter = filter
		return nil, nil
	}}
	r := New(e, s, 10, 0)

	if _, err := r.Retrieve(context.Background(), "q", "doc7", 3); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if gotK != 3 {
		t.Errorf("limit override: k = %d, want 3", gotK)
	}
	if gotFilter.DocumentID != "doc7" {
		t.Errorf("filter = %+v, want doc7", gotFilter)
	}

	if _, err := r.Retrieve(context.Background(), "q", "doc7", 0); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if gotK != 10 {
		t.Errorf("default k = %d, want 10", gotK)
	}
}

func TestRetrieveZeroResultsIsNotAnError(t *testing.T) {
	e := &mockEmbedder{embedFn: func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1}, nil
	}}
	s := &mockSearcher{searchFn: func(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.ScoredRecord, error) {
		return nil, nil
	}}
	r := New(e, s, 10, 0.3)

	hits, err := r.Retrieve(context.Background(), "q", "doc1", 0)
	if err != nil {
		t.Errorf("Retrieve() error = %v, want nil", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %v, want empty", hits)
	}
}

func TestRetrieveEmbedderFailure(t *testing.T) {
	wantErr := errors.New("provider down")
	e := &mockEmbedder{embedFn: func(ctx context.Context, text string) ([]float32, error) {
		return nil, wantErr
	}}
	s := &mockSearcher{searchFn: func(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.ScoredRecord, error) {
		t.Error("search must not run when embedding fails")
		return nil, nil
	}}
	r := New(e, s, 10, 0)

	if _, err := r.Retrieve(context.Background(), "q", "doc1", 0); !errors.Is(err, wantErr) {
		t.Errorf("Retrieve() error = %v, want wrapped provider error", err)
	}
}
