package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/citeseek/citeseek/internal/storage"
)

func openTestIndex(t *testing.T, metric string) *SQLiteIndex {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx, err := NewSQLiteIndex(store.DB(), 3, metric)
	if err != nil {
		t.Fatalf("NewSQLiteIndex() error = %v", err)
	}
	return idx
}

func record(id, docID string, ordinal int, embedding []float32) Record {
	return Record{
		ID:         id,
		DocumentID: docID,
		Ordinal:    ordinal,
		Page:       1,
		Section:    "PART I",
		Text:       fmt.Sprintf("passage %s", id),
		Embedding:  embedding,
	}
}

func TestSQLiteSearchRanksByCosine(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Record{
		record("a", "doc1", 0, []float32{1, 0, 0}),
		record("b", "doc1", 1, []float32{0.9, 0.1, 0}),
		record("c", "doc1", 2, []float32{0, 1, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, Filter{DocumentID: "doc1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search() returned %d results, want 2", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("ranking = [%s, %s], want [a, b]", results[0].ID, results[1].ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v, %v", results[0].Score, results[1].Score)
	}
	if results[0].Text != "passage a" || results[0].Section != "PART I" {
		t.Errorf("metadata not round-tripped: %+v", results[0].Record)
	}
}

func TestSQLiteSearchTieBreaksByOrdinal(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)
	ctx := context.Background()

	// Identical vectors score identically; the earlier passage must win.
	err := idx.Upsert(ctx, []Record{
		record("late", "doc1", 7, []float32{1, 0, 0}),
		record("early", "doc1", 2, []float32{1, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 1, Filter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "early" {
		t.Errorf("tie break picked %v, want early", results)
	}
}

func TestSQLiteSearchIsDeterministic(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)
	ctx := context.Background()

	// Mix of distinct and tied scores; the ordering must not depend on
	// scan order between calls.
	err := idx.Upsert(ctx, []Record{
		record("a", "doc1", 4, []float32{1, 0, 0}),
		record("b", "doc1", 1, []float32{1, 0, 0}),
		record("c", "doc1", 2, []float32{0.5, 0.5, 0}),
		record("d", "doc1", 3, []float32{0, 1, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	first, err := idx.Search(ctx, []float32{1, 0, 0}, 3, Filter{DocumentID: "doc1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	second, err := idx.Search(ctx, []float32{1, 0, 0}, 3, Filter{DocumentID: "doc1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("result counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Score != second[i].Score {
			t.Errorf("result %d differs between calls: %s/%v vs %s/%v",
				i, first[i].ID, first[i].Score, second[i].ID, second[i].Score)
		}
	}
	if first[0].ID != "b" || first[1].ID != "a" {
		t.Errorf("tied scores ordered [%s, %s], want [b, a]", first[0].ID, first[1].ID)
	}
}

func TestSQLiteSearchFilterByDocument(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Record{
		record("a", "doc1", 0, []float32{1, 0, 0}),
		record("b", "doc2", 0, []float32{1, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{DocumentID: "doc2"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "b" {
		t.Errorf("filtered search = %v, want only b", results)
	}
}

func TestSQLiteSearchEmptyIndex(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() on empty index = %v, want empty", results)
	}
}

func TestSQLiteDotProductMetric(t *testing.T) {
	idx := openTestIndex(t, MetricDotProduct)
	ctx := context.Background()

	// Under dot product the longer vector wins even though both point the
	// same way.
	err := idx.Upsert(ctx, []Record{
		record("unit", "doc1", 0, []float32{1, 0, 0}),
		record("long", "doc1", 1, []float32{3, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 1, Filter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if results[0].ID != "long" {
		t.Errorf("dot product ranking picked %s, want long", results[0].ID)
	}
}

func TestSQLiteUpsertReplacesByID(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)
	ctx := context.Background()

	if err := idx.Upsert(ctx, []Record{record("a", "doc1", 0, []float32{1, 0, 0})}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := idx.Upsert(ctx, []Record{record("a", "doc1", 0, []float32{0, 1, 0})}); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	count, err := idx.Count(ctx, Filter{})
	if err != nil || count != 1 {
		t.Errorf("Count() = %d, %v, want 1, nil", count, err)
	}

	results, err := idx.Search(ctx, []float32{0, 1, 0}, 1, Filter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if results[0].Score < 0.99 {
		t.Errorf("vector not replaced, score = %v", results[0].Score)
	}
}

func TestSQLiteUpsertRejectsWrongDimension(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)

	err := idx.Upsert(context.Background(), []Record{record("a", "doc1", 0, []float32{1, 0})})
	if err == nil {
		t.Error("Upsert() with wrong dimension succeeded")
	}
}

func TestSQLiteDeleteByDocument(t *testing.T) {
	idx := openTestIndex(t, MetricCosine)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Record{
		record("a", "doc1", 0, []float32{1, 0, 0}),
		record("b", "doc2", 0, []float32{0, 1, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := idx.Delete(ctx, Filter{DocumentID: "doc1"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if n, _ := idx.Count(ctx, Filter{DocumentID: "doc1"}); n != 0 {
		t.Errorf("doc1 count after delete = %d, want 0", n)
	}
	if n, _ := idx.Count(ctx, Filter{DocumentID: "doc2"}); n != 1 {
		t.Errorf("doc2 count after delete = %d, want 1", n)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decodeVector() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("decodeVector() accepted truncated blob")
	}
}
