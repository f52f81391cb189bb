package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// SQLiteIndex scans embeddings brute force. Fine for single-document
// workloads capped at a few hundred chunks; a remote index takes over beyond
// that.
type SQLiteIndex struct {
	db        *sql.DB
	dimension int
	metric    string
}

func NewSQLiteIndex(db *sql.DB, dimension int, metric string) (*SQLiteIndex, error) {
	switch metric {
	case MetricCosine, MetricDotProduct:
	default:
		return nil, fmt.Errorf("unknown similarity metric %q", metric)
	}
	return &SQLiteIndex{db: db, dimension: dimension, metric: metric}, nil
}

func (s *SQLiteIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passage_vectors (id, document_id, ordinal, page, section, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			ordinal = excluded.ordinal,
			page = excluded.page,
			section = excluded.section,
			text = excluded.text,
			embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Embedding) != s.dimension {
			return fmt.Errorf("record %s has dimension %d, index expects %d",
				r.ID, len(r.Embedding), s.dimension)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.DocumentID, r.Ordinal,
			r.Page, r.Section, r.Text, encodeVector(r.Embedding)); err != nil {
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

type scoredID struct {
	id      string
	ordinal int
	score   float32
}

// minHeap keeps the k best candidates; the weakest sits at the root. Ties
// break toward the earlier ordinal.
type minHeap []scoredID

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].ordinal > h[j].ordinal
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(scoredID)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search scans every stored vector, keeps the top k in a heap, then fetches
// the full rows for the winners.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]ScoredRecord, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, index expects %d", len(vector), s.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	query := `SELECT id, ordinal, embedding FROM passage_vectors`
	var args []any
	if filter.DocumentID != "" {
		query += ` WHERE document_id = ?`
		args = append(args, filter.DocumentID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	h := &minHeap{}
	heap.Init(h)
	for rows.Next() {
		var id string
		var ordinal int
		var blob []byte
		if err := rows.Scan(&id, &ordinal, &blob); err != nil {
			return nil, fmt.Errorf("reading vector row: %w", err)
		}
		embedding, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector %s: %w", id, err)
		}

		score := s.similarity(vector, queryNorm, embedding)
		if h.Len() < k {
			heap.Push(h, scoredID{id: id, ordinal: ordinal, score: score})
		} else if worst := (*h)[0]; score > worst.score ||
			(score == worst.score && ordinal < worst.ordinal) {
			(*h)[0] = scoredID{id: id, ordinal: ordinal, score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Drain best last so the final slice is ordered best first.
	ranked := make([]scoredID, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		ranked[i] = heap.Pop(h).(scoredID)
	}
	return s.fetchRecords(ctx, ranked)
}

func (s *SQLiteIndex) fetchRecords(ctx context.Context, ranked []scoredID) ([]ScoredRecord, error) {
	ids := make([]any, len(ranked))
	placeholders := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
		placeholders[i] = "?"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, document_id, ordinal, page, section, text, embedding
		 FROM passage_vectors WHERE id IN (%s)`,
		strings.Join(placeholders, ",")), ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching search results: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Record, len(ranked))
	for rows.Next() {
		var r Record
		var blob []byte
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Ordinal, &r.Page,
			&r.Section, &r.Text, &blob); err != nil {
			return nil, fmt.Errorf("reading search result: %w", err)
		}
		embedding, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector %s: %w", r.ID, err)
		}
		r.Embedding = embedding
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetching search results: %w", err)
	}

	results := make([]ScoredRecord, 0, len(ranked))
	for _, sc := range ranked {
		rec, ok := byID[sc.id]
		if !ok {
			continue
		}
		results = append(results, ScoredRecord{Record: rec, Score: sc.score})
	}
	return results, nil
}

func (s *SQLiteIndex) Delete(ctx context.Context, filter Filter) error {
	query := `DELETE FROM passage_vectors`
	var args []any
	if filter.DocumentID != "" {
		query += ` WHERE document_id = ?`
		args = append(args, filter.DocumentID)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Count(ctx context.Context, filter Filter) (int, error) {
	query := `SELECT COUNT(*) FROM passage_vectors`
	var args []any
	if filter.DocumentID != "" {
		query += ` WHERE document_id = ?`
		args = append(args, filter.DocumentID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return count, nil
}

func (s *SQLiteIndex) similarity(query []float32, queryNorm float32, candidate []float32) float32 {
	dot := dotProduct(query, candidate)
	if s.metric == MetricDotProduct {
		return dot
	}
	denom := queryNorm * norm(candidate)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return float32(math.Sqrt(float64(sum)))
}

// encodeVector packs float32 values little endian, 4 bytes each.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}
