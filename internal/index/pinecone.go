package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// PineconeIndex talks to a Pinecone-compatible REST endpoint. Chunk fields
// travel in vector metadata; the embedding itself is never read back except
// through queries.
type PineconeIndex struct {
	baseURL    string
	apiKey     string
	namespace  string
	httpClient *http.Client
}

func NewPineconeIndex(baseURL, apiKey, namespace string) *PineconeIndex {
	return &PineconeIndex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		namespace:  namespace,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata"`
}

func (p *PineconeIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	vectors := make([]pineconeVector, len(records))
	for i, r := range records {
		vectors[i] = pineconeVector{
			ID:     r.ID,
			Values: r.Embedding,
			Metadata: map[string]any{
				"document_id": r.DocumentID,
				"ordinal":     r.Ordinal,
				"page":        r.Page,
				"section":     r.Section,
				"text":        r.Text,
			},
		}
	}

	return p.post(ctx, "/vectors/upsert", map[string]any{
		"vectors":   vectors,
		"namespace": p.namespace,
	}, nil)
}

type pineconeQueryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float32        `json:"score"`
		Values   []float32      `json:"values"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

func (p *PineconeIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]ScoredRecord, error) {
	if k <= 0 {
		return nil, nil
	}

	payload := map[string]any{
		"vector":          vector,
		"topK":            k,
		"includeMetadata": true,
		"namespace":       p.namespace,
	}
	if filter.DocumentID != "" {
		payload["filter"] = map[string]any{
			"document_id": map[string]any{"$eq": filter.DocumentID},
		}
	}

	var resp pineconeQueryResponse
	if err := p.post(ctx, "/query", payload, &resp); err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		rec := Record{ID: m.ID, Embedding: m.Values}
		if m.Metadata != nil {
			rec.DocumentID, _ = m.Metadata["document_id"].(string)
			rec.Section, _ = m.Metadata["section"].(string)
			rec.Text, _ = m.Metadata["text"].(string)
			rec.Ordinal = metadataInt(m.Metadata["ordinal"])
			rec.Page = metadataInt(m.Metadata["page"])
		}
		results = append(results, ScoredRecord{Record: rec, Score: m.Score})
	}

	// The service orders by score, but tie order is unspecified. Re-sort so
	// equal scores rank the earlier passage first.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Ordinal < results[j].Ordinal
	})
	return results, nil
}

func (p *PineconeIndex) Delete(ctx context.Context, filter Filter) error {
	payload := map[string]any{"namespace": p.namespace}
	if filter.DocumentID != "" {
		payload["filter"] = map[string]any{
			"document_id": map[string]any{"$eq": filter.DocumentID},
		}
	} else {
		payload["deleteAll"] = true
	}
	return p.post(ctx, "/vectors/delete", payload, nil)
}

type pineconeStatsResponse struct {
	Namespaces map[string]struct {
		VectorCount int `json:"vectorCount"`
	} `json:"namespaces"`
	TotalVectorCount int `json:"totalVectorCount"`
}

// ErrCountUnsupported is returned when a backend cannot count vectors under
// the given filter. Callers treat it as "unknown", not as zero.
var ErrCountUnsupported = fmt.Errorf("vector count unsupported for this filter")

// Count reports vectors in the namespace. Pinecone index stats cannot be
// narrowed by metadata filter, so per-document counts are unsupported.
func (p *PineconeIndex) Count(ctx context.Context, filter Filter) (int, error) {
	if filter.DocumentID != "" {
		return 0, ErrCountUnsupported
	}

	var resp pineconeStatsResponse
	if err := p.post(ctx, "/describe_index_stats", map[string]any{}, &resp); err != nil {
		return 0, err
	}
	if p.namespace != "" {
		return resp.Namespaces[p.namespace].VectorCount, nil
	}
	return resp.TotalVectorCount, nil
}

func (p *PineconeIndex) post(ctx context.Context, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding pinecone request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building pinecone request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Api-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("pinecone %s: reading response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pinecone %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("pinecone %s: decoding response: %w", path, err)
		}
	}
	return nil
}

func metadataInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
