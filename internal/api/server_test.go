package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/citeseek/citeseek/internal/extract"
	"github.com/citeseek/citeseek/internal/index"
	"github.com/citeseek/citeseek/internal/llm"
	"github.com/citeseek/citeseek/internal/pipeline"
	"github.com/citeseek/citeseek/internal/storage"
	"github.com/citeseek/citeseek/internal/synthesis"
)

type mockStore struct {
	getFn      func(id string) (storage.Document, error)
	listFn     func(limit int) ([]storage.Document, error)
	listLogsFn func(documentID string, limit int) ([]storage.QueryLog, error)
}

func (m *mockStore) GetDocument(id string) (storage.Document, error) {
	if m.getFn != nil {
		return m.getFn(id)
	}
	return storage.Document{}, storage.ErrNotFound
}

func (m *mockStore) ListDocuments(limit int) ([]storage.Document, error) {
	if m.listFn != nil {
		return m.listFn(limit)
	}
	return nil, nil
}

func (m *mockStore) ListQueryLogs(documentID string, limit int) ([]storage.QueryLog, error) {
	if m.listLogsFn != nil {
		return m.listLogsFn(documentID, limit)
	}
	return nil, nil
}

type mockIngestor struct {
	ingestFn    func(ctx context.Context, url string) (storage.Document, error)
	deleteFn    func(ctx context.Context, documentID string) error
	reconcileFn func(ctx context.Context, documentID string) error
}

func (m *mockIngestor) IngestURL(ctx context.Context, url string) (storage.Document, error) {
	return m.ingestFn(ctx, url)
}

func (m *mockIngestor) Delete(ctx context.Context, documentID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, documentID)
	}
	return nil
}

func (m *mockIngestor) Reconcile(ctx context.Context, documentID string) error {
	if m.reconcileFn != nil {
		return m.reconcileFn(ctx, documentID)
	}
	return nil
}

type mockAnswerer struct {
	answerFn func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error)
}

func (m *mockAnswerer) AnswerAll(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
	return m.answerFn(ctx, documentID, questions)
}

const testToken = "test-token"

func newTestHandler(store *mockStore, ing *mockIngestor, ans *mockAnswerer) http.Handler {
	return NewAppHandler(AppDeps{
		Store:    store,
		Ingestor: ing,
		Answerer: ans,
		Token:    testToken,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRunResponseShape(t *testing.T) {
	ing := &mockIngestor{ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
		return storage.Document{ID: "doc-1", Name: "a.pdf", URL: url}, nil
	}}
	ans := &mockAnswerer{answerFn: func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
		if documentID != "doc-1" {
			t.Errorf("documentID = %q, want doc-1", documentID)
		}
		return []pipeline.Result{{
			Question: questions[0],
			Answer: synthesis.Answer{
				Text:          "The term is five years.",
				Justification: "Stated in [c1].",
				Confidence:    0.9,
				Sources: []index.ScoredRecord{{
					Record: index.Record{
						ID: "c1", DocumentID: "doc-1", Ordinal: 3,
						Page: 2, Section: "ARTICLE 4.",
					},
					Score: 0.82,
				}},
			},
		}}, nil
	}}
	handler := newTestHandler(&mockStore{}, ing, ans)

	rec := doRequest(t, handler, http.MethodPost, "/run", RunRequest{
		Documents: "https://example.com/a.pdf",
		Questions: []string{"what is the term?"},
	}, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	results, ok := resp["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("results = %v", resp["results"])
	}
	item := results[0].(map[string]any)
	if item["question"] != "what is the term?" || item["answer"] != "The term is five years." {
		t.Errorf("item = %v", item)
	}
	if item["justification"] != "Stated in [c1]." {
		t.Errorf("justification = %v", item["justification"])
	}
	if _, present := item["error"]; present {
		t.Error("error key present on a successful result")
	}
	sources := item["sources"].([]any)
	src := sources[0].(map[string]any)
	if src["id"] != "c1" {
		t.Errorf("source id = %v", src["id"])
	}
	meta := src["metadata"].(map[string]any)
	if meta["document_id"] != "doc-1" || meta["ordinal"] != float64(3) || meta["page"] != float64(2) {
		t.Errorf("metadata = %v", meta)
	}
}

func TestRunPerQuestionErrorSlot(t *testing.T) {
	ing := &mockIngestor{ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
		return storage.Document{ID: "doc-1"}, nil
	}}
	ans := &mockAnswerer{answerFn: func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
		return []pipeline.Result{
			{Question: "q1", Answer: synthesis.Answer{Text: "a1", Sources: []index.ScoredRecord{}}},
			{Question: "q2", Err: &llm.ProviderError{Op: "chat", Kind: llm.KindServerError, Retryable: true}},
			{Question: "q3", Answer: synthesis.Answer{Text: "a3", Sources: []index.ScoredRecord{}}},
		}, nil
	}}
	handler := newTestHandler(&mockStore{}, ing, ans)

	rec := doRequest(t, handler, http.MethodPost, "/run", RunRequest{
		Documents: "https://example.com/a.pdf",
		Questions: []string{"q1", "q2", "q3"},
	}, true)

	var resp RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}
	if resp.Results[0].Error != "" || resp.Results[2].Error != "" {
		t.Errorf("healthy slots carry errors: %+v", resp.Results)
	}
	if resp.Results[1].Error != "provider_error" {
		t.Errorf("failed slot error = %q, want provider_error", resp.Results[1].Error)
	}
	if resp.Results[1].Answer != "" {
		t.Errorf("failed slot has answer %q", resp.Results[1].Answer)
	}
}

func TestRunReusesDuplicateDocument(t *testing.T) {
	var reconciled string
	ing := &mockIngestor{
		ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
			return storage.Document{}, &pipeline.DuplicateDocumentError{URL: url, ExistingID: "existing-doc"}
		},
		reconcileFn: func(ctx context.Context, documentID string) error {
			reconciled = documentID
			return nil
		},
	}
	var askedDoc string
	ans := &mockAnswerer{answerFn: func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
		askedDoc = documentID
		return []pipeline.Result{}, nil
	}}
	handler := newTestHandler(&mockStore{}, ing, ans)

	rec := doRequest(t, handler, http.MethodPost, "/run", RunRequest{
		Documents: "https://example.com/same.pdf",
		Questions: []string{},
	}, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if askedDoc != "existing-doc" {
		t.Errorf("answered against %q, want existing-doc", askedDoc)
	}
	if reconciled != "existing-doc" {
		t.Errorf("reconciled %q, want existing-doc", reconciled)
	}
}

func TestRunReingestsSkewedDuplicate(t *testing.T) {
	// First ingest reports a duplicate; reconciliation finds the document
	// skewed and removes it, so the retry ingests fresh.
	removed := false
	ing := &mockIngestor{
		ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
			if removed {
				return storage.Document{ID: "fresh-doc", URL: url}, nil
			}
			return storage.Document{}, &pipeline.DuplicateDocumentError{URL: url, ExistingID: "stale-doc"}
		},
		reconcileFn: func(ctx context.Context, documentID string) error {
			if documentID != "stale-doc" {
				t.Errorf("reconciled %q, want stale-doc", documentID)
			}
			removed = true
			return nil
		},
	}
	var askedDoc string
	ans := &mockAnswerer{answerFn: func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
		askedDoc = documentID
		return []pipeline.Result{}, nil
	}}
	handler := newTestHandler(&mockStore{}, ing, ans)

	rec := doRequest(t, handler, http.MethodPost, "/run", RunRequest{
		Documents: "https://example.com/same.pdf",
		Questions: []string{},
	}, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if askedDoc != "fresh-doc" {
		t.Errorf("answered against %q, want fresh-doc", askedDoc)
	}
}

func TestRunLimitExceeded(t *testing.T) {
	ing := &mockIngestor{ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
		return storage.Document{ID: "doc-1"}, nil
	}}
	ans := &mockAnswerer{answerFn: func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
		return nil, &pipeline.LimitError{Kind: pipeline.LimitQuestions, Limit: 10, Actual: 12}
	}}
	handler := newTestHandler(&mockStore{}, ing, ans)

	rec := doRequest(t, handler, http.MethodPost, "/run", RunRequest{
		Documents: "https://example.com/a.pdf",
		Questions: make([]string, 12),
	}, true)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	var resp map[string]map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"]["type"] != "limit_exceeded" {
		t.Errorf("error type = %q, want limit_exceeded", resp["error"]["type"])
	}
}

func TestRunMissingDocuments(t *testing.T) {
	handler := newTestHandler(&mockStore{},
		&mockIngestor{ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
			t.Error("ingest must not run without a documents url")
			return storage.Document{}, nil
		}},
		&mockAnswerer{answerFn: func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
			return nil, nil
		}})

	rec := doRequest(t, handler, http.MethodPost, "/run", RunRequest{Questions: []string{"q"}}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	handler := newTestHandler(&mockStore{},
		&mockIngestor{ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
			return storage.Document{}, nil
		}},
		&mockAnswerer{answerFn: func(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error) {
			return nil, nil
		}})

	rec := doRequest(t, handler, http.MethodPost, "/run", RunRequest{Documents: "https://x"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /run status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="citeseek"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	rec = doRequest(t, handler, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without auth", rec.Code)
	}
}

func TestIngestDocumentConflict(t *testing.T) {
	ing := &mockIngestor{ingestFn: func(ctx context.Context, url string) (storage.Document, error) {
		return storage.Document{}, &pipeline.DuplicateDocumentError{URL: url, ExistingID: "doc-9"}
	}}
	handler := newTestHandler(&mockStore{}, ing, &mockAnswerer{answerFn: nil})

	rec := doRequest(t, handler, http.MethodPost, "/documents",
		map[string]string{"url": "https://example.com/a.pdf"}, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	handler := newTestHandler(&mockStore{}, &mockIngestor{ingestFn: nil}, &mockAnswerer{answerFn: nil})

	rec := doRequest(t, handler, http.MethodGet, "/documents/missing", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"limit", &pipeline.LimitError{Kind: pipeline.LimitChunks}, 422, "limit_exceeded"},
		{"unsupported format", fmt.Errorf("extracting a.png: %w", extract.ErrUnsupportedFormat), 422, "extraction_error"},
		{"corrupt input", fmt.Errorf("extracting a.pdf: %w", extract.ErrCorruptInput), 422, "extraction_error"},
		{"provider", &llm.ProviderError{Op: "chat", Kind: llm.KindRateLimited}, 502, "provider_error"},
		{"index batch", &index.BatchError{Err: errors.New("down")}, 502, "index_error"},
		{"not found", storage.ErrNotFound, 404, "not_found"},
		{"timeout", context.DeadlineExceeded, 504, "timeout"},
		{"unknown", errors.New("boom"), 500, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classifyError(tt.err)
			if status != tt.wantStatus || kind != tt.wantKind {
				t.Errorf("classifyError() = %d, %q, want %d, %q", status, kind, tt.wantStatus, tt.wantKind)
			}
		})
	}
}
