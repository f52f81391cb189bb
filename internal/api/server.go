// Package api exposes the pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/citeseek/citeseek/internal/extract"
	"github.com/citeseek/citeseek/internal/index"
	"github.com/citeseek/citeseek/internal/llm"
	"github.com/citeseek/citeseek/internal/pipeline"
	"github.com/citeseek/citeseek/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RunRequest is the one-shot ingest-and-answer request.
type RunRequest struct {
	Documents string   `json:"documents"`
	Questions []string `json:"questions"`
}

// RunResponse carries one result slot per question, in request order.
type RunResponse struct {
	Results []ResultItem `json:"results"`
}

// ResultItem is the outcome for one question. Error holds a stable kind
// string when the question failed; the other fields are then empty.
type ResultItem struct {
	Question      string      `json:"question"`
	Answer        string      `json:"answer"`
	Justification string      `json:"justification"`
	Sources       []SourceRef `json:"sources"`
	Error         string      `json:"error,omitempty"`
}

// SourceRef points at one passage the answer drew from.
type SourceRef struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Metadata SourceMetadata `json:"metadata"`
}

type SourceMetadata struct {
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Page       int    `json:"page"`
	Section    string `json:"section,omitempty"`
}

// DocumentStore covers the read operations the API serves directly.
type DocumentStore interface {
	GetDocument(id string) (storage.Document, error)
	ListDocuments(limit int) ([]storage.Document, error)
	ListQueryLogs(documentID string, limit int) ([]storage.QueryLog, error)
}

// Ingestor runs document ingestion.
type Ingestor interface {
	IngestURL(ctx context.Context, url string) (storage.Document, error)
	Delete(ctx context.Context, documentID string) error
	Reconcile(ctx context.Context, documentID string) error
}

// Answerer answers a batch of questions against one document.
type Answerer interface {
	AnswerAll(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error)
}

// AppDeps holds the handler dependencies.
type AppDeps struct {
	Store    DocumentStore
	Ingestor Ingestor
	Answerer Answerer
	Token    string
	Logger   *slog.Logger
}

// NewAppHandler builds the router. Everything except the health probe sits
// behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/run", handleRun(deps))
		r.Post("/documents", handleIngestDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/documents/{id}/queries", handleListQueries(deps))
	})

	return r
}

func handleRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
			return
		}
		if req.Documents == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "documents is required")
			return
		}

		documentID, err := resolveDocument(r.Context(), deps, req.Documents)
		if err != nil {
			status, kind := classifyError(err)
			deps.Logger.Error("run ingest failed", "url", req.Documents, "error", err)
			httpError(w, status, kind, "ingesting document failed")
			return
		}

		results, err := deps.Answerer.AnswerAll(r.Context(), documentID, req.Questions)
		if err != nil {
			status, kind := classifyError(err)
			httpError(w, status, kind, "answering failed")
			return
		}

		resp := RunResponse{Results: make([]ResultItem, len(results))}
		for i, res := range results {
			resp.Results[i] = toResultItem(res)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// resolveDocument ingests the URL, or reuses the existing document when the
// URL was ingested before. A reused document is reconciled first: if its
// chunk rows and vectors disagree it is removed, and the second ingest then
// rebuilds it from scratch.
func resolveDocument(ctx context.Context, deps AppDeps, url string) (string, error) {
	doc, err := deps.Ingestor.IngestURL(ctx, url)
	if err == nil {
		return doc.ID, nil
	}
	var dup *pipeline.DuplicateDocumentError
	if !errors.As(err, &dup) {
		return "", err
	}

	if err := deps.Ingestor.Reconcile(ctx, dup.ExistingID); err != nil {
		return "", fmt.Errorf("reconciling document %s: %w", dup.ExistingID, err)
	}
	doc, err = deps.Ingestor.IngestURL(ctx, url)
	if err == nil {
		return doc.ID, nil
	}
	if errors.As(err, &dup) {
		return dup.ExistingID, nil
	}
	return "", err
}

func toResultItem(res pipeline.Result) ResultItem {
	item := ResultItem{Question: res.Question}
	if res.Err != nil {
		_, kind := classifyError(res.Err)
		item.Error = kind
		item.Sources = []SourceRef{}
		return item
	}

	item.Answer = res.Answer.Text
	item.Justification = res.Answer.Justification
	item.Sources = make([]SourceRef, len(res.Answer.Sources))
	for i, s := range res.Answer.Sources {
		item.Sources[i] = SourceRef{
			ID:    s.ID,
			Score: s.Score,
			Metadata: SourceMetadata{
				DocumentID: s.DocumentID,
				Ordinal:    s.Ordinal,
				Page:       s.Page,
				Section:    s.Section,
			},
		}
	}
	return item
}

type ingestRequest struct {
	URL string `json:"url"`
}

func handleIngestDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "url is required")
			return
		}

		doc, err := deps.Ingestor.IngestURL(r.Context(), req.URL)
		if err != nil {
			var dup *pipeline.DuplicateDocumentError
			if errors.As(err, &dup) {
				httpError(w, http.StatusConflict, "duplicate_document",
					"document already ingested as %s", dup.ExistingID)
				return
			}
			status, kind := classifyError(err)
			deps.Logger.Error("ingest failed", "url", req.URL, "error", err)
			httpError(w, status, kind, "ingesting document failed")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":   doc.ID,
			"name": doc.Name,
			"url":  doc.URL,
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.ListDocuments(100)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "listing documents failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Store.GetDocument(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "loading document failed")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Ingestor.Delete(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "deleting document failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListQueries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := deps.Store.ListQueryLogs(chi.URLParam(r, "id"), 100)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "listing queries failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queries": logs})
	}
}

// classifyError maps pipeline errors to an HTTP status and a stable kind
// string. Provider detail never reaches the response.
func classifyError(err error) (int, string) {
	var limitErr *pipeline.LimitError
	var providerErr *llm.ProviderError
	var batchErr *index.BatchError

	switch {
	case errors.As(err, &limitErr):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, extract.ErrUnsupportedFormat), errors.Is(err, extract.ErrCorruptInput):
		return http.StatusUnprocessableEntity, "extraction_error"
	case errors.As(err, &providerErr):
		return http.StatusBadGateway, "provider_error"
	case errors.As(err, &batchErr):
		return http.StatusBadGateway, "index_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
