// Package pipeline orchestrates ingestion and answering. It owns the order
// of operations and the cleanup when a stage fails partway.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citeseek/citeseek/internal/chunking"
	"github.com/citeseek/citeseek/internal/extract"
	"github.com/citeseek/citeseek/internal/index"
	"github.com/citeseek/citeseek/internal/storage"
)

// LimitError reports a request that exceeds a configured cap. Kind is a
// stable identifier for the limit that tripped.
type LimitError struct {
	Kind   string
	Limit  int
	Actual int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d > %d", e.Kind, e.Actual, e.Limit)
}

// Limit kinds.
const (
	LimitDocumentBytes = "document_bytes"
	LimitChunks        = "chunks_per_document"
	LimitQuestions     = "questions_per_request"
)

// DuplicateDocumentError reports an already-ingested URL and the id of the
// existing document so callers can answer against it instead.
type DuplicateDocumentError struct {
	URL        string
	ExistingID string
}

func (e *DuplicateDocumentError) Error() string {
	return fmt.Sprintf("document already ingested: %s (id %s)", e.URL, e.ExistingID)
}

// MetadataStore persists documents and chunks.
type MetadataStore interface {
	SaveDocumentWithChunks(doc storage.Document, chunks []storage.Chunk) error
	GetDocumentByURL(url string) (storage.Document, error)
	GetDocument(id string) (storage.Document, error)
	DeleteDocument(id string) error
	CountChunks(documentID string) (int, error)
}

// ChunkEmbedder embeds chunk texts in order.
type ChunkEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter covers everything ingestion does to the vector index.
type VectorWriter interface {
	UpsertAll(ctx context.Context, records []index.Record) error
	Delete(ctx context.Context, filter index.Filter) error
	Count(ctx context.Context, filter index.Filter) (int, error)
}

// Ingestor runs the ingest flow: fetch, extract, chunk, embed, index,
// persist. Chunks reach the vector index before metadata commits, so a crash
// can strand vectors but never strand a document without vectors.
type Ingestor struct {
	store     MetadataStore
	extractor *extract.Registry
	chunker   *chunking.Chunker
	embedder  ChunkEmbedder
	vectors   VectorWriter

	maxBytes  int64
	maxChunks int
	dimension int

	httpClient *http.Client
	logger     *slog.Logger

	probeMu   sync.Mutex
	probeDone bool
}

func NewIngestor(
	store MetadataStore,
	extractor *extract.Registry,
	chunker *chunking.Chunker,
	embedder ChunkEmbedder,
	vectors VectorWriter,
	maxBytes int64,
	maxChunks int,
	dimension int,
	logger *slog.Logger,
) *Ingestor {
	return &Ingestor{
		store:      store,
		extractor:  extractor,
		chunker:    chunker,
		embedder:   embedder,
		vectors:    vectors,
		maxBytes:   maxBytes,
		maxChunks:  maxChunks,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// IngestURL downloads a document and ingests it. The download is capped at
// the byte limit; larger documents fail without buffering the excess.
func (ing *Ingestor) IngestURL(ctx context.Context, rawURL string) (storage.Document, error) {
	if existing, err := ing.store.GetDocumentByURL(rawURL); err == nil {
		return storage.Document{}, &DuplicateDocumentError{URL: rawURL, ExistingID: existing.ID}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Document{}, fmt.Errorf("checking for existing document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return storage.Document{}, fmt.Errorf("building download request: %w", err)
	}
	resp, err := ing.httpClient.Do(req)
	if err != nil {
		return storage.Document{}, fmt.Errorf("downloading document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return storage.Document{}, fmt.Errorf("downloading document: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, ing.maxBytes+1))
	if err != nil {
		return storage.Document{}, fmt.Errorf("reading document body: %w", err)
	}
	if int64(len(data)) > ing.maxBytes {
		return storage.Document{}, &LimitError{
			Kind:   LimitDocumentBytes,
			Limit:  int(ing.maxBytes),
			Actual: len(data),
		}
	}

	// Prefer the name and magic bytes; servers routinely mislabel binary
	// documents as octet-stream. The header is a fallback only.
	name := documentName(rawURL)
	mimeType := extract.DetectMIME(name, data)
	if !ing.extractor.Supports(mimeType) {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			mimeType = ct
		}
	}

	return ing.IngestBytes(ctx, name, rawURL, data, mimeType)
}

// IngestBytes ingests an in-memory document.
func (ing *Ingestor) IngestBytes(ctx context.Context, name, sourceURL string, data []byte, mimeType string) (storage.Document, error) {
	if existing, err := ing.store.GetDocumentByURL(sourceURL); err == nil {
		return storage.Document{}, &DuplicateDocumentError{URL: sourceURL, ExistingID: existing.ID}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Document{}, fmt.Errorf("checking for existing document: %w", err)
	}

	if int64(len(data)) > ing.maxBytes {
		return storage.Document{}, &LimitError{
			Kind:   LimitDocumentBytes,
			Limit:  int(ing.maxBytes),
			Actual: len(data),
		}
	}

	pages, err := ing.extractor.Extract(data, mimeType)
	if err != nil {
		return storage.Document{}, fmt.Errorf("extracting %s: %w", name, err)
	}

	chunks := ing.chunker.Chunk(pages)
	if len(chunks) == 0 {
		return storage.Document{}, fmt.Errorf("extracting %s: %w", name, extract.ErrCorruptInput)
	}
	if len(chunks) > ing.maxChunks {
		return storage.Document{}, &LimitError{
			Kind:   LimitChunks,
			Limit:  ing.maxChunks,
			Actual: len(chunks),
		}
	}

	if err := ing.ensureDimension(ctx); err != nil {
		return storage.Document{}, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ing.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return storage.Document{}, fmt.Errorf("embedding %s: %w", name, err)
	}

	doc := storage.Document{
		ID:         uuid.NewString(),
		Name:       name,
		URL:        sourceURL,
		IngestedAt: time.Now(),
	}

	records := make([]index.Record, len(chunks))
	for i, c := range chunks {
		records[i] = index.Record{
			ID:         c.ID,
			DocumentID: doc.ID,
			Ordinal:    c.Ordinal,
			Page:       c.Page,
			Section:    c.Section,
			Text:       c.Text,
			Embedding:  vectors[i],
		}
	}

	if err := ing.vectors.UpsertAll(ctx, records); err != nil {
		ing.cleanupVectors(ctx, doc.ID)
		return storage.Document{}, fmt.Errorf("indexing %s: %w", name, err)
	}

	stored := make([]storage.Chunk, len(chunks))
	for i, c := range chunks {
		stored[i] = storage.Chunk{
			ID:         c.ID,
			DocumentID: doc.ID,
			Ordinal:    c.Ordinal,
			Page:       c.Page,
			Section:    c.Section,
			Text:       c.Text,
		}
	}
	if err := ing.store.SaveDocumentWithChunks(doc, stored); err != nil {
		ing.cleanupVectors(ctx, doc.ID)
		if errors.Is(err, storage.ErrDuplicateDocument) {
			if existing, lookupErr := ing.store.GetDocumentByURL(sourceURL); lookupErr == nil {
				return storage.Document{}, &DuplicateDocumentError{URL: sourceURL, ExistingID: existing.ID}
			}
		}
		return storage.Document{}, fmt.Errorf("persisting %s: %w", name, err)
	}

	ing.logger.Info("document ingested",
		"document_id", doc.ID, "name", name, "chunks", len(chunks))
	return doc, nil
}

// Delete removes a document from both stores, vectors first.
func (ing *Ingestor) Delete(ctx context.Context, documentID string) error {
	if err := ing.vectors.Delete(ctx, index.Filter{DocumentID: documentID}); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	if err := ing.store.DeleteDocument(documentID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return nil
}

// Reconcile verifies a document's chunk rows and vectors agree. A skewed
// document is removed from both stores entirely; a clean re-ingest beats
// answering from half an index.
func (ing *Ingestor) Reconcile(ctx context.Context, documentID string) error {
	chunkCount, err := ing.store.CountChunks(documentID)
	if err != nil {
		return fmt.Errorf("counting chunks: %w", err)
	}
	vectorCount, err := ing.vectors.Count(ctx, index.Filter{DocumentID: documentID})
	if errors.Is(err, index.ErrCountUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("counting vectors: %w", err)
	}
	if chunkCount == vectorCount {
		return nil
	}

	ing.logger.Warn("document skewed, removing",
		"document_id", documentID, "chunks", chunkCount, "vectors", vectorCount)
	return ing.Delete(ctx, documentID)
}

// ensureDimension probes the embedding provider before the first ingest and
// rejects a model whose vectors do not match the index dimension. Transient
// provider failures leave the probe pending so a later ingest retries it.
func (ing *Ingestor) ensureDimension(ctx context.Context) error {
	ing.probeMu.Lock()
	defer ing.probeMu.Unlock()
	if ing.probeDone {
		return nil
	}

	vectors, err := ing.embedder.EmbedTexts(ctx, []string{"dimension probe"})
	if err != nil {
		return fmt.Errorf("probing embedding dimension: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != ing.dimension {
		return fmt.Errorf("embedding dimension %d does not match index dimension %d",
			len(vectors[0]), ing.dimension)
	}
	ing.probeDone = true
	return nil
}

func (ing *Ingestor) cleanupVectors(ctx context.Context, documentID string) {
	if err := ing.vectors.Delete(ctx, index.Filter{DocumentID: documentID}); err != nil {
		ing.logger.Error("cleaning up vectors after failed ingest",
			"document_id", documentID, "error", err)
	}
}

func documentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "document"
	}
	return path.Base(u.Path)
}
