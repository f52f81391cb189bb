package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateDocument is returned when a document URL is already
	// ingested.
	ErrDuplicateDocument = errors.New("document already ingested")
)

// Document is an ingested source file.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Chunk is one stored passage of a document. The embedding lives in the
// vector index, not here.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Page       int
	Section    string
	Text       string
	CreatedAt  time.Time
}

// QueryLog records one answered (or failed) question for auditing.
type QueryLog struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	Question     string    `json:"question"`
	AskedAt      time.Time `json:"asked_at"`
	ResponseJSON string    `json:"response_json"`
}
