// Package extract converts raw document bytes into plain text pages.
// Each supported format has one extractor; a registry dispatches by MIME type.
package extract

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for MIME types no extractor handles.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorruptInput is returned when bytes cannot be parsed as their
	// claimed format.
	ErrCorruptInput = errors.New("corrupt document input")
)

// Page is a unit of extracted text. Formats without page structure
// (DOCX, email, HTML, plain text) produce a single page numbered 1.
type Page struct {
	Number int
	Text   string
}

// Extractor converts one document format into text pages.
type Extractor interface {
	Extract(data []byte) ([]Page, error)
	MIMETypes() []string
}

// Registry dispatches extraction by MIME type.
type Registry struct {
	byMIME map[string]Extractor
}

// NewRegistry returns a registry with all built-in extractors registered.
func NewRegistry() *Registry {
	r := &Registry{byMIME: make(map[string]Extractor)}
	r.Register(&PDFExtractor{})
	r.Register(&DOCXExtractor{})
	r.Register(&EMLExtractor{})
	r.Register(&HTMLExtractor{})
	r.Register(&PlainTextExtractor{})
	return r
}

// Register adds an extractor for all of its MIME types.
func (r *Registry) Register(e Extractor) {
	for _, mt := range e.MIMETypes() {
		r.byMIME[mt] = e
	}
}

// Extract dispatches to the extractor registered for mimeType.
func (r *Registry) Extract(data []byte, mimeType string) ([]Page, error) {
	mt := normalizeMIME(mimeType)
	e, ok := r.byMIME[mt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}
	return e.Extract(data)
}

// Supports reports whether a MIME type has a registered extractor.
func (r *Registry) Supports(mimeType string) bool {
	_, ok := r.byMIME[normalizeMIME(mimeType)]
	return ok
}

func normalizeMIME(mimeType string) string {
	mt := strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// DetectMIME guesses a document's MIME type from its name and content.
// The extension wins when recognized; content sniffing is the fallback.
func DetectMIME(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".eml":
		return "message/rfc822"
	case ".html", ".htm":
		return "text/html"
	case ".txt", ".md":
		return "text/plain"
	}
	if len(data) >= 5 && string(data[:5]) == "%PDF-" {
		return "application/pdf"
	}
	return normalizeMIME(http.DetectContentType(data))
}

// PlainTextExtractor passes text through as a single page.
type PlainTextExtractor struct{}

func (e *PlainTextExtractor) MIMETypes() []string {
	return []string{"text/plain", "text/markdown"}
}

func (e *PlainTextExtractor) Extract(data []byte) ([]Page, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []Page{{Number: 1, Text: text}}, nil
}
