package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor extracts text page by page so chunks can carry page numbers.
type PDFExtractor struct{}

func (e *PDFExtractor) MIMETypes() []string {
	return []string{"application/pdf"}
}

func (e *PDFExtractor) Extract(data []byte) ([]Page, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty pdf", ErrCorruptInput)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	var pages []Page
	for i := 1; i <= reader.NumPage(); i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not lose the rest of
			// the document.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}
