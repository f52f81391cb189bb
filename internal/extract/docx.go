package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor pulls paragraph text out of word/document.xml.
type DOCXExtractor struct{}

func (e *DOCXExtractor) MIMETypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
}

func (e *DOCXExtractor) Extract(data []byte) ([]Page, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: not a zip archive: %v", ErrCorruptInput, err)
	}

	var content []byte
	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
		}
		content, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
		}
		break
	}
	if content == nil {
		return nil, fmt.Errorf("%w: word/document.xml missing", ErrCorruptInput)
	}

	text, err := parseDocumentXML(content)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	return []Page{{Number: 1, Text: text}}, nil
}

type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

func parseDocumentXML(content []byte) (string, error) {
	var doc docxDocument
	if err := xml.Unmarshal(content, &doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	var b strings.Builder
	for i, para := range doc.Body.Paragraphs {
		if i > 0 {
			b.WriteString("\n")
		}
		for _, run := range para.Runs {
			for _, t := range run.Text {
				b.WriteString(t.Content)
			}
		}
	}
	return b.String(), nil
}
