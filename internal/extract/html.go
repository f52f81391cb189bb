package extract

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// HTMLExtractor strips markup and returns visible text as one page.
type HTMLExtractor struct{}

func (e *HTMLExtractor) MIMETypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (e *HTMLExtractor) Extract(data []byte) ([]Page, error) {
	text := strings.TrimSpace(stripHTML(data))
	if text == "" {
		return nil, nil
	}
	return []Page{{Number: 1, Text: text}}, nil
}

// stripHTML walks the parse tree collecting text nodes, skipping script and
// style subtrees. Block-level elements become paragraph breaks.
func stripHTML(data []byte) string {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		// The html parser is lenient; an error here means truncated
		// input. Degrade to the raw text.
		return string(data)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			case "br", "li", "tr":
				b.WriteString("\n")
			case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				b.WriteString("\n\n")
			}
		case html.TextNode:
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return collapseBlankLines(b.String())
}

// collapseBlankLines trims each line and squeezes runs of blank lines down to
// one, so paragraph-level breaks survive as "\n\n" for the chunker to snap to.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank = true
			continue
		}
		if blank && len(out) > 0 {
			out = append(out, "")
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
