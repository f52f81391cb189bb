// Package chunking splits extracted document text into overlapping passages
// sized for embedding. Splitting is rune-based so multi-byte text never gets
// cut mid-character.
package chunking

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/citeseek/citeseek/internal/extract"
)

// Chunk is one passage of a document.
type Chunk struct {
	ID      string
	Ordinal int
	Page    int
	Section string
	Text    string
}

// Chunker splits text into passages of at most size new runes each, where
// every passage after the first repeats the last overlap runes of its
// predecessor. Concatenating the passages with the repeated prefixes dropped
// reconstructs the input exactly.
type Chunker struct {
	size      int
	overlap   int
	lookahead int
}

// sectionPattern matches statute-style headings at line start. Headings only
// annotate chunk metadata; the text itself is split purely by size.
var sectionPattern = regexp.MustCompile(`(?m)^(PART [IVXLC]+|ARTICLE\s+\d+[A-Z]?\.)`)

// NewChunker validates the geometry. overlap must leave room for new content
// in every chunk, otherwise splitting cannot make progress.
func NewChunker(size, overlap, lookahead int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunk overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than size %d", overlap, size)
	}
	if lookahead < 0 || lookahead >= size {
		lookahead = 0
	}
	return &Chunker{size: size, overlap: overlap, lookahead: lookahead}, nil
}

// Chunk splits the extracted pages. Pages are joined with a blank line; each
// chunk records the page its content starts on and the nearest preceding
// section heading.
func (c *Chunker) Chunk(pages []extract.Page) []Chunk {
	text, pageStarts := joinPages(pages)
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	sections := sectionStarts(text)
	cuts := c.cutPoints(runes)

	chunks := make([]Chunk, 0, len(cuts)-1)
	for j := 0; j+1 < len(cuts); j++ {
		start := cuts[j] - c.overlap
		if start < 0 {
			start = 0
		}
		chunks = append(chunks, Chunk{
			ID:      uuid.NewString(),
			Ordinal: j,
			Page:    pageAt(pageStarts, cuts[j]),
			Section: sectionAt(sections, cuts[j]),
			Text:    string(runes[start:cuts[j+1]]),
		})
	}
	return chunks
}

// cutPoints returns offsets c_0=0 < c_1 < ... < c_k=len(runes). Each step
// advances at most size runes; a boundary inside the lookahead window may
// pull a cut earlier, never later.
func (c *Chunker) cutPoints(runes []rune) []int {
	n := len(runes)
	cuts := []int{0}
	pos := 0
	for pos < n {
		next := pos + c.size
		if next >= n {
			cuts = append(cuts, n)
			break
		}
		if snapped := c.snapToBoundary(runes, pos, next); snapped > pos {
			next = snapped
		}
		cuts = append(cuts, next)
		pos = next
	}
	return cuts
}

// snapToBoundary searches the lookahead window ending at limit for the best
// split point. Paragraph breaks beat line breaks beat sentence ends beat
// spaces. Returns limit when the window holds no boundary.
func (c *Chunker) snapToBoundary(runes []rune, floor, limit int) int {
	if c.lookahead == 0 {
		return limit
	}
	low := limit - c.lookahead
	if low <= floor {
		low = floor + 1
	}

	best := limit
	bestRank := 0
	for i := limit; i >= low; i-- {
		rank := boundaryRank(runes, i)
		if rank > bestRank {
			best = i
			bestRank = rank
			if rank == 4 {
				break
			}
		}
	}
	return best
}

// boundaryRank scores a cut just before runes[i]. Higher is better; 0 means
// mid-word.
func boundaryRank(runes []rune, i int) int {
	if i <= 0 || i >= len(runes) {
		return 0
	}
	prev := runes[i-1]
	if prev == '\n' {
		if i >= 2 && runes[i-2] == '\n' {
			return 4
		}
		return 3
	}
	if prev == ' ' || prev == '\t' {
		if i >= 2 {
			switch runes[i-2] {
			case '.', '!', '?':
				return 2
			}
		}
		return 1
	}
	return 0
}

// joinPages concatenates page texts with blank lines and records the rune
// offset each page starts at.
func joinPages(pages []extract.Page) (string, []pageStart) {
	var b strings.Builder
	var starts []pageStart
	offset := 0
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		starts = append(starts, pageStart{offset: offset, page: p.Number})
		b.WriteString(p.Text)
		offset += len([]rune(p.Text))
	}
	return b.String(), starts
}

type pageStart struct {
	offset int
	page   int
}

func pageAt(starts []pageStart, offset int) int {
	page := 1
	for _, s := range starts {
		if s.offset > offset {
			break
		}
		page = s.page
	}
	return page
}

type sectionStart struct {
	offset  int
	heading string
}

// sectionStarts locates headings by rune offset so they can be matched
// against the rune-based cut points.
func sectionStarts(text string) []sectionStart {
	matches := sectionPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	byteToRune := make(map[int]int, len(matches)*2)
	for _, m := range matches {
		byteToRune[m[0]] = 0
		byteToRune[m[1]] = 0
	}
	runeOffset := 0
	for byteOffset := range text {
		if _, ok := byteToRune[byteOffset]; ok {
			byteToRune[byteOffset] = runeOffset
		}
		runeOffset++
	}
	byteToRune[len(text)] = runeOffset

	starts := make([]sectionStart, 0, len(matches))
	for _, m := range matches {
		starts = append(starts, sectionStart{
			offset:  byteToRune[m[0]],
			heading: strings.TrimSpace(text[m[0]:m[1]]),
		})
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].offset < starts[j].offset })
	return starts
}

func sectionAt(starts []sectionStart, offset int) string {
	heading := ""
	for _, s := range starts {
		if s.offset > offset {
			break
		}
		heading = s.heading
	}
	return heading
}
