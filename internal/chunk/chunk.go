// Package chunk splits extracted document text into retrievable units.
package chunk

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultMinChars is the minimum paragraph length kept by the splitter.
// Shorter paragraphs are headers, page numbers, and other noise that would
// pollute the index.
const DefaultMinChars = 50

// Chunk is a unit of retrievable text derived from a source document.
type Chunk struct {
	ID      string // deterministic: "<sourceBase>_<ordinal>"
	Text    string
	Source  string // originating document name
	Ordinal int
	Page    int    // 0 when unknown
	Chapter string // section/header context when available
}

// Page is a unit of extracted source text with its 1-based page number.
type Page struct {
	Number int
	Text   string
}

// Splitter derives chunks from raw document text. It is pure: the same
// input always yields the same chunks, ids included.
type Splitter struct {
	minChars int
}

// NewSplitter creates a splitter. minChars <= 0 selects DefaultMinChars.
func NewSplitter(minChars int) *Splitter {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &Splitter{minChars: minChars}
}

// Split chunks raw text on blank-line paragraph boundaries.
func (s *Splitter) Split(rawText, sourceName string) []Chunk {
	return s.SplitPages([]Page{{Text: rawText}}, sourceName)
}

// SplitPages chunks page-annotated text. Ordinals run continuously across
// pages and each chunk records the page it came from.
func (s *Splitter) SplitPages(pages []Page, sourceName string) []Chunk {
	base := baseName(sourceName)
	var chunks []Chunk
	ordinal := 0
	for _, page := range pages {
		for _, para := range splitParagraphs(page.Text) {
			if len(para) < s.minChars {
				continue
			}
			chunks = append(chunks, Chunk{
				ID:      fmt.Sprintf("%s_%d", base, ordinal),
				Text:    para,
				Source:  sourceName,
				Ordinal: ordinal,
				Page:    page.Number,
			})
			ordinal++
		}
	}
	return chunks
}

// splitParagraphs splits on blank lines, trimming each paragraph.
func splitParagraphs(text string) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	var paragraphs []string
	for _, block := range strings.Split(normalized, "\n\n") {
		para := strings.TrimSpace(block)
		if para != "" {
			paragraphs = append(paragraphs, para)
		}
	}
	return paragraphs
}

// baseName strips the directory and extension from a source name, so
// "uploads/anatomy.pdf" and "anatomy.pdf" chunk to the same ids.
func baseName(sourceName string) string {
	base := filepath.Base(sourceName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
