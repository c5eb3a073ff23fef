// Package extract pulls raw text out of uploaded source files.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/medassist/medkb/internal/chunk"
)

// ErrUnsupportedType is returned for files that are not .pdf, .md or .txt.
var ErrUnsupportedType = errors.New("unsupported document type")

// SupportedExt reports whether the file extension can be ingested.
func SupportedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".md", ".txt":
		return true
	}
	return false
}

// File extracts page-annotated text from a source file, dispatching on the
// extension. Plain-text and markdown files come back as a single page 0.
func File(path string) ([]chunk.Page, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return pdfPages(path)
	case ".md", ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		return []chunk.Page{{Text: string(data)}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(path))
	}
}

// pdfPages extracts text page by page so chunks keep page attribution.
// Pages whose text cannot be decoded are skipped, not fatal: a partially
// extracted textbook is still worth indexing.
func pdfPages(path string) ([]chunk.Page, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	total := reader.NumPage()
	pages := make([]chunk.Page, 0, total)
	for num := 1; num <= total; num++ {
		page := reader.Page(num)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, chunk.Page{Number: num, Text: text})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", filepath.Base(path))
	}
	return pages, nil
}
