package chunk

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// MarkdownSplitter chunks markdown sources at H1/H2 boundaries so each
// chunk keeps its section context. Used for .md uploads; PDF-extracted
// text goes through Splitter instead.
type MarkdownSplitter struct {
	parser   goldmark.Markdown
	minChars int
}

// NewMarkdownSplitter creates a markdown splitter. minChars <= 0 selects
// DefaultMinChars.
func NewMarkdownSplitter(minChars int) *MarkdownSplitter {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &MarkdownSplitter{parser: md, minChars: minChars}
}

// Split chunks markdown at header boundaries. Each chunk's Chapter is the
// header hierarchy ("Anatomy > Circulatory System"); ids are deterministic
// from (source, ordinal) like the paragraph splitter's.
func (m *MarkdownSplitter) Split(source []byte, sourceName string) ([]Chunk, error) {
	reader := text.NewReader(source)
	doc := m.parser.Parser().Parse(reader)

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect headings: %w", err)
	}

	base := baseName(sourceName)

	// No headers: fall back to paragraph chunking of the whole document.
	if len(tree.Items) == 0 {
		return NewSplitter(m.minChars).Split(string(source), sourceName), nil
	}

	var sections []section
	m.collectSections(doc, source, tree.Items, nil, &sections)

	var chunks []Chunk
	for _, sec := range sections {
		if len(sec.content) < m.minChars {
			continue
		}
		ordinal := len(chunks)
		chunks = append(chunks, Chunk{
			ID:      fmt.Sprintf("%s_%d", base, ordinal),
			Text:    sec.content,
			Source:  sourceName,
			Ordinal: ordinal,
			Chapter: sec.headerPath,
		})
	}
	return chunks, nil
}

type section struct {
	headerPath string
	content    string
}

// collectSections recursively walks the heading tree, extracting the text
// between each header and the next boundary at the same or higher level.
func (m *MarkdownSplitter) collectSections(doc ast.Node, source []byte, items toc.Items, ancestors []string, out *[]section) {
	for i, item := range items {
		path := append(ancestors, string(item.Title))

		headerNode := findHeaderByID(doc, string(item.ID))
		if headerNode == nil {
			continue
		}

		start := headerNode.Lines().At(0)
		var end text.Segment
		if i+1 < len(items) {
			if next := findHeaderByID(doc, string(items[i+1].ID)); next != nil {
				end = next.Lines().At(0)
			}
		} else {
			end = nextHeaderBoundary(doc, headerNode, headerNode.(*ast.Heading).Level)
		}

		*out = append(*out, section{
			headerPath: strings.Join(path, " > "),
			content:    sliceContent(source, start, end),
		})

		if len(item.Items) > 0 {
			m.collectSections(doc, source, item.Items, path, out)
		}
	}
}

// findHeaderByID locates a heading node by its auto-generated id.
func findHeaderByID(node ast.Node, id string) ast.Node {
	var found ast.Node
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			headingID, ok := n.AttributeString("id")
			if ok && string(headingID.([]byte)) == id {
				found = n
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// nextHeaderBoundary finds the next heading at the same or higher level
// after current. A zero segment means the section runs to end of document.
func nextHeaderBoundary(root ast.Node, current ast.Node, currentLevel int) text.Segment {
	var next ast.Node
	foundCurrent := false

	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		heading := n.(*ast.Heading)
		if !foundCurrent {
			if n == current {
				foundCurrent = true
			}
			return ast.WalkContinue, nil
		}
		if heading.Level <= currentLevel {
			next = n
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	if next != nil {
		return next.Lines().At(0)
	}
	return text.Segment{}
}

func sliceContent(source []byte, start, end text.Segment) string {
	if end.Start == 0 && end.Stop == 0 {
		return strings.TrimSpace(string(source[start.Start:]))
	}
	return strings.TrimSpace(string(source[start.Start:end.Start]))
}
