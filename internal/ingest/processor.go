package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/docloop/docloop/internal/llm"
	"github.com/docloop/docloop/internal/vectordb"
)

// Processor splits documents into section-aware chunks sized for embedding.
type Processor struct {
	chunkSize    int // approximate tokens per chunk
	chunkOverlap int // approximate tokens carried over between chunks
	maxChunks    int // cap per document
	md           goldmark.Markdown
}

// NewProcessor creates a document processor with the given chunking limits.
func NewProcessor(chunkSize, chunkOverlap, maxChunks int) *Processor {
	return &Processor{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		maxChunks:    maxChunks,
		md:           goldmark.New(),
	}
}

// section is a contiguous slice of a document under one heading.
type section struct {
	Title   string
	Content string
}

// ProcessMarkdown chunks markdown content by heading sections.
func (p *Processor) ProcessMarkdown(content, filename string) []vectordb.Document {
	sections := p.extractSections([]byte(content), filename)

	var docs []vectordb.Document
	for _, sec := range sections {
		docs = append(docs, p.chunkSection(sec, filename)...)
		if len(docs) >= p.maxChunks {
			docs = docs[:p.maxChunks]
			break
		}
	}
	return docs
}

// ProcessText chunks plain text content as a single section.
func (p *Processor) ProcessText(content, filename string) []vectordb.Document {
	docs := p.chunkSection(section{Title: filename, Content: content}, filename)
	if len(docs) > p.maxChunks {
		docs = docs[:p.maxChunks]
	}
	return docs
}

// extractSections parses the markdown AST and splits the raw source at
// heading boundaries. Content before the first heading becomes an
// "Introduction" section.
func (p *Processor) extractSections(src []byte, filename string) []section {
	doc := p.md.Parser().Parse(text.NewReader(src))

	type headingMark struct {
		title string
		start int // byte offset of the heading line
	}
	var marks []headingMark

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := h.Lines().At(0)
		marks = append(marks, headingMark{
			title: nodeText(h, src),
			start: lineStart(src, seg.Start),
		})
		return ast.WalkSkipChildren, nil
	})

	if len(marks) == 0 {
		return []section{{Title: filename, Content: string(src)}}
	}

	var sections []section
	if intro := strings.TrimSpace(string(src[:marks[0].start])); intro != "" {
		sections = append(sections, section{Title: "Introduction", Content: intro})
	}
	for i, mark := range marks {
		end := len(src)
		if i+1 < len(marks) {
			end = marks[i+1].start
		}
		body := strings.TrimSpace(string(src[mark.start:end]))
		if body != "" {
			sections = append(sections, section{Title: mark.title, Content: body})
		}
	}
	return sections
}

// chunkSection splits one section into token-bounded chunks with overlap.
func (p *Processor) chunkSection(sec section, filename string) []vectordb.Document {
	lines := strings.Split(sec.Content, "\n")
	now := time.Now()

	var docs []vectordb.Document
	var current []string
	currentTokens := 0
	fresh := false // current holds lines not yet emitted

	flush := func() {
		if len(current) == 0 {
			return
		}
		body := strings.Join(current, "\n")
		docs = append(docs, vectordb.Document{
			ID:      chunkID(filename, sec.Title, len(docs), body),
			Content: body,
			Metadata: vectordb.DocumentMetadata{
				SourceFile: filename,
				Section:    sec.Title,
				Kind:       classify(body),
				HasCode:    hasCodeFence(body),
				IndexedAt:  now,
			},
		})

		// Seed the next chunk with trailing lines up to the overlap budget.
		var overlap []string
		overlapTokens := 0
		for i := len(current) - 1; i >= 0 && overlapTokens < p.chunkOverlap; i-- {
			overlap = append([]string{current[i]}, overlap...)
			overlapTokens += llm.EstimateTokens(current[i])
		}
		current = overlap
		currentTokens = overlapTokens
		fresh = false
	}

	for _, line := range lines {
		lineTokens := llm.EstimateTokens(line)
		if currentTokens+lineTokens > p.chunkSize && fresh {
			flush()
		}
		current = append(current, line)
		currentTokens += lineTokens
		fresh = true
	}
	if fresh && strings.TrimSpace(strings.Join(current, "\n")) != "" {
		body := strings.Join(current, "\n")
		docs = append(docs, vectordb.Document{
			ID:      chunkID(filename, sec.Title, len(docs), body),
			Content: body,
			Metadata: vectordb.DocumentMetadata{
				SourceFile: filename,
				Section:    sec.Title,
				Kind:       classify(body),
				HasCode:    hasCodeFence(body),
				IndexedAt:  now,
			},
		})
	}
	return docs
}

// classify labels a chunk body by its share of fenced code lines.
func classify(body string) vectordb.ChunkKind {
	lines := strings.Split(body, "\n")
	inFence := false
	codeLines := 0
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			codeLines++
			continue
		}
		if inFence {
			codeLines++
		}
	}
	switch {
	case codeLines == 0:
		return vectordb.ChunkText
	case codeLines*5 >= len(lines)*4: // 80% or more code
		return vectordb.ChunkCode
	default:
		return vectordb.ChunkMixed
	}
}

func hasCodeFence(body string) bool {
	return strings.Contains(body, "```")
}

func chunkID(filename, title string, ord int, body string) string {
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("%s:%s:%d:%s", filename, title, ord, hex.EncodeToString(sum[:8]))
}

// nodeText collects the plain text content of an AST node.
func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := c.(*ast.Text); ok {
				sb.Write(t.Segment.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

// lineStart walks back from a byte offset to the beginning of its line.
func lineStart(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	for offset > 0 && src[offset-1] != '\n' {
		offset--
	}
	return offset
}
