// Package ingest turns uploaded files into embedded, indexed chunks. The
// pipeline runs on queue workers: fetch the blob, extract text, split it,
// embed the pieces, write them to the transactional store and the vector
// index, and finalize the document.
package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

// Piece is one chunk of extracted text with its dense ordinal.
type Piece struct {
	Ordinal    int
	Text       string
	TokenCount int
}

// Chunker splits extracted text into bounded pieces. Boundaries prefer
// paragraph breaks, then sentence ends, then whitespace; fenced code blocks
// are never split apart from their fence markers. Sizes are measured in
// runes so multi-byte text never splits inside a character.
type Chunker struct {
	size    int
	overlap int
	minSize int
}

// NewChunker builds a chunker from configuration.
func NewChunker(cfg config.ChunkingConfig) *Chunker {
	return &Chunker{
		size:    cfg.TargetChars,
		overlap: cfg.OverlapChars,
		minSize: cfg.MinChars,
	}
}

// Split produces the chunk sequence for a document's text. Ordinals form the
// dense range [0, n). Empty input yields no pieces.
func (c *Chunker) Split(text string) []Piece {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	segments := splitSegments(text)

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
		currentLen = 0
	}

	for _, segment := range segments {
		segLen := utf8.RuneCountInString(segment)
		if currentLen > 0 && currentLen+segLen+2 > c.size {
			flush()
			if tail := c.overlapTail(chunks[len(chunks)-1]); tail != "" {
				current.WriteString(tail)
				current.WriteString("\n")
				currentLen = utf8.RuneCountInString(tail) + 1
			}
		}
		if segLen > c.size {
			// A single oversized segment is split on its own, bypassing
			// the accumulator.
			flush()
			for _, part := range c.splitOversized(segment) {
				chunks = append(chunks, part)
			}
			continue
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(segment)
		currentLen += segLen
	}
	flush()

	chunks = c.mergeSmall(chunks)

	pieces := make([]Piece, 0, len(chunks))
	for i, text := range chunks {
		pieces = append(pieces, Piece{
			Ordinal:    i,
			Text:       text,
			TokenCount: common.EstimateTokens(text),
		})
	}
	return pieces
}

// splitSegments breaks the text into paragraphs while keeping fenced code
// blocks whole.
func splitSegments(text string) []string {
	var segments []string
	lines := strings.Split(text, "\n")

	var paragraph []string
	var fence []string
	inFence := false

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(paragraph, "\n"))
		if joined != "" {
			segments = append(segments, joined)
		}
		paragraph = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				fence = append(fence, line)
				segments = append(segments, strings.Join(fence, "\n"))
				fence = nil
				inFence = false
			} else {
				flushParagraph()
				fence = append(fence, line)
				inFence = true
			}
			continue
		}
		if inFence {
			fence = append(fence, line)
			continue
		}
		if trimmed == "" {
			flushParagraph()
			continue
		}
		paragraph = append(paragraph, line)
	}
	if inFence {
		// Unterminated fence; treat the remainder as one segment.
		segments = append(segments, strings.Join(fence, "\n"))
	}
	flushParagraph()
	return segments
}

// splitOversized splits a segment larger than the chunk size, preferring
// sentence ends, then whitespace, then a hard rune cut.
func (c *Chunker) splitOversized(segment string) []string {
	var parts []string
	runes := []rune(segment)
	pos := 0
	for pos < len(runes) {
		if len(runes)-pos <= c.size {
			parts = append(parts, strings.TrimSpace(string(runes[pos:])))
			break
		}
		cut := c.findCut(runes[pos:])
		parts = append(parts, strings.TrimSpace(string(runes[pos:pos+cut])))

		// Step back by the overlap for the next window, but always make
		// forward progress.
		advance := cut - c.overlap
		if advance < 1 {
			advance = cut
		}
		pos += advance
	}
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// findCut picks the best split index at or below the chunk size.
func (c *Chunker) findCut(runes []rune) int {
	limit := c.size
	if limit > len(runes) {
		limit = len(runes)
	}
	// Prefer a sentence end in the back half of the window.
	for i := limit - 1; i > limit/2; i-- {
		if isSentenceEnd(runes, i) {
			return i + 1
		}
	}
	// Then any whitespace.
	for i := limit - 1; i > limit/2; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return limit
}

func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?':
	default:
		return false
	}
	return i+1 >= len(runes) || unicode.IsSpace(runes[i+1])
}

// overlapTail returns the trailing overlap window of a chunk, starting at a
// whitespace boundary where possible.
func (c *Chunker) overlapTail(chunk string) string {
	if c.overlap <= 0 {
		return ""
	}
	runes := []rune(chunk)
	if len(runes) <= c.overlap {
		return ""
	}
	start := len(runes) - c.overlap
	for i := start; i < len(runes); i++ {
		if unicode.IsSpace(runes[i]) {
			start = i + 1
			break
		}
	}
	if start >= len(runes) {
		return ""
	}
	return strings.TrimSpace(string(runes[start:]))
}

// mergeSmall folds chunks below the minimum size into their predecessor so
// no tiny fragments reach the index.
func (c *Chunker) mergeSmall(chunks []string) []string {
	if c.minSize <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if len(out) > 0 && utf8.RuneCountInString(chunk) < c.minSize {
			out[len(out)-1] = out[len(out)-1] + "\n\n" + chunk
			continue
		}
		out = append(out, chunk)
	}
	if len(out) > 1 && utf8.RuneCountInString(out[0]) < c.minSize {
		out[1] = out[0] + "\n\n" + out[1]
		out = out[1:]
	}
	return out
}
