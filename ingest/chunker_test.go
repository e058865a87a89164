package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

func testChunking() config.ChunkingConfig {
	return config.ChunkingConfig{TargetChars: 1000, OverlapChars: 200, MinChars: 50}
}

func TestChunkerEmptyInput(t *testing.T) {
	c := NewChunker(testChunking())
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\n  "))
}

func TestChunkerSmallInputIsOneChunk(t *testing.T) {
	c := NewChunker(testChunking())

	pieces := c.Split("A short paragraph.\n\nAnd another one.")
	require.Len(t, pieces, 1)
	assert.Equal(t, 0, pieces[0].Ordinal)
	assert.Contains(t, pieces[0].Text, "A short paragraph.")
	assert.Contains(t, pieces[0].Text, "And another one.")
	assert.Equal(t, common.EstimateTokens(pieces[0].Text), pieces[0].TokenCount)
}

func TestChunkerDenseOrdinals(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{TargetChars: 120, OverlapChars: 20, MinChars: 10})

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("This is sentence number with enough words to matter. ")
	}
	pieces := c.Split(sb.String())
	require.Greater(t, len(pieces), 1)
	for i, piece := range pieces {
		assert.Equal(t, i, piece.Ordinal)
		assert.NotEmpty(t, strings.TrimSpace(piece.Text))
	}
}

func TestChunkerRespectsSizeBound(t *testing.T) {
	cfg := config.ChunkingConfig{TargetChars: 100, OverlapChars: 10, MinChars: 5}
	c := NewChunker(cfg)

	// One long run without sentence boundaries forces whitespace splits.
	pieces := c.Split(strings.Repeat("word ", 200))
	require.Greater(t, len(pieces), 1)
	for _, piece := range pieces {
		assert.LessOrEqual(t, utf8.RuneCountInString(piece.Text), cfg.TargetChars+cfg.OverlapChars)
	}
}

func TestChunkerKeepsCodeFencesWhole(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{TargetChars: 200, OverlapChars: 20, MinChars: 10})

	text := "Intro paragraph before the code.\n\n```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```\n\nOutro paragraph after the code."
	pieces := c.Split(text)

	found := false
	for _, piece := range pieces {
		if strings.Contains(piece.Text, "func main()") {
			assert.Contains(t, piece.Text, "```go")
			assert.Contains(t, piece.Text, "}\n```")
			found = true
		}
	}
	assert.True(t, found, "code fence content missing from all chunks")
}

func TestChunkerMultiByteSafety(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{TargetChars: 50, OverlapChars: 10, MinChars: 5})

	pieces := c.Split(strings.Repeat("日本語のテキストです。", 40))
	require.NotEmpty(t, pieces)
	for _, piece := range pieces {
		assert.True(t, utf8.ValidString(piece.Text), "chunk split inside a rune")
	}
}

func TestChunkerMergesSmallFragments(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{TargetChars: 1000, OverlapChars: 0, MinChars: 50})

	text := strings.Repeat("A full length paragraph with plenty of words inside it. ", 20) +
		"\n\nok"
	pieces := c.Split(text)
	for _, piece := range pieces {
		assert.GreaterOrEqual(t, utf8.RuneCountInString(piece.Text), 50)
	}
}

func TestChunkerOverlapCarriesContext(t *testing.T) {
	c := NewChunker(config.ChunkingConfig{TargetChars: 100, OverlapChars: 30, MinChars: 5})

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("Paragraph number with several words inside.\n\n")
	}
	pieces := c.Split(sb.String())
	require.Greater(t, len(pieces), 1)
	// The second chunk should open with trailing words of the first.
	firstWords := strings.Fields(pieces[0].Text)
	lastWord := firstWords[len(firstWords)-1]
	assert.Contains(t, pieces[1].Text, lastWord)
}
