package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownChunker_SplitsByHeaderSection(t *testing.T) {
	source := `# Title

Intro paragraph.

## Usage

Run the thing.

## Configuration

Set the flags.
`
	chunker := NewMarkdownChunker()
	chunks, err := chunker.Chunk(context.Background(), &FileInput{
		Path:     "README.md",
		Content:  []byte(source),
		Language: "markdown",
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Contains(t, chunks[0].Context, "Section: Title")
	assert.Contains(t, chunks[0].Content, "Intro paragraph.")

	assert.Contains(t, chunks[1].Context, "Section: Title > Usage")
	assert.Contains(t, chunks[1].Content, "Run the thing.")

	assert.Contains(t, chunks[2].Context, "Section: Title > Configuration")
	assert.Contains(t, chunks[2].Content, "Set the flags.")
}

func TestMarkdownChunker_SkipsFrontmatterAndKeepsLineNumbers(t *testing.T) {
	source := `---
title: Doc
---

# Heading

Body text on line six.
`
	chunker := NewMarkdownChunker()
	chunks, err := chunker.Chunk(context.Background(), &FileInput{
		Path:     "doc.md",
		Content:  []byte(source),
		Language: "markdown",
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.NotContains(t, chunks[0].Content, "title: Doc")
	assert.Contains(t, chunks[0].Content, "Body text on line six.")
	assert.Equal(t, 6, chunks[0].StartLine)
}

func TestMarkdownChunker_PreambleBeforeFirstHeading(t *testing.T) {
	source := `This note has no title yet.

# First Heading

Section body.
`
	chunker := NewMarkdownChunker()
	chunks, err := chunker.Chunk(context.Background(), &FileInput{
		Path:     "note.md",
		Content:  []byte(source),
		Language: "markdown",
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Content, "This note has no title yet.")
	assert.NotContains(t, chunks[0].Context, "Section:")
}

func TestMarkdownChunker_NoHeadings_FallsBackToLineWindows(t *testing.T) {
	source := strings.Repeat("plain paragraph text\n", 10)

	chunker := NewMarkdownChunker()
	chunks, err := chunker.Chunk(context.Background(), &FileInput{
		Path:     "plain.md",
		Content:  []byte(source),
		Language: "markdown",
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, ChunkTypeBlock, c.ChunkType)
	}
}

func TestMarkdownChunker_OversizedSection_Splits(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Big Section\n\n")
	for i := 0; i < 150; i++ {
		b.WriteString("A line of prose that fills out the section body.\n")
	}

	chunker := NewMarkdownChunker()
	chunks, err := chunker.Chunk(context.Background(), &FileInput{
		Path:     "big.md",
		Content:  []byte(b.String()),
		Language: "markdown",
	})
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
}

func TestMarkdownChunker_EmptyFile_ReturnsNoChunks(t *testing.T) {
	chunker := NewMarkdownChunker()
	chunks, err := chunker.Chunk(context.Background(), &FileInput{
		Path:     "empty.md",
		Content:  []byte("   \n\n"),
		Language: "markdown",
	})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
