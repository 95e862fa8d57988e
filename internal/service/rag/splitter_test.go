package rag

import (
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestSplitKeepsParagraphsTogether(t *testing.T) {
	text := "Ncell offers 4G.\n\nNTC is state owned.\r\n\r\nBoth sell prepaid plans."
	chunks := Splitter{ChunkSize: 40}.Split(text)

	require.Len(t, chunks, 2)
	assert.Equal(t, "Ncell offers 4G.\nNTC is state owned.", chunks[0])
	assert.Equal(t, "Both sell prepaid plans.", chunks[1])
}

func TestSplitLongParagraphWithOverlap(t *testing.T) {
	chunks := Splitter{ChunkSize: 10, Overlap: 3}.Split("abcdefghijklmnopqrstuvwxyz")

	require.NotEmpty(t, chunks)
	assert.Equal(t, "abcdefghij", chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "hij"), "second chunk starts with the overlap: %q", chunks[1])
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
}

func TestSplitProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(5, 60).Draw(t, "size")
		paras := rapid.SliceOf(rapid.StringMatching(`[a-zA-Z0-9 ,.é]{0,80}`)).Draw(t, "paragraphs")
		text := strings.Join(paras, "\n\n")

		chunks := Splitter{ChunkSize: size}.Split(text)
		for i, c := range chunks {
			if strings.TrimSpace(c) == "" {
				t.Fatalf("chunk %d is empty", i)
			}
			if n := utf8.RuneCountInString(c); n > size {
				t.Fatalf("chunk %d has %d runes, limit %d", i, n, size)
			}
		}
		if got, want := stripSpace(strings.Join(chunks, "")), stripSpace(text); got != want {
			t.Fatalf("content changed:\n got %q\nwant %q", got, want)
		}
	})
}

func TestSplitDocument(t *testing.T) {
	doc := &schema.Document{
		ID:       "faq.md",
		Content:  "first paragraph\n\nsecond paragraph",
		MetaData: map[string]any{MetaSource: "docs/faq.md"},
	}
	parts := Splitter{ChunkSize: 20}.SplitDocument(doc)

	require.Len(t, parts, 2)
	assert.Equal(t, "faq.md#0", parts[0].ID)
	assert.Equal(t, "faq.md#1", parts[1].ID)
	assert.Equal(t, "docs/faq.md", parts[1].MetaData[MetaSource])
	assert.Equal(t, 1, parts[1].MetaData["chunk"])
}
