package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeWordPieces(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 0, CountTokens("   \n\t"))
	assert.Equal(t, 1, CountTokens("go"))
	assert.Equal(t, 1, CountTokens("Data"))

	// five letters split into a four-rune piece plus the remainder
	assert.Equal(t, 2, CountTokens("hello"))
	assert.Equal(t, 3, CountTokens("kubernetes")) // 4+4+2

	// punctuation is one token each
	assert.Equal(t, 3, CountTokens("a.b"))
	assert.Equal(t, 4, CountTokens("x = 1;"))
}

func TestTokenizeSpans(t *testing.T) {
	text := "abcd efgh ijkl"
	tokens := Tokenize(text)
	require.Len(t, tokens, 3)

	assert.Equal(t, "abcd", text[tokens[0].Start:tokens[0].End])
	assert.Equal(t, "ijkl", text[tokens[2].Start:tokens[2].End])
	assert.Equal(t, text, sliceTokens(text, tokens, 0, len(tokens)))
	assert.Equal(t, "efgh ijkl", sliceTokens(text, tokens, 1, 3))
}

func TestTokenizeDeterministic(t *testing.T) {
	text := "The quick brown fox, über-fast, jumps 42 times."
	assert.Equal(t, Tokenize(text), Tokenize(text))
}

func TestTokenizeUnicode(t *testing.T) {
	// pieces split on rune count, not byte count
	tokens := Tokenize("héllo wörld")
	require.Len(t, tokens, 4)
	for _, tok := range tokens {
		assert.Less(t, tok.Start, tok.End)
	}
}

func TestTruncateTokens(t *testing.T) {
	text := strings.Repeat("word ", 10)
	assert.Equal(t, strings.TrimSpace(text), strings.TrimSpace(TruncateTokens(text, 100)))

	short := TruncateTokens(text, 3)
	assert.Equal(t, "word word word", short)
}
