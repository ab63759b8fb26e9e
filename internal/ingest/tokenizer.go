package ingest

import (
	"unicode"
	"unicode/utf8"
)

// Token is a half-open byte span of source text.
type Token struct {
	Start int
	End   int
}

// maxPieceRunes caps how many runes one token may span. Long words
// split into fixed-width pieces, approximating subword tokenizers
// closely enough for chunk budgeting.
const maxPieceRunes = 4

// Tokenize splits text into deterministic word-piece spans. Letter and
// digit runs become pieces of at most four runes; every other non-space
// rune is one token. The same function budgets chunks, windows
// children, and trims prompt context, so offsets stay consistent
// everywhere.
func Tokenize(text string) []Token {
	var tokens []Token

	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			start := i
			runes := 0
			for i < len(text) {
				r, size = utf8.DecodeRuneInString(text[i:])
				if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += size
				runes++
				if runes == maxPieceRunes {
					tokens = append(tokens, Token{Start: start, End: i})
					start = i
					runes = 0
				}
			}
			if runes > 0 {
				tokens = append(tokens, Token{Start: start, End: i})
			}
		default:
			tokens = append(tokens, Token{Start: i, End: i + size})
			i += size
		}
	}
	return tokens
}

// CountTokens returns the token count of text.
func CountTokens(text string) int {
	return len(Tokenize(text))
}

// sliceTokens returns the source text spanned by tokens [from, to).
func sliceTokens(text string, tokens []Token, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(tokens) {
		to = len(tokens)
	}
	if from >= to {
		return ""
	}
	return text[tokens[from].Start:tokens[to-1].End]
}

// TruncateTokens returns at most n leading tokens of text, used to trim
// prompt context to a budget.
func TruncateTokens(text string, n int) string {
	tokens := Tokenize(text)
	if len(tokens) <= n {
		return text
	}
	return sliceTokens(text, tokens, 0, n)
}
