package ingest

import (
	"sort"
	"strings"

	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// Piece is one chunk produced by the Chunker, before IDs are assigned.
// Parent references are by slice index because UUIDs are minted at
// persist time.
type Piece struct {
	Index       int
	Type        storage.ChunkType
	Content     string
	StartToken  int
	EndToken    int
	ParentIndex int // index of the parent Piece; -1 for parents
	Section     int // ordinal of the section the piece starts in
}

// Chunker splits normalized text into large parent chunks for
// generation context and small overlapping child chunks for
// retrieval.
type Chunker struct {
	parentTokens int
	childTokens  int
	childOverlap int
}

// NewChunker builds a Chunker, falling back to the standard sizes for
// unset config values.
func NewChunker(cfg config.IngestionConfig) *Chunker {
	c := &Chunker{
		parentTokens: cfg.ParentTokens,
		childTokens:  cfg.ChildTokens,
		childOverlap: cfg.ChildOverlap,
	}
	if c.parentTokens <= 0 {
		c.parentTokens = 2000
	}
	if c.childTokens <= 0 {
		c.childTokens = 400
	}
	if c.childOverlap < 0 || c.childOverlap >= c.childTokens {
		c.childOverlap = 50
	}
	return c
}

// Chunk splits the document. Parents close on section boundaries when
// one arrives past half the budget, otherwise on the paragraph that
// would overflow it. Children window each parent with overlap. Pieces
// are emitted parent-first, chunk_index contiguous across both types.
func (c *Chunker) Chunk(doc *NormalizedText) []Piece {
	tokens := Tokenize(doc.Content)
	if len(tokens) == 0 {
		return nil
	}

	paragraphs := paragraphTokenRanges(doc.Content, tokens)
	sectionList := sectionTokenIndices(doc.SectionOffsets, tokens)
	sectionStarts := make(map[int]bool, len(sectionList))
	for _, idx := range sectionList {
		sectionStarts[idx] = true
	}

	type span struct{ start, end int }
	var parents []span

	cur := span{start: paragraphs[0].start, end: paragraphs[0].start}
	flush := func() {
		if cur.end > cur.start {
			parents = append(parents, cur)
		}
	}
	for _, p := range paragraphs {
		parTokens := p.end - p.start
		curTokens := cur.end - cur.start

		if curTokens > 0 && sectionStarts[p.start] && curTokens >= c.parentTokens/2 {
			flush()
			cur = span{start: p.start, end: p.start}
			curTokens = 0
		}
		if curTokens > 0 && curTokens+parTokens > c.parentTokens {
			flush()
			cur = span{start: p.start, end: p.start}
		}
		// a single paragraph larger than the budget hard-splits
		for p.end-cur.start > c.parentTokens {
			cur.end = cur.start + c.parentTokens
			flush()
			cur = span{start: cur.end, end: cur.end}
		}
		cur.end = p.end
	}
	flush()

	var pieces []Piece
	for _, par := range parents {
		section := sort.SearchInts(sectionList, par.start+1)
		parentIdx := len(pieces)
		pieces = append(pieces, Piece{
			Index:       parentIdx,
			Type:        storage.ChunkTypeParent,
			Content:     sliceTokens(doc.Content, tokens, par.start, par.end),
			StartToken:  par.start,
			EndToken:    par.end,
			ParentIndex: -1,
			Section:     section,
		})

		step := c.childTokens - c.childOverlap
		for from := par.start; from < par.end; from += step {
			to := from + c.childTokens
			if to > par.end {
				to = par.end
			}
			pieces = append(pieces, Piece{
				Index:       len(pieces),
				Type:        storage.ChunkTypeChild,
				Content:     sliceTokens(doc.Content, tokens, from, to),
				StartToken:  from,
				EndToken:    to,
				ParentIndex: parentIdx,
				Section:     section,
			})
			if to == par.end {
				break
			}
		}
	}
	return pieces
}

type tokenRange struct{ start, end int }

// paragraphTokenRanges maps blank-line-separated paragraphs to token
// index ranges. Documents without blank lines come back as one range.
func paragraphTokenRanges(content string, tokens []Token) []tokenRange {
	var byteStarts []int
	offset := 0
	inBlank := true
	for _, line := range strings.SplitAfter(content, "\n") {
		if strings.TrimSpace(line) == "" {
			inBlank = true
		} else {
			if inBlank {
				byteStarts = append(byteStarts, offset)
			}
			inBlank = false
		}
		offset += len(line)
	}
	if len(byteStarts) == 0 {
		byteStarts = []int{0}
	}

	ranges := make([]tokenRange, 0, len(byteStarts))
	for i, bs := range byteStarts {
		start := tokenAt(tokens, bs)
		end := len(tokens)
		if i+1 < len(byteStarts) {
			end = tokenAt(tokens, byteStarts[i+1])
		}
		if end > start {
			ranges = append(ranges, tokenRange{start: start, end: end})
		}
	}
	if len(ranges) == 0 {
		ranges = []tokenRange{{start: 0, end: len(tokens)}}
	}
	return ranges
}

// tokenAt returns the index of the first token beginning at or after
// the byte offset.
func tokenAt(tokens []Token, byteOffset int) int {
	return sort.Search(len(tokens), func(i int) bool {
		return tokens[i].Start >= byteOffset
	})
}

// sectionTokenIndices maps section byte offsets to sorted, deduplicated
// token indices.
func sectionTokenIndices(sectionOffsets []int, tokens []Token) []int {
	var idxs []int
	seen := make(map[int]bool, len(sectionOffsets))
	for _, off := range sectionOffsets {
		idx := tokenAt(tokens, off)
		if idx < len(tokens) && !seen[idx] {
			seen[idx] = true
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	return idxs
}
