package retrieval

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/storage"
)

// sparseVec maps term → weight. Vectors are L2-normalized at build
// time so cosine similarity reduces to a dot product.
type sparseVec map[string]float64

// tfidfModel is an immutable snapshot of one KB's sparse index over
// its child chunks. Queries read whichever snapshot was current when
// they started; rebuilds swap in a fresh one.
type tfidfModel struct {
	idf        map[string]float64
	vectors    map[uuid.UUID]sparseVec
	docIDs     map[uuid.UUID]int64
	chunkCount int
}

// stopwords lists terms too common to discriminate. IDF already
// punishes them; dropping them outright keeps vectors small.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "into": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "their": true, "then": true, "there": true,
	"these": true, "they": true, "this": true, "to": true, "was": true,
	"were": true, "when": true, "which": true, "will": true, "with": true,
	"your": true, "you": true, "we": true, "not": true, "can": true,
}

// terms lowercases and splits on non-alphanumerics, dropping
// stopwords and single characters.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// termCounts aggregates raw term frequencies for one text.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, t := range terms(text) {
		counts[t]++
	}
	return counts
}

// buildTFIDF constructs the sparse model from a KB's child chunks.
// TF is log-scaled, IDF smoothed so unseen terms stay finite, and
// every vector L2-normalized.
func buildTFIDF(chunks []*storage.Chunk) *tfidfModel {
	m := &tfidfModel{
		idf:        make(map[string]float64),
		vectors:    make(map[uuid.UUID]sparseVec, len(chunks)),
		docIDs:     make(map[uuid.UUID]int64, len(chunks)),
		chunkCount: len(chunks),
	}

	df := make(map[string]int)
	counts := make([]map[string]int, len(chunks))
	for i, c := range chunks {
		tc := termCounts(c.Content)
		counts[i] = tc
		for t := range tc {
			df[t]++
		}
	}

	n := float64(len(chunks))
	for t, d := range df {
		m.idf[t] = math.Log(1+n/(1+float64(d))) + 1
	}

	for i, c := range chunks {
		vec := make(sparseVec, len(counts[i]))
		for t, count := range counts[i] {
			vec[t] = (1 + math.Log(float64(count))) * m.idf[t]
		}
		normalizeSparse(vec)
		m.vectors[c.ID] = vec
		m.docIDs[c.ID] = c.DocumentID
	}
	return m
}

// queryVector transforms a query with the model's IDF weights. Terms
// the corpus never saw get a neutral weight of 1 so they do not zero
// out single-term queries.
func (m *tfidfModel) queryVector(query string) sparseVec {
	vec := make(sparseVec)
	for t, count := range termCounts(query) {
		idf, ok := m.idf[t]
		if !ok {
			idf = 1
		}
		vec[t] = (1 + math.Log(float64(count))) * idf
	}
	normalizeSparse(vec)
	return vec
}

// hit is one scored chunk from either retrieval leg.
type hit struct {
	ChunkID uuid.UUID
	DocID   int64
	Score   float64
}

// search returns the top-k chunks by cosine similarity, dropping
// scores under minScore.
func (m *tfidfModel) search(q sparseVec, k int, minScore float64) []hit {
	if len(q) == 0 || len(m.vectors) == 0 {
		return nil
	}
	hits := make([]hit, 0, len(m.vectors))
	for id, vec := range m.vectors {
		score := dotSparse(q, vec)
		if score < minScore {
			continue
		}
		hits = append(hits, hit{ChunkID: id, DocID: m.docIDs[id], Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID.String() < hits[j].ChunkID.String()
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// dotSparse iterates the smaller vector.
func dotSparse(a, b sparseVec) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for t, w := range a {
		dot += w * b[t]
	}
	return dot
}

func normalizeSparse(vec sparseVec) {
	var sum float64
	for _, w := range vec {
		sum += w * w
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for t := range vec {
		vec[t] /= norm
	}
}
