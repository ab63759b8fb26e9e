package retrieval

import (
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/storage"
)

// denseIndex holds one KB's child-chunk vectors in memory. Reads are
// concurrent; writes arrive serialized through the owning kbIndex.
// Vectors are unit-normalized on insert so similarity is a dot
// product.
type denseIndex struct {
	mu      sync.RWMutex
	vectors map[uuid.UUID][]float32
	docIDs  map[uuid.UUID]int64
}

func newDenseIndex() *denseIndex {
	return &denseIndex{
		vectors: make(map[uuid.UUID][]float32),
		docIDs:  make(map[uuid.UUID]int64),
	}
}

// add indexes child chunks that carry embeddings. Chunks embedded
// during a degraded period arrive with nil vectors and are skipped;
// sparse retrieval still covers them.
func (ix *denseIndex) add(chunks []*storage.Chunk) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, c := range chunks {
		if c.ChunkType != storage.ChunkTypeChild || len(c.Embedding) == 0 {
			continue
		}
		ix.vectors[c.ID] = normalizeDense(c.Embedding)
		ix.docIDs[c.ID] = c.DocumentID
	}
}

// remove drops every vector belonging to a document.
func (ix *denseIndex) remove(docID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, d := range ix.docIDs {
		if d == docID {
			delete(ix.vectors, id)
			delete(ix.docIDs, id)
		}
	}
}

// replace swaps the whole index contents. Used by rebuilds.
func (ix *denseIndex) replace(chunks []*storage.Chunk) {
	fresh := make(map[uuid.UUID][]float32, len(chunks))
	docs := make(map[uuid.UUID]int64, len(chunks))
	for _, c := range chunks {
		if c.ChunkType != storage.ChunkTypeChild || len(c.Embedding) == 0 {
			continue
		}
		fresh[c.ID] = normalizeDense(c.Embedding)
		docs[c.ID] = c.DocumentID
	}
	ix.mu.Lock()
	ix.vectors = fresh
	ix.docIDs = docs
	ix.mu.Unlock()
}

func (ix *denseIndex) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

// search returns the top-k chunks by cosine similarity to the query
// vector. Vectors of a different width are skipped rather than
// treated as dissimilar.
func (ix *denseIndex) search(query []float32, k int) []hit {
	q := normalizeDense(query)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]hit, 0, len(ix.vectors))
	for id, vec := range ix.vectors {
		if len(vec) != len(q) {
			continue
		}
		var dot float64
		for i := range q {
			dot += float64(q[i]) * float64(vec[i])
		}
		hits = append(hits, hit{ChunkID: id, DocID: ix.docIDs[id], Score: dot})
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

func normalizeDense(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
