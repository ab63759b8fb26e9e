// Package retrieval implements hybrid search over child chunks: a
// per-KB TF-IDF model and an in-memory dense index queried
// concurrently, score fusion, oracle reranking, and parent expansion.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/embedding"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// Above this many child chunks a stale KB is rebuilt in the
// background while queries keep using the previous snapshot. Smaller
// KBs rebuild inline so a document is searchable the moment its
// ingest job succeeds.
const asyncRebuildThreshold = 5000

const rebuildTimeout = 2 * time.Minute

// Engine answers search queries for knowledge bases. Per-KB indexes
// are built lazily from storage and kept fresh across writers via a
// chunk-count probe, so multiple processes can share one database.
type Engine struct {
	store    *storage.Store
	embedder *embedding.Service
	oracle   oracle.Oracle
	cfg      config.RetrievalConfig
	log      *observability.Logger

	mu  sync.Mutex
	kbs map[uuid.UUID]*kbIndex
}

// kbIndex pairs one KB's sparse snapshot with its dense index. The
// tfidfModel is immutable once published: readers grab the pointer
// under mu and keep using it even while a rebuild swaps in a fresh
// one (copy-on-write, single writer per KB).
type kbIndex struct {
	mu     sync.RWMutex
	sparse *tfidfModel
	dirty  bool

	dense *denseIndex

	rebuildMu  sync.Mutex
	rebuilding bool
}

// Result is one search hit after parent expansion.
type Result struct {
	Chunk *storage.Chunk
	DocID int64
	Score float64
}

// SearchResult carries the ranked hits plus the degraded flag, set
// when the oracle was unreachable and the dense leg or reranker had
// to be skipped.
type SearchResult struct {
	Results  []*Result
	Degraded bool
}

func NewEngine(store *storage.Store, embedder *embedding.Service, orc oracle.Oracle, cfg config.RetrievalConfig, log *observability.Logger) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		oracle:   orc,
		cfg:      cfg,
		log:      log.Component("retrieval"),
		kbs:      make(map[uuid.UUID]*kbIndex),
	}
}

// Search runs the full hybrid pipeline: sparse and dense legs in
// parallel, min-max fusion, rerank of the fused head, then parent
// expansion and truncation to topK.
func (e *Engine) Search(ctx context.Context, owner string, kbID uuid.UUID, query string, topK int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("query must not be empty")
	}
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	if _, err := e.store.Repos().KnowledgeBases.GetByID(ctx, owner, kbID); err != nil {
		return nil, err
	}

	start := time.Now()
	idx := e.kb(kbID)
	model, err := e.ensureFresh(ctx, idx, kbID)
	if err != nil {
		return nil, err
	}

	var (
		sparseHits []hit
		denseHits  []hit
		degraded   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sparseHits = model.search(model.queryVector(query), e.cfg.SparseTopK, e.cfg.MinSparseScore)
		return nil
	})
	g.Go(func() error {
		vec, err := e.embedder.EmbedQuery(gctx, query)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindOracleUnavailable {
				degraded = true
				return nil
			}
			return err
		}
		denseHits = idx.dense.search(vec, e.cfg.DenseTopK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ranked := fuse(sparseHits, denseHits, e.cfg.SparseWeight)
	results, degraded, err := e.rerankAndExpand(ctx, query, ranked, degraded)
	if err != nil {
		return nil, err
	}
	if len(results) > topK {
		results = results[:topK]
	}

	e.log.Info().
		Str("kb_id", kbID.String()).
		Int("sparse_hits", len(sparseHits)).
		Int("dense_hits", len(denseHits)).
		Int("results", len(results)).
		Bool("degraded", degraded).
		Dur("took", time.Since(start)).
		Msg("search")
	return &SearchResult{Results: results, Degraded: degraded}, nil
}

// DocumentAdded feeds freshly ingested chunks into the dense index
// and marks the sparse model dirty; IDF weights shift with every
// document, so the next query rebuilds the snapshot.
func (e *Engine) DocumentAdded(kbID uuid.UUID, chunks []*storage.Chunk) {
	idx := e.kb(kbID)
	idx.dense.add(chunks)
	idx.mu.Lock()
	idx.dirty = true
	idx.mu.Unlock()
}

// DocumentRemoved drops a document's vectors and marks the sparse
// model dirty.
func (e *Engine) DocumentRemoved(kbID uuid.UUID, docID int64) {
	idx := e.kb(kbID)
	idx.dense.remove(docID)
	idx.mu.Lock()
	idx.dirty = true
	idx.mu.Unlock()
}

func (e *Engine) kb(kbID uuid.UUID) *kbIndex {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.kbs[kbID]
	if !ok {
		idx = &kbIndex{dense: newDenseIndex()}
		e.kbs[kbID] = idx
	}
	return idx
}

// ensureFresh returns the sparse snapshot to query. A clean snapshot
// is probed against the stored chunk count to catch writes from other
// processes; stale small KBs rebuild inline, stale large ones keep
// serving the old snapshot while a single-flight rebuild runs in the
// background.
func (e *Engine) ensureFresh(ctx context.Context, idx *kbIndex, kbID uuid.UUID) (*tfidfModel, error) {
	idx.mu.RLock()
	model, dirty := idx.sparse, idx.dirty
	idx.mu.RUnlock()

	if model != nil && !dirty {
		n, err := e.store.Repos().Chunks.CountByKBAndType(ctx, kbID, storage.ChunkTypeChild)
		if err != nil {
			return nil, err
		}
		if int(n) == model.chunkCount {
			return model, nil
		}
		idx.mu.Lock()
		idx.dirty = true
		idx.mu.Unlock()
	}

	if model != nil && model.chunkCount >= asyncRebuildThreshold {
		e.rebuildAsync(idx, kbID)
		return model, nil
	}
	return e.rebuild(ctx, idx, kbID)
}

func (e *Engine) rebuild(ctx context.Context, idx *kbIndex, kbID uuid.UUID) (*tfidfModel, error) {
	idx.rebuildMu.Lock()
	defer idx.rebuildMu.Unlock()

	// A rebuild that finished while we waited for the lock already
	// cleared the dirty flag.
	idx.mu.RLock()
	model, dirty := idx.sparse, idx.dirty
	idx.mu.RUnlock()
	if model != nil && !dirty {
		return model, nil
	}

	start := time.Now()
	chunks, err := e.store.Repos().Chunks.ListByKBAndType(ctx, kbID, storage.ChunkTypeChild)
	if err != nil {
		return nil, err
	}
	fresh := buildTFIDF(chunks)
	idx.dense.replace(chunks)

	idx.mu.Lock()
	idx.sparse = fresh
	idx.dirty = false
	idx.mu.Unlock()

	e.log.Debug().
		Str("kb_id", kbID.String()).
		Int("chunks", fresh.chunkCount).
		Dur("took", time.Since(start)).
		Msg("index rebuilt")
	return fresh, nil
}

func (e *Engine) rebuildAsync(idx *kbIndex, kbID uuid.UUID) {
	idx.mu.Lock()
	if idx.rebuilding {
		idx.mu.Unlock()
		return
	}
	idx.rebuilding = true
	idx.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()
		if _, err := e.rebuild(ctx, idx, kbID); err != nil {
			e.log.Warn().Err(err).Str("kb_id", kbID.String()).Msg("background rebuild failed")
		}
		idx.mu.Lock()
		idx.rebuilding = false
		idx.mu.Unlock()
	}()
}

type fusedHit struct {
	chunkID uuid.UUID
	docID   int64
	score   float64
}

// fuse unions the two hit streams, min-max normalizes each, and
// combines them as alpha*sparse + (1-alpha)*dense.
func fuse(sparseHits, denseHits []hit, alpha float64) []fusedHit {
	sparseN := minMaxNormalize(sparseHits)
	denseN := minMaxNormalize(denseHits)

	docs := make(map[uuid.UUID]int64, len(sparseHits)+len(denseHits))
	for _, h := range sparseHits {
		docs[h.ChunkID] = h.DocID
	}
	for _, h := range denseHits {
		docs[h.ChunkID] = h.DocID
	}

	combined := make(map[uuid.UUID]float64, len(docs))
	for id, s := range sparseN {
		combined[id] += alpha * s
	}
	for id, d := range denseN {
		combined[id] += (1 - alpha) * d
	}

	out := make([]fusedHit, 0, len(combined))
	for id, score := range combined {
		out = append(out, fusedHit{chunkID: id, docID: docs[id], score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].chunkID.String() < out[j].chunkID.String()
	})
	return out
}

// minMaxNormalize maps a descending hit list onto [0,1]. A
// single-score stream normalizes to 1 so it still contributes.
func minMaxNormalize(hits []hit) map[uuid.UUID]float64 {
	if len(hits) == 0 {
		return nil
	}
	hi, lo := hits[0].Score, hits[len(hits)-1].Score
	out := make(map[uuid.UUID]float64, len(hits))
	if hi == lo {
		for _, h := range hits {
			out[h.ChunkID] = 1
		}
		return out
	}
	for _, h := range hits {
		out[h.ChunkID] = (h.Score - lo) / (hi - lo)
	}
	return out
}

// rerankAndExpand rescores the fused head with the cross-encoder,
// falls back to lexical overlap when the oracle is out, then swaps
// child chunks for their parents, deduplicating so the best child
// decides each parent's rank.
func (e *Engine) rerankAndExpand(ctx context.Context, query string, ranked []fusedHit, degraded bool) ([]*Result, bool, error) {
	m := e.cfg.RerankTopM
	if m <= 0 || m > len(ranked) {
		m = len(ranked)
	}
	if m == 0 {
		return nil, degraded, nil
	}
	head := ranked[:m]

	ids := make([]uuid.UUID, len(head))
	for i, f := range head {
		ids[i] = f.chunkID
	}
	children, err := e.store.Repos().Chunks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, degraded, err
	}

	passages := make([]string, len(children))
	for i, c := range children {
		passages[i] = c.Content
	}
	var scores []float64
	if !degraded {
		scores, err = e.oracle.RerankScores(ctx, query, passages)
		if err != nil {
			e.log.Warn().Err(err).Msg("rerank failed, using lexical overlap")
			degraded = true
			scores = nil
		}
	}
	if scores == nil {
		scores = lexicalScores(query, passages)
	}

	type scored struct {
		chunk *storage.Chunk
		score float64
	}
	rescored := make([]scored, 0, len(children))
	for i, c := range children {
		// Candidates the reranker judged irrelevant are dropped
		// entirely; a knowledge base with nothing on the topic must
		// yield zero results, not its least-unrelated chunk.
		if scores[i] < e.cfg.MinRerankScore {
			continue
		}
		rescored = append(rescored, scored{chunk: c, score: scores[i]})
	}
	sort.SliceStable(rescored, func(i, j int) bool {
		return rescored[i].score > rescored[j].score
	})

	// Parent expansion. Children whose parent row is gone fall back
	// to themselves.
	parentIDs := make([]uuid.UUID, 0, len(rescored))
	seen := make(map[uuid.UUID]bool, len(rescored))
	bestByParent := make(map[uuid.UUID]scored, len(rescored))
	for _, s := range rescored {
		pid := s.chunk.ID
		if s.chunk.ParentChunkID != nil {
			pid = *s.chunk.ParentChunkID
		}
		if seen[pid] {
			continue
		}
		seen[pid] = true
		parentIDs = append(parentIDs, pid)
		bestByParent[pid] = s
	}
	parents, err := e.store.Repos().Chunks.GetByIDs(ctx, parentIDs)
	if err != nil {
		return nil, degraded, err
	}
	byID := make(map[uuid.UUID]*storage.Chunk, len(parents))
	for _, p := range parents {
		byID[p.ID] = p
	}

	results := make([]*Result, 0, len(parentIDs))
	for _, pid := range parentIDs {
		best := bestByParent[pid]
		chunk, ok := byID[pid]
		if !ok {
			chunk = best.chunk
		}
		results = append(results, &Result{
			Chunk: chunk,
			DocID: best.chunk.DocumentID,
			Score: best.score,
		})
	}
	return results, degraded, nil
}

// lexicalScores is the deterministic rerank fallback: Jaccard overlap
// between query terms and passage terms.
func lexicalScores(query string, passages []string) []float64 {
	qTerms := make(map[string]bool)
	for _, t := range terms(query) {
		qTerms[t] = true
	}
	scores := make([]float64, len(passages))
	if len(qTerms) == 0 {
		return scores
	}
	for i, p := range passages {
		pTerms := make(map[string]bool)
		for _, t := range terms(p) {
			pTerms[t] = true
		}
		if len(pTerms) == 0 {
			continue
		}
		overlap := 0
		for t := range qTerms {
			if pTerms[t] {
				overlap++
			}
		}
		union := len(qTerms) + len(pTerms) - overlap
		scores[i] = float64(overlap) / float64(union)
	}
	return scores
}
