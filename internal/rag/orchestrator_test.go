package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/embedding"
	"github.com/mindvault-ai/mindvault/internal/ingest"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/retrieval"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

type ragFixture struct {
	orch   *Orchestrator
	engine *retrieval.Engine
	store  *storage.Store
	mock   *oracle.MockOracle
	kbID   uuid.UUID
}

func newRagFixture(t *testing.T) *ragFixture {
	t.Helper()

	store, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, storage.EnsureSchema(context.Background(), store.DB(), store.Dialect(), 8))

	ctx := context.Background()
	repos := store.Repos()
	require.NoError(t, repos.Users.EnsureExists(ctx, "casey"))
	kb, err := repos.KnowledgeBases.GetDefault(ctx, "casey")
	require.NoError(t, err)

	mock := oracle.NewMock(8)
	cfg := config.DefaultConfig()
	log := observability.Nop()
	engine := retrieval.NewEngine(store, embedding.NewService(cfg.Embedding, mock, log), mock, cfg.Retrieval, log)
	return &ragFixture{
		orch:   NewOrchestrator(store, engine, mock, cfg.RAG, log),
		engine: engine,
		store:  store,
		mock:   mock,
		kbID:   kb.ID,
	}
}

// seedDocument persists one parent chunk plus an embedded child per
// passage, the same rows the ingest pipeline would write.
func (f *ragFixture) seedDocument(t *testing.T, filename string, passages ...string) int64 {
	t.Helper()
	ctx := context.Background()
	repos := f.store.Repos()

	docID, err := repos.Documents.NextID(ctx)
	require.NoError(t, err)
	name := filename
	doc := &storage.Document{
		DocID:          docID,
		KBID:           f.kbID,
		Owner:          "casey",
		SourceType:     storage.SourceTypeText,
		Filename:       &name,
		SkillLevel:     storage.SkillLevelIntermediate,
		ChunkingStatus: storage.StageStatusCompleted,
		SummaryStatus:  storage.StageStatusCompleted,
		ChunkCount:     len(passages) + 1,
		ByteSize:       int64(len(strings.Join(passages, " "))),
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	parentID := uuid.New()
	chunks := []*storage.Chunk{{
		ID:         parentID,
		DocumentID: docID,
		KBID:       f.kbID,
		ChunkIndex: 0,
		Content:    strings.Join(passages, "\n\n"),
		ChunkType:  storage.ChunkTypeParent,
	}}
	vecs, err := f.mock.Embed(ctx, passages)
	require.NoError(t, err)
	for i, p := range passages {
		pid := parentID
		chunks = append(chunks, &storage.Chunk{
			ID:            uuid.New(),
			DocumentID:    docID,
			KBID:          f.kbID,
			ChunkIndex:    i + 1,
			Content:       p,
			Embedding:     vecs[i],
			ParentChunkID: &pid,
			ChunkType:     storage.ChunkTypeChild,
		})
	}
	require.NoError(t, repos.Chunks.CreateBatch(ctx, chunks))
	return docID
}

func (f *ragFixture) seedCorpus(t *testing.T) (goDoc, dbDoc int64) {
	t.Helper()
	goDoc = f.seedDocument(t, "concurrency.md",
		"Goroutines are lightweight threads scheduled by the Go runtime.",
		"Channels carry typed values between goroutines and synchronize them.",
	)
	dbDoc = f.seedDocument(t, "postgres.md",
		"Postgres transactions provide snapshot isolation for concurrent writers.",
		"Indexes on foreign keys speed up join queries in relational databases.",
	)
	return goDoc, dbDoc
}

func TestAnswerGroundsInCorpus(t *testing.T) {
	f := newRagFixture(t)
	ctx := context.Background()
	goDoc, _ := f.seedCorpus(t)

	res, err := f.orch.Answer(ctx, "casey", f.kbID, "How do goroutines communicate?", 5)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Answer, "Based on your notes:"), res.Answer)
	require.NotEmpty(t, res.Citations)
	assert.Equal(t, goDoc, res.Citations[0])
	assert.Equal(t, len(res.Citations), res.ChunksUsed)
	assert.False(t, res.Degraded)
}

func TestAnswerEmptyKnowledgeBase(t *testing.T) {
	f := newRagFixture(t)

	// Any chat call would fail loudly; the sentinel must come back
	// without one.
	f.mock.ChatErr = assert.AnError

	res, err := f.orch.Answer(context.Background(), "casey", f.kbID, "anything at all", 5)
	require.NoError(t, err)
	assert.Equal(t, NoAnswer, res.Answer)
	assert.Empty(t, res.Citations)
	assert.Zero(t, res.ChunksUsed)
}

func TestAnswerValidatesQuery(t *testing.T) {
	f := newRagFixture(t)

	_, err := f.orch.Answer(context.Background(), "casey", f.kbID, "  ", 5)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAnswerChecksKBOwnership(t *testing.T) {
	f := newRagFixture(t)
	f.seedCorpus(t)

	_, err := f.orch.Answer(context.Background(), "casey", uuid.New(), "anything", 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAnswerFusesAcrossParaphrases(t *testing.T) {
	f := newRagFixture(t)
	ctx := context.Background()
	goDoc, dbDoc := f.seedCorpus(t)

	// The paraphrase targets a different document than the original
	// query; fusion must surface both.
	f.mock.ChatFunc = func(_ context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "rewrite the question") {
			return &oracle.ChatResponse{Content: `{"paraphrases": ["postgres indexes joins"]}`}, nil
		}
		return &oracle.ChatResponse{Content: "Answer drawn from context."}, nil
	}

	res, err := f.orch.Answer(ctx, "casey", f.kbID, "goroutines channels", 5)
	require.NoError(t, err)

	assert.Contains(t, res.Citations, goDoc)
	assert.Contains(t, res.Citations, dbDoc)
	assert.Equal(t, goDoc, res.Citations[0])
}

func TestAnswerExpansionFailureNonFatal(t *testing.T) {
	f := newRagFixture(t)
	ctx := context.Background()
	goDoc, _ := f.seedCorpus(t)

	f.mock.ChatFunc = func(_ context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "rewrite the question") {
			return nil, assert.AnError
		}
		return &oracle.ChatResponse{Content: "Answer drawn from context."}, nil
	}

	res, err := f.orch.Answer(ctx, "casey", f.kbID, "goroutines and channels", 5)
	require.NoError(t, err)
	assert.Equal(t, "Answer drawn from context.", res.Answer)
	require.NotEmpty(t, res.Citations)
	assert.Equal(t, goDoc, res.Citations[0])
	assert.False(t, res.Degraded)
}

func TestAnswerDegradedWhenEmbeddingDown(t *testing.T) {
	f := newRagFixture(t)
	ctx := context.Background()
	goDoc, _ := f.seedCorpus(t)

	f.mock.EmbedErr = apperr.OracleUnavailable(assert.AnError)

	res, err := f.orch.Answer(ctx, "casey", f.kbID, "goroutines and channels", 5)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.NotEmpty(t, res.Citations)
	assert.Equal(t, goDoc, res.Citations[0])
}

func TestAnswerOracleFailurePropagates(t *testing.T) {
	f := newRagFixture(t)
	ctx := context.Background()
	f.seedCorpus(t)

	// Chat is down entirely: expansion and rerank degrade, but the
	// answer itself cannot be produced.
	f.mock.ChatErr = apperr.OracleUnavailable(assert.AnError)

	_, err := f.orch.Answer(ctx, "casey", f.kbID, "goroutines and channels", 5)
	require.Error(t, err)
	assert.Equal(t, apperr.KindOracleUnavailable, apperr.KindOf(err))
}

func TestAnswerRespectsTokenBudget(t *testing.T) {
	f := newRagFixture(t)
	ctx := context.Background()
	f.seedDocument(t, "a.md", "Caching strategies for web services.")
	f.seedDocument(t, "b.md", "Caching layers reduce web service latency.")
	f.seedDocument(t, "c.md", "Web service caching with redis.")

	cfg := config.DefaultConfig().RAG
	cfg.ContextTokenBudget = 30
	tight := NewOrchestrator(f.store, f.engine, f.mock, cfg, observability.Nop())

	res, err := tight.Answer(ctx, "casey", f.kbID, "web service caching", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksUsed)
	assert.Len(t, res.Citations, 1)
}

func TestFuseByDocKeepsBestChunk(t *testing.T) {
	c1 := &storage.Chunk{ID: uuid.New()}
	c2 := &storage.Chunk{ID: uuid.New()}
	c3 := &storage.Chunk{ID: uuid.New()}

	va := &retrieval.SearchResult{Results: []*retrieval.Result{
		{Chunk: c1, DocID: 1, Score: 0.4},
		{Chunk: c3, DocID: 2, Score: 0.5},
	}}
	vb := &retrieval.SearchResult{Results: []*retrieval.Result{
		{Chunk: c2, DocID: 1, Score: 0.9},
	}}

	out := fuseByDoc([]*retrieval.SearchResult{va, vb}, []error{nil, nil})
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].DocID)
	assert.Same(t, c2, out[0].Chunk)
	assert.Equal(t, int64(2), out[1].DocID)

	// A failed variant contributes nothing: doc 1 keeps its 0.4 chunk
	// and drops behind doc 2.
	out = fuseByDoc([]*retrieval.SearchResult{va, nil}, []error{nil, assert.AnError})
	require.Len(t, out, 2)
	assert.Same(t, c3, out[0].Chunk)
	assert.Same(t, c1, out[1].Chunk)
}

func TestAssembleTruncatesOversizedFirstChunk(t *testing.T) {
	f := newRagFixture(t)

	cfg := config.DefaultConfig().RAG
	cfg.ContextTokenBudget = 5
	tight := NewOrchestrator(f.store, f.engine, f.mock, cfg, observability.Nop())

	long := strings.Repeat("tokens keep arriving here ", 40)
	results := []*retrieval.Result{{Chunk: &storage.Chunk{ID: uuid.New(), Content: long}, DocID: 999, Score: 1}}

	text, citations := tight.assemble(context.Background(), "casey", results)
	require.Len(t, citations, 1)
	assert.NotEmpty(t, text)
	assert.LessOrEqual(t, ingest.CountTokens(text), 5)
}
