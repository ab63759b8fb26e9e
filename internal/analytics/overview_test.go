package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/cache"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

type analyticsFixture struct {
	svc   *Service
	store *storage.Store
	cache cache.Client
	kbID  uuid.UUID
}

func newAnalyticsFixture(t *testing.T) *analyticsFixture {
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

	c := cache.NewMemoryClient(100)
	t.Cleanup(func() { _ = c.Close() })

	return &analyticsFixture{
		svc:   NewService(store, c, observability.Nop()),
		store: store,
		cache: c,
		kbID:  kb.ID,
	}
}

// seedDoc writes a document with one parent/child chunk pair and its
// concepts into the given knowledge base.
func (f *analyticsFixture) seedDoc(t *testing.T, kbID uuid.UUID, filename, rawText string, conceptNames ...string) int64 {
	t.Helper()
	ctx := context.Background()
	repos := f.store.Repos()

	docID, err := repos.Documents.NextID(ctx)
	require.NoError(t, err)
	name := filename
	require.NoError(t, repos.Documents.Create(ctx, &storage.Document{
		DocID:          docID,
		KBID:           kbID,
		Owner:          "casey",
		SourceType:     storage.SourceTypeText,
		Filename:       &name,
		SkillLevel:     storage.SkillLevelIntermediate,
		ChunkingStatus: storage.StageStatusCompleted,
		SummaryStatus:  storage.StageStatusCompleted,
		ChunkCount:     2,
		ByteSize:       int64(len(rawText)),
	}))
	require.NoError(t, repos.VectorDocuments.Create(ctx, &storage.VectorDocument{
		DocID:   docID,
		RawText: rawText,
	}))

	parentID := uuid.New()
	require.NoError(t, repos.Chunks.CreateBatch(ctx, []*storage.Chunk{
		{
			ID:         parentID,
			DocumentID: docID,
			KBID:       kbID,
			ChunkIndex: 0,
			EndToken:   10,
			Content:    rawText,
			ChunkType:  storage.ChunkTypeParent,
		},
		{
			DocumentID:    docID,
			KBID:          kbID,
			ChunkIndex:    1,
			EndToken:      10,
			Content:       rawText,
			ChunkType:     storage.ChunkTypeChild,
			ParentChunkID: &parentID,
			Embedding:     []float32{1, 0, 0, 0, 0, 0, 0, 0},
		},
	}))

	concepts := make([]*storage.Concept, 0, len(conceptNames))
	for i, cn := range conceptNames {
		concepts = append(concepts, &storage.Concept{
			DocumentID: docID,
			KBID:       kbID,
			Name:       cn,
			Category:   storage.ConceptCategoryConcept,
			Confidence: 0.9 - 0.05*float64(i),
		})
	}
	require.NoError(t, repos.Concepts.CreateBatch(ctx, concepts))
	return docID
}

func (f *analyticsFixture) seedCluster(t *testing.T, kbID uuid.UUID, name string, docIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	repos := f.store.Repos()

	id, err := repos.Clusters.NextID(ctx)
	require.NoError(t, err)
	require.NoError(t, repos.Clusters.Create(ctx, &storage.Cluster{
		ID:              id,
		Name:            name,
		KBID:            kbID,
		Owner:           "casey",
		PrimaryConcepts: []string{name},
		SkillLevel:      storage.SkillLevelIntermediate,
		DocIDs:          docIDs,
	}))
}

func TestOverviewAggregatesKnowledge(t *testing.T) {
	f := newAnalyticsFixture(t)
	d1 := f.seedDoc(t, f.kbID, "channels.md", "Channels move values between goroutines.", "goroutines", "channels")
	d2 := f.seedDoc(t, f.kbID, "select.md", "Select waits on several channel operations.", "channels", "select")
	f.seedCluster(t, f.kbID, "Concurrency", d1, d2)

	ov, err := f.svc.Overview(context.Background(), "casey")
	require.NoError(t, err)

	assert.EqualValues(t, 1, ov.TotalKnowledgeBases)
	assert.EqualValues(t, 2, ov.TotalDocuments)
	assert.EqualValues(t, 3, ov.TotalConcepts)
	assert.EqualValues(t, 1, ov.TotalClusters)
	assert.EqualValues(t, 2, ov.IndexedChunks)
	assert.Positive(t, ov.ContentBytes)
	assert.False(t, ov.GeneratedAt.IsZero())

	require.Len(t, ov.KnowledgeBases, 1)
	kb := ov.KnowledgeBases[0]
	assert.Equal(t, f.kbID, kb.ID)
	assert.True(t, kb.IsDefault)
	assert.EqualValues(t, 2, kb.Documents)

	// "channels" appears in both documents and leads the board.
	require.NotEmpty(t, ov.TopConcepts)
	assert.Equal(t, "channels", ov.TopConcepts[0].Name)
	assert.EqualValues(t, 2, ov.TopConcepts[0].DocumentCount)
}

func TestOverviewSpansKnowledgeBases(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()

	second := &storage.KnowledgeBase{Name: "work", Owner: "casey"}
	require.NoError(t, f.store.Repos().KnowledgeBases.Create(ctx, second))

	d1 := f.seedDoc(t, f.kbID, "a.md", "Alpha notes body text.", "alpha")
	d2 := f.seedDoc(t, second.ID, "b.md", "Beta notes body text.", "beta", "alpha")
	f.seedCluster(t, f.kbID, "Alpha", d1)
	f.seedCluster(t, second.ID, "Beta", d2)

	ov, err := f.svc.Overview(ctx, "casey")
	require.NoError(t, err)

	assert.EqualValues(t, 2, ov.TotalKnowledgeBases)
	assert.EqualValues(t, 2, ov.TotalDocuments)
	assert.EqualValues(t, 2, ov.TotalClusters)
	require.Len(t, ov.KnowledgeBases, 2)

	// Same concept in two KBs merges in the rollup.
	require.NotEmpty(t, ov.TopConcepts)
	assert.Equal(t, "alpha", ov.TopConcepts[0].Name)
	assert.EqualValues(t, 2, ov.TopConcepts[0].DocumentCount)
}

func TestOverviewServedFromCache(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()
	d1 := f.seedDoc(t, f.kbID, "a.md", "Alpha notes body text.", "alpha")
	f.seedCluster(t, f.kbID, "Alpha", d1)

	ov, err := f.svc.Overview(ctx, "casey")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ov.TotalDocuments)

	// New data does not show until the cache is invalidated.
	f.seedDoc(t, f.kbID, "b.md", "Beta notes body text.", "beta")

	ov, err = f.svc.Overview(ctx, "casey")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ov.TotalDocuments)

	require.NoError(t, cache.NewInvalidator(f.cache).KnowledgeBaseChanged(ctx, "casey", f.kbID.String()))

	ov, err = f.svc.Overview(ctx, "casey")
	require.NoError(t, err)
	assert.EqualValues(t, 2, ov.TotalDocuments)
}

// brokenCache fails every operation, standing in for a cache outage.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, assert.AnError }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return assert.AnError
}
func (brokenCache) Delete(context.Context, string) error         { return assert.AnError }
func (brokenCache) DeleteByPrefix(context.Context, string) error { return assert.AnError }
func (brokenCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, assert.AnError
}
func (brokenCache) Close() error { return nil }

func TestOverviewComputesWhenCacheDown(t *testing.T) {
	f := newAnalyticsFixture(t)
	d1 := f.seedDoc(t, f.kbID, "a.md", "Alpha notes body text.", "alpha")
	f.seedCluster(t, f.kbID, "Alpha", d1)

	svc := NewService(f.store, brokenCache{}, observability.Nop())
	ov, err := svc.Overview(context.Background(), "casey")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ov.TotalDocuments)
}

func TestOverviewIncludesCurrentUsage(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()
	repos := f.store.Repos()

	_, err := repos.Usage.EnsureCurrent(ctx, "casey", nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, repos.Usage.Increment(ctx, "casey", time.Now(), storage.CounterAPICalls, 3))

	ov, err := f.svc.Overview(ctx, "casey")
	require.NoError(t, err)
	require.NotNil(t, ov.Usage)
	assert.EqualValues(t, 3, ov.Usage.APICalls)
}

func TestOverviewFreshUser(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Repos().Users.EnsureExists(ctx, "morgan"))

	ov, err := f.svc.Overview(ctx, "morgan")
	require.NoError(t, err)
	assert.Zero(t, ov.TotalKnowledgeBases)
	assert.Zero(t, ov.TotalDocuments)
	assert.Nil(t, ov.Usage)
	assert.Empty(t, ov.TopConcepts)
}

func TestMergeTopConcepts(t *testing.T) {
	merged := mergeTopConcepts([]*storage.ConceptFrequency{
		{Name: "raft", DocumentCount: 2, MaxConfidence: 0.8},
		{Name: "gossip", DocumentCount: 1, MaxConfidence: 0.9},
		{Name: "raft", DocumentCount: 1, MaxConfidence: 0.95},
		{Name: "paxos", DocumentCount: 1, MaxConfidence: 0.5},
	}, 2)

	require.Len(t, merged, 2)
	assert.Equal(t, "raft", merged[0].Name)
	assert.EqualValues(t, 3, merged[0].DocumentCount)
	assert.InDelta(t, 0.95, merged[0].MaxConfidence, 1e-9)
	// gossip and paxos tie at one document; the name breaks it.
	assert.Equal(t, "gossip", merged[1].Name)
}
