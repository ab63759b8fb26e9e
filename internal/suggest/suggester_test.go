package suggest

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

type suggestFixture struct {
	sug   *Suggester
	store *storage.Store
	mock  *oracle.MockOracle
	kbID  uuid.UUID
}

func newSuggestFixture(t *testing.T) *suggestFixture {
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
	return &suggestFixture{
		sug:   NewSuggester(store, mock, observability.Nop()),
		store: store,
		mock:  mock,
		kbID:  kb.ID,
	}
}

func (f *suggestFixture) seedDoc(t *testing.T, filename, rawText string, conceptNames ...string) int64 {
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
		ByteSize:       int64(len(rawText)),
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))
	require.NoError(t, repos.VectorDocuments.Create(ctx, &storage.VectorDocument{
		DocID:   docID,
		RawText: rawText,
	}))

	concepts := make([]*storage.Concept, 0, len(conceptNames))
	for i, cn := range conceptNames {
		concepts = append(concepts, &storage.Concept{
			DocumentID: docID,
			KBID:       f.kbID,
			Name:       cn,
			Category:   storage.ConceptCategoryConcept,
			Confidence: 0.9 - 0.05*float64(i),
		})
	}
	require.NoError(t, repos.Concepts.CreateBatch(ctx, concepts))
	return docID
}

func (f *suggestFixture) seedCluster(t *testing.T, name string, primary []string, docIDs ...int64) int64 {
	t.Helper()
	ctx := context.Background()
	repos := f.store.Repos()

	id, err := repos.Clusters.NextID(ctx)
	require.NoError(t, err)
	require.NoError(t, repos.Clusters.Create(ctx, &storage.Cluster{
		ID:              id,
		Name:            name,
		KBID:            f.kbID,
		Owner:           "casey",
		PrimaryConcepts: primary,
		SkillLevel:      storage.SkillLevelIntermediate,
		DocIDs:          docIDs,
	}))
	return id
}

func (f *suggestFixture) seedKnowledge(t *testing.T) {
	t.Helper()
	raft := f.seedDoc(t, "raft-notes.md",
		strings.Repeat("Raft consensus elects a leader and replicates a log. ", 8),
		"raft", "consensus", "leader election")
	gossip := f.seedDoc(t, "gossip.md",
		strings.Repeat("Gossip protocols spread cluster state between peers. ", 8),
		"gossip", "replication")
	f.seedCluster(t, "Distributed Systems", []string{"raft", "consensus", "gossip"}, raft, gossip)
}

// ideasReply builds a ChatFunc returning the given ideas JSON for the
// suggestion prompt.
func ideasReply(ideas string) func(context.Context, oracle.ChatRequest) (*oracle.ChatResponse, error) {
	return func(_ context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
		return &oracle.ChatResponse{Content: ideas}, nil
	}
}

func TestSuggestProducesGroundedIdeas(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	out, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 5)
	require.NoError(t, err)
	require.Len(t, out, 2)

	for _, s := range out {
		assert.NotEmpty(t, s.Title)
		assert.NotEmpty(t, s.Description)
		assert.Equal(t, FeasibilityHigh, s.Feasibility)
		assert.GreaterOrEqual(t, s.Score, 0.75)
		assert.NotEqual(t, storage.SkillLevelUnknown, s.Difficulty)
		assert.NotEmpty(t, s.EffortEstimate)
		assert.NotEmpty(t, s.StarterSteps)
		assert.GreaterOrEqual(t, s.KnowledgeCoverage, 0.0)
		assert.LessOrEqual(t, s.KnowledgeCoverage, 1.0)
	}
}

func TestSuggestEnrichesFromStoredConcepts(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	f.mock.ChatFunc = ideasReply(`{"ideas":[{
		"title": "Build a raft-backed key-value store",
		"description": "Replicated KV store using your consensus notes.",
		"difficulty": "advanced",
		"feasibility": 0.85,
		"effort_estimate": "week",
		"referenced_sections": ["raft", "consensus", "paxos"]
	}]}`)

	out, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 5)
	require.NoError(t, err)
	require.Len(t, out, 1)

	s := out[0]
	assert.Equal(t, FeasibilityHigh, s.Feasibility)
	assert.InDelta(t, 0.85, s.Score, 1e-9)
	assert.Equal(t, storage.SkillLevelAdvanced, s.Difficulty)
	assert.ElementsMatch(t, []string{"raft", "consensus"}, s.RequiredSkills)
	assert.Equal(t, []string{"paxos"}, s.MissingKnowledge)
	assert.InDelta(t, 2.0/3.0, s.KnowledgeCoverage, 1e-9)
	assert.Equal(t, []string{"Distributed Systems"}, s.RelevantClusters)
	// No steps from the oracle, so a plan is derived.
	require.NotEmpty(t, s.StarterSteps)
	assert.Contains(t, s.StarterSteps[0], "raft")
}

func TestSuggestRanksLowFeasibilityLast(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	f.mock.ChatFunc = ideasReply(`{"ideas":[
		{"title": "B", "description": "b", "feasibility": 0.2},
		{"title": "A", "description": "a", "feasibility": 0.9},
		{"title": "C", "description": "c", "feasibility": 0.5}
	]}`)

	out, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 5)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "A", out[0].Title)
	assert.Equal(t, "C", out[1].Title)
	assert.Equal(t, "B", out[2].Title)
}

func TestSuggestClampsMaxSuggestions(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	var ideas []string
	for i := 0; i < 7; i++ {
		ideas = append(ideas, `{"title": "idea `+string(rune('a'+i))+`", "description": "d", "feasibility": 0.8}`)
	}
	f.mock.ChatFunc = ideasReply(`{"ideas":[` + strings.Join(ideas, ",") + `]}`)

	out, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = f.sug.Suggest(context.Background(), "casey", f.kbID, 0)
	require.NoError(t, err)
	assert.Len(t, out, 5)

	out, err = f.sug.Suggest(context.Background(), "casey", f.kbID, 99)
	require.NoError(t, err)
	assert.Len(t, out, 7)
}

func TestSuggestGatesThinKnowledge(t *testing.T) {
	f := newSuggestFixture(t)

	// Any oracle call would fail loudly; the gate must fire first.
	f.mock.ChatErr = assert.AnError

	_, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 5)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
	assert.Equal(t, "insufficient_knowledge", appErr.Details["reason"])
	assert.ElementsMatch(t,
		[]string{"distinct_concepts", "document_count", "cluster_count", "total_content_length"},
		appErr.Details["failed_thresholds"])
}

func TestSuggestGateNamesOnlyFailedThresholds(t *testing.T) {
	f := newSuggestFixture(t)
	doc := f.seedDoc(t, "solo.md", strings.Repeat("One topic only, described at length. ", 10), "raft")
	f.seedCluster(t, "Consensus", []string{"raft"}, doc)

	_, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 5)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, []string{"distinct_concepts"}, appErr.Details["failed_thresholds"])
}

func TestSuggestChecksKBOwnership(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	_, err := f.sug.Suggest(context.Background(), "casey", uuid.New(), 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSuggestRepairsMalformedReply(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	var calls atomic.Int32
	f.mock.ChatFunc = func(_ context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
		if calls.Add(1) == 1 {
			return &oracle.ChatResponse{Content: "Here are some fun ideas for you!"}, nil
		}
		return &oracle.ChatResponse{Content: `{"ideas":[{"title":"Fixed","description":"d","feasibility":0.8}]}`}, nil
	}

	out, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Fixed", out[0].Title)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSuggestSchemaErrorAfterFailedRepair(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	f.mock.ChatFunc = ideasReply("still not json")

	_, err := f.sug.Suggest(context.Background(), "casey", f.kbID, 5)
	require.Error(t, err)
	assert.Equal(t, apperr.KindOracleSchema, apperr.KindOf(err))
}

func TestBandFeasibility(t *testing.T) {
	assert.Equal(t, FeasibilityHigh, bandFeasibility(json.RawMessage(`0.8`)))
	assert.Equal(t, FeasibilityMedium, bandFeasibility(json.RawMessage(`0.5`)))
	assert.Equal(t, FeasibilityLow, bandFeasibility(json.RawMessage(`0.1`)))
	assert.Equal(t, FeasibilityHigh, bandFeasibility(json.RawMessage(`"High"`)))
	assert.Equal(t, FeasibilityLow, bandFeasibility(json.RawMessage(`"low"`)))
	assert.Equal(t, FeasibilityMedium, bandFeasibility(json.RawMessage(`"someday"`)))
	assert.Equal(t, FeasibilityMedium, bandFeasibility(nil))
}

func TestKnowledgeSummaryListsClusters(t *testing.T) {
	f := newSuggestFixture(t)
	f.seedKnowledge(t)

	snap, err := f.sug.snapshot(context.Background(), "casey", f.kbID)
	require.NoError(t, err)

	text := snap.summary()
	assert.Contains(t, text, "Cluster: Distributed Systems (2 documents, intermediate)")
	assert.Contains(t, text, "Primary concepts: raft, consensus, gossip")
	assert.Contains(t, text, "raft-notes.md")
	assert.Contains(t, text, "gossip.md")
}
