package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

func testDoc() *storage.Document {
	return &storage.Document{DocID: 7, KBID: uuid.New(), Owner: "casey"}
}

func testParent(index, section, tokens int, content string) Parent {
	return Parent{
		Chunk: &storage.Chunk{
			ID:         uuid.New(),
			DocumentID: 7,
			ChunkIndex: index,
			StartToken: 0,
			EndToken:   tokens,
			Content:    content,
			ChunkType:  storage.ChunkTypeParent,
		},
		Section: section,
	}
}

// countingChat wraps the default mock responder and counts calls.
func countingChat(m *oracle.MockOracle, calls *int) {
	inner := oracle.NewMock(m.Dimension)
	m.ChatFunc = func(ctx context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
		*calls++
		return inner.Chat(ctx, req)
	}
}

func TestSummarizeBuildsHierarchy(t *testing.T) {
	s := NewSummarizer(oracle.NewMock(16), observability.Nop())

	p1 := testParent(0, 0, 120, "Goroutines and channels structure concurrent Go programs.")
	p2 := testParent(2, 0, 120, "The select statement multiplexes between channel operations.")

	res, err := s.Summarize(context.Background(), testDoc(), []Parent{p1, p2})
	require.NoError(t, err)
	require.Len(t, res.Summaries, 4) // two L1, one L2, one L3

	var l1s, l2s, l3s []*storage.Summary
	for _, row := range res.Summaries {
		switch row.Level {
		case storage.SummaryLevelChunk:
			l1s = append(l1s, row)
		case storage.SummaryLevelSection:
			l2s = append(l2s, row)
		case storage.SummaryLevelDocument:
			l3s = append(l3s, row)
		}
	}
	require.Len(t, l1s, 2)
	require.Len(t, l2s, 1)
	require.Len(t, l3s, 1)

	// levels link upward into a tree rooted at the document summary
	for _, l1 := range l1s {
		require.NotNil(t, l1.ChunkID)
		require.NotNil(t, l1.ParentID)
		assert.Equal(t, l2s[0].ID, *l1.ParentID)
	}
	require.NotNil(t, l2s[0].ParentID)
	assert.Equal(t, l3s[0].ID, *l2s[0].ParentID)
	require.NotNil(t, l2s[0].ChunkID)
	assert.Equal(t, p1.Chunk.ID, *l2s[0].ChunkID)
	assert.Nil(t, l3s[0].ChunkID)
	assert.Nil(t, l3s[0].ParentID)

	assert.NotEmpty(t, res.ChunkSummaries[p1.Chunk.ID])
	assert.NotEmpty(t, res.ChunkSummaries[p2.Chunk.ID])
	assert.Equal(t, l3s[0], res.Document())

	for _, row := range res.Summaries {
		assert.Equal(t, int64(7), row.DocumentID)
		assert.NotEmpty(t, row.ShortSummary)
	}
}

func TestSummarizeSingleParentCostsOneCall(t *testing.T) {
	mock := oracle.NewMock(16)
	calls := 0
	countingChat(mock, &calls)

	s := NewSummarizer(mock, observability.Nop())
	res, err := s.Summarize(context.Background(), testDoc(), []Parent{
		testParent(0, 0, 80, "A single note about sqlite indexes."),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, res.Summaries, 3)

	// the one generation is promoted through all three levels
	assert.Equal(t, res.Summaries[0].ShortSummary, res.Summaries[1].ShortSummary)
	assert.Equal(t, res.Summaries[1].ShortSummary, res.Summaries[2].ShortSummary)
}

func TestSummarizeGroupsBySection(t *testing.T) {
	mock := oracle.NewMock(16)
	calls := 0
	countingChat(mock, &calls)

	s := NewSummarizer(mock, observability.Nop())
	res, err := s.Summarize(context.Background(), testDoc(), []Parent{
		testParent(0, 0, 100, "Pods are the unit of scheduling in kubernetes."),
		testParent(2, 0, 100, "Deployments manage replica sets declaratively."),
		testParent(4, 1, 100, "Services expose pods behind a stable address."),
	})
	require.NoError(t, err)

	var l2s []*storage.Summary
	for _, row := range res.Summaries {
		if row.Level == storage.SummaryLevelSection {
			l2s = append(l2s, row)
		}
	}
	require.Len(t, l2s, 2)

	// three L1 calls, one call for the two-chunk section, one for the root;
	// the single-chunk section is promoted for free
	assert.Equal(t, 5, calls)
}

func TestSummarizeSkipsLongSummaryForShortChunks(t *testing.T) {
	s := NewSummarizer(oracle.NewMock(16), observability.Nop())

	res, err := s.Summarize(context.Background(), testDoc(), []Parent{
		testParent(0, 0, 200, "Short text about docker."),
	})
	require.NoError(t, err)
	for _, row := range res.Summaries {
		assert.Nil(t, row.LongSummary)
	}
}

func TestSummarizeKeepsLongSummaryForLargeChunks(t *testing.T) {
	s := NewSummarizer(oracle.NewMock(16), observability.Nop())

	content := strings.Repeat("terraform state management with remote backends ", 40)
	res, err := s.Summarize(context.Background(), testDoc(), []Parent{
		testParent(0, 0, 1600, content),
	})
	require.NoError(t, err)

	// the mock always proposes a long summary; the floor keeps it here
	require.NotNil(t, res.Summaries[0].LongSummary)
	assert.NotEmpty(t, *res.Summaries[0].LongSummary)
}

func TestSummarizeFallsBackOnBadJSON(t *testing.T) {
	mock := oracle.NewMock(16)
	mock.ChatFunc = func(ctx context.Context, req oracle.ChatRequest) (*oracle.ChatResponse, error) {
		return &oracle.ChatResponse{Content: "no json here"}, nil
	}
	s := NewSummarizer(mock, observability.Nop())

	res, err := s.Summarize(context.Background(), testDoc(), []Parent{
		testParent(0, 0, 100, "Redis pipelines batch commands to cut round trips."),
	})
	require.NoError(t, err)
	assert.Equal(t, "Redis pipelines batch commands to cut round trips.", res.Summaries[0].ShortSummary)
	assert.Empty(t, res.Summaries[0].KeyConcepts)
}

func TestSummarizePropagatesOracleError(t *testing.T) {
	mock := oracle.NewMock(16)
	mock.ChatErr = errors.New("oracle down")
	s := NewSummarizer(mock, observability.Nop())

	_, err := s.Summarize(context.Background(), testDoc(), []Parent{
		testParent(0, 0, 100, "text"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle down")
}

func TestSummarizeOrdersByChunkIndex(t *testing.T) {
	s := NewSummarizer(oracle.NewMock(16), observability.Nop())

	pLate := testParent(4, 0, 100, "Later chunk content.")
	pEarly := testParent(0, 0, 100, "Earlier chunk content.")

	res, err := s.Summarize(context.Background(), testDoc(), []Parent{pLate, pEarly})
	require.NoError(t, err)
	require.NotNil(t, res.Summaries[0].ChunkID)
	assert.Equal(t, pEarly.Chunk.ID, *res.Summaries[0].ChunkID)
}

func TestSummarizeRejectsEmptyInput(t *testing.T) {
	s := NewSummarizer(oracle.NewMock(16), observability.Nop())
	_, err := s.Summarize(context.Background(), testDoc(), nil)
	require.Error(t, err)
}

func TestParseSummaryToleratesFences(t *testing.T) {
	g, err := parseSummary("```json\n{\"short_summary\": \"ok\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "ok", g.ShortSummary)

	_, err = parseSummary("{}")
	require.Error(t, err)
}
