package concepts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

func newExtractor(orc oracle.Oracle) *Extractor {
	return NewExtractor(config.ConceptsConfig{}, orc, observability.Nop())
}

// scripted replies in order, one per Chat call.
func scriptedOracle(replies ...string) *oracle.MockOracle {
	m := oracle.NewMock(8)
	i := 0
	m.ChatFunc = func(_ context.Context, _ oracle.ChatRequest) (*oracle.ChatResponse, error) {
		reply := replies[len(replies)-1]
		if i < len(replies) {
			reply = replies[i]
		}
		i++
		return &oracle.ChatResponse{Content: reply, Model: "mock"}, nil
	}
	return m
}

func TestExtractHappyPath(t *testing.T) {
	x, err := newExtractor(oracle.NewMock(8)).Extract(context.Background(),
		[]string{"Goroutines and channels make Go concurrency approachable for python developers."})
	require.NoError(t, err)

	assert.NotEmpty(t, x.Concepts)
	assert.NotEmpty(t, x.PrimaryTopic)
	assert.NotEmpty(t, x.SuggestedCluster)
	assert.Equal(t, storage.SkillLevelIntermediate, x.SkillLevel)
	for _, c := range x.Concepts {
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
	}
}

func TestExtractRepairRetry(t *testing.T) {
	orc := scriptedOracle(
		"I think the concepts are Go and Docker.",
		`{"concepts":[{"name":"docker","category":"tool","confidence":0.9}],"skill_level":"beginner","primary_topic":"containers","suggested_cluster":"Containers"}`,
	)

	x, err := newExtractor(orc).Extract(context.Background(), []string{"some text"})
	require.NoError(t, err)
	require.Len(t, x.Concepts, 1)
	assert.Equal(t, "docker", x.Concepts[0].Name)
	assert.Equal(t, storage.ConceptCategoryTool, x.Concepts[0].Category)
	assert.Equal(t, storage.SkillLevelBeginner, x.SkillLevel)
}

func TestExtractSchemaFailureAfterRepair(t *testing.T) {
	orc := scriptedOracle("not json", "still not json")

	_, err := newExtractor(orc).Extract(context.Background(), []string{"some text"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindOracleSchema))
}

func TestExtractToleratesCodeFences(t *testing.T) {
	orc := scriptedOracle("```json\n{\"concepts\":[{\"name\":\"kafka\",\"category\":\"tool\",\"confidence\":0.8}],\"skill_level\":\"advanced\",\"primary_topic\":\"streaming\",\"suggested_cluster\":\"Streaming\"}\n```")

	x, err := newExtractor(orc).Extract(context.Background(), []string{"text"})
	require.NoError(t, err)
	require.Len(t, x.Concepts, 1)
	assert.Equal(t, "kafka", x.Concepts[0].Name)
}

func TestExtractClampsAndCoalesces(t *testing.T) {
	orc := scriptedOracle(`{"concepts":[
		{"name":"Redis","category":"tool","confidence":1.7},
		{"name":"redis","category":"database","confidence":0.4},
		{"name":"tls","category":"concept","confidence":-0.3},
		{"name":"  ","category":"concept","confidence":0.9}
	],"skill_level":"expert","primary_topic":"caching","suggested_cluster":""}`)

	x, err := newExtractor(orc).Extract(context.Background(), []string{"text"})
	require.NoError(t, err)
	require.Len(t, x.Concepts, 2)

	assert.Equal(t, "Redis", x.Concepts[0].Name)
	assert.Equal(t, 1.0, x.Concepts[0].Confidence)
	assert.Equal(t, "tls", x.Concepts[1].Name)
	assert.Equal(t, 0.0, x.Concepts[1].Confidence)

	// unrecognized category and skill level fall back
	assert.Equal(t, storage.ConceptCategoryTool, x.Concepts[0].Category)
	assert.Equal(t, storage.SkillLevelUnknown, x.SkillLevel)
	// empty suggestion derives from the primary topic
	assert.Equal(t, "Caching", x.SuggestedCluster)
}

func TestExtractMergesAcrossChunks(t *testing.T) {
	orc := scriptedOracle(
		`{"concepts":[{"name":"grpc","category":"framework","confidence":0.5}],"skill_level":"beginner","primary_topic":"apis","suggested_cluster":"APIs"}`,
		`{"concepts":[{"name":"gRPC","category":"framework","confidence":0.9}],"skill_level":"advanced","primary_topic":"transport","suggested_cluster":"Transport"}`,
		`{"concepts":[{"name":"protobuf","category":"tool","confidence":0.7}],"skill_level":"advanced","primary_topic":"","suggested_cluster":""}`,
	)

	x, err := newExtractor(orc).Extract(context.Background(), []string{"chunk one", "chunk two", "chunk three"})
	require.NoError(t, err)
	require.Len(t, x.Concepts, 2)

	assert.Equal(t, "gRPC", x.Concepts[0].Name)
	assert.Equal(t, 0.9, x.Concepts[0].Confidence)
	assert.Equal(t, storage.SkillLevelAdvanced, x.SkillLevel, "two advanced votes beat one beginner")
	assert.Equal(t, "apis", x.PrimaryTopic, "first non-empty topic wins")
	assert.Equal(t, "APIs", x.SuggestedCluster)
	assert.InDelta(t, 0.8, x.OverallConfidence, 1e-9)
}

func TestExtractCeiling(t *testing.T) {
	calls := 0
	orc := oracle.NewMock(8)
	orc.ChatFunc = func(_ context.Context, _ oracle.ChatRequest) (*oracle.ChatResponse, error) {
		calls++
		return &oracle.ChatResponse{
			Content: `{"concepts":[{"name":"x","category":"concept","confidence":0.5}],"skill_level":"beginner","primary_topic":"x","suggested_cluster":"X"}`,
		}, nil
	}
	e := NewExtractor(config.ConceptsConfig{ParentChunkCeiling: 2}, orc, observability.Nop())

	texts := []string{"a", "b", "c", "d", "e"}
	_, err := e.Extract(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExtractEmptyInput(t *testing.T) {
	_, err := newExtractor(oracle.NewMock(8)).Extract(context.Background(), nil)
	assert.True(t, apperr.IsKind(err, apperr.KindExtraction))
}

func TestLowConfidence(t *testing.T) {
	x := &Extraction{
		Concepts:          []ExtractedConcept{{Name: "a", Confidence: 0.5}},
		OverallConfidence: 0.5,
	}
	assert.True(t, x.LowConfidence(0.65))
	assert.False(t, x.LowConfidence(0.4))

	empty := &Extraction{}
	assert.False(t, empty.LowConfidence(0.65), "no concepts means nothing to validate")
}
