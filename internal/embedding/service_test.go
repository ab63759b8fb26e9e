package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
)

// countingOracle records Embed traffic on top of the deterministic mock.
type countingOracle struct {
	*oracle.MockOracle
	calls   int
	batches []int
}

func (c *countingOracle) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.batches = append(c.batches, len(texts))
	return c.MockOracle.Embed(ctx, texts)
}

func newTestService(batchSize, lruEntries int) (*Service, *countingOracle) {
	orc := &countingOracle{MockOracle: oracle.NewMock(8)}
	svc := NewService(config.EmbeddingConfig{BatchSize: batchSize, LRUEntries: lruEntries}, orc, observability.Nop())
	return svc, orc
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", Normalize("  a   b\n\tc "))
	assert.Equal(t, "", Normalize("   "))
	assert.Equal(t, "unchanged", Normalize("unchanged"))
}

func TestEmbedOrderPreserved(t *testing.T) {
	svc, _ := newTestService(0, 0)
	ctx := context.Background()

	texts := []string{"alpha topic", "beta topic", "alpha topic", "gamma topic"}
	vecs, err := svc.Embed(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vecs, 4)

	for i, text := range texts {
		single, err := svc.EmbedQuery(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, vecs[i], "index %d", i)
	}
	assert.Equal(t, vecs[0], vecs[2], "duplicate inputs share a vector")
}

func TestEmbedCacheHit(t *testing.T) {
	svc, orc := newTestService(0, 0)
	ctx := context.Background()

	_, err := svc.Embed(ctx, []string{"worker pools"})
	require.NoError(t, err)
	require.Equal(t, 1, orc.calls)

	_, err = svc.Embed(ctx, []string{"worker pools"})
	require.NoError(t, err)
	assert.Equal(t, 1, orc.calls, "second call must come from cache")

	// whitespace variants normalize to the same key
	_, err = svc.Embed(ctx, []string{"  worker   pools "})
	require.NoError(t, err)
	assert.Equal(t, 1, orc.calls)
}

func TestEmbedCoalescesDuplicates(t *testing.T) {
	svc, orc := newTestService(0, 0)

	_, err := svc.Embed(context.Background(), []string{"same", "same", "same", "other"})
	require.NoError(t, err)
	require.Equal(t, 1, orc.calls)
	assert.Equal(t, []int{2}, orc.batches, "only unique texts go to the oracle")
}

func TestEmbedBatching(t *testing.T) {
	svc, orc := newTestService(2, 0)

	_, err := svc.Embed(context.Background(), []string{"a1", "b2", "c3", "d4", "e5"})
	require.NoError(t, err)
	assert.Equal(t, 3, orc.calls)
	assert.Equal(t, []int{2, 2, 1}, orc.batches)
}

func TestEmbedEviction(t *testing.T) {
	svc, orc := newTestService(0, 2)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		_, err := svc.Embed(ctx, []string{text})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, svc.CacheLen())
	require.Equal(t, 3, orc.calls)

	// "first" was evicted, "third" was not
	_, err := svc.Embed(ctx, []string{"third"})
	require.NoError(t, err)
	assert.Equal(t, 3, orc.calls)

	_, err = svc.Embed(ctx, []string{"first"})
	require.NoError(t, err)
	assert.Equal(t, 4, orc.calls)
}

func TestEmbedEmptyText(t *testing.T) {
	svc, orc := newTestService(0, 0)

	vecs, err := svc.Embed(context.Background(), []string{"   "})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 8)
	assert.Zero(t, orc.calls)
}

func TestEmbedErrorPropagates(t *testing.T) {
	orc := &countingOracle{MockOracle: oracle.NewMock(8)}
	orc.EmbedErr = assert.AnError
	svc := NewService(config.EmbeddingConfig{}, orc, observability.Nop())

	_, err := svc.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, assert.AnError)
}
