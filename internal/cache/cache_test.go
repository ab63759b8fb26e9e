package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientRoundTrip(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientExpiry(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), -time.Second))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientDeleteByPrefix(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "search:casey:kb1:a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "search:casey:kb1:b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "search:casey:kb2:a", []byte("3"), time.Minute))

	require.NoError(t, c.DeleteByPrefix(ctx, "search:casey:kb1:"))

	_, err := c.Get(ctx, "search:casey:kb1:a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "search:casey:kb2:a")
	assert.NoError(t, err)
}

func TestMemoryClientEviction(t *testing.T) {
	c := NewMemoryClient(2)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Hour))

	// The entry closest to expiry was evicted.
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestKeyIsStableAndScoped(t *testing.T) {
	k1 := Key(NamespaceSearch, "casey", "kb1", "how do channels work", "5")
	k2 := Key(NamespaceSearch, "casey", "kb1", "how do channels work", "5")
	k3 := Key(NamespaceSearch, "casey", "kb1", "how do channels work", "10")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "search:casey:kb1:")
	// Query text never appears verbatim.
	assert.NotContains(t, k1, "channels")
}

func TestNamespaceTTLs(t *testing.T) {
	assert.Equal(t, 5*time.Minute, NamespaceSearch.TTL())
	assert.Equal(t, 10*time.Minute, NamespaceAnalytics.TTL())
	assert.Equal(t, 30*time.Minute, NamespaceSuggestions.TTL())
}

func TestInvalidatorDropsAllNamespaces(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	keys := []string{
		Key(NamespaceSearch, "casey", "kb1", "q"),
		OwnerKey(NamespaceAnalytics, "casey", "2026-08"),
		Key(NamespaceSuggestions, "casey", "kb1", "focus"),
	}
	for _, k := range keys {
		require.NoError(t, c.Set(ctx, k, []byte("x"), time.Minute))
	}
	// Search results for another KB survive; another user's analytics do.
	otherKB := Key(NamespaceSearch, "casey", "kb2", "q")
	require.NoError(t, c.Set(ctx, otherKB, []byte("x"), time.Minute))
	otherOwner := OwnerKey(NamespaceAnalytics, "morgan", "2026-08")
	require.NoError(t, c.Set(ctx, otherOwner, []byte("x"), time.Minute))

	require.NoError(t, NewInvalidator(c).KnowledgeBaseChanged(ctx, "casey", "kb1"))

	for _, k := range keys {
		_, err := c.Get(ctx, k)
		assert.ErrorIs(t, err, ErrCacheMiss, k)
	}
	_, err := c.Get(ctx, otherKB)
	assert.NoError(t, err)
	_, err = c.Get(ctx, otherOwner)
	assert.NoError(t, err)
}

func TestJSONHelpers(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	type payload struct {
		Answer string `json:"answer"`
		Count  int    `json:"count"`
	}

	require.NoError(t, SetJSON(ctx, c, "k", payload{Answer: "yes", Count: 3}, time.Minute))

	var out payload
	require.NoError(t, GetJSON(ctx, c, "k", &out))
	assert.Equal(t, "yes", out.Answer)
	assert.Equal(t, 3, out.Count)

	err := GetJSON(ctx, c, "absent", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)
}
