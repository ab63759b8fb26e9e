package images

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveFindDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	path, err := store.Save(42, "image/png", []byte("fake-png"))
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, path, "42.png")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-png"), data)

	assert.Equal(t, path, store.Find(42))
	assert.Empty(t, store.Find(99))

	require.NoError(t, store.Delete(42))
	assert.Empty(t, store.Find(42))
	// Deleting twice is fine.
	require.NoError(t, store.Delete(42))
}

func TestUnknownMimeFallsBack(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	path, err := store.Save(7, "application/octet-stream", []byte{0x1})
	require.NoError(t, err)
	assert.Contains(t, path, "7.bin")
}

func TestNewStoreRequiresPath(t *testing.T) {
	_, err := NewStore("")
	assert.Error(t, err)
}
