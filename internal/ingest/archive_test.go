package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindvault-ai/mindvault/internal/apperr"
)

// nestZip wraps payload entries in count layers of archives.
func nestZip(t *testing.T, inner []byte, innerName string, count int) []byte {
	t.Helper()
	data, name := inner, innerName
	for i := 0; i < count; i++ {
		data = buildZip(t, map[string][]byte{name: data})
		name = fmt.Sprintf("layer%d.zip", i+1)
	}
	return data
}

func TestArchiveFraming(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"notes/a.txt": []byte("alpha content"),
		"notes/b.md":  []byte("# Beta\n\nbeta content"),
	})

	nt, err := testExtractor(t).extractFile(context.Background(), data, "notes.zip", 0)
	require.NoError(t, err)

	assert.Contains(t, nt.Content, "=== notes/a.txt ===\nalpha content\n"+entrySeparator)
	assert.Contains(t, nt.Content, "=== notes/b.md ===")
	assert.Contains(t, nt.Content, archiveStatsHeader)
	assert.Contains(t, nt.Content, "Files processed: 2")
	assert.Contains(t, nt.Content, "Nested archives: 0")
	assert.Contains(t, nt.Content, "Max depth reached: 1")
	assert.Len(t, nt.SectionOffsets, 2)
}

func TestArchiveNested(t *testing.T) {
	inner := buildZip(t, map[string][]byte{"deep.txt": []byte("nested content")})
	outer := buildZip(t, map[string][]byte{
		"top.txt":   []byte("top content"),
		"inner.zip": inner,
	})

	nt, err := testExtractor(t).extractFile(context.Background(), outer, "bundle.zip", 0)
	require.NoError(t, err)

	assert.Contains(t, nt.Content, "=== top.txt ===")
	assert.Contains(t, nt.Content, "=== inner.zip/deep.txt ===")
	assert.Contains(t, nt.Content, "nested content")
	assert.Contains(t, nt.Content, "Files processed: 2")
	assert.Contains(t, nt.Content, "Nested archives: 1")
	assert.Contains(t, nt.Content, "Max depth reached: 2")
}

func TestArchiveZipBombDepth(t *testing.T) {
	bomb := nestZip(t, []byte("core"), "core.txt", 7)

	_, err := testExtractor(t).extractFile(context.Background(), bomb, "bomb.zip", 0)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindExtraction))
	assert.Contains(t, err.Error(), "zip bomb")
}

func TestArchiveDepthFiveAllowed(t *testing.T) {
	data := nestZip(t, []byte("bottom content"), "bottom.txt", 5)

	nt, err := testExtractor(t).extractFile(context.Background(), data, "deep.zip", 0)
	require.NoError(t, err)
	assert.Contains(t, nt.Content, "bottom content")
	assert.Contains(t, nt.Content, "Max depth reached: 5")
}

func TestArchiveOversizedEntrySkipped(t *testing.T) {
	big := bytes.Repeat([]byte("x"), maxEntryBytes+1)
	data := buildZip(t, map[string][]byte{
		"huge.txt":  big,
		"small.txt": []byte("kept"),
	})

	nt, err := testExtractor(t).extractFile(context.Background(), data, "mixed.zip", 0)
	require.NoError(t, err)

	assert.Contains(t, nt.Content, "[skipped huge.txt: entry exceeds 10 MiB]")
	assert.Contains(t, nt.Content, "=== small.txt ===\nkept")
	assert.Contains(t, nt.Content, "Files processed: 1")
}

func TestArchiveUnsupportedEntrySkipped(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"tool.exe":   {0x4d, 0x5a, 0x00},
		"readme.txt": []byte("docs"),
	})

	nt, err := testExtractor(t).extractFile(context.Background(), data, "release.zip", 0)
	require.NoError(t, err)

	assert.Contains(t, nt.Content, "[skipped tool.exe:")
	assert.Contains(t, nt.Content, "=== readme.txt ===")
}

func TestArchiveFileLimit(t *testing.T) {
	entries := make(map[string][]byte, maxArchiveFiles+5)
	for i := 0; i < maxArchiveFiles+5; i++ {
		entries[fmt.Sprintf("f%04d.txt", i)] = []byte("x")
	}
	data := buildZip(t, entries)

	nt, err := testExtractor(t).extractFile(context.Background(), data, "many.zip", 0)
	require.NoError(t, err)

	assert.Contains(t, nt.Content, fmt.Sprintf("Files processed: %d", maxArchiveFiles))
	assert.Contains(t, nt.Content, "File limit reached")
}

func TestArchiveEmpty(t *testing.T) {
	data := buildZip(t, map[string][]byte{})
	_, err := testExtractor(t).extractFile(context.Background(), data, "empty.zip", 0)
	assert.True(t, apperr.IsKind(err, apperr.KindExtraction))
}

func TestArchiveNotAZip(t *testing.T) {
	_, err := testExtractor(t).extractFile(context.Background(), []byte("plain bytes"), "fake.zip", 0)
	assert.True(t, apperr.IsKind(err, apperr.KindExtraction))
}

func TestCleanArchiveText(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"a.txt": []byte("alpha content"),
		"b.txt": []byte("beta content"),
	})
	nt, err := testExtractor(t).extractFile(context.Background(), data, "notes.zip", 0)
	require.NoError(t, err)

	clean := CleanArchiveText(nt.Content)

	assert.Contains(t, clean, "alpha content")
	assert.Contains(t, clean, "beta content")
	assert.NotContains(t, clean, "===")
	assert.NotContains(t, clean, entrySeparator)
	assert.NotContains(t, clean, "Files processed")
	assert.NotContains(t, clean, "[skipped")
}

func TestCleanArchiveTextPassThrough(t *testing.T) {
	plain := "just a document\n\nwith two paragraphs"
	assert.Equal(t, plain, CleanArchiveText(plain))
}

func TestArchiveSourceCodeEntries(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"src/main.go": []byte("package main\n\nfunc main() {}\n"),
	})

	nt, err := testExtractor(t).extractFile(context.Background(), data, "repo.zip", 0)
	require.NoError(t, err)

	assert.Contains(t, nt.Content, "=== src/main.go ===")
	assert.Contains(t, nt.Content, "SOURCE CODE FILE: main.go")
	assert.Contains(t, nt.Content, "Language: Go")
}

func TestArchiveCancellation(t *testing.T) {
	data := buildZip(t, map[string][]byte{"a.txt": []byte("alpha")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testExtractor(t).extractFile(ctx, data, "notes.zip", 0)
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "zip bomb"))
}
