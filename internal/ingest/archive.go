package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mindvault-ai/mindvault/internal/apperr"
)

// Archive guards, enforced globally across the whole upload.
const (
	maxArchiveDepth = 5
	maxArchiveFiles = 1000
	maxEntryBytes   = 10 << 20
)

const archiveStatsHeader = "=== Archive Statistics ==="

var entrySeparator = strings.Repeat("-", 60)

type archiveState struct {
	files     int
	nested    int
	maxDepth  int
	truncated bool
}

// extractArchive unpacks a ZIP, delegating every entry to its format
// handler and framing each extraction with its entry path so
// provenance survives concatenation. Nested archives recurse up to
// maxArchiveDepth; beyond that the whole upload is rejected.
func (e *Extractor) extractArchive(ctx context.Context, data []byte, filename string, depth int) (*NormalizedText, error) {
	if depth+1 > maxArchiveDepth {
		return nil, zipBombErr()
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Extraction("zip", "file is not a valid archive", err)
	}

	st := &archiveState{maxDepth: depth + 1}
	nt := &NormalizedText{Title: titleFromFilename(filename)}
	var b strings.Builder
	if err := e.walkEntries(ctx, &b, nt, zr, "", depth+1, st); err != nil {
		return nil, err
	}
	if st.files == 0 {
		return nil, apperr.Extraction("zip", "archive contains no extractable files", nil)
	}

	fmt.Fprintf(&b, "%s\n", archiveStatsHeader)
	fmt.Fprintf(&b, "Files processed: %d\n", st.files)
	fmt.Fprintf(&b, "Nested archives: %d\n", st.nested)
	fmt.Fprintf(&b, "Max depth reached: %d\n", st.maxDepth)
	if st.truncated {
		fmt.Fprintf(&b, "File limit reached: extraction stopped after %d files\n", maxArchiveFiles)
	}

	nt.Content = strings.TrimRight(b.String(), "\n")
	return nt, nil
}

func zipBombErr() error {
	return apperr.Newf(apperr.KindExtraction,
		"nested archives exceed depth %d (possible zip bomb)", maxArchiveDepth)
}

func (e *Extractor) walkEntries(ctx context.Context, b *strings.Builder, nt *NormalizedText, zr *zip.Reader, prefix string, curDepth int, st *archiveState) error {
	if curDepth > st.maxDepth {
		st.maxDepth = curDepth
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if st.truncated {
			return nil
		}

		entryPath := prefix + f.Name
		if f.UncompressedSize64 > maxEntryBytes {
			fmt.Fprintf(b, "[skipped %s: entry exceeds 10 MiB]\n\n", entryPath)
			continue
		}
		entryData, err := readEntry(f)
		if err != nil {
			fmt.Fprintf(b, "[skipped %s: %v]\n\n", entryPath, err)
			continue
		}

		if strings.EqualFold(filepath.Ext(f.Name), ".zip") {
			st.nested++
			if curDepth+1 > maxArchiveDepth {
				return zipBombErr()
			}
			inner, err := zip.NewReader(bytes.NewReader(entryData), int64(len(entryData)))
			if err != nil {
				fmt.Fprintf(b, "[skipped %s: entry is not a valid archive]\n\n", entryPath)
				continue
			}
			if err := e.walkEntries(ctx, b, nt, inner, entryPath+"/", curDepth+1, st); err != nil {
				return err
			}
			continue
		}

		st.files++
		if st.files > maxArchiveFiles {
			st.files = maxArchiveFiles
			st.truncated = true
			return nil
		}

		extracted, err := e.extractFile(ctx, entryData, f.Name, curDepth)
		if err != nil {
			fmt.Fprintf(b, "[skipped %s: %v]\n\n", entryPath, err)
			continue
		}

		nt.SectionOffsets = append(nt.SectionOffsets, b.Len())
		fmt.Fprintf(b, "=== %s ===\n", entryPath)
		b.WriteString(strings.TrimSpace(extracted.Content))
		b.WriteByte('\n')
		b.WriteString(entrySeparator)
		b.WriteByte('\n')
	}
	return nil
}

// readEntry decompresses one entry, bounded even when the header lies
// about the uncompressed size.
func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntryBytes {
		return nil, fmt.Errorf("entry exceeds 10 MiB")
	}
	return data, nil
}

var (
	entryHeaderRe  = regexp.MustCompile(`^=== .+ ===$`)
	skipAnnotateRe = regexp.MustCompile(`^\[skipped .+\]$`)
	statsTrailerRe = regexp.MustCompile(`^(Files processed: \d+|Nested archives: \d+|Max depth reached: \d+|File limit reached: .*)$`)
)

// CleanArchiveText strips entry headers, separators, skip annotations,
// and the statistics trailer, leaving only concatenated content for
// concept extraction.
func CleanArchiveText(text string) string {
	var out []string
	blank := true
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == entrySeparator,
			entryHeaderRe.MatchString(trimmed),
			skipAnnotateRe.MatchString(trimmed),
			statsTrailerRe.MatchString(trimmed):
			continue
		case trimmed == "":
			if !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
