// Package images persists original uploaded images on disk so OCR'd
// documents keep their source artifact.
package images

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes images under a base directory, one file per document.
type Store struct {
	dir string
}

// NewStore creates the base directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("image store path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image store: %w", err)
	}
	return &Store{dir: dir}, nil
}

// extFor maps a mime type onto a file extension, defaulting to .bin for
// anything unrecognized.
func extFor(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	default:
		return ".bin"
	}
}

func (s *Store) path(docID int64, ext string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d%s", docID, ext))
}

// Save writes the image for a document atomically and returns its path.
func (s *Store) Save(docID int64, mimeType string, data []byte) (string, error) {
	final := s.path(docID, extFor(mimeType))
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit image: %w", err)
	}
	return final, nil
}

// Find returns the stored path for a document, or "" when none exists.
func (s *Store) Find(docID int64) string {
	matches, err := filepath.Glob(filepath.Join(s.dir, fmt.Sprintf("%d.*", docID)))
	if err != nil || len(matches) == 0 {
		return ""
	}
	for _, m := range matches {
		if !strings.HasSuffix(m, ".tmp") {
			return m
		}
	}
	return ""
}

// Delete removes the stored image of a document, if any.
func (s *Store) Delete(docID int64) error {
	path := s.Find(docID)
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}
