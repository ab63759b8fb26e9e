package ingest

import (
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/mindvault-ai/mindvault/internal/apperr"
)

// extractPDF pulls page text in order. Each page starts a section so
// the chunker prefers page boundaries.
func extractPDF(data []byte, filename string) (*NormalizedText, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, apperr.Extraction("pdf", "file is not a readable PDF", err)
	}
	defer doc.Close()

	nt := &NormalizedText{Title: titleFromFilename(filename)}
	var b strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			return nil, apperr.Extraction("pdf", "page text is not readable", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		nt.SectionOffsets = append(nt.SectionOffsets, b.Len())
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	nt.Content = strings.TrimRight(b.String(), "\n")
	if nt.Content == "" {
		return nil, apperr.Extraction("pdf", "document has no extractable text", nil)
	}
	return nt, nil
}
