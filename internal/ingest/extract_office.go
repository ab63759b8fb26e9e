package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mindvault-ai/mindvault/internal/apperr"
)

// opcReader indexes the parts of an Office Open XML / EPUB container.
type opcReader struct {
	parts map[string]*zip.File
}

func openOPC(data []byte, format string) (*opcReader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Extraction(format, "file is not a valid "+format+" container", err)
	}
	parts := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		parts[f.Name] = f
	}
	return &opcReader{parts: parts}, nil
}

func (o *opcReader) read(name string) ([]byte, error) {
	f, ok := o.parts[name]
	if !ok {
		return nil, fmt.Errorf("missing part %q", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// xmlParagraphs streams WordprocessingML or DrawingML content and
// invokes onPara once per paragraph. Both vocabularies use the local
// names p, t, tab, and br, so one walker serves docx bodies, pptx
// slides, and speaker notes. style carries the w:pStyle value when
// present.
func xmlParagraphs(r io.Reader, onPara func(text, style string)) error {
	dec := xml.NewDecoder(r)

	var para strings.Builder
	var style string
	inPara := false
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
				style = ""
				inPara = true
			case "t":
				inText = true
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			case "tab":
				if inPara {
					para.WriteByte('\t')
				}
			case "br", "cr":
				if inPara {
					para.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inPara && inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if inPara {
					onPara(para.String(), style)
					inPara = false
				}
			}
		}
	}
	return nil
}

// extractDocx reads word/document.xml paragraph by paragraph. Heading
// styles become section hints.
func extractDocx(data []byte, filename string) (*NormalizedText, error) {
	opc, err := openOPC(data, "docx")
	if err != nil {
		return nil, err
	}
	body, err := opc.read("word/document.xml")
	if err != nil {
		return nil, apperr.Extraction("docx", "document body is missing", err)
	}

	nt := &NormalizedText{Title: titleFromFilename(filename)}
	var b strings.Builder
	err = xmlParagraphs(bytes.NewReader(body), func(text, style string) {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return
		}
		if strings.HasPrefix(style, "Heading") || style == "Title" {
			nt.SectionOffsets = append(nt.SectionOffsets, b.Len())
		}
		b.WriteString(trimmed)
		b.WriteString("\n\n")
	})
	if err != nil {
		return nil, apperr.Extraction("docx", "document body is not parseable", err)
	}

	nt.Content = strings.TrimRight(b.String(), "\n")
	if nt.Content == "" {
		return nil, apperr.Extraction("docx", "document has no readable text", nil)
	}
	return nt, nil
}

// extractXlsx renders every sheet as pipe-separated rows. Formula
// cells surface their last-stored value.
func extractXlsx(data []byte, filename string) (*NormalizedText, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Extraction("xlsx", "file is not a valid workbook", err)
	}
	defer f.Close()

	nt := &NormalizedText{Title: titleFromFilename(filename)}
	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, apperr.Extraction("xlsx", fmt.Sprintf("sheet %q is not readable", sheet), err)
		}
		nt.SectionOffsets = append(nt.SectionOffsets, b.Len())
		fmt.Fprintf(&b, "=== Sheet: %s ===\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, " | "))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	nt.Content = strings.TrimRight(b.String(), "\n")
	if nt.Content == "" {
		return nil, apperr.Extraction("xlsx", "workbook has no sheets", nil)
	}
	return nt, nil
}

var slidePartRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// extractPptx walks slides in deck order, flattening shape text and
// table cells row-major, with speaker notes appended per slide.
func extractPptx(data []byte, filename string) (*NormalizedText, error) {
	opc, err := openOPC(data, "pptx")
	if err != nil {
		return nil, err
	}

	var slideNums []int
	for name := range opc.parts {
		if m := slidePartRe.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slideNums = append(slideNums, n)
		}
	}
	if len(slideNums) == 0 {
		return nil, apperr.Extraction("pptx", "presentation has no slides", nil)
	}
	sort.Ints(slideNums)

	nt := &NormalizedText{Title: titleFromFilename(filename)}
	var b strings.Builder
	for _, n := range slideNums {
		slideXML, err := opc.read(fmt.Sprintf("ppt/slides/slide%d.xml", n))
		if err != nil {
			return nil, apperr.Extraction("pptx", fmt.Sprintf("slide %d is not readable", n), err)
		}
		nt.SectionOffsets = append(nt.SectionOffsets, b.Len())
		fmt.Fprintf(&b, "--- Slide %d ---\n", n)
		if err := writeParagraphLines(&b, slideXML); err != nil {
			return nil, apperr.Extraction("pptx", fmt.Sprintf("slide %d is not parseable", n), err)
		}

		// notes part numbering follows the slide part by convention
		if notesXML, err := opc.read(fmt.Sprintf("ppt/notesSlides/notesSlide%d.xml", n)); err == nil {
			var notes strings.Builder
			if err := writeParagraphLines(&notes, notesXML); err == nil && strings.TrimSpace(notes.String()) != "" {
				b.WriteString("[Speaker Notes]\n")
				b.WriteString(notes.String())
			}
		}
		b.WriteByte('\n')
	}

	nt.Content = strings.TrimRight(b.String(), "\n")
	return nt, nil
}

func writeParagraphLines(b *strings.Builder, partXML []byte) error {
	return xmlParagraphs(bytes.NewReader(partXML), func(text, _ string) {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return
		}
		b.WriteString(trimmed)
		b.WriteByte('\n')
	})
}

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Metadata struct {
		Title    string `xml:"title"`
		Creator  string `xml:"creator"`
		Language string `xml:"language"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID        string `xml:"id,attr"`
			Href      string `xml:"href,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		Itemrefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// extractEpub reads OPF metadata and chapter text in spine order.
func extractEpub(data []byte, filename string) (*NormalizedText, error) {
	opc, err := openOPC(data, "epub")
	if err != nil {
		return nil, err
	}

	containerXML, err := opc.read("META-INF/container.xml")
	if err != nil {
		return nil, apperr.Extraction("epub", "container descriptor is missing", err)
	}
	var container epubContainer
	if err := xml.Unmarshal(containerXML, &container); err != nil || len(container.Rootfiles) == 0 {
		return nil, apperr.Extraction("epub", "container descriptor is not parseable", err)
	}

	opfPath := container.Rootfiles[0].FullPath
	opfXML, err := opc.read(opfPath)
	if err != nil {
		return nil, apperr.Extraction("epub", "package document is missing", err)
	}
	var pkg epubPackage
	if err := xml.Unmarshal(opfXML, &pkg); err != nil {
		return nil, apperr.Extraction("epub", "package document is not parseable", err)
	}

	hrefByID := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		hrefByID[item.ID] = item.Href
	}

	nt := &NormalizedText{Title: pkg.Metadata.Title}
	if nt.Title == "" {
		nt.Title = titleFromFilename(filename)
	}

	var b strings.Builder
	if pkg.Metadata.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", pkg.Metadata.Title)
	}
	if pkg.Metadata.Creator != "" {
		fmt.Fprintf(&b, "Author: %s\n", pkg.Metadata.Creator)
	}
	if pkg.Metadata.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", pkg.Metadata.Language)
	}
	b.WriteByte('\n')

	opfDir := path.Dir(opfPath)
	chapters := 0
	for _, ref := range pkg.Spine.Itemrefs {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		partName := href
		if opfDir != "." {
			partName = path.Join(opfDir, href)
		}
		chapterData, err := opc.read(partName)
		if err != nil {
			continue
		}
		chapterText, err := extractHTML(chapterData)
		if err != nil || strings.TrimSpace(chapterText.Content) == "" {
			continue
		}
		nt.SectionOffsets = append(nt.SectionOffsets, b.Len())
		b.WriteString(chapterText.Content)
		b.WriteString("\n\n")
		chapters++
	}
	if chapters == 0 {
		return nil, apperr.Extraction("epub", "book has no readable chapters", nil)
	}

	nt.Content = strings.TrimRight(b.String(), "\n")
	return nt, nil
}
