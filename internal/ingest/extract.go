// Package ingest turns every supported source format into normalized
// text, chunks it, and drives the document pipeline that the worker
// executes per upload.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// NormalizedText is what every format extractor produces: plain UTF-8
// content plus the structural hints the chunker prefers to split on.
type NormalizedText struct {
	Content string
	Title   string
	// SectionOffsets are byte offsets into Content where a new section
	// (heading, page, sheet, slide, chapter, archive entry) begins.
	SectionOffsets []int
}

// Extractor normalizes raw uploads. All format-specific logic lives
// here; downstream stages see only text and hints.
type Extractor struct {
	validateURL func(ctx context.Context, raw string) (string, error)
	httpClient  *http.Client
	oracle      oracle.Oracle
	log         *observability.Logger
	maxFetch    int64
}

// NewExtractor builds an Extractor. The oracle is used only for image
// transcription and may be nil when image ingestion is disabled.
func NewExtractor(cfg config.IngestionConfig, orc oracle.Oracle, log *observability.Logger) *Extractor {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxFetch := cfg.MaxUploadBytes
	if maxFetch <= 0 {
		maxFetch = 50 << 20
	}
	return &Extractor{
		validateURL: NewURLValidator().Validate,
		httpClient:  &http.Client{Timeout: timeout},
		oracle:      orc,
		log:         log.Component("extract"),
		maxFetch:    maxFetch,
	}
}

// Extract normalizes one source. For text sources data is the raw
// text; for URL sources it is the URL itself; for file sources the
// handler is chosen by the filename extension. Image sources are OCR'd
// through the oracle vision endpoint; persisting the original bytes is
// the caller's concern.
func (e *Extractor) Extract(ctx context.Context, src storage.SourceType, data []byte, filename string) (*NormalizedText, error) {
	switch src {
	case storage.SourceTypeText:
		return extractPlain(data, filename), nil
	case storage.SourceTypeURL:
		return e.extractURL(ctx, strings.TrimSpace(string(data)))
	case storage.SourceTypeFile:
		return e.extractFile(ctx, data, filename, 0)
	case storage.SourceTypeImage:
		text, err := e.describeImage(ctx, data, filename)
		if err != nil {
			return nil, err
		}
		return &NormalizedText{Content: text, Title: filename}, nil
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown source type %q", src)
	}
}

// extractFile dispatches on the filename extension. depth tracks how
// many archives enclose the entry.
func (e *Extractor) extractFile(ctx context.Context, data []byte, filename string, depth int) (*NormalizedText, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case "", ".txt", ".md", ".markdown", ".text", ".rst", ".log":
		return extractPlain(data, filename), nil
	case ".pdf":
		return extractPDF(data, filename)
	case ".docx":
		return extractDocx(data, filename)
	case ".xlsx":
		return extractXlsx(data, filename)
	case ".pptx":
		return extractPptx(data, filename)
	case ".epub":
		return extractEpub(data, filename)
	case ".ipynb":
		return extractNotebook(data, filename)
	case ".srt", ".vtt":
		return extractSubtitles(data, filename), nil
	case ".zip":
		return e.extractArchive(ctx, data, filename, depth)
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tiff":
		text, err := e.describeImage(ctx, data, filename)
		if err != nil {
			return nil, err
		}
		return &NormalizedText{Content: text, Title: filename}, nil
	}
	if lang, ok := sourceLanguages[ext]; ok {
		return extractSource(data, filename, lang), nil
	}
	return nil, apperr.Newf(apperr.KindValidation, "unsupported file type %q", ext)
}

func (e *Extractor) describeImage(ctx context.Context, data []byte, filename string) (string, error) {
	if e.oracle == nil {
		return "", apperr.New(apperr.KindExtraction, "image ingestion is not configured")
	}
	text, err := e.oracle.DescribeImage(ctx, data, mimeForFilename(filename))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", apperr.Extraction("image", "image produced no readable text", nil)
	}
	return text, nil
}

func mimeForFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// extractPlain never fails: invalid UTF-8 falls back to Latin-1.
// Markdown headings become section hints and the first heading the
// title.
func extractPlain(data []byte, filename string) *NormalizedText {
	content := decodeText(data)
	nt := &NormalizedText{Content: content}

	offset := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if heading != "" {
				nt.SectionOffsets = append(nt.SectionOffsets, offset)
				if nt.Title == "" {
					nt.Title = heading
				}
			}
		}
		offset += len(line)
	}
	if nt.Title == "" {
		nt.Title = titleFromFilename(filename)
	}
	return nt
}

// decodeText decodes bytes as UTF-8, mapping each byte to its Latin-1
// code point when the input is not valid UTF-8.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func titleFromFilename(filename string) string {
	if filename == "" {
		return ""
	}
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// languageSpec describes how a source language is recognized and
// roughly measured. The counters are heuristics for the preface, not a
// parser.
type languageSpec struct {
	name        string
	lineComment string
	funcRe      *regexp.Regexp
	classRe     *regexp.Regexp
}

var (
	rePyFunc    = regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+\w+`)
	rePyClass   = regexp.MustCompile(`(?m)^\s*class\s+\w+`)
	reJSFunc    = regexp.MustCompile(`\bfunction\b|=>`)
	reClassWord = regexp.MustCompile(`\b(?:class|interface|enum)\s+\w+`)
	reGoFunc    = regexp.MustCompile(`(?m)^func\s`)
	reGoType    = regexp.MustCompile(`(?m)^type\s+\w+\s+(?:struct|interface)\b`)
	reRustFunc  = regexp.MustCompile(`\bfn\s+\w+`)
	reRustType  = regexp.MustCompile(`\b(?:struct|enum|trait)\s+\w+`)
	reCFunc     = regexp.MustCompile(`(?m)^[A-Za-z_][\w\s\*&:<>,]*\([^;{]*\)\s*\{`)
	reJavaFunc  = regexp.MustCompile(`(?m)\b(?:public|private|protected|static)[\w\s<>\[\],]*\([^;{]*\)\s*\{`)
	reRubyFunc  = regexp.MustCompile(`(?m)^\s*def\s+\w+`)
	reSQLFunc   = regexp.MustCompile(`(?i)\bcreate\s+(?:or\s+replace\s+)?(?:function|procedure)\b`)
	reSQLTable  = regexp.MustCompile(`(?i)\bcreate\s+table\b`)
	reShFunc    = regexp.MustCompile(`(?m)^\s*(?:function\s+)?\w+\s*\(\)\s*\{`)
)

var sourceLanguages = map[string]languageSpec{
	".py":    {name: "Python", lineComment: "#", funcRe: rePyFunc, classRe: rePyClass},
	".js":    {name: "JavaScript", lineComment: "//", funcRe: reJSFunc, classRe: reClassWord},
	".jsx":   {name: "JavaScript", lineComment: "//", funcRe: reJSFunc, classRe: reClassWord},
	".ts":    {name: "TypeScript", lineComment: "//", funcRe: reJSFunc, classRe: reClassWord},
	".tsx":   {name: "TypeScript", lineComment: "//", funcRe: reJSFunc, classRe: reClassWord},
	".go":    {name: "Go", lineComment: "//", funcRe: reGoFunc, classRe: reGoType},
	".rs":    {name: "Rust", lineComment: "//", funcRe: reRustFunc, classRe: reRustType},
	".java":  {name: "Java", lineComment: "//", funcRe: reJavaFunc, classRe: reClassWord},
	".kt":    {name: "Kotlin", lineComment: "//", funcRe: reRustFunc, classRe: reClassWord},
	".c":     {name: "C", lineComment: "//", funcRe: reCFunc},
	".h":     {name: "C", lineComment: "//", funcRe: reCFunc},
	".cpp":   {name: "C++", lineComment: "//", funcRe: reCFunc, classRe: reClassWord},
	".cc":    {name: "C++", lineComment: "//", funcRe: reCFunc, classRe: reClassWord},
	".hpp":   {name: "C++", lineComment: "//", funcRe: reCFunc, classRe: reClassWord},
	".cs":    {name: "C#", lineComment: "//", funcRe: reJavaFunc, classRe: reClassWord},
	".rb":    {name: "Ruby", lineComment: "#", funcRe: reRubyFunc, classRe: reClassWord},
	".php":   {name: "PHP", lineComment: "//", funcRe: reJSFunc, classRe: reClassWord},
	".swift": {name: "Swift", lineComment: "//", funcRe: reRustFunc, classRe: reClassWord},
	".sql":   {name: "SQL", lineComment: "--", funcRe: reSQLFunc, classRe: reSQLTable},
	".sh":    {name: "Shell", lineComment: "#", funcRe: reShFunc},
	".bash":  {name: "Shell", lineComment: "#", funcRe: reShFunc},
	".yaml":  {name: "YAML", lineComment: "#"},
	".yml":   {name: "YAML", lineComment: "#"},
	".toml":  {name: "TOML", lineComment: "#"},
	".html":  {name: "HTML", lineComment: "<!--"},
	".htm":   {name: "HTML", lineComment: "<!--"},
	".css":   {name: "CSS", lineComment: "/*"},
	".json":  {name: "JSON"},
	".xml":   {name: "XML", lineComment: "<!--"},
	".proto": {name: "Protobuf", lineComment: "//"},
}

// extractSource prefaces raw source with the detected language and
// rough structure counts so concept extraction sees what kind of code
// it is reading.
func extractSource(data []byte, filename string, lang languageSpec) *NormalizedText {
	code := decodeText(data)
	lines := strings.Split(code, "\n")

	codeLines := 0
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if lang.lineComment != "" && strings.HasPrefix(t, lang.lineComment) {
			continue
		}
		codeLines++
	}

	funcs, classes := 0, 0
	if lang.funcRe != nil {
		funcs = len(lang.funcRe.FindAllStringIndex(code, -1))
	}
	if lang.classRe != nil {
		classes = len(lang.classRe.FindAllStringIndex(code, -1))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SOURCE CODE FILE: %s\n", filepath.Base(filename))
	fmt.Fprintf(&b, "Language: %s\n", lang.name)
	fmt.Fprintf(&b, "Total lines: %d\n", len(lines))
	fmt.Fprintf(&b, "Code lines: %d\n", codeLines)
	fmt.Fprintf(&b, "Functions: %d\n", funcs)
	fmt.Fprintf(&b, "Classes: %d\n\n", classes)

	nt := &NormalizedText{Title: filepath.Base(filename)}
	b.WriteString(code)
	nt.Content = b.String()
	return nt
}

// extractSubtitles strips cue numbers, timestamps, NOTE/STYLE/REGION
// blocks, and inline markup from SRT and WebVTT files, leaving only
// the spoken text.
func extractSubtitles(data []byte, filename string) *NormalizedText {
	text := decodeText(data)
	lines := strings.Split(text, "\n")

	var out []string
	skipBlock := false
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" {
			skipBlock = false
			continue
		}
		if skipBlock {
			continue
		}
		if i == 0 && strings.HasPrefix(t, "WEBVTT") {
			continue
		}
		if strings.HasPrefix(t, "NOTE") || strings.HasPrefix(t, "STYLE") || strings.HasPrefix(t, "REGION") {
			skipBlock = true
			continue
		}
		if strings.Contains(t, "-->") {
			continue
		}
		if isDigits(t) {
			continue
		}
		if cleaned := stripTags(t); cleaned != "" {
			out = append(out, cleaned)
		}
	}

	return &NormalizedText{
		Content: strings.Join(out, "\n"),
		Title:   titleFromFilename(filename),
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(s, ""))
}

// notebook mirrors the subset of the Jupyter format we read.
type notebook struct {
	Metadata struct {
		Kernelspec struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
		} `json:"kernelspec"`
	} `json:"metadata"`
	Cells []notebookCell `json:"cells"`
}

type notebookCell struct {
	CellType string           `json:"cell_type"`
	Source   multiLine        `json:"source"`
	Outputs  []notebookOutput `json:"outputs"`
}

type notebookOutput struct {
	OutputType string               `json:"output_type"`
	Text       multiLine            `json:"text"`
	Data       map[string]multiLine `json:"data"`
}

// multiLine accepts the notebook convention of storing text as either
// a single string or a list of line strings.
type multiLine string

func (m *multiLine) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multiLine(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*m = multiLine(strings.Join(lines, ""))
	return nil
}

// extractNotebook flattens a Jupyter notebook into labeled cells with
// their text/plain outputs.
func extractNotebook(data []byte, filename string) (*NormalizedText, error) {
	var nb notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, apperr.Extraction("ipynb", "notebook is not valid JSON", err)
	}

	nt := &NormalizedText{Title: titleFromFilename(filename)}
	var b strings.Builder

	kernel := nb.Metadata.Kernelspec.DisplayName
	if kernel == "" {
		kernel = nb.Metadata.Kernelspec.Name
	}
	if kernel != "" {
		fmt.Fprintf(&b, "Kernel: %s\n\n", kernel)
	}

	for i, cell := range nb.Cells {
		nt.SectionOffsets = append(nt.SectionOffsets, b.Len())
		switch cell.CellType {
		case "code":
			fmt.Fprintf(&b, "[Code Cell %d]\n%s\n", i+1, strings.TrimRight(string(cell.Source), "\n"))
			for _, out := range cell.Outputs {
				text := string(out.Text)
				if text == "" {
					text = string(out.Data["text/plain"])
				}
				if text != "" {
					fmt.Fprintf(&b, "[Output]\n%s\n", strings.TrimRight(text, "\n"))
				}
			}
			b.WriteString("\n")
		case "markdown":
			fmt.Fprintf(&b, "[Markdown %d]\n%s\n\n", i+1, strings.TrimRight(string(cell.Source), "\n"))
		}
	}

	nt.Content = strings.TrimRight(b.String(), "\n")
	if strings.TrimSpace(nt.Content) == "" {
		return nil, apperr.Extraction("ipynb", "notebook has no readable cells", nil)
	}
	return nt, nil
}
