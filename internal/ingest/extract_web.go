package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/mindvault-ai/mindvault/internal/apperr"
)

const fetchUserAgent = "MindVault/1.0 (+https://github.com/mindvault-ai/mindvault)"

// extractURL validates the URL, fetches it within the configured
// timeout, and reduces the page to its main textual content.
func (e *Extractor) extractURL(ctx context.Context, raw string) (*NormalizedText, error) {
	cleaned, err := e.validateURL(ctx, raw)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cleaned, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "url is malformed", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Extraction("url", "fetching the url failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Extraction("url", fmt.Sprintf("url returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxFetch+1))
	if err != nil {
		return nil, apperr.Extraction("url", "reading the response failed", err)
	}
	if int64(len(body)) > e.maxFetch {
		return nil, apperr.Extraction("url", "page exceeds the upload size limit", nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") {
		nt := extractPlain(body, "")
		nt.Title = cleaned
		return nt, nil
	}

	nt, err := extractHTML(body)
	if err != nil {
		return nil, err
	}
	if nt.Title == "" {
		nt.Title = cleaned
	}
	if strings.TrimSpace(nt.Content) == "" {
		return nil, apperr.Extraction("url", "page has no readable text", nil)
	}
	return nt, nil
}

// Elements whose subtrees never contribute readable content.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"iframe": true, "svg": true, "form": true, "button": true,
	"select": true, "canvas": true, "video": true, "audio": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"ul": true, "ol": true, "li": true, "table": true, "tr": true,
	"blockquote": true, "pre": true, "figure": true, "figcaption": true,
	"dl": true, "dt": true, "dd": true, "br": true, "hr": true,
}

// extractHTML walks the parsed DOM, preferring <main> or <article>
// content and discarding navigation chrome. Headings become section
// hints.
func extractHTML(data []byte) (*NormalizedText, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Extraction("url", "page is not parseable HTML", err)
	}

	w := &htmlWalker{nt: &NormalizedText{}}
	w.nt.Title = strings.TrimSpace(textOf(findElement(doc, "title")))

	root := findElement(doc, "main")
	if root == nil {
		root = findElement(doc, "article")
	}
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}
	w.walk(root)

	w.nt.Content = strings.TrimSpace(w.b.String())
	if w.nt.Title == "" && len(w.nt.SectionOffsets) > 0 {
		// first heading doubles as the title
		first := w.nt.SectionOffsets[0]
		if first < len(w.nt.Content) {
			rest := w.nt.Content[first:]
			if nl := strings.IndexByte(rest, '\n'); nl > 0 {
				rest = rest[:nl]
			}
			w.nt.Title = strings.TrimSpace(rest)
		}
	}
	return w.nt, nil
}

type htmlWalker struct {
	b  strings.Builder
	nt *NormalizedText
}

func (w *htmlWalker) walk(n *html.Node) {
	if n.Type == html.TextNode {
		w.writeText(n.Data)
		return
	}
	if n.Type == html.ElementNode {
		if skipElements[n.Data] {
			return
		}
		heading := isHeading(n.Data)
		if heading || blockElements[n.Data] {
			w.breakLine()
		}
		if heading {
			w.nt.SectionOffsets = append(w.nt.SectionOffsets, w.b.Len())
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		if heading || blockElements[n.Data] {
			w.breakLine()
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *htmlWalker) writeText(s string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return
	}
	text := strings.Join(fields, " ")
	if w.b.Len() > 0 {
		last := w.b.String()[w.b.Len()-1]
		if last != '\n' && last != ' ' {
			w.b.WriteByte(' ')
		}
	}
	w.b.WriteString(text)
}

// breakLine terminates the current line, keeping at most one blank
// line between blocks.
func (w *htmlWalker) breakLine() {
	s := w.b.String()
	if len(s) == 0 || strings.HasSuffix(s, "\n\n") {
		return
	}
	w.b.WriteByte('\n')
}

func isHeading(name string) bool {
	switch name {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}
