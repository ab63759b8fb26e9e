// Package summarize builds the three-level summary hierarchy for an
// ingested document: level 1 per parent chunk, level 2 per section,
// level 3 one per document. The rows link into a tree through ParentID
// with the document summary at the root.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// longSummaryFloor is the source size, in tokens, below which the long
// summary is skipped.
const longSummaryFloor = 1000

const systemPrompt = `You summarize technical notes for a personal knowledge bank.
Respond with a single JSON object:
{"short_summary": "...", "long_summary": "...", "key_concepts": ["..."], "tech_stack": ["..."], "skill_profile": {"level": "beginner|intermediate|advanced|unknown", "confidence": 0.0-1.0}}
The short summary runs 100-200 tokens and stands alone. The long summary
runs 500-1000 tokens; set it to "" when the text is too short to need
one. key_concepts names the main topics; tech_stack lists languages and
tools that appear. Respond with the JSON object only.`

// Parent pairs a parent chunk with the section it belongs to. Chunk IDs
// must be assigned before summarization so the rows can reference them.
type Parent struct {
	Chunk   *storage.Chunk
	Section int
}

// Result carries the summary rows for one document, ordered level 1
// then 2 then 3. ChunkSummaries holds the level-1 short summaries keyed
// by parent chunk ID so the caller can stamp them onto the chunk rows.
type Result struct {
	Summaries      []*storage.Summary
	ChunkSummaries map[uuid.UUID]string
}

// Document returns the level-3 root summary.
func (r *Result) Document() *storage.Summary {
	for _, s := range r.Summaries {
		if s.Level == storage.SummaryLevelDocument {
			return s
		}
	}
	return nil
}

// Summarizer generates hierarchical summaries through the oracle.
type Summarizer struct {
	oracle oracle.Oracle
	log    *observability.Logger
}

// NewSummarizer creates a summarizer.
func NewSummarizer(o oracle.Oracle, log *observability.Logger) *Summarizer {
	return &Summarizer{oracle: o, log: log.Component("summarize")}
}

// Summarize builds the full hierarchy for a document. Sections holding a
// single lower-level summary are promoted without another oracle call,
// so short documents cost one call total.
func (s *Summarizer) Summarize(ctx context.Context, doc *storage.Document, parents []Parent) (*Result, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("document %d has no parent chunks to summarize", doc.DocID)
	}

	ordered := make([]Parent, len(parents))
	copy(ordered, parents)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Chunk.ChunkIndex < ordered[j].Chunk.ChunkIndex
	})

	res := &Result{ChunkSummaries: make(map[uuid.UUID]string, len(ordered))}

	var l1s []node
	for _, p := range ordered {
		wantLong := p.Chunk.EndToken-p.Chunk.StartToken >= longSummaryFloor
		g, err := s.generate(ctx, p.Chunk.Content, wantLong)
		if err != nil {
			return nil, fmt.Errorf("summarize chunk %d: %w", p.Chunk.ChunkIndex, err)
		}
		row := newSummary(doc, storage.SummaryLevelChunk, g)
		row.ChunkID = &p.Chunk.ID
		l1s = append(l1s, node{parent: p, row: row, gen: g})
		res.ChunkSummaries[p.Chunk.ID] = g.ShortSummary
	}

	var (
		l2Rows []*storage.Summary
		l2Gens []*generated
	)
	for _, group := range groupBySection(l1s) {
		var g *generated
		if len(group) == 1 {
			g = group[0].gen
		} else {
			var parts []string
			for _, m := range group {
				parts = append(parts, m.gen.ShortSummary)
			}
			joined := strings.Join(parts, "\n\n")
			var err error
			g, err = s.generate(ctx, joined, wordCount(joined) >= longSummaryFloor)
			if err != nil {
				return nil, fmt.Errorf("summarize section %d: %w", group[0].parent.Section, err)
			}
		}
		row := newSummary(doc, storage.SummaryLevelSection, g)
		// the section's leading chunk anchors it to the text
		row.ChunkID = &group[0].parent.Chunk.ID
		for _, m := range group {
			id := row.ID
			m.row.ParentID = &id
		}
		l2Rows = append(l2Rows, row)
		l2Gens = append(l2Gens, g)
	}

	var rootGen *generated
	if len(l2Gens) == 1 {
		rootGen = l2Gens[0]
	} else {
		var parts []string
		for _, g := range l2Gens {
			parts = append(parts, g.ShortSummary)
		}
		joined := strings.Join(parts, "\n\n")
		var err error
		rootGen, err = s.generate(ctx, joined, wordCount(joined) >= longSummaryFloor)
		if err != nil {
			return nil, fmt.Errorf("summarize document: %w", err)
		}
	}
	root := newSummary(doc, storage.SummaryLevelDocument, rootGen)
	for _, row := range l2Rows {
		id := root.ID
		row.ParentID = &id
	}

	for _, n := range l1s {
		res.Summaries = append(res.Summaries, n.row)
	}
	res.Summaries = append(res.Summaries, l2Rows...)
	res.Summaries = append(res.Summaries, root)

	s.log.Info().
		Int64("doc_id", doc.DocID).
		Int("level1", len(l1s)).
		Int("level2", len(l2Rows)).
		Msg("Summarized document")
	return res, nil
}

type generated struct {
	ShortSummary string          `json:"short_summary"`
	LongSummary  string          `json:"long_summary"`
	KeyConcepts  []string        `json:"key_concepts"`
	TechStack    []string        `json:"tech_stack"`
	SkillProfile json.RawMessage `json:"skill_profile"`
}

// generate runs one summarization call. Transport errors propagate so
// the pipeline can retry; a malformed reply degrades to a plain-text
// summary rather than failing the document.
func (s *Summarizer) generate(ctx context.Context, text string, wantLong bool) (*generated, error) {
	resp, err := s.oracle.Chat(ctx, oracle.ChatRequest{
		Messages: []oracle.ChatMessage{
			{Role: oracle.RoleSystem, Content: systemPrompt},
			{Role: oracle.RoleUser, Content: text},
		},
		Temperature: 0.3,
		MaxTokens:   2000,
		ForceJSON:   true,
	})
	if err != nil {
		return nil, err
	}

	g, err := parseSummary(resp.Content)
	if err != nil {
		s.log.Warn().Err(err).Msg("Summary reply failed to parse, falling back to plain text")
		return fallbackSummary(text), nil
	}
	if !wantLong {
		g.LongSummary = ""
	}
	return g, nil
}

func parseSummary(reply string) (*generated, error) {
	reply = stripFences(reply)
	g := &generated{}
	if err := json.Unmarshal([]byte(reply), g); err != nil {
		return nil, fmt.Errorf("parse summary reply: %w", err)
	}
	if strings.TrimSpace(g.ShortSummary) == "" {
		return nil, fmt.Errorf("summary reply missing short_summary")
	}
	return g, nil
}

// fallbackSummary truncates the source text into the short summary slot.
func fallbackSummary(text string) *generated {
	words := strings.Fields(text)
	if len(words) > 150 {
		words = words[:150]
	}
	return &generated{ShortSummary: strings.Join(words, " ")}
}

func newSummary(doc *storage.Document, level storage.SummaryLevel, g *generated) *storage.Summary {
	row := &storage.Summary{
		ID:           uuid.New(),
		DocumentID:   doc.DocID,
		KBID:         doc.KBID,
		Level:        level,
		ShortSummary: g.ShortSummary,
		KeyConcepts:  g.KeyConcepts,
		TechStack:    g.TechStack,
		SkillProfile: g.SkillProfile,
	}
	if g.LongSummary != "" {
		long := g.LongSummary
		row.LongSummary = &long
	}
	return row
}

func stripFences(reply string) string {
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "```") {
		reply = strings.TrimPrefix(reply, "```json")
		reply = strings.TrimPrefix(reply, "```")
		reply = strings.TrimSuffix(strings.TrimSpace(reply), "```")
	}
	return strings.TrimSpace(reply)
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

type node struct {
	parent Parent
	row    *storage.Summary
	gen    *generated
}

// groupBySection splits the ordered level-1 nodes into runs sharing a
// section ordinal.
func groupBySection(l1s []node) [][]node {
	var groups [][]node
	for i := 0; i < len(l1s); {
		j := i + 1
		for j < len(l1s) && l1s[j].parent.Section == l1s[i].parent.Section {
			j++
		}
		groups = append(groups, l1s[i:j])
		i = j
	}
	return groups
}
