// Package suggest proposes build ideas grounded in what a knowledge
// base actually contains. The oracle drafts the ideas; everything
// quantitative about them, coverage, cluster references, and missing
// topics, is computed here from the stored concepts so it cannot be
// hallucinated.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// Feasibility grades how buildable an idea is with the knowledge on
// hand.
type Feasibility string

// Feasibility bands.
const (
	FeasibilityHigh   Feasibility = "high"
	FeasibilityMedium Feasibility = "medium"
	FeasibilityLow    Feasibility = "low"
)

// Suggestion is one proposed build idea. Score is the raw 0-1 grade
// behind the Feasibility band; it is what gets persisted when the user
// saves the idea as a seed.
type Suggestion struct {
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	Difficulty        storage.SkillLevel `json:"difficulty"`
	Feasibility       Feasibility        `json:"feasibility"`
	Score             float64            `json:"score"`
	EffortEstimate    string             `json:"effort_estimate"`
	RequiredSkills    []string           `json:"required_skills"`
	MissingKnowledge  []string           `json:"missing_knowledge"`
	RelevantClusters  []string           `json:"relevant_clusters"`
	StarterSteps      []string           `json:"starter_steps"`
	KnowledgeCoverage float64            `json:"knowledge_coverage"`
}

// Generation thresholds. A knowledge base below any of them cannot
// support grounded suggestions, so the oracle is never asked.
const (
	minDistinctConcepts = 2
	minDocuments        = 1
	minClusters         = 1
	minContentLength    = 200
)

const (
	defaultMaxSuggestions = 5
	maxSuggestionCeiling  = 10
)

const systemPrompt = `You suggest build ideas from a personal knowledge bank.
Respond with a single JSON object and nothing else, in exactly this shape:
{"ideas":[{"title":"...","description":"...","difficulty":"beginner|intermediate|advanced","feasibility":0.0,"effort_estimate":"evening|weekend|week|month","referenced_sections":["..."],"starter_steps":["..."]}]}
Propose concrete projects the reader can start with the knowledge they
already have. feasibility runs 0.0-1.0 against that knowledge.
referenced_sections names the concepts each idea draws on, spelled the
way the knowledge summary spells them.`

const repairPrompt = `Your previous reply was not the required JSON object. Reply again with ONLY the corrected JSON object, no prose, no code fences.`

// Suggester turns a knowledge-base snapshot into build suggestions.
type Suggester struct {
	store  *storage.Store
	oracle oracle.Oracle
	log    *observability.Logger
}

// NewSuggester creates a suggester.
func NewSuggester(store *storage.Store, o oracle.Oracle, log *observability.Logger) *Suggester {
	return &Suggester{store: store, oracle: o, log: log.Component("suggest")}
}

// Suggest proposes up to max build ideas for the knowledge base. max is
// clamped to 1-10 with zero meaning the default of 5. Ideas the corpus
// cannot support rank last.
func (s *Suggester) Suggest(ctx context.Context, owner string, kbID uuid.UUID, max int) ([]*Suggestion, error) {
	if max <= 0 {
		max = defaultMaxSuggestions
	}
	if max > maxSuggestionCeiling {
		max = maxSuggestionCeiling
	}

	if _, err := s.store.Repos().KnowledgeBases.GetByID(ctx, owner, kbID); err != nil {
		return nil, err
	}
	start := time.Now()

	snap, err := s.snapshot(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	if err := snap.gate(); err != nil {
		return nil, err
	}

	ideas, err := s.generate(ctx, snap.summary(), max)
	if err != nil {
		return nil, err
	}

	out := make([]*Suggestion, 0, len(ideas))
	for _, idea := range ideas {
		if strings.TrimSpace(idea.Title) == "" {
			continue
		}
		out = append(out, snap.enrich(idea))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return feasibilityRank(out[i].Feasibility) < feasibilityRank(out[j].Feasibility)
	})
	if len(out) > max {
		out = out[:max]
	}

	s.log.Info().
		Str("kb_id", kbID.String()).
		Int("suggestions", len(out)).
		Dur("took", time.Since(start)).
		Msg("Generated build suggestions")
	return out, nil
}

// snapshot collects the cluster, document, and concept state the
// summary and the enrichment both read.
type snapshot struct {
	clusters    []*storage.Cluster
	docNames    map[int64]string
	docConcepts map[int64][]string
	known       map[string]string // lower(name) -> stored spelling
	docCount    int64
	distinct    int64
	contentLen  int64
}

func (s *Suggester) snapshot(ctx context.Context, owner string, kbID uuid.UUID) (*snapshot, error) {
	repos := s.store.Repos()

	clusters, err := repos.Clusters.ListByKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	docCount, err := repos.Documents.CountByKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	distinct, err := repos.Concepts.DistinctCountByKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	contentLen, err := repos.Documents.TotalContentLength(ctx, kbID)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		clusters:    clusters,
		docNames:    make(map[int64]string),
		docConcepts: make(map[int64][]string),
		known:       make(map[string]string),
		docCount:    docCount,
		distinct:    distinct,
		contentLen:  contentLen,
	}

	docs, err := repos.Documents.ListByKB(ctx, owner, kbID, 500, 0)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.Filename != nil {
			snap.docNames[d.DocID] = *d.Filename
		} else {
			snap.docNames[d.DocID] = fmt.Sprintf("document %d", d.DocID)
		}
	}

	concepts, err := repos.Concepts.ListByKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	byDoc := make(map[int64][]*storage.Concept)
	for _, c := range concepts {
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
		key := strings.ToLower(c.Name)
		if _, ok := snap.known[key]; !ok {
			snap.known[key] = c.Name
		}
	}
	for docID, list := range byDoc {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Confidence != list[j].Confidence {
				return list[i].Confidence > list[j].Confidence
			}
			return list[i].Name < list[j].Name
		})
		names := make([]string, 0, 3)
		for _, c := range list {
			names = append(names, c.Name)
			if len(names) == 3 {
				break
			}
		}
		snap.docConcepts[docID] = names
	}
	return snap, nil
}

// gate rejects knowledge bases too thin to ground suggestions in.
func (snap *snapshot) gate() error {
	var failed []string
	if snap.distinct < minDistinctConcepts {
		failed = append(failed, "distinct_concepts")
	}
	if snap.docCount < minDocuments {
		failed = append(failed, "document_count")
	}
	if int64(len(snap.clusters)) < minClusters {
		failed = append(failed, "cluster_count")
	}
	if snap.contentLen < minContentLength {
		failed = append(failed, "total_content_length")
	}
	if len(failed) == 0 {
		return nil
	}
	return apperr.Validation("not enough knowledge to generate build suggestions").
		WithDetail("reason", "insufficient_knowledge").
		WithDetail("failed_thresholds", failed)
}

// summary renders the knowledge base for the prompt: per cluster its
// size, level, leading concepts, and a few sample notes.
func (snap *snapshot) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge base: %d documents, %d distinct concepts, %d clusters.\n",
		snap.docCount, snap.distinct, len(snap.clusters))

	for _, c := range snap.clusters {
		fmt.Fprintf(&b, "\nCluster: %s (%d documents, %s)\n", c.Name, c.DocCount, c.SkillLevel)
		primary := c.PrimaryConcepts
		if len(primary) > 5 {
			primary = primary[:5]
		}
		if len(primary) > 0 {
			fmt.Fprintf(&b, "Primary concepts: %s\n", strings.Join(primary, ", "))
		}
		samples := c.DocIDs
		if len(samples) > 5 {
			samples = samples[:5]
		}
		for _, docID := range samples {
			name, ok := snap.docNames[docID]
			if !ok {
				continue
			}
			if concepts := snap.docConcepts[docID]; len(concepts) > 0 {
				fmt.Fprintf(&b, "  - %s: %s\n", name, strings.Join(concepts, ", "))
			} else {
				fmt.Fprintf(&b, "  - %s\n", name)
			}
		}
	}
	return b.String()
}

// enrich grades one drafted idea against the snapshot: which referenced
// concepts the user already holds, which clusters back it, and how much
// of it the corpus covers.
func (snap *snapshot) enrich(idea wireIdea) *Suggestion {
	var skills, missing []string
	for _, section := range idea.ReferencedSections {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		if stored, ok := snap.known[strings.ToLower(section)]; ok {
			skills = append(skills, stored)
		} else {
			missing = append(missing, section)
		}
	}

	coverage := 0.0
	if n := len(skills) + len(missing); n > 0 {
		coverage = float64(len(skills)) / float64(n)
	}

	var clusters []string
	for _, c := range snap.clusters {
		if clusterReferenced(c, idea.ReferencedSections) {
			clusters = append(clusters, c.Name)
		}
	}

	steps := idea.StarterSteps
	if len(steps) == 0 {
		steps = starterSteps(idea, missing)
	}

	score := scoreFeasibility(idea.Feasibility)
	return &Suggestion{
		Title:             strings.TrimSpace(idea.Title),
		Description:       strings.TrimSpace(idea.Description),
		Difficulty:        normalizeSkill(idea.Difficulty),
		Feasibility:       bandOf(score),
		Score:             score,
		EffortEstimate:    strings.TrimSpace(idea.EffortEstimate),
		RequiredSkills:    skills,
		MissingKnowledge:  missing,
		RelevantClusters:  clusters,
		StarterSteps:      steps,
		KnowledgeCoverage: coverage,
	}
}

func clusterReferenced(c *storage.Cluster, sections []string) bool {
	for _, section := range sections {
		key := strings.ToLower(strings.TrimSpace(section))
		if key == "" {
			continue
		}
		if strings.ToLower(c.Name) == key {
			return true
		}
		for _, p := range c.PrimaryConcepts {
			if strings.ToLower(p) == key {
				return true
			}
		}
	}
	return false
}

// starterSteps fills in a plan when the oracle offered none.
func starterSteps(idea wireIdea, missing []string) []string {
	var steps []string
	sections := idea.ReferencedSections
	if len(sections) > 3 {
		sections = sections[:3]
	}
	if len(sections) > 0 {
		steps = append(steps, "Review your notes on "+strings.Join(sections, ", "))
	}
	steps = append(steps, "Define the smallest end-to-end version of "+strings.TrimSpace(idea.Title))
	if len(missing) > 0 {
		steps = append(steps, "Close the gap on "+missing[0]+" before building")
	}
	if effort := strings.TrimSpace(idea.EffortEstimate); effort != "" {
		steps = append(steps, "Timebox the first pass to one "+effort)
	}
	return steps
}

type wireIdea struct {
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Difficulty         string          `json:"difficulty"`
	Feasibility        json.RawMessage `json:"feasibility"`
	EffortEstimate     string          `json:"effort_estimate"`
	ReferencedSections []string        `json:"referenced_sections"`
	StarterSteps       []string        `json:"starter_steps"`
}

type wireIdeas struct {
	Ideas []wireIdea `json:"ideas"`
}

// generate calls the oracle once, retrying a parse failure with a
// repair prompt. The second failure surfaces as oracle_schema.
func (s *Suggester) generate(ctx context.Context, summary string, max int) ([]wireIdea, error) {
	user := summary + fmt.Sprintf("\n\nPropose up to %d ideas.", max)
	req := oracle.ChatRequest{
		Messages: []oracle.ChatMessage{
			{Role: oracle.RoleSystem, Content: systemPrompt},
			{Role: oracle.RoleUser, Content: user},
		},
		Temperature: 0.8,
		MaxTokens:   3000,
		ForceJSON:   true,
	}
	resp, err := s.oracle.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	ideas, parseErr := parseIdeas(resp.Content)
	if parseErr == nil {
		return ideas, nil
	}
	s.log.Warn().Err(parseErr).Msg("suggestion response failed validation, sending repair prompt")

	req.Messages = append(req.Messages,
		oracle.ChatMessage{Role: oracle.RoleAssistant, Content: resp.Content},
		oracle.ChatMessage{Role: oracle.RoleUser, Content: repairPrompt},
	)
	resp, err = s.oracle.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ideas, parseErr = parseIdeas(resp.Content)
	if parseErr != nil {
		return nil, apperr.Wrap(apperr.KindOracleSchema, "build suggestions returned unparseable JSON after repair", parseErr)
	}
	return ideas, nil
}

func parseIdeas(content string) ([]wireIdea, error) {
	cleaned := stripFences(content)
	var wire wireIdeas
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, err
	}
	if wire.Ideas == nil {
		return nil, fmt.Errorf("missing ideas array")
	}
	return wire.Ideas, nil
}

// scoreFeasibility folds the wire value, numeric score or named band,
// into a 0-1 score.
func scoreFeasibility(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0.6
	}
	var score float64
	if err := json.Unmarshal(raw, &score); err == nil {
		return math.Min(1, math.Max(0, score))
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "high":
			return 0.9
		case "low":
			return 0.2
		}
	}
	return 0.6
}

func bandOf(score float64) Feasibility {
	switch {
	case score >= 0.75:
		return FeasibilityHigh
	case score >= 0.4:
		return FeasibilityMedium
	default:
		return FeasibilityLow
	}
}

// bandFeasibility grades the wire value into the three-band scale.
func bandFeasibility(raw json.RawMessage) Feasibility {
	return bandOf(scoreFeasibility(raw))
}

func normalizeSkill(s string) storage.SkillLevel {
	switch storage.SkillLevel(strings.ToLower(strings.TrimSpace(s))) {
	case storage.SkillLevelBeginner:
		return storage.SkillLevelBeginner
	case storage.SkillLevelIntermediate:
		return storage.SkillLevelIntermediate
	case storage.SkillLevelAdvanced:
		return storage.SkillLevelAdvanced
	default:
		return storage.SkillLevelUnknown
	}
}

func feasibilityRank(f Feasibility) int {
	switch f {
	case FeasibilityHigh:
		return 0
	case FeasibilityMedium:
		return 1
	default:
		return 2
	}
}

// stripFences tolerates a fenced ```json block around the object.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
