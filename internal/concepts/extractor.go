// Package concepts asks the oracle what a document is about: named
// technical concepts with categories and confidences, an overall skill
// level, and a suggested cluster name for the clustering engine.
package concepts

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// ExtractedConcept is one concept before persistence.
type ExtractedConcept struct {
	Name       string
	Category   storage.ConceptCategory
	Confidence float64
}

// Extraction is the merged result for one document.
type Extraction struct {
	Concepts         []ExtractedConcept
	SkillLevel       storage.SkillLevel
	PrimaryTopic     string
	SuggestedCluster string
	// OverallConfidence is the mean concept confidence, used by the
	// learning hook to flag weak extractions for user validation.
	OverallConfidence float64
}

// LowConfidence reports whether the extraction falls under the
// validation-flagging floor.
func (x *Extraction) LowConfidence(floor float64) bool {
	return len(x.Concepts) > 0 && x.OverallConfidence < floor
}

// Names returns the lowercased concept-name set for clustering.
func (x *Extraction) Names() []string {
	names := make([]string, len(x.Concepts))
	for i, c := range x.Concepts {
		names[i] = strings.ToLower(c.Name)
	}
	return names
}

const systemPrompt = `You are a precise analyst. You extract technical concepts from documents.
Respond with a single JSON object and nothing else, in exactly this shape:
{"concepts":[{"name":"...","category":"language|framework|concept|tool|domain","confidence":0.0}],"skill_level":"beginner|intermediate|advanced|unknown","primary_topic":"...","suggested_cluster":"..."}`

const repairPrompt = `Your previous reply was not the required JSON object. Reply again with ONLY the corrected JSON object, no prose, no code fences.`

// Extractor runs concept extraction with strict parsing and a single
// repair retry per call.
type Extractor struct {
	oracle  oracle.Oracle
	log     *observability.Logger
	ceiling int
}

// NewExtractor builds an Extractor. The ceiling bounds how many parent
// chunks of a long document are sent to the oracle.
func NewExtractor(cfg config.ConceptsConfig, orc oracle.Oracle, log *observability.Logger) *Extractor {
	ceiling := cfg.ParentChunkCeiling
	if ceiling <= 0 {
		ceiling = 8
	}
	return &Extractor{
		oracle:  orc,
		log:     log.Component("concepts"),
		ceiling: ceiling,
	}
}

// Extract runs one oracle call per parent chunk (capped at the
// ceiling) and merges the results: duplicate names keep their maximum
// confidence, skill level is a majority vote, and the first non-empty
// topic and cluster suggestion win.
func (e *Extractor) Extract(ctx context.Context, parentTexts []string) (*Extraction, error) {
	if len(parentTexts) == 0 {
		return nil, apperr.New(apperr.KindExtraction, "document has no content to analyze")
	}
	if len(parentTexts) > e.ceiling {
		parentTexts = parentTexts[:e.ceiling]
	}

	merged := &Extraction{}
	best := make(map[string]ExtractedConcept, 16)
	votes := make(map[storage.SkillLevel]int, 4)

	for _, text := range parentTexts {
		wire, err := e.extractOne(ctx, text)
		if err != nil {
			return nil, err
		}

		for _, c := range wire.Concepts {
			name := strings.TrimSpace(c.Name)
			if name == "" {
				continue
			}
			ec := ExtractedConcept{
				Name:       name,
				Category:   normalizeCategory(c.Category),
				Confidence: clamp01(c.Confidence),
			}
			key := strings.ToLower(name)
			if prev, ok := best[key]; !ok || ec.Confidence > prev.Confidence {
				best[key] = ec
			}
		}
		votes[normalizeSkill(wire.SkillLevel)]++
		if merged.PrimaryTopic == "" {
			merged.PrimaryTopic = strings.TrimSpace(wire.PrimaryTopic)
		}
		if merged.SuggestedCluster == "" {
			merged.SuggestedCluster = strings.TrimSpace(wire.SuggestedCluster)
		}
	}

	var sum float64
	for _, c := range best {
		merged.Concepts = append(merged.Concepts, c)
		sum += c.Confidence
	}
	sortByConfidence(merged.Concepts)
	if len(merged.Concepts) > 0 {
		merged.OverallConfidence = sum / float64(len(merged.Concepts))
	}
	merged.SkillLevel = majoritySkill(votes)
	if merged.SuggestedCluster == "" && merged.PrimaryTopic != "" {
		merged.SuggestedCluster = titleCase(merged.PrimaryTopic)
	}
	return merged, nil
}

type wireExtraction struct {
	Concepts []struct {
		Name       string  `json:"name"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	} `json:"concepts"`
	SkillLevel       string `json:"skill_level"`
	PrimaryTopic     string `json:"primary_topic"`
	SuggestedCluster string `json:"suggested_cluster"`
}

// extractOne calls the oracle once, retrying a parse failure with a
// repair prompt. The second failure surfaces as oracle_schema.
func (e *Extractor) extractOne(ctx context.Context, text string) (*wireExtraction, error) {
	req := oracle.ChatRequest{
		Messages: []oracle.ChatMessage{
			{Role: oracle.RoleSystem, Content: systemPrompt},
			{Role: oracle.RoleUser, Content: text},
		},
		Temperature: 0.2,
		MaxTokens:   2000,
		ForceJSON:   true,
	}
	resp, err := e.oracle.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	wire, parseErr := parseExtraction(resp.Content)
	if parseErr == nil {
		return wire, nil
	}
	e.log.Warn().Err(parseErr).Msg("extraction response failed validation, sending repair prompt")

	req.Messages = append(req.Messages,
		oracle.ChatMessage{Role: oracle.RoleAssistant, Content: resp.Content},
		oracle.ChatMessage{Role: oracle.RoleUser, Content: repairPrompt},
	)
	resp, err = e.oracle.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	wire, parseErr = parseExtraction(resp.Content)
	if parseErr != nil {
		return nil, apperr.Wrap(apperr.KindOracleSchema, "concept extraction returned unparseable JSON after repair", parseErr)
	}
	return wire, nil
}

func parseExtraction(content string) (*wireExtraction, error) {
	cleaned := stripFences(content)
	var wire wireExtraction
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, err
	}
	if wire.Concepts == nil {
		return nil, fmt.Errorf("missing concepts array")
	}
	return &wire, nil
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

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeCategory(s string) storage.ConceptCategory {
	switch storage.ConceptCategory(strings.ToLower(strings.TrimSpace(s))) {
	case storage.ConceptCategoryLanguage:
		return storage.ConceptCategoryLanguage
	case storage.ConceptCategoryFramework:
		return storage.ConceptCategoryFramework
	case storage.ConceptCategoryTool:
		return storage.ConceptCategoryTool
	case storage.ConceptCategoryDomain:
		return storage.ConceptCategoryDomain
	default:
		return storage.ConceptCategoryConcept
	}
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

// majoritySkill picks the most voted level; ties lean toward the
// stronger signal so a mixed document reads as its hardest part.
func majoritySkill(votes map[storage.SkillLevel]int) storage.SkillLevel {
	order := []storage.SkillLevel{
		storage.SkillLevelAdvanced,
		storage.SkillLevelIntermediate,
		storage.SkillLevelBeginner,
		storage.SkillLevelUnknown,
	}
	winner := storage.SkillLevelUnknown
	bestVotes := 0
	for _, level := range order {
		if votes[level] > bestVotes {
			winner = level
			bestVotes = votes[level]
		}
	}
	return winner
}

func sortByConfidence(concepts []ExtractedConcept) {
	sort.Slice(concepts, func(i, j int) bool {
		if concepts[i].Confidence != concepts[j].Confidence {
			return concepts[i].Confidence > concepts[j].Confidence
		}
		return concepts[i].Name < concepts[j].Name
	})
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
