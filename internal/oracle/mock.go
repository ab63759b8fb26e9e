package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

// MockOracle is a deterministic stand-in used in testing mode and unit
// tests. Embeddings are bag-of-words hash vectors so token overlap
// drives cosine similarity; chat responses are derived from the prompt
// so pipelines run end to end without a model endpoint.
type MockOracle struct {
	Dimension int

	// ChatFunc overrides the default prompt-derived responder.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// EmbedErr, when set, makes every Embed call fail. Used to
	// exercise degraded retrieval.
	EmbedErr error
	// ChatErr, when set, makes every Chat call fail.
	ChatErr error
}

// NewMock creates a mock oracle with the given embedding width.
func NewMock(dimension int) *MockOracle {
	if dimension <= 0 {
		dimension = 256
	}
	return &MockOracle{Dimension: dimension}
}

// Model returns the mock model name.
func (m *MockOracle) Model() string { return "mock-oracle" }

// EmbeddingDimension returns the vector width.
func (m *MockOracle) EmbeddingDimension() int { return m.Dimension }

// Embed produces normalized hash-bucket vectors.
func (m *MockOracle) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedErr != nil {
		return nil, m.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, m.Dimension)
		for _, tok := range mockTokens(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[int(h.Sum32())%m.Dimension]++
		}
		normalizeVec(vec)
		out[i] = vec
	}
	return out, nil
}

// RerankScores scores by token overlap between query and passage.
func (m *MockOracle) RerankScores(ctx context.Context, query string, passages []string) ([]float64, error) {
	if m.ChatErr != nil {
		return nil, m.ChatErr
	}
	queryTokens := make(map[string]struct{})
	for _, t := range mockTokens(query) {
		queryTokens[t] = struct{}{}
	}
	scores := make([]float64, len(passages))
	for i, p := range passages {
		tokens := mockTokens(p)
		if len(tokens) == 0 || len(queryTokens) == 0 {
			continue
		}
		hits := 0
		seen := make(map[string]struct{})
		for _, t := range tokens {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			if _, ok := queryTokens[t]; ok {
				hits++
			}
		}
		scores[i] = float64(hits) / float64(len(queryTokens))
	}
	return scores, nil
}

// DescribeImage returns a fixed transcript derived from the payload size
// so ingest of images stays deterministic.
func (m *MockOracle) DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if m.ChatErr != nil {
		return "", m.ChatErr
	}
	if len(image) == 0 {
		return "", fmt.Errorf("empty image")
	}
	return fmt.Sprintf("Whiteboard notes transcribed from a %d byte %s image: architecture diagram with labeled services.", len(image), mimeType), nil
}

// Chat answers from the prompt. The default responder recognizes the
// extraction, summarization, suggestion, query-expansion, and answering
// prompts by their system messages and fabricates schema-correct output
// from the user content.
func (m *MockOracle) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.ChatErr != nil {
		return nil, m.ChatErr
	}
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}

	var system, user string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = msg.Content
		case RoleUser:
			user = msg.Content
		}
	}

	var content string
	switch {
	case strings.Contains(system, "extract technical concepts"):
		content = mockExtraction(user)
	case strings.Contains(system, "summarize"):
		content = mockSummary(user)
	case strings.Contains(system, "build ideas"):
		content = mockIdeas(user)
	case strings.Contains(system, "rewrite the question"):
		content = mockParaphrases(user)
	default:
		content = mockAnswer(user)
	}

	return &ChatResponse{
		Content:          content,
		Model:            m.Model(),
		PromptTokens:     len(mockTokens(user)),
		CompletionTokens: len(mockTokens(content)),
	}, nil
}

var mockLanguages = map[string]bool{
	"go": true, "rust": true, "python": true, "java": true, "javascript": true,
	"typescript": true, "sql": true, "ruby": true, "kotlin": true, "swift": true,
}

var mockStopwords = map[string]bool{
	"the": true, "and": true, "that": true, "this": true, "with": true,
	"from": true, "have": true, "your": true, "for": true, "are": true,
	"was": true, "will": true, "when": true, "what": true, "which": true,
	"into": true, "then": true, "than": true, "they": true, "their": true,
}

func mockTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// topTerms returns the most frequent non-stopword tokens of at least
// four characters (shorter tokens allowed when they name a language).
func topTerms(text string, n int) []string {
	counts := make(map[string]int)
	for _, tok := range mockTokens(text) {
		if mockStopwords[tok] {
			continue
		}
		if len(tok) < 4 && !mockLanguages[tok] {
			continue
		}
		counts[tok]++
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func mockExtraction(user string) string {
	terms := topTerms(user, 5)
	type concept struct {
		Name       string  `json:"name"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	concepts := make([]concept, 0, len(terms))
	for i, t := range terms {
		category := "concept"
		if mockLanguages[t] {
			category = "language"
		}
		concepts = append(concepts, concept{
			Name:       t,
			Category:   category,
			Confidence: 0.95 - 0.05*float64(i),
		})
	}
	primary := "general"
	if len(terms) > 0 {
		primary = terms[0]
	}
	out, _ := json.Marshal(map[string]interface{}{
		"concepts":          concepts,
		"skill_level":       "intermediate",
		"primary_topic":     primary,
		"suggested_cluster": titleCase(primary),
	})
	return string(out)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func mockSummary(user string) string {
	terms := topTerms(user, 4)
	techStack := make([]string, 0, 2)
	for _, t := range terms {
		if mockLanguages[t] {
			techStack = append(techStack, t)
		}
	}
	short := firstN(user, 140)
	out, _ := json.Marshal(map[string]interface{}{
		"short_summary": "Notes covering " + strings.Join(terms, ", ") + ": " + short,
		"long_summary":  firstN(user, 400),
		"key_concepts":  terms,
		"tech_stack":    techStack,
		"skill_profile": map[string]interface{}{"level": "intermediate", "confidence": 0.8},
	})
	return string(out)
}

func mockIdeas(user string) string {
	terms := topTerms(user, 3)
	topic := "your notes"
	if len(terms) > 0 {
		topic = terms[0]
	}
	out, _ := json.Marshal(map[string]interface{}{
		"ideas": []map[string]interface{}{
			{
				"title":               "Build a " + topic + " playground",
				"description":         "A small project exercising " + strings.Join(terms, ", ") + " from your knowledge base.",
				"difficulty":          "intermediate",
				"feasibility":         0.8,
				"effort_estimate":     "weekend",
				"referenced_sections": terms,
			},
			{
				"title":               "Write a " + topic + " cheatsheet",
				"description":         "Condense what you ingested about " + topic + " into a reference page.",
				"difficulty":          "beginner",
				"feasibility":         0.9,
				"effort_estimate":     "evening",
				"referenced_sections": terms,
			},
		},
	})
	return string(out)
}

func mockParaphrases(user string) string {
	terms := topTerms(user, 4)
	var variants []string
	if len(terms) > 0 {
		variants = append(variants, strings.Join(terms, " "))
	}
	if len(terms) > 1 {
		rev := make([]string, len(terms))
		for i, t := range terms {
			rev[len(terms)-1-i] = t
		}
		variants = append(variants, strings.Join(rev, " "))
	}
	out, _ := json.Marshal(map[string]interface{}{"paraphrases": variants})
	return string(out)
}

func mockAnswer(user string) string {
	// Answer grounded in whatever context block the prompt carried.
	idx := strings.Index(user, "Context:")
	context := user
	if idx >= 0 {
		context = user[idx+len("Context:"):]
	}
	context = strings.TrimSpace(context)
	if context == "" {
		return "I don't have enough information in your knowledge base to answer that."
	}
	return "Based on your notes: " + firstN(context, 200)
}

func firstN(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func normalizeVec(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
}

var _ Oracle = (*MockOracle)(nil)
