// Package rag turns a natural-language question into a grounded answer:
// expand the query, retrieve from the knowledge base, assemble a cited
// context window, and have the oracle answer from that context alone.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/ingest"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
	"github.com/mindvault-ai/mindvault/internal/retrieval"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// NoAnswer is the verbatim reply for questions the knowledge base cannot
// support. It is returned without an oracle call, so an empty corpus can
// never produce an invented answer.
const NoAnswer = "I don't have enough information in your knowledge base to answer that."

const answerPrompt = `You answer questions from a user's personal knowledge bank.
Use only the provided context. When the context does not contain the
answer, say so plainly instead of guessing. Cite the documents you drew
from by their doc_id in the form [doc 42]; never invent a doc_id.`

const expandPrompt = `You rewrite the question a user asked their personal knowledge bank
into alternative search queries. Respond with a single JSON object:
{"paraphrases": ["...", "..."]}
Give at most three paraphrases. Keep the meaning; vary wording and
specificity. Respond with the JSON object only.`

// Response is the outcome of one answered question. Citations list the
// doc ids whose content made it into the prompt context, best match
// first; ChunksUsed counts the parent chunks behind them.
type Response struct {
	Answer     string  `json:"answer"`
	Citations  []int64 `json:"citations"`
	Degraded   bool    `json:"degraded"`
	ChunksUsed int     `json:"chunks_used"`
}

// Orchestrator wires retrieval and the oracle into question answering.
type Orchestrator struct {
	store     *storage.Store
	retriever *retrieval.Engine
	oracle    oracle.Oracle
	cfg       config.RAGConfig
	log       *observability.Logger
}

// NewOrchestrator creates an orchestrator over the given retriever.
func NewOrchestrator(store *storage.Store, retriever *retrieval.Engine, o oracle.Oracle, cfg config.RAGConfig, log *observability.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		retriever: retriever,
		oracle:    o,
		cfg:       cfg,
		log:       log.Component("rag"),
	}
}

// Answer retrieves context for the question and has the oracle answer
// from it. topK bounds each retrieval pass; zero applies the retrieval
// default.
func (o *Orchestrator) Answer(ctx context.Context, owner string, kbID uuid.UUID, query string, topK int) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("query must not be empty")
	}
	// Ownership first: no oracle spend on a knowledge base the caller
	// cannot read.
	if _, err := o.store.Repos().KnowledgeBases.GetByID(ctx, owner, kbID); err != nil {
		return nil, err
	}
	start := time.Now()

	variants := append([]string{query}, o.expand(ctx, query)...)

	// Every variant retrieves concurrently. Only the original query is
	// load-bearing; a paraphrase that fails is skipped.
	results := make([]*retrieval.SearchResult, len(variants))
	errs := make([]error, len(variants))
	var g errgroup.Group
	for i, v := range variants {
		g.Go(func() error {
			results[i], errs[i] = o.retriever.Search(ctx, owner, kbID, v, topK)
			return nil
		})
	}
	_ = g.Wait()
	if errs[0] != nil {
		return nil, errs[0]
	}

	degraded := false
	for i := range variants {
		if errs[i] != nil {
			o.log.Warn().Err(errs[i]).Str("variant", variants[i]).Msg("paraphrase retrieval failed")
			continue
		}
		if results[i].Degraded {
			degraded = true
		}
	}

	fused := fuseByDoc(results, errs)
	contextText, citations := o.assemble(ctx, owner, fused)
	if len(citations) == 0 {
		return &Response{Answer: NoAnswer, Citations: []int64{}, Degraded: degraded}, nil
	}

	resp, err := o.oracle.Chat(ctx, oracle.ChatRequest{
		Messages: []oracle.ChatMessage{
			{Role: oracle.RoleSystem, Content: answerPrompt},
			{Role: oracle.RoleUser, Content: "Question: " + query + "\n\nContext:\n" + contextText},
		},
		Temperature: 0.2,
		MaxTokens:   o.cfg.AnswerMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	o.log.Info().
		Str("kb_id", kbID.String()).
		Int("variants", len(variants)).
		Int("chunks_used", len(citations)).
		Bool("degraded", degraded).
		Dur("took", time.Since(start)).
		Msg("Answered query")

	return &Response{
		Answer:     resp.Content,
		Citations:  citations,
		Degraded:   degraded,
		ChunksUsed: len(citations),
	}, nil
}

// expand asks the oracle for query paraphrases. Any failure, transport
// or parse, downgrades to the original query alone.
func (o *Orchestrator) expand(ctx context.Context, query string) []string {
	limit := o.cfg.MaxParaphrases
	if limit > 3 {
		limit = 3
	}
	if limit <= 0 {
		return nil
	}

	resp, err := o.oracle.Chat(ctx, oracle.ChatRequest{
		Messages: []oracle.ChatMessage{
			{Role: oracle.RoleSystem, Content: expandPrompt},
			{Role: oracle.RoleUser, Content: query},
		},
		Temperature: 0.7,
		MaxTokens:   300,
		ForceJSON:   true,
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("Query expansion failed")
		return nil
	}

	var parsed struct {
		Paraphrases []string `json:"paraphrases"`
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &parsed); err != nil {
		o.log.Warn().Err(err).Msg("Query expansion reply failed to parse")
		return nil
	}

	seen := map[string]struct{}{strings.ToLower(query): {}}
	var out []string
	for _, p := range parsed.Paraphrases {
		p = strings.TrimSpace(p)
		key := strings.ToLower(p)
		if p == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

// fuseByDoc merges the per-variant result lists, keeping each document's
// best-scoring parent chunk.
func fuseByDoc(results []*retrieval.SearchResult, errs []error) []*retrieval.Result {
	best := make(map[int64]*retrieval.Result)
	for i, sr := range results {
		if errs[i] != nil {
			continue
		}
		for _, r := range sr.Results {
			cur, ok := best[r.DocID]
			if !ok || r.Score > cur.Score {
				best[r.DocID] = r
			}
		}
	}

	out := make([]*retrieval.Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// assemble concatenates parent chunks under the token budget, each under
// a provenance line the answer can cite. The first chunk is truncated
// rather than dropped when it alone exceeds the budget.
func (o *Orchestrator) assemble(ctx context.Context, owner string, results []*retrieval.Result) (string, []int64) {
	if len(results) == 0 {
		return "", nil
	}

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.DocID)
	}
	names := make(map[int64]string, len(ids))
	docs, err := o.store.Repos().Documents.GetMany(ctx, owner, ids)
	if err != nil {
		o.log.Warn().Err(err).Msg("Provenance lookup failed")
	}
	for _, d := range docs {
		if d.Filename != nil {
			names[d.DocID] = *d.Filename
		}
	}

	budget := o.cfg.ContextTokenBudget
	if budget <= 0 {
		budget = 4000
	}

	var blocks []string
	var citations []int64
	used := 0
	for _, r := range results {
		header := fmt.Sprintf("[doc_id: %d]", r.DocID)
		if name := names[r.DocID]; name != "" {
			header = fmt.Sprintf("[doc_id: %d | file: %s]", r.DocID, name)
		}
		block := header + "\n" + r.Chunk.Content

		cost := ingest.CountTokens(block)
		if used+cost > budget {
			if len(blocks) == 0 {
				blocks = append(blocks, ingest.TruncateTokens(block, budget))
				citations = append(citations, r.DocID)
			}
			break
		}
		blocks = append(blocks, block)
		citations = append(citations, r.DocID)
		used += cost
	}
	return strings.Join(blocks, "\n\n"), citations
}

// stripFences tolerates a fenced ```json block around the object.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
