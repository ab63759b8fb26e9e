package knowledgebank

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/cache"
	"github.com/mindvault-ai/mindvault/internal/retrieval"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/internal/suggest"
)

// Answer is a grounded response with citations into the owner's
// documents.
type Answer struct {
	Answer     string  `json:"answer"`
	Citations  []int64 `json:"citations"`
	Degraded   bool    `json:"degraded"`
	ChunksUsed int     `json:"chunks_used"`
}

// SearchHit is one retrieval result with document provenance attached.
type SearchHit struct {
	DocID    int64     `json:"doc_id"`
	ChunkID  uuid.UUID `json:"chunk_id"`
	Filename string    `json:"filename,omitempty"`
	Content  string    `json:"content"`
	Summary  string    `json:"summary,omitempty"`
	Score    float64   `json:"score"`
}

// SearchResponse carries ranked hits plus the degraded flag raised when
// dense retrieval was unavailable and only the sparse index answered.
type SearchResponse struct {
	Results  []*SearchHit `json:"results"`
	Degraded bool         `json:"degraded"`
}

// Query answers a question from the knowledge base. Answers are never
// cached: generation is not deterministic and staleness would be
// invisible to the caller.
func (s *Service) Query(ctx context.Context, owner string, kbID uuid.UUID, question string, topK int) (*Answer, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	kb, err := s.resolveKB(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	if err := s.accountant.GateAIRequest(ctx, owner); err != nil {
		return nil, err
	}
	resp, err := s.rag.Answer(ctx, owner, kb.ID, question, topK)
	if err != nil {
		return nil, err
	}
	s.accountant.RecordAIRequest(ctx, owner)
	return &Answer{
		Answer:     resp.Answer,
		Citations:  resp.Citations,
		Degraded:   resp.Degraded,
		ChunksUsed: resp.ChunksUsed,
	}, nil
}

// Search runs hybrid retrieval over the knowledge base. Results are
// cached per query until the knowledge base changes; degraded results
// are served but never cached, so the next attempt retries the dense
// path.
func (s *Service) Search(ctx context.Context, owner string, kbID uuid.UUID, query string, topK int) (*SearchResponse, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("query must not be empty")
	}
	kb, err := s.resolveKB(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = s.cfg.Retrieval.DefaultTopK
	}

	key := cache.Key(cache.NamespaceSearch, owner, kb.ID.String(), query, strconv.Itoa(topK))
	var cached SearchResponse
	switch err := cache.GetJSON(ctx, s.cache, key, &cached); {
	case err == nil:
		s.accountant.RecordSearch(ctx, owner)
		return &cached, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		s.log.Debug().Err(err).Msg("search cache read failed")
	}

	res, err := s.retriever.Search(ctx, owner, kb.ID, query, topK)
	if err != nil {
		return nil, err
	}
	out, err := s.decorateHits(ctx, owner, res)
	if err != nil {
		return nil, err
	}
	if !out.Degraded {
		if err := cache.SetJSON(ctx, s.cache, key, out, cache.NamespaceSearch.TTL()); err != nil {
			s.log.Debug().Err(err).Msg("search cache write failed")
		}
	}
	s.accountant.RecordSearch(ctx, owner)
	return out, nil
}

// decorateHits joins retrieval results with their documents so callers
// see filenames without re-querying. Embeddings stay behind.
func (s *Service) decorateHits(ctx context.Context, owner string, res *retrieval.SearchResult) (*SearchResponse, error) {
	ids := make([]int64, 0, len(res.Results))
	seen := make(map[int64]bool, len(res.Results))
	for _, r := range res.Results {
		if !seen[r.DocID] {
			seen[r.DocID] = true
			ids = append(ids, r.DocID)
		}
	}
	docs, err := s.store.Repos().Documents.GetMany(ctx, owner, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*storage.Document, len(docs))
	for _, d := range docs {
		byID[d.DocID] = d
	}

	out := &SearchResponse{Results: make([]*SearchHit, 0, len(res.Results)), Degraded: res.Degraded}
	for _, r := range res.Results {
		hit := &SearchHit{
			DocID:   r.DocID,
			ChunkID: r.Chunk.ID,
			Content: r.Chunk.Content,
			Score:   r.Score,
		}
		if r.Chunk.Summary != nil {
			hit.Summary = *r.Chunk.Summary
		}
		if d := byID[r.DocID]; d != nil && d.Filename != nil {
			hit.Filename = *d.Filename
		}
		out.Results = append(out.Results, hit)
	}
	return out, nil
}

// Suggest produces build-project ideas grounded in the knowledge base.
// Computed runs consume AI quota and are cached; a cache hit consumes
// nothing.
func (s *Service) Suggest(ctx context.Context, owner string, kbID uuid.UUID, max int) ([]*suggest.Suggestion, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	kb, err := s.resolveKB(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	// Mirror the suggester's clamps so equivalent requests share a
	// cache entry.
	if max <= 0 {
		max = 5
	} else if max > 10 {
		max = 10
	}

	key := cache.Key(cache.NamespaceSuggestions, owner, kb.ID.String(), strconv.Itoa(max))
	var cached []*suggest.Suggestion
	switch err := cache.GetJSON(ctx, s.cache, key, &cached); {
	case err == nil:
		return cached, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		s.log.Debug().Err(err).Msg("suggestion cache read failed")
	}

	if err := s.accountant.GateAIRequest(ctx, owner); err != nil {
		return nil, err
	}
	out, err := s.suggester.Suggest(ctx, owner, kb.ID, max)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, s.cache, key, out, cache.NamespaceSuggestions.TTL()); err != nil {
		s.log.Debug().Err(err).Msg("suggestion cache write failed")
	}
	s.accountant.RecordAIRequest(ctx, owner)
	s.accountant.RecordBuildSuggestion(ctx, owner)
	return out, nil
}

// SaveIdea persists a suggestion the user wants to keep working on.
func (s *Service) SaveIdea(ctx context.Context, owner string, kbID uuid.UUID, sug *suggest.Suggestion) (*storage.IdeaSeed, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	kb, err := s.resolveKB(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	if sug == nil || strings.TrimSpace(sug.Title) == "" {
		return nil, apperr.Validation("idea title must not be empty")
	}

	sections := make([]string, 0, len(sug.RequiredSkills)+len(sug.MissingKnowledge))
	sections = append(sections, sug.RequiredSkills...)
	sections = append(sections, sug.MissingKnowledge...)
	seed := &storage.IdeaSeed{
		KBID:               kb.ID,
		Owner:              owner,
		Title:              strings.TrimSpace(sug.Title),
		Description:        sug.Description,
		Difficulty:         sug.Difficulty,
		Feasibility:        sug.Score,
		EffortEstimate:     sug.EffortEstimate,
		ReferencedSections: sections,
		Status:             storage.IdeaStatusSaved,
	}
	if seed.Difficulty == "" {
		seed.Difficulty = storage.SkillLevelUnknown
	}
	if err := s.store.Repos().IdeaSeeds.Create(ctx, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Ideas lists idea seeds, optionally filtered by status. An empty
// status returns every seed in the knowledge base.
func (s *Service) Ideas(ctx context.Context, owner string, kbID uuid.UUID, status storage.IdeaStatus) ([]*storage.IdeaSeed, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	kb, err := s.resolveKB(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	return s.store.Repos().IdeaSeeds.ListByKB(ctx, owner, kb.ID, status)
}

// UpdateIdeaStatus moves an idea between suggested, saved, dismissed,
// and completed.
func (s *Service) UpdateIdeaStatus(ctx context.Context, owner string, id uuid.UUID, status storage.IdeaStatus) error {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return err
	}
	switch status {
	case storage.IdeaStatusSuggested, storage.IdeaStatusSaved, storage.IdeaStatusDismissed, storage.IdeaStatusCompleted:
	default:
		return apperr.Newf(apperr.KindValidation, "unknown idea status %q", status)
	}
	return s.store.Repos().IdeaSeeds.UpdateStatus(ctx, owner, id, status)
}
