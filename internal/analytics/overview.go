// Package analytics rolls a user's knowledge bases up into one
// overview: what they hold, how it clusters, and what the account has
// consumed this period. Overviews are cached per (owner, period) and
// recomputed after any document mutation.
package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/cache"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

const (
	topConceptsPerKB   = 5
	topConceptsOverall = 10
)

// Overview is the analytics report for one user.
type Overview struct {
	TotalKnowledgeBases int64                       `json:"total_knowledge_bases"`
	TotalDocuments      int64                       `json:"total_documents"`
	TotalConcepts       int64                       `json:"total_concepts"`
	TotalClusters       int64                       `json:"total_clusters"`
	IndexedChunks       int64                       `json:"indexed_chunks"`
	ContentBytes        int64                       `json:"content_bytes"`
	KnowledgeBases      []*KBStats                  `json:"knowledge_bases"`
	TopConcepts         []*storage.ConceptFrequency `json:"top_concepts"`
	Usage               *storage.UsageRecord        `json:"usage,omitempty"`
	GeneratedAt         time.Time                   `json:"generated_at"`
}

// KBStats describes one knowledge base inside the overview. Concepts
// counts distinct names; IndexedChunks counts the child chunks the
// retrieval index serves.
type KBStats struct {
	ID            uuid.UUID                   `json:"id"`
	Name          string                      `json:"name"`
	IsDefault     bool                        `json:"is_default"`
	Documents     int64                       `json:"documents"`
	Concepts      int64                       `json:"concepts"`
	Clusters      int64                       `json:"clusters"`
	IndexedChunks int64                       `json:"indexed_chunks"`
	ContentBytes  int64                       `json:"content_bytes"`
	TopConcepts   []*storage.ConceptFrequency `json:"top_concepts,omitempty"`
}

// Service computes overviews with the cache in front.
type Service struct {
	store *storage.Store
	cache cache.Client
	log   *observability.Logger
	now   func() time.Time
}

// NewService creates an analytics service. cache may be nil; every
// call then computes.
func NewService(store *storage.Store, c cache.Client, log *observability.Logger) *Service {
	return &Service{store: store, cache: c, log: log.Component("analytics"), now: time.Now}
}

// Overview returns the user's analytics report, serving a cached copy
// when one is fresh. Cache trouble never fails the call; it falls back
// to computing.
func (s *Service) Overview(ctx context.Context, owner string) (*Overview, error) {
	key := cache.OwnerKey(cache.NamespaceAnalytics, owner, s.periodKey())
	if s.cache != nil {
		var cached Overview
		err := cache.GetJSON(ctx, s.cache, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Debug().Err(err).Msg("analytics cache read failed")
		}
	}

	ov, err := s.compute(ctx, owner)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, ov, cache.NamespaceAnalytics.TTL()); err != nil {
			s.log.Warn().Err(err).Msg("analytics cache write failed")
		}
	}
	return ov, nil
}

// periodKey pins cached overviews to the usage period so a month
// rollover never serves last month's counters.
func (s *Service) periodKey() string {
	start, _ := storage.PeriodBounds(s.now())
	return start.Format("2006-01")
}

func (s *Service) compute(ctx context.Context, owner string) (*Overview, error) {
	started := time.Now()
	repos := s.store.Repos()

	kbs, err := repos.KnowledgeBases.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		TotalKnowledgeBases: int64(len(kbs)),
		KnowledgeBases:      make([]*KBStats, 0, len(kbs)),
		GeneratedAt:         s.now(),
	}

	var allTop []*storage.ConceptFrequency
	for _, kb := range kbs {
		stats, err := s.kbStats(ctx, kb)
		if err != nil {
			return nil, err
		}
		ov.KnowledgeBases = append(ov.KnowledgeBases, stats)
		ov.TotalDocuments += stats.Documents
		ov.TotalConcepts += stats.Concepts
		ov.TotalClusters += stats.Clusters
		ov.IndexedChunks += stats.IndexedChunks
		ov.ContentBytes += stats.ContentBytes
		allTop = append(allTop, stats.TopConcepts...)
	}
	ov.TopConcepts = mergeTopConcepts(allTop, topConceptsOverall)

	rec, err := repos.Usage.GetCurrent(ctx, owner, s.now())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	ov.Usage = rec

	s.log.Debug().
		Str("user", owner).
		Int64("documents", ov.TotalDocuments).
		Dur("took", time.Since(started)).
		Msg("computed analytics overview")
	return ov, nil
}

func (s *Service) kbStats(ctx context.Context, kb *storage.KnowledgeBase) (*KBStats, error) {
	repos := s.store.Repos()
	stats := &KBStats{ID: kb.ID, Name: kb.Name, IsDefault: kb.IsDefault}

	var err error
	if stats.Documents, err = repos.Documents.CountByKB(ctx, kb.ID); err != nil {
		return nil, err
	}
	if stats.Concepts, err = repos.Concepts.DistinctCountByKB(ctx, kb.ID); err != nil {
		return nil, err
	}
	if stats.Clusters, err = repos.Clusters.CountByKB(ctx, kb.ID); err != nil {
		return nil, err
	}
	if stats.IndexedChunks, err = repos.Chunks.CountByKBAndType(ctx, kb.ID, storage.ChunkTypeChild); err != nil {
		return nil, err
	}
	if stats.ContentBytes, err = repos.Documents.TotalContentLength(ctx, kb.ID); err != nil {
		return nil, err
	}
	if stats.TopConcepts, err = repos.Concepts.TopByKB(ctx, kb.ID, topConceptsPerKB); err != nil {
		return nil, err
	}
	return stats, nil
}

// mergeTopConcepts folds per-KB leaders into one list. The same name
// in two knowledge bases sums its document counts.
func mergeTopConcepts(all []*storage.ConceptFrequency, limit int) []*storage.ConceptFrequency {
	byName := make(map[string]*storage.ConceptFrequency, len(all))
	for _, f := range all {
		if cur, ok := byName[f.Name]; ok {
			cur.DocumentCount += f.DocumentCount
			if f.MaxConfidence > cur.MaxConfidence {
				cur.MaxConfidence = f.MaxConfidence
			}
			continue
		}
		clone := *f
		byName[f.Name] = &clone
	}

	out := make([]*storage.ConceptFrequency, 0, len(byName))
	for _, f := range byName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentCount != out[j].DocumentCount {
			return out[i].DocumentCount > out[j].DocumentCount
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
