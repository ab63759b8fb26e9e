// Package embedding generates chunk and query vectors through the
// oracle, with normalization, an in-process LRU, and batch coalescing
// in front so repeated text never pays for a second round trip.
package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/oracle"
)

// Service embeds texts via the oracle. Safe for concurrent use.
type Service struct {
	oracle    oracle.Oracle
	batchSize int
	log       *observability.Logger

	mu  sync.Mutex
	lru *lruCache
}

// NewService builds a Service. Unset config values fall back to a
// 64-text batch and 10k cached vectors.
func NewService(cfg config.EmbeddingConfig, orc oracle.Oracle, log *observability.Logger) *Service {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	entries := cfg.LRUEntries
	if entries <= 0 {
		entries = 10000
	}
	return &Service{
		oracle:    orc,
		batchSize: batch,
		log:       log.Component("embedding"),
		lru:       newLRU(entries),
	}
}

// Model returns the oracle's embedding model name.
func (s *Service) Model() string { return s.oracle.Model() }

// Dimension returns the vector dimension.
func (s *Service) Dimension() int { return s.oracle.EmbeddingDimension() }

// Normalize collapses interior whitespace and trims the ends. The
// cache key and the oracle both see this form, so chunks differing
// only in whitespace share one vector.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func (s *Service) cacheKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]) + "|" + s.oracle.Model()
}

// EmbedQuery embeds a single text.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per input, in input order. Duplicate and
// cached inputs collapse to a single oracle slot; the rest go out in
// batches of batchSize. Any oracle failure fails the whole call so the
// caller can decide between retry and degraded ingestion.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	normalized := make([]string, len(texts))
	keys := make([]string, len(texts))

	var missing []string
	missIndex := make(map[string]int, len(texts))

	s.mu.Lock()
	for i, text := range texts {
		n := Normalize(text)
		normalized[i] = n
		if n == "" {
			results[i] = make([]float32, s.oracle.EmbeddingDimension())
			continue
		}
		keys[i] = s.cacheKey(n)
		if vec, ok := s.lru.get(keys[i]); ok {
			results[i] = vec
			continue
		}
		if _, seen := missIndex[n]; !seen {
			missIndex[n] = len(missing)
			missing = append(missing, n)
		}
	}
	s.mu.Unlock()

	if len(missing) == 0 {
		return results, nil
	}

	fetched := make([][]float32, len(missing))
	for start := 0; start < len(missing); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		vecs, err := s.oracle.Embed(ctx, missing[start:end])
		if err != nil {
			return nil, err
		}
		copy(fetched[start:], vecs)
	}

	s.mu.Lock()
	for i := range texts {
		if results[i] != nil {
			continue
		}
		vec := fetched[missIndex[normalized[i]]]
		results[i] = vec
		s.lru.put(keys[i], vec)
	}
	s.mu.Unlock()

	return results, nil
}

// CacheLen reports how many vectors are currently cached.
func (s *Service) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.len()
}

type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key string
	vec []float32
}

func newLRU(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) ([]float32, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).vec, true
}

func (c *lruCache) put(key string, vec []float32) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry).vec = vec
		return
	}
	c.items[key] = c.ll.PushFront(&lruEntry{key: key, vec: vec})
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) len() int { return c.ll.Len() }
