// Package cluster groups documents into concept clusters. Assignment is
// incremental: each document joins the best-matching existing cluster or
// starts a new one, and a background runner splits clusters that have
// grown past the size threshold.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

const (
	// admitThreshold is the minimum similarity for joining an existing
	// cluster; anything below it starts a new one.
	admitThreshold = 0.30
	// substringBonus is added when the suggested cluster name already
	// appears inside an existing cluster's name.
	substringBonus = 0.2
	// primaryLimit caps how many concept names a cluster advertises.
	primaryLimit = 5

	defaultSplitThreshold = 25
	defaultSplitInterval  = 10 * time.Minute
)

// Engine assigns documents to clusters by concept overlap.
type Engine struct {
	log            *observability.Logger
	splitThreshold int
	splitInterval  time.Duration
}

// NewEngine creates a clustering engine.
func NewEngine(cfg config.ClusterConfig, log *observability.Logger) *Engine {
	if cfg.SplitThreshold <= 0 {
		cfg.SplitThreshold = defaultSplitThreshold
	}
	if cfg.SplitInterval <= 0 {
		cfg.SplitInterval = defaultSplitInterval
	}
	return &Engine{
		log:            log.Component("cluster"),
		splitThreshold: cfg.SplitThreshold,
		splitInterval:  cfg.SplitInterval,
	}
}

// Admit places a document into the best-matching cluster in its knowledge
// base, or creates a new cluster when nothing reaches the admission
// threshold. It must run inside the transaction that persists the
// document: ListByKBLocked holds the cluster rows so concurrent admits
// serialize, and the membership write commits atomically with the rest of
// the ingest.
func (e *Engine) Admit(ctx context.Context, repos *storage.Repositories, doc *storage.Document, conceptNames []string, suggested string, skill storage.SkillLevel) (*storage.Cluster, error) {
	clusters, err := repos.Clusters.ListByKBLocked(ctx, doc.KBID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}

	docSet := nameSet(conceptNames)
	suggestedLower := strings.ToLower(strings.TrimSpace(suggested))

	var (
		best    *storage.Cluster
		bestSim float64
	)
	for _, c := range clusters {
		sim := jaccard(docSet, nameSet(c.PrimaryConcepts))
		if suggestedLower != "" && strings.Contains(strings.ToLower(c.Name), suggestedLower) {
			sim += substringBonus
			if sim > 1 {
				sim = 1
			}
		}
		// Ties resolve to the older cluster.
		if best == nil || sim > bestSim || (sim == bestSim && c.ID < best.ID) {
			best, bestSim = c, sim
		}
	}

	if best != nil && bestSim >= admitThreshold {
		return e.admitTo(ctx, repos, best, doc, conceptNames, bestSim)
	}
	return e.create(ctx, repos, doc, conceptNames, suggested, skill)
}

func (e *Engine) admitTo(ctx context.Context, repos *storage.Repositories, c *storage.Cluster, doc *storage.Document, conceptNames []string, sim float64) (*storage.Cluster, error) {
	for _, id := range c.DocIDs {
		if id == doc.DocID {
			// Already a member; a retried job lands here.
			return c, nil
		}
	}
	c.DocIDs = append(c.DocIDs, doc.DocID)

	primary, err := topConcepts(ctx, repos, doc.KBID, c.DocIDs, map[int64][]string{doc.DocID: conceptNames})
	if err != nil {
		return nil, err
	}
	if len(primary) > 0 {
		c.PrimaryConcepts = primary
	}

	if err := repos.Clusters.UpdateMembership(ctx, c); err != nil {
		return nil, fmt.Errorf("update cluster %d: %w", c.ID, err)
	}

	e.log.Info().
		Int64("cluster_id", c.ID).
		Int64("doc_id", doc.DocID).
		Float64("similarity", sim).
		Int("doc_count", c.DocCount).
		Msg("Document admitted to cluster")
	return c, nil
}

func (e *Engine) create(ctx context.Context, repos *storage.Repositories, doc *storage.Document, conceptNames []string, suggested string, skill storage.SkillLevel) (*storage.Cluster, error) {
	id, err := repos.Clusters.NextID(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(suggested)
	if name == "" && len(conceptNames) > 0 {
		name = titleCase(conceptNames[0])
	}
	if name == "" {
		name = "General"
	}

	primary := conceptNames
	if len(primary) > primaryLimit {
		primary = primary[:primaryLimit]
	}
	if skill == "" {
		skill = storage.SkillLevelUnknown
	}

	c := &storage.Cluster{
		ID:              id,
		Name:            name,
		KBID:            doc.KBID,
		Owner:           doc.Owner,
		PrimaryConcepts: primary,
		SkillLevel:      skill,
		DocIDs:          []int64{doc.DocID},
	}
	if err := repos.Clusters.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create cluster: %w", err)
	}

	e.log.Info().
		Int64("cluster_id", c.ID).
		Int64("doc_id", doc.DocID).
		Str("name", c.Name).
		Msg("Created cluster")
	return c, nil
}

// topConcepts returns the most frequent concept names across the member
// documents, most frequent first, capped at primaryLimit. Frequency counts
// distinct documents; ties resolve alphabetically. extra supplies concepts
// for documents whose rows may not be visible yet, such as the one being
// admitted mid-transaction.
func topConcepts(ctx context.Context, repos *storage.Repositories, kbID uuid.UUID, memberIDs []int64, extra map[int64][]string) ([]string, error) {
	members := make(map[int64]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}

	concepts, err := repos.Concepts.ListByKB(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}

	docsByName := make(map[string]map[int64]struct{})
	display := make(map[string]string)
	add := func(docID int64, name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if _, ok := display[key]; !ok {
			display[key] = name
		}
		set := docsByName[key]
		if set == nil {
			set = make(map[int64]struct{})
			docsByName[key] = set
		}
		set[docID] = struct{}{}
	}

	for _, c := range concepts {
		if _, ok := members[c.DocumentID]; ok {
			add(c.DocumentID, c.Name)
		}
	}
	for docID, names := range extra {
		if _, ok := members[docID]; !ok {
			continue
		}
		for _, name := range names {
			add(docID, name)
		}
	}

	keys := make([]string, 0, len(docsByName))
	for key := range docsByName {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, nj := len(docsByName[keys[i]]), len(docsByName[keys[j]])
		if ni != nj {
			return ni > nj
		}
		return keys[i] < keys[j]
	})
	if len(keys) > primaryLimit {
		keys = keys[:primaryLimit]
	}

	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = display[key]
	}
	return out, nil
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b|. Two empty sets score zero.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// titleCase uppercases the first rune for display as a cluster name.
func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
