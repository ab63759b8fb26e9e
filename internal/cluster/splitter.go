package cluster

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/storage"
)

const (
	// minSplitGain is the cohesion improvement a split must deliver,
	// measured as mean cosine similarity to the group centroid.
	minSplitGain = 0.1
	// maxKMeansRounds bounds the assignment loop.
	maxKMeansRounds = 20
)

// Schedule runs split passes on the configured interval until ctx is
// cancelled. Intended to run in its own goroutine next to the worker pool.
func (e *Engine) Schedule(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(e.splitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Stopping cluster split runner")
			return
		case <-ticker.C:
			n, err := e.SplitPass(ctx, store)
			if err != nil {
				e.log.Error().Err(err).Msg("Cluster split pass failed")
			} else if n > 0 {
				e.log.Info().Int("clusters_split", n).Msg("Cluster split pass completed")
			}
		}
	}
}

// SplitPass scans for clusters past the size threshold and splits the
// ones whose members separate into two clearly more coherent groups.
// Each split commits in its own transaction, off the ingest path.
func (e *Engine) SplitPass(ctx context.Context, store *storage.Store) (int, error) {
	oversized, err := store.Repos().Clusters.ListOversized(ctx, e.splitThreshold+1)
	if err != nil {
		return 0, fmt.Errorf("list oversized clusters: %w", err)
	}

	split := 0
	for _, c := range oversized {
		if ctx.Err() != nil {
			return split, ctx.Err()
		}
		ok, err := e.trySplit(ctx, store, c.KBID, c.ID)
		if err != nil {
			e.log.Warn().Err(err).Int64("cluster_id", c.ID).Msg("Cluster split failed")
			continue
		}
		if ok {
			split++
		}
	}
	return split, nil
}

// trySplit re-reads the cluster under the same lock order the admit path
// uses, partitions its member documents with 2-means over their averaged
// chunk embeddings, and commits the split only when both halves are
// meaningfully more coherent than the whole.
func (e *Engine) trySplit(ctx context.Context, store *storage.Store, kbID uuid.UUID, clusterID int64) (bool, error) {
	var didSplit bool
	err := store.WithTx(ctx, func(repos *storage.Repositories) error {
		didSplit = false

		clusters, err := repos.Clusters.ListByKBLocked(ctx, kbID)
		if err != nil {
			return err
		}
		var c *storage.Cluster
		for _, cand := range clusters {
			if cand.ID == clusterID {
				c = cand
				break
			}
		}
		// Deleted or shrunk since the scan.
		if c == nil || len(c.DocIDs) <= e.splitThreshold {
			return nil
		}

		var (
			ids      []int64
			vecs     [][]float32
			unplaced []int64
		)
		for _, docID := range c.DocIDs {
			chunks, err := repos.Chunks.ListByDocument(ctx, docID)
			if err != nil {
				return fmt.Errorf("load chunks for document %d: %w", docID, err)
			}
			if v := docVector(chunks); v != nil {
				ids = append(ids, docID)
				vecs = append(vecs, v)
			} else {
				unplaced = append(unplaced, docID)
			}
		}
		if len(vecs) < 4 {
			return nil
		}

		baseline := cohesion(vecs)
		aIdx, bIdx := kmeans2(vecs)
		if len(aIdx) < 2 || len(bIdx) < 2 {
			return nil
		}

		aVecs, bVecs := subset(vecs, aIdx), subset(vecs, bIdx)
		after := (cohesion(aVecs)*float64(len(aVecs)) + cohesion(bVecs)*float64(len(bVecs))) / float64(len(vecs))
		if after-baseline < minSplitGain {
			return nil
		}

		aDocs, bDocs := pick(ids, aIdx), pick(ids, bIdx)
		// Documents without embeddings follow the larger half.
		if len(aDocs) >= len(bDocs) {
			aDocs = append(aDocs, unplaced...)
		} else {
			bDocs = append(bDocs, unplaced...)
		}
		// The larger half keeps the cluster row and its name.
		if len(bDocs) > len(aDocs) {
			aDocs, bDocs = bDocs, aDocs
		}

		c.DocIDs = aDocs
		if primary, err := topConcepts(ctx, repos, kbID, aDocs, nil); err != nil {
			return err
		} else if len(primary) > 0 {
			c.PrimaryConcepts = primary
		}
		if err := repos.Clusters.UpdateMembership(ctx, c); err != nil {
			return fmt.Errorf("update cluster %d: %w", c.ID, err)
		}

		newID, err := repos.Clusters.NextID(ctx)
		if err != nil {
			return err
		}
		primaryB, err := topConcepts(ctx, repos, kbID, bDocs, nil)
		if err != nil {
			return err
		}
		name := ""
		if len(primaryB) > 0 {
			name = titleCase(primaryB[0])
		}
		if name == "" || strings.EqualFold(name, c.Name) {
			name = c.Name + " 2"
		}
		nc := &storage.Cluster{
			ID:              newID,
			Name:            name,
			KBID:            kbID,
			Owner:           c.Owner,
			PrimaryConcepts: primaryB,
			SkillLevel:      c.SkillLevel,
			DocIDs:          bDocs,
		}
		if err := repos.Clusters.Create(ctx, nc); err != nil {
			return fmt.Errorf("create split cluster: %w", err)
		}

		didSplit = true
		e.log.Info().
			Int64("cluster_id", c.ID).
			Int64("new_cluster_id", nc.ID).
			Int("kept", len(aDocs)).
			Int("moved", len(bDocs)).
			Float64("cohesion_before", baseline).
			Float64("cohesion_after", after).
			Msg("Split oversized cluster")
		return nil
	})
	return didSplit, err
}

// docVector averages a document's chunk embeddings into one unit vector.
// Documents ingested on the degraded path carry no embeddings and return nil.
func docVector(chunks []*storage.Chunk) []float32 {
	var (
		sum   []float64
		count int
	)
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(ch.Embedding))
		}
		for i, x := range ch.Embedding {
			if i < len(sum) {
				sum[i] += float64(x)
			}
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i, x := range sum {
		out[i] = float32(x / float64(count))
	}
	return unit(out)
}

// kmeans2 partitions unit vectors into two groups by cosine similarity.
// Seeding with the most dissimilar pair keeps the result deterministic.
func kmeans2(vecs [][]float32) ([]int, []int) {
	n := len(vecs)
	seedA, seedB := 0, 1
	lowest := math.MaxFloat64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if sim := dot(vecs[i], vecs[j]); sim < lowest {
				lowest, seedA, seedB = sim, i, j
			}
		}
	}

	centA, centB := vecs[seedA], vecs[seedB]
	assign := make([]int, n)
	for round := 0; round < maxKMeansRounds; round++ {
		changed := false
		for i, v := range vecs {
			side := 0
			if dot(v, centB) > dot(v, centA) {
				side = 1
			}
			if assign[i] != side {
				assign[i] = side
				changed = true
			}
		}
		if !changed && round > 0 {
			break
		}
		if m := normalizedMean(vecs, assign, 0); m != nil {
			centA = m
		}
		if m := normalizedMean(vecs, assign, 1); m != nil {
			centB = m
		}
	}

	var a, b []int
	for i, side := range assign {
		if side == 0 {
			a = append(a, i)
		} else {
			b = append(b, i)
		}
	}
	return a, b
}

// cohesion is the mean cosine similarity between each vector and the
// group centroid. Vectors must be unit length.
func cohesion(vecs [][]float32) float64 {
	if len(vecs) == 0 {
		return 0
	}
	centroid := normalizedMean(vecs, make([]int, len(vecs)), 0)
	if centroid == nil {
		return 0
	}
	var sum float64
	for _, v := range vecs {
		sum += dot(v, centroid)
	}
	return sum / float64(len(vecs))
}

// normalizedMean returns the unit-length mean of the vectors assigned to
// side, or nil when the side is empty.
func normalizedMean(vecs [][]float32, assign []int, side int) []float32 {
	var (
		sum   []float64
		count int
	)
	for i, v := range vecs {
		if assign[i] != side {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		for j, x := range v {
			if j < len(sum) {
				sum[j] += float64(x)
			}
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i, x := range sum {
		out[i] = float32(x / float64(count))
	}
	return unit(out)
}

func unit(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func subset(vecs [][]float32, idx []int) [][]float32 {
	out := make([][]float32, len(idx))
	for i, j := range idx {
		out[i] = vecs[j]
	}
	return out
}

func pick(ids []int64, idx []int) []int64 {
	out := make([]int64, len(idx))
	for i, j := range idx {
		out[i] = ids[j]
	}
	return out
}
