// Package ingest turns raw uploads into chunked, embedded, and
// summarized documents inside a knowledge base.
package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/cache"
	"github.com/mindvault-ai/mindvault/internal/cluster"
	"github.com/mindvault-ai/mindvault/internal/concepts"
	"github.com/mindvault-ai/mindvault/internal/embedding"
	"github.com/mindvault-ai/mindvault/internal/images"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/internal/summarize"
)

// TaskIngestDocument is the queue task name for document processing.
const TaskIngestDocument = "document.ingest"

// Payload is the job body for one queued document. Data travels inline
// so the queue stays durable across worker restarts; encoding/json
// base64-encodes it transparently.
type Payload struct {
	Owner      string             `json:"owner"`
	KBID       uuid.UUID          `json:"kb_id"`
	DocID      int64              `json:"doc_id"`
	SourceType storage.SourceType `json:"source_type"`
	Filename   string             `json:"filename,omitempty"`
	SourceURL  string             `json:"source_url,omitempty"`
	MimeType   string             `json:"mime_type,omitempty"`
	Data       []byte             `json:"data"`
}

// Result reports what one ingest produced. Serialized as the job result.
type Result struct {
	DocID        int64              `json:"doc_id"`
	KBID         uuid.UUID          `json:"kb_id"`
	Title        string             `json:"title,omitempty"`
	ChunkCount   int                `json:"chunk_count"`
	ConceptCount int                `json:"concept_count"`
	ClusterID    int64              `json:"cluster_id"`
	ClusterName  string             `json:"cluster_name"`
	SummaryCount int                `json:"summary_count"`
	SkillLevel   storage.SkillLevel `json:"skill_level"`
}

// ProgressFunc receives stage-boundary updates. Implementations write
// them onto the job row; failures there must not fail the document.
type ProgressFunc func(percent int, message string)

// CancelFunc reports whether a cancel was requested for the running
// job. Checked between stages, never mid-stage.
type CancelFunc func(ctx context.Context) (bool, error)

// Indexer keeps live search indexes in step with committed documents.
// The retrieval engine implements it; a nil Indexer is skipped and the
// engine falls back to its staleness check on the next query.
type Indexer interface {
	DocumentAdded(kbID uuid.UUID, chunks []*storage.Chunk)
	DocumentRemoved(kbID uuid.UUID, docID int64)
}

// Deps bundles the stage services the pipeline drives. Shared instances
// come from the caller so the API process, the worker, and tests reuse
// one embedder LRU and one cluster engine.
type Deps struct {
	Store       *storage.Store
	Extractor   *Extractor
	Chunker     *Chunker
	Embedder    *embedding.Service
	Concepts    *concepts.Extractor
	Clusters    *cluster.Engine
	Summarizer  *summarize.Summarizer
	Images      *images.Store
	Invalidator *cache.Invalidator
	Indexer     Indexer
}

// Pipeline runs the per-document stages in order: extract, chunk,
// embed, extract concepts, summarize, then one transactional commit
// that also admits the document into its cluster. Stage errors carry
// apperr kinds so the worker can tell permanent failures from
// retryable ones.
type Pipeline struct {
	deps Deps

	learningEnabled bool
	learningFloor   float64

	log *observability.Logger
}

// LearningConfig carries the optional low-confidence validation hook
// settings.
type LearningConfig struct {
	Enabled bool
	Floor   float64
}

// NewPipeline creates a document processing pipeline.
func NewPipeline(log *observability.Logger, deps Deps, learning LearningConfig) *Pipeline {
	return &Pipeline{
		deps:            deps,
		learningEnabled: learning.Enabled,
		learningFloor:   learning.Floor,
		log:             log.Component("pipeline"),
	}
}

// Process runs every stage for one document. The Document row and all
// derived rows appear atomically at the end; a failure at any stage
// leaves no trace in the knowledge base.
func (p *Pipeline) Process(ctx context.Context, pl *Payload, progress ProgressFunc, cancelled CancelFunc) (*Result, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	if cancelled == nil {
		cancelled = func(context.Context) (bool, error) { return false, nil }
	}

	log := p.log.WithUser(pl.Owner).WithKB(pl.KBID.String()).WithDoc(pl.DocID)
	started := time.Now()

	repos := p.deps.Store.Repos()
	if _, err := repos.KnowledgeBases.GetByID(ctx, pl.Owner, pl.KBID); err != nil {
		return nil, err
	}

	progress(5, "extracting text")
	norm, err := p.deps.Extractor.Extract(ctx, pl.SourceType, pl.Data, pl.Filename)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(norm.Content) == "" {
		return nil, apperr.Extraction(string(pl.SourceType), "document produced no text", nil)
	}
	if pl.SourceType == storage.SourceTypeImage && p.deps.Images != nil {
		if _, err := p.deps.Images.Save(pl.DocID, pl.MimeType, pl.Data); err != nil {
			return nil, apperr.Internal(err)
		}
	}
	if err := p.checkCancel(ctx, cancelled); err != nil {
		return nil, err
	}

	progress(25, "chunking")
	pieces := p.deps.Chunker.Chunk(norm)
	if len(pieces) == 0 {
		return nil, apperr.Extraction(string(pl.SourceType), "document produced no chunks", nil)
	}

	doc := &storage.Document{
		DocID:          pl.DocID,
		KBID:           pl.KBID,
		Owner:          pl.Owner,
		SourceType:     pl.SourceType,
		SkillLevel:     storage.SkillLevelUnknown,
		ChunkingStatus: storage.StageStatusCompleted,
		SummaryStatus:  storage.StageStatusPending,
		ChunkCount:     len(pieces),
		ByteSize:       int64(len(pl.Data)),
	}
	if pl.Filename != "" {
		doc.Filename = &pl.Filename
	}
	if pl.SourceURL != "" {
		doc.SourceURL = &pl.SourceURL
	}

	rows, parents, children := p.buildChunks(pl, pieces)
	if err := p.checkCancel(ctx, cancelled); err != nil {
		return nil, err
	}

	progress(45, "embedding chunks")
	if err := p.embedChildren(ctx, children); err != nil {
		return nil, err
	}
	if err := p.checkCancel(ctx, cancelled); err != nil {
		return nil, err
	}

	progress(60, "extracting concepts")
	extraction, err := p.deps.Concepts.Extract(ctx, p.conceptTexts(pl.SourceType, pl.Filename, parents))
	if err != nil {
		return nil, err
	}
	doc.SkillLevel = extraction.SkillLevel
	names := extraction.Names()
	for _, parent := range parents {
		parent.Chunk.Concepts = names
	}
	if err := p.checkCancel(ctx, cancelled); err != nil {
		return nil, err
	}

	progress(75, "summarizing")
	sumParents := make([]summarize.Parent, len(parents))
	for i, parent := range parents {
		sumParents[i] = summarize.Parent{Chunk: parent.Chunk, Section: parent.Section}
	}
	sum, err := p.deps.Summarizer.Summarize(ctx, doc, sumParents)
	if err != nil {
		return nil, err
	}
	for _, parent := range parents {
		if short, ok := sum.ChunkSummaries[parent.Chunk.ID]; ok {
			s := short
			parent.Chunk.Summary = &s
		}
	}
	doc.SummaryStatus = storage.StageStatusCompleted
	if err := p.checkCancel(ctx, cancelled); err != nil {
		return nil, err
	}

	progress(90, "clustering and saving")
	conceptRows := p.buildConcepts(pl, extraction.Concepts)
	var admitted *storage.Cluster
	err = p.deps.Store.WithTx(ctx, func(r *storage.Repositories) error {
		if err := r.Documents.Create(ctx, doc); err != nil {
			return err
		}
		vd := &storage.VectorDocument{DocID: pl.DocID, RawText: norm.Content}
		if err := r.VectorDocuments.Create(ctx, vd); err != nil {
			return err
		}
		if err := r.Chunks.CreateBatch(ctx, rows); err != nil {
			return err
		}
		if err := r.Concepts.CreateBatch(ctx, conceptRows); err != nil {
			return err
		}
		if err := r.Summaries.CreateBatch(ctx, sum.Summaries); err != nil {
			return err
		}
		c, err := p.deps.Clusters.Admit(ctx, r, doc, names, extraction.SuggestedCluster, extraction.SkillLevel)
		if err != nil {
			return err
		}
		admitted = c
		if err := r.KnowledgeBases.AdjustDocumentCount(ctx, pl.KBID, 1); err != nil {
			return err
		}
		if p.learningEnabled && extraction.LowConfidence(p.learningFloor) {
			if err := p.flagForValidation(ctx, r, pl, extraction); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.From(err)
	}

	if p.deps.Indexer != nil {
		p.deps.Indexer.DocumentAdded(pl.KBID, rows)
	}
	if p.deps.Invalidator != nil {
		if err := p.deps.Invalidator.KnowledgeBaseChanged(ctx, pl.Owner, pl.KBID.String()); err != nil {
			log.Warn().Err(err).Msg("Cache invalidation failed after ingest")
		}
	}

	progress(100, "complete")
	res := &Result{
		DocID:        pl.DocID,
		KBID:         pl.KBID,
		Title:        norm.Title,
		ChunkCount:   len(rows),
		ConceptCount: len(conceptRows),
		ClusterID:    admitted.ID,
		ClusterName:  admitted.Name,
		SummaryCount: len(sum.Summaries),
		SkillLevel:   doc.SkillLevel,
	}
	log.Info().
		Int("chunks", res.ChunkCount).
		Int("concepts", res.ConceptCount).
		Int64("cluster_id", res.ClusterID).
		Str("skill_level", string(res.SkillLevel)).
		Dur("duration", time.Since(started)).
		Msg("Document ingested")
	return res, nil
}

// parentPiece pairs a stored parent chunk with the section it opens.
type parentPiece struct {
	Chunk   *storage.Chunk
	Section int
}

// buildChunks materializes chunk rows from chunker pieces, wiring
// children to their parent IDs. Row order matches piece order, so
// chunk_index stays contiguous on insert.
func (p *Pipeline) buildChunks(pl *Payload, pieces []Piece) (rows []*storage.Chunk, parents []parentPiece, children []*storage.Chunk) {
	ids := make(map[int]uuid.UUID, len(pieces))
	for _, pc := range pieces {
		ids[pc.Index] = uuid.New()
	}

	rows = make([]*storage.Chunk, 0, len(pieces))
	for _, pc := range pieces {
		row := &storage.Chunk{
			ID:         ids[pc.Index],
			DocumentID: pl.DocID,
			KBID:       pl.KBID,
			ChunkIndex: pc.Index,
			StartToken: pc.StartToken,
			EndToken:   pc.EndToken,
			Content:    pc.Content,
			ChunkType:  pc.Type,
		}
		if pc.ParentIndex >= 0 {
			pid := ids[pc.ParentIndex]
			row.ParentChunkID = &pid
		}
		rows = append(rows, row)
		switch pc.Type {
		case storage.ChunkTypeParent:
			parents = append(parents, parentPiece{Chunk: row, Section: pc.Section})
		case storage.ChunkTypeChild:
			children = append(children, row)
		}
	}
	return rows, parents, children
}

// embedChildren fills in child-chunk vectors. Oracle outages propagate
// as oracle_unavailable so the job retries rather than committing a
// document that dense retrieval cannot see.
func (p *Pipeline) embedChildren(ctx context.Context, children []*storage.Chunk) error {
	if len(children) == 0 {
		return nil
	}
	texts := make([]string, len(children))
	for i, c := range children {
		texts[i] = c.Content
	}
	vectors, err := p.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, c := range children {
		c.Embedding = vectors[i]
	}
	return nil
}

// conceptTexts returns the parent texts fed to concept extraction.
// Archive uploads are stripped of entry framing first so the oracle
// sees prose, not separators.
func (p *Pipeline) conceptTexts(src storage.SourceType, filename string, parents []parentPiece) []string {
	isArchive := src == storage.SourceTypeFile && strings.EqualFold(filepath.Ext(filename), ".zip")
	texts := make([]string, len(parents))
	for i, parent := range parents {
		if isArchive {
			texts[i] = CleanArchiveText(parent.Chunk.Content)
		} else {
			texts[i] = parent.Chunk.Content
		}
	}
	return texts
}

func (p *Pipeline) buildConcepts(pl *Payload, extracted []concepts.ExtractedConcept) []*storage.Concept {
	rows := make([]*storage.Concept, 0, len(extracted))
	for _, c := range extracted {
		rows = append(rows, &storage.Concept{
			DocumentID: pl.DocID,
			KBID:       pl.KBID,
			Name:       c.Name,
			Category:   c.Category,
			Confidence: c.Confidence,
		})
	}
	return rows
}

// flagForValidation persists a low-confidence extraction for later
// review. Only reached when the learning flag is on.
func (p *Pipeline) flagForValidation(ctx context.Context, r *storage.Repositories, pl *Payload, x *concepts.Extraction) error {
	raw, err := json.Marshal(x)
	if err != nil {
		return err
	}
	return r.Concepts.FlagForValidation(ctx, &storage.ConceptValidation{
		DocumentID: pl.DocID,
		KBID:       pl.KBID,
		Confidence: x.OverallConfidence,
		Extraction: raw,
	})
}

// checkCancel consults the job's cancel flag. Lookup failures are
// swallowed: losing a cancel check is better than failing a document.
func (p *Pipeline) checkCancel(ctx context.Context, cancelled CancelFunc) error {
	stop, err := cancelled(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("Cancel check failed")
		return nil
	}
	if stop {
		return apperr.Cancelled()
	}
	return nil
}
