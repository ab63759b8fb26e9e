package knowledgebank

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/analytics"
	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/ingest"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/internal/usage"
)

// KnowledgeBases lists the owner's knowledge bases. The default base is
// created on first touch so a fresh account always sees one.
func (s *Service) KnowledgeBases(ctx context.Context, owner string) ([]*storage.KnowledgeBase, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	if _, err := s.store.Repos().KnowledgeBases.GetDefault(ctx, owner); err != nil {
		return nil, err
	}
	return s.store.Repos().KnowledgeBases.ListByOwner(ctx, owner)
}

// CreateKnowledgeBase adds a named knowledge base under the owner's
// plan ceiling.
func (s *Service) CreateKnowledgeBase(ctx context.Context, owner, name string) (*storage.KnowledgeBase, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("knowledge base name must not be empty")
	}
	if err := s.accountant.GateKnowledgeBaseCreate(ctx, owner); err != nil {
		return nil, err
	}
	kb := &storage.KnowledgeBase{Owner: owner, Name: name}
	if err := s.store.Repos().KnowledgeBases.Create(ctx, kb); err != nil {
		return nil, err
	}
	return kb, nil
}

// RenameKnowledgeBase renames a base the owner holds.
func (s *Service) RenameKnowledgeBase(ctx context.Context, owner string, id uuid.UUID, name string) error {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Validation("knowledge base name must not be empty")
	}
	return s.store.Repos().KnowledgeBases.Rename(ctx, owner, id, name)
}

// DeleteKnowledgeBase removes an empty, non-default knowledge base.
// Bases holding documents are refused so document rows never lose
// their parent out from under a running job.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, owner string, id uuid.UUID) error {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return err
	}
	kb, err := s.store.Repos().KnowledgeBases.GetByID(ctx, owner, id)
	if err != nil {
		return err
	}
	count, err := s.store.Repos().Documents.CountByKB(ctx, kb.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperr.Conflict("knowledge base still contains documents")
	}
	if err := s.store.Repos().KnowledgeBases.Delete(ctx, owner, kb.ID); err != nil {
		return err
	}
	if err := s.invalidator.KnowledgeBaseChanged(ctx, owner, kb.ID.String()); err != nil {
		s.log.Warn().Err(err).Msg("cache invalidation failed after knowledge base delete")
	}
	return nil
}

// Documents pages through a knowledge base's documents with cluster
// badges attached.
func (s *Service) Documents(ctx context.Context, owner string, kbID uuid.UUID, limit, offset int) ([]*storage.DocumentWithCluster, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	kb, err := s.resolveKB(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Repos().Documents.ListByKB(ctx, owner, kb.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.store.Repos().AttachClusters(ctx, kb.ID, docs)
}

// Document fetches one document row with owner scoping.
func (s *Service) Document(ctx context.Context, owner string, docID int64) (*storage.Document, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	return s.store.Repos().Documents.GetByID(ctx, owner, docID)
}

// DeleteDocument removes a document and every derived row in one
// transaction, then pulls it from the live index, drops dependent
// caches, and releases the stored bytes. Accounting and cache failures
// are logged, never surfaced: the rows are already gone.
func (s *Service) DeleteDocument(ctx context.Context, owner string, docID int64) error {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return err
	}
	var doc *storage.Document
	err := s.store.WithTx(ctx, func(r *storage.Repositories) error {
		d, err := r.DeleteDocumentCascade(ctx, owner, docID)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err != nil {
		return err
	}

	s.retriever.DocumentRemoved(doc.KBID, docID)
	if doc.SourceType == storage.SourceTypeImage {
		if err := s.images.Delete(docID); err != nil {
			s.log.Warn().Err(err).Int64("doc_id", docID).Msg("stored image delete failed")
		}
	}
	now := time.Now()
	if _, err := s.store.Repos().Usage.EnsureCurrent(ctx, owner, nil, now); err != nil {
		s.log.Warn().Err(err).Msg("usage record load failed on delete")
	} else if err := s.store.Repos().Usage.AdjustStorage(ctx, owner, now, -doc.ByteSize); err != nil {
		s.log.Warn().Err(err).Msg("storage accounting release failed")
	}
	if err := s.invalidator.KnowledgeBaseChanged(ctx, owner, doc.KBID.String()); err != nil {
		s.log.Warn().Err(err).Msg("cache invalidation failed after document delete")
	}

	s.log.WithUser(owner).WithDoc(docID).Info().Msg("document deleted")
	return nil
}

// Clusters lists the concept clusters of a knowledge base.
func (s *Service) Clusters(ctx context.Context, owner string, kbID uuid.UUID) ([]*storage.Cluster, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	kb, err := s.resolveKB(ctx, owner, kbID)
	if err != nil {
		return nil, err
	}
	return s.store.Repos().Clusters.ListByKB(ctx, kb.ID)
}

// JobStatus fetches one job the owner queued.
func (s *Service) JobStatus(ctx context.Context, owner string, id uuid.UUID) (*storage.Job, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	return s.queue.Status(ctx, owner, id)
}

// Jobs lists the owner's jobs, newest first.
func (s *Service) Jobs(ctx context.Context, owner string, limit int) ([]*storage.Job, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	return s.queue.List(ctx, owner, limit)
}

// CancelJob deletes a pending job outright or flags a running one for
// cancellation at its next stage boundary. The boolean reports
// immediate deletion.
func (s *Service) CancelJob(ctx context.Context, owner string, id uuid.UUID) (bool, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return false, err
	}
	job, err := s.queue.Status(ctx, owner, id)
	if err != nil {
		return false, err
	}
	deleted, err := s.queue.Cancel(ctx, owner, id)
	if err != nil {
		return false, err
	}
	// A deleted pending ingest never runs, so its admission claim is
	// handed back here; a running job releases through its handler.
	if deleted && job.Task == ingest.TaskIngestDocument {
		var pl ingest.Payload
		if jsonErr := json.Unmarshal(job.Payload, &pl); jsonErr == nil {
			s.accountant.ReleaseIngest(ctx, owner, int64(len(pl.Data)))
		}
	}
	return deleted, nil
}

// Usage reports the owner's current-period counters against plan
// limits.
func (s *Service) Usage(ctx context.Context, owner string) (*usage.Summary, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	return s.accountant.Snapshot(ctx, owner)
}

// Overview aggregates what the owner knows across knowledge bases.
func (s *Service) Overview(ctx context.Context, owner string) (*analytics.Overview, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	return s.analytics.Overview(ctx, owner)
}

// GateAPICall enforces the per-minute window and daily API budget.
// HTTP middleware calls it once per authenticated request.
func (s *Service) GateAPICall(ctx context.Context, owner string) error {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return err
	}
	return s.accountant.APICall(ctx, owner)
}
