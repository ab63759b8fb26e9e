package knowledgebank

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/ingest"
	"github.com/mindvault-ai/mindvault/internal/storage"
)

// IngestRequest describes one source to ingest. Data carries the bytes
// for text, file, and image sources; URL names the page to fetch. A
// zero KBID targets the owner's default knowledge base.
type IngestRequest struct {
	KBID       uuid.UUID
	SourceType storage.SourceType
	Filename   string
	URL        string
	MimeType   string
	Data       []byte
}

// IngestReceipt identifies the queued work and the document it will
// produce. The document becomes visible only when the worker commits.
type IngestReceipt struct {
	JobID uuid.UUID `json:"job_id"`
	DocID int64     `json:"doc_id"`
	KBID  uuid.UUID `json:"kb_id"`
}

// Ingest validates the source, reserves a document ID, and queues the
// processing job.
func (s *Service) Ingest(ctx context.Context, owner string, req *IngestRequest) (*IngestReceipt, error) {
	if err := s.EnsureUser(ctx, owner); err != nil {
		return nil, err
	}
	kb, err := s.resolveKB(ctx, owner, req.KBID)
	if err != nil {
		return nil, err
	}

	pl := &ingest.Payload{
		Owner:      owner,
		KBID:       kb.ID,
		SourceType: req.SourceType,
		Filename:   strings.TrimSpace(req.Filename),
		MimeType:   req.MimeType,
		Data:       req.Data,
	}
	switch req.SourceType {
	case storage.SourceTypeText:
		if len(bytes.TrimSpace(req.Data)) == 0 {
			return nil, apperr.Validation("text content must not be empty")
		}
	case storage.SourceTypeURL:
		// The payload carries the validated URL itself; the worker
		// fetches the page so the API request returns immediately.
		target, err := s.urls.Validate(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		pl.SourceURL = target
		pl.Data = []byte(target)
		if pl.Filename == "" {
			pl.Filename = target
		}
	case storage.SourceTypeFile:
		if pl.Filename == "" {
			return nil, apperr.Validation("filename is required for file uploads")
		}
		if len(req.Data) == 0 {
			return nil, apperr.Validation("file content must not be empty")
		}
	case storage.SourceTypeImage:
		if len(req.Data) == 0 {
			return nil, apperr.Validation("image content must not be empty")
		}
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unsupported source type %q", req.SourceType)
	}

	if max := s.cfg.Ingestion.MaxUploadBytes; max > 0 && int64(len(pl.Data)) > max {
		return nil, apperr.Newf(apperr.KindValidation, "upload exceeds the %d byte limit", max)
	}
	byteSize := int64(len(pl.Data))
	if err := s.accountant.GateIngest(ctx, owner, byteSize); err != nil {
		return nil, err
	}

	// The gate claimed the document's allowance; hand it back if the
	// job never makes it onto the queue.
	docID, err := s.store.Repos().Documents.NextID(ctx)
	if err != nil {
		s.accountant.ReleaseIngest(ctx, owner, byteSize)
		return nil, err
	}
	pl.DocID = docID

	body, err := json.Marshal(pl)
	if err != nil {
		s.accountant.ReleaseIngest(ctx, owner, byteSize)
		return nil, err
	}
	job := &storage.Job{
		Task:    ingest.TaskIngestDocument,
		Owner:   owner,
		KBID:    &kb.ID,
		Payload: body,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.accountant.ReleaseIngest(ctx, owner, byteSize)
		return nil, err
	}

	s.log.WithUser(owner).WithKB(kb.ID.String()).Info().
		Str("job_id", job.ID.String()).
		Int64("doc_id", docID).
		Str("source_type", string(req.SourceType)).
		Int("bytes", len(pl.Data)).
		Msg("ingest queued")
	return &IngestReceipt{JobID: job.ID, DocID: docID, KBID: kb.ID}, nil
}
