package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// vectorArg converts an embedding to a database argument. Both engines
// receive the pgvector text form; the JSON-fallback column stores it as-is.
func vectorArg(emb []float32) interface{} {
	if len(emb) == 0 {
		return nil
	}
	return pgvector.NewVector(emb)
}

// scanVector parses an embedding column back into a float32 slice.
func scanVector(ns sql.NullString) []float32 {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var v pgvector.Vector
	if err := v.Parse(ns.String); err != nil {
		return nil
	}
	return v.Slice()
}

// DocumentRepository handles document CRUD operations.
type DocumentRepository struct {
	db      DB
	dialect Dialect
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB, dialect Dialect) *DocumentRepository {
	return &DocumentRepository{db: db, dialect: dialect}
}

// NextID allocates the next document ID from the database counter.
// The atomic UPDATE keeps IDs monotonic under concurrent workers.
func (r *DocumentRepository) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE id_counters SET value = value + 1 WHERE name = $1 RETURNING value`,
		"doc_id",
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate doc id: %w", err)
	}
	return id, nil
}

// Create creates a new document. DocID must already be allocated.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.DocID == 0 {
		return fmt.Errorf("document id not allocated")
	}
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = time.Now()

	query := `
		INSERT INTO documents (doc_id, kb_id, owner, source_type, filename, source_url,
			skill_level, chunking_status, summary_status, chunk_count, byte_size,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.DocID, doc.KBID, doc.Owner, doc.SourceType, doc.Filename, doc.SourceURL,
		doc.SkillLevel, doc.ChunkingStatus, doc.SummaryStatus, doc.ChunkCount,
		doc.ByteSize, doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

const documentColumns = `doc_id, kb_id, owner, source_type, filename, source_url,
	skill_level, chunking_status, summary_status, chunk_count, byte_size,
	created_at, updated_at`

func scanDocument(scan func(...interface{}) error) (*Document, error) {
	doc := &Document{}
	err := scan(
		&doc.DocID, &doc.KBID, &doc.Owner, &doc.SourceType, &doc.Filename, &doc.SourceURL,
		&doc.SkillLevel, &doc.ChunkingStatus, &doc.SummaryStatus, &doc.ChunkCount,
		&doc.ByteSize, &doc.CreatedAt, &doc.UpdatedAt,
	)
	return doc, err
}

// GetByID retrieves a document by ID with owner scoping.
func (r *DocumentRepository) GetByID(ctx context.Context, owner string, docID int64) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE doc_id = $1 AND owner = $2`
	doc, err := scanDocument(r.db.QueryRowContext(ctx, query, docID, owner).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// ListByKB lists documents in a knowledge base, newest first.
func (r *DocumentRepository) ListByKB(ctx context.Context, owner string, kbID uuid.UUID, limit, offset int) ([]*Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE kb_id = $1 AND owner = $2
		ORDER BY doc_id DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, kbID, owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GetMany retrieves documents by ID with owner scoping, preserving the
// input order. Unknown IDs are skipped.
func (r *DocumentRepository) GetMany(ctx context.Context, owner string, docIDs []int64) ([]*Document, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(docIDs))
	args := make([]interface{}, 0, len(docIDs)+1)
	args = append(args, owner)
	for i, id := range docIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE owner = $1 AND doc_id IN (` +
		strings.Join(placeholders, ", ") + `)`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*Document, len(docIDs))
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		byID[doc.DocID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	docs := make([]*Document, 0, len(byID))
	for _, id := range docIDs {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// UpdateStages updates the pipeline stage fields of a document.
func (r *DocumentRepository) UpdateStages(ctx context.Context, docID int64, chunking, summary StageStatus, chunkCount int, skill SkillLevel) error {
	query := `
		UPDATE documents
		SET chunking_status = $1, summary_status = $2, chunk_count = $3,
			skill_level = $4, updated_at = $5
		WHERE doc_id = $6
	`
	result, err := r.db.ExecContext(ctx, query, chunking, summary, chunkCount, skill, time.Now(), docID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByKB counts documents in a knowledge base.
func (r *DocumentRepository) CountByKB(ctx context.Context, kbID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE kb_id = $1`, kbID,
	).Scan(&n)
	return n, err
}

// TotalContentLength sums the extracted text length over a knowledge base.
func (r *DocumentRepository) TotalContentLength(ctx context.Context, kbID uuid.UUID) (int64, error) {
	var n sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(LENGTH(v.raw_text))
		FROM vector_documents v
		JOIN documents d ON d.doc_id = v.doc_id
		WHERE d.kb_id = $1
	`, kbID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// VectorDocumentRepository handles raw text and sparse vector storage.
type VectorDocumentRepository struct {
	db DB
}

// NewVectorDocumentRepository creates a new vector document repository.
func NewVectorDocumentRepository(db DB) *VectorDocumentRepository {
	return &VectorDocumentRepository{db: db}
}

// Create creates the vector document row for a document.
func (r *VectorDocumentRepository) Create(ctx context.Context, vd *VectorDocument) error {
	query := `
		INSERT INTO vector_documents (doc_id, raw_text, tfidf_vector)
		VALUES ($1, $2, $3)
	`
	_, err := r.db.ExecContext(ctx, query, vd.DocID, vd.RawText, rawText(vd.TFIDFVector))
	return err
}

// GetByDocument retrieves the vector document for a document.
func (r *VectorDocumentRepository) GetByDocument(ctx context.Context, docID int64) (*VectorDocument, error) {
	query := `SELECT doc_id, raw_text, tfidf_vector FROM vector_documents WHERE doc_id = $1`

	vd := &VectorDocument{}
	var tfidf sql.NullString
	err := r.db.QueryRowContext(ctx, query, docID).Scan(&vd.DocID, &vd.RawText, &tfidf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tfidf.Valid {
		vd.TFIDFVector = json.RawMessage(tfidf.String)
	}
	return vd, nil
}

// ListByKB returns all vector documents in a knowledge base, used to
// rebuild the sparse model.
func (r *VectorDocumentRepository) ListByKB(ctx context.Context, kbID uuid.UUID) ([]*VectorDocument, error) {
	query := `
		SELECT v.doc_id, v.raw_text, v.tfidf_vector
		FROM vector_documents v
		JOIN documents d ON d.doc_id = v.doc_id
		WHERE d.kb_id = $1
		ORDER BY v.doc_id
	`
	rows, err := r.db.QueryContext(ctx, query, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vds []*VectorDocument
	for rows.Next() {
		vd := &VectorDocument{}
		var tfidf sql.NullString
		if err := rows.Scan(&vd.DocID, &vd.RawText, &tfidf); err != nil {
			return nil, err
		}
		if tfidf.Valid {
			vd.TFIDFVector = json.RawMessage(tfidf.String)
		}
		vds = append(vds, vd)
	}
	return vds, rows.Err()
}

// UpdateTFIDF stores the recomputed sparse vector for a document.
func (r *VectorDocumentRepository) UpdateTFIDF(ctx context.Context, docID int64, vector json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE vector_documents SET tfidf_vector = $1 WHERE doc_id = $2`,
		rawText(vector), docID,
	)
	return err
}

// ChunkRepository handles chunk CRUD operations.
type ChunkRepository struct {
	db      DB
	dialect Dialect
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db DB, dialect Dialect) *ChunkRepository {
	return &ChunkRepository{db: db, dialect: dialect}
}

// CreateBatch inserts a set of chunks. Callers run this inside the
// ingest transaction so parents and children land together.
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []*Chunk) error {
	query := `
		INSERT INTO chunks (id, document_id, kb_id, chunk_index, start_token, end_token,
			content, embedding, parent_chunk_id, chunk_type, concepts, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.KBID, c.ChunkIndex, c.StartToken, c.EndToken,
			c.Content, vectorArg(c.Embedding), c.ParentChunkID, c.ChunkType,
			jsonText(c.Concepts), c.Summary, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d/%d: %w", c.DocumentID, c.ChunkIndex, err)
		}
	}
	return nil
}

const chunkColumns = `id, document_id, kb_id, chunk_index, start_token, end_token,
	content, embedding, parent_chunk_id, chunk_type, concepts, summary, created_at`

func scanChunk(scan func(...interface{}) error) (*Chunk, error) {
	c := &Chunk{}
	var embedding sql.NullString
	var concepts sql.NullString
	err := scan(
		&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.StartToken, &c.EndToken,
		&c.Content, &embedding, &c.ParentChunkID, &c.ChunkType, &concepts,
		&c.Summary, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Embedding = scanVector(embedding)
	if concepts.Valid {
		c.Concepts = decodeStrings([]byte(concepts.String))
	}
	return c, nil
}

// ListByDocument lists chunks of a document in index order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, docID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE document_id = $1 ORDER BY chunk_index`
	return r.queryChunks(ctx, query, docID)
}

// ListByKBAndType lists all chunks of one type within a knowledge base.
// Used to hydrate the dense index with child chunks.
func (r *ChunkRepository) ListByKBAndType(ctx context.Context, kbID uuid.UUID, chunkType ChunkType) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE kb_id = $1 AND chunk_type = $2 ORDER BY document_id, chunk_index`
	return r.queryChunks(ctx, query, kbID, chunkType)
}

// CountByKBAndType counts chunks of one type within a knowledge base.
// Cheap staleness probe for the in-memory retrieval indexes.
func (r *ChunkRepository) CountByKBAndType(ctx context.Context, kbID uuid.UUID, chunkType ChunkType) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE kb_id = $1 AND chunk_type = $2`,
		kbID, chunkType,
	).Scan(&n)
	return n, err
}

// GetByIDs retrieves chunks by ID, preserving input order.
func (r *ChunkRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id IN (` +
		strings.Join(placeholders, ", ") + `)`
	chunks, err := r.queryChunks(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	ordered := make([]*Chunk, 0, len(chunks))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// UpdateSummary stores the level-1 summary text on a chunk.
func (r *ChunkRepository) UpdateSummary(ctx context.Context, chunkID uuid.UUID, summary string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET summary = $1 WHERE id = $2`, summary, chunkID)
	return err
}

func (r *ChunkRepository) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*Chunk, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteDocumentCascade removes a document and everything it owns:
// chunks, summaries, concepts, idea seeds, the vector document, and its
// cluster membership. Callers wrap this in a transaction. The deleted
// document is returned for cache invalidation and usage adjustments.
func (r *Repositories) DeleteDocumentCascade(ctx context.Context, owner string, docID int64) (*Document, error) {
	doc, err := r.Documents.GetByID(ctx, owner, docID)
	if err != nil {
		return nil, err
	}

	deletes := []string{
		`DELETE FROM chunks WHERE document_id = $1`,
		`DELETE FROM summaries WHERE document_id = $1`,
		`DELETE FROM concepts WHERE document_id = $1`,
		`DELETE FROM concept_validations WHERE document_id = $1`,
		`DELETE FROM idea_seeds WHERE document_id = $1`,
		`DELETE FROM vector_documents WHERE doc_id = $1`,
	}
	for _, q := range deletes {
		if _, err := r.Documents.db.ExecContext(ctx, q, docID); err != nil {
			return nil, err
		}
	}

	if err := r.Clusters.RemoveDocument(ctx, doc.KBID, docID); err != nil {
		return nil, err
	}

	if _, err := r.Documents.db.ExecContext(ctx,
		`DELETE FROM documents WHERE doc_id = $1`, docID); err != nil {
		return nil, err
	}

	if err := r.KnowledgeBases.AdjustDocumentCount(ctx, doc.KBID, -1); err != nil {
		return nil, err
	}
	return doc, nil
}

// AttachClusters joins documents with their owning clusters.
func (r *Repositories) AttachClusters(ctx context.Context, kbID uuid.UUID, docs []*Document) ([]*DocumentWithCluster, error) {
	clusters, err := r.Clusters.ListByKB(ctx, kbID)
	if err != nil {
		return nil, err
	}

	clusterOf := make(map[int64]*Cluster)
	for _, c := range clusters {
		for _, id := range c.DocIDs {
			clusterOf[id] = c
		}
	}

	out := make([]*DocumentWithCluster, 0, len(docs))
	for _, d := range docs {
		dc := &DocumentWithCluster{Document: *d}
		if c, ok := clusterOf[d.DocID]; ok {
			dc.ClusterID = &c.ID
			dc.ClusterName = &c.Name
		}
		out = append(out, dc)
	}
	return out, nil
}
