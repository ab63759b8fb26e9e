package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConceptRepository handles extracted concepts and flagged validations.
type ConceptRepository struct {
	db DB
}

// NewConceptRepository creates a new concept repository.
func NewConceptRepository(db DB) *ConceptRepository {
	return &ConceptRepository{db: db}
}

// CreateBatch inserts extracted concepts for a document. Re-ingested
// duplicates are ignored so job retries stay idempotent.
func (r *ConceptRepository) CreateBatch(ctx context.Context, concepts []*Concept) error {
	query := `
		INSERT INTO concepts (id, document_id, kb_id, name, category, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, name) DO NOTHING
	`
	for _, c := range concepts {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.KBID, c.Name, c.Category, c.Confidence, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert concept %q: %w", c.Name, err)
		}
	}
	return nil
}

const conceptColumns = `id, document_id, kb_id, name, category, confidence, created_at`

func scanConcept(scan func(...interface{}) error) (*Concept, error) {
	c := &Concept{}
	err := scan(&c.ID, &c.DocumentID, &c.KBID, &c.Name, &c.Category, &c.Confidence, &c.CreatedAt)
	return c, err
}

// ListByDocument lists concepts of a document, highest confidence first.
func (r *ConceptRepository) ListByDocument(ctx context.Context, docID int64) ([]*Concept, error) {
	query := `SELECT ` + conceptColumns + ` FROM concepts WHERE document_id = $1 ORDER BY confidence DESC, name`
	return r.queryConcepts(ctx, query, docID)
}

// ListByKB lists all concepts in a knowledge base.
func (r *ConceptRepository) ListByKB(ctx context.Context, kbID uuid.UUID) ([]*Concept, error) {
	query := `SELECT ` + conceptColumns + ` FROM concepts WHERE kb_id = $1 ORDER BY document_id, confidence DESC`
	return r.queryConcepts(ctx, query, kbID)
}

func (r *ConceptRepository) queryConcepts(ctx context.Context, query string, args ...interface{}) ([]*Concept, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var concepts []*Concept
	for rows.Next() {
		c, err := scanConcept(rows.Scan)
		if err != nil {
			return nil, err
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

// DistinctCountByKB counts distinct concept names in a knowledge base.
func (r *ConceptRepository) DistinctCountByKB(ctx context.Context, kbID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT name) FROM concepts WHERE kb_id = $1`, kbID,
	).Scan(&n)
	return n, err
}

// ConceptFrequency aggregates one concept name across documents.
type ConceptFrequency struct {
	Name          string          `json:"name"`
	Category      ConceptCategory `json:"category"`
	DocumentCount int64           `json:"document_count"`
	MaxConfidence float64         `json:"max_confidence"`
}

// TopByKB returns the most common concepts in a knowledge base, by the
// number of documents mentioning them.
func (r *ConceptRepository) TopByKB(ctx context.Context, kbID uuid.UUID, limit int) ([]*ConceptFrequency, error) {
	query := `
		SELECT name, MIN(category), COUNT(DISTINCT document_id), MAX(confidence)
		FROM concepts
		WHERE kb_id = $1
		GROUP BY name
		ORDER BY COUNT(DISTINCT document_id) DESC, MAX(confidence) DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, kbID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var freqs []*ConceptFrequency
	for rows.Next() {
		f := &ConceptFrequency{}
		if err := rows.Scan(&f.Name, &f.Category, &f.DocumentCount, &f.MaxConfidence); err != nil {
			return nil, err
		}
		freqs = append(freqs, f)
	}
	return freqs, rows.Err()
}

// FlagForValidation stores a low-confidence extraction for later review.
func (r *ConceptRepository) FlagForValidation(ctx context.Context, v *ConceptValidation) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = ValidationStatusPending
	}
	v.CreatedAt = time.Now()

	query := `
		INSERT INTO concept_validations (id, document_id, kb_id, confidence, extraction, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.DocumentID, v.KBID, v.Confidence, rawText(v.Extraction), v.Status, v.CreatedAt,
	)
	return err
}

// ListPendingValidations returns flagged extractions awaiting review.
func (r *ConceptRepository) ListPendingValidations(ctx context.Context, kbID uuid.UUID, limit int) ([]*ConceptValidation, error) {
	query := `
		SELECT id, document_id, kb_id, confidence, extraction, status, created_at
		FROM concept_validations
		WHERE kb_id = $1 AND status = $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, kbID, ValidationStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vals []*ConceptValidation
	for rows.Next() {
		v := &ConceptValidation{}
		var extraction sql.NullString
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.KBID, &v.Confidence, &extraction, &v.Status, &v.CreatedAt); err != nil {
			return nil, err
		}
		if extraction.Valid {
			v.Extraction = []byte(extraction.String)
		}
		vals = append(vals, v)
	}
	return vals, rows.Err()
}

// SummaryRepository handles the summary hierarchy.
type SummaryRepository struct {
	db DB
}

// NewSummaryRepository creates a new summary repository.
func NewSummaryRepository(db DB) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// CreateBatch inserts summary nodes. Insertion order does not matter;
// rows carry explicit parent IDs.
func (r *SummaryRepository) CreateBatch(ctx context.Context, summaries []*Summary) error {
	query := `
		INSERT INTO summaries (id, document_id, kb_id, chunk_id, parent_id, level,
			short_summary, long_summary, key_concepts, tech_stack, skill_profile, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, s := range summaries {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, query,
			s.ID, s.DocumentID, s.KBID, s.ChunkID, s.ParentID, s.Level,
			s.ShortSummary, s.LongSummary, jsonText(s.KeyConcepts),
			jsonText(s.TechStack), rawText(s.SkillProfile), s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert summary level %d: %w", s.Level, err)
		}
	}
	return nil
}

const summaryColumns = `id, document_id, kb_id, chunk_id, parent_id, level,
	short_summary, long_summary, key_concepts, tech_stack, skill_profile, created_at`

func scanSummary(scan func(...interface{}) error) (*Summary, error) {
	s := &Summary{}
	var keyConcepts, techStack, skillProfile sql.NullString
	err := scan(
		&s.ID, &s.DocumentID, &s.KBID, &s.ChunkID, &s.ParentID, &s.Level,
		&s.ShortSummary, &s.LongSummary, &keyConcepts, &techStack, &skillProfile,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if keyConcepts.Valid {
		s.KeyConcepts = decodeStrings([]byte(keyConcepts.String))
	}
	if techStack.Valid {
		s.TechStack = decodeStrings([]byte(techStack.String))
	}
	if skillProfile.Valid {
		s.SkillProfile = []byte(skillProfile.String)
	}
	return s, nil
}

// ListByDocument lists the full summary tree of a document, roots last.
func (r *SummaryRepository) ListByDocument(ctx context.Context, docID int64) ([]*Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM summaries WHERE document_id = $1 ORDER BY level, created_at`
	return r.querySummaries(ctx, query, docID)
}

// ListByKBAndLevel lists summaries of one level across a knowledge base.
// The suggester reads level-3 rows to ground its prompts.
func (r *SummaryRepository) ListByKBAndLevel(ctx context.Context, kbID uuid.UUID, level SummaryLevel) ([]*Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM summaries WHERE kb_id = $1 AND level = $2 ORDER BY document_id`
	return r.querySummaries(ctx, query, kbID, level)
}

// GetDocumentSummary returns the level-3 root summary of a document.
func (r *SummaryRepository) GetDocumentSummary(ctx context.Context, docID int64) (*Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM summaries WHERE document_id = $1 AND level = $2`
	s, err := scanSummary(r.db.QueryRowContext(ctx, query, docID, SummaryLevelDocument).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *SummaryRepository) querySummaries(ctx context.Context, query string, args ...interface{}) ([]*Summary, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*Summary
	for rows.Next() {
		s, err := scanSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// IdeaSeedRepository handles persisted build suggestions.
type IdeaSeedRepository struct {
	db DB
}

// NewIdeaSeedRepository creates a new idea seed repository.
func NewIdeaSeedRepository(db DB) *IdeaSeedRepository {
	return &IdeaSeedRepository{db: db}
}

// Create persists an idea seed.
func (r *IdeaSeedRepository) Create(ctx context.Context, seed *IdeaSeed) error {
	if seed.ID == uuid.Nil {
		seed.ID = uuid.New()
	}
	if seed.Status == "" {
		seed.Status = IdeaStatusSuggested
	}
	seed.CreatedAt = time.Now()

	query := `
		INSERT INTO idea_seeds (id, kb_id, owner, document_id, title, description,
			difficulty, feasibility, effort_estimate, referenced_sections, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		seed.ID, seed.KBID, seed.Owner, seed.DocumentID, seed.Title, seed.Description,
		seed.Difficulty, seed.Feasibility, seed.EffortEstimate,
		jsonText(seed.ReferencedSections), seed.Status, seed.CreatedAt,
	)
	return err
}

const ideaSeedColumns = `id, kb_id, owner, document_id, title, description,
	difficulty, feasibility, effort_estimate, referenced_sections, status, created_at`

func scanIdeaSeed(scan func(...interface{}) error) (*IdeaSeed, error) {
	seed := &IdeaSeed{}
	var sections sql.NullString
	err := scan(
		&seed.ID, &seed.KBID, &seed.Owner, &seed.DocumentID, &seed.Title,
		&seed.Description, &seed.Difficulty, &seed.Feasibility,
		&seed.EffortEstimate, &sections, &seed.Status, &seed.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sections.Valid {
		seed.ReferencedSections = decodeStrings([]byte(sections.String))
	}
	return seed, nil
}

// Get retrieves an idea seed by ID with owner scoping.
func (r *IdeaSeedRepository) Get(ctx context.Context, owner string, id uuid.UUID) (*IdeaSeed, error) {
	query := `SELECT ` + ideaSeedColumns + ` FROM idea_seeds WHERE id = $1 AND owner = $2`
	seed, err := scanIdeaSeed(r.db.QueryRowContext(ctx, query, id, owner).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return seed, err
}

// ListByKB lists idea seeds in a knowledge base, newest first. An empty
// status matches all statuses.
func (r *IdeaSeedRepository) ListByKB(ctx context.Context, owner string, kbID uuid.UUID, status IdeaStatus) ([]*IdeaSeed, error) {
	query := `SELECT ` + ideaSeedColumns + ` FROM idea_seeds WHERE kb_id = $1 AND owner = $2`
	args := []interface{}{kbID, owner}
	if status != "" {
		query += ` AND status = $3`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seeds []*IdeaSeed
	for rows.Next() {
		seed, err := scanIdeaSeed(rows.Scan)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, rows.Err()
}

// UpdateStatus moves an idea seed through its workflow.
func (r *IdeaSeedRepository) UpdateStatus(ctx context.Context, owner string, id uuid.UUID, status IdeaStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE idea_seeds SET status = $1 WHERE id = $2 AND owner = $3`,
		status, id, owner,
	)
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
