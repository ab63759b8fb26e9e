package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClusterRepository handles cluster CRUD and membership changes.
// Membership writes run inside transactions with row locks so concurrent
// ingest workers never double-admit or lose documents.
type ClusterRepository struct {
	db      DB
	dialect Dialect
}

// NewClusterRepository creates a new cluster repository.
func NewClusterRepository(db DB, dialect Dialect) *ClusterRepository {
	return &ClusterRepository{db: db, dialect: dialect}
}

// NextID allocates the next cluster ID from the database counter.
func (r *ClusterRepository) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE id_counters SET value = value + 1 WHERE name = $1 RETURNING value`,
		"cluster_id",
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate cluster id: %w", err)
	}
	return id, nil
}

// Create creates a new cluster. ID must already be allocated.
func (r *ClusterRepository) Create(ctx context.Context, c *Cluster) error {
	if c.ID == 0 {
		return fmt.Errorf("cluster id not allocated")
	}
	c.DocCount = len(c.DocIDs)
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()

	query := `
		INSERT INTO clusters (id, name, kb_id, owner, primary_concepts, skill_level,
			doc_ids, doc_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Name, c.KBID, c.Owner, jsonText(c.PrimaryConcepts), c.SkillLevel,
		jsonText(c.DocIDs), c.DocCount, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const clusterColumns = `id, name, kb_id, owner, primary_concepts, skill_level,
	doc_ids, doc_count, created_at, updated_at`

func scanCluster(scan func(...interface{}) error) (*Cluster, error) {
	c := &Cluster{}
	var concepts, docIDs sql.NullString
	err := scan(
		&c.ID, &c.Name, &c.KBID, &c.Owner, &concepts, &c.SkillLevel,
		&docIDs, &c.DocCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if concepts.Valid {
		c.PrimaryConcepts = decodeStrings([]byte(concepts.String))
	}
	if docIDs.Valid {
		c.DocIDs = decodeInt64s([]byte(docIDs.String))
	}
	return c, nil
}

// GetByID retrieves a cluster by ID with owner scoping.
func (r *ClusterRepository) GetByID(ctx context.Context, owner string, id int64) (*Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE id = $1 AND owner = $2`
	c, err := scanCluster(r.db.QueryRowContext(ctx, query, id, owner).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListByKB lists clusters in a knowledge base, largest first.
func (r *ClusterRepository) ListByKB(ctx context.Context, kbID uuid.UUID) ([]*Cluster, error) {
	return r.listByKB(ctx, kbID, false)
}

// ListByKBLocked lists clusters in a knowledge base holding row locks.
// Must run inside a transaction; the admit flow uses it so two documents
// arriving together cannot both create a near-duplicate cluster.
func (r *ClusterRepository) ListByKBLocked(ctx context.Context, kbID uuid.UUID) ([]*Cluster, error) {
	return r.listByKB(ctx, kbID, true)
}

func (r *ClusterRepository) listByKB(ctx context.Context, kbID uuid.UUID, locked bool) ([]*Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE kb_id = $1 ORDER BY doc_count DESC, id`
	if locked {
		query += r.dialect.forUpdate()
	}
	rows, err := r.db.QueryContext(ctx, query, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows.Scan)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// UpdateMembership persists the full mutable state of a cluster after an
// admit, split, or removal recomputed it.
func (r *ClusterRepository) UpdateMembership(ctx context.Context, c *Cluster) error {
	c.DocCount = len(c.DocIDs)
	c.UpdatedAt = time.Now()

	query := `
		UPDATE clusters
		SET name = $1, primary_concepts = $2, skill_level = $3,
			doc_ids = $4, doc_count = $5, updated_at = $6
		WHERE id = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		c.Name, jsonText(c.PrimaryConcepts), c.SkillLevel,
		jsonText(c.DocIDs), c.DocCount, c.UpdatedAt, c.ID,
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

// RemoveDocument pulls a document out of whichever cluster holds it.
// Clusters emptied by the removal are deleted. A document that was never
// clustered is not an error.
func (r *ClusterRepository) RemoveDocument(ctx context.Context, kbID uuid.UUID, docID int64) error {
	clusters, err := r.listByKB(ctx, kbID, true)
	if err != nil {
		return err
	}
	for _, c := range clusters {
		idx := -1
		for i, id := range c.DocIDs {
			if id == docID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		c.DocIDs = append(c.DocIDs[:idx], c.DocIDs[idx+1:]...)
		if len(c.DocIDs) == 0 {
			return r.Delete(ctx, c.ID)
		}
		return r.UpdateMembership(ctx, c)
	}
	return nil
}

// Delete removes a cluster row.
func (r *ClusterRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id)
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

// CountByKB counts clusters in a knowledge base.
func (r *ClusterRepository) CountByKB(ctx context.Context, kbID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clusters WHERE kb_id = $1`, kbID,
	).Scan(&n)
	return n, err
}

// ListOversized returns clusters at or above the split threshold,
// scanned across all knowledge bases by the background splitter.
func (r *ClusterRepository) ListOversized(ctx context.Context, threshold int) ([]*Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE doc_count >= $1 ORDER BY doc_count DESC`
	rows, err := r.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows.Scan)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}
