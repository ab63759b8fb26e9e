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
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
	ErrNotOwner = errors.New("record owned by another user")
)

// Dialect identifies the SQL dialect in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// forUpdate returns the row-lock clause for the dialect. SQLite writers
// are serialized by the engine, so no clause is needed there.
func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// DB represents a database connection interface. Both *sql.DB and
// *sql.Tx satisfy it, so repositories run inside or outside transactions.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store owns the database handle and hands out repositories.
type Store struct {
	db      *sql.DB
	dialect Dialect
	repos   *Repositories
}

// Open connects to the database identified by driver ("sqlite" or
// "postgres") and dsn, and applies connection pool settings.
func Open(driver, dsn string) (*Store, error) {
	var (
		sqlDriver string
		dialect   Dialect
	)
	switch driver {
	case "sqlite":
		sqlDriver, dialect = "sqlite3", DialectSQLite
	case "postgres":
		sqlDriver, dialect = "postgres", DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// Single writer keeps go-sqlite3 from returning SQLITE_BUSY
		// under concurrent workers.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply pragma: %w", err)
			}
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{db: db, dialect: dialect}
	s.repos = NewRepositories(db, dialect)
	return s, nil
}

// DB exposes the raw handle for callers that manage their own statements.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Repos returns the shared repository bundle bound to the pool.
func (s *Store) Repos() *Repositories { return s.repos }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction and commits if fn returns nil.
// Postgres transactions run serializable; serialization failures are
// retried a bounded number of times.
func (s *Store) WithTx(ctx context.Context, fn func(*Repositories) error) error {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isSerializationFailure(err) {
			return err
		}
	}
	return lastErr
}

func (s *Store) runTx(ctx context.Context, fn func(*Repositories) error) error {
	opts := &sql.TxOptions{}
	if s.dialect == DialectPostgres {
		opts.Isolation = sql.LevelSerializable
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(NewRepositories(tx, s.dialect)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isSerializationFailure reports whether err is a Postgres
// serialization_failure (SQLSTATE 40001).
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

// jsonText marshals v to a JSON string for storage in a text column.
func jsonText(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// rawText converts a raw JSON blob to a nullable text argument.
func rawText(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// decodeStrings unmarshals a JSON text column into a string slice.
func decodeStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(raw, &out)
	return out
}

// decodeInt64s unmarshals a JSON text column into an int64 slice.
func decodeInt64s(raw []byte) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var out []int64
	_ = json.Unmarshal(raw, &out)
	return out
}

// UserRepository handles user accounts.
type UserRepository struct {
	db DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO users (username, hashed_password, created_at)
		VALUES ($1, $2, $3)
	`
	_, err := r.db.ExecContext(ctx, query, user.Username, user.HashedPassword, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT username, hashed_password, created_at
		FROM users WHERE username = $1
	`
	user := &User{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.Username, &user.HashedPassword, &user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return user, err
}

// EnsureExists creates the user if it is not present. Used by the dev
// identity path where users arrive from an external identity provider.
func (r *UserRepository) EnsureExists(ctx context.Context, username string) error {
	query := `
		INSERT INTO users (username, hashed_password, created_at)
		VALUES ($1, '', $2)
		ON CONFLICT (username) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, username, time.Now())
	return err
}

// Delete removes a user row. Owned knowledge bases must be removed first
// via the knowledge base repository so their documents cascade properly.
func (r *UserRepository) Delete(ctx context.Context, username string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
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

// KnowledgeBaseRepository handles knowledge base CRUD operations.
type KnowledgeBaseRepository struct {
	db      DB
	dialect Dialect
}

// NewKnowledgeBaseRepository creates a new knowledge base repository.
func NewKnowledgeBaseRepository(db DB, dialect Dialect) *KnowledgeBaseRepository {
	return &KnowledgeBaseRepository{db: db, dialect: dialect}
}

// Create creates a new knowledge base.
func (r *KnowledgeBaseRepository) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	kb.CreatedAt = time.Now()
	kb.UpdatedAt = time.Now()

	query := `
		INSERT INTO knowledge_bases (id, name, owner, is_default, document_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		kb.ID, kb.Name, kb.Owner, kb.IsDefault, kb.DocumentCount,
		kb.CreatedAt, kb.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a knowledge base by ID with owner scoping.
func (r *KnowledgeBaseRepository) GetByID(ctx context.Context, owner string, id uuid.UUID) (*KnowledgeBase, error) {
	query := `
		SELECT id, name, owner, is_default, document_count, created_at, updated_at
		FROM knowledge_bases WHERE id = $1 AND owner = $2
	`
	kb := &KnowledgeBase{}
	err := r.db.QueryRowContext(ctx, query, id, owner).Scan(
		&kb.ID, &kb.Name, &kb.Owner, &kb.IsDefault, &kb.DocumentCount,
		&kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return kb, err
}

// GetDefault retrieves the default knowledge base for a user, creating
// it when the user has none.
func (r *KnowledgeBaseRepository) GetDefault(ctx context.Context, owner string) (*KnowledgeBase, error) {
	query := `
		SELECT id, name, owner, is_default, document_count, created_at, updated_at
		FROM knowledge_bases WHERE owner = $1 AND is_default
	`
	kb := &KnowledgeBase{}
	err := r.db.QueryRowContext(ctx, query, owner).Scan(
		&kb.ID, &kb.Name, &kb.Owner, &kb.IsDefault, &kb.DocumentCount,
		&kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		kb = &KnowledgeBase{Name: "default", Owner: owner, IsDefault: true}
		if createErr := r.Create(ctx, kb); createErr != nil {
			// A concurrent request may have created it first.
			if errors.Is(createErr, ErrConflict) {
				return r.GetDefault(ctx, owner)
			}
			return nil, createErr
		}
		return kb, nil
	}
	return kb, err
}

// ListByOwner lists all knowledge bases owned by a user.
func (r *KnowledgeBaseRepository) ListByOwner(ctx context.Context, owner string) ([]*KnowledgeBase, error) {
	query := `
		SELECT id, name, owner, is_default, document_count, created_at, updated_at
		FROM knowledge_bases
		WHERE owner = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []*KnowledgeBase
	for rows.Next() {
		kb := &KnowledgeBase{}
		if err := rows.Scan(
			&kb.ID, &kb.Name, &kb.Owner, &kb.IsDefault, &kb.DocumentCount,
			&kb.CreatedAt, &kb.UpdatedAt,
		); err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// CountByOwner counts knowledge bases owned by a user.
func (r *KnowledgeBaseRepository) CountByOwner(ctx context.Context, owner string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_bases WHERE owner = $1`, owner,
	).Scan(&n)
	return n, err
}

// AdjustDocumentCount applies a delta to document_count. Runs inside the
// same transaction as the document write that caused it.
func (r *KnowledgeBaseRepository) AdjustDocumentCount(ctx context.Context, id uuid.UUID, delta int) error {
	query := `
		UPDATE knowledge_bases
		SET document_count = document_count + $1, updated_at = $2
		WHERE id = $3
	`
	result, err := r.db.ExecContext(ctx, query, delta, time.Now(), id)
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

// Rename updates a knowledge base name with owner scoping.
func (r *KnowledgeBaseRepository) Rename(ctx context.Context, owner string, id uuid.UUID, name string) error {
	query := `
		UPDATE knowledge_bases SET name = $1, updated_at = $2
		WHERE id = $3 AND owner = $4
	`
	result, err := r.db.ExecContext(ctx, query, name, time.Now(), id, owner)
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

// Delete removes an empty knowledge base. The default knowledge base
// cannot be deleted.
func (r *KnowledgeBaseRepository) Delete(ctx context.Context, owner string, id uuid.UUID) error {
	kb, err := r.GetByID(ctx, owner, id)
	if err != nil {
		return err
	}
	if kb.IsDefault {
		return ErrConflict
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM knowledge_bases WHERE id = $1 AND owner = $2`, id, owner)
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

// isUniqueViolation reports whether err is a unique constraint violation
// on either supported engine.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// go-sqlite3 reports constraint failures in the error text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Repositories bundles all repositories together.
type Repositories struct {
	Users           *UserRepository
	KnowledgeBases  *KnowledgeBaseRepository
	Documents       *DocumentRepository
	VectorDocuments *VectorDocumentRepository
	Chunks          *ChunkRepository
	Concepts        *ConceptRepository
	Clusters        *ClusterRepository
	Summaries       *SummaryRepository
	IdeaSeeds       *IdeaSeedRepository
	Jobs            *JobRepository
	Usage           *UsageRepository
	Subscriptions   *SubscriptionRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB, dialect Dialect) *Repositories {
	return &Repositories{
		Users:           NewUserRepository(db),
		KnowledgeBases:  NewKnowledgeBaseRepository(db, dialect),
		Documents:       NewDocumentRepository(db, dialect),
		VectorDocuments: NewVectorDocumentRepository(db),
		Chunks:          NewChunkRepository(db, dialect),
		Concepts:        NewConceptRepository(db),
		Clusters:        NewClusterRepository(db, dialect),
		Summaries:       NewSummaryRepository(db),
		IdeaSeeds:       NewIdeaSeedRepository(db),
		Jobs:            NewJobRepository(db, dialect),
		Usage:           NewUsageRepository(db),
		Subscriptions:   NewSubscriptionRepository(db),
	}
}
