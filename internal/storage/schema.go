package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates all tables and indexes if they do not exist.
// Column types are chosen so the same DDL runs on both engines; the
// embedding column uses pgvector when the extension is installable and
// falls back to JSON text otherwise.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect, embeddingDim int) error {
	embeddingType := "TEXT"
	if dialect == DialectPostgres {
		// Requires the pgvector extension. Fall back to a JSON text
		// column when the server does not ship it; retrieval then
		// degrades to sparse-only until reindexed.
		if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err == nil {
			embeddingType = fmt.Sprintf("vector(%d)", embeddingDim)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username        TEXT PRIMARY KEY,
			hashed_password TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS knowledge_bases (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			owner          TEXT NOT NULL REFERENCES users(username),
			is_default     BOOLEAN NOT NULL DEFAULT FALSE,
			document_count INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kb_one_default
			ON knowledge_bases(owner) WHERE is_default`,
		`CREATE INDEX IF NOT EXISTS idx_kb_owner ON knowledge_bases(owner)`,

		`CREATE TABLE IF NOT EXISTS id_counters (
			name  TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS documents (
			doc_id          BIGINT PRIMARY KEY,
			kb_id           TEXT NOT NULL REFERENCES knowledge_bases(id),
			owner           TEXT NOT NULL,
			source_type     TEXT NOT NULL,
			filename        TEXT,
			source_url      TEXT,
			skill_level     TEXT NOT NULL,
			chunking_status TEXT NOT NULL,
			summary_status  TEXT NOT NULL,
			chunk_count     INTEGER NOT NULL DEFAULT 0,
			byte_size       BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner)`,

		`CREATE TABLE IF NOT EXISTS vector_documents (
			doc_id       BIGINT PRIMARY KEY REFERENCES documents(doc_id),
			raw_text     TEXT NOT NULL,
			tfidf_vector TEXT
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id              TEXT PRIMARY KEY,
			document_id     BIGINT NOT NULL REFERENCES documents(doc_id),
			kb_id           TEXT NOT NULL,
			chunk_index     INTEGER NOT NULL,
			start_token     INTEGER NOT NULL,
			end_token       INTEGER NOT NULL,
			content         TEXT NOT NULL,
			embedding       %s,
			parent_chunk_id TEXT,
			chunk_type      TEXT NOT NULL,
			concepts        TEXT,
			summary         TEXT,
			created_at      TIMESTAMP NOT NULL,
			UNIQUE (document_id, chunk_index)
		)`, embeddingType),
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_kb_type ON chunks(kb_id, chunk_type)`,

		`CREATE TABLE IF NOT EXISTS concepts (
			id          TEXT PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(doc_id),
			kb_id       TEXT NOT NULL,
			name        TEXT NOT NULL,
			category    TEXT NOT NULL,
			confidence  DOUBLE PRECISION NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			UNIQUE (document_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_concepts_kb_name ON concepts(kb_id, name)`,

		`CREATE TABLE IF NOT EXISTS concept_validations (
			id          TEXT PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(doc_id),
			kb_id       TEXT NOT NULL,
			confidence  DOUBLE PRECISION NOT NULL,
			extraction  TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_concept_validations_kb
			ON concept_validations(kb_id, status)`,

		`CREATE TABLE IF NOT EXISTS clusters (
			id               BIGINT PRIMARY KEY,
			name             TEXT NOT NULL,
			kb_id            TEXT NOT NULL REFERENCES knowledge_bases(id),
			owner            TEXT NOT NULL,
			primary_concepts TEXT NOT NULL,
			skill_level      TEXT NOT NULL,
			doc_ids          TEXT NOT NULL,
			doc_count        INTEGER NOT NULL,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_kb ON clusters(kb_id)`,

		`CREATE TABLE IF NOT EXISTS summaries (
			id            TEXT PRIMARY KEY,
			document_id   BIGINT NOT NULL REFERENCES documents(doc_id),
			kb_id         TEXT NOT NULL,
			chunk_id      TEXT,
			parent_id     TEXT,
			level         INTEGER NOT NULL,
			short_summary TEXT NOT NULL,
			long_summary  TEXT,
			key_concepts  TEXT,
			tech_stack    TEXT,
			skill_profile TEXT,
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_document ON summaries(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_kb_level ON summaries(kb_id, level)`,

		`CREATE TABLE IF NOT EXISTS idea_seeds (
			id                  TEXT PRIMARY KEY,
			kb_id               TEXT NOT NULL REFERENCES knowledge_bases(id),
			owner               TEXT NOT NULL,
			document_id         BIGINT,
			title               TEXT NOT NULL,
			description         TEXT NOT NULL,
			difficulty          TEXT NOT NULL,
			feasibility         DOUBLE PRECISION NOT NULL,
			effort_estimate     TEXT NOT NULL,
			referenced_sections TEXT,
			status              TEXT NOT NULL,
			created_at          TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idea_seeds_kb ON idea_seeds(kb_id)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			task             TEXT NOT NULL,
			state            TEXT NOT NULL,
			progress_percent INTEGER NOT NULL DEFAULT 0,
			message          TEXT NOT NULL DEFAULT '',
			payload          TEXT NOT NULL,
			result           TEXT,
			error            TEXT,
			owner            TEXT NOT NULL,
			kb_id            TEXT,
			attempts         INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL DEFAULT 3,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			next_run_at      TIMESTAMP NOT NULL,
			started_at       TIMESTAMP,
			finished_at      TIMESTAMP,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs(state, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner, created_at)`,

		`CREATE TABLE IF NOT EXISTS usage_records (
			id                 TEXT PRIMARY KEY,
			owner              TEXT NOT NULL REFERENCES users(username),
			subscription_id    TEXT,
			period_start       TIMESTAMP NOT NULL,
			period_end         TIMESTAMP NOT NULL,
			api_calls          BIGINT NOT NULL DEFAULT 0,
			documents_uploaded BIGINT NOT NULL DEFAULT 0,
			ai_requests        BIGINT NOT NULL DEFAULT 0,
			storage_bytes      BIGINT NOT NULL DEFAULT 0,
			search_queries     BIGINT NOT NULL DEFAULT 0,
			build_suggestions  BIGINT NOT NULL DEFAULT 0,
			created_at         TIMESTAMP NOT NULL,
			updated_at         TIMESTAMP NOT NULL,
			UNIQUE (owner, period_start)
		)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id             TEXT PRIMARY KEY,
			owner          TEXT NOT NULL UNIQUE REFERENCES users(username),
			plan           TEXT NOT NULL,
			status         TEXT NOT NULL,
			limit_override TEXT,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	// Counter rows backing monotonic ID allocation.
	for _, name := range []string{"doc_id", "cluster_id"} {
		seed := `
			INSERT INTO id_counters (name, value) VALUES ($1, 0)
			ON CONFLICT (name) DO NOTHING
		`
		if _, err := db.ExecContext(ctx, seed, name); err != nil {
			return fmt.Errorf("seed id counter %s: %w", name, err)
		}
	}

	return nil
}
