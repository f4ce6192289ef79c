package postgres

import "fmt"

// schemaSQL returns the DDL for a deployment of the given dimension. Every
// statement is idempotent.
func schemaSQL(dimension int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS learnings (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	project       TEXT NOT NULL,
	content       TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	type          TEXT NOT NULL,
	context       TEXT NOT NULL DEFAULT '',
	tags          TEXT[] NOT NULL DEFAULT '{}',
	confidence    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	metadata      JSONB NOT NULL DEFAULT '{}',
	embedding     vector(%d),
	search_vector tsvector GENERATED ALWAYS AS (
		to_tsvector('english', content || ' ' || context)
	) STORED
);

CREATE INDEX IF NOT EXISTS learnings_project_idx ON learnings (project, created_at DESC);
CREATE INDEX IF NOT EXISTS learnings_hash_idx ON learnings (project, content_hash);
CREATE INDEX IF NOT EXISTS learnings_search_idx ON learnings USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS learnings_tags_idx ON learnings USING GIN (tags);
CREATE INDEX IF NOT EXISTS learnings_embedding_idx ON learnings USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	project        TEXT NOT NULL,
	working_on     TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	last_heartbeat TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_heartbeat_idx ON sessions (project, last_heartbeat);

CREATE TABLE IF NOT EXISTS file_claims (
	file_path  TEXT NOT NULL,
	project    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (file_path, project)
);

CREATE INDEX IF NOT EXISTS file_claims_session_idx ON file_claims (session_id);

CREATE TABLE IF NOT EXISTS handoffs (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	project       TEXT NOT NULL,
	content       TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	outcome       TEXT NOT NULL DEFAULT 'UNKNOWN',
	outcome_notes TEXT NOT NULL DEFAULT '',
	search_vector tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
);

CREATE INDEX IF NOT EXISTS handoffs_search_idx ON handoffs USING GIN (search_vector);
`, dimension)
}

// dimensionSQL reads the declared dimension of learnings.embedding. pgvector
// stores it as the column type modifier.
const dimensionSQL = `
SELECT atttypmod FROM pg_attribute
WHERE attrelid = 'learnings'::regclass AND attname = 'embedding'`
