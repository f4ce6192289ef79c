package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS learnings (
	seq          INTEGER PRIMARY KEY,
	id           TEXT    NOT NULL UNIQUE,
	session_id   TEXT    NOT NULL,
	project      TEXT    NOT NULL,
	content      TEXT    NOT NULL,
	content_hash TEXT    NOT NULL,
	type         TEXT    NOT NULL,
	context      TEXT    NOT NULL DEFAULT '',
	tags         TEXT    NOT NULL DEFAULT '[]',
	confidence   TEXT    NOT NULL,
	created_at   INTEGER NOT NULL,
	metadata     TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_learnings_project ON learnings(project, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_learnings_hash    ON learnings(project, content_hash);

CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
	content,
	context,
	tags,
	content='learnings',
	content_rowid='seq',
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS learnings_fts_insert AFTER INSERT ON learnings BEGIN
	INSERT INTO learnings_fts(rowid, content, context, tags)
	VALUES (new.seq, new.content, new.context, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS learnings_fts_delete AFTER DELETE ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, content, context, tags)
	VALUES ('delete', old.seq, old.content, old.context, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS learnings_fts_update AFTER UPDATE OF content, context, tags ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, content, context, tags)
	VALUES ('delete', old.seq, old.content, old.context, old.tags);
	INSERT INTO learnings_fts(rowid, content, context, tags)
	VALUES (new.seq, new.content, new.context, new.tags);
END;

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	project        TEXT    NOT NULL,
	working_on     TEXT    NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat ON sessions(project, last_heartbeat);

CREATE TABLE IF NOT EXISTS file_claims (
	file_path  TEXT    NOT NULL,
	project    TEXT    NOT NULL,
	session_id TEXT    NOT NULL,
	claimed_at INTEGER NOT NULL,
	PRIMARY KEY (file_path, project)
);

CREATE INDEX IF NOT EXISTS idx_claims_session ON file_claims(session_id);

CREATE TABLE IF NOT EXISTS handoffs (
	seq           INTEGER PRIMARY KEY,
	id            TEXT    NOT NULL UNIQUE,
	session_id    TEXT    NOT NULL,
	project       TEXT    NOT NULL,
	content       TEXT    NOT NULL,
	created_at    INTEGER NOT NULL,
	outcome       TEXT    NOT NULL DEFAULT 'UNKNOWN',
	outcome_notes TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_handoffs_project ON handoffs(project, created_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS handoffs_fts USING fts5(
	content,
	content='handoffs',
	content_rowid='seq',
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS handoffs_fts_insert AFTER INSERT ON handoffs BEGIN
	INSERT INTO handoffs_fts(rowid, content) VALUES (new.seq, new.content);
END;

CREATE TRIGGER IF NOT EXISTS handoffs_fts_delete AFTER DELETE ON handoffs BEGIN
	INSERT INTO handoffs_fts(handoffs_fts, rowid, content) VALUES ('delete', old.seq, old.content);
END;
`
