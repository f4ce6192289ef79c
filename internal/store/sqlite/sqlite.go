// Package sqlite is a lexical-only backend on pure-Go sqlite with FTS5.
// It needs no server and is the fallback when postgres is unreachable.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// Name identifies this backend in metrics and cache keys.
const Name = "sqlite"

// Store is a sqlite-backed store.Backend.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

var _ store.Backend = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: creating data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; transactions never wait on each other.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return &Store{db: db, path: path, logger: logger}, nil
}

func (s *Store) Name() string { return Name }

func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{Lexical: true}
}

func (s *Store) Kind() store.Kind { return store.KindLexical }

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// DB exposes the handle for variants layered on this store.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// wrap maps driver failures onto the shared error taxonomy.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, learning.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, sql.ErrConnDone),
		strings.Contains(err.Error(), "database is locked"):
		return fmt.Errorf("%w: sqlite %s: %v", learning.ErrBackendUnreachable, op, err)
	default:
		return fmt.Errorf("sqlite %s: %w", op, err)
	}
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

const learningCols = `l.id, l.session_id, l.project, l.content, l.type, l.context, l.tags, l.confidence, l.created_at, l.metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanLearning(sc scanner, extra ...any) (*learning.Learning, error) {
	var (
		l         learning.Learning
		tags, md  string
		createdAt int64
	)
	dest := []any{&l.ID, &l.SessionID, &l.Project, &l.Content, &l.Type, &l.Context, &tags, &l.Confidence, &createdAt, &md}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	l.CreatedAt = fromNanos(createdAt)
	if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if len(l.Tags) == 0 {
		l.Tags = nil
	}
	if err := json.Unmarshal([]byte(md), &l.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if len(l.Metadata) == 0 {
		l.Metadata = nil
	}
	return &l, nil
}

func encodeJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

// InsertLearning stores l. Re-inserting an existing id is a no-op, so a
// retried insert is safe.
func (s *Store) InsertLearning(ctx context.Context, l *learning.Learning) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (id, session_id, project, content, content_hash, type, context, tags, confidence, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		l.ID, l.SessionID, l.Project, l.Content, learning.ContentHash(l.Content), string(l.Type), l.Context,
		encodeJSON(l.Tags, "[]"), string(l.Confidence), nanos(l.CreatedAt), encodeJSON(l.Metadata, "{}"))
	return wrap("insert learning", err)
}

func (s *Store) GetLearning(ctx context.Context, id string) (*learning.Learning, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+learningCols+` FROM learnings l WHERE l.id = ?`, id)
	l, err := scanLearning(row)
	if err != nil {
		return nil, wrap("get learning", err)
	}
	return l, nil
}

func (s *Store) AnnotateLearning(ctx context.Context, id string, md map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("annotate learning", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM learnings WHERE id = ?`, id).Scan(&raw); err != nil {
		return wrap("annotate learning", err)
	}
	merged := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return fmt.Errorf("sqlite annotate learning: decoding metadata: %w", err)
	}
	for k, v := range md {
		merged[k] = v
	}
	if _, err := tx.ExecContext(ctx, `UPDATE learnings SET metadata = ? WHERE id = ?`, encodeJSON(merged, "{}"), id); err != nil {
		return wrap("annotate learning", err)
	}
	return wrap("annotate learning", tx.Commit())
}

// filterSQL renders f as AND-ed conditions on alias l.
func filterSQL(f store.Filter) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	if f.Project != "" {
		b.WriteString(" AND l.project = ?")
		args = append(args, f.Project)
	}
	if f.SessionID != "" {
		b.WriteString(" AND l.session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Types) > 0 {
		b.WriteString(" AND l.type IN (" + strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",") + ")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	for _, t := range f.Tags {
		b.WriteString(" AND EXISTS (SELECT 1 FROM json_each(l.tags) WHERE json_each.value = ?)")
		args = append(args, t)
	}
	if !f.Since.IsZero() {
		b.WriteString(" AND l.created_at >= ?")
		args = append(args, nanos(f.Since))
	}
	return b.String(), args
}

// MatchQuery renders terms as an FTS5 OR query of quoted tokens.
func MatchQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// LexicalSearch ranks with bm25, negated so that higher is better.
func (s *Store) LexicalSearch(ctx context.Context, query string, f store.Filter, limit int) ([]store.Hit, error) {
	terms := store.QueryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	where, args := filterSQL(f)
	q := `SELECT ` + learningCols + `, -bm25(learnings_fts) AS score
		FROM learnings_fts
		JOIN learnings l ON l.seq = learnings_fts.rowid
		WHERE learnings_fts MATCH ?` + where + `
		ORDER BY score DESC, l.created_at DESC
		LIMIT ?`
	args = append([]any{MatchQuery(terms)}, args...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("lexical search", err)
	}
	defer rows.Close()

	var hits []store.Hit
	for rows.Next() {
		var score float64
		l, err := scanLearning(rows, &score)
		if err != nil {
			return nil, wrap("lexical search", err)
		}
		hits = append(hits, store.Hit{Learning: *l, Score: score})
	}
	return hits, wrap("lexical search", rows.Err())
}

func (s *Store) VectorSearch(context.Context, []float32, store.Filter, int) ([]store.Hit, error) {
	return nil, learning.ErrVectorUnsupported
}

func (s *Store) FindByContent(ctx context.Context, project, sessionID, normalized string) ([]learning.Learning, error) {
	q := `SELECT ` + learningCols + ` FROM learnings l WHERE l.project = ? AND l.content_hash = ?`
	args := []any{project, learning.ContentHash(normalized)}
	if sessionID != "" {
		q += ` AND l.session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY l.created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("find by content", err)
	}
	defer rows.Close()

	var out []learning.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, wrap("find by content", err)
		}
		out = append(out, *l)
	}
	return out, wrap("find by content", rows.Err())
}
