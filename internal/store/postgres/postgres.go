// Package postgres is the vector-capable backend on PostgreSQL with the
// pgvector extension. Lexical search uses the generated tsvector column and
// ts_rank; vector search uses cosine distance.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// Name identifies this backend in metrics and cache keys.
const Name = "postgres"

// Config configures the postgres store.
type Config struct {
	URL       string
	MaxConns  int
	Dimension int
}

// Store is a pgx-backed store.Backend.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *zap.Logger
}

var _ store.Backend = (*Store)(nil)

// Open connects, creates the schema if needed and checks that the stored
// embedding column matches the configured dimension.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres: url is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("postgres: dimension must be > 0")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, wrap("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("connect", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL(cfg.Dimension)); err != nil {
		pool.Close()
		return nil, wrap("migrate", err)
	}
	var stored int
	if err := pool.QueryRow(ctx, dimensionSQL).Scan(&stored); err != nil {
		pool.Close()
		return nil, wrap("migrate", err)
	}
	if stored != cfg.Dimension {
		pool.Close()
		return nil, fmt.Errorf("%w: learnings.embedding is vector(%d), configured %d",
			learning.ErrSchemaMismatch, stored, cfg.Dimension)
	}

	logger.Info("postgres store opened",
		zap.String("host", pcfg.ConnConfig.Host),
		zap.String("database", pcfg.ConnConfig.Database),
		zap.Int("dimension", cfg.Dimension))
	return &Store{pool: pool, dimension: cfg.Dimension, logger: logger}, nil
}

func (s *Store) Name() string { return Name }

func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{Lexical: true, Vector: true, Dimension: s.dimension}
}

func (s *Store) Kind() store.Kind { return store.KindVector }

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

// Pool exposes the connection pool for tests and migrations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// wrap maps driver failures onto the shared error taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, learning.ErrNotFound)
	}
	if unreachable(err) {
		return fmt.Errorf("%w: postgres %s: %v", learning.ErrBackendUnreachable, op, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
	}
	return false
}

// VectorLiteral renders v in pgvector's text input format.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// BuildTSQuery turns free text into an OR query for to_tsquery. It returns
// "" when no term survives.
func BuildTSQuery(q string) string {
	return strings.Join(store.QueryTerms(q), " | ")
}

// args accumulates positional parameters.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// filterSQL renders f as AND-ed conditions on alias l.
func filterSQL(f store.Filter, a *args) string {
	var b strings.Builder
	if f.Project != "" {
		b.WriteString(" AND l.project = " + a.add(f.Project))
	}
	if f.SessionID != "" {
		b.WriteString(" AND l.session_id = " + a.add(f.SessionID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b.WriteString(" AND l.type = ANY(" + a.add(types) + ")")
	}
	if len(f.Tags) > 0 {
		b.WriteString(" AND l.tags @> " + a.add(f.Tags))
	}
	if !f.Since.IsZero() {
		b.WriteString(" AND l.created_at >= " + a.add(f.Since.UTC()))
	}
	return b.String()
}

const learningCols = `l.id, l.session_id, l.project, l.content, l.type, l.context, l.tags, l.confidence, l.created_at, l.metadata`

func scanLearning(row pgx.Row, extra ...any) (*learning.Learning, error) {
	var (
		l     learning.Learning
		typ   string
		conf  string
		tags  []string
		md    map[string]string
		dests = []any{&l.ID, &l.SessionID, &l.Project, &l.Content, &typ, &l.Context, &tags, &conf, &l.CreatedAt, &md}
	)
	if err := row.Scan(append(dests, extra...)...); err != nil {
		return nil, err
	}
	l.Type = learning.Type(typ)
	l.Confidence = learning.Confidence(conf)
	l.CreatedAt = l.CreatedAt.UTC()
	if len(tags) > 0 {
		l.Tags = tags
	}
	if len(md) > 0 {
		l.Metadata = md
	}
	return &l, nil
}

func collectLearnings(rows pgx.Rows, withScore bool) ([]store.Hit, error) {
	defer rows.Close()
	var hits []store.Hit
	for rows.Next() {
		var (
			score float64
			l     *learning.Learning
			err   error
		)
		if withScore {
			l, err = scanLearning(rows, &score)
		} else {
			l, err = scanLearning(rows)
		}
		if err != nil {
			return nil, err
		}
		hits = append(hits, store.Hit{Learning: *l, Score: score})
	}
	return hits, rows.Err()
}

// InsertLearning stores l. An embedding of the wrong dimension is dropped
// and the learning becomes lexical-only. Re-inserting an id is a no-op.
func (s *Store) InsertLearning(ctx context.Context, l *learning.Learning) error {
	var vec any
	switch {
	case len(l.Embedding) == s.dimension:
		vec = VectorLiteral(l.Embedding)
	case len(l.Embedding) > 0:
		s.logger.Warn("storing learning without vector",
			zap.String("id", l.ID),
			zap.Error(fmt.Errorf("%w: got %d, want %d", learning.ErrSchemaMismatch, len(l.Embedding), s.dimension)))
	}

	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	md := l.Metadata
	if md == nil {
		md = map[string]string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO learnings (id, session_id, project, content, content_hash, type, context, tags, confidence, created_at, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::vector)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.SessionID, l.Project, l.Content, learning.ContentHash(l.Content), string(l.Type), l.Context,
		tags, string(l.Confidence), l.CreatedAt.UTC(), md, vec)
	return wrap("insert learning", err)
}

func (s *Store) GetLearning(ctx context.Context, id string) (*learning.Learning, error) {
	l, err := scanLearning(s.pool.QueryRow(ctx, `SELECT `+learningCols+` FROM learnings l WHERE l.id = $1`, id))
	if err != nil {
		return nil, wrap("get learning", err)
	}
	return l, nil
}

// AnnotateLearning merges md into the stored metadata with jsonb concatenation.
func (s *Store) AnnotateLearning(ctx context.Context, id string, md map[string]string) error {
	if md == nil {
		md = map[string]string{}
	}
	tag, err := s.pool.Exec(ctx, `UPDATE learnings SET metadata = metadata || $1::jsonb WHERE id = $2`, md, id)
	if err != nil {
		return wrap("annotate learning", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("annotate learning", pgx.ErrNoRows)
	}
	return nil
}

func (s *Store) LexicalSearch(ctx context.Context, query string, f store.Filter, limit int) ([]store.Hit, error) {
	tsq := BuildTSQuery(query)
	if tsq == "" || limit <= 0 {
		return nil, nil
	}
	var a args
	q := a.add(tsq)
	sql := `SELECT ` + learningCols + `, ts_rank(l.search_vector, to_tsquery('english', ` + q + `)) AS score
		FROM learnings l
		WHERE l.search_vector @@ to_tsquery('english', ` + q + `)` + filterSQL(f, &a) + `
		ORDER BY score DESC, l.created_at DESC
		LIMIT ` + a.add(limit)

	rows, err := s.pool.Query(ctx, sql, a...)
	if err != nil {
		return nil, wrap("lexical search", err)
	}
	hits, err := collectLearnings(rows, true)
	return hits, wrap("lexical search", err)
}

// VectorSearch orders by cosine distance and reports similarity = 1 - distance.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, f store.Filter, limit int) ([]store.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", learning.ErrSchemaMismatch, len(vec), s.dimension)
	}
	var a args
	v := a.add(VectorLiteral(vec))
	sql := `SELECT ` + learningCols + `, 1 - (l.embedding <=> ` + v + `::vector) AS score
		FROM learnings l
		WHERE l.embedding IS NOT NULL` + filterSQL(f, &a) + `
		ORDER BY l.embedding <=> ` + v + `::vector, l.created_at DESC
		LIMIT ` + a.add(limit)

	rows, err := s.pool.Query(ctx, sql, a...)
	if err != nil {
		return nil, wrap("vector search", err)
	}
	hits, err := collectLearnings(rows, true)
	return hits, wrap("vector search", err)
}

func (s *Store) FindByContent(ctx context.Context, project, sessionID, normalized string) ([]learning.Learning, error) {
	var a args
	sql := `SELECT ` + learningCols + ` FROM learnings l
		WHERE l.project = ` + a.add(project) + ` AND l.content_hash = ` + a.add(learning.ContentHash(normalized))
	if sessionID != "" {
		sql += ` AND l.session_id = ` + a.add(sessionID)
	}
	sql += ` ORDER BY l.created_at DESC`

	rows, err := s.pool.Query(ctx, sql, a...)
	if err != nil {
		return nil, wrap("find by content", err)
	}
	hits, err := collectLearnings(rows, false)
	if err != nil {
		return nil, wrap("find by content", err)
	}
	out := make([]learning.Learning, len(hits))
	for i, h := range hits {
		out[i] = h.Learning
	}
	return out, nil
}

func utc(t time.Time) time.Time { return t.UTC() }
